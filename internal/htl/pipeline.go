// Package htl is the Retrieve → Generate → Memory pipeline (spec §4.4):
// a pure function of a PipelineInput and the triggering user message,
// with Memory deliberately run out of band by the caller once the
// Generate result has already been acted on.
package htl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"whatsapp-funnel/internal/enums"
	"whatsapp-funnel/internal/llmtransport"
	"whatsapp-funnel/internal/retrieval"
	"whatsapp-funnel/internal/schemas"
)

const (
	retrievalTopK                = 5
	retrievalVectorThreshold     = 0.65
	retrievalKeywordRankThresh   = 5
	generateTemperature          = 0.3
	memoryTemperature            = 0.7
	memoryMaxTokens              = 2000
	syntheticFollowupUserMessage = "[System: Scheduled follow-up triggered]"
)

type Pipeline struct {
	Transport *llmtransport.Transport
	Retrieval *retrieval.Service // nil disables RAG; DynamicKnowledgeContext stays unset
}

func New(transport *llmtransport.Transport, retriever *retrieval.Service) *Pipeline {
	return &Pipeline{Transport: transport, Retrieval: retriever}
}

// Run executes Retrieve then Generate. Memory is intentionally not run
// here: the caller invokes RunMemory once the Generate decision has
// already been applied, so a slow summarization call never delays the
// reply (spec §4.4 stage 3).
func (p *Pipeline) Run(ctx context.Context, input schemas.PipelineInput, userMessage string) schemas.PipelineResult {
	start := time.Now()

	if p.Retrieval != nil {
		items, err := p.Retrieval.Search(ctx, userMessage, input.TenantID, retrievalTopK, retrievalVectorThreshold, retrievalKeywordRankThresh)
		msg := ""
		switch {
		case err != nil:
			log.Error().Err(err).Msg("retrieval failed")
			msg = "Error retrieving knowledge."
		default:
			msg = retrieval.FormatContext(items)
		}
		input.DynamicKnowledgeContext = &msg
	}

	generateOutput, tokens, err := p.runGenerate(ctx, input)
	if err != nil {
		log.Error().Err(err).Msg("generate step failed, returning emergency result")
		return EmergencyResult(input)
	}

	return schemas.PipelineResult{
		Generate:               generateOutput,
		LatencyMs:              time.Since(start).Milliseconds(),
		Tokens:                 tokens,
		NeedsBackgroundSummary: true,
	}
}

// RunFollowup drives a scheduler-triggered turn through the same
// Retrieve → Generate path using a synthetic user message, so the LLM
// reasons about elapsed silence rather than new lead text.
func (p *Pipeline) RunFollowup(ctx context.Context, input schemas.PipelineInput) schemas.PipelineResult {
	return p.Run(ctx, input, syntheticFollowupUserMessage)
}

// EmergencyResult is the catastrophic-failure fallback: never reply,
// always flag for human attention, preserve whatever stage the
// conversation was already in.
func EmergencyResult(input schemas.PipelineInput) schemas.PipelineResult {
	return schemas.PipelineResult{
		Generate: schemas.GenerateOutput{
			ThoughtProcess:      "Critical System Failure",
			IntentLevel:         enums.IntentUnknown,
			UserSentiment:       enums.SentimentNeutral,
			RiskFlags:           schemas.RiskFlags{SpamRisk: enums.RiskLow, PolicyRisk: enums.RiskLow, HallucinationRisk: enums.RiskLow},
			Action:              enums.ActionWaitSchedule,
			NewStage:            input.ConversationStage,
			ShouldRespond:       false,
			Confidence:          0,
			NeedsHumanAttention: true,
			MessageText:         "",
			MessageLanguage:     "en",
		},
		NeedsBackgroundSummary: false,
	}
}

func (p *Pipeline) runGenerate(ctx context.Context, input schemas.PipelineInput) (schemas.GenerateOutput, int, error) {
	prompt := buildGenerateUserPrompt(input)
	var out schemas.GenerateOutput
	tokens, err := llmtransport.Call(ctx, p.Transport, GenerateSystemPrompt, prompt, generateTemperature, nil, "generate_output", llmtransport.Strict, &out)
	if err != nil {
		return schemas.GenerateOutput{}, 0, fmt.Errorf("generate step: %w", err)
	}
	return normalizeGenerateOutput(out, input), tokens, nil
}

// RunMemory folds the latest exchange into the rolling summary. On any
// failure it falls back to the prior summary (or a placeholder),
// matching the original's RunMemory tolerance: a broken memory step
// must never surface as a user-visible error.
func (p *Pipeline) RunMemory(ctx context.Context, input schemas.PipelineInput, userMessage string, generated schemas.GenerateOutput) schemas.MemoryOutput {
	out, err := p.runMemoryLLM(ctx, input, userMessage, generated)
	if err != nil {
		log.Warn().Err(err).Msg("memory step failed, keeping prior summary")
		summary := input.RollingSummary
		if summary == "" {
			summary = "No summary available"
		}
		return schemas.MemoryOutput{UpdatedRollingSummary: summary}
	}
	return out
}

func (p *Pipeline) runMemoryLLM(ctx context.Context, input schemas.PipelineInput, userMessage string, generated schemas.GenerateOutput) (schemas.MemoryOutput, error) {
	botMessage := generated.MessageText
	if botMessage == "" {
		botMessage = "(No response sent)"
	}
	actionTaken := fmt.Sprintf("Action: %s, Stage: %s", generated.Action, generated.NewStage)
	summary := input.RollingSummary
	if summary == "" {
		summary = "No prior summary"
	}
	prompt := fmt.Sprintf(MemoryUserTemplate, summary, userMessage, botMessage, actionTaken)

	maxTokens := memoryMaxTokens
	var out schemas.MemoryOutput
	_, err := llmtransport.Call(ctx, p.Transport, MemorySystemPrompt, prompt, memoryTemperature, &maxTokens, "memory_output", llmtransport.Tolerant, &out)
	if err != nil {
		return schemas.MemoryOutput{}, fmt.Errorf("memory step: %w", err)
	}
	return out, nil
}

func buildGenerateUserPrompt(input schemas.PipelineInput) string {
	knowledge := "No specific knowledge retrieved."
	if input.DynamicKnowledgeContext != nil {
		knowledge = *input.DynamicKnowledgeContext
	}
	summary := input.RollingSummary
	if summary == "" {
		summary = "No summary yet"
	}
	return fmt.Sprintf(GenerateUserTemplate,
		input.BusinessName,
		input.BusinessDescription,
		input.FlowPrompt,
		knowledge,
		summary,
		input.ConversationStage,
		input.Nudges.TotalNudges,
		input.Timing.NowLocal,
		input.Timing.WindowOpen,
		formatCTAs(input.AvailableCTAs),
		formatMessages(input.LastMessages),
	)
}

func formatCTAs(ctas []schemas.CTA) string {
	if len(ctas) == 0 {
		return "No CTAs configured"
	}
	lines := make([]string, 0, len(ctas))
	for _, c := range ctas {
		lines = append(lines, fmt.Sprintf("- %s: %s", c.ID, c.Name))
	}
	return strings.Join(lines, "\n")
}

func formatMessages(messages []schemas.MessageContext) string {
	if len(messages) == 0 {
		return "No messages yet"
	}
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("[%s] %s", m.Sender, m.Text))
	}
	return strings.Join(lines, "\n")
}

// normalizeGenerateOutput re-validates every enum-shaped field the LLM
// returned through package enums, since a strict JSON schema only
// guarantees the field is a string, not that it is one of the values we
// recognize (spec §4.8).
func normalizeGenerateOutput(out schemas.GenerateOutput, input schemas.PipelineInput) schemas.GenerateOutput {
	out.IntentLevel = enums.NormalizeIntent(string(out.IntentLevel), enums.IntentUnknown)
	out.UserSentiment = enums.NormalizeSentiment(string(out.UserSentiment), enums.SentimentNeutral)
	out.Action = enums.NormalizeAction(string(out.Action), enums.ActionWaitSchedule)
	out.NewStage = enums.NormalizeConversationStage(string(out.NewStage), input.ConversationStage)
	out.RiskFlags.SpamRisk = enums.NormalizeRisk(string(out.RiskFlags.SpamRisk), enums.RiskLow)
	out.RiskFlags.PolicyRisk = enums.NormalizeRisk(string(out.RiskFlags.PolicyRisk), enums.RiskLow)
	out.RiskFlags.HallucinationRisk = enums.NormalizeRisk(string(out.RiskFlags.HallucinationRisk), enums.RiskLow)
	if out.MessageLanguage == "" {
		out.MessageLanguage = "en"
	}
	return out
}
