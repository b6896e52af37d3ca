// Package schemas holds the ephemeral HTL pipeline records (spec §3):
// PipelineInput in, GenerateOutput/MemoryOutput out. These never persist
// as-is; the Action Applier folds GenerateOutput into Conversation/
// Message mutations via the Internal RPC.
package schemas

import "whatsapp-funnel/internal/enums"

type MessageContext struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// TimingContext carries the 24h provider session-window flag (see
// SPEC_FULL.md §4, calculate_whatsapp_window in the original source)
// alongside the raw timestamps so the LLM can reason about recency.
type TimingContext struct {
	NowLocal          string  `json:"now_local"`
	LastUserMessageAt *string `json:"last_user_message_at,omitempty"`
	LastBotMessageAt  *string `json:"last_bot_message_at,omitempty"`
	WindowOpen        bool    `json:"window_open"`
}

type NudgeContext struct {
	FollowupCount24h int `json:"followup_count_24h"`
	TotalNudges      int `json:"total_nudges"`
}

type CTA struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PipelineInput is the pure-function input to the HTL pipeline (spec
// §3/§4.4). Ephemeral: built fresh from RPC-fetched state on every
// invocation, never itself persisted.
type PipelineInput struct {
	TenantID                string                  `json:"tenant_id"`
	BusinessName            string                  `json:"business_name"`
	BusinessDescription     string                  `json:"business_description"`
	FlowPrompt              string                  `json:"flow_prompt"`
	AvailableCTAs           []CTA                   `json:"available_ctas"`
	RollingSummary          string                  `json:"rolling_summary"`
	LastMessages            []MessageContext        `json:"last_messages"`
	ConversationStage       enums.ConversationStage `json:"conversation_stage"`
	ConversationMode        enums.ConversationMode  `json:"conversation_mode"`
	IntentLevel             enums.IntentLevel       `json:"intent_level"`
	UserSentiment           enums.UserSentiment     `json:"user_sentiment"`
	ActiveCTAID             *string                 `json:"active_cta_id,omitempty"`
	Timing                  TimingContext           `json:"timing"`
	Nudges                  NudgeContext            `json:"nudges"`
	MaxWords                int                     `json:"max_words"`
	QuestionsPerMessage     int                     `json:"questions_per_message"`
	LanguagePref            string                  `json:"language_pref"`
	DynamicKnowledgeContext *string                 `json:"dynamic_knowledge_context,omitempty"`
}

type RiskFlags struct {
	SpamRisk          enums.RiskLevel `json:"spam_risk" jsonschema:"enum=low,enum=medium,enum=high"`
	PolicyRisk        enums.RiskLevel `json:"policy_risk" jsonschema:"enum=low,enum=medium,enum=high"`
	HallucinationRisk enums.RiskLevel `json:"hallucination_risk" jsonschema:"enum=low,enum=medium,enum=high"`
}

// GenerateOutput is the strict-schema artifact the Generate stage
// produces (spec §3/§4.4). The LLM's JSON is decoded into it as-is;
// the pipeline then normalizes every enum-typed field through package
// enums before the value leaves the pipeline.
type GenerateOutput struct {
	ThoughtProcess      string                  `json:"thought_process"`
	IntentLevel         enums.IntentLevel       `json:"intent_level"`
	UserSentiment       enums.UserSentiment     `json:"user_sentiment"`
	RiskFlags           RiskFlags               `json:"risk_flags"`
	Action              enums.DecisionAction    `json:"action"`
	NewStage            enums.ConversationStage `json:"new_stage"`
	ShouldRespond       bool                    `json:"should_respond"`
	SelectedCTAID       *string                 `json:"selected_cta_id,omitempty"`
	CTAScheduledAt      *string                 `json:"cta_scheduled_at,omitempty"`
	FollowupInMinutes   int                     `json:"followup_in_minutes"`
	MessageText         string                  `json:"message_text"`
	MessageLanguage     string                  `json:"message_language"`
	Confidence          float64                 `json:"confidence"`
	NeedsHumanAttention bool                    `json:"needs_human_attention"`
}

type MemoryOutput struct {
	UpdatedRollingSummary string `json:"updated_rolling_summary"`
	NeedsRecursiveSummary bool   `json:"needs_recursive_summary"`
}

// PipelineResult is what the HTL pipeline returns to its caller (the
// debounce layer / scheduler); it never decides what to do with the
// result, only the Action Applier does (spec §4.4).
type PipelineResult struct {
	Generate               GenerateOutput `json:"generate"`
	Memory                 *MemoryOutput  `json:"memory,omitempty"`
	LatencyMs              int64          `json:"latency_ms"`
	Tokens                 int            `json:"tokens"`
	NeedsBackgroundSummary bool           `json:"needs_background_summary"`
}

func (p PipelineResult) ShouldSendMessage() bool {
	return p.Generate.ShouldRespond && p.Generate.MessageText != "" && p.Generate.Action == enums.ActionSendNow
}
