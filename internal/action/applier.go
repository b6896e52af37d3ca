// Package action is the Action Applier (spec §4.10): a pure
// translation from the HTL pipeline's GenerateOutput into an ordered
// sequence of side-effects against the Internal RPC. It never decides
// conversation semantics itself, only executes the order the pipeline
// already decided on.
package action

import (
	"context"

	"github.com/rs/zerolog/log"

	"whatsapp-funnel/internal/entities"
	"whatsapp-funnel/internal/enums"
	"whatsapp-funnel/internal/observer"
	"whatsapp-funnel/internal/rpc"
	"whatsapp-funnel/internal/schemas"
)

// RPC is the subset of rpc.Client the applier depends on, narrowed for
// testability.
type RPC interface {
	PostOutgoing(ctx context.Context, req rpc.OutgoingMessageRequest) (entities.Message, error)
	PatchConversation(ctx context.Context, id string, patch rpc.ConversationPatch) (entities.Conversation, error)
	Send(ctx context.Context, req rpc.SendRequest) error
	EmitEvent(ctx context.Context, req rpc.ObserverEventRequest) error
	IncrementFollowupCount(ctx context.Context, conversationID string) error
}

// MemoryRunner is the subset of htl.Pipeline the applier depends on to
// kick off the background memory update (spec §4.10 step 6), narrowed
// for testability.
type MemoryRunner interface {
	RunMemory(ctx context.Context, input schemas.PipelineInput, userMessage string, generated schemas.GenerateOutput) schemas.MemoryOutput
}

// Applier owns the RPC client and the pipeline handle needed to kick
// off the background memory update (spec §4.10 step 6).
type Applier struct {
	RPC      RPC
	Pipeline MemoryRunner
}

func New(rpcClient RPC, pipeline MemoryRunner) *Applier {
	return &Applier{RPC: rpcClient, Pipeline: pipeline}
}

// Apply executes the side-effects named in spec §4.10, in order, for
// one pipeline turn on one conversation. userMessage is the combined
// text that triggered this turn, needed to ground the background
// memory update. synthetic marks a scheduler-triggered follow-up
// invocation rather than a lead-initiated one (spec §4.9 step 3).
func (a *Applier) Apply(ctx context.Context, conv entities.Conversation, input schemas.PipelineInput, result schemas.PipelineResult, userMessage string, synthetic bool) error {
	gen := result.Generate

	// 1. Dispatch the outbound send, if the decision calls for one.
	if result.ShouldSendMessage() {
		if err := a.RPC.Send(ctx, rpc.SendRequest{
			TenantID: conv.TenantID,
			ToPhone:  "", // resolved server-side from conv.LeadID; the applier never sees the phone number
			Text:     gen.MessageText,
		}); err != nil {
			log.Error().Err(err).Str("conversation_id", conv.ID).Msg("action applier: send failed")
			return err
		}
	}

	// 2. Persist the outbound message and last_bot_message_at, but only
	// when one was actually sent — an action that never produced a
	// message (wait_schedule, flag_attention with no reply) has nothing
	// to append.
	if result.ShouldSendMessage() {
		if _, err := a.RPC.PostOutgoing(ctx, rpc.OutgoingMessageRequest{
			ConversationID: conv.ID,
			Content:        gen.MessageText,
		}); err != nil {
			log.Error().Err(err).Str("conversation_id", conv.ID).Msg("action applier: persist outgoing message failed")
			return err
		}
	}

	// 3. Patch the conversation's derived state.
	patch := rpc.ConversationPatch{
		Stage:               strPtr(string(gen.NewStage)),
		IntentLevel:         strPtr(string(gen.IntentLevel)),
		UserSentiment:       strPtr(string(gen.UserSentiment)),
		NeedsHumanAttention: boolPtr(gen.NeedsHumanAttention),
	}
	if gen.SelectedCTAID != nil {
		patch.ActiveCTAID = gen.SelectedCTAID
	}
	updated, err := a.RPC.PatchConversation(ctx, conv.ID, patch)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("action applier: patch conversation failed")
		return err
	}

	// 3b. Scheduler follow-up counter: only a scheduler-triggered
	// invocation that actually produced a response advances the bucket
	// (spec §4.9 step 3), otherwise the same bucket would keep re-firing
	// since last_bot_message_at alone doesn't move the count.
	if synthetic && gen.ShouldRespond {
		if err := a.RPC.IncrementFollowupCount(ctx, conv.ID); err != nil {
			log.Error().Err(err).Str("conversation_id", conv.ID).Msg("action applier: increment follow-up count failed")
		}
	}

	// 4. Human attention event.
	if gen.Action == enums.ActionFlagAttention || gen.NeedsHumanAttention {
		if err := a.RPC.EmitEvent(ctx, observer.HumanAttentionRequired(updated)); err != nil {
			log.Error().Err(err).Str("conversation_id", conv.ID).Msg("action applier: emit human-attention event failed")
		}
	}

	// 5. CTA flagged event.
	if gen.Action == enums.ActionInitiateCTA {
		if err := a.RPC.EmitEvent(ctx, observer.ConversationFlagged(updated)); err != nil {
			log.Error().Err(err).Str("conversation_id", conv.ID).Msg("action applier: emit CTA-flagged event failed")
		}
	}

	// 6. Background memory update: never blocks the turn that triggered
	// it (spec §4.4's I-ASYNC-MEM), runs and persists on its own.
	go a.updateMemory(context.Background(), input, userMessage, gen, updated)

	return nil
}

func (a *Applier) updateMemory(ctx context.Context, input schemas.PipelineInput, userMessage string, gen schemas.GenerateOutput, conv entities.Conversation) {
	memory := a.Pipeline.RunMemory(ctx, input, userMessage, gen)
	if _, err := a.RPC.PatchConversation(ctx, conv.ID, rpc.ConversationPatch{
		RollingSummary: &memory.UpdatedRollingSummary,
	}); err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("action applier: persist updated rolling summary failed")
	}
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
