// Package dispatch adapts the Internal RPC, Debounce layer, HTL
// pipeline, and Action Applier into the two narrow interfaces the
// consumer and debounce packages depend on: consumer.Dispatcher (spec
// §4.3 steps 1-4, durable ownership acceptance) and debounce.Invoker
// (spec §4.4, one pipeline turn per combined message). Neither the
// consumer nor the debounce package imports the other components
// directly, so this package is the only place they are wired together.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"whatsapp-funnel/internal/consumer"
	"whatsapp-funnel/internal/debounce"
	"whatsapp-funnel/internal/entities"
	"whatsapp-funnel/internal/enums"
	"whatsapp-funnel/internal/observer"
	"whatsapp-funnel/internal/rpc"
	"whatsapp-funnel/internal/schemas"
)

const recentMessagesLimit = 10

// RPC is the subset of rpc.Client the dispatch layer depends on.
type RPC interface {
	TenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (entities.Tenant, error)
	GetTenant(ctx context.Context, id string) (entities.Tenant, error)
	PostIncoming(ctx context.Context, req rpc.IncomingMessageRequest) (rpc.IncomingMessageResponse, error)
	GetConversation(ctx context.Context, id string) (entities.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]entities.Message, error)
	EmitEvent(ctx context.Context, req rpc.ObserverEventRequest) error
	IncrementFollowupCount(ctx context.Context, conversationID string) error
}

// Enqueuer is the arrival-buffering half of debounce.Manager.
type Enqueuer interface {
	Enqueue(conversationID, text string)
}

// IngressDispatcher implements consumer.Dispatcher: it durably accepts
// ownership of one inbound message (tenant/lead/conversation resolution
// + persistence) and, unless the conversation has been handed off to a
// human, buffers it into the debounce layer.
type IngressDispatcher struct {
	RPC      RPC
	Debounce Enqueuer
}

func NewIngressDispatcher(rpcClient RPC, deb Enqueuer) *IngressDispatcher {
	return &IngressDispatcher{RPC: rpcClient, Debounce: deb}
}

var _ consumer.Dispatcher = (*IngressDispatcher)(nil)

func (d *IngressDispatcher) Dispatch(ctx context.Context, msg consumer.InboundMessage) error {
	tenant, err := d.RPC.TenantByPhoneNumberID(ctx, msg.PhoneNumberID)
	if err != nil {
		return fmt.Errorf("resolve tenant by phone_number_id: %w", err)
	}

	resp, err := d.RPC.PostIncoming(ctx, rpc.IncomingMessageRequest{
		TenantID:          tenant.ID,
		Phone:             msg.FromPhone,
		ProviderMessageID: msg.ProviderMessageID,
		Content:           msg.Text,
	})
	if err != nil {
		return fmt.Errorf("persist incoming message: %w", err)
	}

	// mode = HUMAN: the core must not invoke the pipeline, only persist
	// and notify observers (spec §4.3 step 3).
	if resp.Conversation.Mode == enums.ModeHuman {
		if err := d.RPC.EmitEvent(ctx, observer.ConversationUpdated(resp.Conversation)); err != nil {
			return fmt.Errorf("emit conversation-updated event: %w", err)
		}
		return nil
	}

	d.Debounce.Enqueue(resp.Conversation.ID, msg.Text)
	return nil
}

// Runner is the subset of htl.Pipeline the dispatch layer depends on.
type Runner interface {
	Run(ctx context.Context, input schemas.PipelineInput, userMessage string) schemas.PipelineResult
}

// Applier is the subset of action.Applier the dispatch layer depends on.
type Applier interface {
	Apply(ctx context.Context, conv entities.Conversation, input schemas.PipelineInput, result schemas.PipelineResult, userMessage string, synthetic bool) error
}

// PipelineInvoker implements debounce.Invoker: it rebuilds a
// PipelineInput from current RPC-fetched state, runs the HTL pipeline,
// and applies the decision via the Action Applier.
type PipelineInvoker struct {
	RPC      RPC
	Pipeline Runner
	Applier  Applier
	nowFn    func() time.Time
}

func NewPipelineInvoker(rpcClient RPC, pipeline Runner, applier Applier) *PipelineInvoker {
	return &PipelineInvoker{RPC: rpcClient, Pipeline: pipeline, Applier: applier, nowFn: time.Now}
}

var _ debounce.Invoker = (*PipelineInvoker)(nil)

func (p *PipelineInvoker) Invoke(ctx context.Context, conversationID, combinedText string, synthetic bool) error {
	conv, err := p.RPC.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("fetch conversation: %w", err)
	}
	if conv.Mode == enums.ModeHuman {
		return nil
	}

	tenant, err := p.RPC.GetTenant(ctx, conv.TenantID)
	if err != nil {
		return fmt.Errorf("fetch tenant: %w", err)
	}

	messages, err := p.RPC.RecentMessages(ctx, conversationID, recentMessagesLimit)
	if err != nil {
		return fmt.Errorf("fetch recent messages: %w", err)
	}

	input := buildPipelineInput(tenant, conv, messages, p.nowFn())

	result := p.Pipeline.Run(ctx, input, combinedText)
	if err := p.Applier.Apply(ctx, conv, input, result, combinedText, synthetic); err != nil {
		return fmt.Errorf("apply action: %w", err)
	}
	return nil
}

func buildPipelineInput(tenant entities.Tenant, conv entities.Conversation, messages []entities.Message, now time.Time) schemas.PipelineInput {
	ctas := make([]schemas.CTA, len(tenant.CTAs))
	for i, c := range tenant.CTAs {
		ctas[i] = schemas.CTA{ID: c.ID, Name: c.Name}
	}

	msgCtx := make([]schemas.MessageContext, len(messages))
	for i, m := range messages {
		msgCtx[i] = schemas.MessageContext{
			Sender:    string(m.Origin),
			Text:      m.Content,
			Timestamp: m.CreatedAt.Format(time.RFC3339),
		}
	}

	return schemas.PipelineInput{
		TenantID:            tenant.ID,
		BusinessName:        tenant.DisplayName,
		BusinessDescription: tenant.BusinessDesc,
		FlowPrompt:          tenant.FlowPrompt,
		AvailableCTAs:       ctas,
		RollingSummary:      conv.RollingSummary,
		LastMessages:        msgCtx,
		ConversationStage:   conv.Stage,
		ConversationMode:    conv.Mode,
		IntentLevel:         conv.IntentLevel,
		UserSentiment:       conv.UserSentiment,
		ActiveCTAID:         conv.ActiveCTAID,
		Timing: schemas.TimingContext{
			NowLocal:          now.Format(time.RFC3339),
			LastUserMessageAt: timeStrPtr(conv.LastUserMessageAt),
			LastBotMessageAt:  timeStrPtr(conv.LastBotMessageAt),
			WindowOpen:        conv.WindowOpen(now),
		},
		Nudges: schemas.NudgeContext{
			FollowupCount24h: conv.FollowupCount24h,
			TotalNudges:      conv.TotalNudges,
		},
		MaxWords:            120,
		QuestionsPerMessage: 1,
		LanguagePref:        "auto",
	}
}

func timeStrPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
