package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-funnel/internal/consumer"
	"whatsapp-funnel/internal/entities"
	"whatsapp-funnel/internal/enums"
	"whatsapp-funnel/internal/rpc"
	"whatsapp-funnel/internal/schemas"
)

type fakeRPC struct {
	tenant            entities.Tenant
	tenantErr         error
	incomingResponse  rpc.IncomingMessageResponse
	incomingErr       error
	conversation      entities.Conversation
	conversationErr   error
	recentMessages    []entities.Message
	recentMessagesErr error

	lastIncomingReq   rpc.IncomingMessageRequest
	eventCalls        []rpc.ObserverEventRequest
	followupIncrCalls []string
}

func (f *fakeRPC) TenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (entities.Tenant, error) {
	return f.tenant, f.tenantErr
}
func (f *fakeRPC) GetTenant(ctx context.Context, id string) (entities.Tenant, error) {
	return f.tenant, f.tenantErr
}
func (f *fakeRPC) PostIncoming(ctx context.Context, req rpc.IncomingMessageRequest) (rpc.IncomingMessageResponse, error) {
	f.lastIncomingReq = req
	return f.incomingResponse, f.incomingErr
}
func (f *fakeRPC) GetConversation(ctx context.Context, id string) (entities.Conversation, error) {
	return f.conversation, f.conversationErr
}
func (f *fakeRPC) RecentMessages(ctx context.Context, conversationID string, limit int) ([]entities.Message, error) {
	return f.recentMessages, f.recentMessagesErr
}
func (f *fakeRPC) EmitEvent(ctx context.Context, req rpc.ObserverEventRequest) error {
	f.eventCalls = append(f.eventCalls, req)
	return nil
}
func (f *fakeRPC) IncrementFollowupCount(ctx context.Context, conversationID string) error {
	f.followupIncrCalls = append(f.followupIncrCalls, conversationID)
	return nil
}

type fakeEnqueuer struct {
	conversationID string
	text           string
	called         bool
}

func (f *fakeEnqueuer) Enqueue(conversationID, text string) {
	f.called = true
	f.conversationID = conversationID
	f.text = text
}

func TestIngressDispatcherEnqueuesWhenBotMode(t *testing.T) {
	r := &fakeRPC{
		tenant: entities.Tenant{ID: "tenant-1"},
		incomingResponse: rpc.IncomingMessageResponse{
			Conversation: entities.Conversation{ID: "conv-1", Mode: enums.ModeBot},
		},
	}
	e := &fakeEnqueuer{}
	d := NewIngressDispatcher(r, e)

	err := d.Dispatch(context.Background(), consumer.InboundMessage{PhoneNumberID: "pn-1", FromPhone: "628", Text: "hi"})
	require.NoError(t, err)
	assert.True(t, e.called)
	assert.Equal(t, "conv-1", e.conversationID)
	assert.Equal(t, "hi", e.text)
	assert.Equal(t, "tenant-1", r.lastIncomingReq.TenantID)
}

func TestIngressDispatcherDoesNotEnqueueWhenHumanMode(t *testing.T) {
	r := &fakeRPC{
		tenant: entities.Tenant{ID: "tenant-1"},
		incomingResponse: rpc.IncomingMessageResponse{
			Conversation: entities.Conversation{ID: "conv-1", Mode: enums.ModeHuman},
		},
	}
	e := &fakeEnqueuer{}
	d := NewIngressDispatcher(r, e)

	err := d.Dispatch(context.Background(), consumer.InboundMessage{PhoneNumberID: "pn-1", FromPhone: "628", Text: "hi"})
	require.NoError(t, err)
	assert.False(t, e.called)
	require.Len(t, r.eventCalls, 1)
	assert.Equal(t, string(enums.EventConversationUpdated), r.eventCalls[0].Event)
	assert.Equal(t, "conv-1", r.eventCalls[0].ConversationID)
}

func TestIngressDispatcherPropagatesTenantResolutionError(t *testing.T) {
	r := &fakeRPC{tenantErr: assert.AnError}
	e := &fakeEnqueuer{}
	d := NewIngressDispatcher(r, e)

	err := d.Dispatch(context.Background(), consumer.InboundMessage{PhoneNumberID: "pn-1"})
	assert.Error(t, err)
	assert.False(t, e.called)
}

type fakeRunner struct {
	gotInput   schemas.PipelineInput
	gotMessage string
	result     schemas.PipelineResult
}

func (f *fakeRunner) Run(ctx context.Context, input schemas.PipelineInput, userMessage string) schemas.PipelineResult {
	f.gotInput = input
	f.gotMessage = userMessage
	return f.result
}

type fakeApplier struct {
	called       bool
	gotSynthetic bool
	err          error
}

func (f *fakeApplier) Apply(ctx context.Context, conv entities.Conversation, input schemas.PipelineInput, result schemas.PipelineResult, userMessage string, synthetic bool) error {
	f.called = true
	f.gotSynthetic = synthetic
	return f.err
}

func TestPipelineInvokerRunsAndAppliesForBotMode(t *testing.T) {
	now := time.Now()
	r := &fakeRPC{
		conversation: entities.Conversation{ID: "conv-1", TenantID: "tenant-1", Mode: enums.ModeBot, LastUserMessageAt: &now},
		tenant:       entities.Tenant{ID: "tenant-1", DisplayName: "Acme", CTAs: []entities.CTA{{ID: "cta-1", Name: "Book a call"}}},
		recentMessages: []entities.Message{
			{Origin: enums.OriginLead, Content: "hi"},
		},
	}
	runner := &fakeRunner{}
	applier := &fakeApplier{}
	inv := NewPipelineInvoker(r, runner, applier)

	err := inv.Invoke(context.Background(), "conv-1", "hi there", true)
	require.NoError(t, err)
	assert.True(t, applier.called)
	assert.True(t, applier.gotSynthetic)
	assert.Equal(t, "hi there", runner.gotMessage)
	assert.Equal(t, "Acme", runner.gotInput.BusinessName)
	require.Len(t, runner.gotInput.AvailableCTAs, 1)
	assert.Equal(t, "cta-1", runner.gotInput.AvailableCTAs[0].ID)
	require.Len(t, runner.gotInput.LastMessages, 1)
	assert.True(t, runner.gotInput.Timing.WindowOpen)
}

func TestPipelineInvokerSkipsWhenHumanMode(t *testing.T) {
	r := &fakeRPC{conversation: entities.Conversation{ID: "conv-1", Mode: enums.ModeHuman}}
	runner := &fakeRunner{}
	applier := &fakeApplier{}
	inv := NewPipelineInvoker(r, runner, applier)

	err := inv.Invoke(context.Background(), "conv-1", "hi", false)
	require.NoError(t, err)
	assert.False(t, applier.called)
}

func TestPipelineInvokerPropagatesApplierError(t *testing.T) {
	r := &fakeRPC{conversation: entities.Conversation{ID: "conv-1", Mode: enums.ModeBot}}
	runner := &fakeRunner{}
	applier := &fakeApplier{err: assert.AnError}
	inv := NewPipelineInvoker(r, runner, applier)

	err := inv.Invoke(context.Background(), "conv-1", "hi", false)
	assert.Error(t, err)
}
