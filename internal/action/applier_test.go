package action

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-funnel/internal/entities"
	"whatsapp-funnel/internal/enums"
	"whatsapp-funnel/internal/rpc"
	"whatsapp-funnel/internal/schemas"
)

type fakeMemoryRunner struct{}

func (fakeMemoryRunner) RunMemory(ctx context.Context, input schemas.PipelineInput, userMessage string, generated schemas.GenerateOutput) schemas.MemoryOutput {
	return schemas.MemoryOutput{UpdatedRollingSummary: "updated: " + userMessage}
}

type fakeRPC struct {
	mu sync.Mutex

	sendCalls         []rpc.SendRequest
	outgoingCalls     []rpc.OutgoingMessageRequest
	patchCalls        []rpc.ConversationPatch
	eventCalls        []rpc.ObserverEventRequest
	followupIncrCalls []string

	sendErr  error
	patchRet entities.Conversation

	patchDone chan struct{}
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{patchDone: make(chan struct{}, 10)}
}

func (f *fakeRPC) PostOutgoing(ctx context.Context, req rpc.OutgoingMessageRequest) (entities.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outgoingCalls = append(f.outgoingCalls, req)
	return entities.Message{ID: "m1", ConversationID: req.ConversationID, Content: req.Content}, nil
}

func (f *fakeRPC) PatchConversation(ctx context.Context, id string, patch rpc.ConversationPatch) (entities.Conversation, error) {
	f.mu.Lock()
	f.patchCalls = append(f.patchCalls, patch)
	f.mu.Unlock()
	select {
	case f.patchDone <- struct{}{}:
	default:
	}
	ret := f.patchRet
	ret.ID = id
	return ret, nil
}

func (f *fakeRPC) Send(ctx context.Context, req rpc.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls = append(f.sendCalls, req)
	return f.sendErr
}

func (f *fakeRPC) EmitEvent(ctx context.Context, req rpc.ObserverEventRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCalls = append(f.eventCalls, req)
	return nil
}

func (f *fakeRPC) IncrementFollowupCount(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followupIncrCalls = append(f.followupIncrCalls, conversationID)
	return nil
}

func baseConversation() entities.Conversation {
	return entities.Conversation{ID: "conv-1", TenantID: "tenant-1", Stage: enums.StageQualification}
}

func baseInput() schemas.PipelineInput {
	return schemas.PipelineInput{TenantID: "tenant-1", ConversationStage: enums.StageQualification}
}

func waitForPatch(t *testing.T, f *fakeRPC, n int) {
	t.Helper()
	deadline := time.After(time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-f.patchDone:
		case <-deadline:
			t.Fatalf("timed out waiting for patch #%d", i+1)
		}
	}
}

func TestApplySendsAndPersistsOutgoingMessageOnSendNow(t *testing.T) {
	f := newFakeRPC()
	a := New(f, fakeMemoryRunner{})
	result := schemas.PipelineResult{Generate: schemas.GenerateOutput{
		ShouldRespond: true,
		MessageText:   "hello there",
		Action:        enums.ActionSendNow,
		NewStage:      enums.StageQualification,
	}}

	err := a.Apply(context.Background(), baseConversation(), baseInput(), result, "hi", false)
	require.NoError(t, err)
	waitForPatch(t, f, 2) // conversation patch + background memory patch

	require.Len(t, f.sendCalls, 1)
	assert.Equal(t, "hello there", f.sendCalls[0].Text)
	require.Len(t, f.outgoingCalls, 1)
	assert.Equal(t, "conv-1", f.outgoingCalls[0].ConversationID)
}

func TestApplyDoesNotSendWhenShouldRespondIsFalse(t *testing.T) {
	f := newFakeRPC()
	a := New(f, fakeMemoryRunner{})
	result := schemas.PipelineResult{Generate: schemas.GenerateOutput{
		ShouldRespond: false,
		Action:        enums.ActionWaitSchedule,
		NewStage:      enums.StageQualification,
	}}

	err := a.Apply(context.Background(), baseConversation(), baseInput(), result, "hi", false)
	require.NoError(t, err)
	waitForPatch(t, f, 1)

	assert.Empty(t, f.sendCalls)
	assert.Empty(t, f.outgoingCalls)
}

func TestApplyEmitsHumanAttentionEventWhenFlagged(t *testing.T) {
	f := newFakeRPC()
	a := New(f, fakeMemoryRunner{})
	result := schemas.PipelineResult{Generate: schemas.GenerateOutput{
		Action:              enums.ActionFlagAttention,
		NeedsHumanAttention: true,
		NewStage:            enums.StageQualification,
	}}

	err := a.Apply(context.Background(), baseConversation(), baseInput(), result, "hi", false)
	require.NoError(t, err)
	waitForPatch(t, f, 1)

	require.Len(t, f.eventCalls, 1)
	assert.Equal(t, string(enums.EventActionHumanAttention), f.eventCalls[0].Event)
}

func TestApplyEmitsConversationFlaggedEventOnInitiateCTA(t *testing.T) {
	f := newFakeRPC()
	a := New(f, fakeMemoryRunner{})
	ctaID := "cta-1"
	result := schemas.PipelineResult{Generate: schemas.GenerateOutput{
		Action:        enums.ActionInitiateCTA,
		SelectedCTAID: &ctaID,
		NewStage:      enums.StageCTA,
	}}

	err := a.Apply(context.Background(), baseConversation(), baseInput(), result, "hi", false)
	require.NoError(t, err)
	waitForPatch(t, f, 2) // conversation patch + background memory patch

	require.Len(t, f.eventCalls, 1)
	assert.Equal(t, string(enums.EventActionConversationFlagged), f.eventCalls[0].Event)
	require.Len(t, f.patchCalls, 2)
	require.NotNil(t, f.patchCalls[0].ActiveCTAID)
	assert.Equal(t, "cta-1", *f.patchCalls[0].ActiveCTAID)
}

func TestApplyIncrementsFollowupCountOnSyntheticInvocationThatResponds(t *testing.T) {
	f := newFakeRPC()
	a := New(f, fakeMemoryRunner{})
	result := schemas.PipelineResult{Generate: schemas.GenerateOutput{
		ShouldRespond: true,
		MessageText:   "following up",
		Action:        enums.ActionSendNow,
		NewStage:      enums.StageFollowup,
	}}

	err := a.Apply(context.Background(), baseConversation(), baseInput(), result, "[System: Scheduled follow-up triggered]", true)
	require.NoError(t, err)
	waitForPatch(t, f, 2)

	require.Len(t, f.followupIncrCalls, 1)
	assert.Equal(t, "conv-1", f.followupIncrCalls[0])
}

func TestApplyDoesNotIncrementFollowupCountOnUserInitiatedTurn(t *testing.T) {
	f := newFakeRPC()
	a := New(f, fakeMemoryRunner{})
	result := schemas.PipelineResult{Generate: schemas.GenerateOutput{
		ShouldRespond: true,
		MessageText:   "hello there",
		Action:        enums.ActionSendNow,
		NewStage:      enums.StageQualification,
	}}

	err := a.Apply(context.Background(), baseConversation(), baseInput(), result, "hi", false)
	require.NoError(t, err)
	waitForPatch(t, f, 2)

	assert.Empty(t, f.followupIncrCalls)
}

func TestApplyDoesNotIncrementFollowupCountWhenSyntheticTurnDoesNotRespond(t *testing.T) {
	f := newFakeRPC()
	a := New(f, fakeMemoryRunner{})
	result := schemas.PipelineResult{Generate: schemas.GenerateOutput{
		ShouldRespond: false,
		Action:        enums.ActionWaitSchedule,
		NewStage:      enums.StageFollowup,
	}}

	err := a.Apply(context.Background(), baseConversation(), baseInput(), result, "[System: Scheduled follow-up triggered]", true)
	require.NoError(t, err)
	waitForPatch(t, f, 1)

	assert.Empty(t, f.followupIncrCalls)
}

func TestApplyReturnsErrorWhenSendFails(t *testing.T) {
	f := newFakeRPC()
	f.sendErr = assert.AnError
	a := New(f, fakeMemoryRunner{})
	result := schemas.PipelineResult{Generate: schemas.GenerateOutput{
		ShouldRespond: true,
		MessageText:   "hi",
		Action:        enums.ActionSendNow,
	}}

	err := a.Apply(context.Background(), baseConversation(), baseInput(), result, "hi", false)
	assert.Error(t, err)
	assert.Empty(t, f.outgoingCalls)
	assert.Empty(t, f.patchCalls)
}
