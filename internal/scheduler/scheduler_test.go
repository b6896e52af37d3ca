package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-funnel/internal/entities"
)

type fakeSource struct {
	conversations []entities.Conversation
	err           error
	calls         int
}

func (f *fakeSource) DueFollowups(ctx context.Context, now time.Time) ([]entities.Conversation, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.conversations, nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	ids  []string
	fail map[string]bool
}

func (f *fakeEnqueuer) EnqueueSynthetic(ctx context.Context, conversationID, syntheticText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[conversationID] {
		return assert.AnError
	}
	f.ids = append(f.ids, conversationID)
	return nil
}

func TestTickDispatchesSyntheticInvocationPerDueConversation(t *testing.T) {
	source := &fakeSource{conversations: []entities.Conversation{{ID: "c1"}, {ID: "c2"}}}
	enqueuer := &fakeEnqueuer{}
	s := New(source, enqueuer, time.Second)

	s.tick(context.Background())
	waitFor(t, func() bool { return len(enqueuer.ids) == 2 })

	assert.ElementsMatch(t, []string{"c1", "c2"}, enqueuer.ids)
}

func TestTickToleratesSourceFailureWithoutPanicking(t *testing.T) {
	source := &fakeSource{err: assert.AnError}
	enqueuer := &fakeEnqueuer{}
	s := New(source, enqueuer, time.Second)

	assert.NotPanics(t, func() { s.tick(context.Background()) })
	assert.Empty(t, enqueuer.ids)
	assert.Equal(t, 1, source.calls)
}

func TestTickOneFailingConversationDoesNotBlockOthers(t *testing.T) {
	source := &fakeSource{conversations: []entities.Conversation{{ID: "bad"}, {ID: "good"}}}
	enqueuer := &fakeEnqueuer{fail: map[string]bool{"bad": true}}
	s := New(source, enqueuer, time.Second)

	s.tick(context.Background())
	waitFor(t, func() bool { return len(enqueuer.ids) == 1 })

	require.Len(t, enqueuer.ids, 1)
	assert.Equal(t, "good", enqueuer.ids[0])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
