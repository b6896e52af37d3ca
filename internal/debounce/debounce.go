// Package debounce is the per-conversation debounce and serialization
// layer (spec §4.3): it coalesces bursts of short messages into one
// combined invocation per quiet window and guarantees at-most-one
// in-flight pipeline per conversation, in-process via a state table
// keyed by conversation id (mirroring the _message_buffer/_buffer_lock
// pair in original_source/whatsapp_worker/main.py, generalized from a
// single global lock to one lock per conversation).
package debounce

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Invoker runs the HTL pipeline and Action Applier for one combined
// message on one conversation. synthetic is true when this invocation
// originated from Manager.EnqueueSynthetic rather than a buffered
// lead message (spec §4.9 step 3 needs to distinguish the two so only a
// scheduler-triggered turn can advance the follow-up counter). Debounce
// never imports htl/action directly; the caller wires a concrete
// Invoker (see cmd/funnel).
type Invoker interface {
	Invoke(ctx context.Context, conversationID, combinedText string, synthetic bool) error
}

// Locker is the cross-worker promotion hook from spec §5: when
// conversation→worker affinity cannot be guaranteed, the in-process
// lock below must be backed by a distributed advisory lock on the
// state store. A nil Locker means affinity is trusted and only the
// in-process lock applies.
type Locker interface {
	Lock(ctx context.Context, conversationID string) (unlock func(), err error)
}

type bufferedEntry struct {
	text       string
	receivedAt time.Time
}

type conversationState struct {
	mu     sync.Mutex
	buffer []bufferedEntry
	timer  *time.Timer
	runSem chan struct{} // size-1 semaphore; send=acquire, receive=release
}

func newConversationState() *conversationState {
	return &conversationState{runSem: make(chan struct{}, 1)}
}

// Manager owns the debounce state table. Window is the quiet-window
// duration W (spec §4.3, default 5s); Budget bounds how long a single
// pipeline invocation may hold the serialization lock before it is
// cancelled (spec §5, default 30s).
type Manager struct {
	Window  time.Duration
	Budget  time.Duration
	Invoker Invoker
	Locker  Locker

	mu           sync.Mutex
	states       map[string]*conversationState
	afterTimerFn func(d time.Duration, f func()) *time.Timer // overridable in tests
}

func New(window, budget time.Duration, invoker Invoker, locker Locker) *Manager {
	return &Manager{
		Window:       window,
		Budget:       budget,
		Invoker:      invoker,
		Locker:       locker,
		states:       make(map[string]*conversationState),
		afterTimerFn: time.AfterFunc,
	}
}

func (m *Manager) stateFor(conversationID string) *conversationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[conversationID]
	if !ok {
		s = newConversationState()
		m.states[conversationID] = s
	}
	return s
}

// Enqueue appends text to the conversation's buffer and (re)arms the
// quiet-window timer, cancelling any previously armed one (spec §4.3
// step 4 — "If a timer was already armed, cancel and re-arm").
func (m *Manager) Enqueue(conversationID, text string) {
	s := m.stateFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, bufferedEntry{text: text, receivedAt: time.Now()})
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = m.afterTimerFn(m.Window, func() { m.flush(conversationID, s) })
}

// EnqueueSynthetic is used by the Scheduler to inject a follow-up
// trigger (spec §4.9): it bypasses the arrival buffer entirely but
// still goes through the same serialization lock, so it can never
// interleave with a user-initiated pipeline run.
func (m *Manager) EnqueueSynthetic(ctx context.Context, conversationID, syntheticText string) error {
	if m.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Budget)
		defer cancel()
	}
	return m.runSerialized(ctx, conversationID, syntheticText, true)
}

// flush drains the buffer (if non-empty) into one newline-joined
// combined message, in arrival order, then runs it through the
// serialization lock. Draining happens immediately under the buffer
// mutex regardless of whether the lock is currently held by another
// in-flight pipeline, so a message that arrives mid-pipeline is never
// lost — it waits in queue for the next successful lock acquisition.
func (m *Manager) flush(conversationID string, s *conversationState) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	parts := make([]string, len(s.buffer))
	for i, e := range s.buffer {
		parts[i] = e.text
	}
	combined := strings.Join(parts, "\n")
	s.buffer = nil
	s.timer = nil
	s.mu.Unlock()

	ctx := context.Background()
	if m.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Budget)
		defer cancel()
	}
	if err := m.runSerialized(ctx, conversationID, combined, false); err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("pipeline invocation failed, re-queuing buffer")
		// Failure mode (spec §4.3): the drained content is not lost, it
		// is re-queued as a single buffered entry, ahead of anything that
		// arrived meanwhile, for the next quiet window.
		s.mu.Lock()
		s.buffer = append([]bufferedEntry{{text: combined, receivedAt: time.Now()}}, s.buffer...)
		s.timer = m.afterTimerFn(m.Window, func() { m.flush(conversationID, s) })
		s.mu.Unlock()
	}
}

// runSerialized acquires the per-conversation lock (promoting to a
// distributed lock when one is configured), invokes the pipeline, and
// releases the lock. It blocks until the lock is available or ctx is
// cancelled, guaranteeing at-most-one in-flight pipeline per
// conversation (P1) and that invocations for the same conversation
// execute in the order they acquire the lock (P2).
func (m *Manager) runSerialized(ctx context.Context, conversationID, combinedText string, synthetic bool) error {
	s := m.stateFor(conversationID)

	select {
	case s.runSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("conversation %s: acquire local lock: %w", conversationID, ctx.Err())
	}
	defer func() { <-s.runSem }()

	if m.Locker != nil {
		unlock, err := m.Locker.Lock(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("conversation %s: acquire distributed lock: %w", conversationID, err)
		}
		defer unlock()
	}

	return m.Invoker.Invoke(ctx, conversationID, combinedText, synthetic)
}
