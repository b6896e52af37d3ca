// Package scheduler is the Follow-up Scheduler (spec §4.9): on a fixed
// cadence it polls the RPC server for conversations due a scheduled
// nudge and feeds each one into the debounce layer as a synthetic
// invocation, exactly as if the lead itself had gone quiet long enough
// to trigger the pipeline.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"whatsapp-funnel/internal/entities"
)

const syntheticFollowupText = "[System: Scheduled follow-up triggered]"

// maxConcurrentDispatch caps how many due conversations are nudged at
// once per tick, so a large backlog can't open thousands of concurrent
// pipeline invocations against the RPC layer.
const maxConcurrentDispatch = 8

// FollowupSource fetches the conversations due a scheduled nudge right
// now. In production this is rpc.Client.DueFollowups.
type FollowupSource interface {
	DueFollowups(ctx context.Context, now time.Time) ([]entities.Conversation, error)
}

// SyntheticEnqueuer bypasses the arrival buffer but still serializes
// through the same per-conversation lock as user-initiated traffic. In
// production this is debounce.Manager.EnqueueSynthetic.
type SyntheticEnqueuer interface {
	EnqueueSynthetic(ctx context.Context, conversationID, syntheticText string) error
}

// Scheduler polls FollowupSource on a fixed interval and dispatches one
// synthetic invocation per due conversation.
type Scheduler struct {
	Source   FollowupSource
	Enqueuer SyntheticEnqueuer
	Interval time.Duration

	nowFn func() time.Time // overridable in tests
}

func New(source FollowupSource, enqueuer SyntheticEnqueuer, interval time.Duration) *Scheduler {
	return &Scheduler{Source: source, Enqueuer: enqueuer, Interval: interval, nowFn: time.Now}
}

// Run blocks, ticking every Interval until ctx is cancelled. Each tick
// is independent: a slow or failing conversation never blocks the
// others, and a missed tick is never made up (the next tick's window
// recomputation picks up anything still due).
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.Source.DueFollowups(ctx, s.nowFn())
	if err != nil {
		log.Error().Err(err).Msg("scheduler: fetch due follow-ups failed")
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDispatch)
	for _, conv := range due {
		conv := conv
		g.Go(func() error {
			s.dispatch(gctx, conv)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) dispatch(ctx context.Context, conv entities.Conversation) {
	if err := s.Enqueuer.EnqueueSynthetic(ctx, conv.ID, syntheticFollowupText); err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("scheduler: synthetic invocation failed")
	}
}
