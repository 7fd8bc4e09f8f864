// ABOUTME: Timed delivery of a multi-part AI reply with cooperative interruption
// ABOUTME: Each chunk waits its delay, re-checks the conversation, appends atomically and republishes

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/parlor/internal/bus"
	"github.com/2389/parlor/internal/store"
	"github.com/2389/parlor/internal/worker"
)

// Reasons a delivery stops early
var (
	ErrConversationGone = errors.New("conversation no longer exists")
	ErrInterrupted      = errors.New("conversation interrupted")
	ErrSuperseded       = errors.New("plan superseded by a newer turn")
	ErrNotApplied       = errors.New("history append not applied")
)

// Chunk is one timed part of a reply. Delay is relative to the previous chunk.
type Chunk struct {
	Content string
	Delay   time.Duration
}

// Plan is the immutable delivery plan for one AI turn.
// Generation is the conversation generation the plan was computed for;
// zero disables the generation check.
type Plan struct {
	ConversationID string
	Generation     int64
	Sender         string
	Chunks         []Chunk
}

// Store is the subset of the document store the scheduler needs
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AppendHistoryIf(ctx context.Context, id string, entry store.HistoryEntry, generation int64) (bool, error)
}

// Submitter runs background tasks once their delay has passed
type Submitter interface {
	SubmitAfter(name string, delay time.Duration, fn worker.Task) bool
}

// Options configures a Scheduler
type Options struct {
	// MaxDelay caps a single chunk delay; zero means no cap
	MaxDelay time.Duration
}

// Scheduler delivers chunk plans
type Scheduler struct {
	store    Store
	bus      bus.Bus
	pool     Submitter
	maxDelay time.Duration
	logger   *slog.Logger
}

// New creates a Scheduler. Pass nil logger for default.
func New(st Store, b bus.Bus, pool Submitter, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		bus:      b,
		pool:     pool,
		maxDelay: opts.MaxDelay,
		logger:   logger.With("component", "scheduler"),
	}
}

// ClampDelay bounds d to [0, max]; max <= 0 leaves the upper bound open
func ClampDelay(d, max time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Deliver schedules the plan on the worker pool and returns at once.
// Each chunk holds a worker only for its check, append and publish; the
// delays before it run on timers. It reports false if the pool rejected
// the first chunk.
func (s *Scheduler) Deliver(plan Plan) bool {
	if len(plan.Chunks) == 0 {
		return true
	}
	ok := s.schedule(plan, 0)
	if !ok {
		s.logger.Error("delivery rejected by worker pool",
			"conversation_id", plan.ConversationID,
			"chunks", len(plan.Chunks),
		)
	}
	return ok
}

// schedule queues chunk i of plan to land after its delay, and on success
// schedules chunk i+1 from there
func (s *Scheduler) schedule(plan Plan, i int) bool {
	delay := ClampDelay(plan.Chunks[i].Delay, s.maxDelay)
	return s.pool.SubmitAfter("deliver:"+plan.ConversationID, delay, func(ctx context.Context) error {
		appended, err := s.deliverChunk(ctx, plan, i)
		delivered := i
		if appended {
			delivered++
		}
		switch {
		case err == nil:
		case isAbort(err):
			// truncation is silent to the user; the log is the only trace
			s.logger.Info("delivery stopped",
				"conversation_id", plan.ConversationID,
				"generation", plan.Generation,
				"delivered", delivered,
				"total", len(plan.Chunks),
				"reason", err,
			)
			return nil
		default:
			return fmt.Errorf("delivering to %s after %d/%d chunks: %w",
				plan.ConversationID, delivered, len(plan.Chunks), err)
		}

		if delivered == len(plan.Chunks) {
			return nil
		}
		if !s.schedule(plan, delivered) {
			s.logger.Error("delivery rejected by worker pool",
				"conversation_id", plan.ConversationID,
				"delivered", delivered,
				"total", len(plan.Chunks),
			)
		}
		return nil
	})
}

func isAbort(err error) bool {
	return errors.Is(err, ErrConversationGone) ||
		errors.Is(err, ErrInterrupted) ||
		errors.Is(err, ErrSuperseded) ||
		errors.Is(err, ErrNotApplied) ||
		errors.Is(err, context.Canceled)
}

// Run delivers the plan synchronously and returns how many chunks landed.
// Any failure stops the remaining chunks; nothing is retried.
func (s *Scheduler) Run(ctx context.Context, plan Plan) (int, error) {
	delivered := 0
	for i, chunk := range plan.Chunks {
		if err := s.wait(ctx, ClampDelay(chunk.Delay, s.maxDelay)); err != nil {
			return delivered, err
		}
		appended, err := s.deliverChunk(ctx, plan, i)
		if appended {
			delivered++
		}
		if err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

// deliverChunk re-checks the conversation, appends chunk i and publishes it.
// appended reports whether the entry was persisted, even when publishing failed.
func (s *Scheduler) deliverChunk(ctx context.Context, plan Plan, i int) (appended bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	conv, err := s.store.GetConversation(ctx, plan.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrConversationGone
	}
	if err != nil {
		return false, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.Interrupted {
		return false, ErrInterrupted
	}
	if plan.Generation > 0 && conv.Generation != plan.Generation {
		return false, ErrSuperseded
	}

	chunk := plan.Chunks[i]
	now := time.Now().UTC()
	entry := store.HistoryEntry{
		ID:        ulid.Make().String(),
		Role:      store.RoleAssistant,
		Sender:    plan.Sender,
		Content:   chunk.Content,
		Timestamp: &now,
	}

	// The append re-checks the flag and generation in the same write, which
	// closes the gap between the check above and the write.
	ok, err := s.store.AppendHistoryIf(ctx, plan.ConversationID, entry, plan.Generation)
	if err != nil {
		return false, fmt.Errorf("appending chunk %d: %w", i, err)
	}
	if !ok {
		return false, ErrNotApplied
	}

	if err := bus.PublishMessage(ctx, s.bus, bus.FromEntry(plan.ConversationID, entry)); err != nil {
		return true, fmt.Errorf("publishing chunk %d: %w", i, err)
	}

	s.logger.Debug("chunk delivered",
		"conversation_id", plan.ConversationID,
		"index", i,
		"delay", chunk.Delay,
	)
	return true, nil
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
