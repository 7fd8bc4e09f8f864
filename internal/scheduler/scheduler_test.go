// ABOUTME: Tests for chunked reply delivery
// ABOUTME: Covers ordering, interruption, superseded plans, failure aborts and worker occupancy

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parlor/internal/bus"
	"github.com/2389/parlor/internal/store"
	"github.com/2389/parlor/internal/worker"
)

type fixture struct {
	store *store.MockStore
	bus   *bus.MemoryBus
	pool  *worker.Pool
	sched *Scheduler
	conv  *store.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMockStore()
	b := bus.NewMemoryBus(nil)
	pool := worker.New(worker.Options{Workers: 2, QueueSize: 8}, nil)
	t.Cleanup(func() {
		_ = pool.Stop(context.Background())
		_ = b.Close()
	})

	conv := &store.Conversation{Type: store.ConversationAI, Participants: []string{"user-1", "ai-1"}}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	return &fixture{
		store: st,
		bus:   b,
		pool:  pool,
		sched: New(st, b, pool, Options{MaxDelay: time.Second}, nil),
		conv:  conv,
	}
}

func (f *fixture) assistantContents(t *testing.T) []string {
	t.Helper()
	conv, err := f.store.GetConversation(context.Background(), f.conv.ID)
	require.NoError(t, err)
	var out []string
	for _, e := range conv.History {
		if e.Role == store.RoleAssistant {
			out = append(out, e.Content)
		}
	}
	return out
}

func plan(convID string, gen int64, chunks ...Chunk) Plan {
	return Plan{ConversationID: convID, Generation: gen, Sender: "ai-1", Chunks: chunks}
}

func TestRun_DeliversAllChunksInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	sub, err := f.bus.Subscribe(ctx, f.conv.ID)
	require.NoError(t, err)

	p := plan(f.conv.ID, 0,
		Chunk{Content: "one", Delay: 0},
		Chunk{Content: "two", Delay: 30 * time.Millisecond},
		Chunk{Content: "three", Delay: 30 * time.Millisecond},
	)

	start := time.Now()
	delivered, err := f.sched.Run(ctx, p)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, []string{"one", "two", "three"}, f.assistantContents(t))

	for _, want := range []string{"one", "two", "three"} {
		select {
		case payload := <-sub.C():
			msg, err := bus.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, want, msg.Content)
			assert.Equal(t, store.RoleAssistant, msg.Role)
			assert.Equal(t, "ai-1", msg.Sender)
			assert.NotEmpty(t, msg.ID)
		case <-time.After(time.Second):
			t.Fatalf("no publish for %q", want)
		}
	}
}

func TestRun_InterruptionStopsRemainingChunks(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	p := plan(f.conv.ID, 0,
		Chunk{Content: "Hi", Delay: 0},
		Chunk{Content: "there", Delay: 200 * time.Millisecond},
	)

	go func() {
		assert.Eventually(t, func() bool { return len(f.assistantContents(t)) == 1 }, time.Second, 5*time.Millisecond)
		_, _ = f.store.SetInterrupted(context.Background(), f.conv.ID, true)
	}()

	delivered, err := f.sched.Run(ctx, p)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"Hi"}, f.assistantContents(t))
}

func TestRun_StalePlanDeliversNothingFurther(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gen, err := f.store.BeginTurn(ctx, f.conv.ID)
	require.NoError(t, err)
	_, err = f.store.FinishTurn(ctx, f.conv.ID, gen)
	require.NoError(t, err)

	p := plan(f.conv.ID, gen,
		Chunk{Content: "old-1"},
		Chunk{Content: "old-2", Delay: 100 * time.Millisecond},
	)

	go func() {
		assert.Eventually(t, func() bool { return len(f.assistantContents(t)) == 1 }, time.Second, 5*time.Millisecond)
		// A newer turn starts and finishes before the second chunk is due
		g2, _ := f.store.BeginTurn(context.Background(), f.conv.ID)
		_, _ = f.store.FinishTurn(context.Background(), f.conv.ID, g2)
	}()

	delivered, err := f.sched.Run(ctx, p)
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"old-1"}, f.assistantContents(t))
}

func TestRun_ConversationGone(t *testing.T) {
	f := newFixture(t)
	f.store.DeleteConversation(f.conv.ID)

	delivered, err := f.sched.Run(t.Context(), plan(f.conv.ID, 0, Chunk{Content: "x"}))
	assert.ErrorIs(t, err, ErrConversationGone)
	assert.Zero(t, delivered)
}

// interruptingStore flips the flag between the scheduler's check and its write
type interruptingStore struct {
	*store.MockStore
}

func (s interruptingStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.MockStore.GetConversation(ctx, id)
	if err == nil {
		_, _ = s.MockStore.SetInterrupted(ctx, id, true)
	}
	return conv, err
}

func TestRun_InterruptBetweenCheckAndWriteIsRefused(t *testing.T) {
	f := newFixture(t)
	sched := New(interruptingStore{f.store}, f.bus, f.pool, Options{}, nil)

	delivered, err := sched.Run(t.Context(), plan(f.conv.ID, 0, Chunk{Content: "late"}))
	assert.ErrorIs(t, err, ErrNotApplied)
	assert.Zero(t, delivered)
	assert.Empty(t, f.assistantContents(t))
}

type failingStore struct {
	*store.MockStore
	getErr    error
	appendErr error
}

func (s failingStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MockStore.GetConversation(ctx, id)
}

func (s failingStore) AppendHistoryIf(ctx context.Context, id string, e store.HistoryEntry, gen int64) (bool, error) {
	if s.appendErr != nil {
		return false, s.appendErr
	}
	return s.MockStore.AppendHistoryIf(ctx, id, e, gen)
}

func TestRun_StoreFailuresAbort(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("disk on fire")

	sched := New(failingStore{MockStore: f.store, getErr: boom}, f.bus, f.pool, Options{}, nil)
	_, err := sched.Run(t.Context(), plan(f.conv.ID, 0, Chunk{Content: "a"}, Chunk{Content: "b"}))
	assert.ErrorIs(t, err, boom)

	sched = New(failingStore{MockStore: f.store, appendErr: boom}, f.bus, f.pool, Options{}, nil)
	_, err = sched.Run(t.Context(), plan(f.conv.ID, 0, Chunk{Content: "a"}, Chunk{Content: "b"}))
	assert.ErrorIs(t, err, boom)

	assert.Empty(t, f.assistantContents(t))
}

type failingBus struct{ bus.Bus }

var errBusDown = errors.New("bus down")

func (failingBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return errBusDown
}

func TestRun_PublishFailureAbortsRemainder(t *testing.T) {
	f := newFixture(t)
	sched := New(f.store, failingBus{f.bus}, f.pool, Options{}, nil)

	delivered, err := sched.Run(t.Context(), plan(f.conv.ID, 0, Chunk{Content: "a"}, Chunk{Content: "b"}))
	assert.ErrorIs(t, err, errBusDown)
	assert.Equal(t, 1, delivered, "the chunk is persisted before publishing")
	assert.Equal(t, []string{"a"}, f.assistantContents(t))
}

func TestRun_CancelDuringDelay(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	delivered, err := f.sched.Run(ctx, plan(f.conv.ID, 0, Chunk{Content: "a", Delay: 10 * time.Second}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, delivered)
	assert.Less(t, time.Since(start), time.Second, "cancel must cut the wait short")
}

func TestRun_DelaysAreClamped(t *testing.T) {
	f := newFixture(t)
	sched := New(f.store, f.bus, f.pool, Options{MaxDelay: 20 * time.Millisecond}, nil)

	start := time.Now()
	delivered, err := sched.Run(t.Context(), plan(f.conv.ID, 0,
		Chunk{Content: "neg", Delay: -time.Hour},
		Chunk{Content: "long", Delay: time.Hour},
	))
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClampDelay(t *testing.T) {
	tests := []struct {
		d, max, want time.Duration
	}{
		{-time.Second, time.Minute, 0},
		{0, time.Minute, 0},
		{time.Second, time.Minute, time.Second},
		{2 * time.Minute, time.Minute, time.Minute},
		{2 * time.Minute, 0, 2 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampDelay(tt.d, tt.max), "ClampDelay(%v, %v)", tt.d, tt.max)
	}
}

func TestDeliver_ReturnsImmediatelyAndCompletesInBackground(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	ok := f.sched.Deliver(plan(f.conv.ID, 0,
		Chunk{Content: "a", Delay: 50 * time.Millisecond},
		Chunk{Content: "b", Delay: 50 * time.Millisecond},
	))
	require.True(t, ok)
	assert.Less(t, time.Since(start), 40*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.assistantContents(t)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, f.assistantContents(t))
}

func TestDeliver_EmptyPlan(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.sched.Deliver(plan(f.conv.ID, 0)))
}

func TestDeliver_RejectedWhenPoolStopped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pool.Stop(context.Background()))
	assert.False(t, f.sched.Deliver(plan(f.conv.ID, 0, Chunk{Content: "a"})))
}

func TestDeliver_DelaysDoNotOccupyWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One pending long-delay plan per worker, and one more
	for range 3 {
		conv := &store.Conversation{Type: store.ConversationAI, Participants: []string{"user-1", "ai-1"}}
		require.NoError(t, f.store.CreateConversation(ctx, conv))
		require.True(t, f.sched.Deliver(plan(conv.ID, 0, Chunk{Content: "slow", Delay: time.Second})))
	}

	start := time.Now()
	require.True(t, f.sched.Deliver(plan(f.conv.ID, 0, Chunk{Content: "now"})))
	require.Eventually(t, func() bool {
		return len(f.assistantContents(t)) == 1
	}, 300*time.Millisecond, 5*time.Millisecond, "delay-0 chunk waited behind pending delays")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 3, f.pool.Stats().Scheduled)
}

func TestDeliver_InterruptionCancelsScheduledChunks(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.sched.Deliver(plan(f.conv.ID, 0,
		Chunk{Content: "Hi"},
		Chunk{Content: "there", Delay: 100 * time.Millisecond},
	)))
	require.Eventually(t, func() bool { return len(f.assistantContents(t)) == 1 }, time.Second, 5*time.Millisecond)
	_, err := f.store.SetInterrupted(context.Background(), f.conv.ID, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.pool.Stats().Completed == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Hi"}, f.assistantContents(t))
}
