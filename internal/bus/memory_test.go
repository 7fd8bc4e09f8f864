// ABOUTME: Tests for the in-memory fan-out bus
// ABOUTME: Covers subscribe, publish, isolation, slow consumers, cancellation and concurrency

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case p, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func TestMemoryBus_MultipleSubscribersReceiveSamePayload(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := t.Context()

	subs := make([]*Subscription, 3)
	for i := range subs {
		var err error
		subs[i], err = b.Subscribe(ctx, "conv-1")
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(ctx, "conv-1", []byte(`{"id":"m1"}`)))

	for i, s := range subs {
		assert.Equal(t, `{"id":"m1"}`, string(recv(t, s)), "subscriber %d", i)
	}
}

func TestMemoryBus_TopicsAreIsolated(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := t.Context()

	s1, err := b.Subscribe(ctx, "conv-1")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "conv-2")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "conv-1", []byte("x")))
	assert.Equal(t, "x", string(recv(t, s1)))

	select {
	case <-s2.C():
		t.Fatal("subscriber for conv-2 should not receive conv-1 payloads")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBus_PreservesOrderPerTopic(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := t.Context()

	sub, err := b.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, "conv-1", []byte(p)))
	}
	for _, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, string(recv(t, sub)))
	}
}

func TestMemoryBus_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := t.Context()

	// never read from the first subscriber
	_, err := b.Subscribe(ctx, "conv-1")
	require.NoError(t, err)
	fast, err := b.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 3 * subscriberBufferSize {
			_ = b.Publish(ctx, "conv-1", []byte("p"))
		}
	}()

	received := 0
	for {
		select {
		case <-fast.C():
			received++
		case <-time.After(200 * time.Millisecond):
			<-done
			assert.Greater(t, received, 0, "fast consumer should receive at least some payloads")
			return
		}
	}
}

func TestMemoryBus_ContextCancellationCleansUp(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount("conv-1"))

	cancel()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount("conv-1"))
}

func TestMemoryBus_ManualClose(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := t.Context()

	sub, err := b.Subscribe(ctx, "conv-1")
	require.NoError(t, err)

	sub.Close()
	sub.Close() // idempotent

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "channel should be closed after Close")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}

	// Publishing after unsubscribe should not panic
	require.NoError(t, b.Publish(ctx, "conv-1", []byte("late")))
}

func TestMemoryBus_CloseEndsAllSubscriptions(t *testing.T) {
	b := NewMemoryBus(nil)
	ctx := t.Context()

	s1, err := b.Subscribe(ctx, "conv-1")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "conv-2")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	for i, s := range []*Subscription{s1, s2} {
		select {
		case _, ok := <-s.C():
			assert.False(t, ok, "subscription %d should be closed after Close()", i)
		case <-time.After(time.Second):
			t.Fatalf("subscription %d not closed after Close()", i)
		}
		s.Close() // must not panic after the bus closed the channel
	}

	_, err = b.Subscribe(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(ctx, "conv-1", nil), ErrClosed)
}

func TestMemoryBus_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			sub, err := b.Subscribe(ctx, "conv-concurrent")
			if err != nil {
				return
			}
			defer sub.Close()
			for range 5 {
				select {
				case <-sub.C():
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for range 10 {
				_ = b.Publish(ctx, "conv-concurrent", []byte("p"))
			}
		})
	}

	wg.Wait()
}

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	assert.NoError(t, b.Publish(t.Context(), "nobody-listening", []byte("x")))
}
