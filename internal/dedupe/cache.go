// ABOUTME: Thread-safe TTL claim set used to run a piece of work at most once per key
// ABOUTME: Guards group replies so one user message triggers one AI response

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type claim struct {
	at   time.Time
	elem *list.Element
}

// Options configures a Claims set. Zero values get defaults.
type Options struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

// Claims records keys that have been claimed recently. A key can be claimed
// again once its TTL has passed or it was released. When full, the oldest
// claim is evicted.
type Claims struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a claim set and starts its background expiry loop.
func New(opts Options) *Claims {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 10000
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}

	c := &Claims{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.expireLoop(opts.CleanupInterval)
	return c
}

// Key joins the parts of a claim key
func Key(conversationID, messageID string) string {
	return conversationID + ":" + messageID
}

// Claim reports whether the caller is first to claim key within the TTL.
// The check and the mark happen under one lock.
func (c *Claims) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if cl, ok := c.claims[key]; ok {
		if now.Sub(cl.at) < c.ttl {
			return false
		}
		c.order.Remove(cl.elem)
		delete(c.claims, key)
	}

	if len(c.claims) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.claims, oldest)
		}
	}

	c.claims[key] = &claim{at: now, elem: c.order.PushBack(key)}
	return true
}

// Release forgets key so it can be claimed again, for work that was claimed
// but never started.
func (c *Claims) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.claims[key]; ok {
		c.order.Remove(cl.elem)
		delete(c.claims, key)
	}
}

// Len returns the number of claims currently held, expired or not
func (c *Claims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func (c *Claims) expireLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops claims older than the TTL. Claims are in time order so it
// stops at the first live one.
func (c *Claims) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		cl := c.claims[key]
		if now.Sub(cl.at) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.claims, key)
		e = next
	}
}

// Close stops the expiry loop. It is safe to call multiple times.
func (c *Claims) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
