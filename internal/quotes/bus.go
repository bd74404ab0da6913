// Package quotes caches the last spot quote per subscription and lets
// callers wait for the next one.
package quotes

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/monitor"
)

// MaxWaiters bounds the callers parked on one subscription key.
const MaxWaiters = 50

var (
	// ErrTooManyWaiters rejects a wait when the per-key bound is reached.
	ErrTooManyWaiters = errors.New("too many concurrent quote waiters")
	// ErrTimeout reports that no quote arrived within the wait window.
	ErrTimeout = errors.New("QUOTE_TIMEOUT")
)

// Key identifies one spot subscription.
type Key struct {
	UserID    string
	Env       string
	AccountID int64
	SymbolID  int64
}

// Quote is the last observed spot price. Bid and ask are optional; the
// venue may push one side at a time.
type Quote struct {
	SymbolID  int64    `json:"symbolId"`
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ask"`
	Timestamp int64    `json:"timestamp"`
}

// Bus is a lightweight quote broker: last-value cache, one-shot waiters and
// streaming subscribers per key.
type Bus struct {
	mu      sync.RWMutex
	last    map[Key]Quote
	waiters map[Key][]chan Quote
	subs    map[Key][]chan Quote
}

func NewBus() *Bus {
	return &Bus{
		last:    make(map[Key]Quote),
		waiters: make(map[Key][]chan Quote),
		subs:    make(map[Key][]chan Quote),
	}
}

// Upsert stores the quote, wakes every waiter parked on the key and fans
// out to streaming subscribers without blocking.
func (b *Bus) Upsert(k Key, q Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last[k] = q

	if ws := b.waiters[k]; len(ws) > 0 {
		for _, ch := range ws {
			ch <- q
		}
		delete(b.waiters, k)
		monitor.QuoteWaiters.Sub(float64(len(ws)))
	}

	for _, ch := range b.subs[k] {
		select {
		case ch <- q:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}

// GetLast returns the cached quote for the key, if any.
func (b *Bus) GetLast(k Key) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.last[k]
	return q, ok
}

// WaiterCount reports how many callers are parked on the key.
func (b *Bus) WaiterCount(k Key) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.waiters[k])
}

// WaitForNext blocks until a fresh quote lands on the key, the timeout
// fires, or ctx is done. At most MaxWaiters callers may wait per key.
func (b *Bus) WaitForNext(ctx context.Context, k Key, timeout time.Duration) (Quote, error) {
	b.mu.Lock()
	if len(b.waiters[k]) >= MaxWaiters {
		b.mu.Unlock()
		return Quote{}, ErrTooManyWaiters
	}
	ch := make(chan Quote, 1)
	b.waiters[k] = append(b.waiters[k], ch)
	b.mu.Unlock()
	monitor.QuoteWaiters.Inc()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q := <-ch:
		return q, nil
	case <-timer.C:
		b.removeWaiter(k, ch)
		return Quote{}, ErrTimeout
	case <-ctx.Done():
		b.removeWaiter(k, ch)
		return Quote{}, ctx.Err()
	}
}

// Subscribe registers a streaming listener for the key and returns the
// channel and an unsubscribe function.
func (b *Bus) Subscribe(k Key, buffer int) (<-chan Quote, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Quote, buffer)
	b.subs[k] = append(b.subs[k], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[k]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[k] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[k]) == 0 {
			delete(b.subs, k)
		}
	}

	return ch, unsub
}

func (b *Bus) removeWaiter(k Key, ch chan Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[k]
	for i, c := range ws {
		if c == ch {
			b.waiters[k] = append(ws[:i], ws[i+1:]...)
			monitor.QuoteWaiters.Dec()
			break
		}
	}
	if len(b.waiters[k]) == 0 {
		delete(b.waiters, k)
	}
}
