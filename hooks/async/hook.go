// Package asynchook moves hook calls off the service lock.
//
// Hooks run with the cache service lock held, so slow hooks (remote metrics,
// chatty loggers) should be wrapped:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{DoomEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	svc, _ := netcache.New(netcache.Options{
//	    DiskDir: dir,
//	    Hooks:   hooks, // or raw if you don't want async
//	})
//
// Events are dropped when the queue is full.
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/netcache"
)

type Hooks struct {
	inner   netcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ netcache.Hooks = (*Hooks)(nil)

func New(inner netcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) EntryDoomed(k, r string) { h.try(func() { h.inner.EntryDoomed(k, r) }) }
func (h *Hooks) DeviceDisabled(d string, err error) {
	h.try(func() { h.inner.DeviceDisabled(d, err) })
}
func (h *Hooks) BindFailed(k, d string, err error) { h.try(func() { h.inner.BindFailed(k, d, err) }) }
func (h *Hooks) EntryTooBig(k, d string, n int64) {
	h.try(func() { h.inner.EntryTooBig(k, d, n) })
}
func (h *Hooks) SmartSizeComputed(kb int64) { h.try(func() { h.inner.SmartSizeComputed(kb) }) }
func (h *Hooks) ListenerDispatchFailed(k string, err error) {
	h.try(func() { h.inner.ListenerDispatchFailed(k, err) })
}
