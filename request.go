package netcache

import (
	"container/list"

	"github.com/unkn0wn-root/netcache/device"
)

// Target runs callbacks. Dispatch must queue fn and return; it must never run
// fn inline, because the service dispatches while holding its lock.
type Target interface {
	Dispatch(fn func()) error
}

// Listener receives the outcome of an asynchronous open exactly once.
// On success d is non-nil; on failure err is set and d is nil.
type Listener interface {
	OnCacheEntryAvailable(d *Descriptor, granted AccessMode, err error)
}

type ListenerFunc func(d *Descriptor, granted AccessMode, err error)

func (f ListenerFunc) OnCacheEntryAvailable(d *Descriptor, granted AccessMode, err error) {
	f(d, granted, err)
}

// DoomListener receives the outcome of an asynchronous DoomEntry.
type DoomListener interface {
	OnCacheEntryDoomed(err error)
}

type DoomListenerFunc func(err error)

func (f DoomListenerFunc) OnCacheEntryDoomed(err error) { f(err) }

// request is one open call. While queued on an entry, elem is its position.
type request struct {
	key           string
	clientID      string
	access        AccessMode
	policy        StoragePolicy
	blocking      bool
	streamBased   bool
	private       bool
	doomIfExpired bool
	offline       device.Device
	listener      Listener
	target        Target

	wake chan struct{}
	elem *list.Element
	err  error // set when the request is failed while queued
}

func newRequest(sess *Session, key string, access AccessMode, blocking bool, l Listener) *request {
	return &request{
		key:           JoinKey(sess.clientID, key),
		clientID:      sess.clientID,
		access:        access,
		policy:        sess.policy,
		blocking:      blocking,
		streamBased:   sess.streamBased,
		private:       sess.private,
		doomIfExpired: sess.doomIfExpired,
		offline:       sess.offline,
		listener:      l,
		target:        sess.target,
		wake:          make(chan struct{}, 1),
	}
}

func (r *request) wakeUp() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
