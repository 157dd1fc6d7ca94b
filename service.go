package netcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/netcache/device"
	"github.com/unkn0wn-root/netcache/internal/worker"
)

// service is the Service implementation.
//
// All entry, table and device-slot state is guarded by mu. Blocking device
// I/O for asynchronous opens and dooms runs on the io queue; listener
// callbacks and smart-size updates run on the owner queue (or on a
// caller-supplied Target).
type service struct {
	log   Logger
	hooks Hooks
	now   func() time.Time
	ctx   context.Context

	io     *worker.Queue
	owner  *worker.Queue
	target Target

	mu          sync.Mutex
	initialized bool
	active      activeTable
	doomed      doomList
	entries     map[uint64]*entry // arena, by entry id
	nextID      uint64
	offlineMode bool
	stats       counters

	memory  deviceSlot
	disk    deviceSlot
	offline deviceSlot
	custom  map[device.Device]error // per-session offline devices -> Init result

	diskDir          string
	clearOnShutdown  bool
	compressionLevel int
	diskBaseKB       int64 // administrator capacity, used while smart size is off
	smart            smartSizer
}

var _ Service = (*service)(nil)

func newService(opts Options) (*service, error) {
	if opts.CompressionLevel < 0 || opts.CompressionLevel > 9 {
		return nil, fmt.Errorf("netcache: compression level %d out of range 0..9", opts.CompressionLevel)
	}
	s := &service{
		log:         coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:       coalesce[Hooks](opts.Hooks, NopHooks{}),
		now:         opts.now,
		ctx:         context.Background(),
		initialized: true,
		active:      newActiveTable(),
		entries:     make(map[uint64]*entry),
		custom:      make(map[device.Device]error),

		diskDir:          opts.DiskDir,
		clearOnShutdown:  opts.ClearOnShutdown,
		compressionLevel: opts.CompressionLevel,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.initDeviceSlots(opts)
	s.smart = newSmartSizer(opts)

	s.io = worker.New("netcache-io")
	s.owner = worker.New("netcache-owner")
	s.target = coalesce[Target](opts.CallbackTarget, s.owner)

	s.log.Info("cache service started", Fields{
		"memory":     s.memory.enabled,
		"disk":       s.disk.enabled,
		"offline":    s.offline.enabled,
		"smart_size": s.smart.enabled,
	})
	return s, nil
}

func (s *service) CreateSession(clientID string, policy StoragePolicy, streamBased bool, opts ...SessionOption) (*Session, error) {
	if clientID == "" {
		return nil, errors.New("netcache: empty client id")
	}
	if policy > StoreOffline {
		return nil, errors.New("netcache: invalid storage policy")
	}
	sess := &Session{
		svc:           s,
		clientID:      clientID,
		policy:        policy,
		streamBased:   streamBased,
		doomIfExpired: true,
	}
	for _, o := range opts {
		o(sess)
	}
	if sess.private {
		sess.policy = StoreInMemory
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return sess, nil
}

func (s *service) IOTarget() Target { return s.io }

func (s *service) OpenCacheEntry(ctx context.Context, sess *Session, key string, access AccessMode, blocking bool, l Listener) (*Descriptor, error) {
	if sess == nil || sess.svc != s {
		return nil, errors.New("netcache: session belongs to another service")
	}
	if access == AccessNone || access&^AccessReadWrite != 0 {
		return nil, ErrAccessDenied
	}
	r := newRequest(sess, key, access, blocking, l)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if !s.storageEnabledLocked(r.policy) {
		return nil, ErrNotAvailable
	}

	if l != nil {
		if r.target == nil {
			r.target = s.target
		}
		if err := s.dispatchRequestLocked(r); err != nil {
			return nil, ErrNotInitialized
		}
		return nil, nil
	}

	d, _, err := s.processRequestLocked(ctx, r)
	return d, err
}

// dispatchRequestLocked schedules an asynchronous request on the io queue.
func (s *service) dispatchRequestLocked(r *request) error {
	return s.io.Dispatch(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.initialized {
			s.notifyLocked(r, nil, AccessNone, ErrNotInitialized)
			return
		}
		d, granted, err := s.processRequestLocked(s.ctx, r)
		if errors.Is(err, errWaitForValidation) {
			return // queued on the entry; resumed by validate, doom or close
		}
		s.notifyLocked(r, d, granted, err)
	})
}

// processRequestLocked activates the entry for r and asks it for access,
// retrying against a fresh entry when the one found gets doomed. For an
// asynchronous request that must wait, it returns errWaitForValidation with
// r left queued on the entry.
func (s *service) processRequestLocked(ctx context.Context, r *request) (*Descriptor, AccessMode, error) {
	var (
		e          *entry
		granted    AccessMode
		err        error
		replaced   []*entry
		descriptor *Descriptor
	)
	for {
		var doomed *entry
		e, doomed, err = s.activateEntryLocked(ctx, r)
		if doomed != nil {
			replaced = append(replaced, doomed)
		}
		if err != nil {
			break
		}
		granted, err = s.waitForAccessLocked(ctx, e, r)
		if !errors.Is(err, errEntryDoomed) {
			break
		}
		if e.notInUse() {
			s.deactivateEntryLocked(ctx, e)
		}
	}

	if err == nil {
		descriptor = s.createDescriptorLocked(e, r, granted)
	} else if e != nil && s.initialized && !errors.Is(err, errWaitForValidation) && e.notInUse() {
		// refused outright (stream mismatch): nothing keeps e alive
		s.deactivateEntryLocked(ctx, e)
	}

	// Requests queued on a replaced entry are served only now, with the new
	// entry in the active table, so none of them can see the old one.
	for _, d := range replaced {
		s.processPendingLocked(ctx, d)
		if d.notInUse() {
			s.deactivateEntryLocked(ctx, d)
		}
	}
	return descriptor, granted, err
}

// waitForAccessLocked runs the request-access loop for one entry. A blocking
// synchronous request releases mu while it waits.
func (s *service) waitForAccessLocked(ctx context.Context, e *entry, r *request) (AccessMode, error) {
	for {
		granted, err := e.requestAccess(r)
		if !errors.Is(err, errWaitForValidation) {
			return granted, err
		}
		if r.listener != nil {
			return granted, err
		}
		if !r.blocking {
			e.removeRequest(r)
			return AccessNone, ErrWouldBlock
		}

		var werr error
		s.mu.Unlock()
		select {
		case <-r.wake:
		case <-ctx.Done():
			werr = ctx.Err()
		}
		s.mu.Lock()

		e.removeRequest(r)
		if r.err != nil {
			return AccessNone, r.err
		}
		if !s.initialized {
			return AccessNone, ErrNotInitialized
		}
		if werr != nil {
			s.withdrawLocked(ctx, e)
			return AccessNone, werr
		}
	}
}

// withdrawLocked cleans up after a waiter gave up: a wake-up it consumed may
// have been meant to promote it, so the queue is re-examined.
func (s *service) withdrawLocked(ctx context.Context, e *entry) {
	if !e.isDoomed() && !e.isValid() && e.descriptors.Len() == 0 {
		s.processPendingLocked(ctx, e)
	}
	if e.notInUse() {
		s.deactivateEntryLocked(ctx, e)
	}
}

// activateEntryLocked returns the live entry for r, creating it for
// write-capable requests. An entry that r replaces (write-only open, or
// expired) is doomed without serving its queue and returned as doomed.
func (s *service) activateEntryLocked(ctx context.Context, r *request) (e, doomed *entry, err error) {
	if !s.initialized {
		return nil, nil, ErrNotInitialized
	}
	now := s.now()

	e = s.active.get(r.key)
	if e == nil {
		e, err = s.searchDevicesLocked(ctx, r.key, r.policy, r.offline)
		if err != nil {
			return nil, nil, err
		}
		if e != nil {
			// stored data is valid; the flag itself is not persisted
			e.initialized = true
			e.markValid()
		}
	}
	if e != nil {
		s.stats.hits++
		e.fetched(now)
	} else {
		s.stats.misses++
	}

	if e != nil {
		reason := ""
		switch {
		case r.access == AccessWrite:
			reason = "replaced"
		case r.doomIfExpired && e.policy != StoreOffline && e.expired(now):
			reason = "expired"
		}
		if reason != "" {
			s.doomEntryLocked(ctx, e, false, reason)
			doomed, e = e, nil
		}
	}

	if e == nil {
		if r.access&AccessWrite == 0 {
			return nil, doomed, ErrKeyNotFound
		}
		e = s.newEntryLocked(r.key, r.clientID, r.policy)
		e.rec.Private = r.private
		e.custom = r.offline
		e.fetched(now)
		s.stats.created++
	}

	if !e.active {
		s.active.add(e)
	}
	return e, doomed, nil
}

func (s *service) newEntryLocked(key, clientID string, policy StoragePolicy) *entry {
	s.nextID++
	e := &entry{
		id:        s.nextID,
		key:       key,
		policy:    policy,
		predicted: -1,
		rec:       &device.Record{Key: key, ClientID: clientID},
	}
	s.entries[e.id] = e
	return e
}

func (s *service) createDescriptorLocked(e *entry, r *request, granted AccessMode) *Descriptor {
	e.removeRequest(r)
	d := &Descriptor{
		svc:     s,
		entryID: e.id,
		key:     e.key,
		access:  granted,
	}
	d.elem = e.descriptors.PushBack(d)
	return d
}

// processPendingLocked serves e's queue after e was validated, doomed, or
// left invalid by its writer.
//
// On an invalid entry the first READ_WRITE request is promoted to writer and
// served alone; everything behind it waits for validation. On a doomed entry
// every asynchronous request is re-run against a fresh entry. Synchronous
// waiters are woken and retry themselves.
func (s *service) processPendingLocked(ctx context.Context, e *entry) {
	el := e.requests.Front()
	if el == nil {
		return
	}
	newWriter := false
	if !e.isDoomed() && !e.isValid() {
		for w := el; w != nil; w = w.Next() {
			if w.Value.(*request).access == AccessReadWrite {
				el, newWriter = w, true
				break
			}
		}
	}

	for el != nil {
		next := el.Next()
		r := el.Value.(*request)
		switch {
		case r.listener == nil:
			r.wakeUp()
		case e.isDoomed():
			e.removeRequest(r)
			d, granted, err := s.processRequestLocked(ctx, r)
			if !errors.Is(err, errWaitForValidation) {
				s.notifyLocked(r, d, granted, err)
			}
		case e.isValid() || newWriter:
			e.removeRequest(r)
			var d *Descriptor
			granted, err := e.requestAccess(r)
			if err == nil {
				d = s.createDescriptorLocked(e, r, granted)
			} else {
				e.removeRequest(r)
			}
			s.notifyLocked(r, d, granted, err)
		default:
			// reader on an entry whose writer left without validating:
			// retry later through the io queue
			e.removeRequest(r)
			if err := s.dispatchRequestLocked(r); err != nil {
				s.notifyLocked(r, nil, AccessNone, ErrNotInitialized)
			}
		}
		if newWriter {
			break
		}
		el = next
	}
}

// doomEntryLocked marks e doomed, moves it from the active table to the doom
// list and tells its device. With processPending the queue is served at once
// and an unused entry is deactivated; otherwise the caller does both.
func (s *service) doomEntryLocked(ctx context.Context, e *entry, processPending bool, reason string) {
	if e.isDoomed() {
		return
	}
	e.rec.Doomed = true
	if e.dev != nil && !e.binding {
		if err := e.dev.DoomEntry(ctx, e.rec); err != nil {
			s.log.Warn("device doom failed", Fields{"key": e.key, "device": e.dev.Name(), "err": err})
		}
	}
	s.active.remove(e)
	s.doomed.push(e)
	s.stats.doomed++

	s.log.Debug("entry doomed", Fields{"key": e.key, "reason": reason})
	s.hooks.EntryDoomed(e.key, reason)

	if processPending {
		s.processPendingLocked(ctx, e)
		if e.notInUse() {
			s.deactivateEntryLocked(ctx, e)
		}
	}
}

// deactivateEntryLocked drops e from the service and hands its record back to
// the device to persist or discard. Runs at most once per entry.
func (s *service) deactivateEntryLocked(ctx context.Context, e *entry) {
	if e.deactivated {
		return
	}
	e.deactivated = true
	if e.isDoomed() {
		s.doomed.remove(e)
	} else {
		s.active.remove(e)
	}
	if e.dev != nil {
		if err := e.dev.DeactivateEntry(ctx, e.rec); err != nil {
			s.log.Warn("device deactivate failed", Fields{"key": e.key, "device": e.dev.Name(), "err": err})
		}
	}
	delete(s.entries, e.id)
	s.stats.deactivated++
}

// closeDescriptorLocked detaches d. A writer leaving an invalid entry it never
// wrote to restores the entry's previous valid data. Otherwise it hands the
// entry to the next READ_WRITE waiter or, with nobody left to write it, dooms
// it so readers see a miss.
func (s *service) closeDescriptorLocked(ctx context.Context, d *Descriptor) {
	d.closed = true
	if d.elem == nil {
		return
	}
	e := s.entries[d.entryID]
	if e == nil {
		d.elem = nil
		return
	}
	e.descriptors.Remove(d.elem)
	d.elem = nil

	if !e.isValid() && !e.isDoomed() && e.descriptors.Len() == 0 {
		switch {
		case e.everValid && !e.dirty:
			// the writer left the stored data untouched
			e.markValid()
		case !e.hasPendingWriter():
			s.doomEntryLocked(ctx, e, true, "abandoned")
			return
		}
		s.processPendingLocked(ctx, e)
	}
	if e.notInUse() {
		s.deactivateEntryLocked(ctx, e)
	}
}

// validateEntryLocked marks e valid and serves its waiters. The entry must be
// bound to a device first.
func (s *service) validateEntryLocked(ctx context.Context, e *entry) error {
	dev, err := s.ensureEntryHasDeviceLocked(ctx, e)
	if err != nil {
		return err
	}
	if dev == nil {
		return ErrNotAvailable
	}
	e.markValid()
	s.processPendingLocked(ctx, e)
	return nil
}

// notifyLocked posts the open result to the request's target. If the target
// refuses it, the descriptor is closed so the entry is not held forever.
func (s *service) notifyLocked(r *request, d *Descriptor, granted AccessMode, err error) {
	l := r.listener
	derr := r.target.Dispatch(func() { l.OnCacheEntryAvailable(d, granted, err) })
	if derr == nil {
		return
	}
	s.log.Error("listener dispatch failed", Fields{"key": r.key, "err": derr})
	s.hooks.ListenerDispatchFailed(r.key, derr)
	if d != nil {
		s.closeDescriptorLocked(s.ctx, d)
	}
}

func (s *service) DoomEntry(sess *Session, key string, l DoomListener) error {
	if sess == nil || sess.svc != s {
		return errors.New("netcache: session belongs to another service")
	}
	full := JoinKey(sess.clientID, key)
	target := coalesce[Target](sess.target, s.target)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	err := s.io.Dispatch(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		derr := s.doomKeyLocked(s.ctx, full, sess.policy, sess.offline)
		if l == nil {
			return
		}
		if err := target.Dispatch(func() { l.OnCacheEntryDoomed(derr) }); err != nil {
			s.log.Error("doom listener dispatch failed", Fields{"key": full, "err": err})
			s.hooks.ListenerDispatchFailed(full, err)
		}
	})
	if err != nil {
		return ErrNotInitialized
	}
	return nil
}

// doomKeyLocked dooms the live entry for key, or the stored one if the key is
// not active. A key found nowhere counts as already doomed.
func (s *service) doomKeyLocked(ctx context.Context, key string, policy StoragePolicy, custom device.Device) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if e := s.active.get(key); e != nil {
		s.doomEntryLocked(ctx, e, true, "requested")
		return nil
	}
	e, err := s.searchDevicesLocked(ctx, key, policy, custom)
	if err != nil || e == nil {
		// a collision means a different key owns the slot: key itself is absent
		return nil
	}
	s.doomEntryLocked(ctx, e, false, "requested")
	s.deactivateEntryLocked(ctx, e)
	return nil
}
