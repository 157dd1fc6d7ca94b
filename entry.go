package netcache

import (
	"container/list"
	"time"

	"github.com/unkn0wn-root/netcache/device"
)

// entry is the live state of one key. It is only touched with service.mu held.
//
// An entry is in exactly one of: the active table (active), the doom list
// (doomElem != nil), or neither (being deactivated).
type entry struct {
	id     uint64
	key    string
	rec    *device.Record
	policy StoragePolicy

	predicted   int64 // -1 unknown
	initialized bool
	active      bool
	binding     bool
	everValid   bool
	dirty       bool // written since it was last valid
	deactivated bool

	dev    device.Device
	custom device.Device // per-session offline device

	requests    list.List // *request, arrival order
	descriptors list.List // *Descriptor
	doomElem    *list.Element
}

func (e *entry) isValid() bool  { return e.rec.Valid }
func (e *entry) isDoomed() bool { return e.rec.Doomed }

func (e *entry) markValid() {
	e.rec.Valid = true
	e.everValid = true
	e.dirty = false
}

func (e *entry) markInvalid() { e.rec.Valid = false }

func (e *entry) notInUse() bool {
	return e.requests.Len() == 0 && e.descriptors.Len() == 0
}

func (e *entry) fetched(now time.Time) {
	e.rec.LastFetched = now
	e.rec.FetchCount++
}

// expired reports whether the entry's expiration time has passed. A zero
// expiration time never expires.
func (e *entry) expired(now time.Time) bool {
	return !e.rec.ExpiresAt.IsZero() && !now.Before(e.rec.ExpiresAt)
}

func (e *entry) allowedInMemory() bool { return e.policy.allowsMemory() }
func (e *entry) allowedOnDisk() bool   { return !e.rec.Private && e.policy.allowsDisk() }
func (e *entry) allowedOffline() bool  { return !e.rec.Private && e.policy.allowsOffline() }

// hasPendingWriter reports whether a queued request asked for READ_WRITE.
func (e *entry) hasPendingWriter() bool {
	for el := e.requests.Front(); el != nil; el = el.Next() {
		if el.Value.(*request).access == AccessReadWrite {
			return true
		}
	}
	return false
}

// requestAccess decides what r may get right now. On success and on
// errWaitForValidation the request is appended to the queue.
func (e *entry) requestAccess(r *request) (AccessMode, error) {
	if !e.initialized {
		// brand new entry: the first request decides its stream-ness and
		// becomes the writer
		e.rec.StreamBased = r.streamBased
		e.initialized = true
		e.enqueue(r)
		return r.access & AccessWrite, nil
	}
	if e.rec.StreamBased != r.streamBased {
		return AccessNone, ErrStreamMismatch
	}
	if e.isDoomed() {
		return AccessNone, errEntryDoomed
	}

	var (
		granted AccessMode
		err     error
	)
	if e.descriptors.Len() == 0 {
		granted = r.access
		if granted&AccessWrite != 0 {
			e.markInvalid()
		} else {
			e.markValid()
		}
	} else {
		granted = r.access &^ AccessWrite
		if !e.isValid() {
			err = errWaitForValidation
		}
	}
	e.enqueue(r)
	return granted, err
}

func (e *entry) enqueue(r *request) {
	r.elem = e.requests.PushBack(r)
}

func (e *entry) removeRequest(r *request) {
	if r.elem == nil {
		return
	}
	e.requests.Remove(r.elem)
	r.elem = nil
}
