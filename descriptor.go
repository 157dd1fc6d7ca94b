package netcache

import (
	"bytes"
	"container/list"
	"fmt"
	"io"
	"sort"
	"time"
)

// Descriptor is a caller's handle to an entry with a fixed granted access.
// It refers to the entry by id; once the entry is gone (closed descriptor or
// service shutdown) every operation fails instead of touching freed state.
//
// A Descriptor is safe for concurrent use. Close it when done: the entry is
// only persisted and released after its last descriptor closes.
type Descriptor struct {
	svc     *service
	entryID uint64
	key     string
	access  AccessMode

	// guarded by svc.mu
	elem   *list.Element
	closed bool
}

// Key returns the resource key without the client prefix.
func (d *Descriptor) Key() string {
	if _, k, ok := SplitKey(d.key); ok {
		return k
	}
	return d.key
}

func (d *Descriptor) AccessGranted() AccessMode { return d.access }

func (d *Descriptor) entryLocked() (*entry, error) {
	if !d.svc.initialized {
		return nil, ErrNotInitialized
	}
	if d.closed || d.elem == nil {
		return nil, ErrDescriptorClosed
	}
	e := d.svc.entries[d.entryID]
	if e == nil {
		return nil, ErrDescriptorClosed
	}
	return e, nil
}

func (d *Descriptor) with(fn func(s *service, e *entry) error) error {
	s := d.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := d.entryLocked()
	if err != nil {
		return err
	}
	return fn(s, e)
}

func (d *Descriptor) withWrite(fn func(s *service, e *entry) error) error {
	return d.with(func(s *service, e *entry) error {
		if d.access&AccessWrite == 0 {
			return ErrAccessDenied
		}
		if err := fn(s, e); err != nil {
			return err
		}
		if !e.isValid() {
			e.dirty = true
		}
		return nil
	})
}

// DeviceID names the device the entry is bound to, or "" while unbound.
func (d *Descriptor) DeviceID() (string, error) {
	var id string
	err := d.with(func(_ *service, e *entry) error {
		if e.dev != nil {
			id = e.dev.Name()
		}
		return nil
	})
	return id, err
}

func (d *Descriptor) StoragePolicy() (StoragePolicy, error) {
	var p StoragePolicy
	err := d.with(func(_ *service, e *entry) error {
		p = e.policy
		return nil
	})
	return p, err
}

// SetStoragePolicy changes where the entry may be stored. It only has effect
// before the entry binds to a device, and a memory-only entry stays memory-only.
func (d *Descriptor) SetStoragePolicy(p StoragePolicy) error {
	return d.withWrite(func(s *service, e *entry) error {
		if !s.storageEnabledLocked(p) {
			return ErrNotAvailable
		}
		if e.policy == StoreInMemory && p != StoreInMemory {
			return ErrNotAvailable
		}
		if e.dev != nil {
			return ErrNotAvailable
		}
		e.policy = p
		return nil
	})
}

func (d *Descriptor) DataSize() (int64, error) {
	var n int64
	err := d.with(func(_ *service, e *entry) error {
		n = e.rec.DataSize
		return nil
	})
	return n, err
}

// Write appends p to the entry's data. The entry binds to a device on the
// first write; growing past the device's per-entry cap dooms the entry.
func (d *Descriptor) Write(p []byte) (int, error) {
	err := d.withWrite(func(s *service, e *entry) error {
		if len(p) == 0 {
			return nil
		}
		if err := s.onDataSizeChangeLocked(s.ctx, e, int64(len(p))); err != nil {
			return err
		}
		e.rec.Data = append(e.rec.Data, p...)
		e.rec.DataSize += int64(len(p))
		e.rec.LastModified = s.now()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetDataSize truncates (or zero-extends) the entry's data to n bytes.
func (d *Descriptor) SetDataSize(n int64) error {
	if n < 0 {
		return fmt.Errorf("netcache: negative data size %d", n)
	}
	return d.withWrite(func(s *service, e *entry) error {
		if delta := n - e.rec.DataSize; delta != 0 {
			if err := s.onDataSizeChangeLocked(s.ctx, e, delta); err != nil {
				return err
			}
		}
		if n <= int64(len(e.rec.Data)) {
			e.rec.Data = e.rec.Data[:n]
		} else {
			e.rec.Data = append(e.rec.Data, make([]byte, n-int64(len(e.rec.Data)))...)
		}
		e.rec.DataSize = n
		e.rec.LastModified = s.now()
		return nil
	})
}

// NewReader returns a reader over a snapshot of the entry's data.
func (d *Descriptor) NewReader() (io.Reader, error) {
	var r io.Reader
	err := d.with(func(_ *service, e *entry) error {
		if d.access&AccessRead == 0 {
			return ErrAccessDenied
		}
		r = bytes.NewReader(bytes.Clone(e.rec.Data))
		return nil
	})
	return r, err
}

// SetMetaDataElement sets key to value; an empty value removes key.
func (d *Descriptor) SetMetaDataElement(key, value string) error {
	return d.withWrite(func(s *service, e *entry) error {
		var delta int64
		if old, ok := e.rec.Meta[key]; ok {
			delta -= int64(len(key) + len(old) + 2)
		}
		if value != "" {
			delta += int64(len(key) + len(value) + 2)
		}
		if delta != 0 && e.dev != nil {
			if err := s.onDataSizeChangeLocked(s.ctx, e, delta); err != nil {
				return err
			}
		}
		if value == "" {
			delete(e.rec.Meta, key)
		} else {
			if e.rec.Meta == nil {
				e.rec.Meta = make(map[string]string)
			}
			e.rec.Meta[key] = value
		}
		e.rec.LastModified = s.now()
		return nil
	})
}

func (d *Descriptor) GetMetaDataElement(key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := d.with(func(_ *service, e *entry) error {
		v, ok = e.rec.Meta[key]
		return nil
	})
	return v, ok, err
}

// VisitMetaData calls fn for each metadata element in key order until fn
// returns false. fn runs without the service lock.
func (d *Descriptor) VisitMetaData(fn func(key, value string) bool) error {
	var meta map[string]string
	err := d.with(func(_ *service, e *entry) error {
		meta = make(map[string]string, len(e.rec.Meta))
		for k, v := range e.rec.Meta {
			meta[k] = v
		}
		return nil
	})
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, meta[k]) {
			break
		}
	}
	return nil
}

// SetExpirationTime sets when the entry expires. The zero time never expires.
func (d *Descriptor) SetExpirationTime(t time.Time) error {
	return d.with(func(_ *service, e *entry) error {
		e.rec.ExpiresAt = t
		return nil
	})
}

func (d *Descriptor) ExpirationTime() (time.Time, error) {
	var t time.Time
	err := d.with(func(_ *service, e *entry) error {
		t = e.rec.ExpiresAt
		return nil
	})
	return t, err
}

// SetPredictedDataSize records the expected final size (e.g. Content-Length).
// Device selection uses it to bypass devices the entry would not fit.
func (d *Descriptor) SetPredictedDataSize(n int64) error {
	return d.with(func(_ *service, e *entry) error {
		e.predicted = n
		return nil
	})
}

func (d *Descriptor) FetchCount() (int32, error) {
	var n int32
	err := d.with(func(_ *service, e *entry) error {
		n = e.rec.FetchCount
		return nil
	})
	return n, err
}

func (d *Descriptor) LastFetched() (time.Time, error) {
	var t time.Time
	err := d.with(func(_ *service, e *entry) error {
		t = e.rec.LastFetched
		return nil
	})
	return t, err
}

func (d *Descriptor) LastModified() (time.Time, error) {
	var t time.Time
	err := d.with(func(_ *service, e *entry) error {
		t = e.rec.LastModified
		return nil
	})
	return t, err
}

// MarkValid publishes the entry: it binds a device if needed and releases
// every request waiting for validation.
func (d *Descriptor) MarkValid() error {
	return d.withWrite(func(s *service, e *entry) error {
		return s.validateEntryLocked(s.ctx, e)
	})
}

// Doom invalidates the entry. Open descriptors keep working until closed.
func (d *Descriptor) Doom() error {
	return d.with(func(s *service, e *entry) error {
		s.doomEntryLocked(s.ctx, e, true, "requested")
		return nil
	})
}

func (d *Descriptor) IsDoomed() (bool, error) {
	var v bool
	err := d.with(func(_ *service, e *entry) error {
		v = e.isDoomed()
		return nil
	})
	return v, err
}

// Close releases the descriptor. Safe to call multiple times.
func (d *Descriptor) Close() error {
	s := d.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.closed {
		return nil
	}
	s.closeDescriptorLocked(s.ctx, d)
	return nil
}
