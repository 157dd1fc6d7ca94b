package netcache

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/unkn0wn-root/netcache/device"
)

// fakeDevice is an in-memory device that records every call the service
// makes, so tests can check lifecycle rules.
type fakeDevice struct {
	name string

	mu          sync.Mutex
	stored      map[string]*device.Record
	bound       map[string]*device.Record
	deactivated map[*device.Record]int
	dooms       int
	shutdowns   int
	capacityKB  int64
	maxEntry    int64 // bytes; 0 => unlimited
	initErr     error
	bindErr     error
	collide     map[string]bool // keys whose slot holds another key
}

var _ device.Device = (*fakeDevice)(nil)

func newFakeDevice(name string) *fakeDevice {
	return &fakeDevice{
		name:        name,
		stored:      make(map[string]*device.Record),
		bound:       make(map[string]*device.Record),
		deactivated: make(map[*device.Record]int),
		collide:     make(map[string]bool),
		capacityKB:  1024,
	}
}

func (f *fakeDevice) factory(DeviceConfig) (device.Device, error) { return f, nil }

func (f *fakeDevice) Name() string { return f.name }

func (f *fakeDevice) Init(context.Context) error { return f.initErr }

func (f *fakeDevice) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func clone(r *device.Record) *device.Record {
	c := *r
	c.Meta = maps.Clone(r.Meta)
	c.Data = slices.Clone(r.Data)
	c.Valid, c.Doomed = false, false
	return &c
}

func (f *fakeDevice) FindEntry(_ context.Context, key string) (*device.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.collide[key] {
		return nil, device.ErrCollision
	}
	r, ok := f.stored[key]
	if !ok {
		return nil, device.ErrNotFound
	}
	c := clone(r)
	f.bound[key] = c
	return c, nil
}

func (f *fakeDevice) BindEntry(_ context.Context, r *device.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.bound[r.Key] = r
	return nil
}

func (f *fakeDevice) DeactivateEntry(_ context.Context, r *device.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated[r]++
	if f.bound[r.Key] == r {
		delete(f.bound, r.Key)
	}
	if r.Doomed {
		return nil
	}
	if !r.Valid {
		delete(f.stored, r.Key)
		return nil
	}
	f.stored[r.Key] = clone(r)
	return nil
}

func (f *fakeDevice) DoomEntry(_ context.Context, r *device.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dooms++
	delete(f.stored, r.Key)
	return nil
}

func (f *fakeDevice) OnDataSizeChange(_ context.Context, r *device.Record, delta int64) error {
	if f.EntryIsTooBig(r.Size() + delta) {
		return device.ErrTooBig
	}
	return nil
}

func (f *fakeDevice) EvictEntries(_ context.Context, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, r := range f.stored {
		if clientID != "" && r.ClientID != clientID {
			continue
		}
		if _, ok := f.bound[k]; ok {
			continue
		}
		delete(f.stored, k)
	}
	return nil
}

func (f *fakeDevice) Visit(_ context.Context, fn device.VisitFunc) error {
	f.mu.Lock()
	keys := slices.Sorted(maps.Keys(f.stored))
	infos := make([]device.Info, 0, len(keys))
	for _, k := range keys {
		infos = append(infos, f.stored[k].Info())
	}
	f.mu.Unlock()
	for _, in := range infos {
		if !fn(in) {
			break
		}
	}
	return nil
}

func (f *fakeDevice) EntryIsTooBig(size int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxEntry > 0 && size > f.maxEntry
}

func (f *fakeDevice) SetCapacity(kb int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capacityKB = kb
}

func (f *fakeDevice) SetMaxEntrySize(int64) {}

func (f *fakeDevice) Usage() device.Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, r := range f.stored {
		total += r.Size()
	}
	return device.Usage{
		Device:      f.name,
		Entries:     int64(len(f.stored)),
		TotalSizeKB: total / 1024,
		CapacityKB:  f.capacityKB,
	}
}

func (f *fakeDevice) storedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.stored))
}

// deactivations returns how often each record was deactivated.
func (f *fakeDevice) deactivations() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Collect(maps.Values(f.deactivated))
}

// recordingHooks captures hook calls.
type recordingHooks struct {
	NopHooks

	mu      sync.Mutex
	dooms   map[string][]string // key -> reasons
	binds   int
	tooBig  int
	disable []string
	smart   chan int64
}

func newRecordingHooks() *recordingHooks {
	return &recordingHooks{dooms: make(map[string][]string), smart: make(chan int64, 8)}
}

func (h *recordingHooks) EntryDoomed(key, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dooms[key] = append(h.dooms[key], reason)
}

func (h *recordingHooks) BindFailed(string, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.binds++
}

func (h *recordingHooks) EntryTooBig(string, string, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tooBig++
}

func (h *recordingHooks) DeviceDisabled(dev string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disable = append(h.disable, dev)
}

func (h *recordingHooks) SmartSizeComputed(kb int64) {
	select {
	case h.smart <- kb:
	default:
	}
}

func (h *recordingHooks) reasons(key string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.dooms[key])
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// openResult is what an asynchronous listener received.
type openResult struct {
	d       *Descriptor
	granted AccessMode
	err     error
}

func listener(ch chan<- openResult) Listener {
	return ListenerFunc(func(d *Descriptor, granted AccessMode, err error) {
		ch <- openResult{d, granted, err}
	})
}
