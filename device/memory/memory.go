// Package memory implements the in-memory cache device.
//
// Deactivated records are serialized into a bigcache instance so that idle
// entries live off the Go heap. Capacity is enforced by a ristretto index over
// the idle records (cost = record size): its OnEvict and OnReject callbacks
// drop the record from bigcache. Bound records stay out of the index and are
// never evicted. bigcache itself runs without a hard limit or life window.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"
	"github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/netcache/codec"
	"github.com/unkn0wn-root/netcache/device"
)

const (
	Name = "memory"

	defaultCapacityKB  = 32 * 1024
	defaultShards      = 64
	defaultNumCounters = 100_000

	// bigcache preallocates window*entrySize bytes across its shards
	defaultEntriesInWindow = 4096
	defaultEntrySize       = 2048
)

type Config struct {
	CapacityKB     int64 // 0 => 32 MB
	MaxEntrySizeKB int64 // < 0 => only the capacity/8 rule
	Shards         int   // power of two; 0 => 64
	Codec          codec.Codec[device.Record]
	// NumCounters sizes ristretto's admission sketch; 0 => 100k.
	NumCounters int64

	// Sizing hints for bigcache's initial allocation; 0 => 4096 entries of 2 KB.
	MaxEntriesInWindow int
	MaxEntrySize       int
}

type item struct {
	info    device.Info
	size    int64
	private bool
	active  bool
}

type Device struct {
	cfg   Config
	codec codec.Codec[device.Record]

	mu       sync.Mutex
	c        *bc.BigCache
	index    *ristretto.Cache // idle records only
	items    map[string]*item
	total    int64
	capacity int64
	maxEntry int64
}

var _ device.Device = (*Device)(nil)
var _ device.PressureReliever = (*Device)(nil)
var _ device.PrivateEvicter = (*Device)(nil)

func New(cfg Config) *Device {
	if cfg.CapacityKB <= 0 {
		cfg.CapacityKB = defaultCapacityKB
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = defaultNumCounters
	}
	if cfg.MaxEntriesInWindow <= 0 {
		cfg.MaxEntriesInWindow = defaultEntriesInWindow
	}
	if cfg.MaxEntrySize <= 0 {
		cfg.MaxEntrySize = defaultEntrySize
	}
	d := &Device{
		cfg:      cfg,
		codec:    cfg.Codec,
		items:    make(map[string]*item),
		capacity: cfg.CapacityKB * 1024,
		maxEntry: -1,
	}
	if d.codec == nil {
		d.codec = codec.Msgpack[device.Record]{}
	}
	if cfg.MaxEntrySizeKB > 0 {
		d.maxEntry = cfg.MaxEntrySizeKB * 1024
	}
	return d
}

func (d *Device) Name() string { return Name }

func (d *Device) Init(ctx context.Context) error {
	conf := bc.DefaultConfig(time.Hour)
	conf.Shards = d.cfg.Shards
	conf.MaxEntriesInWindow = d.cfg.MaxEntriesInWindow
	conf.MaxEntrySize = d.cfg.MaxEntrySize
	conf.CleanWindow = 0 // no time based eviction; the index owns capacity
	conf.HardMaxCacheSize = 0
	conf.Verbose = false
	c, err := bc.New(ctx, conf)
	if err != nil {
		return err
	}
	idx, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        d.cfg.NumCounters,
		MaxCost:            max(d.capacity, 1),
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict:            d.onEvict,
		OnReject:           d.onEvict,
	})
	if err != nil {
		_ = c.Close()
		return err
	}
	d.mu.Lock()
	d.c = c
	d.index = idx
	d.mu.Unlock()
	return nil
}

// Shutdown closes the index outside the lock: ristretto waits for its
// eviction goroutine, which may be blocked in onEvict.
func (d *Device) Shutdown(_ context.Context) error {
	d.mu.Lock()
	if d.c == nil {
		d.mu.Unlock()
		return nil
	}
	c, idx := d.c, d.index
	d.c, d.index = nil, nil
	d.items = make(map[string]*item)
	d.total = 0
	d.mu.Unlock()

	idx.Close()
	return c.Close()
}

func (d *Device) FindEntry(_ context.Context, key string) (*device.Record, error) {
	d.mu.Lock()
	if d.c == nil {
		d.mu.Unlock()
		return nil, device.ErrClosed
	}
	it, ok := d.items[key]
	if !ok || it.active {
		d.mu.Unlock()
		return nil, device.ErrNotFound
	}
	raw, err := d.c.Get(key)
	if err != nil {
		// lost or unreadable: forget the slot
		d.removeLocked(key)
		d.mu.Unlock()
		d.unindex(key)
		if errors.Is(err, bc.ErrEntryNotFound) {
			return nil, device.ErrNotFound
		}
		return nil, err
	}
	rec, err := d.codec.Decode(raw)
	if err != nil {
		d.removeLocked(key)
		d.mu.Unlock()
		d.unindex(key)
		return nil, device.ErrNotFound
	}
	it.active = true
	d.mu.Unlock()
	d.unindex(key)
	return &rec, nil
}

func (d *Device) BindEntry(_ context.Context, r *device.Record) error {
	d.mu.Lock()
	if d.c == nil {
		d.mu.Unlock()
		return device.ErrClosed
	}
	size := r.Size()
	if d.tooBigLocked(size) {
		d.mu.Unlock()
		return device.ErrTooBig
	}
	_, stale := d.items[r.Key]
	if stale {
		d.removeLocked(r.Key)
	}
	d.items[r.Key] = &item{info: r.Info(), size: size, private: r.Private, active: true}
	d.total += size
	d.mu.Unlock()
	if stale {
		d.unindex(r.Key)
	}
	return nil
}

func (d *Device) DeactivateEntry(_ context.Context, r *device.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c == nil {
		return device.ErrClosed
	}
	if r.Doomed {
		// DoomEntry already dropped the item; the key may belong to a newer record
		return nil
	}
	it, ok := d.items[r.Key]
	if r.Discardable() || d.capacity <= 0 {
		if ok {
			d.removeLocked(r.Key)
		}
		return nil
	}
	raw, err := d.codec.Encode(*r)
	if err == nil {
		err = d.c.Set(r.Key, raw)
	}
	if err != nil {
		if ok {
			d.removeLocked(r.Key)
		}
		return err
	}
	size := r.Size()
	if !ok {
		it = &item{}
		d.items[r.Key] = it
	}
	d.total += size - it.size
	it.info = r.Info()
	it.size = size
	it.private = r.Private
	it.active = false
	if !d.index.Set(r.Key, r.Key, max(size, 1)) {
		// dropped by a contended set buffer
		d.removeLocked(r.Key)
	}
	return nil
}

func (d *Device) DoomEntry(_ context.Context, r *device.Record) error {
	d.mu.Lock()
	_, ok := d.items[r.Key]
	if ok {
		d.removeLocked(r.Key)
	}
	d.mu.Unlock()
	if ok {
		d.unindex(r.Key)
	}
	return nil
}

func (d *Device) OnDataSizeChange(_ context.Context, r *device.Record, delta int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tooBigLocked(r.Size() + delta) {
		return device.ErrTooBig
	}
	if it, ok := d.items[r.Key]; ok && it.active {
		it.size += delta
		d.total += delta
	}
	return nil
}

func (d *Device) EvictEntries(_ context.Context, clientID string) error {
	d.evictMatching(func(it *item) bool {
		return clientID == "" || it.info.ClientID == clientID
	})
	return nil
}

// EvictPrivateEntries drops every idle private record.
func (d *Device) EvictPrivateEntries(_ context.Context) error {
	d.evictMatching(func(it *item) bool { return it.private })
	return nil
}

// RelievePressure drops every idle record.
func (d *Device) RelievePressure(_ context.Context) error {
	d.evictMatching(func(*item) bool { return true })
	return nil
}

func (d *Device) Visit(_ context.Context, fn device.VisitFunc) error {
	d.mu.Lock()
	infos := make([]device.Info, 0, len(d.items))
	for _, it := range d.items {
		infos = append(infos, it.info)
	}
	d.mu.Unlock()

	for _, in := range infos {
		if !fn(in) {
			break
		}
	}
	return nil
}

func (d *Device) EntryIsTooBig(size int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tooBigLocked(size)
}

// SetCapacity resizes the index. Shrinking takes effect as new idle records
// arrive; a zero capacity rejects every one of them.
func (d *Device) SetCapacity(kb int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capacity = kb * 1024
	if d.index != nil {
		d.index.UpdateMaxCost(max(d.capacity, 1))
	}
}

func (d *Device) SetMaxEntrySize(kb int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if kb < 0 {
		d.maxEntry = -1
		return
	}
	d.maxEntry = kb * 1024
}

func (d *Device) Usage() device.Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := device.Usage{
		Device:         Name,
		Entries:        int64(len(d.items)),
		TotalSizeKB:    d.total / 1024,
		CapacityKB:     d.capacity / 1024,
		MaxEntrySizeKB: -1,
	}
	if d.maxEntry >= 0 {
		u.MaxEntrySizeKB = d.maxEntry / 1024
	}
	return u
}

func (d *Device) tooBigLocked(size int64) bool {
	return device.TooBig(size, d.capacity, d.maxEntry)
}

// onEvict runs on ristretto's goroutine for evicted and rejected records.
// A record that was found again in the meantime is bound and stays.
func (d *Device) onEvict(it *ristretto.Item) {
	key, ok := it.Value.(string)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.items[key]; ok && !cur.active {
		d.removeLocked(key)
	}
}

func (d *Device) evictMatching(match func(*item) bool) {
	d.mu.Lock()
	var victims []string
	for k, it := range d.items {
		if !it.active && match(it) {
			victims = append(victims, k)
			d.removeLocked(k)
		}
	}
	d.mu.Unlock()
	d.unindex(victims...)
}

func (d *Device) removeLocked(key string) {
	it, ok := d.items[key]
	if !ok {
		return
	}
	delete(d.items, key)
	d.total -= it.size
	if d.c != nil {
		_ = d.c.Delete(key)
	}
}

// unindex drops keys from the eviction index. Called without d.mu: Del may
// block on ristretto's set buffer while its goroutine waits in onEvict.
func (d *Device) unindex(keys ...string) {
	d.mu.Lock()
	idx := d.index
	d.mu.Unlock()
	if idx == nil {
		return
	}
	for _, k := range keys {
		idx.Del(k)
	}
}
