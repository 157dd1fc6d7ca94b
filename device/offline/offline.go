// Package offline implements the offline (application cache) device on Redis.
//
// Records are stored as msgpack blobs under "<ns>:offline:<client>:<key>"
// without expiry; offline entries are only removed by explicit doom or
// eviction. Size accounting covers writes made since Init.
package offline

import (
	"context"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/netcache/codec"
	"github.com/unkn0wn-root/netcache/device"
	"github.com/unkn0wn-root/netcache/internal/util"
)

const (
	Name = "offline"

	defaultNamespace  = "netcache"
	defaultCapacityKB = 512 * 1024
	scanCount         = 256
)

var ErrNilClient = errors.New("offline device: nil client")

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool   // set true only if this device exclusively owns the client
	Namespace   string // key prefix; "" => "netcache"
	// Name overrides the device name, e.g. for per-profile custom devices.
	Name           string
	CapacityKB     int64 // 0 => 512 MB
	MaxEntrySizeKB int64 // <= 0 => only the capacity/8 rule
	Codec          codec.Codec[device.Record]
}

type Device struct {
	rdb         goredis.UniversalClient
	closeClient bool
	ns          string
	name        string
	codec       codec.Codec[device.Record]

	mu       sync.Mutex
	bound    map[string]*device.Record
	sizes    map[string]int64
	total    int64
	capacity int64
	maxEntry int64
	closed   bool
}

var _ device.Device = (*Device)(nil)

func New(cfg Config) (*Device, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.Name == "" {
		cfg.Name = Name
	}
	if cfg.CapacityKB <= 0 {
		cfg.CapacityKB = defaultCapacityKB
	}
	d := &Device{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		ns:          cfg.Namespace,
		name:        cfg.Name,
		codec:       cfg.Codec,
		bound:       make(map[string]*device.Record),
		sizes:       make(map[string]int64),
		capacity:    cfg.CapacityKB * 1024,
		maxEntry:    -1,
	}
	if cfg.MaxEntrySizeKB > 0 {
		d.maxEntry = cfg.MaxEntrySizeKB * 1024
	}
	if d.codec == nil {
		d.codec = codec.Msgpack[device.Record]{}
	}
	return d, nil
}

func (d *Device) Name() string { return d.name }

// Init checks that the store is reachable.
func (d *Device) Init(ctx context.Context) error {
	return d.rdb.Ping(ctx).Err()
}

// Shutdown releases the underlying redis client only when this device owns it.
// Safe to call multiple times.
func (d *Device) Shutdown(context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	if d.closeClient {
		if err := d.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (d *Device) key(k string) string { return d.ns + ":offline:" + k }

func (d *Device) FindEntry(ctx context.Context, key string) (*device.Record, error) {
	d.mu.Lock()
	_, busy := d.bound[key]
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, device.ErrClosed
	}
	if busy {
		return nil, device.ErrNotFound
	}

	b, err := d.rdb.Get(ctx, d.key(key)).Bytes()
	if err == goredis.Nil {
		return nil, device.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := d.codec.Decode(b)
	if err != nil {
		_ = d.rdb.Del(ctx, d.key(key)).Err() // self-heal corrupt
		return nil, device.ErrNotFound
	}
	if rec.Key != key {
		return nil, device.ErrCollision
	}

	d.mu.Lock()
	d.bound[key] = &rec
	d.mu.Unlock()
	return &rec, nil
}

func (d *Device) BindEntry(_ context.Context, r *device.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return device.ErrClosed
	}
	if device.TooBig(r.Size(), d.capacity, d.maxEntry) {
		return device.ErrTooBig
	}
	d.bound[r.Key] = r
	return nil
}

func (d *Device) DeactivateEntry(ctx context.Context, r *device.Record) error {
	d.mu.Lock()
	if d.bound[r.Key] == r {
		delete(d.bound, r.Key)
	}
	d.mu.Unlock()

	if r.Doomed {
		return nil
	}
	if r.Discardable() {
		return d.del(ctx, r.Key)
	}
	b, err := d.codec.Encode(*r)
	if err != nil {
		return err
	}
	if err := d.rdb.Set(ctx, d.key(r.Key), b, 0).Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.total += int64(len(b)) - d.sizes[r.Key]
	d.sizes[r.Key] = int64(len(b))
	d.mu.Unlock()
	return nil
}

func (d *Device) DoomEntry(ctx context.Context, r *device.Record) error {
	return d.del(ctx, r.Key)
}

func (d *Device) OnDataSizeChange(_ context.Context, r *device.Record, delta int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if device.TooBig(r.Size()+delta, d.capacity, d.maxEntry) {
		return device.ErrTooBig
	}
	return nil
}

func (d *Device) EvictEntries(ctx context.Context, clientID string) error {
	match := d.key("*")
	if clientID != "" {
		match = util.EscapeGlob(d.key(clientID+":")) + "*"
	}
	return d.scan(ctx, match, func(keys []string) error {
		var victims []string
		d.mu.Lock()
		for _, k := range keys {
			if _, busy := d.bound[d.recordKey(k)]; !busy {
				victims = append(victims, k)
				d.forgetLocked(d.recordKey(k))
			}
		}
		d.mu.Unlock()
		if len(victims) == 0 {
			return nil
		}
		return d.rdb.Del(ctx, victims...).Err()
	})
}

func (d *Device) Visit(ctx context.Context, fn device.VisitFunc) error {
	stop := errors.New("stop")
	err := d.scan(ctx, d.key("*"), func(keys []string) error {
		vals, err := d.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			rec, err := d.codec.Decode([]byte(s))
			if err != nil {
				continue
			}
			if !fn(rec.Info()) {
				return stop
			}
		}
		return nil
	})
	if errors.Is(err, stop) {
		return nil
	}
	return err
}

func (d *Device) EntryIsTooBig(size int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return device.TooBig(size, d.capacity, d.maxEntry)
}

func (d *Device) SetCapacity(kb int64) {
	d.mu.Lock()
	d.capacity = kb * 1024
	d.mu.Unlock()
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
		Device:         d.name,
		Entries:        int64(len(d.sizes)),
		TotalSizeKB:    d.total / 1024,
		CapacityKB:     d.capacity / 1024,
		MaxEntrySizeKB: -1,
	}
	if d.maxEntry >= 0 {
		u.MaxEntrySizeKB = d.maxEntry / 1024
	}
	return u
}

func (d *Device) recordKey(storeKey string) string {
	return storeKey[len(d.ns)+len(":offline:"):]
}

func (d *Device) del(ctx context.Context, key string) error {
	d.mu.Lock()
	d.forgetLocked(key)
	d.mu.Unlock()
	return d.rdb.Del(ctx, d.key(key)).Err()
}

func (d *Device) forgetLocked(key string) {
	if n, ok := d.sizes[key]; ok {
		d.total -= n
		delete(d.sizes, key)
	}
}

func (d *Device) scan(ctx context.Context, match string, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := d.rdb.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
