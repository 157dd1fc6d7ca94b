// Package device defines the backing-store abstraction used by netcache.
//
// A Device persists cache records and hands them back to the coordinator on
// lookup. The coordinator owns entry lifecycle: it binds a record to at most
// one device, tells the device when the record's size changes, dooms it, and
// finally deactivates it once no caller holds it. Devices never see the
// coordinator's entry objects, only the Record snapshot that travels with them.
//
// All methods must be safe for concurrent use. The coordinator serializes its
// own calls under a single lock, but devices may run background eviction.
package device

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by FindEntry on a miss.
	ErrNotFound = errors.New("device: entry not found")
	// ErrCollision means the device holds a different key under the same hash slot.
	ErrCollision = errors.New("device: key hash collision")
	// ErrTooBig means the entry exceeds the device's per-entry cap.
	ErrTooBig = errors.New("device: entry too big")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("device: closed")
)

// Record is the persisted form of a cache entry.
// Valid and Doomed are coordinator state and are never persisted.
type Record struct {
	Key          string            `json:"key" msgpack:"key"`
	ClientID     string            `json:"client" msgpack:"client"`
	StreamBased  bool              `json:"stream" msgpack:"stream"`
	Private      bool              `json:"private,omitempty" msgpack:"private,omitempty"`
	Meta         map[string]string `json:"meta,omitempty" msgpack:"meta,omitempty"`
	Data         []byte            `json:"data,omitempty" msgpack:"data,omitempty"`
	DataSize     int64             `json:"size" msgpack:"size"`
	ExpiresAt    time.Time         `json:"expires" msgpack:"expires"`
	LastFetched  time.Time         `json:"fetched" msgpack:"fetched"`
	LastModified time.Time         `json:"modified" msgpack:"modified"`
	FetchCount   int32             `json:"count" msgpack:"count"`

	Valid  bool `json:"-" msgpack:"-"`
	Doomed bool `json:"-" msgpack:"-"`
}

// MetaSize is the accounted size of the metadata map: every key and value
// plus a terminator byte each.
func (r *Record) MetaSize() int64 {
	var n int64
	for k, v := range r.Meta {
		n += int64(len(k) + len(v) + 2)
	}
	return n
}

// Size is the total accounted size of the record.
func (r *Record) Size() int64 { return r.DataSize + r.MetaSize() }

// Discardable reports whether a deactivated record must be dropped instead
// of persisted.
func (r *Record) Discardable() bool { return r.Doomed || !r.Valid }

// Info returns the visitor view of the record.
func (r *Record) Info() Info {
	return Info{
		Key:          r.Key,
		ClientID:     r.ClientID,
		DataSize:     r.DataSize,
		MetaSize:     r.MetaSize(),
		FetchCount:   r.FetchCount,
		LastFetched:  r.LastFetched,
		LastModified: r.LastModified,
		ExpiresAt:    r.ExpiresAt,
	}
}

// Info describes one stored entry during a visit.
type Info struct {
	Key          string
	ClientID     string
	DataSize     int64
	MetaSize     int64
	FetchCount   int32
	LastFetched  time.Time
	LastModified time.Time
	ExpiresAt    time.Time
}

// Usage summarizes a device.
type Usage struct {
	Device         string
	Entries        int64
	TotalSizeKB    int64
	CapacityKB     int64
	MaxEntrySizeKB int64
}

// VisitFunc is called once per stored entry. Returning false stops the walk.
type VisitFunc func(Info) bool

// Device is a backing store for cache records.
type Device interface {
	// Name identifies the device ("memory", "disk", "offline", ...).
	Name() string

	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// FindEntry returns the persisted record for key; (nil, ErrNotFound) on miss,
	// (nil, ErrCollision) when a different key occupies the same slot.
	// A found record is considered bound to the device.
	FindEntry(ctx context.Context, key string) (*Record, error)

	// BindEntry attaches a new record to the device.
	BindEntry(ctx context.Context, r *Record) error

	// DeactivateEntry persists r (or drops it when r.Discardable()) and
	// releases the binding. Called exactly once per bound record. For a
	// doomed r only the binding is released: DoomEntry already removed its
	// storage, and the key may by now belong to a newer record.
	DeactivateEntry(ctx context.Context, r *Record) error

	// DoomEntry removes r's persisted storage. The binding stays until DeactivateEntry.
	DoomEntry(ctx context.Context, r *Record) error

	// OnDataSizeChange is called before r grows or shrinks by delta bytes.
	// Returns ErrTooBig when the new size is over the per-entry cap.
	OnDataSizeChange(ctx context.Context, r *Record, delta int64) error

	// EvictEntries removes every unbound record of clientID ("" means all clients).
	EvictEntries(ctx context.Context, clientID string) error

	Visit(ctx context.Context, fn VisitFunc) error

	// EntryIsTooBig reports whether an entry of size bytes may never be stored.
	EntryIsTooBig(size int64) bool

	SetCapacity(kb int64)
	SetMaxEntrySize(kb int64)
	Usage() Usage
}

// PressureReliever is implemented by devices that can shed memory on demand.
type PressureReliever interface {
	RelievePressure(ctx context.Context) error
}

// PrivateEvicter is implemented by devices that may hold private records.
type PrivateEvicter interface {
	EvictPrivateEntries(ctx context.Context) error
}

// Compressor is implemented by devices that compress stored data.
type Compressor interface {
	SetCompressionLevel(level int)
}

// TooBig applies the common per-entry cap rule: an entry is too big when it
// exceeds maxEntry (if set) or an eighth of capacity. Sizes are in bytes;
// maxEntry < 0 means unset.
func TooBig(size, capacity, maxEntry int64) bool {
	if maxEntry >= 0 && size > maxEntry {
		return true
	}
	return size > capacity/8
}
