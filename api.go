package netcache

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/unkn0wn-root/netcache/device"
)

// Service is the cache coordinator. It is safe for concurrent use.
type Service interface {
	// CreateSession returns a session for clientID. Private sessions are
	// forced to StoreInMemory.
	CreateSession(clientID string, policy StoragePolicy, streamBased bool, opts ...SessionOption) (*Session, error)

	// OpenCacheEntry opens key for the requested access.
	//
	// With a nil listener the call is synchronous: it returns a Descriptor or
	// an error. A blocking call waits (honouring ctx) while another writer
	// holds the entry unvalidated; a non-blocking one returns ErrWouldBlock.
	//
	// With a listener the open runs on the I/O worker and the listener is
	// notified exactly once on the session's callback target. The return
	// value is then always (nil, err) where err reports only dispatch failure.
	OpenCacheEntry(ctx context.Context, s *Session, key string, access AccessMode, blocking bool, l Listener) (*Descriptor, error)

	// DoomEntry dooms key asynchronously. Dooming a missing or already
	// doomed key succeeds. l may be nil.
	DoomEntry(s *Session, key string, l DoomListener) error

	// EvictEntries removes stored entries of every client from the devices
	// selected by policy. StoreAnywhere covers memory and disk; offline
	// entries are only evicted when StoreOffline is asked for.
	EvictEntries(ctx context.Context, policy StoragePolicy) error

	// VisitEntries walks every enabled device. The visitor runs without the
	// service lock and may stop early.
	VisitEntries(ctx context.Context, v Visitor) error

	// IOTarget exposes the I/O worker for cache-adjacent work.
	IOTarget() Target

	Stats() Stats

	// OnMemoryPressure drops idle records from the memory device.
	OnMemoryPressure(ctx context.Context)

	// LeavePrivateBrowsing dooms private entries and purges them from memory.
	LeavePrivateBrowsing(ctx context.Context)

	SetDiskEnabled(enabled bool)
	SetDiskCapacity(kb int64)
	SetDiskMaxEntrySize(kb int64)
	SetSmartSizeEnabled(enabled bool)
	SetMemoryEnabled(enabled bool)
	SetMemoryCapacity(kb int64)
	SetMemoryMaxEntrySize(kb int64)
	SetOfflineEnabled(enabled bool)
	SetOfflineCapacity(kb int64)
	SetCompressionLevel(level int)
	SetClearOnShutdown(v bool)
	// SetOffline makes StoreAnywhere lookups also search the offline device.
	SetOffline(offline bool)

	// Shutdown dooms and deactivates every entry, drains the workers and
	// shuts the devices down. Every later call fails with
	// ErrNotInitialized. It must not be called from a listener running on
	// one of the service's own workers.
	Shutdown(ctx context.Context) error
}

// Visitor receives device summaries and entries during VisitEntries.
type Visitor interface {
	// VisitDevice is called once per device; returning false skips its entries.
	VisitDevice(deviceID string, u device.Usage) bool
	// VisitEntry returning false stops the walk entirely.
	VisitEntry(deviceID string, info device.Info) bool
}

// DeviceConfig is what a DeviceFactory receives. Sizes are in KB; a
// MaxEntrySizeKB <= 0 means only the device's capacity/8 rule applies.
type DeviceConfig struct {
	CapacityKB       int64
	MaxEntrySizeKB   int64
	Dir              string   // disk
	Fs               afero.Fs // disk
	CompressionLevel int      // disk
	Redis            goredis.UniversalClient
	Namespace        string // offline
}

type DeviceFactory func(cfg DeviceConfig) (device.Device, error)

// SpaceProber reports free bytes on the filesystem holding dir.
type SpaceProber func(dir string) (uint64, error)

// Options configure the service. Zero values fall back to defaults.
type Options struct {
	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	DisableMemory        bool
	MemoryCapacityKB     int64 // 0 => 32 MB
	MemoryMaxEntrySizeKB int64 // 0 => 5 MB; < 0 => capacity/8 only

	DisableDisk        bool
	DiskDir            string   // required for the disk device
	Fs                 afero.Fs // nil => OS filesystem
	DiskCapacityKB     int64    // 0 => 256 MB
	DiskMaxEntrySizeKB int64    // 0 => 50 MB; < 0 => capacity/8 only
	CompressionLevel   int      // 0 => off, 1..9 => zstd
	ClearOnShutdown    bool     // remove DiskDir after shutdown

	SmartSize      bool          // derive disk capacity from free space
	SmartSizeDelay time.Duration // 0 => 3m after the disk device is created
	MaxSmartSizeKB int64         // 0 => 350 MB
	SpaceProber    SpaceProber   // nil => gopsutil

	DisableOffline    bool
	Redis             goredis.UniversalClient // offline device store
	OfflineNamespace  string                  // "" => "netcache"
	OfflineCapacityKB int64                   // 0 => 512 MB

	NewMemoryDevice  DeviceFactory // nil => memory.New
	NewDiskDevice    DeviceFactory // nil => disk.New
	NewOfflineDevice DeviceFactory // nil => offline.New

	// CallbackTarget runs listeners of sessions without their own target.
	// nil => a dedicated callback worker owned by the service.
	CallbackTarget Target

	now func() time.Time // tests
}

func New(opts Options) (Service, error) {
	s, err := newService(opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}
