package netcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/netcache/device"
	"github.com/unkn0wn-root/netcache/device/disk"
	"github.com/unkn0wn-root/netcache/device/memory"
	"github.com/unkn0wn-root/netcache/device/offline"
)

const (
	defaultMemoryMaxEntryKB = 5 * 1024
	defaultDiskMaxEntryKB   = 50 * 1024
)

// deviceSlot is one of the three built-in devices. The device itself is
// created lazily on first use; a device whose creation fails is disabled
// until re-enabled through a setter.
type deviceSlot struct {
	name       string
	dev        device.Device
	enabled    bool
	capacityKB int64
	maxEntryKB int64 // < 0 => capacity/8 only
	factory    DeviceFactory
	cfg        DeviceConfig
}

func (s *service) initDeviceSlots(opts Options) {
	s.memory = deviceSlot{
		name:       memory.Name,
		enabled:    !opts.DisableMemory,
		capacityKB: opts.MemoryCapacityKB,
		maxEntryKB: coalesce(opts.MemoryMaxEntrySizeKB, int64(defaultMemoryMaxEntryKB)),
		factory:    factoryOr(opts.NewMemoryDevice, newMemoryDevice),
	}
	s.disk = deviceSlot{
		name:       disk.Name,
		enabled:    !opts.DisableDisk,
		capacityKB: opts.DiskCapacityKB,
		maxEntryKB: coalesce(opts.DiskMaxEntrySizeKB, int64(defaultDiskMaxEntryKB)),
		factory:    factoryOr(opts.NewDiskDevice, newDiskDevice),
		cfg:        DeviceConfig{Dir: opts.DiskDir, Fs: opts.Fs},
	}
	s.offline = deviceSlot{
		name:       offline.Name,
		enabled:    !opts.DisableOffline,
		capacityKB: opts.OfflineCapacityKB,
		maxEntryKB: -1,
		factory:    factoryOr(opts.NewOfflineDevice, newOfflineDevice),
		cfg:        DeviceConfig{Redis: opts.Redis, Namespace: opts.OfflineNamespace},
	}
	s.diskBaseKB = opts.DiskCapacityKB
}

func factoryOr(f, def DeviceFactory) DeviceFactory {
	if f == nil {
		return def
	}
	return f
}

func newMemoryDevice(cfg DeviceConfig) (device.Device, error) {
	return memory.New(memory.Config{
		CapacityKB:     cfg.CapacityKB,
		MaxEntrySizeKB: cfg.MaxEntrySizeKB,
	}), nil
}

func newDiskDevice(cfg DeviceConfig) (device.Device, error) {
	return disk.New(disk.Config{
		Fs:               cfg.Fs,
		Dir:              cfg.Dir,
		CapacityKB:       cfg.CapacityKB,
		MaxEntrySizeKB:   cfg.MaxEntrySizeKB,
		CompressionLevel: cfg.CompressionLevel,
	})
}

func newOfflineDevice(cfg DeviceConfig) (device.Device, error) {
	return offline.New(offline.Config{
		Client:         cfg.Redis,
		Namespace:      cfg.Namespace,
		CapacityKB:     cfg.CapacityKB,
		MaxEntrySizeKB: cfg.MaxEntrySizeKB,
	})
}

// deviceLocked returns the slot's device, creating it on first use.
func (s *service) deviceLocked(ctx context.Context, sl *deviceSlot) device.Device {
	if sl.dev != nil {
		return sl.dev
	}
	if !sl.enabled || !s.initialized {
		return nil
	}
	cfg := sl.cfg
	cfg.CapacityKB = sl.capacityKB
	cfg.MaxEntrySizeKB = sl.maxEntryKB
	cfg.CompressionLevel = s.compressionLevel

	dev, err := sl.factory(cfg)
	if err == nil {
		if err = dev.Init(ctx); err != nil {
			_ = dev.Shutdown(ctx)
		}
	}
	if err != nil {
		sl.enabled = false
		derr := &DeviceError{Device: sl.name, Op: "init", Err: err}
		s.log.Warn("device disabled", Fields{"device": sl.name, "err": derr})
		s.hooks.DeviceDisabled(sl.name, derr)
		return nil
	}
	sl.dev = dev
	if sl.capacityKB <= 0 {
		sl.capacityKB = dev.Usage().CapacityKB
	}
	s.log.Info("device created", Fields{"device": sl.name, "capacity_kb": sl.capacityKB})
	if sl == &s.disk {
		if s.diskBaseKB <= 0 {
			s.diskBaseKB = sl.capacityKB
		}
		s.scheduleSmartSizeLocked(s.smart.delay)
	}
	return dev
}

// offlineDeviceLocked returns the session's custom offline device if it has
// one, else the default offline device.
func (s *service) offlineDeviceLocked(ctx context.Context, custom device.Device) device.Device {
	if !s.offline.enabled {
		return nil
	}
	if custom == nil {
		return s.deviceLocked(ctx, &s.offline)
	}
	if err, seen := s.custom[custom]; seen {
		if err != nil {
			return nil
		}
		return custom
	}
	err := custom.Init(ctx)
	s.custom[custom] = err
	if err != nil {
		derr := &DeviceError{Device: custom.Name(), Op: "init", Err: err}
		s.log.Warn("custom offline device disabled", Fields{"device": custom.Name(), "err": derr})
		s.hooks.DeviceDisabled(custom.Name(), derr)
		return nil
	}
	return custom
}

// storageEnabledLocked reports whether an enabled device accepts policy.
func (s *service) storageEnabledLocked(p StoragePolicy) bool {
	switch {
	case s.memory.enabled && p.allowsMemory():
		return true
	case s.disk.enabled && p.allowsDisk():
		return true
	case s.offline.enabled && p.allowsOffline():
		return true
	}
	return false
}

// searchDevicesLocked looks key up in the devices policy selects, in order
// memory, disk, offline. The memory device is only searched if it exists; the
// others are created on demand. A found record becomes a new inactive entry
// bound to the device it came from.
func (s *service) searchDevicesLocked(ctx context.Context, key string, policy StoragePolicy, custom device.Device) (*entry, error) {
	type source struct {
		dev    device.Device
		policy StoragePolicy
	}
	lookups := []func() source{
		func() source {
			if !policy.allowsMemory() {
				return source{}
			}
			return source{s.memory.dev, StoreInMemory}
		},
		func() source {
			if !policy.allowsDisk() {
				return source{}
			}
			return source{s.deviceLocked(ctx, &s.disk), StoreOnDisk}
		},
		func() source {
			if policy != StoreOffline && !(policy == StoreAnywhere && s.offlineMode) {
				return source{}
			}
			return source{s.offlineDeviceLocked(ctx, custom), StoreOffline}
		},
	}

	for _, lookup := range lookups {
		src := lookup()
		if src.dev == nil {
			continue
		}
		rec, err := src.dev.FindEntry(ctx, key)
		switch {
		case err == nil:
			e := s.newEntryLocked(key, rec.ClientID, src.policy)
			e.rec = rec
			e.dev = src.dev
			if src.policy == StoreOffline {
				e.custom = custom
			}
			return e, nil
		case errors.Is(err, device.ErrCollision):
			s.log.Debug("device key collision", Fields{"key": key, "device": src.dev.Name()})
			return nil, ErrCacheInUse
		case errors.Is(err, device.ErrNotFound):
		default:
			s.log.Warn("device lookup failed", Fields{"key": key, "device": src.dev.Name(), "err": err})
		}
	}
	return nil, nil
}

// ensureEntryHasDeviceLocked binds e to the first device that accepts it:
// disk for stream data, then memory, then offline for stream data. It returns
// (nil, nil) when no enabled device is eligible, and ErrNotAvailable when the
// entry had to be doomed (predicted too big, or every bind failed). A doomed
// entry never binds.
func (s *service) ensureEntryHasDeviceLocked(ctx context.Context, e *entry) (device.Device, error) {
	if e.dev != nil || e.isDoomed() {
		return e.dev, nil
	}
	var errs []error

	if e.rec.StreamBased && e.allowedOnDisk() && s.disk.enabled {
		if dev := s.deviceLocked(ctx, &s.disk); dev != nil {
			if e.policy != StoreOnDiskAsFile && s.predictedTooBigLocked(ctx, e, dev) {
				return nil, fmt.Errorf("%w: %w", ErrNotAvailable, device.ErrTooBig)
			}
			if err := s.bindLocked(ctx, e, dev); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if e.dev == nil && s.memory.enabled && e.allowedInMemory() {
		if dev := s.deviceLocked(ctx, &s.memory); dev != nil {
			if s.predictedTooBigLocked(ctx, e, dev) {
				return nil, fmt.Errorf("%w: %w", ErrNotAvailable, device.ErrTooBig)
			}
			if err := s.bindLocked(ctx, e, dev); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if e.dev == nil && e.rec.StreamBased && e.allowedOffline() {
		if dev := s.offlineDeviceLocked(ctx, e.custom); dev != nil {
			if err := s.bindLocked(ctx, e, dev); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if e.dev == nil && len(errs) > 0 {
		s.doomEntryLocked(ctx, e, true, "bind_failed")
		return nil, fmt.Errorf("%w: %w", ErrNotAvailable, errors.Join(errs...))
	}
	return e.dev, nil
}

// predictedTooBigLocked dooms e when its predicted size cannot fit dev.
func (s *service) predictedTooBigLocked(ctx context.Context, e *entry, dev device.Device) bool {
	if e.predicted < 0 || !dev.EntryIsTooBig(e.predicted) {
		return false
	}
	s.log.Debug("entry too big for device", Fields{"key": e.key, "device": dev.Name(), "predicted": e.predicted})
	s.hooks.EntryTooBig(e.key, dev.Name(), e.predicted)
	s.doomEntryLocked(ctx, e, true, "too_big")
	return true
}

func (s *service) bindLocked(ctx context.Context, e *entry, dev device.Device) error {
	e.binding = true
	err := dev.BindEntry(ctx, e.rec)
	e.binding = false
	if err != nil {
		s.log.Warn("bind failed", Fields{"key": e.key, "device": dev.Name(), "err": err})
		s.hooks.BindFailed(e.key, dev.Name(), err)
		return &DeviceError{Device: dev.Name(), Op: "bind", Err: err}
	}
	e.dev = dev
	return nil
}

// onDataSizeChangeLocked is called before e grows or shrinks by delta. It
// binds e if needed; exceeding the device cap dooms e.
func (s *service) onDataSizeChangeLocked(ctx context.Context, e *entry, delta int64) error {
	dev, err := s.ensureEntryHasDeviceLocked(ctx, e)
	if err != nil {
		return err
	}
	if dev == nil {
		return ErrNotAvailable
	}
	if err := dev.OnDataSizeChange(ctx, e.rec, delta); err != nil {
		if errors.Is(err, device.ErrTooBig) {
			s.log.Debug("entry too big for device", Fields{"key": e.key, "device": dev.Name(), "size": e.rec.Size() + delta})
			s.hooks.EntryTooBig(e.key, dev.Name(), e.rec.Size()+delta)
			s.doomEntryLocked(ctx, e, true, "too_big")
		}
		return fmt.Errorf("%w: %w", ErrNotAvailable, &DeviceError{Device: dev.Name(), Op: "resize", Err: err})
	}
	return nil
}
