package netcache

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/netcache/device"
)

func (s *service) EvictEntries(ctx context.Context, policy StoragePolicy) error {
	return s.evictEntries(ctx, "", policy)
}

// evictEntries dooms matching active entries and then asks each selected
// device to drop its stored records. clientID "" matches every client.
// Disabled or never-created devices are skipped.
func (s *service) evictEntries(ctx context.Context, clientID string, policy StoragePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}

	var devs []device.Device
	if policy == StoreAnywhere || policy == StoreOnDisk || policy == StoreOnDiskAsFile {
		if s.disk.enabled {
			if dev := s.deviceLocked(ctx, &s.disk); dev != nil {
				devs = append(devs, dev)
			}
		}
	}
	// offline storage is only cleared when asked for explicitly
	if policy == StoreOffline && s.offline.enabled {
		if dev := s.deviceLocked(ctx, &s.offline); dev != nil {
			devs = append(devs, dev)
		}
	}
	if policy == StoreAnywhere || policy == StoreInMemory {
		if s.memory.dev != nil {
			devs = append(devs, s.memory.dev)
		}
	}

	victims := s.active.snapshot(func(e *entry) bool {
		if clientID != "" && e.rec.ClientID != clientID {
			return false
		}
		for _, d := range devs {
			if e.dev == d {
				return true
			}
		}
		return false
	})
	for _, e := range victims {
		s.doomEntryLocked(ctx, e, true, "evicted")
	}

	var errs []error
	for _, dev := range devs {
		if err := dev.EvictEntries(ctx, clientID); err != nil {
			errs = append(errs, &DeviceError{Device: dev.Name(), Op: "evict", Err: err})
		}
	}
	s.log.Info("entries evicted", Fields{"client": clientID, "policy": policy.String(), "doomed": len(victims)})
	return errors.Join(errs...)
}

type visitedDevice struct {
	name    string
	usage   device.Usage
	entries []device.Info
}

// VisitEntries snapshots every enabled device under the lock, then feeds the
// visitor without it. Disk and offline devices are created if needed.
func (s *service) VisitEntries(ctx context.Context, v Visitor) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if !s.memory.enabled && !s.disk.enabled && !s.offline.enabled {
		s.mu.Unlock()
		return ErrNotAvailable
	}
	// memory is only visited if it exists; disk and offline are created
	var devs []device.Device
	if s.memory.dev != nil {
		devs = append(devs, s.memory.dev)
	}
	for _, sl := range []*deviceSlot{&s.disk, &s.offline} {
		if !sl.enabled {
			continue
		}
		if dev := s.deviceLocked(ctx, sl); dev != nil {
			devs = append(devs, dev)
		}
	}

	var (
		snap []visitedDevice
		errs []error
	)
	for _, dev := range devs {
		vd := visitedDevice{name: dev.Name(), usage: dev.Usage()}
		err := dev.Visit(ctx, func(in device.Info) bool {
			vd.entries = append(vd.entries, in)
			return ctx.Err() == nil
		})
		if err != nil {
			errs = append(errs, &DeviceError{Device: dev.Name(), Op: "visit", Err: err})
			continue
		}
		snap = append(snap, vd)
	}
	s.mu.Unlock()

	for _, vd := range snap {
		if !v.VisitDevice(vd.name, vd.usage) {
			continue
		}
		for _, in := range vd.entries {
			if !v.VisitEntry(vd.name, in) {
				return errors.Join(errs...)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *service) OnMemoryPressure(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr, ok := s.memory.dev.(device.PressureReliever); ok {
		if err := pr.RelievePressure(ctx); err != nil {
			s.log.Warn("memory pressure relief failed", Fields{"err": err})
		}
	}
}

func (s *service) LeavePrivateBrowsing(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return
	}
	for _, e := range s.active.snapshot(func(e *entry) bool { return e.rec.Private }) {
		s.doomEntryLocked(ctx, e, true, "private")
	}
	if pe, ok := s.memory.dev.(device.PrivateEvicter); ok {
		if err := pe.EvictPrivateEntries(ctx); err != nil {
			s.log.Warn("private eviction failed", Fields{"err": err})
		}
	}
}

func (s *service) SetDiskEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disk.enabled = enabled
}

// SetDiskCapacity sets the administrator capacity. While smart size is on
// the computed capacity stays in effect.
func (s *service) SetDiskCapacity(kb int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diskBaseKB = kb
	if s.smart.enabled {
		return
	}
	s.disk.capacityKB = kb
	if s.disk.dev != nil {
		s.disk.dev.SetCapacity(kb)
	}
}

func (s *service) SetDiskMaxEntrySize(kb int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disk.maxEntryKB = kb
	if s.disk.dev != nil {
		s.disk.dev.SetMaxEntrySize(kb)
	}
}

// SetSmartSizeEnabled switches between computed and administrator disk
// capacity. Enabling recomputes at once if the disk device exists.
func (s *service) SetSmartSizeEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.smart.enabled == enabled {
		return
	}
	s.smart.enabled = enabled
	if enabled {
		s.scheduleSmartSizeLocked(0)
		return
	}
	s.stopSmartSizeLocked()
	if s.diskBaseKB > 0 {
		s.disk.capacityKB = s.diskBaseKB
		if s.disk.dev != nil {
			s.disk.dev.SetCapacity(s.diskBaseKB)
		}
	}
}

// SetMemoryEnabled toggles the memory device. Disabling keeps the device,
// since active entries may still be bound to it, but shrinks it to nothing.
func (s *service) SetMemoryEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.enabled = enabled
	if s.memory.dev == nil {
		return
	}
	if enabled {
		s.memory.dev.SetCapacity(s.memory.capacityKB)
	} else {
		s.memory.dev.SetCapacity(0)
	}
}

func (s *service) SetMemoryCapacity(kb int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.capacityKB = kb
	if s.memory.dev != nil && s.memory.enabled {
		s.memory.dev.SetCapacity(kb)
	}
}

func (s *service) SetMemoryMaxEntrySize(kb int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory.maxEntryKB = kb
	if s.memory.dev != nil {
		s.memory.dev.SetMaxEntrySize(kb)
	}
}

func (s *service) SetOfflineEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline.enabled = enabled
}

func (s *service) SetOfflineCapacity(kb int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline.capacityKB = kb
	if s.offline.dev != nil {
		s.offline.dev.SetCapacity(kb)
	}
}

func (s *service) SetCompressionLevel(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressionLevel = level
	if c, ok := s.disk.dev.(device.Compressor); ok {
		c.SetCompressionLevel(level)
	}
}

func (s *service) SetClearOnShutdown(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearOnShutdown = v
}

func (s *service) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offlineMode = offline
}
