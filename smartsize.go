package netcache

import (
	"time"

	psdisk "github.com/shirou/gopsutil/v4/disk"

	"github.com/unkn0wn-root/netcache/device"
)

const (
	// DefaultMaxSmartSizeKB caps a computed disk capacity.
	DefaultMaxSmartSizeKB = 350 * 1024
	// MinSmartSizeKB is the smallest computed disk capacity.
	MinSmartSizeKB = 50 * 1024

	defaultSmartSizeDelay = 3 * time.Minute
	smartSizeCeilingKB    = 100 * 1024 * 1024 // above this much space, use the max
)

// SmartCacheSize returns a disk cache capacity for availKB of usable space
// (free space plus what the cache already uses), capped at maxKB.
//
// The cache takes 40% of the first 500 MB (at least 50 MB), 5% from 500 MB to
// 7 GB, 1% from 7 GB to 25 GB and 0.5% beyond. Results move in 10 MB steps
// so small free-space changes do not resize the cache and evict entries.
func SmartCacheSize(availKB, maxKB int64) int64 {
	if maxKB <= 0 {
		maxKB = DefaultMaxSmartSizeKB
	}
	if availKB > smartSizeCeilingKB {
		return maxKB
	}

	var sz10MBs int64
	avail10MBs := availKB / (1024 * 10)
	if avail10MBs < 0 {
		avail10MBs = 0
	}
	if avail10MBs > 2500 {
		sz10MBs += (avail10MBs - 2500) * 5 / 1000
		avail10MBs = 2500
	}
	if avail10MBs > 700 {
		sz10MBs += (avail10MBs - 700) / 100
		avail10MBs = 700
	}
	if avail10MBs > 50 {
		sz10MBs += (avail10MBs - 50) * 5 / 100
		avail10MBs = 50
	}
	sz10MBs += max(5, avail10MBs*4/10)

	return min(maxKB, sz10MBs*10*1024)
}

// diskFreeSpace is the default SpaceProber.
func diskFreeSpace(dir string) (uint64, error) {
	u, err := psdisk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

type smartSizer struct {
	enabled bool
	delay   time.Duration
	maxKB   int64
	probe   SpaceProber
	timer   *time.Timer
}

func newSmartSizer(opts Options) smartSizer {
	sz := smartSizer{
		enabled: opts.SmartSize,
		delay:   coalesce(opts.SmartSizeDelay, defaultSmartSizeDelay),
		maxKB:   coalesce(opts.MaxSmartSizeKB, int64(DefaultMaxSmartSizeKB)),
		probe:   opts.SpaceProber,
	}
	if sz.probe == nil {
		sz.probe = diskFreeSpace
	}
	return sz
}

// scheduleSmartSizeLocked arms the one-shot recomputation timer. The delay
// keeps a freshly created disk cache from evicting entries during startup.
func (s *service) scheduleSmartSizeLocked(delay time.Duration) {
	if !s.smart.enabled || s.disk.dev == nil || !s.initialized {
		return
	}
	if s.smart.timer != nil {
		s.smart.timer.Stop()
	}
	s.smart.timer = time.AfterFunc(delay, s.smartSizeTimerFired)
}

func (s *service) stopSmartSizeLocked() {
	if s.smart.timer != nil {
		s.smart.timer.Stop()
		s.smart.timer = nil
	}
}

// smartSizeTimerFired moves the free-space probe onto the io queue.
func (s *service) smartSizeTimerFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || !s.smart.enabled || s.disk.dev == nil {
		return
	}
	dev, dir, probe, maxKB := s.disk.dev, s.diskDir, s.smart.probe, s.smart.maxKB
	if err := s.io.Dispatch(func() { s.computeSmartSize(dev, dir, probe, maxKB) }); err != nil {
		s.log.Debug("smart size not scheduled", Fields{"err": err})
	}
}

// computeSmartSize runs on the io queue without the service lock and hands
// the result to the owner queue, which applies it.
func (s *service) computeSmartSize(dev device.Device, dir string, probe SpaceProber, maxKB int64) {
	free, err := probe(dir)
	if err != nil {
		s.log.Warn("smart size probe failed", Fields{"dir": dir, "err": err})
		return
	}
	availKB := int64(free/1024) + dev.Usage().TotalSizeKB
	kb := SmartCacheSize(availKB, maxKB)
	if err := s.owner.Dispatch(func() { s.applySmartSize(kb) }); err != nil {
		s.log.Debug("smart size not applied", Fields{"kb": kb, "err": err})
	}
}

func (s *service) applySmartSize(kb int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || !s.smart.enabled {
		return
	}
	s.disk.capacityKB = kb
	if s.disk.dev != nil {
		s.disk.dev.SetCapacity(kb)
	}
	s.log.Info("smart disk capacity applied", Fields{"capacity_kb": kb})
	s.hooks.SmartSizeComputed(kb)
}
