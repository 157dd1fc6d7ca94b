package netcache

import (
	"context"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/netcache/device"
)

// Shutdown dooms every active entry and releases the doom list, failing
// queued requests and detaching descriptors. It then drains both workers and
// shuts the devices down in parallel. With ClearOnShutdown the disk
// directory is removed afterwards.
func (s *service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	s.stopSmartSizeLocked()

	for _, e := range s.active.snapshot(nil) {
		s.doomEntryLocked(ctx, e, false, "shutdown")
	}
	for e := s.doomed.front(); e != nil; e = s.doomed.front() {
		s.releaseLocked(ctx, e)
	}

	devs := s.devicesLocked()
	wipe, dir := s.clearOnShutdown, s.diskDir
	fs := s.disk.cfg.Fs
	s.memory.dev, s.disk.dev, s.offline.dev = nil, nil, nil
	s.custom = make(map[device.Device]error)
	s.mu.Unlock()

	// queued callbacks still run; new dispatches fail with worker.ErrClosed
	s.io.Shutdown()
	s.owner.Shutdown()

	var (
		errs []error
		g    errgroup.Group
	)
	devErrs := make([]error, len(devs))
	for i, dev := range devs {
		g.Go(func() error {
			if err := dev.Shutdown(ctx); err != nil {
				devErrs[i] = &DeviceError{Device: dev.Name(), Op: "shutdown", Err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range devErrs {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if wipe && dir != "" {
		if fs == nil {
			fs = afero.NewOsFs()
		}
		if err := fs.RemoveAll(dir); err != nil {
			errs = append(errs, &DeviceError{Device: "disk", Op: "clear", Err: err})
		}
	}

	s.log.Info("cache service stopped", Fields{"devices": len(devs), "errors": len(errs), "cleared": wipe})
	if len(errs) > 0 {
		return &ShutdownError{Errs: errs}
	}
	return nil
}

// releaseLocked fails e's queued requests and detaches its descriptors so it
// can be deactivated while callers still hold them. Detached descriptors
// report ErrNotInitialized.
func (s *service) releaseLocked(ctx context.Context, e *entry) {
	for el := e.requests.Front(); el != nil; {
		next := el.Next()
		r := el.Value.(*request)
		e.removeRequest(r)
		r.err = ErrNotInitialized
		if r.listener == nil {
			r.wakeUp()
		} else {
			s.notifyLocked(r, nil, AccessNone, ErrNotInitialized)
		}
		el = next
	}
	for el := e.descriptors.Front(); el != nil; {
		next := el.Next()
		el.Value.(*Descriptor).elem = nil
		e.descriptors.Remove(el)
		el = next
	}
	s.deactivateEntryLocked(ctx, e)
}

// devicesLocked lists every device that was created and initialized.
func (s *service) devicesLocked() []device.Device {
	var devs []device.Device
	for _, sl := range []*deviceSlot{&s.memory, &s.disk, &s.offline} {
		if sl.dev != nil {
			devs = append(devs, sl.dev)
		}
	}
	for dev, err := range s.custom {
		if err == nil {
			devs = append(devs, dev)
		}
	}
	return devs
}
