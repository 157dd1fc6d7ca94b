// Package netcache implements a network resource cache coordinator.
//
// The coordinator arbitrates concurrent open, read, write and doom requests
// against entries held by three backing devices (memory, disk, offline). It
// keeps at most one live entry per key, serializes writers until an entry is
// validated, binds entries lazily to a device, and runs blocking device work
// on a dedicated background worker.
//
// Components:
//   - Session: a client identifier plus storage policy; requests are opened through it.
//   - Entry: the live record for one key, its pending-request queue and open descriptors.
//   - Descriptor: the caller's handle with a granted access mode.
//   - Device: a backing store (see package device and its subpackages).
//
// Keys:
//
//	<clientID>:<key>  - one entry per full key across all devices
//
// Typical use:
//
//	svc, _ := netcache.New(netcache.Options{DiskDir: dir, SmartSize: true})
//	defer svc.Shutdown(context.Background())
//
//	sess, _ := svc.CreateSession("HTTP", netcache.StoreAnywhere, true)
//	d, err := sess.OpenCacheEntry(ctx, "https://example.com/", netcache.AccessReadWrite, true, nil)
//	if err != nil { ... }
//	defer d.Close()
//	if d.AccessGranted()&netcache.AccessWrite != 0 {
//	    _, _ = d.Write(body)
//	    _ = d.MarkValid()
//	}
package netcache
