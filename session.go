package netcache

import (
	"context"

	"github.com/unkn0wn-root/netcache/device"
)

// Session groups requests of one client. All keys opened through a session
// are prefixed with its client ID.
type Session struct {
	svc           *service
	clientID      string
	policy        StoragePolicy
	streamBased   bool
	private       bool
	doomIfExpired bool
	offline       device.Device
	target        Target
}

type SessionOption func(*Session)

// WithPrivate marks every entry created through the session private.
// Private entries live in memory only.
func WithPrivate() SessionOption {
	return func(s *Session) { s.private = true }
}

// WithDoomIfExpired controls whether opening an expired entry dooms it.
// Default true. Offline entries never expire.
func WithDoomIfExpired(v bool) SessionOption {
	return func(s *Session) { s.doomIfExpired = v }
}

// WithOfflineDevice routes offline storage to dev instead of the default
// offline device. The service initializes dev on first use and shuts it down
// with the service.
func WithOfflineDevice(dev device.Device) SessionOption {
	return func(s *Session) { s.offline = dev }
}

// WithCallbackTarget makes listeners for this session run on t instead of the
// service's default callback target.
func WithCallbackTarget(t Target) SessionOption {
	return func(s *Session) { s.target = t }
}

func (s *Session) ClientID() string             { return s.clientID }
func (s *Session) StoragePolicy() StoragePolicy { return s.policy }
func (s *Session) IsStreamBased() bool          { return s.streamBased }
func (s *Session) IsPrivate() bool              { return s.private }

// OpenCacheEntry opens key with the requested access. See Service.OpenCacheEntry.
func (s *Session) OpenCacheEntry(ctx context.Context, key string, access AccessMode, blocking bool, l Listener) (*Descriptor, error) {
	return s.svc.OpenCacheEntry(ctx, s, key, access, blocking, l)
}

// DoomEntry dooms key asynchronously. See Service.DoomEntry.
func (s *Session) DoomEntry(key string, l DoomListener) error {
	return s.svc.DoomEntry(s, key, l)
}

// EvictEntries removes every stored entry of this client on the devices the
// session's policy selects.
func (s *Session) EvictEntries(ctx context.Context) error {
	return s.svc.evictEntries(ctx, s.clientID, s.policy)
}

// IsStorageEnabled reports whether any enabled device accepts the session's policy.
func (s *Session) IsStorageEnabled() bool {
	s.svc.mu.Lock()
	defer s.svc.mu.Unlock()
	return s.svc.storageEnabledLocked(s.policy)
}
