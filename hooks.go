package netcache

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// They are called with the service lock held; they must not call back into the service.
type Hooks interface {
	// An entry was doomed.
	// reason ∈ {"replaced", "expired", "requested", "too_big", "bind_failed", "abandoned", "evicted", "private", "shutdown"}
	EntryDoomed(key, reason string)

	// A device failed to initialize and is disabled for the rest of the session.
	DeviceDisabled(device string, err error)

	// BindEntry failed on a device; the coordinator may try the next one.
	BindFailed(key, device string, err error)

	// An entry's predicted or actual size exceeds a device's per-entry cap.
	EntryTooBig(key, device string, size int64)

	// A smart disk capacity was applied.
	SmartSizeComputed(kb int64)

	// A listener notification could not be dispatched to its target.
	ListenerDispatchFailed(key string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) EntryDoomed(string, string)           {}
func (NopHooks) DeviceDisabled(string, error)         {}
func (NopHooks) BindFailed(string, string, error)     {}
func (NopHooks) EntryTooBig(string, string, int64)    {}
func (NopHooks) SmartSizeComputed(int64)              {}
func (NopHooks) ListenerDispatchFailed(string, error) {}
