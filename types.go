package netcache

import "strings"

// AccessMode is a bit set of requested or granted access.
type AccessMode uint8

const (
	AccessNone      AccessMode = 0
	AccessRead      AccessMode = 1 << 0
	AccessWrite     AccessMode = 1 << 1
	AccessReadWrite            = AccessRead | AccessWrite
)

func (a AccessMode) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read_write"
	default:
		return "invalid"
	}
}

// StoragePolicy restricts which devices may hold an entry.
type StoragePolicy uint8

const (
	StoreAnywhere StoragePolicy = iota
	StoreInMemory
	StoreOnDisk
	StoreOnDiskAsFile
	StoreOffline
)

func (p StoragePolicy) String() string {
	switch p {
	case StoreAnywhere:
		return "anywhere"
	case StoreInMemory:
		return "memory"
	case StoreOnDisk:
		return "disk"
	case StoreOnDiskAsFile:
		return "disk_as_file"
	case StoreOffline:
		return "offline"
	default:
		return "invalid"
	}
}

// ParseStoragePolicy accepts the names produced by StoragePolicy.String.
func ParseStoragePolicy(s string) (StoragePolicy, bool) {
	for p := StoreAnywhere; p <= StoreOffline; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}

func (p StoragePolicy) allowsMemory() bool { return p == StoreAnywhere || p == StoreInMemory }

func (p StoragePolicy) allowsDisk() bool {
	return p == StoreAnywhere || p == StoreOnDisk || p == StoreOnDiskAsFile
}

func (p StoragePolicy) allowsOffline() bool { return p == StoreOffline }

// JoinKey builds the full cache key for a client and a resource key.
func JoinKey(clientID, key string) string { return clientID + ":" + key }

// SplitKey is the inverse of JoinKey. Resource keys may contain ':'.
func SplitKey(full string) (clientID, key string, ok bool) {
	return strings.Cut(full, ":")
}
