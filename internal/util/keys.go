package util

import (
	"fmt"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// HashKey returns the 64-bit slot hash of a full cache key.
func HashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// RecordPath returns the relative file path for a slot hash, sharded into
// 256 directories by the top byte: "ab/ab01...ef.rec".
func RecordPath(h uint64) string {
	name := fmt.Sprintf("%016x", h)
	return path.Join(name[:2], name+".rec")
}

// ParseRecordPath reverses RecordPath for the base name of a record file.
func ParseRecordPath(base string) (uint64, bool) {
	name, ok := strings.CutSuffix(base, ".rec")
	if !ok || len(name) != 16 {
		return 0, false
	}
	var h uint64
	if _, err := fmt.Sscanf(name, "%016x", &h); err != nil {
		return 0, false
	}
	return h, true
}

// EscapeGlob escapes redis glob metacharacters so s matches literally in SCAN MATCH.
func EscapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^', '-':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
