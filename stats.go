package netcache

import "github.com/unkn0wn-root/netcache/device"

type counters struct {
	hits        uint64
	misses      uint64
	created     uint64
	doomed      uint64
	deactivated uint64
}

// Stats is a point-in-time snapshot of the service.
type Stats struct {
	Hits           uint64 // opens that found an entry (active or stored)
	Misses         uint64
	EntriesCreated uint64
	EntriesDoomed  uint64
	Deactivations  uint64
	Active         int // entries in the active table
	MaxActive      int
	Doomed         int // entries on the doom list
	Devices        []device.Usage
}

func (s *service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Hits:           s.stats.hits,
		Misses:         s.stats.misses,
		EntriesCreated: s.stats.created,
		EntriesDoomed:  s.stats.doomed,
		Deactivations:  s.stats.deactivated,
		Active:         s.active.len(),
		MaxActive:      s.active.maxCount,
		Doomed:         s.doomed.len(),
	}
	for _, sl := range []*deviceSlot{&s.memory, &s.disk, &s.offline} {
		if sl.dev != nil {
			st.Devices = append(st.Devices, sl.dev.Usage())
		}
	}
	return st
}
