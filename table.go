package netcache

import "container/list"

// activeTable maps a full key to its single live entry.
type activeTable struct {
	m        map[string]*entry
	maxCount int
}

func newActiveTable() activeTable { return activeTable{m: make(map[string]*entry)} }

func (t *activeTable) get(key string) *entry { return t.m[key] }

func (t *activeTable) add(e *entry) {
	t.m[e.key] = e
	e.active = true
	if len(t.m) > t.maxCount {
		t.maxCount = len(t.m)
	}
}

func (t *activeTable) remove(e *entry) {
	if !e.active {
		return
	}
	if t.m[e.key] == e {
		delete(t.m, e.key)
	}
	e.active = false
}

func (t *activeTable) len() int { return len(t.m) }

// snapshot returns the live entries matching keep. Callers may doom them
// while iterating the result.
func (t *activeTable) snapshot(keep func(*entry) bool) []*entry {
	out := make([]*entry, 0, len(t.m))
	for _, e := range t.m {
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// doomList holds doomed entries that still have descriptors or requests.
type doomList struct{ l list.List }

func (d *doomList) push(e *entry) { e.doomElem = d.l.PushBack(e) }

func (d *doomList) remove(e *entry) {
	if e.doomElem == nil {
		return
	}
	d.l.Remove(e.doomElem)
	e.doomElem = nil
}

func (d *doomList) len() int { return d.l.Len() }

func (d *doomList) front() *entry {
	if el := d.l.Front(); el != nil {
		return el.Value.(*entry)
	}
	return nil
}
