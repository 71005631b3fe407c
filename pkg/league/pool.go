package league

import (
	"sort"
)

// pool is an immutable snapshot. Writers clone it, modify the clone and
// publish it, so readers never observe a half-applied update.
type pool struct {
	entries []Entry
	byID    map[string]int
	seq     uint64
}

func newPool() *pool {
	return &pool{byID: make(map[string]int)}
}

func (p *pool) clone() *pool {
	out := &pool{
		entries: make([]Entry, len(p.entries)),
		byID:    make(map[string]int, len(p.byID)),
		seq:     p.seq,
	}
	copy(out.entries, p.entries)
	for id, i := range p.byID {
		out.byID[id] = i
	}
	return out
}

func (p *pool) get(id string) (Entry, bool) {
	i, ok := p.byID[id]
	if !ok {
		return Entry{}, false
	}
	return p.entries[i], true
}

func (p *pool) put(e Entry) {
	if i, ok := p.byID[e.ID]; ok {
		p.entries[i] = e
		return
	}
	p.byID[e.ID] = len(p.entries)
	p.entries = append(p.entries, e)
}

func (p *pool) active(keep func(Entry) bool) []Entry {
	var out []Entry
	for _, e := range p.entries {
		if !e.Retired && keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (p *pool) list() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
