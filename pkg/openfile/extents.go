package openfile

import "sort"

// extent is a half-open byte range [start, end).
type extent struct {
	start, end int64
}

func (e extent) len() int64 { return e.end - e.start }

// extentSet is a sorted list of disjoint, non-adjacent extents.
type extentSet []extent

// add merges [start, end) into the set.
func (s *extentSet) add(start, end int64) {
	if end <= start {
		return
	}
	cur := *s
	// First extent whose end reaches start (touching extents merge).
	i := sort.Search(len(cur), func(i int) bool { return cur[i].end >= start })
	j := i
	for j < len(cur) && cur[j].start <= end {
		start = min(start, cur[j].start)
		end = max(end, cur[j].end)
		j++
	}
	merged := make(extentSet, 0, len(cur)-(j-i)+1)
	merged = append(merged, cur[:i]...)
	merged = append(merged, extent{start, end})
	merged = append(merged, cur[j:]...)
	*s = merged
}

// truncate drops everything at or beyond n.
func (s *extentSet) truncate(n int64) {
	cur := *s
	out := cur[:0]
	for _, e := range cur {
		if e.start >= n {
			break
		}
		if e.end > n {
			e.end = n
		}
		out = append(out, e)
	}
	*s = out
}

// overlapping returns the parts of the set inside [start, end).
func (s extentSet) overlapping(start, end int64) []extent {
	var out []extent
	i := sort.Search(len(s), func(i int) bool { return s[i].end > start })
	for ; i < len(s) && s[i].start < end; i++ {
		out = append(out, extent{max(start, s[i].start), min(end, s[i].end)})
	}
	return out
}

// holes returns the parts of [start, end) not covered by the set.
func (s extentSet) holes(start, end int64) []extent {
	var out []extent
	pos := start
	for _, e := range s.overlapping(start, end) {
		if e.start > pos {
			out = append(out, extent{pos, e.start})
		}
		pos = e.end
	}
	if pos < end {
		out = append(out, extent{pos, end})
	}
	return out
}

