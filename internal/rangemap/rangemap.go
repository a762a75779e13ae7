// Package rangemap tracks which half-open byte ranges of a blob are
// resident in memory. Ranges are kept disjoint and non-adjacent; any
// insert that touches an existing range merges with it.
package rangemap

import (
	"github.com/google/btree"
)

// Span is a half-open interval [Start, End) of byte offsets.
type Span struct {
	Start int64
	End   int64
}

// Map is an ordered set of disjoint, non-adjacent, non-empty spans.
// It is not safe for concurrent use; callers serialize access.
type Map struct {
	tree *btree.BTreeG[Span]
}

func New() *Map {
	return &Map{
		tree: btree.NewG(8, func(a, b Span) bool { return a.Start < b.Start }),
	}
}

// ContainsRange reports whether [a, b) lies inside a single resident
// span. Empty ranges are trivially contained.
func (m *Map) ContainsRange(a, b int64) bool {
	if a >= b {
		return true
	}
	ok := false
	m.tree.DescendLessOrEqual(Span{Start: a}, func(s Span) bool {
		ok = s.End >= b
		return false
	})
	return ok
}

// Holes returns, in increasing order, the sub-intervals of [a, b) that
// are not resident.
func (m *Map) Holes(a, b int64) []Span {
	if a >= b {
		return nil
	}
	var holes []Span
	cur := a
	m.tree.DescendLessOrEqual(Span{Start: a}, func(s Span) bool {
		if s.End > cur {
			cur = s.End
		}
		return false
	})
	m.tree.AscendGreaterOrEqual(Span{Start: a}, func(s Span) bool {
		if s.Start >= b {
			return false
		}
		if s.Start > cur {
			holes = append(holes, Span{Start: cur, End: s.Start})
		}
		if s.End > cur {
			cur = s.End
		}
		return true
	})
	if cur < b {
		holes = append(holes, Span{Start: cur, End: b})
	}
	return holes
}

// Insert adds [a, b), merging with every span it intersects or touches.
// Inserting an empty range is a no-op.
func (m *Map) Insert(a, b int64) {
	if a >= b {
		return
	}
	start, end := a, b
	var absorb []Span
	m.tree.DescendLessOrEqual(Span{Start: a}, func(s Span) bool {
		if s.End >= a {
			absorb = append(absorb, s)
		}
		return false
	})
	m.tree.AscendGreaterOrEqual(Span{Start: a}, func(s Span) bool {
		if s.Start > b {
			return false
		}
		absorb = append(absorb, s)
		return true
	})
	for _, s := range absorb {
		m.tree.Delete(s)
		if s.Start < start {
			start = s.Start
		}
		if s.End > end {
			end = s.End
		}
	}
	m.tree.ReplaceOrInsert(Span{Start: start, End: end})
}

// ClipAt drops every span at or above limit and shrinks a span crossing
// limit so it ends there. Clipping exactly at an existing endpoint
// leaves the map unchanged.
func (m *Map) ClipAt(limit int64) {
	if limit < 0 {
		limit = 0
	}
	var drop []Span
	m.tree.AscendGreaterOrEqual(Span{Start: limit}, func(s Span) bool {
		drop = append(drop, s)
		return true
	})
	for _, s := range drop {
		m.tree.Delete(s)
	}
	var cross *Span
	m.tree.DescendLessOrEqual(Span{Start: limit}, func(s Span) bool {
		if s.End > limit {
			cross = &s
		}
		return false
	})
	if cross != nil {
		m.tree.Delete(*cross)
		if cross.Start < limit {
			m.tree.ReplaceOrInsert(Span{Start: cross.Start, End: limit})
		}
	}
}

// Spans returns all resident spans in ascending order.
func (m *Map) Spans() []Span {
	out := make([]Span, 0, m.tree.Len())
	m.tree.Ascend(func(s Span) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Len returns the number of resident spans.
func (m *Map) Len() int {
	return m.tree.Len()
}
