package slice

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
)

// Entry is one scheduled slice and its distinct descendant count.
type Entry struct {
	Index      int
	Dependents int
	Slice      *Slice
}

// Order is the dispatch order computed for one root.
type Order struct {
	Root         int
	Entries      []Entry
	Participants int // root plus its distinct descendants
}

// Dispatchable returns the entries that have a resolved gang, in order.
func (o *Order) Dispatchable() []Entry {
	out := make([]Entry, 0, len(o.Entries))
	for _, e := range o.Entries {
		if e.Slice.Resolved() {
			out = append(out, e)
		}
	}
	return out
}

// Indexes returns the slice indexes of every entry, in order.
func (o *Order) Indexes() []int {
	out := make([]int, len(o.Entries))
	for i, e := range o.Entries {
		out[i] = e.Index
	}
	return out
}

const (
	unvisited = iota
	visiting
	done
)

type scheduler struct {
	table *Table
	state []int
	desc  []*roaring.Bitmap
}

// Schedule orders every slice reachable from root so that children are
// dispatched before their parents. A slice reachable along several paths
// is counted once. The writer-gang slice is always first and slices with
// no resolved gang are last.
func Schedule(t *Table, root int) (*Order, error) {
	if err := t.Validate(root); err != nil {
		return nil, err
	}

	s := &scheduler{
		table: t,
		state: make([]int, len(t.Slices)),
		desc:  make([]*roaring.Bitmap, len(t.Slices)),
	}
	rootSet, err := s.descendants(root)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, rootSet.GetCardinality()+1)
	for i, set := range s.desc {
		if set == nil {
			continue
		}
		entries = append(entries, Entry{
			Index:      i,
			Dependents: int(set.GetCardinality()),
			Slice:      t.Slices[i],
		})
	}
	slices.SortFunc(entries, compareEntries)

	return &Order{
		Root:         root,
		Entries:      entries,
		Participants: 1 + int(rootSet.GetCardinality()),
	}, nil
}

// descendants returns the set of slices reachable from idx, excluding idx.
func (s *scheduler) descendants(idx int) (*roaring.Bitmap, error) {
	switch s.state[idx] {
	case done:
		return s.desc[idx], nil
	case visiting:
		return nil, &TableError{Err: ErrCycle, Slice: idx, Msg: "slice reaches itself"}
	}
	s.state[idx] = visiting

	set := roaring.New()
	for _, child := range s.table.Slices[idx].Children {
		if child == idx {
			return nil, &TableError{Err: ErrCycle, Slice: idx, Msg: "slice lists itself as a child"}
		}
		childSet, err := s.descendants(child)
		if err != nil {
			return nil, err
		}
		set.Or(childSet)
		set.Add(uint32(child))
	}

	s.state[idx] = done
	s.desc[idx] = set
	return set, nil
}

func rank(s *Slice) int {
	switch {
	case !s.Resolved():
		return 2
	case s.IsWriter():
		return 0
	default:
		return 1
	}
}

func compareEntries(a, b Entry) int {
	if c := cmp.Compare(rank(a.Slice), rank(b.Slice)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Dependents, b.Dependents); c != 0 {
		return c
	}
	return cmp.Compare(a.Index, b.Index)
}

func (e Entry) String() string {
	return fmt.Sprintf("slice %d (gang %d, %s, %d dependents)", e.Index, e.Slice.GangID, e.Slice.GangType, e.Dependents)
}
