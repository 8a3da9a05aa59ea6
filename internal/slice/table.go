package slice

import (
	"encoding/json"
	"fmt"
)

// GangType is the kind of gang a slice executes on.
type GangType int

const (
	GangUnallocated GangType = iota
	GangPrimaryWriter
	GangPrimaryReader
	GangSingletonReader
	GangEntryDBReader
)

// WriterGangID is the id the gang pool reserves for the global writer gang.
const WriterGangID = 1

var gangTypeNames = map[GangType]string{
	GangUnallocated:     "unallocated",
	GangPrimaryWriter:   "primary_writer",
	GangPrimaryReader:   "primary_reader",
	GangSingletonReader: "singleton_reader",
	GangEntryDBReader:   "entrydb_reader",
}

func (g GangType) String() string {
	if name, ok := gangTypeNames[g]; ok {
		return name
	}
	return fmt.Sprintf("gangtype(%d)", int(g))
}

func (g GangType) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.String())
}

func (g *GangType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		var n int
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("gang type: %w", err)
		}
		*g = GangType(n)
		return nil
	}
	for k, v := range gangTypeNames {
		if v == name {
			*g = k
			return nil
		}
	}
	return fmt.Errorf("unknown gang type %q", name)
}

// DirectDispatch names the contents a slice was proven to need.
type DirectDispatch struct {
	IsDirect   bool  `json:"is_direct"`
	ContentIDs []int `json:"content_ids,omitempty"`
}

// Slice is one fragment of a partitioned plan.
type Slice struct {
	Index    int            `json:"index"`
	Children []int          `json:"children,omitempty"`
	GangType GangType       `json:"gang_type"`
	GangID   int            `json:"gang_id"` // 0 = not yet resolved
	Direct   DirectDispatch `json:"direct,omitempty"`
}

// Resolved reports whether the slice has a gang to dispatch to.
func (s *Slice) Resolved() bool {
	return s.GangType != GangUnallocated && s.GangID != 0
}

// IsWriter reports whether the slice runs on the global writer gang.
func (s *Slice) IsWriter() bool {
	return s.GangID == WriterGangID
}

// Table is the slice DAG of one statement. LocalSlice is a cursor owned
// by the dispatch call in progress; it is restored before the call returns.
type Table struct {
	Slices       []*Slice `json:"slices"`
	NumMotions   int      `json:"num_motions"`
	NumInitPlans int      `json:"num_init_plans"`
	LocalSlice   int      `json:"local_slice"`
}

// Len returns the number of slices.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Slices)
}

// Validate checks that root is a legal entry point and that every
// slice index and child edge is in range.
func (t *Table) Validate(root int) error {
	if t == nil || len(t.Slices) == 0 {
		return &TableError{Err: ErrInvalidTable, Msg: "empty slice table", Slice: -1}
	}
	if !(root == 0 || (root > t.NumMotions && root <= t.NumMotions+t.NumInitPlans)) {
		return &TableError{Err: ErrInvalidTable, Slice: root,
			Msg: fmt.Sprintf("root %d is neither 0 nor an init plan in (%d, %d]", root, t.NumMotions, t.NumMotions+t.NumInitPlans)}
	}
	if root >= len(t.Slices) {
		return &TableError{Err: ErrInvalidTable, Slice: root, Msg: "root index out of range"}
	}
	for i, s := range t.Slices {
		if s == nil {
			return &TableError{Err: ErrInvalidTable, Slice: i, Msg: "nil slice"}
		}
		if s.Index != i {
			return &TableError{Err: ErrInvalidTable, Slice: i, Msg: fmt.Sprintf("slice at position %d has index %d", i, s.Index)}
		}
		for _, c := range s.Children {
			if c < 0 || c >= len(t.Slices) {
				return &TableError{Err: ErrInvalidTable, Slice: i, Msg: fmt.Sprintf("child %d out of range", c)}
			}
		}
	}
	return nil
}
