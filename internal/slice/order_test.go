package slice

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func reader(idx, gang int, children ...int) *Slice {
	return &Slice{Index: idx, Children: children, GangType: GangPrimaryReader, GangID: gang}
}

func diamond() *Table {
	// 0 -> {1, 2}, 1 -> 3, 2 -> 3
	return &Table{
		Slices: []*Slice{
			reader(0, 2, 1, 2),
			reader(1, 3, 3),
			reader(2, 4, 3),
			reader(3, 5),
		},
		NumMotions: 3,
	}
}

func dependentsOf(o *Order, idx int) int {
	for _, e := range o.Entries {
		if e.Index == idx {
			return e.Dependents
		}
	}
	return -1
}

func TestScheduleDiamondCountsSharedDescendantOnce(t *testing.T) {
	o, err := Schedule(diamond(), 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := dependentsOf(o, 0); got != 3 {
		t.Errorf("root dependents = %d, want 3", got)
	}
	if o.Participants != 4 {
		t.Errorf("participants = %d, want 4", o.Participants)
	}
	if got, want := o.Indexes(), []int{3, 1, 2, 0}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestScheduleChildrenBeforeParents(t *testing.T) {
	tbl := &Table{
		Slices: []*Slice{
			reader(0, 2, 1),
			reader(1, 3, 2, 4),
			reader(2, 4, 3),
			reader(3, 5),
			reader(4, 6, 3),
		},
		NumMotions: 4,
	}
	o, err := Schedule(tbl, 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	pos := make(map[int]int)
	for i, idx := range o.Indexes() {
		pos[idx] = i
	}
	for _, s := range tbl.Slices {
		for _, c := range s.Children {
			if pos[c] > pos[s.Index] {
				t.Errorf("child %d scheduled after parent %d", c, s.Index)
			}
		}
	}
}

func TestScheduleWriterFirst(t *testing.T) {
	tbl := diamond()
	// The root runs on the writer gang and has the most dependents.
	tbl.Slices[0].GangType = GangPrimaryWriter
	tbl.Slices[0].GangID = WriterGangID

	o, err := Schedule(tbl, 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if o.Entries[0].Index != 0 {
		t.Errorf("first entry = %d, want writer slice 0", o.Entries[0].Index)
	}
}

func TestScheduleUnresolvedLastAndNotDispatched(t *testing.T) {
	tbl := diamond()
	tbl.Slices[3].GangType = GangUnallocated
	tbl.Slices[3].GangID = 0

	o, err := Schedule(tbl, 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if last := o.Entries[len(o.Entries)-1]; last.Index != 3 {
		t.Errorf("last entry = %d, want unresolved slice 3", last.Index)
	}
	for _, e := range o.Dispatchable() {
		if e.Index == 3 {
			t.Fatal("unresolved slice appears in dispatchable output")
		}
	}
	if n := len(o.Dispatchable()); n != 3 {
		t.Errorf("dispatchable = %d, want 3", n)
	}
}

func TestScheduleInitPlanRoot(t *testing.T) {
	tbl := &Table{
		Slices: []*Slice{
			reader(0, 2, 1),
			reader(1, 3),
			reader(2, 4, 3),
			reader(3, 5),
		},
		NumMotions:   1,
		NumInitPlans: 2,
	}
	o, err := Schedule(tbl, 2)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got, want := o.Indexes(), []int{3, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}

	if _, err := Schedule(tbl, 1); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("root 1 is a motion, want ErrInvalidTable, got %v", err)
	}
}

func TestScheduleRejectsMalformedTables(t *testing.T) {
	tests := []struct {
		name string
		tbl  *Table
		want error
	}{
		{"empty", &Table{}, ErrInvalidTable},
		{"child out of range", &Table{Slices: []*Slice{reader(0, 2, 7)}}, ErrInvalidTable},
		{"index mismatch", &Table{Slices: []*Slice{reader(0, 2, 1), reader(5, 3)}}, ErrInvalidTable},
		{"cycle", &Table{Slices: []*Slice{reader(0, 2, 1), reader(1, 3, 2), reader(2, 4, 1)}}, ErrCycle},
		{"self loop", &Table{Slices: []*Slice{reader(0, 2, 0)}}, ErrCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Schedule(tt.tbl, 0)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var te *TableError
			if !errors.As(err, &te) {
				t.Fatalf("err %T is not a *TableError", err)
			}
		})
	}
}

func TestTableJSON(t *testing.T) {
	data := []byte(`{
		"slices": [
			{"index": 0, "children": [1], "gang_type": "primary_writer", "gang_id": 1},
			{"index": 1, "gang_type": "primary_reader", "gang_id": 2,
			 "direct": {"is_direct": true, "content_ids": [1]}}
		],
		"num_motions": 1
	}`)
	var tbl Table
	if err := json.Unmarshal(data, &tbl); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if tbl.Slices[0].GangType != GangPrimaryWriter || !tbl.Slices[0].IsWriter() {
		t.Errorf("slice 0 = %+v", tbl.Slices[0])
	}
	if !tbl.Slices[1].Direct.IsDirect || tbl.Slices[1].Direct.ContentIDs[0] != 1 {
		t.Errorf("slice 1 direct = %+v", tbl.Slices[1].Direct)
	}
	o, err := Schedule(&tbl, 0)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if o.Entries[0].Index != 0 {
		t.Errorf("writer slice should be first, got %v", o.Indexes())
	}
}
