package slice

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTable is returned for malformed slice tables.
	ErrInvalidTable = errors.New("invalid slice table")
	// ErrCycle is returned when child edges do not form a DAG.
	ErrCycle = errors.New("slice dependency cycle")
)

// TableError reports which slice made a table unschedulable.
type TableError struct {
	Err   error
	Slice int
	Msg   string
}

func (e *TableError) Error() string {
	if e.Slice < 0 {
		return fmt.Sprintf("%v: %s", e.Err, e.Msg)
	}
	return fmt.Sprintf("%v: slice %d: %s", e.Err, e.Slice, e.Msg)
}

func (e *TableError) Unwrap() error {
	return e.Err
}
