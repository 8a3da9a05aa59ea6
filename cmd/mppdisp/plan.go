package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kartikbazzad/mppdispatch/internal/dispatch"
	"github.com/kartikbazzad/mppdispatch/internal/slice"
	"github.com/kartikbazzad/mppdispatch/internal/wire"
)

// planFile is the JSON form of a partitioned plan accepted by the CLI.
type planFile struct {
	Table       *slice.Table    `json:"table"`
	Root        int             `json:"root"`
	Tree        json.RawMessage `json:"tree"`
	Command     string          `json:"command"`
	Params      []planParam     `json:"params,omitempty"`
	IsCursor    bool            `json:"is_cursor,omitempty"`
	RequiresTxn bool            `json:"requires_txn,omitempty"`
}

type planParam struct {
	TypeOID uint32  `json:"type_oid"`
	Null    bool    `json:"null,omitempty"`
	Value   *int64  `json:"value,omitempty"`
	Text    *string `json:"text,omitempty"`
}

func loadPlanFile(path string) (*planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf planFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	if pf.Table == nil {
		return nil, fmt.Errorf("plan file %s has no slice table", path)
	}
	if len(pf.Tree) == 0 {
		pf.Tree = json.RawMessage(`{}`)
	}
	return &pf, nil
}

// Plan converts the file into a dispatchable plan.
func (pf *planFile) Plan() *dispatch.Plan {
	params := make([]wire.Param, 0, len(pf.Params))
	for _, p := range pf.Params {
		wp := wire.Param{TypeOID: p.TypeOID, IsNull: p.Null}
		switch {
		case p.Null:
		case p.Text != nil:
			wp.ByRef = true
			wp.Bytes = []byte(*p.Text)
		case p.Value != nil:
			wp.Value = *p.Value
		default:
			wp.IsNull = true
		}
		params = append(params, wp)
	}
	return &dispatch.Plan{
		Table:       pf.Table,
		Root:        pf.Root,
		Tree:        pf.Tree,
		Params:      params,
		Command:     pf.Command,
		IsCursor:    pf.IsCursor,
		RequiresTxn: pf.RequiresTxn,
	}
}
