// Package utility parses command text into the statement tree shipped
// alongside utility commands.
package utility

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
)

var (
	ErrEmptyStatement    = errors.New("no statement found")
	ErrMultipleStatement = errors.New("exactly one statement is supported")
)

// Kind is the coarse class of a statement.
type Kind int

const (
	KindUtility Kind = iota
	KindSet
	KindReset
	KindSelect
	KindDML
)

func (k Kind) String() string {
	switch k {
	case KindSet:
		return "SET"
	case KindReset:
		return "RESET"
	case KindSelect:
		return "SELECT"
	case KindDML:
		return "DML"
	default:
		return "UTILITY"
	}
}

// Statement is one parsed statement.
type Statement struct {
	Text string
	Kind Kind
	// Name is the variable a SET or RESET acts on; empty for RESET ALL.
	Name string

	tree *pg_query.ParseResult
}

// Parse parses text, which must hold exactly one statement.
func Parse(text string) (*Statement, error) {
	tree, err := pg_query.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQL: %w", err)
	}
	switch len(tree.Stmts) {
	case 0:
		return nil, ErrEmptyStatement
	case 1:
	default:
		return nil, fmt.Errorf("%w: got %d", ErrMultipleStatement, len(tree.Stmts))
	}

	stmt := &Statement{Text: strings.TrimSpace(text), tree: tree}
	node := tree.Stmts[0].Stmt

	if set := node.GetVariableSetStmt(); set != nil {
		stmt.Name = set.Name
		switch set.Kind {
		case pg_query.VariableSetKind_VAR_RESET, pg_query.VariableSetKind_VAR_RESET_ALL:
			stmt.Kind = KindReset
		default:
			stmt.Kind = KindSet
		}
		return stmt, nil
	}

	switch {
	case node.GetSelectStmt() != nil:
		stmt.Kind = KindSelect
	case node.GetInsertStmt() != nil, node.GetUpdateStmt() != nil, node.GetDeleteStmt() != nil:
		stmt.Kind = KindDML
	default:
		stmt.Kind = KindUtility
	}
	return stmt, nil
}

// IsSet reports whether the statement changes a session variable.
func (s *Statement) IsSet() bool {
	return s.Kind == KindSet || s.Kind == KindReset
}

// Querytree returns the binary parse tree.
func (s *Statement) Querytree() ([]byte, error) {
	data, err := proto.Marshal(s.tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parse tree: %w", err)
	}
	return data, nil
}

// Fingerprint returns the statement's normalized fingerprint, stable across
// literal values and whitespace.
func (s *Statement) Fingerprint() (string, error) {
	return pg_query.Fingerprint(s.Text)
}
