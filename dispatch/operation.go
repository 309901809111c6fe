package dispatch

import (
	"fmt"
	"slices"

	"github.com/arloliu/go-temserver/envelope"
)

// Handler executes one operation against the instrument.
// It runs on the dispatcher goroutine only.
type Handler func(args Args) (any, error)

// Operation is one entry of the closed operation table.
type Operation struct {
	Name    string
	Handler Handler
	// Doc is a one-line description returned by listOperations-style handlers.
	Doc string
}

// OperationTable is the immutable set of operations the dispatcher accepts.
type OperationTable struct {
	ops   map[string]Operation
	names []string
}

// NewOperationTable validates ops and builds the table.
//
// Names must be non-empty, unique, and must not collide with session directives;
// every operation needs a handler.
func NewOperationTable(ops ...Operation) (*OperationTable, error) {
	table := &OperationTable{ops: make(map[string]Operation, len(ops))}

	for _, op := range ops {
		switch {
		case op.Name == "":
			return nil, fmt.Errorf("%w: empty name", ErrInvalidOperation)
		case op.Handler == nil:
			return nil, fmt.Errorf("%w: %q has no handler", ErrInvalidOperation, op.Name)
		case envelope.IsReservedOp(op.Name):
			return nil, fmt.Errorf("%w: %q", ErrReservedOperation, op.Name)
		}

		if _, exists := table.ops[op.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateOperation, op.Name)
		}

		table.ops[op.Name] = op
		table.names = append(table.names, op.Name)
	}

	slices.Sort(table.names)

	return table, nil
}

// Lookup returns the operation registered under name.
func (t *OperationTable) Lookup(name string) (Operation, bool) {
	op, ok := t.ops[name]
	return op, ok
}

// Names returns the sorted operation names.
func (t *OperationTable) Names() []string {
	return slices.Clone(t.names)
}

// Len returns the number of operations.
func (t *OperationTable) Len() int {
	return len(t.ops)
}
