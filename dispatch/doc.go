// Package dispatch serializes every instrument operation onto a single owner.
//
// The Dispatcher is the only goroutine allowed to touch the instrument. Callers
// (server sessions, or in-process code) Submit a named operation and get back a
// Ticket; the call is placed in a bounded FIFO mailbox and the Dispatcher
// executes calls strictly in the order they entered it, across all callers.
//
// Correlation:
//
// Each submission is paired with its own single-use completion slot in the
// Registry, keyed by a correlation id unique among outstanding calls. The
// Dispatcher writes a result only into the slot of the call that produced it,
// so a waiter can never observe another caller's result.
//
// Failure handling:
//
//   - Unknown operation names are answered with an error; the loop continues.
//   - Handler errors and panics are converted into OperationError; the loop continues.
//   - A handler error wrapping ErrInstrumentLost stops the Dispatcher; Run returns it.
//   - A full mailbox blocks Submit (backpressure); nothing is dropped.
//
// Example Usage:
//
//	table, err := dispatch.NewOperationTable(ops...)
//	d, err := dispatch.NewDispatcher(table, dispatch.WithMailboxSize(100))
//	go d.Run(ctx)
//
//	res, err := d.Call(ctx, "getHighTension", dispatch.Args{})
package dispatch
