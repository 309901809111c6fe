package dispatch

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Result is the outcome of one call.
type Result struct {
	CorrelationID uint64
	Op            string
	Value         any
	// Err is nil on success, otherwise usually an *OperationError.
	Err error
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// slot is a single-use completion slot for one outstanding call.
type slot struct {
	ch        chan Result // capacity 1, written at most once
	fulfilled atomic.Bool
}

func (s *slot) deliver(res Result) bool {
	if !s.fulfilled.CompareAndSwap(false, true) {
		return false
	}
	s.ch <- res

	return true
}

// Registry maps correlation ids of outstanding calls to their completion slots.
//
// An entry is opened when the call is submitted, fulfilled once by the
// dispatcher, consumed once by the submitter and then removed. An entry the
// submitter abandoned is removed early, and a result arriving later is discarded.
type Registry struct {
	slots *xsync.MapOf[uint64, *slot]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{slots: xsync.NewMapOf[uint64, *slot]()}
}

// open creates the slot for id. It returns false if id is already outstanding.
func (r *Registry) open(id uint64) (*slot, bool) {
	s := &slot{ch: make(chan Result, 1)}
	if _, loaded := r.slots.LoadOrStore(id, s); loaded {
		return nil, false
	}

	return s, true
}

// fulfill publishes res into the slot for id and wakes only its waiter.
// It returns false if nobody is waiting for id anymore or it was already fulfilled.
func (r *Registry) fulfill(id uint64, res Result) bool {
	s, ok := r.slots.Load(id)
	if !ok {
		return false
	}

	return s.deliver(res)
}

// remove drops the entry after its result was consumed.
func (r *Registry) remove(id uint64) {
	r.slots.Delete(id)
}

// abandon drops the entry of a waiter that gave up.
func (r *Registry) abandon(id uint64) bool {
	_, ok := r.slots.LoadAndDelete(id)
	return ok
}

// failAll delivers a failure result built by mkResult to every outstanding slot.
func (r *Registry) failAll(mkResult func(id uint64) Result) int {
	n := 0
	r.slots.Range(func(id uint64, s *slot) bool {
		if s.deliver(mkResult(id)) {
			n++
		}

		return true
	})

	return n
}

// Len returns the number of outstanding calls.
func (r *Registry) Len() int {
	return r.slots.Size()
}
