package dispatch

import (
	"sync/atomic"
)

// Metrics contains atomic counters for a dispatcher.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// SubmittedCount indicates the number of calls accepted into the mailbox.
	SubmittedCount atomic.Uint64
	// ExecutedCount indicates the number of calls taken from the mailbox and executed.
	ExecutedCount atomic.Uint64
	// FailedCount indicates the number of executed calls that produced an error.
	FailedCount atomic.Uint64
	// UnknownOpCount indicates the number of calls naming an unknown operation.
	UnknownOpCount atomic.Uint64
	// PanicCount indicates the number of handler panics recovered.
	PanicCount atomic.Uint64
	// AbandonedCount indicates the number of waiters that gave up before their result arrived.
	AbandonedCount atomic.Uint64
	// DiscardedCount indicates the number of results produced for abandoned waiters.
	DiscardedCount atomic.Uint64
	// BlockedSubmitGauge indicates the number of submitters currently blocked on a full mailbox.
	BlockedSubmitGauge atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of dispatcher metrics.
type MetricsSnapshot struct {
	Submitted       uint64 `json:"submitted"`
	Executed        uint64 `json:"executed"`
	Failed          uint64 `json:"failed"`
	UnknownOp       uint64 `json:"unknown_op"`
	Panics          uint64 `json:"panics"`
	Abandoned       uint64 `json:"abandoned"`
	Discarded       uint64 `json:"discarded"`
	BlockedSubmits  int64  `json:"blocked_submits"`
	MailboxDepth    int    `json:"mailbox_depth"`
	MailboxCapacity int    `json:"mailbox_capacity"`
	Outstanding     int    `json:"outstanding"`
}

func (m *Metrics) incSubmittedCount() {
	m.SubmittedCount.Add(1)
}

func (m *Metrics) incExecutedCount() {
	m.ExecutedCount.Add(1)
}

func (m *Metrics) incFailedCount() {
	m.FailedCount.Add(1)
}

func (m *Metrics) incUnknownOpCount() {
	m.UnknownOpCount.Add(1)
}

func (m *Metrics) incPanicCount() {
	m.PanicCount.Add(1)
}

func (m *Metrics) incAbandonedCount() {
	m.AbandonedCount.Add(1)
}

func (m *Metrics) incDiscardedCount() {
	m.DiscardedCount.Add(1)
}
