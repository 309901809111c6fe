package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-temserver/envelope"
	"github.com/arloliu/go-temserver/logger"
)

// PendingCall is a submitted call waiting in the mailbox.
type PendingCall struct {
	CorrelationID uint64
	Op            string
	Args          Args
}

// Dispatcher is the single owner of the instrument. See the package documentation.
type Dispatcher struct {
	cfg      *config
	logger   logger.Logger
	table    *OperationTable
	registry *Registry
	ids      *idGenerator
	mailbox  chan *PendingCall

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	errMu    sync.Mutex
	err      error

	seq     uint64 // owned by the Run goroutine
	metrics Metrics
}

// NewDispatcher creates a Dispatcher executing operations from table.
func NewDispatcher(table *OperationTable, opts ...Option) (*Dispatcher, error) {
	if table == nil {
		return nil, errors.New("operation table is nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return &Dispatcher{
		cfg:      cfg,
		logger:   cfg.logger,
		table:    table,
		registry: NewRegistry(),
		ids:      newIDGenerator(),
		mailbox:  make(chan *PendingCall, cfg.mailboxSize),
		done:     make(chan struct{}),
	}, nil
}

// Operations returns the operation table.
func (d *Dispatcher) Operations() *OperationTable {
	return d.table
}

// Metrics returns the live dispatcher counters.
func (d *Dispatcher) Metrics() *Metrics {
	return &d.metrics
}

// Snapshot returns a copy of the metrics together with mailbox and registry gauges.
func (d *Dispatcher) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Submitted:       d.metrics.SubmittedCount.Load(),
		Executed:        d.metrics.ExecutedCount.Load(),
		Failed:          d.metrics.FailedCount.Load(),
		UnknownOp:       d.metrics.UnknownOpCount.Load(),
		Panics:          d.metrics.PanicCount.Load(),
		Abandoned:       d.metrics.AbandonedCount.Load(),
		Discarded:       d.metrics.DiscardedCount.Load(),
		BlockedSubmits:  d.metrics.BlockedSubmitGauge.Load(),
		MailboxDepth:    len(d.mailbox),
		MailboxCapacity: cap(d.mailbox),
		Outstanding:     d.registry.Len(),
	}
}

// Done is closed when the dispatcher has stopped.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns the fatal error that stopped the dispatcher, or nil.
func (d *Dispatcher) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()

	return d.err
}

// Submit places a call in the mailbox and returns the Ticket to wait on.
//
// Submit blocks while the mailbox is full. It returns ctx.Err() if ctx ends
// first, or ErrDispatcherStopped if the dispatcher stops.
func (d *Dispatcher) Submit(ctx context.Context, op string, args Args) (*Ticket, error) {
	select {
	case <-d.done:
		return nil, ErrDispatcherStopped
	default:
	}

	var (
		id uint64
		s  *slot
	)
	for ok := false; !ok; {
		id = d.ids.next()
		s, ok = d.registry.open(id)
	}

	call := &PendingCall{CorrelationID: id, Op: op, Args: args}

	// fast path: room in the mailbox
	select {
	case d.mailbox <- call:
		d.metrics.incSubmittedCount()
		return &Ticket{id: id, op: op, slot: s, d: d}, nil
	default:
	}

	d.metrics.BlockedSubmitGauge.Add(1)
	defer d.metrics.BlockedSubmitGauge.Add(-1)

	if d.logger.Level() == logger.DebugLevel {
		d.logger.Debug("mailbox full, submitter blocked", "method", "Submit", "op", op, "correlation_id", id)
	}

	select {
	case d.mailbox <- call:
		d.metrics.incSubmittedCount()
		return &Ticket{id: id, op: op, slot: s, d: d}, nil

	case <-ctx.Done():
		d.registry.abandon(id)
		return nil, ctx.Err()

	case <-d.done:
		d.registry.abandon(id)
		return nil, ErrDispatcherStopped
	}
}

// Call submits a call and waits for its result.
func (d *Dispatcher) Call(ctx context.Context, op string, args Args) (Result, error) {
	ticket, err := d.Submit(ctx, op, args)
	if err != nil {
		return Result{}, err
	}

	return ticket.Wait(ctx)
}

// Run executes calls from the mailbox in FIFO order until ctx is done or an
// operation reports ErrInstrumentLost. It returns nil on a context stop and the
// fatal error otherwise.
//
// Run may only be called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	d.logger.Info("dispatcher started", "operations", d.table.Len(), "mailbox_size", cap(d.mailbox))

	for {
		// a stop request wins over calls still waiting in the mailbox
		if ctx.Err() != nil {
			d.stop(nil)
			return nil
		}

		select {
		case <-ctx.Done():
			d.stop(nil)
			return nil

		case call := <-d.mailbox:
			if err := d.execute(call); err != nil {
				d.stop(err)
				return err
			}
		}
	}
}

// execute runs one call and publishes its result. It returns an error only
// when the instrument is lost.
func (d *Dispatcher) execute(call *PendingCall) error {
	d.seq++
	startedAt := time.Now()

	value, err := d.invoke(call)
	elapsed := time.Since(startedAt)

	d.metrics.incExecutedCount()
	if err != nil {
		d.metrics.incFailedCount()
	}

	entry := Entry{
		Seq:           d.seq,
		CorrelationID: call.CorrelationID,
		Op:            call.Op,
		Status:        envelope.StatusOK,
		StartedAt:     startedAt,
		Duration:      elapsed,
	}
	if err != nil {
		entry.Status = envelope.StatusError
		entry.Kind = KindOf(err)
		entry.Error = err.Error()
	}

	if d.logger.Level() == logger.DebugLevel {
		d.logger.Debug("operation applied",
			"seq", d.seq, "op", call.Op, "correlation_id", call.CorrelationID,
			"status", entry.Status, "result", value, "error", entry.Error, "elapsed", elapsed,
		)
	}

	if d.cfg.recorder != nil {
		d.cfg.recorder.Record(entry)
	}

	res := Result{CorrelationID: call.CorrelationID, Op: call.Op, Value: value, Err: err}
	if !d.registry.fulfill(call.CorrelationID, res) {
		d.metrics.incDiscardedCount()
		d.logger.Debug("result discarded, waiter is gone", "op", call.Op, "correlation_id", call.CorrelationID)
	}

	if err != nil && errors.Is(err, ErrInstrumentLost) {
		return err
	}

	return nil
}

// invoke looks the operation up and calls its handler inside a recover boundary.
func (d *Dispatcher) invoke(call *PendingCall) (value any, err error) {
	op, ok := d.table.Lookup(call.Op)
	if !ok {
		d.metrics.incUnknownOpCount()
		return nil, &OperationError{Op: call.Op, Kind: envelope.KindUnknownOperation, Err: ErrUnknownOperation}
	}

	defer func() {
		if r := recover(); r != nil {
			d.metrics.incPanicCount()
			d.logger.Error("operation panicked", "op", call.Op, "correlation_id", call.CorrelationID, "panic", r)
			value = nil
			err = &OperationError{Op: call.Op, Kind: envelope.KindOperationFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	value, err = op.Handler(call.Args)
	if err == nil {
		return value, nil
	}

	var opErr *OperationError
	if errors.As(err, &opErr) {
		return nil, withOp(err, call.Op)
	}

	kind := envelope.KindOperationFailed
	if errors.Is(err, ErrInstrumentLost) {
		kind = envelope.KindUnavailable
	}

	return nil, &OperationError{Op: call.Op, Kind: kind, Err: err}
}

// stop marks the dispatcher stopped, fails every outstanding call and releases the instrument.
func (d *Dispatcher) stop(cause error) {
	d.stopOnce.Do(func() {
		d.errMu.Lock()
		d.err = cause
		d.errMu.Unlock()

		close(d.done)

		stopErr := ErrDispatcherStopped
		if cause != nil {
			stopErr = fmt.Errorf("%w: %w", ErrDispatcherStopped, cause)
		}

		// drain calls still queued so their slots can be failed below
		for drained := false; !drained; {
			select {
			case <-d.mailbox:
			default:
				drained = true
			}
		}

		failed := d.registry.failAll(func(id uint64) Result {
			return Result{
				CorrelationID: id,
				Err:           &OperationError{Kind: envelope.KindUnavailable, Err: stopErr},
			}
		})

		if cause != nil {
			d.logger.Error("dispatcher stopped by fatal error", "error", cause, "failed_calls", failed)
		} else {
			d.logger.Info("dispatcher stopped", "failed_calls", failed)
		}

		if d.cfg.instrument != nil {
			if err := d.cfg.instrument.Close(); err != nil {
				d.logger.Error("failed to close instrument", "error", err)
			}
		}
	})
}

// Ticket is the handle of one submitted call.
type Ticket struct {
	id   uint64
	op   string
	slot *slot
	d    *Dispatcher
}

// CorrelationID returns the id the call is registered under.
func (t *Ticket) CorrelationID() uint64 {
	return t.id
}

// Wait blocks until the call's own result is available.
//
// If ctx ends first the call is abandoned: it may still execute, but its
// result is discarded. Wait must be called at most once.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-t.slot.ch:
		t.d.registry.remove(t.id)
		return t.fill(res), nil

	case <-ctx.Done():
		if t.d.registry.abandon(t.id) {
			t.d.metrics.incAbandonedCount()
		}

		return Result{}, ctx.Err()

	case <-t.d.done:
		// prefer a result that is already published
		select {
		case res := <-t.slot.ch:
			t.d.registry.remove(t.id)
			return t.fill(res), nil
		default:
		}
		t.d.registry.abandon(t.id)

		return Result{}, ErrDispatcherStopped
	}
}

func (t *Ticket) fill(res Result) Result {
	if res.Op == "" {
		res.Op = t.op
	}

	res.Err = withOp(res.Err, t.op)

	return res
}
