package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-temserver/envelope"
	"github.com/arloliu/go-temserver/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

// fakeInstrument records the order in which operations reached it.
type fakeInstrument struct {
	mu      sync.Mutex
	applied []string
	closed  bool
}

func (f *fakeInstrument) apply(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, tag)
}

func (f *fakeInstrument) Applied() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakeInstrument) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type memRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *memRecorder) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *memRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

func newTestTable(t *testing.T, inst *fakeInstrument, extra ...Operation) *OperationTable {
	t.Helper()

	ops := []Operation{
		{Name: "getHighTension", Handler: func(Args) (any, error) { return 200000.0, nil }},
		{Name: "echo", Handler: func(a Args) (any, error) {
			tag, err := a.String(0, "tag")
			if err != nil {
				return nil, err
			}
			inst.apply(tag)
			return tag, nil
		}},
		{Name: "fail", Handler: func(Args) (any, error) { return nil, errors.New("stage is stuck") }},
		{Name: "panic", Handler: func(Args) (any, error) { panic("driver crashed") }},
		{Name: "lose", Handler: func(Args) (any, error) { return nil, fmt.Errorf("com port closed: %w", ErrInstrumentLost) }},
	}
	table, err := NewOperationTable(append(ops, extra...)...)
	require.NoError(t, err)

	return table
}

func startDispatcher(t *testing.T, table *OperationTable, opts ...Option) (*Dispatcher, context.CancelFunc, <-chan error) {
	t.Helper()

	d, err := NewDispatcher(table, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})

	return d, cancel, errCh
}

func TestDispatcher_Call(t *testing.T) {
	inst := &fakeInstrument{}
	d, _, _ := startDispatcher(t, newTestTable(t, inst))
	ctx := context.Background()

	res, err := d.Call(ctx, "getHighTension", Args{})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.InDelta(t, 200000.0, res.Value, 0)
	assert.Equal(t, "getHighTension", res.Op)
}

func TestDispatcher_UnknownOperationIsNotFatal(t *testing.T) {
	inst := &fakeInstrument{}
	d, _, _ := startDispatcher(t, newTestTable(t, inst))
	ctx := context.Background()

	res, err := d.Call(ctx, "doesNotExist", Args{})
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "doesNotExist")
	assert.ErrorIs(t, res.Err, ErrUnknownOperation)
	assert.Equal(t, envelope.KindUnknownOperation, KindOf(res.Err))

	res, err = d.Call(ctx, "echo", Args{Positional: []any{"after"}})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, uint64(1), d.Metrics().UnknownOpCount.Load())
}

func TestDispatcher_FailureIsolation(t *testing.T) {
	inst := &fakeInstrument{}
	mockLogger := logger.NewMockLogger().AllowAll()
	d, _, _ := startDispatcher(t, newTestTable(t, inst), WithLogger(mockLogger))
	ctx := context.Background()

	res, err := d.Call(ctx, "fail", Args{})
	require.NoError(t, err)
	assert.Equal(t, envelope.KindOperationFailed, KindOf(res.Err))
	assert.Contains(t, res.Err.Error(), "stage is stuck")

	res, err = d.Call(ctx, "panic", Args{})
	require.NoError(t, err)
	assert.Equal(t, envelope.KindOperationFailed, KindOf(res.Err))
	assert.Contains(t, res.Err.Error(), "driver crashed")

	res, err = d.Call(ctx, "echo", Args{Keyword: map[string]any{"tag": "still alive"}})
	require.NoError(t, err)
	assert.True(t, res.OK())

	res, err = d.Call(ctx, "echo", Args{})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, ErrMissingArgument)

	assert.Equal(t, uint64(1), d.Metrics().PanicCount.Load())
	assert.Equal(t, uint64(3), d.Metrics().FailedCount.Load())
	mockLogger.AssertCalled(t, "Error", "operation panicked", mock.Anything)
}

func TestDispatcher_GlobalOrderAndCorrelation(t *testing.T) {
	inst := &fakeInstrument{}
	rec := &memRecorder{}
	d, _, _ := startDispatcher(t, newTestTable(t, inst), WithMailboxSize(4), WithRecorder(rec))
	ctx := context.Background()

	const (
		sessions = 16
		perSess  = 25
	)

	var wg sync.WaitGroup
	errs := make(chan error, sessions*perSess)
	for s := range sessions {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := range perSess {
				tag := fmt.Sprintf("s%02d-%03d", s, i)
				res, err := d.Call(ctx, "echo", Args{Positional: []any{tag}})
				if err != nil {
					errs <- err
					return
				}
				if res.Value != tag {
					errs <- fmt.Errorf("session %d got %v, want %s", s, res.Value, tag)
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	applied := inst.Applied()
	require.Len(t, applied, sessions*perSess)

	// per-session submission order is preserved inside the global order
	next := make(map[string]int)
	for _, tag := range applied {
		var s, i int
		_, err := fmt.Sscanf(tag, "s%02d-%03d", &s, &i)
		require.NoError(t, err)
		key := fmt.Sprintf("s%02d", s)
		assert.Equal(t, next[key], i, "session %s out of order", key)
		next[key] = i + 1
	}

	entries := rec.Entries()
	require.Len(t, entries, sessions*perSess)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
	assert.Zero(t, d.Snapshot().Outstanding)
}

func TestDispatcher_Backpressure(t *testing.T) {
	inst := &fakeInstrument{}
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	block := Operation{Name: "block", Handler: func(Args) (any, error) {
		entered <- struct{}{}
		<-release
		return "released", nil
	}}
	d, _, _ := startDispatcher(t, newTestTable(t, inst, block), WithMailboxSize(1))
	ctx := context.Background()

	first, err := d.Submit(ctx, "block", Args{})
	require.NoError(t, err)
	<-entered // dispatcher is busy, mailbox is empty

	second, err := d.Submit(ctx, "echo", Args{Positional: []any{"queued"}})
	require.NoError(t, err) // fills the mailbox

	submitted := make(chan *Ticket, 1)
	go func() {
		ticket, err := d.Submit(ctx, "echo", Args{Positional: []any{"blocked"}})
		if err == nil {
			submitted <- ticket
		}
	}()

	select {
	case <-submitted:
		t.Fatal("submit must block while the mailbox is full")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, int64(1), d.Metrics().BlockedSubmitGauge.Load())

	close(release)

	var third *Ticket
	select {
	case third = <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submit was never accepted")
	}

	for _, ticket := range []*Ticket{first, second, third} {
		res, err := ticket.Wait(ctx)
		require.NoError(t, err)
		assert.True(t, res.OK())
	}
	assert.Equal(t, []string{"queued", "blocked"}, inst.Applied())
}

func TestDispatcher_SubmitHonoursContextWhileBlocked(t *testing.T) {
	inst := &fakeInstrument{}
	release := make(chan struct{})
	block := Operation{Name: "block", Handler: func(Args) (any, error) { <-release; return nil, nil }}
	d, _, _ := startDispatcher(t, newTestTable(t, inst, block), WithMailboxSize(1))
	defer close(release)

	_, err := d.Submit(context.Background(), "block", Args{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Snapshot().MailboxDepth == 0 }, time.Second, time.Millisecond)
	_, err = d.Submit(context.Background(), "getHighTension", Args{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = d.Submit(ctx, "getHighTension", Args{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_AbandonedResultIsDiscarded(t *testing.T) {
	inst := &fakeInstrument{}
	release := make(chan struct{})
	slow := Operation{Name: "slow", Handler: func(Args) (any, error) { <-release; return "late", nil }}
	d, _, _ := startDispatcher(t, newTestTable(t, inst, slow))

	ticket, err := d.Submit(context.Background(), "slow", Args{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ticket.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)

	// the dispatcher keeps going and the late result goes nowhere
	res, err := d.Call(context.Background(), "getHighTension", Args{})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, uint64(1), d.Metrics().AbandonedCount.Load())
	assert.Equal(t, uint64(1), d.Metrics().DiscardedCount.Load())
	assert.Zero(t, d.Snapshot().Outstanding)
}

func TestDispatcher_InstrumentLostIsFatal(t *testing.T) {
	inst := &fakeInstrument{}
	d, _, errCh := startDispatcher(t, newTestTable(t, inst), WithInstrument(inst))
	ctx := context.Background()

	res, err := d.Call(ctx, "lose", Args{})
	require.NoError(t, err)
	assert.Equal(t, envelope.KindUnavailable, KindOf(res.Err))

	select {
	case runErr := <-errCh:
		require.ErrorIs(t, runErr, ErrInstrumentLost)
	case <-time.After(time.Second):
		t.Fatal("Run should return after the instrument is lost")
	}

	require.ErrorIs(t, d.Err(), ErrInstrumentLost)
	assert.True(t, inst.closed)

	_, err = d.Submit(ctx, "getHighTension", Args{})
	require.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestDispatcher_StopFailsQueuedCalls(t *testing.T) {
	inst := &fakeInstrument{}
	release := make(chan struct{})
	entered := make(chan struct{})
	block := Operation{Name: "block", Handler: func(Args) (any, error) {
		close(entered)
		<-release
		return "finished", nil
	}}
	d, cancel, errCh := startDispatcher(t, newTestTable(t, inst, block), WithMailboxSize(4))
	ctx := context.Background()

	running, err := d.Submit(ctx, "block", Args{})
	require.NoError(t, err)
	<-entered

	queued, err := d.Submit(ctx, "getHighTension", Args{})
	require.NoError(t, err)

	cancel()
	close(release)
	require.NoError(t, <-errCh)

	res, err := running.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "finished", res.Value, "in-progress operation runs to completion")

	res, err = queued.Wait(ctx)
	if err != nil {
		require.ErrorIs(t, err, ErrDispatcherStopped)
	} else {
		assert.Equal(t, envelope.KindUnavailable, KindOf(res.Err))
	}
}

func TestDispatcher_RunOnce(t *testing.T) {
	d, _, _ := startDispatcher(t, newTestTable(t, &fakeInstrument{}))

	// a completed call proves the first Run owns the dispatcher
	_, err := d.Call(context.Background(), "getHighTension", Args{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, d.Run(ctx), ErrAlreadyRunning)
}

func TestDispatcher_SharedOperationErrorUntouched(t *testing.T) {
	busy := &OperationError{Kind: envelope.KindOperationFailed, Err: errors.New("stage busy")}
	table := newTestTable(t, &fakeInstrument{},
		Operation{Name: "busy", Handler: func(Args) (any, error) { return nil, busy }},
		Operation{Name: "busyWrapped", Handler: func(Args) (any, error) { return nil, fmt.Errorf("retry later: %w", busy) }},
	)
	d, _, _ := startDispatcher(t, table)
	ctx := context.Background()

	for _, op := range []string{"busy", "busyWrapped"} {
		res, err := d.Call(ctx, op, Args{})
		require.NoError(t, err)

		var opErr *OperationError
		require.ErrorAs(t, res.Err, &opErr)
		assert.Equal(t, op, opErr.Op)
		assert.Equal(t, envelope.KindOperationFailed, KindOf(res.Err))
		assert.ErrorIs(t, res.Err, busy)
	}

	assert.Empty(t, busy.Op)
}

func TestNewDispatcher_Options(t *testing.T) {
	table := newTestTable(t, &fakeInstrument{})

	_, err := NewDispatcher(nil)
	require.Error(t, err)

	_, err = NewDispatcher(table, WithMailboxSize(0))
	require.Error(t, err)

	_, err = NewDispatcher(table, WithLogger(nil))
	require.Error(t, err)

	d, err := NewDispatcher(table)
	require.NoError(t, err)
	assert.Equal(t, DefaultMailboxSize, d.Snapshot().MailboxCapacity)
}
