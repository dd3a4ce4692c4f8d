package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-relay/internal/buffer"
	"payment-relay/internal/routing"
	"payment-relay/pkg/payments"
)

var testLogger = zerolog.New(os.Stderr).Level(zerolog.Disabled)

// scriptedDispatcher fails each payload a fixed number of times before
// succeeding, and records every call.
type scriptedDispatcher struct {
	mu           sync.Mutex
	failuresLeft map[string]int
	failWith     error
	panicOn      string
	calls        map[string]int
}

func newScriptedDispatcher(failWith error) *scriptedDispatcher {
	return &scriptedDispatcher{
		failuresLeft: make(map[string]int),
		failWith:     failWith,
		calls:        make(map[string]int),
	}
}

func (d *scriptedDispatcher) failFirst(id string, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failuresLeft[id] = times
}

func (d *scriptedDispatcher) Dispatch(p *payments.Payment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[p.CorrelationID]++
	if p.CorrelationID == d.panicOn {
		d.panicOn = ""
		panic("poisoned payload")
	}
	if d.failuresLeft[p.CorrelationID] > 0 {
		d.failuresLeft[p.CorrelationID]--
		return d.failWith
	}
	return nil
}

func (d *scriptedDispatcher) callCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func (d *scriptedDispatcher) totalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.calls {
		total += n
	}
	return total
}

func payment(id string) *payments.Payment {
	return &payments.Payment{Body: []byte(`{}`), CorrelationID: id}
}

func startPool(t *testing.T, n int, q *buffer.Queue, d Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	NewPool(n, q, d, 5*time.Millisecond, &testLogger).Start(ctx)
	return cancel
}

func TestPoolDrainsQueue(t *testing.T) {
	q := buffer.New(0)
	d := newScriptedDispatcher(nil)

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(payment(fmt.Sprintf("p%d", i))))
	}

	cancel := startPool(t, 4, q, d)
	defer cancel()

	require.Eventually(t, func() bool {
		return d.totalCalls() == 20 && q.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(0), q.InFlight())
}

func TestPoolRequeuesOnGatewaysUnavailable(t *testing.T) {
	q := buffer.New(0)
	d := newScriptedDispatcher(routing.ErrGatewaysUnavailable)
	d.failFirst("retry-me", 2)

	require.NoError(t, q.Enqueue(payment("retry-me")))

	cancel := startPool(t, 1, q, d)
	defer cancel()

	require.Eventually(t, func() bool {
		return d.callCount("retry-me") == 3 && q.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolRequeuesOnFallbackFailed(t *testing.T) {
	q := buffer.New(0)
	d := newScriptedDispatcher(&routing.FallbackFailedError{
		DefaultErr: errors.New("default down"),
	})
	d.failFirst("retry-me", 1)

	require.NoError(t, q.Enqueue(payment("retry-me")))

	cancel := startPool(t, 1, q, d)
	defer cancel()

	require.Eventually(t, func() bool {
		return d.callCount("retry-me") == 2 && q.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolDropsOnUnknownError(t *testing.T) {
	q := buffer.New(0)
	d := newScriptedDispatcher(errors.New("malformed gateway reply"))
	d.failFirst("doomed", 1000)

	require.NoError(t, q.Enqueue(payment("doomed")))

	cancel := startPool(t, 1, q, d)
	defer cancel()

	require.Eventually(t, func() bool {
		return q.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Give a requeue loop a chance to show itself before asserting.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.callCount("doomed"))
}

func TestPoolSurvivesDispatchPanic(t *testing.T) {
	q := buffer.New(0)
	d := newScriptedDispatcher(nil)
	d.panicOn = "poison"

	require.NoError(t, q.Enqueue(payment("poison")))
	require.NoError(t, q.Enqueue(payment("fine")))

	cancel := startPool(t, 1, q, d)
	defer cancel()

	require.Eventually(t, func() bool {
		return d.callCount("fine") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), q.InFlight())
}

func TestPoolRequeueRefusedUnderSaturation(t *testing.T) {
	// Queue of one slot, always-failing dispatcher, a second payload
	// occupying the slot: the requeue is refused and the payload is lost.
	q := buffer.New(1)
	d := newScriptedDispatcher(routing.ErrGatewaysUnavailable)
	d.failFirst("lost", 1000)

	require.NoError(t, q.Enqueue(payment("lost")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewPool(1, q, d, time.Hour, &testLogger)

	// Fill the slot between dequeue and requeue by dispatching manually.
	p, _, ok := q.Dequeue()
	require.True(t, ok)
	require.NoError(t, q.Enqueue(payment("occupier")))
	require.Error(t, q.Enqueue(p))

	pool.Start(ctx)
	require.Eventually(t, func() bool {
		return d.callCount("occupier") >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolStopsOnContextCancel(t *testing.T) {
	q := buffer.New(0)
	d := newScriptedDispatcher(nil)

	ctx, cancel := context.WithCancel(context.Background())
	NewPool(2, q, d, 5*time.Millisecond, &testLogger).Start(ctx)
	cancel()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, q.Enqueue(payment("after-stop")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, d.callCount("after-stop"))
}
