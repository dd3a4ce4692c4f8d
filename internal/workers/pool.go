package workers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"payment-relay/internal/buffer"
	"payment-relay/internal/routing"
	"payment-relay/pkg/payments"
)

// Dispatcher is the routing capability a worker drives; tests inject
// stubs here.
type Dispatcher interface {
	Dispatch(p *payments.Payment) error
}

// Pool keeps a fixed number of workers draining the ingest buffer. A
// supervisor respawns any worker that dies so the live count stays at N.
type Pool struct {
	n          int
	queue      *buffer.Queue
	dispatcher Dispatcher
	cooldown   time.Duration
	logger     *zerolog.Logger
}

func NewPool(
	n int,
	queue *buffer.Queue,
	dispatcher Dispatcher,
	cooldown time.Duration,
	logger *zerolog.Logger,
) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{
		n:          n,
		queue:      queue,
		dispatcher: dispatcher,
		cooldown:   cooldown,
		logger:     logger,
	}
}

func (p *Pool) Start(ctx context.Context) {
	exits := make(chan int, p.n)
	for i := 0; i < p.n; i++ {
		go p.run(ctx, i, exits)
	}
	go p.supervise(ctx, exits)
}

func (p *Pool) supervise(ctx context.Context, exits chan int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-exits:
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn().Int("worker", id).Msg("worker exited, restarting")
			go p.run(ctx, id, exits)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, exits chan<- int) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Int("worker", id).Interface("panic", r).Msg("worker panicked")
		}
		select {
		case exits <- id:
		default:
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		payment, waitMs, ok := p.queue.Dequeue()
		if !ok {
			sleep(ctx, p.cooldown)
			continue
		}
		if p.process(payment, waitMs) {
			sleep(ctx, p.cooldown)
		}
	}
}

// process dispatches one payload and reports whether the worker should
// cool down before its next take. Panics inside a dispatch are contained
// here so one poisoned payload cannot kill the worker.
func (p *Pool) process(payment *payments.Payment, waitMs int64) (cooldown bool) {
	p.queue.WorkerStarted()
	defer p.queue.WorkerFinished()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("correlation_id", payment.CorrelationID).
				Msg("dispatch panicked, payload dropped")
		}
	}()

	err := p.dispatcher.Dispatch(payment)
	if err == nil {
		return false
	}

	var fallbackFailed *routing.FallbackFailedError
	switch {
	case errors.Is(err, routing.ErrGatewaysUnavailable), errors.As(err, &fallbackFailed):
		p.requeue(payment, waitMs, err)
		return true
	default:
		p.logger.Error().
			Err(err).
			Str("correlation_id", payment.CorrelationID).
			Msg("payment dropped")
		return false
	}
}

// requeue sends the original, unstamped payload back to the tail. Under
// saturation the requeue itself can be refused; the payload is then lost,
// which the contract accepts.
func (p *Pool) requeue(payment *payments.Payment, waitMs int64, cause error) {
	if err := p.queue.Enqueue(payment); err != nil {
		p.logger.Error().
			Err(err).
			Str("correlation_id", payment.CorrelationID).
			Msg("requeue refused, payload lost")
		return
	}
	p.logger.Debug().
		Err(cause).
		Int64("wait_ms", waitMs).
		Str("correlation_id", payment.CorrelationID).
		Msg("payment requeued")
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
