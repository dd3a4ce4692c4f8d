package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"payment-relay/pkg/payments"
)

var ErrStoreUnavailable = errors.New("transaction store unavailable")

const (
	writeBufferSize = 10000
	flushBatchSize  = 512
	flushInterval   = 100 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id             bigserial PRIMARY KEY,
	correlation_id uuid NOT NULL,
	amount         numeric(12,2) NOT NULL,
	processor      text NOT NULL,
	requested_at   timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_requested_at_idx ON transactions (requested_at);
CREATE INDEX IF NOT EXISTS transactions_processor_idx ON transactions (processor);
`

const insertTransaction = `INSERT INTO transactions (correlation_id, amount, processor, requested_at) VALUES ($1, $2::numeric, $3, $4)`

const selectSummary = `
SELECT processor, COUNT(*), COALESCE(SUM(amount), 0)::float8
FROM transactions
WHERE requested_at >= $1 AND requested_at < $2
GROUP BY processor`

type Transaction struct {
	CorrelationID string
	Amount        decimal.Decimal
	Processor     string
	RequestedAt   time.Time
}

// Recorder persists successful dispatches through a batched writer and
// answers windowed summaries. Writes are best effort: a full buffer or a
// dead store never fails the dispatch that produced the row.
type Recorder struct {
	pool   *pgxpool.Pool
	buffer chan Transaction
	logger *zerolog.Logger
}

func NewRecorder(
	ctx context.Context,
	databaseURL string,
	logger *zerolog.Logger,
) (*Recorder, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	r := &Recorder{
		pool:   pool,
		buffer: make(chan Transaction, writeBufferSize),
		logger: logger,
	}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// StoreSuccess queues one row per successful dispatch. Rows that cannot
// satisfy the schema are logged and skipped.
func (r *Recorder) StoreSuccess(p *payments.Payment, route string, requestedAt time.Time) {
	if p.CorrelationID == "" {
		r.logger.Warn().Str("route", route).Msg("transaction without correlation id skipped")
		return
	}

	tx := Transaction{
		CorrelationID: p.CorrelationID,
		Amount:        p.Amount,
		Processor:     route,
		RequestedAt:   requestedAt,
	}
	select {
	case r.buffer <- tx:
	default:
		r.logger.Error().
			Str("correlation_id", tx.CorrelationID).
			Msg("write buffer full, transaction dropped")
	}
}

// Start runs the flush loop: rows leave in pgx batches on a tick or when
// enough accumulate, and a final flush runs at shutdown.
func (r *Recorder) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		var batch []Transaction

		for {
			select {
			case <-ctx.Done():
				if len(batch) > 0 {
					r.flush(context.Background(), batch)
				}
				r.Drain()
				return
			case tx := <-r.buffer:
				batch = append(batch, tx)
				if len(batch) >= flushBatchSize {
					r.flush(ctx, batch)
					batch = nil
				}
			case <-ticker.C:
				if len(batch) > 0 {
					r.flush(ctx, batch)
					batch = nil
				}
			}
		}
	}()
}

func (r *Recorder) flush(ctx context.Context, transactions []Transaction) {
	batch := &pgx.Batch{}
	for _, tx := range transactions {
		batch.Queue(
			insertTransaction,
			tx.CorrelationID, tx.Amount.StringFixed(2), tx.Processor, tx.RequestedAt,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	if err := br.Close(); err != nil {
		r.logger.Error().Err(err).Int("batch_size", len(transactions)).Msg("failed to write batch")
	}
}

// Drain flushes whatever is still buffered. Meant for shutdown, after the
// flush loop has stopped taking from the channel.
func (r *Recorder) Drain() {
	var batch []Transaction
	for {
		select {
		case tx := <-r.buffer:
			batch = append(batch, tx)
		default:
			if len(batch) > 0 {
				r.flush(context.Background(), batch)
			}
			return
		}
	}
}

// Summary aggregates the half-open window [from, to) on requested_at.
// Both routes are always present in the result.
func (r *Recorder) Summary(
	ctx context.Context,
	from, to time.Time,
) (payments.PaymentsSummary, error) {
	var summary payments.PaymentsSummary

	rows, err := r.pool.Query(ctx, selectSummary, from, to)
	if err != nil {
		r.logger.Error().Err(err).Msg("summary query failed")
		return summary, ErrStoreUnavailable
	}
	defer rows.Close()

	for rows.Next() {
		var processor string
		var data payments.SummaryData
		if err := rows.Scan(&processor, &data.Count, &data.Total); err != nil {
			return summary, ErrStoreUnavailable
		}
		switch processor {
		case payments.DefaultProcessor:
			summary.Default = data
		case payments.FallbackProcessor:
			summary.Fallback = data
		}
	}
	if rows.Err() != nil {
		return payments.PaymentsSummary{}, ErrStoreUnavailable
	}
	return summary, nil
}

func (r *Recorder) Purge(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `TRUNCATE transactions`); err != nil {
		return fmt.Errorf("purge transactions: %w", err)
	}
	return nil
}

func (r *Recorder) Close() {
	r.pool.Close()
}
