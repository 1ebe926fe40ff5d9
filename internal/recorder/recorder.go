// Package recorder archives inbound envelopes to PostgreSQL.
//
// The recorder is an operator tap fed from the router. Rows are queued,
// batched, and inserted with pgx.Batch on size or interval. Nothing is ever
// read back into the channel.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/trade-channel/internal/envelope"
	"github.com/rickgao/trade-channel/internal/router"
)

// Table is the archive table name.
const Table = "channel_messages"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + Table + ` (
		id          uuid PRIMARY KEY,
		received_at timestamptz NOT NULL,
		type        text NOT NULL,
		payload     jsonb NOT NULL,
		malformed   boolean NOT NULL DEFAULT false
	)`,
	`CREATE INDEX IF NOT EXISTS ` + Table + `_type_received_idx ON ` + Table + ` (type, received_at)`,
}

// DB is the subset of *pgxpool.Pool the recorder needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds recorder settings.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits in a partial batch
	BufferSize    int           // Queue limit; rows beyond it are dropped
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics tracks recorder activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithClock replaces the clock driving interval flushes.
func WithClock(c clock.Clock) Option {
	return func(r *Recorder) {
		r.clock = c
	}
}

// row is one archived envelope.
type row struct {
	ID         uuid.UUID
	ReceivedAt time.Time
	Type       string
	Payload    json.RawMessage
	Malformed  bool
}

// Recorder batches inbound envelopes into the archive table.
type Recorder struct {
	cfg    Config
	logger *slog.Logger
	db     DB
	clock  clock.Clock

	// Input from the router tap
	queue *router.Queue[row]

	// Batching
	batch   []row
	batchMu sync.Mutex

	// Lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	consumerDone chan struct{}
	wg           sync.WaitGroup

	metrics Metrics
}

// New creates a Recorder writing to db.
func New(cfg Config, db DB, logger *slog.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	r := &Recorder{
		cfg:          cfg,
		logger:       logger.With("component", "recorder"),
		db:           db,
		clock:        clock.New(),
		queue:        router.NewQueue[row](min(cfg.BatchSize, cfg.BufferSize), cfg.BufferSize),
		batch:        make([]row, 0, cfg.BatchSize),
		consumerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureSchema creates the archive table and index if missing.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record queues in for archival. It never blocks; when the queue is full the
// envelope is dropped and counted. Record has the router.Handler signature.
func (r *Recorder) Record(in envelope.Inbound) {
	if !r.queue.Push(transform(in)) {
		r.batchMu.Lock()
		r.metrics.Dropped++
		r.batchMu.Unlock()
	}
}

// Start begins consuming queued envelopes and writing to the database.
// Cancelling ctx does not stop the recorder; only Stop does, after the
// queue has drained.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	go r.consumeLoop()

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
		"buffer_size", r.cfg.BufferSize,
	)
	return nil
}

// Stop drains the queue, flushes what is left, and shuts down.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	r.queue.Close()
	if r.cancel == nil {
		return nil
	}

	select {
	case <-r.consumerDone:
	case <-ctx.Done():
		r.logger.Warn("recorder drain timed out", "pending", r.queue.Len())
	}

	// Aborts an insert still running after a timed out drain.
	r.cancel()
	r.wg.Wait()

	// Final flush
	r.flush(ctx)

	r.logger.Info("recorder stopped")
	return nil
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// consumeLoop moves queued rows into the batch until the queue is closed.
func (r *Recorder) consumeLoop() {
	defer close(r.consumerDone)

	for {
		rw, ok := r.queue.Pop()
		if !ok {
			return
		}

		r.batchMu.Lock()
		r.batch = append(r.batch, rw)
		full := len(r.batch) >= r.cfg.BatchSize
		r.batchMu.Unlock()

		if full {
			r.flush(r.ctx)
		}
	}
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	ticker := r.clock.Ticker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.flush(r.ctx)
		}
	}
}

// transform converts an inbound envelope to a row. The payload is the whole
// frame for well-formed envelopes and a JSON string of the raw bytes otherwise.
func transform(in envelope.Inbound) row {
	rw := row{
		ID:         uuid.New(),
		ReceivedAt: in.ReceivedAt,
		Type:       in.Type,
		Malformed:  in.Malformed,
	}
	if rw.ReceivedAt.IsZero() {
		rw.ReceivedAt = time.Now()
	}

	if in.Malformed || !json.Valid(in.Raw) {
		// A string always marshals.
		rw.Payload, _ = json.Marshal(string(in.Raw))
		rw.Malformed = true
	} else {
		rw.Payload = json.RawMessage(in.Raw)
	}
	return rw
}

// flush writes the current batch to the database.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]row, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.batchInsert(ctx, batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch) - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, rw := range rows {
		batch.Queue(`
			INSERT INTO `+Table+` (id, received_at, type, payload, malformed)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, rw.ID, rw.ReceivedAt, rw.Type, rw.Payload, rw.Malformed)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
