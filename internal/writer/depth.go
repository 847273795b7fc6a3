package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantrail/norenfeed/internal/router"
)

// depthRow is one best bid/ask update ready for insertion.
type depthRow struct {
	ReceivedAt int64 // µs since epoch
	FeedTime   int64 // feed timestamp, epoch seconds (0 if absent)
	Exchange   string
	Token      string
	BidPrice   int64 // paise
	BidQty     int64
	AskPrice   int64 // paise
	AskQty     int64
	RunID      uuid.UUID
}

// DepthWriter consumes DepthMsg from the router buffer and writes to the
// depth table.
type DepthWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *router.GrowableBuffer[router.DepthMsg]
	db    *pgxpool.Pool

	batch       []depthRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewDepthWriter creates a new DepthWriter.
func NewDepthWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[router.DepthMsg],
	db *pgxpool.Pool,
	logger *slog.Logger,
) *DepthWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepthWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]depthRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming messages and writing to the database.
func (w *DepthWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("depth writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *DepthWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping depth writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("depth writer stopped")
	case <-ctx.Done():
		w.logger.Warn("depth writer stop timed out")
	}

	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *DepthWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *DepthWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			msg, ok := w.input.TryReceive()
			if !ok {
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.handleMessage(msg)
		}
	}
}

func (w *DepthWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

func (w *DepthWriter) handleMessage(msg router.DepthMsg) {
	row := w.transform(msg)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts a DepthMsg to a depthRow.
func (w *DepthWriter) transform(msg router.DepthMsg) depthRow {
	return depthRow{
		ReceivedAt: msg.ReceivedAt.UnixMicro(),
		FeedTime:   asInt(msg.FeedTime),
		Exchange:   msg.Exchange,
		Token:      msg.Token,
		BidPrice:   paise(msg.BidPrice),
		BidQty:     asInt(msg.BidQty),
		AskPrice:   paise(msg.AskPrice),
		AskQty:     asInt(msg.AskQty),
		RunID:      w.cfg.RunID,
	}
}

func (w *DepthWriter) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]depthRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed depth",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *DepthWriter) batchInsert(rows []depthRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO depth (received_at, feed_time, exchange, token, bid_price, bid_qty, ask_price, ask_qty, run_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (exchange, token, feed_time, received_at) DO NOTHING
		`, r.ReceivedAt, r.FeedTime, r.Exchange, r.Token, r.BidPrice, r.BidQty, r.AskPrice, r.AskQty, r.RunID)
	}

	results := w.db.SendBatch(w.ctx, batch)
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
