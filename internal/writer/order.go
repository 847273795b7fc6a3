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

// orderRow is one order event ready for insertion.
type orderRow struct {
	ReceivedAt      int64 // µs since epoch
	OrderNumber     string
	Exchange        string
	TradingSymbol   string
	Status          string
	ReportType      string
	TransactionType string
	Product         string
	Quantity        int64
	Price           int64 // paise
	FillShares      int64
	AvgPrice        int64 // paise
	RejectReason    string
	RunID           uuid.UUID
}

// OrderWriter consumes OrderMsg from the router buffer and writes to the
// order_events table.
type OrderWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *router.GrowableBuffer[router.OrderMsg]
	db    *pgxpool.Pool

	batch       []orderRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewOrderWriter creates a new OrderWriter.
func NewOrderWriter(
	cfg WriterConfig,
	input *router.GrowableBuffer[router.OrderMsg],
	db *pgxpool.Pool,
	logger *slog.Logger,
) *OrderWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]orderRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming messages and writing to the database.
func (w *OrderWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("order writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *OrderWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping order writer")

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
		w.logger.Info("order writer stopped")
	case <-ctx.Done():
		w.logger.Warn("order writer stop timed out")
	}

	w.flush()

	return nil
}

// Stats returns current metrics.
func (w *OrderWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *OrderWriter) consumeLoop() {
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

func (w *OrderWriter) flushLoop() {
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

func (w *OrderWriter) handleMessage(msg router.OrderMsg) {
	row := w.transform(msg)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// transform converts an OrderMsg to an orderRow.
func (w *OrderWriter) transform(msg router.OrderMsg) orderRow {
	return orderRow{
		ReceivedAt:      msg.ReceivedAt.UnixMicro(),
		OrderNumber:     msg.OrderNumber,
		Exchange:        msg.Exchange,
		TradingSymbol:   msg.TradingSymbol,
		Status:          msg.Status,
		ReportType:      msg.ReportType,
		TransactionType: msg.TransactionType,
		Product:         msg.Product,
		Quantity:        asInt(msg.Quantity),
		Price:           paise(msg.Price),
		FillShares:      asInt(msg.FillShares),
		AvgPrice:        paise(msg.AveragePrice),
		RejectReason:    msg.RejectReason,
		RunID:           w.cfg.RunID,
	}
}

func (w *OrderWriter) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]orderRow, 0, w.cfg.BatchSize)
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

	w.logger.Debug("flushed order events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *OrderWriter) batchInsert(rows []orderRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO order_events (received_at, order_number, exchange, trading_symbol, status, report_type, transaction_type, product, quantity, price, fill_shares, avg_price, reject_reason, run_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (order_number, report_type, received_at) DO NOTHING
		`, r.ReceivedAt, r.OrderNumber, r.Exchange, r.TradingSymbol, r.Status, r.ReportType, r.TransactionType, r.Product, r.Quantity, r.Price, r.FillShares, r.AvgPrice, r.RejectReason, r.RunID)
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
