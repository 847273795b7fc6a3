package writer

import (
	"time"

	"github.com/google/uuid"
)

// WriterConfig holds batching settings shared by all writers.
type WriterConfig struct {
	BatchSize     int           // rows per insert batch
	FlushInterval time.Duration // max time a row waits in a batch

	// RunID ties every persisted row to one recorder run.
	RunID uuid.UUID
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}
