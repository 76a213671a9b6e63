// Package audit implements the per-statement interception pipeline and the
// asynchronous audit trail sink.
package audit

import (
	"context"

	"go.uber.org/zap"

	"deepaudit/core"
	"deepaudit/metrics"
)

// Sink accepts audit records for persistence. Submit must not block the
// caller; implementations queue and report saturation via an error.
type Sink interface {
	Submit(record *core.AuditRecord) error
}

// RecordStore is the durable side of the sink, implemented by the SQLite
// store.
type RecordStore interface {
	InsertAuditRecord(ctx context.Context, record *core.AuditRecord) error
}

// AsyncSink writes audit records through a bounded worker pool. Saturation
// drops the record and counts it; audit latency must never back-pressure
// statement execution.
type AsyncSink struct {
	store  RecordStore
	pool   *core.WorkerPool
	logger *zap.SugaredLogger
}

func NewAsyncSink(store RecordStore, pool *core.WorkerPool, logger *zap.SugaredLogger) *AsyncSink {
	return &AsyncSink{
		store:  store,
		pool:   pool,
		logger: logger,
	}
}

// Submit enqueues one record for persistence.
func (s *AsyncSink) Submit(record *core.AuditRecord) error {
	err := s.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.InsertAuditRecord(ctx, record); err != nil {
			metrics.AuditRecordsDropped.WithLabelValues("store_error").Inc()
			s.logger.Errorw("failed to persist audit record",
				"trace_id", record.TraceID, "identity", record.Identity, "error", err)
		}
	})
	if err != nil {
		metrics.AuditRecordsDropped.WithLabelValues("queue_full").Inc()
		s.logger.Warnw("audit queue saturated, record dropped",
			"trace_id", record.TraceID, "identity", record.Identity)
		return err
	}
	return nil
}
