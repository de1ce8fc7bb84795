package billing

import (
	"context"

	"go.uber.org/zap"

	"github.com/vnmchuo/query-gateway/internal/worker"
)

// Sink accepts finished query records. Implementations must not block the
// caller on persistence.
type Sink interface {
	Submit(ctx context.Context, rec *QueryRecord)
}

// Recorder applies records synchronously. Applying the same record twice is
// safe: the store reports the duplicate and the aggregate is left alone.
type Recorder struct {
	store  Store
	logger *zap.Logger
}

func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, rec *QueryRecord) error {
	applied, err := r.store.Apply(ctx, rec)
	if err != nil {
		return err
	}
	if !applied {
		r.logger.Debug("query record already applied", zap.String("record_id", rec.ID))
	}
	return nil
}

// Submit on a Recorder applies inline and logs failures.
func (r *Recorder) Submit(ctx context.Context, rec *QueryRecord) {
	if err := r.Record(ctx, rec); err != nil {
		r.logger.Error("query record not persisted", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

// AsyncRecorder hands records to a worker queue that retries persistence
// failures. A record that cannot be queued is logged and dropped.
type AsyncRecorder struct {
	recorder  *Recorder
	queue     worker.Queue
	logger    *zap.Logger
	onDropped func()
}

func NewAsyncRecorder(recorder *Recorder, queue worker.Queue, logger *zap.Logger, onDropped func()) *AsyncRecorder {
	return &AsyncRecorder{recorder: recorder, queue: queue, logger: logger, onDropped: onDropped}
}

func (a *AsyncRecorder) Submit(ctx context.Context, rec *QueryRecord) {
	job := &worker.AsyncJob{
		ID:       rec.ID,
		TenantID: rec.TenantID,
		Kind:     "query_record",
		Run: func(ctx context.Context) error {
			return a.recorder.Record(ctx, rec)
		},
	}
	if err := a.queue.Enqueue(ctx, job); err != nil {
		a.logger.Error("query record dropped",
			zap.String("record_id", rec.ID),
			zap.String("tenant_id", rec.TenantID),
			zap.String("outcome", string(rec.Outcome)),
			zap.Error(err),
		)
		if a.onDropped != nil {
			a.onDropped()
		}
	}
}
