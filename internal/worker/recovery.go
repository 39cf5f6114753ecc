package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"go.uber.org/zap"
)

// Resumer re-drives one unfinished delivery record. It reports false when the
// record is still owned by a live pipeline and was left alone.
type Resumer interface {
	Resume(ctx context.Context, rec model.DeliveryRecord) (bool, error)
}

// Recovery periodically picks up deliveries a crashed or stopped process left
// pending or retrying, and hands them back to the dispatcher.
type Recovery struct {
	Ledger   repository.DeliveryLedger
	Resumer  Resumer
	Log      *zap.Logger
	Interval time.Duration // tick period
	Grace    time.Duration // how overdue a record must be before it is considered abandoned
	Batch    int

	now func() time.Time

	mu      sync.Mutex
	resumed map[model.DeliveryKey]time.Time
}

func NewRecovery(ledger repository.DeliveryLedger, r Resumer, log *zap.Logger) *Recovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recovery{
		Ledger:   ledger,
		Resumer:  r,
		Log:      log,
		Interval: time.Minute,
		Grace:    2 * time.Minute,
		Batch:    200,
		now:      time.Now,
		resumed:  make(map[model.DeliveryKey]time.Time),
	}
}

// Run ticks until ctx is cancelled.
func (w *Recovery) Run(ctx context.Context) error {
	if w.Interval <= 0 {
		w.Interval = time.Minute
	}
	tick := time.NewTicker(w.Interval)
	defer tick.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.Log.Warn("recovery pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// RunOnce resumes one batch of abandoned records and returns how many were
// handed back. Records already resumed by this worker within the grace
// window are skipped.
func (w *Recovery) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	recs, err := w.Ledger.ListUnfinished(ctx, now.Add(-w.Grace), w.Batch)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	for k, at := range w.resumed {
		if now.Sub(at) > w.Grace+w.Interval {
			delete(w.resumed, k)
		}
	}
	w.mu.Unlock()

	var (
		n    int
		errs []error
	)
	for _, rec := range recs {
		key := rec.Key()
		w.mu.Lock()
		_, seen := w.resumed[key]
		w.mu.Unlock()
		if seen {
			continue
		}

		ok, err := w.Resumer.Resume(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			w.Log.Warn("resume failed",
				zap.String("endpoint_id", rec.EndpointID),
				zap.String("event_id", rec.EventID),
				zap.Int("attempt", rec.AttemptNumber),
				zap.Error(err))
			continue
		}
		if !ok {
			w.Log.Debug("delivery still owned, skipped",
				zap.String("endpoint_id", rec.EndpointID),
				zap.String("event_id", rec.EventID),
				zap.Int("attempt", rec.AttemptNumber))
			continue
		}
		w.mu.Lock()
		w.resumed[key] = now
		w.mu.Unlock()
		n++
	}
	if n > 0 {
		w.Log.Info("recovered deliveries", zap.Int("count", n), zap.Int("listed", len(recs)))
	}
	return n, errors.Join(errs...)
}
