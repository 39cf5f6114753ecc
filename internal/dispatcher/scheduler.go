package dispatcher

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"go.uber.org/zap"
)

// Backoff computes retry delays: base * 2^(attempt-1), capped at MaxDelay and
// spread by +/- Jitter (a fraction of the delay).
type Backoff struct {
	MaxDelay time.Duration
	Jitter   float64

	rand func() float64
}

func (b Backoff) Delay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		spread := float64(d) * b.Jitter * (2*r() - 1)
		d += time.Duration(spread)
		if b.MaxDelay > 0 && d > b.MaxDelay {
			d = b.MaxDelay
		}
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Scheduler parks failed attempts on timers until their retry is due.
type Scheduler struct {
	ledger  repository.DeliveryLedger
	backoff Backoff
	log     *zap.Logger
	now     func() time.Time
	unit    time.Duration // length of one BaseRetryDelaySeconds step
	lease   time.Duration // retrying rows stay claimed this long past their due time

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
}

func NewScheduler(ledger repository.DeliveryLedger, backoff Backoff, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		ledger:  ledger,
		backoff: backoff,
		log:     log,
		now:     time.Now,
		unit:    time.Second,
		lease:   2 * time.Minute,
		timers:  make(map[*time.Timer]struct{}),
	}
}

// ScheduleRetry marks rec (attempt number `attempt`, already failed_retryable)
// as retrying and runs next once the backoff delay has elapsed. It returns
// false when the scheduler is stopped; the record is still marked retrying so
// recovery can pick it up.
func (s *Scheduler) ScheduleRetry(ctx context.Context, rec model.DeliveryRecord, ep model.WebhookEndpoint, attempt int, next func()) bool {
	delay := s.backoff.Delay(time.Duration(ep.BaseRetryDelaySeconds)*s.unit, attempt)
	at := s.now().UTC().Add(delay)

	rec.Status = model.DeliveryRetrying
	rec.NextRetryAt = &at
	rec.LeaseUntil = leaseUntil(at, s.lease)
	writeCtx, cancel := storageContext(ctx)
	err := s.ledger.RecordAttempt(writeCtx, rec)
	cancel()
	if err != nil {
		metrics.StorageErrors.WithLabelValues("record").Inc()
		s.log.Warn("mark retrying failed",
			zap.String("endpoint_id", rec.EndpointID),
			zap.String("event_id", rec.EventID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[t]
		delete(s.timers, t)
		s.mu.Unlock()
		if live {
			next()
		}
	})
	s.timers[t] = struct{}{}
	metrics.RetriesScheduled.Inc()

	s.log.Debug("retry scheduled",
		zap.String("endpoint_id", rec.EndpointID),
		zap.String("event_id", rec.EventID),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay))
	return true
}

// Pending is the number of armed retry timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every armed timer and refuses new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for t := range s.timers {
		t.Stop()
		delete(s.timers, t)
	}
}

// storageContext detaches ledger and stats writes from the attempt context so
// a cancelled attempt still gets its outcome recorded.
func storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
