package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/sanitize"
	"github.com/jmehdipour/webhook-gateway/internal/signing"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrShuttingDown     = fmt.Errorf("dispatcher is shutting down")
	ErrEndpointNotFound = fmt.Errorf("endpoint not found")

	errDeliveryLive = errors.New("delivery already running in this process")
)

type Options struct {
	MaxInFlight          int64
	RequestTimeout       time.Duration
	TestTimeout          time.Duration
	MaxResponseBodyBytes int
	HeaderPrefix         string
	UserAgent            string
	Backoff              Backoff
	Classifier           FailureClassifier
	BreakerThreshold     int
	BreakerOpenFor       time.Duration
	// Lease is how long a row stays claimed by this process without a
	// heartbeat. Recovery never touches a row whose lease is still running.
	Lease time.Duration

	Client *http.Client
	Logger *zap.Logger
}

// OptionsFromConfig maps the dispatcher and webhook config sections.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	cl, err := ClassifierFor(cfg.Dispatcher.FailurePolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		MaxInFlight:          cfg.Dispatcher.MaxInFlight,
		RequestTimeout:       cfg.Webhook.RequestTimeout,
		TestTimeout:          cfg.Webhook.TestTimeout,
		MaxResponseBodyBytes: cfg.Webhook.MaxResponseBodyBytes,
		HeaderPrefix:         cfg.Webhook.HeaderPrefix,
		UserAgent:            cfg.Webhook.UserAgent,
		Backoff:              Backoff{MaxDelay: cfg.Dispatcher.Backoff.MaxDelay, Jitter: cfg.Dispatcher.Backoff.Jitter},
		Classifier:           cl,
		BreakerThreshold:     cfg.Dispatcher.Breaker.FailThreshold,
		BreakerOpenFor:       cfg.Dispatcher.Breaker.OpenFor,
		Lease:                cfg.Dispatcher.RecoveryGrace,
	}, nil
}

// Dispatcher fans events out to the tenant's subscribed endpoints. Every
// (endpoint, event) pair runs as its own pipeline of sequential attempts.
type Dispatcher struct {
	endpoints repository.EndpointRepository
	exec      *executor
	scheduler *Scheduler
	health    *HealthTracker
	ledger    repository.DeliveryLedger
	sem       *semaphore.Weighted
	log       *zap.Logger
	now       func() time.Time
	lease     time.Duration

	testTimeout time.Duration

	// base is the parent of every attempt; cancelled only when Shutdown gives up waiting.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	live    map[pairKey]int // attempt currently owned by a pipeline
	wg      sync.WaitGroup
}

type pairKey struct {
	endpointID string
	eventID    string
}

func (del delivery) pair() pairKey {
	return pairKey{endpointID: del.endpoint.ID, eventID: del.eventID}
}

func New(
	endpoints repository.EndpointRepository,
	ledger repository.DeliveryLedger,
	stats repository.StatsRepository,
	signer *signing.Signer,
	opts Options,
) *Dispatcher {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 256
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = 10 * time.Second
	}
	if opts.MaxResponseBodyBytes <= 0 {
		opts.MaxResponseBodyBytes = 10000
	}
	if opts.HeaderPrefix == "" {
		opts.HeaderPrefix = "X-Webhook"
	}
	if opts.Classifier == nil {
		opts.Classifier = RetryAll{}
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}

	health := NewHealthTracker(opts.BreakerThreshold, opts.BreakerOpenFor)
	base, cancel := context.WithCancel(context.Background())

	scheduler := NewScheduler(ledger, opts.Backoff, opts.Logger)
	scheduler.lease = opts.Lease

	d := &Dispatcher{
		endpoints: endpoints,
		health:    health,
		scheduler: scheduler,
		ledger:    ledger,
		sem:       semaphore.NewWeighted(opts.MaxInFlight),
		log:       opts.Logger,
		now:       time.Now,
		lease:     opts.Lease,
		live:      make(map[pairKey]int),

		testTimeout: opts.TestTimeout,
		base:        base,
		cancel:      cancel,
	}
	d.exec = &executor{
		client:     opts.Client,
		signer:     signer,
		ledger:     ledger,
		stats:      stats,
		classifier: opts.Classifier,
		health:     health,
		log:        opts.Logger,
		timeout:    opts.RequestTimeout,
		maxBody:    opts.MaxResponseBodyBytes,
		prefix:     opts.HeaderPrefix,
		userAgent:  opts.UserAgent,
		now:        time.Now,
	}
	go d.heartbeat()
	return d
}

// Ticket tracks one dispatched event.
type Ticket struct {
	EventID   string
	endpoints []string
	attempted chan struct{}
}

// Endpoints lists the endpoint ids the event fans out to.
func (t *Ticket) Endpoints() []string { return t.endpoints }

// Attempted is closed once every pipeline has finished its first attempt,
// whatever the outcome. It does not mean delivered.
func (t *Ticket) Attempted() <-chan struct{} { return t.attempted }

func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.attempted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerEvent is the producer entry point.
func (d *Dispatcher) TriggerEvent(ctx context.Context, ev model.Event) (*Ticket, error) {
	at := ev.Timestamp
	if at.IsZero() {
		at = d.now()
	}
	return d.dispatch(ctx, ev.TenantID, ev.Type, ev.ID, at, ev.Payload)
}

// Dispatch resolves subscribers and starts one pipeline per endpoint. It
// returns as soon as the pipelines are started; delivery failures never
// surface here.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, eventType, eventID string, payload model.Payload) (*Ticket, error) {
	return d.dispatch(ctx, tenantID, eventType, eventID, d.now(), payload)
}

func (d *Dispatcher) dispatch(ctx context.Context, tenantID, eventType, eventID string, at time.Time, payload model.Payload) (*Ticket, error) {
	if d.isClosing() {
		return nil, ErrShuttingDown
	}

	all, err := d.endpoints.ListDeliverable(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoints for tenant %s: %w", tenantID, err)
	}
	var targets []model.WebhookEndpoint
	for _, ep := range all {
		if ep.Deliverable() && ep.Subscribes(eventType) && !d.alreadyDispatched(ctx, ep.ID, eventID) {
			targets = append(targets, ep)
		}
	}

	t := &Ticket{EventID: eventID, attempted: make(chan struct{})}
	if len(targets) == 0 {
		close(t.attempted)
		return t, nil
	}

	var fields map[string]any
	if payload != nil {
		fields = payload.Fields()
	}
	env := model.NewEnvelope(eventType, eventID, at, sanitize.Sanitize(fields))
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", eventID, err)
	}

	var firsts sync.WaitGroup
	for _, ep := range targets {
		del := delivery{
			endpoint:  ep,
			tenantID:  tenantID,
			eventType: eventType,
			eventID:   eventID,
			timestamp: env.Timestamp,
			body:      body,
			attempt:   1,
		}
		firsts.Add(1)
		switch err := d.launch(del, true, firsts.Done); {
		case err == nil:
			t.endpoints = append(t.endpoints, ep.ID)
		case errors.Is(err, errDeliveryLive):
			firsts.Done()
			d.log.Info("event already in flight, skipped",
				zap.String("endpoint_id", ep.ID),
				zap.String("event_id", eventID))
		default:
			firsts.Done()
		}
	}
	go func() {
		firsts.Wait()
		close(t.attempted)
	}()

	d.log.Debug("event dispatched",
		zap.String("tenant_id", tenantID),
		zap.String("event_id", eventID),
		zap.String("event_type", eventType),
		zap.Int("endpoints", len(t.endpoints)))
	return t, nil
}

// alreadyDispatched reports whether the ledger holds any attempt of eventID
// for the endpoint. A re-sent event id is not delivered twice. When the
// ledger cannot answer the event goes out anyway.
func (d *Dispatcher) alreadyDispatched(ctx context.Context, endpointID, eventID string) bool {
	rows, err := d.ledger.QueryHistory(ctx, endpointID, repository.HistoryFilter{EventID: eventID, Limit: 1})
	if err != nil {
		metrics.StorageErrors.WithLabelValues("query").Inc()
		d.log.Warn("duplicate check failed",
			zap.String("endpoint_id", endpointID),
			zap.String("event_id", eventID),
			zap.Error(err))
		return false
	}
	if len(rows) == 0 {
		return false
	}
	d.log.Info("event already dispatched, skipped",
		zap.String("endpoint_id", endpointID),
		zap.String("event_id", eventID),
		zap.String("status", rows[0].Status.String()))
	return true
}

// launch starts the goroutine for one attempt unless Shutdown has begun.
// A fresh pipeline (dispatch or resume) must not find its pair already live;
// a follow-up attempt inherits the pair from the attempt before it.
func (d *Dispatcher) launch(del delivery, fresh bool, attempted func()) error {
	key := del.pair()
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ErrShuttingDown
	}
	if _, busy := d.live[key]; busy && fresh {
		d.mu.Unlock()
		return errDeliveryLive
	}
	d.live[key] = del.attempt
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.run(del, attempted)
	}()
	return nil
}

func (d *Dispatcher) release(del delivery) {
	d.mu.Lock()
	delete(d.live, del.pair())
	d.mu.Unlock()
}

// run performs one attempt and, when it failed retryably, hands the next one
// to the scheduler. The pair stays live until no further attempt is armed.
func (d *Dispatcher) run(del delivery, attempted func()) {
	var once sync.Once
	signal := func() {
		if attempted != nil {
			once.Do(attempted)
		}
	}
	defer signal()

	d.recordPending(del)

	if err := d.sem.Acquire(d.base, 1); err != nil {
		// shutting down; the pending row is left for recovery once its lease runs out
		d.release(del)
		return
	}
	metrics.InFlight.Inc()
	rec := d.exec.execute(d.base, del)
	metrics.InFlight.Dec()
	d.sem.Release(1)
	signal()

	if rec.Status != model.DeliveryFailedRetryable {
		d.release(del)
		return
	}
	next := del
	next.attempt++
	armed := d.scheduler.ScheduleRetry(d.base, rec, del.endpoint, del.attempt, func() {
		if err := d.launch(next, false, nil); err != nil {
			d.release(next)
		}
	})
	if !armed {
		d.release(del)
	}
}

func (d *Dispatcher) recordPending(del delivery) {
	now := d.now().UTC()
	rec := model.DeliveryRecord{
		ID:            util.New(),
		EndpointID:    del.endpoint.ID,
		TenantID:      del.tenantID,
		EventType:     del.eventType,
		EventID:       del.eventID,
		AttemptNumber: del.attempt,
		Status:        model.DeliveryPending,
		Envelope:      del.body,
		LeaseUntil:    leaseUntil(now, d.lease),
		CreatedAt:     now,
	}
	ctx, cancel := storageContext(d.base)
	defer cancel()
	if err := d.exec.ledger.RecordAttempt(ctx, rec); err != nil {
		metrics.StorageErrors.WithLabelValues("record").Inc()
		d.log.Warn("record pending failed",
			zap.String("endpoint_id", del.endpoint.ID),
			zap.String("event_id", del.eventID),
			zap.Error(err))
	}
}

// Resume re-drives a record left unfinished by a previous process: a pending
// record re-runs its own attempt, a retrying one runs the attempt after it.
// It reports false without error when the delivery is still owned, either by
// a pipeline of this process or by a lease another process keeps renewing.
func (d *Dispatcher) Resume(ctx context.Context, rec model.DeliveryRecord) (bool, error) {
	if rec.Status != model.DeliveryPending && rec.Status != model.DeliveryRetrying {
		return false, fmt.Errorf("resume %s/%s: status %s is not resumable", rec.EndpointID, rec.EventID, rec.Status)
	}
	if len(rec.Envelope) == 0 {
		return false, fmt.Errorf("resume %s/%s: no stored envelope", rec.EndpointID, rec.EventID)
	}
	if d.isLive(pairKey{endpointID: rec.EndpointID, eventID: rec.EventID}) {
		return false, nil
	}

	ep, err := d.endpoints.Get(ctx, rec.EndpointID)
	if err != nil {
		return false, fmt.Errorf("resume %s/%s: %w", rec.EndpointID, rec.EventID, err)
	}
	if ep == nil {
		return false, fmt.Errorf("resume %s/%s: %w", rec.EndpointID, rec.EventID, ErrEndpointNotFound)
	}

	var env model.Envelope
	if err := json.Unmarshal(rec.Envelope, &env); err != nil {
		return false, fmt.Errorf("resume %s/%s: decode envelope: %w", rec.EndpointID, rec.EventID, err)
	}

	now := d.now().UTC()
	claimed, err := d.ledger.Claim(ctx, rec.Key(), now, now.Add(d.lease))
	if err != nil {
		return false, fmt.Errorf("resume %s/%s: claim: %w", rec.EndpointID, rec.EventID, err)
	}
	if !claimed {
		return false, nil
	}

	del := delivery{
		endpoint:  *ep,
		tenantID:  rec.TenantID,
		eventType: rec.EventType,
		eventID:   rec.EventID,
		timestamp: env.Timestamp,
		body:      rec.Envelope,
		attempt:   rec.AttemptNumber,
	}
	if rec.Status == model.DeliveryRetrying {
		del.attempt++
	}
	switch err := d.launch(del, true, nil); {
	case err == nil:
		return true, nil
	case errors.Is(err, errDeliveryLive):
		return false, nil
	default:
		return false, err
	}
}

func (d *Dispatcher) isLive(key pairKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.live[key]
	return ok
}

// heartbeat keeps the leases of live pipelines ahead of the clock so no
// recovery loop mistakes them for abandoned rows.
func (d *Dispatcher) heartbeat() {
	tick := time.NewTicker(d.lease / 3)
	defer tick.Stop()
	for {
		select {
		case <-d.base.Done():
			return
		case <-tick.C:
		}

		d.mu.Lock()
		keys := make([]model.DeliveryKey, 0, len(d.live))
		for k, attempt := range d.live {
			keys = append(keys, model.DeliveryKey{EndpointID: k.endpointID, EventID: k.eventID, AttemptNumber: attempt})
		}
		d.mu.Unlock()
		if len(keys) == 0 {
			continue
		}

		ctx, cancel := storageContext(d.base)
		err := d.ledger.RenewLeases(ctx, keys, d.now().UTC().Add(d.lease))
		cancel()
		if err != nil {
			metrics.StorageErrors.WithLabelValues("lease").Inc()
			d.log.Warn("renew leases failed", zap.Int("deliveries", len(keys)), zap.Error(err))
		}
	}
}

func leaseUntil(from time.Time, lease time.Duration) *time.Time {
	t := from.Add(lease)
	return &t
}

// Health reports the endpoint's breaker state as seen by this process.
func (d *Dispatcher) Health(endpointID string) EndpointHealth {
	return d.health.Health(endpointID)
}

func (d *Dispatcher) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closing
}

// Shutdown refuses new work, cancels armed retry timers and waits for running
// attempts. When ctx expires first, running attempts are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return errors.Join(ErrShuttingDown, ctx.Err())
	}
}
