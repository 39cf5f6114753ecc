package dispatcher

import (
	"sync"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/metrics"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// MicroBreaker follows the outcomes of one endpoint. Deliveries never wait on
// it: an open breaker only marks the endpoint unhealthy.
type MicroBreaker struct {
	mu               sync.Mutex
	st               state
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	lastFailureAt    time.Time
}

func NewMicroBreaker(threshold int, openFor time.Duration) *MicroBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = time.Minute
	}
	return &MicroBreaker{failThreshold: threshold, openFor: openFor}
}

// state moves open to half-open once the cool-down has passed. Caller holds mu.
func (b *MicroBreaker) state(now time.Time) state {
	if b.st == open && now.After(b.nextTryAt) {
		b.st = halfOpen
	}
	return b.st
}

func (b *MicroBreaker) OnSuccess() {
	b.mu.Lock()
	b.consecutiveFails = 0
	b.st = closed
	b.mu.Unlock()
}

func (b *MicroBreaker) OnFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = now
	b.consecutiveFails++
	if b.state(now) == halfOpen || b.consecutiveFails >= b.failThreshold {
		b.st = open
		b.nextTryAt = now.Add(b.openFor)
	}
}

type EndpointHealth struct {
	EndpointID          string     `json:"endpoint_id"`
	State               string     `json:"state"`
	Healthy             bool       `json:"healthy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	OpenUntil           *time.Time `json:"open_until,omitempty"`
}

func (b *MicroBreaker) snapshot(id string, now time.Time) EndpointHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(now)
	h := EndpointHealth{
		EndpointID:          id,
		State:               st.String(),
		Healthy:             st == closed,
		ConsecutiveFailures: b.consecutiveFails,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		h.LastFailureAt = &t
	}
	if st == open {
		t := b.nextTryAt
		h.OpenUntil = &t
	}
	return h
}

// HealthTracker keeps one breaker per endpoint seen by this process.
type HealthTracker struct {
	mu        sync.Mutex
	breakers  map[string]*MicroBreaker
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

func NewHealthTracker(threshold int, openFor time.Duration) *HealthTracker {
	return &HealthTracker{
		breakers:  make(map[string]*MicroBreaker),
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

func (h *HealthTracker) breaker(endpointID string) *MicroBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.breakers[endpointID]
	if !ok {
		b = NewMicroBreaker(h.threshold, h.openFor)
		h.breakers[endpointID] = b
	}
	return b
}

// Observe feeds one attempt outcome to the endpoint's breaker.
func (h *HealthTracker) Observe(endpointID string, success bool) {
	b := h.breaker(endpointID)
	now := h.now()
	if success {
		b.OnSuccess()
	} else {
		b.OnFailure(now)
	}

	gauge := 0.0
	if b.snapshot(endpointID, now).State == open.String() {
		gauge = 1
	}
	metrics.CircuitOpen.WithLabelValues(endpointID).Set(gauge)
}

func (h *HealthTracker) Health(endpointID string) EndpointHealth {
	h.mu.Lock()
	b, ok := h.breakers[endpointID]
	h.mu.Unlock()
	if !ok {
		return EndpointHealth{EndpointID: endpointID, State: closed.String(), Healthy: true}
	}
	return b.snapshot(endpointID, h.now())
}

func (h *HealthTracker) Healthy(endpointID string) bool {
	return h.Health(endpointID).Healthy
}
