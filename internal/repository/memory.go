package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
)

// Memory is an in-process registry and ledger. It backs tests and
// `serve --store=memory`. Stats are reached through StatsRepository because
// EndpointRepository already claims Get.
type Memory struct {
	mu        sync.Mutex
	endpoints map[string]model.WebhookEndpoint
	records   map[model.DeliveryKey]model.DeliveryRecord
	tenants   map[string]model.Tenant // by api key
}

func NewMemory() *Memory {
	return &Memory{
		endpoints: make(map[string]model.WebhookEndpoint),
		records:   make(map[model.DeliveryKey]model.DeliveryRecord),
		tenants:   make(map[string]model.Tenant),
	}
}

var (
	_ EndpointRepository = (*Memory)(nil)
	_ DeliveryLedger     = (*Memory)(nil)
	_ TenantsRepository  = (*Memory)(nil)
)

// PutEndpoint inserts or replaces an endpoint, keeping its current stats.
func (m *Memory) PutEndpoint(ep model.WebhookEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.endpoints[ep.ID]; ok {
		ep.Stats = old.Stats
	}
	m.endpoints[ep.ID] = ep
}

func (m *Memory) PutTenant(t model.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.APIKey] = t
}

func (m *Memory) ListDeliverable(_ context.Context, tenantID string) ([]model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.WebhookEndpoint
	for _, ep := range m.endpoints {
		if ep.TenantID == tenantID && ep.Deliverable() {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.WebhookEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return nil, nil
	}
	return &ep, nil
}

func (m *Memory) GetByAPIKey(_ context.Context, apiKey string) (*model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[apiKey]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) RecordAttempt(_ context.Context, rec model.DeliveryRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("record attempt: unknown status %q", rec.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := rec.Key()
	old, exists := m.records[key]
	if !exists {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		rec.Envelope = append([]byte(nil), rec.Envelope...)
		m.records[key] = rec
		return nil
	}
	if !old.Status.CanTransition(rec.Status) {
		return fmt.Errorf("%w: %s -> %s (endpoint=%s event=%s attempt=%d)",
			model.ErrInvalidTransition, old.Status, rec.Status, key.EndpointID, key.EventID, key.AttemptNumber)
	}
	rec.ID = old.ID
	rec.CreatedAt = old.CreatedAt
	rec.UpdatedAt = now
	if len(old.Envelope) > 0 {
		rec.Envelope = old.Envelope
	}
	m.records[key] = rec
	return nil
}

func (m *Memory) QueryHistory(_ context.Context, endpointID string, f HistoryFilter) ([]model.DeliveryRecord, error) {
	f = f.normalized()
	m.mu.Lock()
	var out []model.DeliveryRecord
	for _, r := range m.records {
		if r.EndpointID != endpointID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.EventType != "" && r.EventType != f.EventType {
			continue
		}
		if f.EventID != "" && r.EventID != f.EventID {
			continue
		}
		if f.Since != nil && r.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].AttemptNumber > out[j].AttemptNumber
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListUnfinished(_ context.Context, cutoff time.Time, limit int) ([]model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	var out []model.DeliveryRecord
	for _, r := range m.records {
		switch {
		case r.Status == model.DeliveryPending && r.CreatedAt.Before(cutoff):
		case r.Status == model.DeliveryRetrying && r.NextRetryAt != nil && r.NextRetryAt.Before(cutoff):
			next := r.Key()
			next.AttemptNumber++
			if _, started := m.records[next]; started {
				continue
			}
		default:
			continue
		}
		out = append(out, r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Claim(_ context.Context, key model.DeliveryKey, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok || (r.Status != model.DeliveryPending && r.Status != model.DeliveryRetrying) {
		return false, nil
	}
	if r.LeaseUntil != nil && !r.LeaseUntil.Before(now) {
		return false, nil
	}
	u := until.UTC()
	r.LeaseUntil = &u
	m.records[key] = r
	return true, nil
}

func (m *Memory) RenewLeases(_ context.Context, keys []model.DeliveryKey, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := until.UTC()
	for _, k := range keys {
		r, ok := m.records[k]
		if !ok || r.Status.Terminal() {
			continue
		}
		if r.LeaseUntil == nil || r.LeaseUntil.Before(u) {
			r.LeaseUntil = &u
			m.records[k] = r
		}
	}
	return nil
}

// Records returns every ledger row for (endpointID, eventID) ordered by attempt.
func (m *Memory) Records(endpointID, eventID string) []model.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeliveryRecord
	for k, r := range m.records {
		if k.EndpointID == endpointID && k.EventID == eventID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out
}

// RecordCount is the total number of ledger rows.
func (m *Memory) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Memory) Increment(_ context.Context, endpointID string, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[endpointID]
	if !ok {
		return nil
	}
	ep.Stats.TotalRequests++
	if success {
		ep.Stats.SuccessfulRequests++
	} else {
		ep.Stats.FailedRequests++
	}
	if ep.Stats.LastRequestAt == nil || at.After(*ep.Stats.LastRequestAt) {
		t := at.UTC()
		ep.Stats.LastRequestAt = &t
	}
	m.endpoints[endpointID] = ep
	return nil
}

func (m *Memory) Stats(endpointID string) model.EndpointStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoints[endpointID].Stats
}

func (m *Memory) StatsRepository() StatsRepository { return memoryStats{m} }

type memoryStats struct{ m *Memory }

func (s memoryStats) Increment(ctx context.Context, endpointID string, success bool, at time.Time) error {
	return s.m.Increment(ctx, endpointID, success, at)
}

func (s memoryStats) Get(_ context.Context, endpointID string) (model.EndpointStats, error) {
	return s.m.Stats(endpointID), nil
}
