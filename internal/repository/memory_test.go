package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
)

func TestMemoryLedgerIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := model.DeliveryRecord{ID: "r1", EndpointID: "ep", EventID: "e1", AttemptNumber: 1, Status: model.DeliveryPending, Envelope: []byte(`{}`)}

	if err := m.RecordAttempt(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Status = model.DeliveryFailedRetryable
	rec.Envelope = nil
	if err := m.RecordAttempt(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Status = model.DeliveryPending
	if err := m.RecordAttempt(ctx, rec); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("backward move err = %v", err)
	}
	rec.Status = model.DeliveryRetrying
	if err := m.RecordAttempt(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got := m.Records("ep", "e1")
	if len(got) != 1 || got[0].Status != model.DeliveryRetrying {
		t.Fatalf("records = %+v", got)
	}
	if string(got[0].Envelope) != `{}` {
		t.Fatalf("envelope lost on update")
	}
}

func TestMemoryTerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := model.DeliveryRecord{EndpointID: "ep", EventID: "e1", AttemptNumber: 1, Status: model.DeliveryDelivered}
	if err := m.RecordAttempt(ctx, rec); err != nil {
		t.Fatal(err)
	}
	// rewriting the same terminal status is refused too
	if err := m.RecordAttempt(ctx, rec); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
}

func TestMemoryHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		_ = m.RecordAttempt(ctx, model.DeliveryRecord{
			EndpointID: "ep", EventID: "e1", EventType: "lead.created", AttemptNumber: i,
			Status: model.DeliveryFailedTerminal, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	_ = m.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "other", EventID: "e1", AttemptNumber: 1, Status: model.DeliveryDelivered})

	got, err := m.QueryHistory(ctx, "ep", HistoryFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].AttemptNumber != 3 || got[1].AttemptNumber != 2 {
		t.Fatalf("history = %+v", got)
	}

	since := base.Add(150 * time.Second)
	got, _ = m.QueryHistory(ctx, "ep", HistoryFilter{Since: &since})
	if len(got) != 1 || got[0].AttemptNumber != 3 {
		t.Fatalf("since filter = %+v", got)
	}
	got, _ = m.QueryHistory(ctx, "ep", HistoryFilter{Offset: 5})
	if len(got) != 0 {
		t.Fatalf("offset past end = %+v", got)
	}
}

func TestMemoryListUnfinished(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	old := time.Now().Add(-time.Hour)
	due := time.Now().Add(-time.Minute)

	_ = m.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "stuck", AttemptNumber: 1, Status: model.DeliveryPending, CreatedAt: old})
	_ = m.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "due", AttemptNumber: 1, Status: model.DeliveryFailedRetryable, CreatedAt: old})
	_ = m.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "due", AttemptNumber: 1, Status: model.DeliveryRetrying, NextRetryAt: &due})
	// retried already: its follow-up exists
	_ = m.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "done", AttemptNumber: 1, Status: model.DeliveryFailedRetryable, CreatedAt: old})
	_ = m.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "done", AttemptNumber: 1, Status: model.DeliveryRetrying, NextRetryAt: &due})
	_ = m.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "done", AttemptNumber: 2, Status: model.DeliveryDelivered})

	got, err := m.ListUnfinished(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("unfinished = %+v", got)
	}
	for _, r := range got {
		if r.EventID == "done" {
			t.Fatalf("record with a follow-up attempt listed")
		}
	}
}

func TestMemoryStatsConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutEndpoint(model.WebhookEndpoint{ID: "ep"})
	stats := m.StatsRepository()

	var wg sync.WaitGroup
	latest := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := latest.Add(-time.Duration(i) * time.Second)
			_ = stats.Increment(ctx, "ep", i%2 == 0, at)
		}(i)
	}
	wg.Wait()

	st, err := stats.Get(ctx, "ep")
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRequests != 100 || st.SuccessfulRequests != 50 || st.FailedRequests != 50 {
		t.Fatalf("stats = %+v", st)
	}
	if st.LastRequestAt == nil || !st.LastRequestAt.Equal(latest) {
		t.Fatalf("last_request_at = %v", st.LastRequestAt)
	}

	// re-registering the endpoint keeps its counters
	m.PutEndpoint(model.WebhookEndpoint{ID: "ep", TargetURL: "https://example.com"})
	if m.Stats("ep").TotalRequests != 100 {
		t.Fatalf("stats reset on update")
	}
}

func TestMemoryDeliverable(t *testing.T) {
	m := NewMemory()
	m.PutEndpoint(model.WebhookEndpoint{ID: "a", TenantID: "t", IsActive: true})
	m.PutEndpoint(model.WebhookEndpoint{ID: "b", TenantID: "t", IsActive: true, IsPaused: true})
	m.PutEndpoint(model.WebhookEndpoint{ID: "c", TenantID: "t"})
	m.PutEndpoint(model.WebhookEndpoint{ID: "d", TenantID: "u", IsActive: true})

	got, err := m.ListDeliverable(context.Background(), "t")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("deliverable = %+v", got)
	}
	if ep, _ := m.Get(context.Background(), "zzz"); ep != nil {
		t.Fatalf("missing endpoint returned %+v", ep)
	}
}

func TestMemoryClaimHasOneWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	rec := model.DeliveryRecord{ID: "r1", EndpointID: "ep", EventID: "e1", AttemptNumber: 1, Status: model.DeliveryPending, Envelope: []byte(`{}`)}
	if err := m.RecordAttempt(ctx, rec); err != nil {
		t.Fatal(err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Claim(ctx, rec.Key(), now, now.Add(time.Minute))
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("claim winners = %d, want 1", wins)
	}

	// an expired lease can be taken over
	if ok, _ := m.Claim(ctx, rec.Key(), now.Add(2*time.Minute), now.Add(3*time.Minute)); !ok {
		t.Fatalf("expired lease was not claimable")
	}

	rec.Status = model.DeliveryDelivered
	if err := m.RecordAttempt(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Claim(ctx, rec.Key(), now.Add(time.Hour), now.Add(2*time.Hour)); ok {
		t.Fatalf("delivered row was claimed")
	}
}

func TestMemoryRenewLeasesNeverShortens(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	far := now.Add(time.Hour)
	retrying := model.DeliveryRecord{ID: "r1", EndpointID: "ep", EventID: "e1", AttemptNumber: 1, Status: model.DeliveryRetrying, LeaseUntil: &far}
	pending := model.DeliveryRecord{ID: "r2", EndpointID: "ep", EventID: "e2", AttemptNumber: 1, Status: model.DeliveryPending}
	for _, r := range []model.DeliveryRecord{retrying, pending} {
		if err := m.RecordAttempt(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	until := now.Add(2 * time.Minute)
	if err := m.RenewLeases(ctx, []model.DeliveryKey{retrying.Key(), pending.Key()}, until); err != nil {
		t.Fatal(err)
	}
	if got := m.Records("ep", "e1")[0].LeaseUntil; got == nil || !got.Equal(far) {
		t.Fatalf("retrying lease = %v, want %v", got, far)
	}
	if got := m.Records("ep", "e2")[0].LeaseUntil; got == nil || !got.Equal(until) {
		t.Fatalf("pending lease = %v, want %v", got, until)
	}
}
