package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/dispatcher"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/signing"
)

type recordingResumer struct {
	got   []model.DeliveryRecord
	fail  map[string]bool
	owned map[string]bool
}

func (r *recordingResumer) Resume(_ context.Context, rec model.DeliveryRecord) (bool, error) {
	if r.fail[rec.EventID] {
		return false, errors.New("endpoint gone")
	}
	if r.owned[rec.EventID] {
		return false, nil
	}
	r.got = append(r.got, rec)
	return true, nil
}

func TestRecoveryResumesAbandonedRecords(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()
	now := time.Now()
	old := now.Add(-10 * time.Minute)
	due := now.Add(-5 * time.Minute)
	fresh := now.Add(-time.Second)

	_ = mem.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "stuck", AttemptNumber: 1, Status: model.DeliveryPending, CreatedAt: old})
	_ = mem.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "inflight", AttemptNumber: 1, Status: model.DeliveryPending, CreatedAt: fresh})
	_ = mem.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "retry", AttemptNumber: 1, Status: model.DeliveryFailedRetryable, CreatedAt: old})
	_ = mem.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "retry", AttemptNumber: 1, Status: model.DeliveryRetrying, NextRetryAt: &due})
	_ = mem.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "gone", AttemptNumber: 1, Status: model.DeliveryPending, CreatedAt: old})

	res := &recordingResumer{fail: map[string]bool{"gone": true}}
	w := NewRecovery(mem, res, nil)
	w.now = func() time.Time { return now }

	n, err := w.RunOnce(ctx)
	if err == nil {
		t.Fatalf("expected the failed resume to be reported")
	}
	if n != 2 || len(res.got) != 2 {
		t.Fatalf("resumed %d (%+v)", n, res.got)
	}
	for _, r := range res.got {
		if r.EventID == "inflight" {
			t.Fatalf("record inside the grace window was resumed")
		}
	}

	// the same records are not handed out twice
	n, _ = w.RunOnce(ctx)
	if n != 0 {
		t.Fatalf("second pass resumed %d", n)
	}
}

func TestRecoveryRetriesOwnedRecordsLater(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()
	now := time.Now()
	_ = mem.RecordAttempt(ctx, model.DeliveryRecord{EndpointID: "ep", EventID: "busy", AttemptNumber: 1, Status: model.DeliveryPending, CreatedAt: now.Add(-time.Hour)})

	res := &recordingResumer{owned: map[string]bool{"busy": true}}
	w := NewRecovery(mem, res, nil)
	w.now = func() time.Time { return now }

	if n, err := w.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("owned record: n=%d err=%v", n, err)
	}

	// once the owner lets go the record is picked up
	res.owned = nil
	if n, err := w.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("released record: n=%d err=%v", n, err)
	}
}

func TestRecoveryLeavesLiveDeliveriesAlone(t *testing.T) {
	var (
		mu   sync.Mutex
		hits = map[string]int{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.Header.Get("X-Webhook-Delivery-Id")]++
		mu.Unlock()
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := repository.NewMemory()
	mem.PutEndpoint(model.WebhookEndpoint{
		ID: "ep-1", TenantID: "tenant-1", TargetURL: srv.URL, AuthMode: model.AuthNone,
		MaxRetries: 3, BaseRetryDelaySeconds: 1, IsActive: true,
	})
	signer, err := signing.NewSigner("", "")
	if err != nil {
		t.Fatal(err)
	}
	d := dispatcher.New(mem, mem, mem.StatsRepository(), signer, dispatcher.Options{MaxInFlight: 1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	ctx := context.Background()
	payload := model.LeadCreated{LeadID: "L1", Name: "Asha"}
	for _, id := range []string{"evt-1", "evt-2"} {
		if _, err := d.Dispatch(ctx, "tenant-1", model.EventLeadCreated, id, payload); err != nil {
			t.Fatalf("dispatch %s: %v", id, err)
		}
	}

	// evt-2 sits pending behind the in-flight limit while the grace is far shorter
	time.Sleep(150 * time.Millisecond)
	w := NewRecovery(mem, d, nil)
	w.Grace = 100 * time.Millisecond
	if n, err := w.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("recovery resumed %d live deliveries (err=%v)", n, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for mem.Stats("ep-1").SuccessfulRequests < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("deliveries did not finish: %+v", mem.Stats("ep-1"))
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if hits["evt-1"] != 1 || hits["evt-2"] != 1 {
		t.Fatalf("hits = %v", hits)
	}
	if st := mem.Stats("ep-1"); st.TotalRequests != 2 {
		t.Fatalf("total requests = %d, want 2", st.TotalRequests)
	}
}
