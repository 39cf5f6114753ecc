package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestIntakeMessageEvent(t *testing.T) {
	at := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	msg := IntakeMessage{
		TenantID: "t1",
		Type:     EventLeadCreated,
		ID:       "evt-1",
		Payload:  json.RawMessage(`{"lead_id":"L1","email":"a@b.co","score":7}`),
	}
	ev, err := msg.Event(at)
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	lc, ok := ev.Payload.(LeadCreated)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if lc.LeadID != "L1" || lc.Score == nil || *lc.Score != 7 || !ev.Timestamp.Equal(at) {
		t.Fatalf("event = %+v", ev)
	}
}

func TestIntakeMessageUnknownTypeIsPassthrough(t *testing.T) {
	msg := IntakeMessage{TenantID: "t1", Type: "site_visit.booked", ID: "e", Payload: json.RawMessage(`{"slot":"10:00"}`)}
	ev, err := msg.Event(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	p, ok := ev.Payload.(Passthrough)
	if !ok || p.EventType() != "site_visit.booked" || p.Fields()["slot"] != "10:00" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
}

func TestPassthroughKeepsLargeIntegers(t *testing.T) {
	p, err := DecodePayload("booking.synced", json.RawMessage(`{"booking_id":9007199254740993,"amount":12.5}`))
	if err != nil {
		t.Fatal(err)
	}
	f := p.Fields()
	if f["booking_id"] != json.Number("9007199254740993") {
		t.Fatalf("booking_id = %#v", f["booking_id"])
	}
	out, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"amount":12.5,"booking_id":9007199254740993}` {
		t.Fatalf("re-encoded = %s", out)
	}
	if _, err := DecodePayload("booking.synced", json.RawMessage(`{"a":1} {"b":2}`)); err == nil {
		t.Fatalf("trailing data accepted")
	}
}

func TestIntakeMessageRejects(t *testing.T) {
	for name, msg := range map[string]IntakeMessage{
		"tenant":  {Type: "x", ID: "1"},
		"type":    {TenantID: "t", ID: "1"},
		"id":      {TenantID: "t", Type: "x"},
		"payload": {TenantID: "t", Type: EventLeadCreated, ID: "1", Payload: json.RawMessage(`[1,2]`)},
	} {
		if _, err := msg.Event(time.Now()); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
}

func TestDeliveryTransitions(t *testing.T) {
	allowed := [][2]DeliveryStatus{
		{DeliveryPending, DeliveryDelivered},
		{DeliveryPending, DeliveryFailedRetryable},
		{DeliveryPending, DeliveryFailedTerminal},
		{DeliveryFailedRetryable, DeliveryRetrying},
		{DeliveryRetrying, DeliveryDelivered},
		{DeliveryRetrying, DeliveryFailedTerminal},
		{DeliveryPending, DeliveryPending},
	}
	for _, p := range allowed {
		if !p[0].CanTransition(p[1]) {
			t.Fatalf("%s -> %s refused", p[0], p[1])
		}
	}
	refused := [][2]DeliveryStatus{
		{DeliveryDelivered, DeliveryPending},
		{DeliveryFailedTerminal, DeliveryRetrying},
		{DeliveryRetrying, DeliveryFailedRetryable},
		{DeliveryFailedRetryable, DeliveryPending},
		{DeliveryFailedRetryable, DeliveryDelivered},
		{DeliveryPending, DeliveryRetrying},
		{DeliveryDelivered, DeliveryDelivered},
	}
	for _, p := range refused {
		if p[0].CanTransition(p[1]) {
			t.Fatalf("%s -> %s allowed", p[0], p[1])
		}
	}
}

func TestEndpointValidate(t *testing.T) {
	ok := WebhookEndpoint{ID: "e", TenantID: "t", TargetURL: "https://hooks.example.com/x", AuthMode: AuthNone, BaseRetryDelaySeconds: 30}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid endpoint: %v", err)
	}
	bad := ok
	bad.TargetURL = "ftp://example.com"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("ftp url err = %v", err)
	}
	bad = ok
	bad.BaseRetryDelaySeconds = 0
	if err := bad.Validate(); !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("zero delay err = %v", err)
	}
	if ok.MaxAttempts() != 1 {
		t.Fatalf("max attempts = %d", ok.MaxAttempts())
	}
	if !ok.Subscribes("anything") {
		t.Fatalf("empty subscription should match all")
	}
}

func TestDeliveryLifecycleWalk(t *testing.T) {
	l, err := NewDeliveryLifecycle(DeliveryPending)
	if err != nil {
		t.Fatalf("NewDeliveryLifecycle: %v", err)
	}
	for _, step := range []DeliveryStatus{DeliveryFailedRetryable, DeliveryRetrying, DeliveryDelivered} {
		if err := l.MoveTo(step); err != nil {
			t.Fatalf("MoveTo(%s): %v", step, err)
		}
		if l.Current() != string(step) {
			t.Fatalf("current = %s, want %s", l.Current(), step)
		}
	}
	if err := l.Fire("attempt"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("attempt after delivered err = %v", err)
	}
	if _, err := NewDeliveryLifecycle("bogus"); err == nil {
		t.Fatalf("unknown initial status accepted")
	}
}
