package dispatcher

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/signing"
)

func TestRetryAllRetriesEverything(t *testing.T) {
	for _, f := range []Failure{
		{StatusCode: 404},
		{StatusCode: 500},
		{Err: signing.ErrMissingSecret},
		{Err: errors.New("connection refused")},
	} {
		if v := (RetryAll{}).Classify(f); v != Retryable {
			t.Fatalf("%+v classified %s", f, v)
		}
	}
}

func TestSkipPermanent(t *testing.T) {
	cases := []struct {
		f    Failure
		want Verdict
	}{
		{Failure{StatusCode: 404, Err: errors.New("HTTP 404")}, Terminal},
		{Failure{StatusCode: 410}, Terminal},
		{Failure{StatusCode: 401}, Terminal},
		{Failure{StatusCode: 422}, Terminal},
		{Failure{StatusCode: 429}, Retryable},
		{Failure{StatusCode: 503}, Retryable},
		{Failure{Err: errors.New("i/o timeout")}, Retryable},
		{Failure{Err: fmt.Errorf("endpoint x: %w", signing.ErrUnsupportedAlgorithm)}, Terminal},
		{Failure{Err: fmt.Errorf("%w: bad url", model.ErrInvalidEndpoint)}, Terminal},
	}
	for _, tc := range cases {
		if got := (SkipPermanent{}).Classify(tc.f); got != tc.want {
			t.Fatalf("%+v classified %s, want %s", tc.f, got, tc.want)
		}
	}
}

func TestClassifierFor(t *testing.T) {
	if c, err := ClassifierFor(""); err != nil || c != (RetryAll{}) {
		t.Fatalf("default = %v, %v", c, err)
	}
	if c, err := ClassifierFor(PolicySkipPermanent); err != nil || c != (SkipPermanent{}) {
		t.Fatalf("skip_permanent = %v, %v", c, err)
	}
	if _, err := ClassifierFor("sometimes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
