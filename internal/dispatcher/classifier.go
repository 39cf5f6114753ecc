package dispatcher

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/signing"
)

type Verdict int

const (
	Retryable Verdict = iota
	Terminal
)

func (v Verdict) String() string {
	if v == Terminal {
		return "terminal"
	}
	return "retryable"
}

// Failure describes one unsuccessful attempt. StatusCode is 0 when no
// response was received.
type Failure struct {
	StatusCode int
	Err        error
}

// ConfigError reports whether the attempt failed before any request was made
// because the endpoint itself is misconfigured.
func (f Failure) ConfigError() bool {
	return errors.Is(f.Err, signing.ErrMissingSecret) ||
		errors.Is(f.Err, signing.ErrUnsupportedAlgorithm) ||
		errors.Is(f.Err, model.ErrInvalidEndpoint)
}

type FailureClassifier interface {
	Classify(f Failure) Verdict
}

// RetryAll treats every failure as retryable; the budget alone ends the pipeline.
type RetryAll struct{}

func (RetryAll) Classify(Failure) Verdict { return Retryable }

// SkipPermanent stops retrying failures a retry cannot fix.
type SkipPermanent struct{}

func (SkipPermanent) Classify(f Failure) Verdict {
	if f.ConfigError() {
		return Terminal
	}
	switch f.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone, http.StatusUnprocessableEntity:
		return Terminal
	}
	return Retryable
}

const (
	PolicyRetryAll      = "retry_all"
	PolicySkipPermanent = "skip_permanent"
)

func ClassifierFor(policy string) (FailureClassifier, error) {
	switch policy {
	case "", PolicyRetryAll:
		return RetryAll{}, nil
	case PolicySkipPermanent:
		return SkipPermanent{}, nil
	default:
		return nil, fmt.Errorf("unknown failure policy %q", policy)
	}
}
