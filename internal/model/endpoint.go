package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthNone          AuthMode = "none"
	AuthHMACSignature AuthMode = "hmac_signature"
	AuthBearerToken   AuthMode = "bearer_token"
)

func (m AuthMode) String() string { return string(m) }

func (m AuthMode) Valid() bool {
	return m == AuthNone || m == AuthHMACSignature || m == AuthBearerToken
}

// ParseAuthMode normalizes input; empty => none.
func ParseAuthMode(s string) (AuthMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AuthNone, true
	case "hmac_signature", "hmac-signature", "hmac":
		return AuthHMACSignature, true
	case "bearer_token", "bearer-token", "bearer":
		return AuthBearerToken, true
	default:
		return AuthNone, false
	}
}

// Header is one entry of an endpoint's ordered custom header list.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EndpointStats are the aggregate counters of one endpoint. They only grow.
type EndpointStats struct {
	TotalRequests      int64      `db:"total_requests"      json:"total_requests"`
	SuccessfulRequests int64      `db:"successful_requests" json:"successful_requests"`
	FailedRequests     int64      `db:"failed_requests"     json:"failed_requests"`
	LastRequestAt      *time.Time `db:"last_request_at"     json:"last_request_at,omitempty"`
}

// WebhookEndpoint is a tenant-registered HTTP destination.
type WebhookEndpoint struct {
	ID                    string   `json:"id"`
	TenantID              string   `json:"tenant_id"`
	TargetURL             string   `json:"target_url"`
	AuthMode              AuthMode `json:"auth_mode"`
	AuthSecret            string   `json:"-"`
	SignatureAlgorithm    string   `json:"signature_algorithm,omitempty"` // overrides the configured default
	SignatureHeader       string   `json:"signature_header,omitempty"`    // overrides the configured default
	SubscribedEvents      []string `json:"subscribed_events"`             // empty => all events
	CustomHeaders         []Header `json:"custom_headers"`
	MaxRetries            int      `json:"max_retries"`
	BaseRetryDelaySeconds int      `json:"base_retry_delay_seconds"`
	IsActive              bool     `json:"is_active"`
	IsPaused              bool     `json:"is_paused"`

	Stats     EndpointStats `json:"stats"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Deliverable reports whether the endpoint may receive new dispatches.
func (e WebhookEndpoint) Deliverable() bool {
	return e.IsActive && !e.IsPaused
}

// Subscribes reports whether the endpoint wants events of the given type.
func (e WebhookEndpoint) Subscribes(eventType string) bool {
	if len(e.SubscribedEvents) == 0 {
		return true
	}
	for _, ev := range e.SubscribedEvents {
		if ev == eventType {
			return true
		}
	}
	return false
}

// MaxAttempts is the retry budget plus the initial attempt.
func (e WebhookEndpoint) MaxAttempts() int {
	if e.MaxRetries < 0 {
		return 1
	}
	return e.MaxRetries + 1
}

func (e WebhookEndpoint) BaseRetryDelay() time.Duration {
	return time.Duration(e.BaseRetryDelaySeconds) * time.Second
}

// Validate checks the structural invariants of an endpoint record.
// A missing auth secret is deliberately not reported here: it surfaces as a
// configuration error on the delivery attempt.
func (e WebhookEndpoint) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEndpoint)
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("%w: endpoint %s: missing tenant", ErrInvalidEndpoint, e.ID)
	}
	u, err := url.Parse(e.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: endpoint %s: bad target url %q", ErrInvalidEndpoint, e.ID, e.TargetURL)
	}
	if !e.AuthMode.Valid() {
		return fmt.Errorf("%w: endpoint %s: unknown auth mode %q", ErrInvalidEndpoint, e.ID, e.AuthMode)
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("%w: endpoint %s: max_retries must be >= 0", ErrInvalidEndpoint, e.ID)
	}
	if e.BaseRetryDelaySeconds <= 0 {
		return fmt.Errorf("%w: endpoint %s: base_retry_delay_seconds must be > 0", ErrInvalidEndpoint, e.ID)
	}
	return nil
}
