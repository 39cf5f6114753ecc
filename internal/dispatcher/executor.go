package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/jmehdipour/webhook-gateway/internal/signing"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
)

// delivery is everything one (endpoint, event) pipeline needs to build an attempt.
type delivery struct {
	endpoint  model.WebhookEndpoint
	tenantID  string
	eventType string
	eventID   string
	timestamp string // envelope timestamp, echoed in the metadata header
	body      []byte // serialized envelope, shared by every attempt
	attempt   int
}

type outcome struct {
	statusCode int
	excerpt    string
	latency    time.Duration
	err        error
}

func (o outcome) success() bool { return o.err == nil }

type executor struct {
	client     *http.Client
	signer     *signing.Signer
	ledger     repository.DeliveryLedger
	stats      repository.StatsRepository
	classifier FailureClassifier
	health     *HealthTracker
	log        *zap.Logger

	timeout   time.Duration
	maxBody   int
	prefix    string
	userAgent string
	now       func() time.Time
}

func (x *executor) metaHeader(name string) string { return x.prefix + "-" + name }

// reserved reports whether a custom header would shadow one the gateway owns.
func (x *executor) reserved(ep model.WebhookEndpoint, name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Content-Type", "Content-Length", "Host", "User-Agent", "Authorization", "Transfer-Encoding":
		return true
	}
	if strings.EqualFold(name, x.signer.SignatureHeader(ep)) {
		return true
	}
	return strings.HasPrefix(strings.ToLower(name), strings.ToLower(x.prefix)+"-")
}

func (x *executor) newRequest(ctx context.Context, d delivery) (*http.Request, error) {
	ep := d.endpoint
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	auth, err := x.signer.Sign(ep, d.body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.TargetURL, bytes.NewReader(d.body))
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint %s: %v", model.ErrInvalidEndpoint, ep.ID, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if x.userAgent != "" {
		req.Header.Set("User-Agent", x.userAgent)
	}
	req.Header.Set(x.metaHeader("Event"), d.eventType)
	req.Header.Set(x.metaHeader("Delivery-Id"), d.eventID)
	req.Header.Set(x.metaHeader("Timestamp"), d.timestamp)
	req.Header.Set(x.metaHeader("Attempt"), strconv.Itoa(d.attempt))

	for _, h := range ep.CustomHeaders {
		if strings.TrimSpace(h.Name) == "" || x.reserved(ep, h.Name) {
			continue
		}
		req.Header.Add(h.Name, h.Value)
	}

	// auth goes last and replaces anything already set under the same name
	for k, vs := range auth {
		req.Header[k] = vs
	}
	return req, nil
}

// send performs one HTTP attempt without touching the ledger.
func (x *executor) send(ctx context.Context, d delivery, timeout time.Duration) outcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := x.newRequest(ctx, d)
	if err != nil {
		return outcome{err: err}
	}

	start := x.now()
	res, err := x.client.Do(req)
	if err != nil {
		return outcome{latency: x.now().Sub(start), err: err}
	}
	defer res.Body.Close()

	excerpt, readErr := readExcerpt(res.Body, x.maxBody)
	o := outcome{statusCode: res.StatusCode, excerpt: excerpt, latency: x.now().Sub(start)}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		o.err = fmt.Errorf("HTTP %d", res.StatusCode)
	} else if readErr != nil {
		x.log.Debug("response body read failed", zap.String("endpoint_id", d.endpoint.ID), zap.Error(readErr))
	}
	return o
}

// readExcerpt keeps at most limit bytes of the body as valid UTF-8 and drains a bounded remainder so the connection can be reused.
func readExcerpt(r io.Reader, limit int) (string, error) {
	buf := make([]byte, limit+1)
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		err = nil
	}
	if n > limit {
		n = limit
		_, _ = io.Copy(io.Discard, io.LimitReader(r, 64<<10))
	}
	return strings.ToValidUTF8(string(buf[:n]), ""), err
}

// execute runs attempt d.attempt end to end: request, status decision,
// ledger row, stats and health. It returns the persisted record.
func (x *executor) execute(ctx context.Context, d delivery) model.DeliveryRecord {
	ep := d.endpoint
	o := x.send(ctx, d, x.timeout)

	rec := model.DeliveryRecord{
		ID:                  util.New(),
		EndpointID:          ep.ID,
		TenantID:            d.tenantID,
		EventType:           d.eventType,
		EventID:             d.eventID,
		AttemptNumber:       d.attempt,
		ResponseBodyExcerpt: o.excerpt,
		LatencyMs:           o.latency.Milliseconds(),
		Envelope:            d.body,
	}
	if o.statusCode != 0 {
		code := o.statusCode
		rec.HTTPStatusCode = &code
	}

	switch {
	case o.success():
		rec.Status = model.DeliveryDelivered
	case d.attempt < ep.MaxAttempts() && x.classifier.Classify(Failure{StatusCode: o.statusCode, Err: o.err}) == Retryable:
		rec.Status = model.DeliveryFailedRetryable
	default:
		rec.Status = model.DeliveryFailedTerminal
	}
	if o.err != nil {
		msg := o.err.Error()
		rec.ErrorMessage = &msg
	}

	fields := []zap.Field{
		zap.String("endpoint_id", ep.ID),
		zap.String("event_id", d.eventID),
		zap.String("event_type", d.eventType),
		zap.Int("attempt", d.attempt),
		zap.String("status", rec.Status.String()),
		zap.Int64("latency_ms", rec.LatencyMs),
	}
	if o.success() {
		x.log.Info("webhook delivered", fields...)
	} else {
		x.log.Warn("webhook attempt failed", append(fields, zap.Error(o.err))...)
	}

	writeCtx, cancel := storageContext(ctx)
	defer cancel()
	if err := x.ledger.RecordAttempt(writeCtx, rec); err != nil {
		metrics.StorageErrors.WithLabelValues("record").Inc()
		x.log.Warn("record attempt failed", append(fields, zap.Error(err))...)
	}
	if err := x.stats.Increment(writeCtx, ep.ID, o.success(), x.now()); err != nil {
		metrics.StorageErrors.WithLabelValues("stats").Inc()
		x.log.Warn("stats increment failed", append(fields, zap.Error(err))...)
	}

	x.health.Observe(ep.ID, o.success())
	metrics.DeliveriesTotal.WithLabelValues(d.eventType, rec.Status.String()).Inc()
	outcomeLabel := "success"
	if !o.success() {
		outcomeLabel = "failure"
	}
	metrics.DeliveryLatency.WithLabelValues(outcomeLabel).Observe(o.latency.Seconds())

	return rec
}
