package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHDeliveriesRepository reads the delivery analytics view in ClickHouse. The
// view is fed from webhook_deliveries by CDC; the gateway never writes to it.
type CHDeliveriesRepository interface {
	ListByTenant(ctx context.Context, tenantID string, f ReportFilter) ([]model.DeliveryRecord, error)
	Summary(ctx context.Context, tenantID string, since time.Time) ([]EndpointSummary, error)
}

type ReportFilter struct {
	EndpointID string
	EventType  string
	Status     model.DeliveryStatus
	Limit      int
	Offset     int
}

type EndpointSummary struct {
	EndpointID   string  `db:"endpoint_id"  json:"endpoint_id"`
	Attempts     uint64  `db:"attempts"     json:"attempts"`
	Delivered    uint64  `db:"delivered"    json:"delivered"`
	Terminal     uint64  `db:"terminal"     json:"failed_terminal"`
	AvgLatencyMs float64 `db:"avg_latency"  json:"avg_latency_ms"`
	P95LatencyMs float64 `db:"p95_latency"  json:"p95_latency_ms"`
}

type chDeliveriesRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHDeliveriesRepository(ch *sqlx.DB) CHDeliveriesRepository {
	return &chDeliveriesRepository{ch: ch}
}

func (r *chDeliveriesRepository) ListByTenant(ctx context.Context, tenantID string, f ReportFilter) ([]model.DeliveryRecord, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT id, endpoint_id, tenant_id, event_type, event_id, attempt_number, status,
		       http_status_code, response_body_excerpt, latency_ms, error_message, next_retry_at,
		       created_at, updated_at
		FROM whgw.deliveries_latest
		WHERE tenant_id = ?
	`
	args := []any{tenantID}

	if f.EndpointID != "" {
		q += " AND endpoint_id = ?"
		args = append(args, f.EndpointID)
	}
	if f.EventType != "" {
		q += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status.String())
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []model.DeliveryRecord
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *chDeliveriesRepository) Summary(ctx context.Context, tenantID string, since time.Time) ([]EndpointSummary, error) {
	var rows []EndpointSummary
	err := r.ch.SelectContext(ctx, &rows, `
		SELECT endpoint_id,
		       count()                               AS attempts,
		       countIf(status = 'delivered')         AS delivered,
		       countIf(status = 'failed_terminal')   AS terminal,
		       avg(latency_ms)                       AS avg_latency,
		       quantile(0.95)(latency_ms)            AS p95_latency
		FROM whgw.deliveries_latest
		WHERE tenant_id = ? AND created_at >= ?
		GROUP BY endpoint_id
		ORDER BY attempts DESC
	`, tenantID, since.UTC())
	if err != nil {
		return nil, err
	}
	return rows, nil
}
