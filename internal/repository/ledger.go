package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// DeliveryLedger is the append/update log of delivery attempts. Rows are
// never deleted.
type DeliveryLedger interface {
	// RecordAttempt upserts by (endpoint_id, event_id, attempt_number). A status
	// update that would move a record backwards, or out of a terminal state,
	// leaves the stored row untouched; implementations that can tell report it
	// as model.ErrInvalidTransition.
	RecordAttempt(ctx context.Context, rec model.DeliveryRecord) error
	QueryHistory(ctx context.Context, endpointID string, f HistoryFilter) ([]model.DeliveryRecord, error)
	// ListUnfinished returns pending records created before cutoff and retrying
	// records whose next_retry_at is before cutoff and whose follow-up attempt
	// was never recorded, oldest first.
	ListUnfinished(ctx context.Context, cutoff time.Time, limit int) ([]model.DeliveryRecord, error)
	// Claim sets the lease of a pending or retrying row to until, provided no
	// lease on it is still running at now. Exactly one caller wins a row.
	Claim(ctx context.Context, key model.DeliveryKey, now, until time.Time) (bool, error)
	// RenewLeases pushes the lease of every listed unfinished row out to until.
	// A lease is never shortened.
	RenewLeases(ctx context.Context, keys []model.DeliveryKey, until time.Time) error
}

type HistoryFilter struct {
	Status    model.DeliveryStatus
	EventType string
	EventID   string
	Since     *time.Time
	Limit     int
	Offset    int
}

func (f HistoryFilter) normalized() HistoryFilter {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

type ledgerRepo struct {
	db *sqlx.DB
}

func NewLedgerRepository(db *sqlx.DB) DeliveryLedger { return &ledgerRepo{db: db} }

const deliveryColumns = `
	id, endpoint_id, tenant_id, event_type, event_id, attempt_number, status,
	http_status_code, response_body_excerpt, latency_ms, error_message, next_retry_at,
	envelope, lease_until, created_at, updated_at`

// Assignments run left to right in MySQL, so status_rank must be the last one
// touched: every guard above it still sees the stored rank.
var recordAttemptQuery = buildRecordAttemptQuery()

func buildRecordAttemptQuery() string {
	const guard = "status_rank < 3 AND VALUES(status_rank) >= status_rank"
	cols := []string{"status", "http_status_code", "response_body_excerpt", "latency_ms", "error_message", "next_retry_at", "lease_until"}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO webhook_deliveries
		    (id, endpoint_id, tenant_id, event_type, event_id, attempt_number, status, status_rank,
		     http_status_code, response_body_excerpt, latency_ms, error_message, next_retry_at,
		     envelope, lease_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
	`)
	for _, c := range cols {
		fmt.Fprintf(&sb, "    %s = IF(%s, VALUES(%s), %s),\n", c, guard, c, c)
	}
	fmt.Fprintf(&sb, "    envelope = COALESCE(envelope, VALUES(envelope)),\n")
	fmt.Fprintf(&sb, "    updated_at = IF(%s, VALUES(updated_at), updated_at),\n", guard)
	sb.WriteString("    status_rank = IF(" + guard + ", VALUES(status_rank), status_rank)")
	return sb.String()
}

func (r *ledgerRepo) RecordAttempt(ctx context.Context, rec model.DeliveryRecord) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("record attempt: unknown status %q", rec.Status)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, recordAttemptQuery,
		rec.ID, rec.EndpointID, rec.TenantID, rec.EventType, rec.EventID, rec.AttemptNumber,
		rec.Status.String(), rec.Status.Rank(),
		rec.HTTPStatusCode, rec.ResponseBodyExcerpt, rec.LatencyMs, rec.ErrorMessage, rec.NextRetryAt,
		nilIfEmpty(rec.Envelope), rec.LeaseUntil, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (r *ledgerRepo) QueryHistory(ctx context.Context, endpointID string, f HistoryFilter) ([]model.DeliveryRecord, error) {
	f = f.normalized()

	q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE endpoint_id = ?`
	args := []any{endpointID}

	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status.String())
	}
	if f.EventType != "" {
		q += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if f.EventID != "" {
		q += " AND event_id = ?"
		args = append(args, f.EventID)
	}
	if f.Since != nil {
		q += " AND created_at >= ?"
		args = append(args, *f.Since)
	}

	q += " ORDER BY created_at DESC, attempt_number DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []model.DeliveryRecord
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ledgerRepo) ListUnfinished(ctx context.Context, cutoff time.Time, limit int) ([]model.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.DeliveryRecord
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+deliveryColumns+`
		  FROM webhook_deliveries d
		 WHERE (d.status = 'pending' AND d.created_at < ?)
		    OR (d.status = 'retrying' AND d.next_retry_at < ?
		        AND NOT EXISTS (
		            SELECT 1 FROM webhook_deliveries n
		             WHERE n.endpoint_id = d.endpoint_id
		               AND n.event_id = d.event_id
		               AND n.attempt_number = d.attempt_number + 1))
		 ORDER BY d.created_at
		 LIMIT ?
	`, cutoff, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ledgerRepo) Claim(ctx context.Context, key model.DeliveryKey, now, until time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		   SET lease_until = ?
		 WHERE endpoint_id = ? AND event_id = ? AND attempt_number = ?
		   AND status IN ('pending', 'retrying')
		   AND (lease_until IS NULL OR lease_until < ?)
	`, until, key.EndpointID, key.EventID, key.AttemptNumber, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *ledgerRepo) RenewLeases(ctx context.Context, keys []model.DeliveryKey, until time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, 2+3*len(keys))
	args = append(args, until, until)
	for _, k := range keys {
		args = append(args, k.EndpointID, k.EventID, k.AttemptNumber)
	}
	_, err := r.db.ExecContext(ctx, buildRenewLeasesQuery(len(keys)), args...)
	return err
}

func buildRenewLeasesQuery(n int) string {
	tuples := strings.TrimSuffix(strings.Repeat("(?, ?, ?), ", n), ", ")
	return `
		UPDATE webhook_deliveries
		   SET lease_until = GREATEST(COALESCE(lease_until, ?), ?)
		 WHERE status_rank < 3
		   AND (endpoint_id, event_id, attempt_number) IN (` + tuples + `)`
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
