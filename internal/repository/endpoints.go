package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// EndpointRepository is the read-only view of the endpoint registry.
type EndpointRepository interface {
	// ListDeliverable returns the tenant's endpoints that are active and not paused.
	ListDeliverable(ctx context.Context, tenantID string) ([]model.WebhookEndpoint, error)
	// Get returns nil, nil when the endpoint does not exist.
	Get(ctx context.Context, id string) (*model.WebhookEndpoint, error)
}

type EndpointsRepositoryImpl struct {
	db *sqlx.DB
}

func NewEndpointsRepository(db *sqlx.DB) *EndpointsRepositoryImpl {
	return &EndpointsRepositoryImpl{db: db}
}

var _ EndpointRepository = (*EndpointsRepositoryImpl)(nil)

type endpointRow struct {
	ID                    string         `db:"id"`
	TenantID              string         `db:"tenant_id"`
	TargetURL             string         `db:"target_url"`
	AuthMode              string         `db:"auth_mode"`
	AuthSecret            sql.NullString `db:"auth_secret"`
	SignatureAlgorithm    sql.NullString `db:"signature_algorithm"`
	SignatureHeader       sql.NullString `db:"signature_header"`
	SubscribedEvents      []byte         `db:"subscribed_events"`
	CustomHeaders         []byte         `db:"custom_headers"`
	MaxRetries            int            `db:"max_retries"`
	BaseRetryDelaySeconds int            `db:"base_retry_delay_seconds"`
	IsActive              bool           `db:"is_active"`
	IsPaused              bool           `db:"is_paused"`
	TotalRequests         int64          `db:"total_requests"`
	SuccessfulRequests    int64          `db:"successful_requests"`
	FailedRequests        int64          `db:"failed_requests"`
	LastRequestAt         sql.NullTime   `db:"last_request_at"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

const endpointColumns = `
	id, tenant_id, target_url, auth_mode, auth_secret, signature_algorithm, signature_header,
	subscribed_events, custom_headers, max_retries, base_retry_delay_seconds, is_active, is_paused,
	total_requests, successful_requests, failed_requests, last_request_at, created_at, updated_at`

func (r *EndpointsRepositoryImpl) ListDeliverable(ctx context.Context, tenantID string) ([]model.WebhookEndpoint, error) {
	var rows []endpointRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+endpointColumns+`
		  FROM webhook_endpoints
		 WHERE tenant_id = ? AND is_active = 1 AND is_paused = 0
		 ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, err
	}

	out := make([]model.WebhookEndpoint, 0, len(rows))
	for _, row := range rows {
		ep, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func (r *EndpointsRepositoryImpl) Get(ctx context.Context, id string) (*model.WebhookEndpoint, error) {
	var row endpointRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+endpointColumns+`
		  FROM webhook_endpoints
		 WHERE id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ep, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

// Upsert writes an endpoint; used by the seed command, the core never calls it.
func (r *EndpointsRepositoryImpl) Upsert(ctx context.Context, ep model.WebhookEndpoint) error {
	events, err := json.Marshal(nonNilStrings(ep.SubscribedEvents))
	if err != nil {
		return fmt.Errorf("marshal subscribed events: %w", err)
	}
	headers, err := json.Marshal(nonNilHeaders(ep.CustomHeaders))
	if err != nil {
		return fmt.Errorf("marshal custom headers: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints
		    (id, tenant_id, target_url, auth_mode, auth_secret, signature_algorithm, signature_header,
		     subscribed_events, custom_headers, max_retries, base_retry_delay_seconds, is_active, is_paused,
		     created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
		ON DUPLICATE KEY UPDATE
		    target_url               = VALUES(target_url),
		    auth_mode                = VALUES(auth_mode),
		    auth_secret              = VALUES(auth_secret),
		    signature_algorithm      = VALUES(signature_algorithm),
		    signature_header         = VALUES(signature_header),
		    subscribed_events        = VALUES(subscribed_events),
		    custom_headers           = VALUES(custom_headers),
		    max_retries              = VALUES(max_retries),
		    base_retry_delay_seconds = VALUES(base_retry_delay_seconds),
		    is_active                = VALUES(is_active),
		    is_paused                = VALUES(is_paused),
		    updated_at               = VALUES(updated_at)
	`, ep.ID, ep.TenantID, ep.TargetURL, ep.AuthMode.String(), nullString(ep.AuthSecret),
		nullString(ep.SignatureAlgorithm), nullString(ep.SignatureHeader), events, headers,
		ep.MaxRetries, ep.BaseRetryDelaySeconds, ep.IsActive, ep.IsPaused)
	return err
}

func (row endpointRow) toModel() (model.WebhookEndpoint, error) {
	ep := model.WebhookEndpoint{
		ID:                    row.ID,
		TenantID:              row.TenantID,
		TargetURL:             row.TargetURL,
		AuthMode:              model.AuthMode(row.AuthMode),
		AuthSecret:            row.AuthSecret.String,
		SignatureAlgorithm:    row.SignatureAlgorithm.String,
		SignatureHeader:       row.SignatureHeader.String,
		MaxRetries:            row.MaxRetries,
		BaseRetryDelaySeconds: row.BaseRetryDelaySeconds,
		IsActive:              row.IsActive,
		IsPaused:              row.IsPaused,
		Stats: model.EndpointStats{
			TotalRequests:      row.TotalRequests,
			SuccessfulRequests: row.SuccessfulRequests,
			FailedRequests:     row.FailedRequests,
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.LastRequestAt.Valid {
		t := row.LastRequestAt.Time
		ep.Stats.LastRequestAt = &t
	}
	if len(row.SubscribedEvents) > 0 {
		if err := json.Unmarshal(row.SubscribedEvents, &ep.SubscribedEvents); err != nil {
			return model.WebhookEndpoint{}, fmt.Errorf("endpoint %s: subscribed_events: %w", row.ID, err)
		}
	}
	if len(row.CustomHeaders) > 0 {
		if err := json.Unmarshal(row.CustomHeaders, &ep.CustomHeaders); err != nil {
			return model.WebhookEndpoint{}, fmt.Errorf("endpoint %s: custom_headers: %w", row.ID, err)
		}
	}
	return ep, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilHeaders(h []model.Header) []model.Header {
	if h == nil {
		return []model.Header{}
	}
	return h
}
