package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"go.uber.org/zap"
)

type EndpointTestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// TestEndpoint sends a synthetic "test" event to one endpoint. It writes no
// delivery record and leaves stats and health untouched.
func (d *Dispatcher) TestEndpoint(ctx context.Context, endpointID string) (EndpointTestResult, error) {
	ep, err := d.endpoints.Get(ctx, endpointID)
	if err != nil {
		return EndpointTestResult{}, fmt.Errorf("test endpoint %s: %w", endpointID, err)
	}
	if ep == nil {
		return EndpointTestResult{Success: false, Error: ErrEndpointNotFound.Error()}, nil
	}

	env := model.NewEnvelope(model.EventTest, util.New(), d.now(), map[string]any{
		"message":     "This is a test webhook",
		"endpoint_id": ep.ID,
	})
	body, err := json.Marshal(env)
	if err != nil {
		return EndpointTestResult{}, fmt.Errorf("test endpoint %s: %w", endpointID, err)
	}

	o := d.exec.send(ctx, delivery{
		endpoint:  *ep,
		tenantID:  ep.TenantID,
		eventType: env.Type,
		eventID:   env.ID,
		timestamp: env.Timestamp,
		body:      body,
		attempt:   1,
	}, d.testTimeout)

	res := EndpointTestResult{
		Success:    o.success(),
		StatusCode: o.statusCode,
		LatencyMs:  o.latency.Milliseconds(),
	}
	if o.err != nil {
		res.Error = o.err.Error()
	}
	d.log.Info("endpoint tested",
		zap.String("endpoint_id", ep.ID),
		zap.Bool("success", res.Success),
		zap.Int("status_code", res.StatusCode))
	return res, nil
}
