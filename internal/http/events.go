package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/dispatcher"
	"github.com/jmehdipour/webhook-gateway/internal/http/middleware"
	"github.com/jmehdipour/webhook-gateway/internal/metrics"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type triggerReq struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"` // optional, generated when empty
	Timestamp *time.Time      `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func triggerEventHandler(d *dispatcher.Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req triggerReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		req.Type = strings.TrimSpace(req.Type)
		req.ID = strings.TrimSpace(req.ID)
		if req.ID == "" {
			req.ID = util.New()
		}

		at := time.Now()
		if req.Timestamp != nil {
			at = *req.Timestamp
		}
		ev, err := model.IntakeMessage{TenantID: tenantID, Type: req.Type, ID: req.ID, Payload: req.Payload}.Event(at)
		if err != nil {
			metrics.IntakeTotal.WithLabelValues("http", "rejected").Inc()
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		ticket, err := d.TriggerEvent(c.Request().Context(), ev)
		if err != nil {
			metrics.IntakeTotal.WithLabelValues("http", "rejected").Inc()
			if errors.Is(err, dispatcher.ErrShuttingDown) {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
			}
			log.Errorf("trigger event failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "dispatch failed"})
		}

		metrics.IntakeTotal.WithLabelValues("http", "accepted").Inc()
		return c.JSON(http.StatusAccepted, map[string]any{
			"accepted":  true,
			"event_id":  ev.ID,
			"type":      ev.Type,
			"endpoints": len(ticket.Endpoints()),
		})
	}
}
