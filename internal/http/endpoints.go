package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/dispatcher"
	"github.com/jmehdipour/webhook-gateway/internal/http/middleware"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmehdipour/webhook-gateway/internal/repository"
	"github.com/labstack/echo/v4"
)

// ownedEndpoint resolves :id and refuses endpoints of other tenants with 404.
func ownedEndpoint(endpoints repository.EndpointRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID, ok := middleware.TenantIDFromCtx(c)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			ep, err := endpoints.Get(c.Request().Context(), c.Param("id"))
			if err != nil {
				c.Logger().Errorf("endpoint lookup failed: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
			}
			if ep == nil || ep.TenantID != tenantID {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "endpoint not found"})
			}
			return next(c)
		}
	}
}

func testEndpointHandler(d *dispatcher.Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		res, err := d.TestEndpoint(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Errorf("endpoint test failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "endpoint test failed"})
		}
		return c.JSON(http.StatusOK, res)
	}
}

func listDeliveriesHandler(ledger repository.DeliveryLedger) echo.HandlerFunc {
	return func(c echo.Context) error {
		f := repository.HistoryFilter{Limit: 50}
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				f.Limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				f.Offset = n
			}
		}
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			st := model.DeliveryStatus(raw)
			if !st.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
			}
			f.Status = st
		}
		f.EventType = strings.TrimSpace(c.QueryParam("event_type"))
		f.EventID = strings.TrimSpace(c.QueryParam("event_id"))
		if raw := c.QueryParam("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid since"})
			}
			f.Since = &t
		}

		recs, err := ledger.QueryHistory(c.Request().Context(), c.Param("id"), f)
		if err != nil {
			c.Logger().Errorf("query history failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   f.Limit,
			"offset":  f.Offset,
			"count":   len(recs),
			"results": recs,
		})
	}
}

func endpointHealthHandler(d *dispatcher.Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, d.Health(c.Param("id")))
	}
}
