package model

import (
	"encoding/json"
	"time"
)

// Envelope is the JSON body POSTed to endpoints.
type Envelope struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"` // RFC 3339, UTC
	Data      map[string]any `json:"data"`
}

func NewEnvelope(eventType, eventID string, at time.Time, data map[string]any) Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Type:      eventType,
		ID:        eventID,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// IntakeMessage is what producers publish to the intake topic.
type IntakeMessage struct {
	TenantID string          `json:"tenant_id"`
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
}
