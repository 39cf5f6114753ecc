package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one producer-supplied occurrence; it lives only while dispatching.
type Event struct {
	Type      string
	ID        string // producer-assigned, receivers use it for de-duplication
	TenantID  string
	Timestamp time.Time
	Payload   Payload
}

var ErrInvalidEvent = errors.New("invalid event")

// Event validates the intake message and decodes its payload variant.
func (m IntakeMessage) Event(at time.Time) (Event, error) {
	switch {
	case strings.TrimSpace(m.TenantID) == "":
		return Event{}, fmt.Errorf("%w: missing tenant_id", ErrInvalidEvent)
	case strings.TrimSpace(m.Type) == "":
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	case strings.TrimSpace(m.ID) == "":
		return Event{}, fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	p, err := DecodePayload(m.Type, m.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return Event{Type: m.Type, ID: m.ID, TenantID: m.TenantID, Timestamp: at, Payload: p}, nil
}
