package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	EventLeadCreated       = "lead.created"
	EventLeadStatusChanged = "lead.status_changed"
	EventPropertyPublished = "property.published"
	EventTest              = "test"
)

// Payload is the structured body of an event. Known event types decode into
// their own variant; everything else is carried as Passthrough.
type Payload interface {
	EventType() string
	Fields() map[string]any
}

type LeadCreated struct {
	LeadID     string `json:"lead_id"`
	PropertyID string `json:"property_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Source     string `json:"source,omitempty"`
	Message    string `json:"message,omitempty"`
	Score      *int   `json:"score,omitempty"`
}

func (LeadCreated) EventType() string { return EventLeadCreated }

func (p LeadCreated) Fields() map[string]any {
	m := map[string]any{"lead_id": p.LeadID}
	putString(m, "property_id", p.PropertyID)
	putString(m, "name", p.Name)
	putString(m, "email", p.Email)
	putString(m, "phone", p.Phone)
	putString(m, "source", p.Source)
	putString(m, "message", p.Message)
	if p.Score != nil {
		m["score"] = *p.Score
	}
	return m
}

type LeadStatusChanged struct {
	LeadID   string `json:"lead_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	ActorID  string `json:"actor_id,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Comments string `json:"comments,omitempty"`
}

func (LeadStatusChanged) EventType() string { return EventLeadStatusChanged }

func (p LeadStatusChanged) Fields() map[string]any {
	m := map[string]any{"lead_id": p.LeadID, "from": p.From, "to": p.To}
	putString(m, "actor_id", p.ActorID)
	putString(m, "email", p.Email)
	putString(m, "phone", p.Phone)
	putString(m, "comments", p.Comments)
	return m
}

type PropertyPublished struct {
	PropertyID string  `json:"property_id"`
	Title      string  `json:"title"`
	City       string  `json:"city,omitempty"`
	Locality   string  `json:"locality,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	Status     string  `json:"status,omitempty"`
	URL        string  `json:"url,omitempty"`
}

func (PropertyPublished) EventType() string { return EventPropertyPublished }

func (p PropertyPublished) Fields() map[string]any {
	m := map[string]any{"property_id": p.PropertyID, "title": p.Title}
	putString(m, "city", p.City)
	putString(m, "locality", p.Locality)
	if p.Price != 0 {
		m["price"] = p.Price
	}
	putString(m, "currency", p.Currency)
	putString(m, "status", p.Status)
	putString(m, "url", p.URL)
	return m
}

// Passthrough carries payloads of event types without a dedicated schema.
type Passthrough struct {
	Type string
	Data map[string]any
}

func (p Passthrough) EventType() string { return p.Type }

func (p Passthrough) Fields() map[string]any {
	m := make(map[string]any, len(p.Data))
	for k, v := range p.Data {
		m[k] = v
	}
	return m
}

// DecodePayload selects the payload variant for eventType and decodes raw into it.
func DecodePayload(eventType string, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var (
		p   Payload
		err error
	)
	switch eventType {
	case EventLeadCreated:
		var v LeadCreated
		err = json.Unmarshal(raw, &v)
		p = v
	case EventLeadStatusChanged:
		var v LeadStatusChanged
		err = json.Unmarshal(raw, &v)
		p = v
	case EventPropertyPublished:
		var v PropertyPublished
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		var data map[string]any
		err = decodeKeepingNumbers(raw, &data)
		p = Passthrough{Type: eventType, Data: data}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return p, nil
}

// decodeKeepingNumbers decodes numbers as json.Number so integers above 2^53
// reach the subscriber digit for digit.
func decodeKeepingNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after payload object")
	}
	return nil
}

func putString(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}
