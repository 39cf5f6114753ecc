// Package sanitize strips and masks sensitive fields of event payloads before
// they leave the gateway.
package sanitize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Mask replaces hidden characters of phones and emails.
const Mask = "****"

var denylist = map[string]struct{}{
	"password":       {},
	"token":          {},
	"secret":         {},
	"credit_card":    {},
	"ssn":            {},
	"api_key":        {},
	"access_token":   {},
	"refresh_token":  {},
	"card_number":    {},
	"cvv":            {},
	"bank_account":   {},
	"account_number": {},
	"iban":           {},
}

// Sanitize returns a copy of payload with denylisted keys removed and phone
// and email values masked, at every nesting level. It never mutates payload.
func Sanitize(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	return sanitizeMap(payload)
}

func sanitizeMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, deny := denylist[key]; deny {
			continue
		}
		switch key {
		case "phone":
			if text, ok := scalarText(v); ok {
				out[k] = MaskPhone(text)
				continue
			}
		case "email":
			if text, ok := v.(string); ok {
				out[k] = MaskEmail(text)
				continue
			}
			if _, ok := scalarText(v); ok {
				out[k] = Mask
				continue
			}
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return sanitizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = sanitizeValue(t[i])
		}
		return out
	default:
		return v
	}
}

// scalarText renders a non-container, non-null value as text. Numeric phones
// must be masked like string ones.
func scalarText(v any) (string, bool) {
	switch t := v.(type) {
	case nil, map[string]any, []any:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return fmt.Sprint(t), true
	}
}

// MaskPhone keeps the first 2 and last 4 characters.
func MaskPhone(phone string) string {
	r := []rune(phone)
	if len(r) <= 4 {
		return Mask
	}
	return string(r[:2]) + Mask + string(r[len(r)-4:])
}

// MaskEmail keeps the first and last character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return Mask
	}
	local, domain := []rune(email[:at]), email[at+1:]
	if len(local) <= 2 {
		return "**@" + domain
	}
	return string(local[0]) + "***" + string(local[len(local)-1]) + "@" + domain
}
