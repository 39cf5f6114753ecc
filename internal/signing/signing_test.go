package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/jmehdipour/webhook-gateway/internal/model"
)

func hmacEndpoint(secret string) model.WebhookEndpoint {
	return model.WebhookEndpoint{ID: "ep1", AuthMode: model.AuthHMACSignature, AuthSecret: secret}
}

func TestSign_HMACReproducibleAndVerifiable(t *testing.T) {
	s, err := NewSigner("", "")
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(`{"type":"lead.created","id":"evt_1","timestamp":"2026-01-01T00:00:00Z","data":{}}`)

	h1, err := s.Sign(hmacEndpoint("topsecret"), body)
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := s.Sign(hmacEndpoint("topsecret"), body)
	got := h1.Get(DefaultHeader)
	if got == "" || got != h2.Get(DefaultHeader) {
		t.Fatalf("signature not reproducible: %q vs %q", got, h2.Get(DefaultHeader))
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	if want := hex.EncodeToString(mac.Sum(nil)); got != want {
		t.Fatalf("signature = %s, want %s", got, want)
	}
	if !Verify("sha256", "topsecret", body, got) {
		t.Fatal("Verify rejected a valid signature")
	}

	mutated := append([]byte(nil), body...)
	mutated[len(mutated)-2] = ' '
	if Verify("sha256", "topsecret", mutated, got) {
		t.Fatal("Verify accepted a mutated body")
	}
	if Verify("sha256", "other", body, got) {
		t.Fatal("Verify accepted a wrong secret")
	}
}

func TestSign_EndpointOverrides(t *testing.T) {
	s, _ := NewSigner("sha256", "X-Custom-Sig")
	ep := hmacEndpoint("k")
	ep.SignatureAlgorithm = "sha512"
	ep.SignatureHeader = "x-builder-signature"

	h, err := s.Sign(ep, []byte("body"))
	if err != nil {
		t.Fatal(err)
	}
	sig := h.Get("X-Builder-Signature")
	if len(sig) != 128 {
		t.Fatalf("expected sha512 hex (128 chars), got %d: %q", len(sig), sig)
	}
	if h.Get("X-Custom-Sig") != "" {
		t.Fatal("default header should not be set when endpoint overrides it")
	}
	if !Verify("sha512", "k", []byte("body"), sig) {
		t.Fatal("sha512 signature did not verify")
	}
}

func TestSign_Bearer(t *testing.T) {
	s, _ := NewSigner("", "")
	h, err := s.Sign(model.WebhookEndpoint{ID: "ep", AuthMode: model.AuthBearerToken, AuthSecret: "tok"}, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if h.Get("Authorization") != "Bearer tok" {
		t.Fatalf("Authorization = %q", h.Get("Authorization"))
	}
}

func TestSign_None(t *testing.T) {
	s, _ := NewSigner("", "")
	h, err := s.Sign(model.WebhookEndpoint{ID: "ep", AuthMode: model.AuthNone}, []byte("x"))
	if err != nil || len(h) != 0 {
		t.Fatalf("expected no headers, got %v err=%v", h, err)
	}
}

func TestSign_MissingSecret(t *testing.T) {
	s, _ := NewSigner("", "")
	for _, mode := range []model.AuthMode{model.AuthHMACSignature, model.AuthBearerToken} {
		_, err := s.Sign(model.WebhookEndpoint{ID: "ep", AuthMode: mode}, []byte("x"))
		if !errors.Is(err, ErrMissingSecret) {
			t.Errorf("%s: expected ErrMissingSecret, got %v", mode, err)
		}
	}
}

func TestSign_UnknownAlgorithm(t *testing.T) {
	if _, err := NewSigner("md5", ""); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	s, _ := NewSigner("", "")
	ep := hmacEndpoint("k")
	ep.SignatureAlgorithm = "md5"
	if _, err := s.Sign(ep, []byte("x")); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}
