// Package signing computes the authentication headers of outbound deliveries.
package signing

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strings"

	"github.com/jmehdipour/webhook-gateway/internal/model"
)

const (
	DefaultAlgorithm = "sha256"
	DefaultHeader    = "X-Webhook-Signature"
)

var (
	ErrMissingSecret        = errors.New("auth secret required")
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
)

var algorithms = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

// Algorithms lists the recognized digest names.
func Algorithms() []string {
	return []string{"sha1", "sha256", "sha384", "sha512"}
}

// Supported reports whether name is a recognized digest.
func Supported(name string) bool {
	_, ok := algorithms[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

type Signer struct {
	algorithm string
	header    string
}

// NewSigner builds a signer with the process-wide defaults; endpoints may
// override both per record.
func NewSigner(algorithm, header string) (*Signer, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	if !Supported(algorithm) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	if strings.TrimSpace(header) == "" {
		header = DefaultHeader
	}
	return &Signer{algorithm: algorithm, header: http.CanonicalHeaderKey(header)}, nil
}

// SignatureHeader is the header name used for ep.
func (s *Signer) SignatureHeader(ep model.WebhookEndpoint) string {
	if h := strings.TrimSpace(ep.SignatureHeader); h != "" {
		return http.CanonicalHeaderKey(h)
	}
	return s.header
}

// Sign returns the authentication headers for body, which must be the exact
// bytes that will be sent.
func (s *Signer) Sign(ep model.WebhookEndpoint, body []byte) (http.Header, error) {
	h := http.Header{}
	switch ep.AuthMode {
	case model.AuthNone, "":
		return h, nil
	case model.AuthHMACSignature:
		if ep.AuthSecret == "" {
			return nil, fmt.Errorf("endpoint %s: %w", ep.ID, ErrMissingSecret)
		}
		algo := s.algorithm
		if a := strings.ToLower(strings.TrimSpace(ep.SignatureAlgorithm)); a != "" {
			algo = a
		}
		sig, err := Compute(algo, ep.AuthSecret, body)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.ID, err)
		}
		h.Set(s.SignatureHeader(ep), sig)
		return h, nil
	case model.AuthBearerToken:
		if ep.AuthSecret == "" {
			return nil, fmt.Errorf("endpoint %s: %w", ep.ID, ErrMissingSecret)
		}
		h.Set("Authorization", "Bearer "+ep.AuthSecret)
		return h, nil
	default:
		return nil, fmt.Errorf("endpoint %s: unknown auth mode %q", ep.ID, ep.AuthMode)
	}
}

// Compute returns the lowercase hex HMAC of body.
func Compute(algorithm, secret string, body []byte) (string, error) {
	newHash, ok := algorithms[strings.ToLower(strings.TrimSpace(algorithm))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a hex signature over the raw body using the shared secret.
func Verify(algorithm, secret string, body []byte, provided string) bool {
	newHash, ok := algorithms[strings.ToLower(strings.TrimSpace(algorithm))]
	if !ok {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(provided))
	if err != nil {
		return false
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
