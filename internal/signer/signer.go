// Package signer issues time-limited signed URLs for CDN resources using a
// canned policy signed with an RSA private key.
package signer

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/url"
	"time"

	"github.com/Lllllllleong/docingest/internal/apperrors"
	"github.com/aws/aws-sdk-go-v2/feature/cloudfront/sign"
)

// Query parameters appended to every signed URL.
const (
	ParamExpires   = "Expires"
	ParamSignature = "Signature"
	ParamKeyPairID = "Key-Pair-Id"
)

// Signer holds a parsed private key. It is safe for concurrent use.
type Signer struct {
	url *sign.URLSigner
	now func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the time source used to compute expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// New parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func New(keyID string, pemKey []byte, opts ...Option) (*Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key identifier must be provided", apperrors.ErrSigning)
	}
	key, err := parsePrivateKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSigning, err)
	}
	s := &Signer{url: sign.NewURLSigner(keyID, key), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign returns rawURL with Expires, Signature and Key-Pair-Id added to its
// query. The canned policy binds the exact rawURL to now+ttl.
func (s *Signer) Sign(rawURL string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive, got %s", apperrors.ErrSigning, ttl)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: invalid resource url %q", apperrors.ErrSigning, rawURL)
	}
	q := u.Query()
	for _, p := range []string{ParamExpires, ParamSignature, ParamKeyPairID} {
		if q.Has(p) {
			return "", fmt.Errorf("%w: resource url already carries %s", apperrors.ErrSigning, p)
		}
	}

	signed, err := s.url.Sign(rawURL, s.now().Add(ttl))
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrSigning, err)
	}
	return signed, nil
}

// parsePrivateKey accepts PKCS#1 blocks through the CloudFront loader and
// PKCS#8 blocks holding an RSA key.
func parsePrivateKey(pemKey []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in signing key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return sign.LoadPEMPrivKey(bytes.NewReader(pemKey))
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key is %T, want RSA", parsed)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}
