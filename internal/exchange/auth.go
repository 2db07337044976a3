package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Signer produces the authentication headers for private REST calls.
//
// The venue's scheme: the shared secret is base64-decoded, the signed
// message is path || SHA256(nonce || body), and the signature is the
// base64-encoded HMAC-SHA256 of that message. The nonce is a millisecond
// timestamp and must be strictly increasing per API key.
type Signer struct {
	apiKey string
	secret string

	// nowFn and nonceMu make nonces testable and strictly increasing
	// under concurrent placements.
	nowFn     func() time.Time
	nonceMu   chan struct{}
	lastNonce int64
}

// NewSigner creates a signer for the given API credentials.
func NewSigner(apiKey, secret string) *Signer {
	s := &Signer{
		apiKey:  apiKey,
		secret:  secret,
		nowFn:   time.Now,
		nonceMu: make(chan struct{}, 1),
	}
	s.nonceMu <- struct{}{}
	return s
}

// HasCredentials reports whether both key and secret are configured.
func (s *Signer) HasCredentials() bool {
	return s.apiKey != "" && s.secret != ""
}

// nextNonce returns a millisecond timestamp, bumped when two calls land
// in the same millisecond.
func (s *Signer) nextNonce() int64 {
	<-s.nonceMu
	defer func() { s.nonceMu <- struct{}{} }()

	n := s.nowFn().UnixMilli()
	if n <= s.lastNonce {
		n = s.lastNonce + 1
	}
	s.lastNonce = n
	return n
}

// Headers returns the signed header set for one private request.
func (s *Signer) Headers(path, body string) (map[string]string, error) {
	nonce := strconv.FormatInt(s.nextNonce(), 10)
	sig, err := s.sign(path, nonce, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return map[string]string{
		"API-Key":   s.apiKey,
		"API-Nonce": nonce,
		"API-Sign":  sig,
	}, nil
}

// sign computes base64(HMAC-SHA256(path || SHA256(nonce || body))).
func (s *Signer) sign(path, nonce, body string) (string, error) {
	secretBytes, err := decodeSecret(s.secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	inner := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// decodeSecret tries the common base64 variants; venues are inconsistent
// about padding and URL-safe alphabets.
func decodeSecret(secret string) ([]byte, error) {
	decoders := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}

	var err error
	for _, dec := range decoders {
		var b []byte
		b, err = dec.DecodeString(secret)
		if err == nil {
			return b, nil
		}
	}
	return nil, err
}
