// Package presign issues and verifies HMAC signatures for shared store
// URLs. A signature binds a path token to an expiry instant; anyone
// holding the pair may read the store until it expires.
package presign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrShareExpired reports a structurally valid signature past its expiry.
	ErrShareExpired = errors.New("share link expired")
	// ErrShareInvalid reports a signature that does not match.
	ErrShareInvalid = errors.New("share link invalid")
)

// Signer signs and verifies share tokens with a shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// New builds a Signer. The secret must be non-empty.
func New(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("presign: empty secret")
	}
	return &Signer{secret: secret, now: time.Now}, nil
}

// WithClock overrides the time source, for tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	c := *s
	c.now = now
	return &c
}

// Sign computes the signature for a token valid for ttl. It returns the
// signature and the expiry instant that must travel with the token.
func (s *Signer) Sign(tok string, ttl time.Duration) (sig string, expires int64) {
	expires = s.now().Add(ttl).Unix()
	return s.signAt(tok, expires), expires
}

// SignAt computes the signature for a token expiring at the given unix
// second. Callers that embed the expiry elsewhere use this so both
// copies agree.
func (s *Signer) SignAt(tok string, expires int64) string {
	return s.signAt(tok, expires)
}

// Verify checks sig against the token and its embedded expiry. The
// signature is checked before the expiry so a forged-but-stale pair
// reports invalid, not expired.
func (s *Signer) Verify(tok string, expires int64, sig string) error {
	want := s.signAt(tok, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrShareInvalid
	}
	if s.now().Unix() > expires {
		return ErrShareExpired
	}
	return nil
}

func (s *Signer) signAt(tok string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", tok, expires)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
