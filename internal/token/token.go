// Package token encodes job descriptors as opaque URL-safe strings.
// The encoding is deterministic: equal descriptors always yield equal
// tokens, so concurrent requests for the same inputs share one cache
// entry and one job.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/freva-org/freva-data-portal/internal/aggregate"
)

// ErrBadToken reports a token that does not decode to a descriptor.
var ErrBadToken = errors.New("bad token")

// Descriptor is everything a worker needs to build a store: the source
// URIs in user order plus the aggregation and chunking options.
type Descriptor struct {
	// Paths lists the source URIs. Order matters for concatenation.
	Paths []string `json:"paths"`
	// Aggregate holds the combine options; zero value means a plain
	// per-path conversion.
	Aggregate aggregate.Options `json:"aggregate,omitempty"`
	// AccessPattern and Target tune the chunk planner.
	AccessPattern string `json:"access_pattern,omitempty"`
	Target        string `json:"target,omitempty"`
	// TTLSeconds is the cache lifetime requested by the client.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
	// Public marks entries reachable without bearer auth.
	Public bool `json:"public,omitempty"`
	// Expires carries the share expiry (unix seconds) in the pre-signed
	// token variant. Zero on regular tokens.
	Expires int64 `json:"expires,omitempty"`
}

// Canonical returns a normalised copy: URI schemes lowercased, path
// order preserved.
func (d Descriptor) Canonical() Descriptor {
	out := d
	out.Paths = make([]string, len(d.Paths))
	for i, p := range d.Paths {
		out.Paths[i] = lowerScheme(p)
	}
	return out
}

// Encode serialises the canonical descriptor to a URL-safe token.
// Struct fields marshal in declaration order and map keys sort, so the
// byte form is stable.
func Encode(d Descriptor) (string, error) {
	if len(d.Paths) == 0 {
		return "", fmt.Errorf("descriptor has no paths")
	}
	raw, err := json.Marshal(d.Canonical())
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. Malformed input fails with ErrBadToken.
func Decode(tok string) (Descriptor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	var d Descriptor
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if len(d.Paths) == 0 {
		return Descriptor{}, fmt.Errorf("%w: descriptor has no paths", ErrBadToken)
	}
	return d, nil
}

// WithExpiry returns the share-token variant of tok: the same
// descriptor with the expiry embedded.
func WithExpiry(tok string, expires int64) (string, error) {
	d, err := Decode(tok)
	if err != nil {
		return "", err
	}
	d.Expires = expires
	return Encode(d)
}

// lowerScheme lowercases the scheme part of a URI, leaving scheme-less
// plain paths untouched.
func lowerScheme(p string) string {
	i := strings.Index(p, "://")
	if i < 0 {
		return p
	}
	return strings.ToLower(p[:i]) + p[i:]
}
