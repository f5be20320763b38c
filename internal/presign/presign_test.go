package presign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T, at time.Time) *Signer {
	t.Helper()
	s, err := New([]byte("super-secret"))
	require.NoError(t, err)
	return s.WithClock(func() time.Time { return at })
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := testSigner(t, now)

	sig, exp := s.Sign("sometoken", time.Hour)
	assert.Equal(t, now.Add(time.Hour).Unix(), exp)
	assert.NoError(t, s.Verify("sometoken", exp, sig))
}

func TestSignAtMatchesSign(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := testSigner(t, now)

	sig, exp := s.Sign("sometoken", time.Hour)
	assert.Equal(t, sig, s.SignAt("sometoken", exp))
	assert.NoError(t, s.Verify("sometoken", exp, s.SignAt("sometoken", exp)))
}

func TestVerifyExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := testSigner(t, now)
	sig, exp := s.Sign("sometoken", time.Minute)

	late := s.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	assert.ErrorIs(t, late.Verify("sometoken", exp, sig), ErrShareExpired)
}

func TestVerifyInvalid(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := testSigner(t, now)
	sig, exp := s.Sign("sometoken", time.Hour)

	assert.ErrorIs(t, s.Verify("othertoken", exp, sig), ErrShareInvalid)
	assert.ErrorIs(t, s.Verify("sometoken", exp+1, sig), ErrShareInvalid)
	assert.ErrorIs(t, s.Verify("sometoken", exp, sig+"x"), ErrShareInvalid)

	other, err := New([]byte("different-secret"))
	require.NoError(t, err)
	assert.ErrorIs(t, other.WithClock(func() time.Time { return now }).Verify("sometoken", exp, sig), ErrShareInvalid)
}

// A tampered expiry on an expired link must read as invalid, never as
// expired: the signature check runs first.
func TestVerifyOrderInvalidBeforeExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := testSigner(t, now)
	sig, exp := s.Sign("sometoken", -time.Hour)

	assert.ErrorIs(t, s.Verify("sometoken", exp, sig), ErrShareExpired)
	assert.ErrorIs(t, s.Verify("sometoken", exp-999, sig), ErrShareInvalid)
}
