package otpalg

import (
	"encoding/base32"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
)

var testKey = []byte("12345678901234567890")

func codeAt(t *testing.T, counter int64) string {
	t.Helper()
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(testKey)
	code, err := hotp.GenerateCodeCustom(secret, uint64(counter),
		hotp.ValidateOpts{Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1})
	require.NoError(t, err)
	return code
}

func totpCodeAt(t *testing.T, step int64, period uint) string {
	t.Helper()
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(testKey)
	code, err := totp.GenerateCodeCustom(secret, time.Unix(step*int64(period), 0).UTC(),
		totp.ValidateOpts{Period: period, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1})
	require.NoError(t, err)
	return code
}

func TestVerifyCounterWindow(t *testing.T) {
	t.Parallel()

	t.Run("matches inside window", func(t *testing.T) {
		c, ok, err := VerifyCounterWindow(testKey, codeAt(t, 7), 6, 10, 6)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(7), c)
	})

	t.Run("window upper bound is exclusive", func(t *testing.T) {
		// Window [6, 16): counter 15 verifies, counter 16 does not.
		c, ok, err := VerifyCounterWindow(testKey, codeAt(t, 15), 6, 10, 6)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, int64(15), c)

		_, ok, err = VerifyCounterWindow(testKey, codeAt(t, 16), 6, 10, 6)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("code before window does not verify", func(t *testing.T) {
		_, ok, err := VerifyCounterWindow(testKey, codeAt(t, 5), 6, 10, 6)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("empty key is a validation error", func(t *testing.T) {
		_, _, err := VerifyCounterWindow(nil, "123456", 0, 10, 6)
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestVerifyTimeWindow(t *testing.T) {
	t.Parallel()

	const period = 30
	at := time.Unix(1_700_000_010, 0).UTC()
	nowStep := at.Unix() / period

	t.Run("current step verifies", func(t *testing.T) {
		step, ok, err := VerifyTimeWindow(testKey, totpCodeAt(t, nowStep, period), nowStep-5, 2, period, 6, at)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, nowStep, step)
	})

	t.Run("step at or below the floor is a replay even inside the window", func(t *testing.T) {
		// The previous step's code is inside the +/-2 window but at the
		// replay floor; it must be refused.
		_, ok, err := VerifyTimeWindow(testKey, totpCodeAt(t, nowStep-1, period), nowStep-1, 2, period, 6, at)
		require.ErrorIs(t, err, domain.ErrReplayRejected)
		require.False(t, ok)
	})

	t.Run("outside window does not verify", func(t *testing.T) {
		_, ok, err := VerifyTimeWindow(testKey, totpCodeAt(t, nowStep+3, period), 0, 2, period, 6, at)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestVerifyStatic(t *testing.T) {
	t.Parallel()

	require.True(t, VerifyStatic([]byte("hunter2"), []byte("hunter2")))
	require.False(t, VerifyStatic([]byte("hunter2"), []byte("hunter3")))
	require.False(t, VerifyStatic([]byte("hunter2"), []byte("hunter")))
}

func TestVerifyIndexedPositions(t *testing.T) {
	t.Parallel()

	t.Run("correct answer accepts", func(t *testing.T) {
		ok, err := VerifyIndexedPositions("abcdef", []int{2, 5}, "be")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("wrong character rejects", func(t *testing.T) {
		ok, err := VerifyIndexedPositions("abcdef", []int{2, 5}, "ba")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("wrong length rejects without consulting the secret", func(t *testing.T) {
		ok, err := VerifyIndexedPositions("abcdef", []int{2, 5}, "b")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("position out of range is a validation error", func(t *testing.T) {
		_, err := VerifyIndexedPositions("abc", []int{9}, "x")
		require.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("empty secret is a validation error", func(t *testing.T) {
		_, err := VerifyIndexedPositions("", []int{1}, "x")
		require.ErrorIs(t, err, domain.ErrValidation)
	})
}
