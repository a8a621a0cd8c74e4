// Package otpalg contains the stateless numeric verification primitives
// shared by the token variants: counter-window and time-window one-time
// code matching, static comparison, and indexed-substring comparison.
package otpalg

import (
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func digitsOf(n int) otp.Digits {
	if n == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

// VerifyCounterWindow computes the keyed one-time code for each counter in
// [start, start+window) and compares it against presented in constant time
// per candidate. It returns the first matching counter.
func VerifyCounterWindow(key []byte, presented string, start int64, window, digits int) (int64, bool, error) {
	if len(key) == 0 {
		return 0, false, domain.ValidationErrorf("empty otp key")
	}
	if presented == "" || window <= 0 {
		return 0, false, domain.ValidationErrorf("empty otp value or window")
	}

	secret := b32.EncodeToString(key)
	opts := hotp.ValidateOpts{Digits: digitsOf(digits), Algorithm: otp.AlgorithmSHA1}

	for c := start; c < start+int64(window); c++ {
		expected, err := hotp.GenerateCodeCustom(secret, uint64(c), opts)
		if err != nil {
			return 0, false, fmt.Errorf("hotp generate: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1 {
			return c, true, nil
		}
	}
	return 0, false, nil
}

// VerifyTimeWindow is the time-step analogue of VerifyCounterWindow. It
// scans the steps [now-window, now+window] and returns the matching step.
//
// A matching step at or below lastStep is rejected as a replay even when
// an earlier unused step inside the window would validate. This trades
// some clock-drift tolerance for strict replay safety and is deliberate;
// do not relax it.
func VerifyTimeWindow(key []byte, presented string, lastStep int64, window int, period uint, digits int, at time.Time) (int64, bool, error) {
	if len(key) == 0 {
		return 0, false, domain.ValidationErrorf("empty otp key")
	}
	if presented == "" {
		return 0, false, domain.ValidationErrorf("empty otp value")
	}
	if period == 0 {
		period = 30
	}

	secret := b32.EncodeToString(key)
	opts := totp.ValidateOpts{Period: period, Skew: 0, Digits: digitsOf(digits), Algorithm: otp.AlgorithmSHA1}

	nowStep := at.Unix() / int64(period)
	for step := nowStep - int64(window); step <= nowStep+int64(window); step++ {
		if step < 0 {
			continue
		}
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*int64(period), 0).UTC(), opts)
		if err != nil {
			return 0, false, fmt.Errorf("totp generate: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1 {
			if step <= lastStep {
				return step, false, domain.ErrReplayRejected
			}
			return step, true, nil
		}
	}
	return 0, false, nil
}

// VerifyStatic compares a static secret in constant time. The secret is
// never logged by this package.
func VerifyStatic(secret, presented []byte) bool {
	return subtle.ConstantTimeCompare(secret, presented) == 1
}

// VerifyIndexedPositions checks an indexed-secret answer. The expected
// answer is the concatenation of secret[p-1] for each 1-based position p,
// in order. The answer length must equal the number of requested
// positions; a mismatch rejects before the secret is consulted.
func VerifyIndexedPositions(secret string, positions []int, answer string) (bool, error) {
	if secret == "" {
		return false, domain.ValidationErrorf("empty indexed secret")
	}
	if len(answer) != len(positions) {
		return false, nil
	}

	runes := []rune(secret)
	expected := make([]rune, 0, len(positions))
	for _, p := range positions {
		if p < 1 || p > len(runes) {
			return false, domain.ValidationErrorf("position %d out of range", p)
		}
		expected = append(expected, runes[p-1])
	}

	return subtle.ConstantTimeCompare([]byte(string(expected)), []byte(answer)) == 1, nil
}
