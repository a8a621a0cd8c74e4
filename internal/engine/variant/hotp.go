package variant

import (
	"context"
	"encoding/base32"
	"fmt"
	"net/url"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/otpalg"
)

const hotpKeyBytes = 20

// HOTP is the counter-based OTP variant. The stored count is the last
// accepted counter; the verification scan starts one past it.
type HOTP struct {
	deps Deps
}

func NewHOTP(deps Deps) *HOTP { return &HOTP{deps: deps} }

func (v *HOTP) Type() string { return TypeHOTP }

func (v *HOTP) Update(ctx context.Context, t *domain.Token, p Params) (map[string]any, error) {
	key, err := resolveKeyParam(p, hotpKeyBytes)
	if err != nil {
		return nil, err
	}
	if err := sealKey(t, key); err != nil {
		return nil, err
	}
	if err := applyPINParam(t, p); err != nil {
		return nil, err
	}

	t.OTPLen = p.Int("otplen", 6)
	if t.OTPLen != 6 && t.OTPLen != 8 {
		return nil, domain.ParameterErrorf("otplen must be 6 or 8")
	}
	t.Count = -1 // never verified; the first scan starts at counter 0
	t.RolloutState = domain.RolloutEnrolled

	return map[string]any{
		"otpauth_url": provisioningURL("hotp", t, key, 0),
	}, nil
}

func (v *HOTP) IsChallengeRequest(ctx context.Context, t *domain.Token, presented string) bool {
	return presented == ""
}

func (v *HOTP) CreateChallenge(ctx context.Context, t *domain.Token, transactionID string) (*ChallengeReply, error) {
	ch, err := v.deps.Challenges.Create(ctx, t.Serial, transactionID, "", challengeValidity(v.deps), 0)
	if err != nil {
		return nil, err
	}
	return &ChallengeReply{
		Message:       "please enter your one-time code",
		TransactionID: ch.TransactionID,
	}, nil
}

func (v *HOTP) CheckChallengeResponse(ctx context.Context, t *domain.Token, transactionID, presented string) (domain.VerifyOutcome, error) {
	return respondViaOTP(ctx, v.deps, t, transactionID, presented, func(ctx context.Context) (domain.VerifyOutcome, error) {
		return v.CheckOTP(ctx, t, presented, nil, nil)
	})
}

func (v *HOTP) HasFurtherChallenge(ctx context.Context, t *domain.Token, transactionID string) (bool, error) {
	return false, nil
}

func (v *HOTP) CheckOTP(ctx context.Context, t *domain.Token, presented string, counter *int64, window *int) (domain.VerifyOutcome, error) {
	key, err := decryptKey(t)
	if err != nil {
		return domain.OutcomeStale, err
	}

	start := t.Count + 1
	if counter != nil {
		start = *counter + 1
	}
	w := t.CountWindow
	if window != nil {
		w = *window
	}

	matched, ok, err := otpalg.VerifyCounterWindow(key, presented, start, w, t.OTPLen)
	if err != nil {
		return domain.OutcomeStale, err
	}
	if !ok {
		return domain.OutcomeStale, nil
	}
	if err := commitCounter(ctx, v.deps, t, matched); err != nil {
		return domain.OutcomeStale, err
	}
	return domain.VerifyOutcome(matched), nil
}

// Resync re-synchronizes a drifted counter from two consecutive codes
// inside the sync window. On success the counter jumps to the second code.
func (v *HOTP) Resync(ctx context.Context, t *domain.Token, first, second string) (bool, error) {
	key, err := decryptKey(t)
	if err != nil {
		return false, err
	}

	start := t.Count + 1
	c1, ok, err := otpalg.VerifyCounterWindow(key, first, start, t.SyncWindow, t.OTPLen)
	if err != nil || !ok {
		return false, err
	}
	c2, ok, err := otpalg.VerifyCounterWindow(key, second, c1+1, 1, t.OTPLen)
	if err != nil || !ok {
		return false, err
	}
	if err := commitCounter(ctx, v.deps, t, c2); err != nil {
		return false, err
	}
	return true, nil
}

// provisioningURL renders the otpauth enrollment URL for authenticator
// apps. period is only set for time-based tokens.
func provisioningURL(typ string, t *domain.Token, key []byte, period uint) string {
	q := url.Values{}
	q.Set("secret", base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(key))
	q.Set("digits", fmt.Sprintf("%d", t.OTPLen))
	q.Set("issuer", "mfad")
	if typ == "hotp" {
		q.Set("counter", "0")
	}
	if period > 0 {
		q.Set("period", fmt.Sprintf("%d", period))
	}
	label := t.Serial
	if t.Owner != "" {
		label = t.Owner
	}
	u := url.URL{Scheme: "otpauth", Host: typ, Path: "/" + label, RawQuery: q.Encode()}
	return u.String()
}
