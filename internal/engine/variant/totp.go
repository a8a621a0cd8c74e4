package variant

import (
	"context"
	"strconv"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/otpalg"
)

const (
	totpKeyBytes      = 20
	totpDefaultPeriod = 30
	infoPeriod        = "period"
)

// TOTP is the time-based OTP variant. The stored count is the last
// accepted time step; any match at or below it is a replay.
type TOTP struct {
	deps Deps
}

func NewTOTP(deps Deps) *TOTP { return &TOTP{deps: deps} }

func (v *TOTP) Type() string { return TypeTOTP }

func (v *TOTP) period(t *domain.Token) uint {
	p, err := strconv.Atoi(t.InfoValue(infoPeriod))
	if err != nil || p <= 0 {
		return totpDefaultPeriod
	}
	return uint(p)
}

func (v *TOTP) Update(ctx context.Context, t *domain.Token, p Params) (map[string]any, error) {
	key, err := resolveKeyParam(p, totpKeyBytes)
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
	period := p.Int("period", totpDefaultPeriod)
	if period <= 0 {
		return nil, domain.ParameterErrorf("period must be positive")
	}
	t.SetInfo(infoPeriod, strconv.Itoa(period))
	t.Count = 0
	t.RolloutState = domain.RolloutEnrolled

	return map[string]any{
		"otpauth_url": provisioningURL("totp", t, key, uint(period)),
	}, nil
}

func (v *TOTP) IsChallengeRequest(ctx context.Context, t *domain.Token, presented string) bool {
	return presented == ""
}

func (v *TOTP) CreateChallenge(ctx context.Context, t *domain.Token, transactionID string) (*ChallengeReply, error) {
	ch, err := v.deps.Challenges.Create(ctx, t.Serial, transactionID, "", challengeValidity(v.deps), 0)
	if err != nil {
		return nil, err
	}
	return &ChallengeReply{
		Message:       "please enter your one-time code",
		TransactionID: ch.TransactionID,
	}, nil
}

func (v *TOTP) CheckChallengeResponse(ctx context.Context, t *domain.Token, transactionID, presented string) (domain.VerifyOutcome, error) {
	return respondViaOTP(ctx, v.deps, t, transactionID, presented, func(ctx context.Context) (domain.VerifyOutcome, error) {
		return v.CheckOTP(ctx, t, presented, nil, nil)
	})
}

func (v *TOTP) HasFurtherChallenge(ctx context.Context, t *domain.Token, transactionID string) (bool, error) {
	return false, nil
}

func (v *TOTP) CheckOTP(ctx context.Context, t *domain.Token, presented string, counter *int64, window *int) (domain.VerifyOutcome, error) {
	key, err := decryptKey(t)
	if err != nil {
		return domain.OutcomeStale, err
	}

	w := t.CountWindow
	if window != nil {
		w = *window
	}

	step, ok, err := otpalg.VerifyTimeWindow(key, presented, t.Count, w, v.period(t), t.OTPLen, v.deps.now())
	if err != nil {
		return domain.OutcomeStale, err
	}
	if !ok {
		return domain.OutcomeStale, nil
	}
	if err := commitCounter(ctx, v.deps, t, step); err != nil {
		return domain.OutcomeStale, err
	}
	return domain.VerifyOutcome(step), nil
}
