package variant

import (
	"context"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/otpalg"
)

// PW is the static password variant. No counter semantics; a success
// reports outcome 0 and never feeds the replay guard.
type PW struct {
	deps Deps
}

func NewPW(deps Deps) *PW { return &PW{deps: deps} }

func (v *PW) Type() string { return TypePW }

func (v *PW) Update(ctx context.Context, t *domain.Token, p Params) (map[string]any, error) {
	password := p.Get("otpkey")
	if password == "" {
		return nil, domain.ParameterErrorf("missing otpkey")
	}
	if err := sealKey(t, []byte(password)); err != nil {
		return nil, err
	}
	if err := applyPINParam(t, p); err != nil {
		return nil, err
	}

	// The OTP length is the password length so PIN splitting works.
	t.OTPLen = len(password)
	t.RolloutState = domain.RolloutEnrolled
	return nil, nil
}

func (v *PW) IsChallengeRequest(ctx context.Context, t *domain.Token, presented string) bool {
	return presented == ""
}

func (v *PW) CreateChallenge(ctx context.Context, t *domain.Token, transactionID string) (*ChallengeReply, error) {
	ch, err := v.deps.Challenges.Create(ctx, t.Serial, transactionID, "", challengeValidity(v.deps), 0)
	if err != nil {
		return nil, err
	}
	return &ChallengeReply{
		Message:       "please enter your password",
		TransactionID: ch.TransactionID,
	}, nil
}

func (v *PW) CheckChallengeResponse(ctx context.Context, t *domain.Token, transactionID, presented string) (domain.VerifyOutcome, error) {
	return respondViaOTP(ctx, v.deps, t, transactionID, presented, func(ctx context.Context) (domain.VerifyOutcome, error) {
		return v.CheckOTP(ctx, t, presented, nil, nil)
	})
}

func (v *PW) HasFurtherChallenge(ctx context.Context, t *domain.Token, transactionID string) (bool, error) {
	return false, nil
}

func (v *PW) CheckOTP(ctx context.Context, t *domain.Token, presented string, counter *int64, window *int) (domain.VerifyOutcome, error) {
	secret, err := decryptKey(t)
	if err != nil {
		return domain.OutcomeStale, err
	}
	if !otpalg.VerifyStatic(secret, []byte(presented)) {
		return domain.OutcomeStale, nil
	}
	return domain.VerifyOutcome(0), nil
}
