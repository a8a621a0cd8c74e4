package variant

import (
	"context"
	"errors"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
)

const infoRemoteUser = "remote.user"

// Remote forwards the presented value to an external verification service
// and trusts its boolean verdict. No local secret is checked, but lockout
// and revocation still apply locally through the decision layer. A relay
// error or timeout is a failed verification, never a success.
type Remote struct {
	deps Deps
}

func NewRemote(deps Deps) *Remote { return &Remote{deps: deps} }

func (v *Remote) Type() string { return TypeRemote }

func (v *Remote) Update(ctx context.Context, t *domain.Token, p Params) (map[string]any, error) {
	if err := applyPINParam(t, p); err != nil {
		return nil, err
	}
	if user := p.Get("remote.user"); user != "" {
		t.SetInfo(infoRemoteUser, user)
	}
	t.RolloutState = domain.RolloutEnrolled
	return nil, nil
}

func (v *Remote) remoteUser(t *domain.Token) string {
	if user := t.InfoValue(infoRemoteUser); user != "" {
		return user
	}
	return t.Owner
}

func (v *Remote) IsChallengeRequest(ctx context.Context, t *domain.Token, presented string) bool {
	return presented == ""
}

func (v *Remote) CreateChallenge(ctx context.Context, t *domain.Token, transactionID string) (*ChallengeReply, error) {
	ch, err := v.deps.Challenges.Create(ctx, t.Serial, transactionID, "", challengeValidity(v.deps), 0)
	if err != nil {
		return nil, err
	}
	return &ChallengeReply{
		Message:       "please enter your remote credential",
		TransactionID: ch.TransactionID,
	}, nil
}

func (v *Remote) CheckChallengeResponse(ctx context.Context, t *domain.Token, transactionID, presented string) (domain.VerifyOutcome, error) {
	return respondViaOTP(ctx, v.deps, t, transactionID, presented, func(ctx context.Context) (domain.VerifyOutcome, error) {
		return v.CheckOTP(ctx, t, presented, nil, nil)
	})
}

func (v *Remote) HasFurtherChallenge(ctx context.Context, t *domain.Token, transactionID string) (bool, error) {
	return false, nil
}

func (v *Remote) CheckOTP(ctx context.Context, t *domain.Token, presented string, counter *int64, window *int) (domain.VerifyOutcome, error) {
	if v.deps.Relay == nil {
		return domain.OutcomeStale, domain.InfrastructureErrorf("remote verify", errors.New("no relay configured"))
	}

	ok, err := v.deps.Relay.Verify(ctx, v.remoteUser(t), presented)
	if err != nil {
		v.deps.log().ErrorContext(ctx, "remote relay failed", "serial", t.Serial, "error", err)
		return domain.OutcomeStale, nil
	}
	if !ok {
		return domain.OutcomeStale, nil
	}
	return domain.VerifyOutcome(0), nil
}
