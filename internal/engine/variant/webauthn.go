package variant

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/fido"
	"github.com/halcyonlabs/mfad/internal/engine/replay"
)

const infoCredential = "credential"

// WebAuthn is the public-key challenge-response variant. Enrollment is a
// two-step attestation ceremony driven through Update and the clientwait
// rollout state; authentication is an assertion ceremony over the
// challenge store. The token count mirrors the authenticator signature
// counter.
type WebAuthn struct {
	deps Deps
}

func NewWebAuthn(deps Deps) *WebAuthn { return &WebAuthn{deps: deps} }

func (v *WebAuthn) Type() string { return TypeWebAuthn }

func (v *WebAuthn) username(t *domain.Token) string {
	if t.Owner != "" {
		return t.Owner
	}
	return t.Serial
}

func (v *WebAuthn) Update(ctx context.Context, t *domain.Token, p Params) (map[string]any, error) {
	if p.Get("regdata") == "" {
		return v.beginEnrollment(ctx, t, p)
	}
	return v.finishEnrollment(ctx, t, p)
}

func (v *WebAuthn) beginEnrollment(ctx context.Context, t *domain.Token, p Params) (map[string]any, error) {
	if err := applyPINParam(t, p); err != nil {
		return nil, err
	}

	options, sessionJSON, err := v.deps.Fido.BeginRegistration([]byte(t.Serial), v.username(t))
	if err != nil {
		return nil, domain.EnrollmentErrorf("begin registration: %v", err)
	}

	ch, err := v.deps.Challenges.Create(ctx, t.Serial, "", sessionJSON, challengeValidity(v.deps), 0)
	if err != nil {
		return nil, err
	}

	t.RolloutState = domain.RolloutClientWait
	return map[string]any{
		"webauthn_registration_request": options,
		"transaction_id":                ch.TransactionID,
	}, nil
}

func (v *WebAuthn) finishEnrollment(ctx context.Context, t *domain.Token, p Params) (map[string]any, error) {
	if t.RolloutState != domain.RolloutClientWait {
		return nil, domain.ParameterErrorf("registration data arrived outside clientwait")
	}

	transactionID := p.Get("transaction_id")
	challenges, err := v.deps.Challenges.FindValid(ctx, t.Serial, transactionID)
	if err != nil {
		return nil, err
	}
	if len(challenges) == 0 {
		return nil, domain.EnrollmentErrorf("no pending registration challenge")
	}
	ch := challenges[0]

	credential, err := v.deps.Fido.FinishRegistration([]byte(t.Serial), v.username(t), ch.Data, strings.NewReader(p.Get("regdata")))
	if err != nil {
		return nil, domain.EnrollmentErrorf("attestation rejected")
	}

	raw, err := fido.MarshalCredential(credential)
	if err != nil {
		return nil, err
	}
	t.SetInfo(infoCredential, raw)
	t.Count = int64(credential.Authenticator.SignCount)
	t.RolloutState = domain.RolloutEnrolled

	if err := v.deps.Challenges.Janitor(ctx, t.Serial, false); err != nil {
		return nil, err
	}
	_ = v.deps.Store.Challenges().DeleteChallenge(ctx, ch.ID)

	return map[string]any{
		"credential_id": base64.RawURLEncoding.EncodeToString(credential.ID),
		"aaguid":        base64.RawURLEncoding.EncodeToString(credential.Authenticator.AAGUID),
	}, nil
}

func (v *WebAuthn) credential(t *domain.Token) (webauthn.Credential, error) {
	raw := t.InfoValue(infoCredential)
	if raw == "" {
		return webauthn.Credential{}, domain.ValidationErrorf("token %s has no credential", t.Serial)
	}
	return fido.UnmarshalCredential(raw)
}

func (v *WebAuthn) IsChallengeRequest(ctx context.Context, t *domain.Token, presented string) bool {
	return presented == ""
}

func (v *WebAuthn) CreateChallenge(ctx context.Context, t *domain.Token, transactionID string) (*ChallengeReply, error) {
	cred, err := v.credential(t)
	if err != nil {
		return nil, err
	}

	options, sessionJSON, err := v.deps.Fido.BeginLogin([]byte(t.Serial), v.username(t), []webauthn.Credential{cred})
	if err != nil {
		return nil, domain.InfrastructureErrorf("begin assertion", err)
	}

	ch, err := v.deps.Challenges.Create(ctx, t.Serial, transactionID, sessionJSON, challengeValidity(v.deps), 0)
	if err != nil {
		return nil, err
	}

	return &ChallengeReply{
		Message:       "please confirm with your authenticator",
		TransactionID: ch.TransactionID,
		Attributes:    map[string]any{"webauthn_sign_request": options},
	}, nil
}

func (v *WebAuthn) CheckChallengeResponse(ctx context.Context, t *domain.Token, transactionID, presented string) (domain.VerifyOutcome, error) {
	challenges, err := v.deps.Challenges.FindValid(ctx, t.Serial, transactionID)
	if err != nil {
		return domain.OutcomeStale, err
	}
	if len(challenges) == 0 {
		return domain.OutcomeStale, nil
	}

	cred, err := v.credential(t)
	if err != nil {
		return domain.OutcomeStale, err
	}

	for i := range challenges {
		ch := challenges[i]
		updated, err := v.deps.Fido.FinishLogin([]byte(t.Serial), v.username(t), ch.Data, []webauthn.Credential{cred}, strings.NewReader(presented))
		if err != nil {
			// Opaque rejection. The challenge stays answerable until its
			// own expiry so the real client can still retry.
			if markErr := v.deps.Challenges.MarkAttempt(ctx, &ch, false); markErr != nil {
				return domain.OutcomeStale, markErr
			}
			continue
		}

		signCount := int64(updated.Authenticator.SignCount)
		advance, err := replay.AcceptSignCount(t.Count, signCount)
		if err != nil {
			// A regressed signature counter is a failed attempt like any
			// other: record it and run the janitor pass before reporting.
			if markErr := v.deps.Challenges.MarkAttempt(ctx, &ch, false); markErr != nil {
				return domain.OutcomeStale, markErr
			}
			if janErr := v.deps.Challenges.Janitor(ctx, t.Serial, false); janErr != nil {
				return domain.OutcomeStale, janErr
			}
			return domain.OutcomeStale, err
		}
		if advance {
			if err := commitCounter(ctx, v.deps, t, signCount); err != nil {
				return domain.OutcomeStale, err
			}
			raw, err := fido.MarshalCredential(updated)
			if err != nil {
				return domain.OutcomeStale, err
			}
			t.SetInfo(infoCredential, raw)
			if err := v.deps.Store.Tokens().UpdateToken(ctx, *t); err != nil {
				return domain.OutcomeStale, domain.InfrastructureErrorf("update token", err)
			}
		}

		if err := v.deps.Challenges.MarkAttempt(ctx, &ch, true); err != nil {
			return domain.OutcomeStale, err
		}
		if err := v.deps.Challenges.Janitor(ctx, t.Serial, false); err != nil {
			return domain.OutcomeStale, err
		}
		if signCount < 0 {
			signCount = 0
		}
		return domain.VerifyOutcome(signCount), nil
	}

	if err := v.deps.Challenges.Janitor(ctx, t.Serial, false); err != nil {
		return domain.OutcomeStale, err
	}
	return domain.OutcomeStale, domain.ErrRejectedAuth
}

func (v *WebAuthn) HasFurtherChallenge(ctx context.Context, t *domain.Token, transactionID string) (bool, error) {
	return false, nil
}

func (v *WebAuthn) CheckOTP(ctx context.Context, t *domain.Token, presented string, counter *int64, window *int) (domain.VerifyOutcome, error) {
	// Challenge-response only.
	return domain.OutcomeStale, nil
}
