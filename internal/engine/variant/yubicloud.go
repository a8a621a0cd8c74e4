package variant

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/fido"
	"github.com/halcyonlabs/mfad/pkg/cryptox"
)

const (
	yubicoPublicIDChars = 12
	infoYubicoTokenID   = "yubico.tokenid"
)

// Yubicloud delegates OTP verification to a Yubico validation server.
// Requests and responses are HMAC signed with the shared API key; the
// response must echo the request nonce. Lockout and revocation are still
// enforced locally by the decision layer.
type Yubicloud struct {
	deps Deps
}

func NewYubicloud(deps Deps) *Yubicloud { return &Yubicloud{deps: deps} }

func (v *Yubicloud) Type() string { return TypeYubicloud }

func (v *Yubicloud) client() *http.Client {
	if v.deps.HTTP != nil {
		return v.deps.HTTP
	}
	return http.DefaultClient
}

func (v *Yubicloud) Update(ctx context.Context, t *domain.Token, p Params) (map[string]any, error) {
	tokenID := p.Get("yubico.tokenid")
	if len(tokenID) != yubicoPublicIDChars {
		return nil, domain.ParameterErrorf("yubico.tokenid must be %d characters", yubicoPublicIDChars)
	}
	if err := applyPINParam(t, p); err != nil {
		return nil, err
	}

	t.SetInfo(infoYubicoTokenID, tokenID)
	t.OTPLen = 44
	t.RolloutState = domain.RolloutEnrolled
	return nil, nil
}

func (v *Yubicloud) IsChallengeRequest(ctx context.Context, t *domain.Token, presented string) bool {
	return presented == ""
}

func (v *Yubicloud) CreateChallenge(ctx context.Context, t *domain.Token, transactionID string) (*ChallengeReply, error) {
	ch, err := v.deps.Challenges.Create(ctx, t.Serial, transactionID, "", challengeValidity(v.deps), 0)
	if err != nil {
		return nil, err
	}
	return &ChallengeReply{
		Message:       "please press your hardware token",
		TransactionID: ch.TransactionID,
	}, nil
}

func (v *Yubicloud) CheckChallengeResponse(ctx context.Context, t *domain.Token, transactionID, presented string) (domain.VerifyOutcome, error) {
	return respondViaOTP(ctx, v.deps, t, transactionID, presented, func(ctx context.Context) (domain.VerifyOutcome, error) {
		return v.CheckOTP(ctx, t, presented, nil, nil)
	})
}

func (v *Yubicloud) HasFurtherChallenge(ctx context.Context, t *domain.Token, transactionID string) (bool, error) {
	return false, nil
}

func (v *Yubicloud) CheckOTP(ctx context.Context, t *domain.Token, presented string, counter *int64, window *int) (domain.VerifyOutcome, error) {
	log := v.deps.log()

	if len(presented) < yubicoPublicIDChars {
		return domain.OutcomeStale, nil
	}
	if presented[:yubicoPublicIDChars] != t.InfoValue(infoYubicoTokenID) {
		log.WarnContext(ctx, "otp public id does not match the assigned token", "serial", t.Serial)
		return domain.OutcomeStale, nil
	}

	nonce, err := cryptox.GenerateNonceHex(20)
	if err != nil {
		return domain.OutcomeStale, err
	}

	fields := map[string]string{
		"nonce": nonce,
		"otp":   presented,
		"id":    v.deps.Yubico.APIID,
	}
	signature, err := fido.SignFields(fields, v.deps.Yubico.APIKey)
	if err != nil {
		return domain.OutcomeStale, domain.InfrastructureErrorf("sign validation request", err)
	}
	fields["h"] = signature

	reply, err := v.post(ctx, fields)
	if err != nil {
		// A relay fault is a failed verification, never a success.
		log.ErrorContext(ctx, "yubico validation request failed", "serial", t.Serial, "error", err)
		return domain.OutcomeStale, nil
	}

	sigValid, err := fido.VerifyFields(reply, v.deps.Yubico.APIKey)
	if err != nil {
		return domain.OutcomeStale, nil
	}

	if reply["status"] != "OK" {
		log.WarnContext(ctx, "yubico validation rejected", "serial", t.Serial, "status", reply["status"])
		return domain.OutcomeStale, nil
	}
	if !sigValid || reply["nonce"] != nonce {
		log.WarnContext(ctx, "yubico response signature or nonce mismatch", "serial", t.Serial)
		return domain.OutcomeWrongOwner, nil
	}
	return domain.VerifyOutcome(1), nil
}

func (v *Yubicloud) post(ctx context.Context, fields map[string]string) (map[string]string, error) {
	form := url.Values{}
	for k, val := range fields {
		form.Set(k, val)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.deps.Yubico.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yubico validation: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	return parseValidationReply(string(body)), nil
}

// parseValidationReply splits the "k=v" lines of a validation response.
func parseValidationReply(body string) map[string]string {
	reply := make(map[string]string)
	for _, line := range strings.Fields(body) {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		reply[k] = v
	}
	return reply
}
