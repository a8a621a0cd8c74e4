package variant

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/otpalg"
	"github.com/halcyonlabs/mfad/internal/engine/policy"
)

const defaultPositionCount = 2

// IndexedSecret is a pure challenge-response variant: the server asks for
// the characters at random 1-based positions of a shared secret string.
// With a multichallenge policy several rounds must be answered in turn.
type IndexedSecret struct {
	deps Deps
}

func NewIndexedSecret(deps Deps) *IndexedSecret { return &IndexedSecret{deps: deps} }

func (v *IndexedSecret) Type() string { return TypeIndexedSecret }

func (v *IndexedSecret) Update(ctx context.Context, t *domain.Token, p Params) (map[string]any, error) {
	secret := p.Get("otpkey")
	if secret == "" {
		return nil, domain.ParameterErrorf("missing otpkey")
	}
	if err := sealKey(t, []byte(secret)); err != nil {
		return nil, err
	}
	if err := applyPINParam(t, p); err != nil {
		return nil, err
	}
	t.RolloutState = domain.RolloutEnrolled
	return nil, nil
}

func (v *IndexedSecret) positionCount() int {
	raw, ok := v.deps.Policy.ActionValue(policy.ScopeAuth, policy.ActionIndexedSecretCount, nil)
	if !ok {
		return defaultPositionCount
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultPositionCount
	}
	return n
}

func (v *IndexedSecret) requiredRounds() int {
	raw, ok := v.deps.Policy.ActionValue(policy.ScopeAuth, policy.ActionMultiChallengeRounds, nil)
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

func (v *IndexedSecret) IsChallengeRequest(ctx context.Context, t *domain.Token, presented string) bool {
	return presented == ""
}

func (v *IndexedSecret) CreateChallenge(ctx context.Context, t *domain.Token, transactionID string) (*ChallengeReply, error) {
	return v.createRound(ctx, t, transactionID, 0)
}

func (v *IndexedSecret) createRound(ctx context.Context, t *domain.Token, transactionID string, session int) (*ChallengeReply, error) {
	secret, err := decryptKey(t)
	if err != nil {
		return nil, err
	}

	positions, err := randomPositions(v.positionCount(), len([]rune(string(secret))))
	if err != nil {
		return nil, err
	}
	ch, err := v.deps.Challenges.Create(ctx, t.Serial, transactionID, encodePositions(positions), challengeValidity(v.deps), session)
	if err != nil {
		return nil, err
	}

	return &ChallengeReply{
		Message:       fmt.Sprintf("please enter the secret positions %s", encodePositions(positions)),
		TransactionID: ch.TransactionID,
		Attributes:    map[string]any{"positions": positions},
	}, nil
}

func (v *IndexedSecret) CheckChallengeResponse(ctx context.Context, t *domain.Token, transactionID, presented string) (domain.VerifyOutcome, error) {
	challenges, err := v.deps.Challenges.FindValid(ctx, t.Serial, transactionID)
	if err != nil {
		return domain.OutcomeStale, err
	}

	secret, err := decryptKey(t)
	if err != nil {
		return domain.OutcomeStale, err
	}

	outcome := domain.OutcomeStale
	for i := range challenges {
		ch := challenges[i]
		if ch.OTPValid {
			continue
		}
		positions, err := decodePositions(ch.Data)
		if err != nil {
			return domain.OutcomeStale, err
		}
		ok, err := otpalg.VerifyIndexedPositions(string(secret), positions, presented)
		if err != nil {
			return domain.OutcomeStale, err
		}

		if err := v.deps.Challenges.MarkAttempt(ctx, &ch, ok); err != nil {
			return domain.OutcomeStale, err
		}
		if !ok {
			continue
		}

		outcome = domain.VerifyOutcome(1)
		if ch.Session+1 < v.requiredRounds() {
			if _, err := v.createRound(ctx, t, transactionID, ch.Session+1); err != nil {
				return domain.OutcomeStale, err
			}
		}
		break
	}

	if err := v.deps.Challenges.Janitor(ctx, t.Serial, false); err != nil {
		return domain.OutcomeStale, err
	}
	return outcome, nil
}

func (v *IndexedSecret) HasFurtherChallenge(ctx context.Context, t *domain.Token, transactionID string) (bool, error) {
	challenges, err := v.deps.Challenges.FindValid(ctx, t.Serial, transactionID)
	if err != nil {
		return false, err
	}
	for _, ch := range challenges {
		if !ch.OTPValid {
			return true, nil
		}
	}
	return false, nil
}

func (v *IndexedSecret) CheckOTP(ctx context.Context, t *domain.Token, presented string, counter *int64, window *int) (domain.VerifyOutcome, error) {
	// Challenge-response only.
	return domain.OutcomeStale, nil
}

func encodePositions(positions []int) string {
	parts := make([]string, len(positions))
	for i, p := range positions {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func decodePositions(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	positions := make([]int, 0, len(parts))
	for _, part := range parts {
		p, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, domain.ValidationErrorf("bad position %q", part)
		}
		positions = append(positions, p)
	}
	return positions, nil
}
