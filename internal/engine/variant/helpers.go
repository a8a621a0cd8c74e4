package variant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/challenge"
	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/policy"
	"github.com/halcyonlabs/mfad/internal/engine/replay"
	"github.com/halcyonlabs/mfad/internal/engine/store"
	"github.com/halcyonlabs/mfad/pkg/cryptox"
)

// Type discriminants.
const (
	TypeHOTP          = "hotp"
	TypeTOTP          = "totp"
	TypePW            = "pw"
	TypeWebAuthn      = "webauthn"
	TypeIndexedSecret = "indexedsecret"
	TypeYubikey       = "yubikey"
	TypeYubicloud     = "yubicloud"
	TypeRemote        = "remote"
)

// Params are enrollment/update parameters, already parsed by the caller.
type Params map[string]string

func (p Params) Get(key string) string { return p[key] }

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Params) Bool(key string) bool {
	v, err := strconv.ParseBool(p[key])
	return err == nil && v
}

func (p Params) Int(key string, def int) int {
	v, err := strconv.Atoi(p[key])
	if err != nil {
		return def
	}
	return v
}

// SplitPIN splits a presented password into PIN and OTP following the
// pin-prefix convention: the last OTPLen characters are the OTP, anything
// before is the PIN. A value shorter than OTPLen is treated as PIN only,
// so a bare PIN can trigger a challenge. Tokens without a PIN take the
// whole value as OTP.
func SplitPIN(t *domain.Token, pass string) (pin, otp string) {
	if t.PINHash == "" {
		return "", pass
	}
	if t.OTPLen <= 0 || len(pass) < t.OTPLen {
		return pass, ""
	}
	cut := len(pass) - t.OTPLen
	return pass[:cut], pass[cut:]
}

// CheckPIN verifies the token PIN. Tokens without a PIN accept only an
// empty one.
func CheckPIN(t *domain.Token, pin string) bool {
	return cryptox.VerifyPIN(pin, t.PINHash) == nil
}

// decryptKey returns the token's secret material in the clear for the
// duration of one verification call.
func decryptKey(t *domain.Token) ([]byte, error) {
	if len(t.OTPKey) == 0 {
		return nil, domain.ValidationErrorf("token %s has no secret", t.Serial)
	}
	key, err := cryptox.DecryptSecret(t.OTPKey)
	if err != nil {
		return nil, domain.InfrastructureErrorf("decrypt otp key", err)
	}
	return key, nil
}

// sealKey encrypts fresh secret material into the token record.
func sealKey(t *domain.Token, plaintext []byte) error {
	sealed, err := cryptox.EncryptSecret(plaintext)
	if err != nil {
		return domain.InfrastructureErrorf("encrypt otp key", err)
	}
	t.OTPKey = sealed
	return nil
}

// resolveKeyParam returns the secret for an enrollment: an explicit hex
// otpkey, or freshly generated material when genkey is set.
func resolveKeyParam(p Params, genBytes int) ([]byte, error) {
	if raw := p.Get("otpkey"); raw != "" {
		key, err := hex.DecodeString(raw)
		if err != nil {
			return nil, domain.ParameterErrorf("otpkey is not valid hex")
		}
		return key, nil
	}
	if p.Bool("genkey") {
		key := make([]byte, genBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, domain.InfrastructureErrorf("generate otp key", err)
		}
		return key, nil
	}
	return nil, domain.ParameterErrorf("missing otpkey or genkey")
}

// applyPINParam hashes and stores an enrollment PIN when present.
func applyPINParam(t *domain.Token, p Params) error {
	if !p.Has("pin") {
		return nil
	}
	hash, err := cryptox.HashPIN(p.Get("pin"))
	if err != nil {
		return domain.InfrastructureErrorf("hash pin", err)
	}
	t.PINHash = hash
	return nil
}

// commitCounter runs the replay guard and persists the accepted counter
// atomically. A lost compare-and-swap means a concurrent attempt on the
// same token won the race; surfaced as a replay rejection.
func commitCounter(ctx context.Context, deps Deps, t *domain.Token, next int64) error {
	if err := replay.Accept(t.Count, next); err != nil {
		return err
	}
	if err := deps.Store.Tokens().CommitCounter(ctx, t.Serial, t.Count, next); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.ErrReplayRejected
		}
		return domain.InfrastructureErrorf("commit counter", err)
	}
	t.Count = next
	t.FailCount = 0
	return nil
}

// challengeValidity resolves the configured challenge lifetime.
func challengeValidity(deps Deps) time.Duration {
	raw, ok := deps.Policy.ActionValue(policy.ScopeAuth, policy.ActionChallengeValidity, nil)
	if !ok {
		return challenge.DefaultValidity
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return challenge.DefaultValidity
	}
	return time.Duration(secs) * time.Second
}

// respondViaOTP is the shared challenge-response path for variants whose
// answer is an ordinary OTP value independent of the challenge nonce. It
// requires a live challenge on the transaction, runs check once, records
// the attempt and triggers the janitor pass.
func respondViaOTP(ctx context.Context, deps Deps, t *domain.Token, transactionID, presented string, check func(context.Context) (domain.VerifyOutcome, error)) (domain.VerifyOutcome, error) {
	challenges, err := deps.Challenges.FindValid(ctx, t.Serial, transactionID)
	if err != nil {
		return domain.OutcomeStale, err
	}
	if len(challenges) == 0 {
		return domain.OutcomeStale, nil
	}

	outcome, checkErr := check(ctx)
	valid := checkErr == nil && outcome.Accepted()

	ch := challenges[0]
	if err := deps.Challenges.MarkAttempt(ctx, &ch, valid); err != nil {
		return domain.OutcomeStale, err
	}
	if err := deps.Challenges.Janitor(ctx, t.Serial, false); err != nil {
		return domain.OutcomeStale, err
	}

	if checkErr != nil {
		return domain.OutcomeStale, checkErr
	}
	return outcome, nil
}

// randomPositions draws n distinct 1-based positions in [1, max].
func randomPositions(n, max int) ([]int, error) {
	if n > max {
		n = max
	}
	seen := make(map[int]bool, n)
	positions := make([]int, 0, n)
	for len(positions) < n {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, domain.InfrastructureErrorf("draw positions", err)
		}
		p := int(uint16(b[0])<<8|uint16(b[1]))%max + 1
		if seen[p] {
			continue
		}
		seen[p] = true
		positions = append(positions, p)
	}
	return positions, nil
}
