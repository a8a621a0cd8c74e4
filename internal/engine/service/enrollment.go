package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/policy"
	"github.com/halcyonlabs/mfad/internal/engine/store"
	"github.com/halcyonlabs/mfad/internal/engine/variant"
	"github.com/halcyonlabs/mfad/pkg/idx"
)

// Defaults applied to freshly created tokens. Enrollment parameters and
// the variant's Update may override any of them.
const (
	defaultCountWindow = 10
	defaultSyncWindow  = 1000
	defaultMaxFail     = 10
)

// EnrollmentService manages the token lifecycle outside of authentication:
// creating and re-parameterising tokens, enrollment verification, and
// counter resynchronisation.
type EnrollmentService struct {
	Store    store.Store
	Registry *variant.Registry
	Policy   policy.Options
	Logger   *slog.Logger
}

func NewEnrollmentService(st store.Store, reg *variant.Registry, opts policy.Options, logger *slog.Logger) *EnrollmentService {
	return &EnrollmentService{Store: st, Registry: reg, Policy: opts, Logger: logger}
}

// InitRequest describes a token init call. An empty Serial creates a new
// token with a minted serial; a known Serial re-parameterises the existing
// token (this is also how multi-step enrollments such as webauthn deliver
// their second request).
type InitRequest struct {
	Type   string
	Serial string
	Owner  string
	Params variant.Params
}

// InitResult is returned to the enrolling client.
type InitResult struct {
	Serial string
	Detail map[string]any

	// VerifyRequired is set when policy demands the client prove
	// possession before the token becomes usable. TransactionID and
	// Message then describe the pending verification challenge.
	VerifyRequired bool
	TransactionID  string
	Message        string
}

// InitToken creates or updates a token. New tokens are inserted before the
// variant runs so enrollment challenges can reference the serial.
func (s *EnrollmentService) InitToken(ctx context.Context, req InitRequest) (InitResult, error) {
	typ := strings.ToLower(strings.TrimSpace(req.Type))

	if req.Serial != "" {
		tok, err := s.Store.Tokens().GetToken(ctx, req.Serial)
		switch {
		case err == nil:
			if typ != "" && typ != tok.Type {
				return InitResult{}, domain.ParameterErrorf("serial %s is a %s token, not %s", tok.Serial, tok.Type, typ)
			}
			return s.updateExisting(ctx, tok, req)
		case errors.Is(err, store.ErrNotFound):
			// fall through to creation with the caller's serial
		default:
			return InitResult{}, domain.InfrastructureErrorf("load token", err)
		}
	}

	if typ == "" {
		return InitResult{}, domain.ParameterErrorf("missing token type")
	}
	v, ok := s.Registry.Get(typ)
	if !ok {
		return InitResult{}, domain.ParameterErrorf("unknown token type %q", typ)
	}

	serial := req.Serial
	if serial == "" {
		serial = idx.NewSerial(serialPrefix(typ))
	}

	tok := domain.Token{
		Serial:      serial,
		Type:        typ,
		Owner:       req.Owner,
		CountWindow: defaultCountWindow,
		SyncWindow:  defaultSyncWindow,
		MaxFail:     defaultMaxFail,
		Active:      true,
	}

	// Insert the skeleton row first: variants that issue enrollment
	// challenges (webauthn) need the serial to exist.
	if err := s.Store.Tokens().CreateToken(ctx, tok); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return InitResult{}, domain.ParameterErrorf("serial %s already exists", serial)
		}
		return InitResult{}, domain.InfrastructureErrorf("create token", err)
	}

	detail, err := v.Update(ctx, &tok, req.Params)
	if err != nil {
		if derr := s.Store.Tokens().DeleteToken(ctx, serial); derr != nil {
			s.Logger.Error("failed to roll back token after init error", "serial", serial, "error", derr)
		}
		return InitResult{}, err
	}
	if err := s.Store.Tokens().UpdateToken(ctx, tok); err != nil {
		return InitResult{}, domain.InfrastructureErrorf("persist token", err)
	}

	res := InitResult{Serial: serial, Detail: detail}
	if err := s.maybeRequireVerify(ctx, v, &tok, &res); err != nil {
		return InitResult{}, err
	}

	s.Logger.Info("token initialized",
		"serial", serial,
		"type", typ,
		"owner", req.Owner,
		"verify_required", res.VerifyRequired,
	)
	return res, nil
}

func (s *EnrollmentService) updateExisting(ctx context.Context, tok domain.Token, req InitRequest) (InitResult, error) {
	v, ok := s.Registry.Get(tok.Type)
	if !ok {
		return InitResult{}, domain.ParameterErrorf("unknown token type %q", tok.Type)
	}
	if req.Owner != "" {
		tok.Owner = req.Owner
	}

	detail, err := v.Update(ctx, &tok, req.Params)
	if err != nil {
		return InitResult{}, err
	}
	if err := s.Store.Tokens().UpdateToken(ctx, tok); err != nil {
		return InitResult{}, domain.InfrastructureErrorf("persist token", err)
	}

	res := InitResult{Serial: tok.Serial, Detail: detail}
	if err := s.maybeRequireVerify(ctx, v, &tok, &res); err != nil {
		return InitResult{}, err
	}
	return res, nil
}

// maybeRequireVerify parks a freshly parameterised token in clientwait and
// issues a verification challenge when the enrollment policy asks for it.
// Variants that run their own multi-step rollout (webauthn) are already in
// clientwait and are left alone.
func (s *EnrollmentService) maybeRequireVerify(ctx context.Context, v variant.Variant, tok *domain.Token, res *InitResult) error {
	if tok.RolloutState != domain.RolloutEnrolled {
		return nil
	}
	val, ok := s.Policy.ActionValue(policy.ScopeEnrollment, policy.ActionRequireVerify, nil)
	if !ok || val != "true" {
		return nil
	}

	tok.RolloutState = domain.RolloutClientWait
	if err := s.Store.Tokens().UpdateToken(ctx, *tok); err != nil {
		return domain.InfrastructureErrorf("persist token", err)
	}

	reply, err := v.CreateChallenge(ctx, tok, "")
	if err != nil {
		return err
	}

	res.VerifyRequired = true
	res.TransactionID = reply.TransactionID
	res.Message = reply.Message
	return nil
}

// VerifyEnrollment settles a pending enrollment verification. On a valid
// response the token leaves clientwait and becomes usable.
func (s *EnrollmentService) VerifyEnrollment(ctx context.Context, serial, transactionID, response string) error {
	tok, err := s.Store.Tokens().GetToken(ctx, serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.EnrollmentErrorf("unknown serial %q", serial)
		}
		return domain.InfrastructureErrorf("load token", err)
	}
	if tok.RolloutState != domain.RolloutClientWait {
		return domain.EnrollmentErrorf("token %s is not awaiting verification", serial)
	}

	v, ok := s.Registry.Get(tok.Type)
	if !ok {
		return domain.ParameterErrorf("unknown token type %q", tok.Type)
	}

	outcome, err := v.CheckChallengeResponse(ctx, &tok, transactionID, response)
	if err != nil {
		return err
	}
	if !outcome.Accepted() {
		s.Logger.Info("enrollment verification rejected", "serial", serial)
		return domain.EnrollmentErrorf("verification failed")
	}

	tok.RolloutState = domain.RolloutEnrolled
	if err := s.Store.Tokens().UpdateToken(ctx, tok); err != nil {
		return domain.InfrastructureErrorf("persist token", err)
	}

	s.Logger.Info("enrollment verified", "serial", serial, "type", tok.Type)
	return nil
}

// resyncer is implemented by counter-based variants that can realign a
// drifted token from two consecutive values.
type resyncer interface {
	Resync(ctx context.Context, t *domain.Token, first, second string) (bool, error)
}

// Resync realigns a counter-based token using two consecutive OTP values
// searched within the token's sync window.
func (s *EnrollmentService) Resync(ctx context.Context, serial, first, second string) (bool, error) {
	tok, err := s.Store.Tokens().GetToken(ctx, serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, domain.ParameterErrorf("unknown serial %q", serial)
		}
		return false, domain.InfrastructureErrorf("load token", err)
	}

	v, ok := s.Registry.Get(tok.Type)
	if !ok {
		return false, domain.ParameterErrorf("unknown token type %q", tok.Type)
	}
	r, ok := v.(resyncer)
	if !ok {
		return false, domain.ParameterErrorf("token type %s does not support resync", tok.Type)
	}

	synced, err := r.Resync(ctx, &tok, first, second)
	if err != nil {
		return false, err
	}
	s.Logger.Info("token resync", "serial", serial, "synced", synced)
	return synced, nil
}

// serialPrefix picks the serial prefix for a token type.
func serialPrefix(typ string) string {
	switch typ {
	case variant.TypeHOTP:
		return "HOTP"
	case variant.TypeTOTP:
		return "TOTP"
	case variant.TypePW:
		return "PW"
	case variant.TypeWebAuthn:
		return "WAN"
	case variant.TypeIndexedSecret:
		return "IDX"
	case variant.TypeYubikey:
		return "YK"
	case variant.TypeYubicloud:
		return "YC"
	case variant.TypeRemote:
		return "REM"
	default:
		return strings.ToUpper(typ)
	}
}
