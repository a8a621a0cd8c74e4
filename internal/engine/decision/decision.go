// Package decision combines PIN verification, lockout state and the
// variant verdict into one accept/reject decision. Every error from the
// layers below is recovered here and folded into a uniform failure signal;
// the reason survives only in audit events and detail codes.
package decision

import (
	"context"
	"errors"
	"log/slog"

	"github.com/halcyonlabs/mfad/internal/engine/challenge"
	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/policy"
	"github.com/halcyonlabs/mfad/internal/engine/store"
	"github.com/halcyonlabs/mfad/internal/engine/variant"
)

// Detail codes recorded with every decision. Never returned verbatim to
// unauthenticated callers.
const (
	DetailAccepted           = "accepted"
	DetailWrongOTP           = "wrong_otp"
	DetailWrongPIN           = "wrong_pin"
	DetailReplay             = "replay_rejected"
	DetailRejectedAuth       = "rejected_auth"
	DetailLockedOut          = "locked_out"
	DetailTokenDisabled      = "token_disabled"
	DetailTokenNotFound      = "token_not_found"
	DetailChallengeTriggered = "challenge_triggered"
	DetailFurtherChallenge   = "further_challenge"
)

// AuditSink receives decision events. Fire and forget; the decision never
// depends on its success.
type AuditSink interface {
	Record(ctx context.Context, event map[string]string)
}

// Request is one authentication attempt. Either Serial or User locates the
// candidate tokens; TransactionID marks a challenge response.
type Request struct {
	Serial        string
	User          string
	Pass          string
	TransactionID string
}

// Result is the verdict. On a triggered or continued challenge Accepted is
// false and TransactionID carries the correlation id for the next attempt.
type Result struct {
	Accepted         bool
	Serial           string
	Detail           string
	Message          string
	TransactionID    string
	FurtherChallenge bool
	Attributes       map[string]any
}

type Engine struct {
	Store      store.Store
	Registry   *variant.Registry
	Challenges *challenge.Manager
	Policy     policy.Options
	Audit      AuditSink
	Log        *slog.Logger
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Engine) audit(ctx context.Context, event map[string]string) {
	if e.Audit != nil {
		e.Audit.Record(ctx, event)
	}
}

// Authenticate runs one attempt to completion. The returned error is
// non-nil only for infrastructure faults; authentication is then
// indeterminate and retry-safe, never implicitly accepted.
func (e *Engine) Authenticate(ctx context.Context, req Request) (Result, error) {
	candidates, err := e.candidates(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		e.audit(ctx, map[string]string{"action": "validate", "success": "false", "detail": DetailTokenNotFound, "user": req.User, "serial": req.Serial})
		return Result{Detail: DetailTokenNotFound, Message: "authentication failed"}, nil
	}

	var challengeable []*checkable

	for i := range candidates {
		tok := &candidates[i]

		v, ok := e.Registry.Get(tok.Type)
		if !ok {
			e.log().WarnContext(ctx, "unknown token type", "serial", tok.Serial, "type", tok.Type)
			continue
		}

		// Disabled tokens fast-fail without any state mutation so they
		// cannot be used as an oracle.
		if !tok.Usable() {
			e.audit(ctx, e.event(tok, false, DetailTokenDisabled))
			continue
		}
		if tok.AtMaxFail() {
			e.audit(ctx, e.event(tok, false, DetailLockedOut))
			continue
		}

		pin, otp := variant.SplitPIN(tok, req.Pass)
		if !variant.CheckPIN(tok, pin) {
			if err := e.registerFailure(ctx, tok); err != nil {
				return Result{}, err
			}
			e.audit(ctx, e.event(tok, false, DetailWrongPIN))
			continue
		}

		if req.TransactionID != "" {
			res, err := e.checkResponse(ctx, v, tok, req.TransactionID, otp)
			if err != nil {
				return Result{}, err
			}
			if res.Accepted || res.FurtherChallenge {
				return res, nil
			}
			continue
		}

		if v.IsChallengeRequest(ctx, tok, otp) {
			challengeable = append(challengeable, &checkable{token: tok, variant: v})
			continue
		}

		res, err := e.checkOTP(ctx, v, tok, otp)
		if err != nil {
			return Result{}, err
		}
		if res.Accepted {
			return res, nil
		}
	}

	if len(challengeable) > 0 {
		return e.triggerChallenges(ctx, challengeable)
	}

	return Result{Detail: DetailWrongOTP, Message: "authentication failed"}, nil
}

type checkable struct {
	token   *domain.Token
	variant variant.Variant
}

func (e *Engine) candidates(ctx context.Context, req Request) ([]domain.Token, error) {
	if req.Serial != "" {
		tok, err := e.Store.Tokens().GetToken(ctx, req.Serial)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, domain.InfrastructureErrorf("load token", err)
		}
		return []domain.Token{tok}, nil
	}

	tokens, err := e.Store.Tokens().GetTokensByOwner(ctx, req.User)
	if err != nil {
		return nil, domain.InfrastructureErrorf("load tokens", err)
	}
	return tokens, nil
}

// checkOTP runs a single-shot verification and settles the fail counter.
func (e *Engine) checkOTP(ctx context.Context, v variant.Variant, tok *domain.Token, otp string) (Result, error) {
	outcome, err := v.CheckOTP(ctx, tok, otp, nil, nil)
	return e.settle(ctx, tok, outcome, err)
}

// checkResponse verifies an answer to an open challenge, then asks the
// variant whether the transaction needs another round.
func (e *Engine) checkResponse(ctx context.Context, v variant.Variant, tok *domain.Token, transactionID, otp string) (Result, error) {
	outcome, err := v.CheckChallengeResponse(ctx, tok, transactionID, otp)
	res, err := e.settle(ctx, tok, outcome, err)
	if err != nil || !res.Accepted {
		return res, err
	}

	further, err := v.HasFurtherChallenge(ctx, tok, transactionID)
	if err != nil {
		return Result{}, err
	}
	if further {
		res.Accepted = false
		res.FurtherChallenge = true
		res.Detail = DetailFurtherChallenge
		res.TransactionID = transactionID
		res.Message = "please answer the next challenge"
		e.audit(ctx, e.event(tok, false, DetailFurtherChallenge))
	}
	return res, nil
}

// settle converts a variant outcome plus error into a Result, applying
// the fail-count bookkeeping on both sides.
func (e *Engine) settle(ctx context.Context, tok *domain.Token, outcome domain.VerifyOutcome, err error) (Result, error) {
	if err != nil {
		detail := DetailWrongOTP
		switch {
		case errors.Is(err, domain.ErrInfrastructure):
			return Result{}, err
		case errors.Is(err, domain.ErrReplayRejected):
			detail = DetailReplay
		case errors.Is(err, domain.ErrRejectedAuth):
			detail = DetailRejectedAuth
		case errors.Is(err, domain.ErrValidation):
			detail = DetailWrongOTP
		}
		if regErr := e.registerFailure(ctx, tok); regErr != nil {
			return Result{}, regErr
		}
		e.audit(ctx, e.event(tok, false, detail))
		return Result{Serial: tok.Serial, Detail: detail, Message: "authentication failed"}, nil
	}

	if !outcome.Accepted() {
		if regErr := e.registerFailure(ctx, tok); regErr != nil {
			return Result{}, regErr
		}
		e.audit(ctx, e.event(tok, false, DetailWrongOTP))
		return Result{Serial: tok.Serial, Detail: DetailWrongOTP, Message: "authentication failed"}, nil
	}

	// Counter variants already reset the fail count inside the counter
	// commit; this keeps non-counter variants consistent.
	if err := e.Store.Tokens().ResetFailCount(ctx, tok.Serial); err != nil {
		return Result{}, domain.InfrastructureErrorf("reset fail count", err)
	}
	tok.FailCount = 0

	e.audit(ctx, e.event(tok, true, DetailAccepted))
	return Result{Accepted: true, Serial: tok.Serial, Detail: DetailAccepted, Message: "authentication succeeded"}, nil
}

// registerFailure bumps the fail counter and locks the token when it
// reaches the bound.
func (e *Engine) registerFailure(ctx context.Context, tok *domain.Token) error {
	failCount, err := e.Store.Tokens().IncrementFailCount(ctx, tok.Serial)
	if err != nil {
		return domain.InfrastructureErrorf("increment fail count", err)
	}
	tok.FailCount = failCount

	if tok.MaxFail > 0 && failCount >= tok.MaxFail && !tok.Locked {
		if err := e.Store.Tokens().SetLocked(ctx, tok.Serial, true); err != nil {
			return domain.InfrastructureErrorf("lock token", err)
		}
		tok.Locked = true
		e.audit(ctx, e.event(tok, false, DetailLockedOut))
	}
	return nil
}

// triggerChallenges opens a challenge on every eligible token. All of them
// share one transaction id, and thereby one displayed nonce where the
// variant uses the shared challenge data.
func (e *Engine) triggerChallenges(ctx context.Context, tokens []*checkable) (Result, error) {
	result := Result{Detail: DetailChallengeTriggered, Message: "please answer the challenge"}

	for _, c := range tokens {
		reply, err := c.variant.CreateChallenge(ctx, c.token, result.TransactionID)
		if err != nil {
			if errors.Is(err, domain.ErrInfrastructure) {
				return Result{}, err
			}
			e.log().WarnContext(ctx, "challenge creation failed", "serial", c.token.Serial, "error", err)
			continue
		}
		if result.TransactionID == "" {
			result.TransactionID = reply.TransactionID
			result.Message = reply.Message
			result.Attributes = reply.Attributes
		}
		result.Serial = c.token.Serial
		e.audit(ctx, e.event(c.token, false, DetailChallengeTriggered))
	}

	if result.TransactionID == "" {
		return Result{Detail: DetailWrongOTP, Message: "authentication failed"}, nil
	}
	return result, nil
}

func (e *Engine) event(tok *domain.Token, success bool, detail string) map[string]string {
	successValue := "false"
	if success {
		successValue = "true"
	}
	return map[string]string{
		"action":  "validate",
		"serial":  tok.Serial,
		"type":    tok.Type,
		"user":    tok.Owner,
		"success": successValue,
		"detail":  detail,
	}
}
