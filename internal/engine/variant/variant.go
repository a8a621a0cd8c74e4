// Package variant implements the polymorphic token types. Every concrete
// type satisfies Variant; the decision layer resolves instances through an
// explicit Registry built once at startup, never a mutable global.
package variant

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/challenge"
	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/fido"
	"github.com/halcyonlabs/mfad/internal/engine/policy"
	"github.com/halcyonlabs/mfad/internal/engine/store"
)

// RemoteRelay forwards a credential to an external verification service.
// Any error, including a timeout, must be treated by callers as a failed
// verification, never as success.
type RemoteRelay interface {
	Verify(ctx context.Context, user, password string) (bool, error)
}

// YubicoConfig points the yubicloud variant at a validation server.
type YubicoConfig struct {
	URL    string
	APIID  string
	APIKey string // base64 encoded shared secret
}

// Deps carries the collaborators a variant may need. Constructed once by
// the application wiring and shared read-only.
type Deps struct {
	Store      store.Store
	Challenges *challenge.Manager
	Policy     policy.Options
	Fido       *fido.Service
	Relay      RemoteRelay
	HTTP       *http.Client
	Yubico     YubicoConfig
	Log        *slog.Logger
	Now        func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// ChallengeReply is what a triggered challenge sends back to the client.
type ChallengeReply struct {
	Message       string
	TransactionID string
	Attributes    map[string]any
}

// Variant is the capability set every token type implements.
type Variant interface {
	// Type returns the discriminant stored in the token record.
	Type() string

	// Update applies enrollment parameters to the token. The returned
	// detail map is passed back to the enrolling client (provisioning
	// URL, registration options). Misuse of the rollout state machine
	// yields a ParameterError.
	Update(ctx context.Context, t *domain.Token, p Params) (map[string]any, error)

	// IsChallengeRequest reports whether the presented value (after PIN
	// splitting) asks for a challenge rather than answering one.
	IsChallengeRequest(ctx context.Context, t *domain.Token, presented string) bool

	// CreateChallenge issues a challenge; an empty transactionID lets the
	// challenge manager mint one.
	CreateChallenge(ctx context.Context, t *domain.Token, transactionID string) (*ChallengeReply, error)

	// CheckChallengeResponse verifies an answer to an open challenge.
	CheckChallengeResponse(ctx context.Context, t *domain.Token, transactionID, presented string) (domain.VerifyOutcome, error)

	// HasFurtherChallenge reports whether another round is pending on the
	// transaction after a valid partial answer.
	HasFurtherChallenge(ctx context.Context, t *domain.Token, transactionID string) (bool, error)

	// CheckOTP verifies a single-shot value. Pure challenge-response
	// variants return OutcomeStale (not supported).
	CheckOTP(ctx context.Context, t *domain.Token, presented string, counter *int64, window *int) (domain.VerifyOutcome, error)
}

// Constructor builds one variant instance from the shared dependencies.
type Constructor func(Deps) Variant

// DefaultConstructors lists every built-in token type.
func DefaultConstructors() map[string]Constructor {
	return map[string]Constructor{
		TypeHOTP:          func(d Deps) Variant { return NewHOTP(d) },
		TypeTOTP:          func(d Deps) Variant { return NewTOTP(d) },
		TypePW:            func(d Deps) Variant { return NewPW(d) },
		TypeWebAuthn:      func(d Deps) Variant { return NewWebAuthn(d) },
		TypeIndexedSecret: func(d Deps) Variant { return NewIndexedSecret(d) },
		TypeYubikey:       func(d Deps) Variant { return NewYubikey(d) },
		TypeYubicloud:     func(d Deps) Variant { return NewYubicloud(d) },
		TypeRemote:        func(d Deps) Variant { return NewRemote(d) },
	}
}

// Registry resolves token type discriminants to variant instances. Built
// once at startup and passed by reference.
type Registry struct {
	variants map[string]Variant
}

func NewRegistry(deps Deps, ctors map[string]Constructor) *Registry {
	if ctors == nil {
		ctors = DefaultConstructors()
	}
	variants := make(map[string]Variant, len(ctors))
	for typ, ctor := range ctors {
		variants[typ] = ctor(deps)
	}
	return &Registry{variants: variants}
}

func (r *Registry) Get(typ string) (Variant, bool) {
	v, ok := r.variants[typ]
	return v, ok
}

// Types returns the registered discriminants, sorted for stable output.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.variants))
	for typ := range r.variants {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
