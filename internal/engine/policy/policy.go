// Package policy exposes the runtime tunables that steer authentication
// behaviour. Variants and the decision engine never read configuration
// directly; they ask an Options for a scoped action value so deployments
// can swap the source without touching engine code.
package policy

// Well-known scopes.
const (
	ScopeAuth       = "authentication"
	ScopeEnrollment = "enrollment"
)

// Well-known actions.
const (
	ActionOTPPIN               = "otppin"
	ActionChallengeValidity    = "challenge_validity"
	ActionIndexedSecretCount   = "indexedsecret_count"
	ActionMultiChallengeRounds = "multichallenge_rounds"
	ActionRequireVerify        = "require_verify"
)

// Options resolves one policy action inside a scope. The request context
// map carries per-request attributes (user, realm, client ip) that richer
// implementations may match on; Static ignores it.
type Options interface {
	ActionValue(scope, action string, reqCtx map[string]string) (string, bool)
}

// Static resolves actions from a fixed map keyed "scope.action". Zero
// value is usable and resolves nothing.
type Static map[string]string

func (s Static) ActionValue(scope, action string, _ map[string]string) (string, bool) {
	v, ok := s[scope+"."+action]
	return v, ok
}
