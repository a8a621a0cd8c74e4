package domain

import "time"

// RolloutState tracks enrollment progress of a token.
type RolloutState string

const (
	// RolloutClientWait means the server issued an enrollment challenge and
	// is waiting for the client's proof.
	RolloutClientWait RolloutState = "clientwait"
	// RolloutEnrolled is the terminal state; fully usable for authentication.
	RolloutEnrolled RolloutState = ""
)

// Token is a credential record. Count semantics vary per type: HOTP step
// index, TOTP time step, WebAuthn signature counter, hardware usage counter.
type Token struct {
	Serial string // unique, immutable after creation
	Type   string // discriminates polymorphic behaviour
	Owner  string // optional user reference

	// OTPKey is the encrypted-at-rest secret. Its meaning is
	// type-specific: HMAC key, static password, AES key, credential id.
	OTPKey []byte

	Count       int64
	CountWindow int
	SyncWindow  int
	OTPLen      int

	Active    bool
	Revoked   bool
	Locked    bool
	FailCount int
	MaxFail   int

	PINHash      string
	RolloutState RolloutState

	// Info carries type-specific metadata (relying party id, attestation
	// issuer, hardware uid, resident-key flag).
	Info map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usable reports whether the token may take part in verification at all.
// Revoked tokens are permanently excluded.
func (t *Token) Usable() bool {
	return t.Active && !t.Revoked && !t.Locked && t.RolloutState == RolloutEnrolled
}

// AtMaxFail reports whether the fail counter has reached the lockout bound.
// A MaxFail of 0 disables lockout.
func (t *Token) AtMaxFail() bool {
	return t.MaxFail > 0 && t.FailCount >= t.MaxFail
}

// InfoValue returns a metadata value or "" when absent.
func (t *Token) InfoValue(key string) string {
	if t.Info == nil {
		return ""
	}
	return t.Info[key]
}

// SetInfo records a metadata value, allocating the map on first use.
func (t *Token) SetInfo(key, value string) {
	if t.Info == nil {
		t.Info = make(map[string]string)
	}
	t.Info[key] = value
}
