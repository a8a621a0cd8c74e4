package domain

import "time"

// Challenge is a short-lived correlation record for challenge-response
// flows. Several tokens offered in one round share a transaction id and,
// for simultaneous offers, the same challenge nonce.
type Challenge struct {
	ID            string
	Serial        string // owning token
	TransactionID string
	Challenge     string // opaque nonce/data, hex or type-specific encoding
	Data          string // auxiliary state, e.g. requested secret positions
	Session       int    // step counter for multi-step flows

	ReceivedCount int  // wrong answers tried so far
	OTPValid      bool // set exactly once per accepted answer

	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsValid reports whether the challenge may still be answered at the given
// time. Already-resolved challenges of single-shot flows are filtered by
// the janitor, not here; multi-step flows explicitly re-query.
func (c *Challenge) IsValid(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}
