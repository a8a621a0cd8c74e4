package domain

// VerifyOutcome encodes the result of a token verification. Non-negative
// values carry the accepted counter (HOTP step, TOTP step, signature
// count); negative values are distinct rejection reasons that must never
// be collapsed into a single boolean.
type VerifyOutcome int64

const (
	// OutcomeStale is the generic "no match" / old counter rejection.
	OutcomeStale VerifyOutcome = -1
	// OutcomeWrongOwner means the credential belongs to a different token
	// (e.g. hardware uid or public id mismatch).
	OutcomeWrongOwner VerifyOutcome = -2
	// OutcomeChecksum means the frame failed its integrity check.
	OutcomeChecksum VerifyOutcome = -3
	// OutcomeBadFormat means the presented value is not in the expected
	// format and could not be decoded at all.
	OutcomeBadFormat VerifyOutcome = -4
	// OutcomeBadSecret means the stored secret is malformed.
	OutcomeBadSecret VerifyOutcome = -5
)

// Accepted reports whether the outcome carries an accepted counter.
func (o VerifyOutcome) Accepted() bool { return o >= 0 }

// Counter returns the accepted counter value. Only meaningful when
// Accepted reports true.
func (o VerifyOutcome) Counter() int64 { return int64(o) }

func (o VerifyOutcome) String() string {
	switch {
	case o.Accepted():
		return "accepted"
	case o == OutcomeStale:
		return "stale"
	case o == OutcomeWrongOwner:
		return "wrong_owner"
	case o == OutcomeChecksum:
		return "checksum_failed"
	case o == OutcomeBadFormat:
		return "bad_format"
	case o == OutcomeBadSecret:
		return "bad_secret"
	default:
		return "rejected"
	}
}
