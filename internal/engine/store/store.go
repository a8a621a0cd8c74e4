package store

import (
	"context"
	"errors"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrConflict reports a lost compare-and-swap on the token counter.
	// Two attempts raced on the same token; the loser must be rejected.
	ErrConflict = errors.New("store: counter conflict")
)

// Store is the root data access interface. Concrete drivers (sqlite,
// postgres) implement this. It exposes sub-repositories to keep concerns
// tidy and testable.
type Store interface {
	Tokens() Tokens
	Challenges() Challenges

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction, rolling back when fn
	// returns an error and committing otherwise. This is the recommended
	// way to handle multi-step mutations.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Tokens interface {
	// GetToken returns a token by serial.
	GetToken(ctx context.Context, serial string) (domain.Token, error)

	// GetTokensByOwner returns all tokens assigned to a user, oldest first.
	GetTokensByOwner(ctx context.Context, owner string) ([]domain.Token, error)

	// CreateToken inserts a new token (serial is provided by the caller).
	CreateToken(ctx context.Context, t domain.Token) error

	// UpdateToken rewrites all mutable fields of the row and bumps updated_at.
	UpdateToken(ctx context.Context, t domain.Token) error

	// CommitCounter atomically advances the counter from prev to next and
	// resets fail_count, using prev as a compare-and-swap guard. Returns
	// ErrConflict when the stored counter no longer equals prev.
	CommitCounter(ctx context.Context, serial string, prev, next int64) error

	// ResetFailCount clears the fail counter after a success.
	ResetFailCount(ctx context.Context, serial string) error

	// IncrementFailCount bumps the fail counter and returns the new value.
	IncrementFailCount(ctx context.Context, serial string) (int, error)

	// SetLocked flips the locked flag.
	SetLocked(ctx context.Context, serial string, locked bool) error

	// DeleteToken removes the token and cascades to its challenges.
	DeleteToken(ctx context.Context, serial string) error
}

type Challenges interface {
	// CreateChallenge stores a freshly issued challenge.
	CreateChallenge(ctx context.Context, c domain.Challenge) error

	// GetChallenges returns challenges for a serial, optionally narrowed
	// to one transaction id (pass "" for all), oldest first.
	GetChallenges(ctx context.Context, serial, transactionID string) ([]domain.Challenge, error)

	// GetChallengesByTransaction returns every challenge sharing a
	// transaction id across all serials.
	GetChallengesByTransaction(ctx context.Context, transactionID string) ([]domain.Challenge, error)

	// UpdateChallenge persists the mutable attempt fields
	// (received_count, otp_valid, session).
	UpdateChallenge(ctx context.Context, c domain.Challenge) error

	// DeleteChallenge removes a single challenge by id.
	DeleteChallenge(ctx context.Context, id string) error

	// DeleteExpiredChallenges removes every challenge past its deadline.
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}
