// Package challenge owns the challenge-response lifecycle: creation,
// correlation by transaction id, expiry, multi-step continuation, and the
// janitor pass that keeps the challenge table from accumulating stale
// rows.
package challenge

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/store"
	"github.com/halcyonlabs/mfad/pkg/cryptox"
	"github.com/halcyonlabs/mfad/pkg/idx"
)

// DefaultValidity bounds how long a challenge may be answered.
const DefaultValidity = 120 * time.Second

// NonceBytes is the entropy of a generated challenge nonce before hex
// encoding.
const NonceBytes = 20

type Manager struct {
	Store store.Store
	Now   func() time.Time

	// Challenge creation for a shared transaction id must be serialized,
	// otherwise two tokens offered simultaneously could mint divergent
	// nonces for what should be one displayed challenge. The stripe set
	// is fixed-size so the lock table does not grow with transaction ids.
	txmus [64]sync.Mutex
}

func NewManager(st store.Store) *Manager {
	return &Manager{
		Store: st,
		Now:   time.Now,
	}
}

func (m *Manager) txLock(transactionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(transactionID))
	return &m.txmus[h.Sum32()%uint32(len(m.txmus))]
}

// Create issues a new challenge for serial. When transactionID is empty a
// new one is generated. When a live challenge already exists for the same
// transaction on a different token, its nonce is reused so that several
// tokens can share one displayed challenge.
func (m *Manager) Create(ctx context.Context, serial, transactionID, data string, validity time.Duration, session int) (domain.Challenge, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	if transactionID == "" {
		transactionID = idx.New().String()
	}

	mu := m.txLock(transactionID)
	mu.Lock()
	defer mu.Unlock()

	now := m.Now().UTC()

	nonce := ""
	existing, err := m.Store.Challenges().GetChallengesByTransaction(ctx, transactionID)
	if err != nil {
		return domain.Challenge{}, domain.InfrastructureErrorf("load challenges", err)
	}
	for i := range existing {
		if existing[i].Serial != serial && existing[i].IsValid(now) {
			nonce = existing[i].Challenge
			break
		}
	}
	if nonce == "" {
		nonce, err = cryptox.GenerateNonceHex(NonceBytes)
		if err != nil {
			return domain.Challenge{}, err
		}
	}

	ch := domain.Challenge{
		ID:            idx.New().String(),
		Serial:        serial,
		TransactionID: transactionID,
		Challenge:     nonce,
		Data:          data,
		Session:       session,
		ExpiresAt:     now.Add(validity),
		CreatedAt:     now,
	}
	if err := m.Store.Challenges().CreateChallenge(ctx, ch); err != nil {
		return domain.Challenge{}, domain.InfrastructureErrorf("save challenge", err)
	}
	return ch, nil
}

// FindValid returns the challenges for serial (and transaction id, when
// given) that may still be answered.
func (m *Manager) FindValid(ctx context.Context, serial, transactionID string) ([]domain.Challenge, error) {
	all, err := m.Store.Challenges().GetChallenges(ctx, serial, transactionID)
	if err != nil {
		return nil, domain.InfrastructureErrorf("load challenges", err)
	}

	now := m.Now().UTC()
	valid := all[:0]
	for _, c := range all {
		if c.IsValid(now) {
			valid = append(valid, c)
		}
	}
	return valid, nil
}

// MarkAttempt records the outcome of one answer. A correct answer sets
// otp_valid exactly once (idempotent); a wrong answer only increments
// received_count so retry policies can inspect the attempt count later.
func (m *Manager) MarkAttempt(ctx context.Context, ch *domain.Challenge, valid bool) error {
	if valid {
		if ch.OTPValid {
			return nil
		}
		ch.OTPValid = true
	} else {
		ch.ReceivedCount++
	}
	if err := m.Store.Challenges().UpdateChallenge(ctx, *ch); err != nil {
		return domain.InfrastructureErrorf("update challenge", err)
	}
	return nil
}

// AdvanceSession bumps the multi-step round counter on a challenge.
func (m *Manager) AdvanceSession(ctx context.Context, ch *domain.Challenge) error {
	ch.Session++
	if err := m.Store.Challenges().UpdateChallenge(ctx, *ch); err != nil {
		return domain.InfrastructureErrorf("update challenge", err)
	}
	return nil
}

// Janitor deletes the challenges of serial that are expired or already
// resolved and not part of an active multi-step sequence. It runs
// unconditionally at the end of every response check and is a no-op on an
// empty challenge set.
func (m *Manager) Janitor(ctx context.Context, serial string, keepResolved bool) error {
	all, err := m.Store.Challenges().GetChallenges(ctx, serial, "")
	if err != nil {
		return domain.InfrastructureErrorf("load challenges", err)
	}

	now := m.Now().UTC()
	for _, c := range all {
		expired := !c.IsValid(now)
		resolved := c.OTPValid && !keepResolved
		if expired || resolved {
			if err := m.Store.Challenges().DeleteChallenge(ctx, c.ID); err != nil {
				return domain.InfrastructureErrorf("delete challenge", err)
			}
		}
	}
	return nil
}

// SweepExpired removes every expired challenge regardless of owner. Driven
// by the periodic housekeeping service.
func (m *Manager) SweepExpired(ctx context.Context) error {
	if err := m.Store.Challenges().DeleteExpiredChallenges(ctx, m.Now().UTC()); err != nil {
		return domain.InfrastructureErrorf("sweep challenges", err)
	}
	return nil
}
