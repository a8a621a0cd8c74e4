package challenge_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/challenge"
	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/store"
	"github.com/halcyonlabs/mfad/internal/engine/store/drivers/sqlite"

	"github.com/stretchr/testify/require"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:challenge_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	st, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

func newManager(t *testing.T, now time.Time, serials ...string) (*challenge.Manager, store.Store) {
	t.Helper()
	st := newTestStore(t)
	for _, serial := range serials {
		require.NoError(t, st.Tokens().CreateToken(context.Background(), domain.Token{
			Serial:    serial,
			Type:      "hotp",
			OTPLen:    6,
			MaxFail:   10,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}
	m := challenge.NewManager(st)
	m.Now = func() time.Time { return now }
	return m, st
}

func TestManagerCreate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("generates transaction id and nonce", func(t *testing.T) {
		t.Parallel()
		m, _ := newManager(t, now, "HOTP0001")

		ch, err := m.Create(ctx, "HOTP0001", "", "", 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, ch.TransactionID)
		require.Len(t, ch.Challenge, challenge.NonceBytes*2)
		require.Equal(t, now.Add(challenge.DefaultValidity), ch.ExpiresAt)
	})

	t.Run("reuses nonce across tokens in one transaction", func(t *testing.T) {
		t.Parallel()
		m, _ := newManager(t, now, "HOTP0001", "TOTP0002")

		first, err := m.Create(ctx, "HOTP0001", "", "", 0, 0)
		require.NoError(t, err)

		second, err := m.Create(ctx, "TOTP0002", first.TransactionID, "", 0, 0)
		require.NoError(t, err)
		require.Equal(t, first.Challenge, second.Challenge)
		require.NotEqual(t, first.ID, second.ID)
	})

	t.Run("concurrent creation on one transaction shares the nonce", func(t *testing.T) {
		t.Parallel()
		m, _ := newManager(t, now, "HOTP0001", "TOTP0002")

		txID := "01JXJ4V2M8Y8Z5T1R9Q0CONCUR"
		results := make(chan domain.Challenge, 2)
		errs := make(chan error, 2)
		for _, serial := range []string{"HOTP0001", "TOTP0002"} {
			go func(serial string) {
				ch, err := m.Create(ctx, serial, txID, "", 0, 0)
				results <- ch
				errs <- err
			}(serial)
		}

		first, second := <-results, <-results
		require.NoError(t, <-errs)
		require.NoError(t, <-errs)
		require.Equal(t, first.Challenge, second.Challenge)
	})

	t.Run("same token gets a fresh nonce", func(t *testing.T) {
		t.Parallel()
		m, _ := newManager(t, now, "HOTP0001")

		first, err := m.Create(ctx, "HOTP0001", "", "", 0, 0)
		require.NoError(t, err)

		second, err := m.Create(ctx, "HOTP0001", first.TransactionID, "", 0, 0)
		require.NoError(t, err)
		require.NotEqual(t, first.Challenge, second.Challenge)
	})
}

func TestManagerFindValid(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	m, _ := newManager(t, now, "HOTP0001")

	ch, err := m.Create(ctx, "HOTP0001", "", "", 30*time.Second, 0)
	require.NoError(t, err)

	found, err := m.FindValid(ctx, "HOTP0001", ch.TransactionID)
	require.NoError(t, err)
	require.Len(t, found, 1)

	// Past expiry nothing may be answered.
	m.Now = func() time.Time { return now.Add(31 * time.Second) }
	found, err = m.FindValid(ctx, "HOTP0001", ch.TransactionID)
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestManagerMarkAttempt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	m, st := newManager(t, now, "HOTP0001")

	ch, err := m.Create(ctx, "HOTP0001", "", "", 0, 0)
	require.NoError(t, err)

	require.NoError(t, m.MarkAttempt(ctx, &ch, false))
	require.NoError(t, m.MarkAttempt(ctx, &ch, false))
	require.Equal(t, 2, ch.ReceivedCount)

	require.NoError(t, m.MarkAttempt(ctx, &ch, true))
	require.True(t, ch.OTPValid)

	// Marking valid again must not change anything.
	require.NoError(t, m.MarkAttempt(ctx, &ch, true))

	stored, err := st.Challenges().GetChallenges(ctx, "HOTP0001", ch.TransactionID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.True(t, stored[0].OTPValid)
	require.Equal(t, 2, stored[0].ReceivedCount)
}

func TestManagerJanitor(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("removes expired and resolved", func(t *testing.T) {
		t.Parallel()
		m, st := newManager(t, now, "HOTP0001")

		expired, err := m.Create(ctx, "HOTP0001", "", "", 10*time.Second, 0)
		require.NoError(t, err)
		_ = expired

		m.Now = func() time.Time { return now.Add(11 * time.Second) }
		live, err := m.Create(ctx, "HOTP0001", "", "", 60*time.Second, 0)
		require.NoError(t, err)
		resolved, err := m.Create(ctx, "HOTP0001", "", "", 60*time.Second, 0)
		require.NoError(t, err)
		require.NoError(t, m.MarkAttempt(ctx, &resolved, true))

		require.NoError(t, m.Janitor(ctx, "HOTP0001", false))

		remaining, err := st.Challenges().GetChallenges(ctx, "HOTP0001", "")
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		require.Equal(t, live.ID, remaining[0].ID)

		// Idempotent on an already-clean set.
		require.NoError(t, m.Janitor(ctx, "HOTP0001", false))
	})

	t.Run("keepResolved preserves answered multi-step challenges", func(t *testing.T) {
		t.Parallel()
		m, st := newManager(t, now, "PUSH0001")

		ch, err := m.Create(ctx, "PUSH0001", "", "", 60*time.Second, 1)
		require.NoError(t, err)
		require.NoError(t, m.MarkAttempt(ctx, &ch, true))

		require.NoError(t, m.Janitor(ctx, "PUSH0001", true))

		remaining, err := st.Challenges().GetChallenges(ctx, "PUSH0001", "")
		require.NoError(t, err)
		require.Len(t, remaining, 1)
	})
}

func TestManagerSweepExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	m, st := newManager(t, now, "HOTP0001", "TOTP0002")

	_, err := m.Create(ctx, "HOTP0001", "", "", 10*time.Second, 0)
	require.NoError(t, err)
	_, err = m.Create(ctx, "TOTP0002", "", "", 300*time.Second, 0)
	require.NoError(t, err)

	m.Now = func() time.Time { return now.Add(time.Minute) }
	require.NoError(t, m.SweepExpired(ctx))

	gone, err := st.Challenges().GetChallenges(ctx, "HOTP0001", "")
	require.NoError(t, err)
	require.Empty(t, gone)

	kept, err := st.Challenges().GetChallenges(ctx, "TOTP0002", "")
	require.NoError(t, err)
	require.Len(t, kept, 1)
}
