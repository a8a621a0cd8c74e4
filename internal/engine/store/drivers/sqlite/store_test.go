package sqlite_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/store"
	"github.com/halcyonlabs/mfad/internal/engine/store/drivers/sqlite"

	"github.com/stretchr/testify/require"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:sqlite_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	st, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ApplyMigrations())
	return st
}

func testToken(serial string) domain.Token {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.Token{
		Serial: serial, Type: "hotp", Owner: "alice",
		OTPKey: []byte{0x01, 0x02}, Count: -1, CountWindow: 10, SyncWindow: 1000,
		OTPLen: 6, Active: true, MaxFail: 10,
		Info:      map[string]string{"period": "30"},
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestTokenCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)

	tok := testToken("HOTP0001")
	require.NoError(t, st.Tokens().CreateToken(ctx, tok))

	err := st.Tokens().CreateToken(ctx, tok)
	require.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := st.Tokens().GetToken(ctx, "HOTP0001")
	require.NoError(t, err)
	require.Equal(t, tok.Serial, got.Serial)
	require.Equal(t, tok.OTPKey, got.OTPKey)
	require.Equal(t, tok.Info, got.Info)
	require.Equal(t, int64(-1), got.Count)

	got.Locked = true
	got.FailCount = 3
	got.SetInfo("extra", "x")
	require.NoError(t, st.Tokens().UpdateToken(ctx, got))

	got, err = st.Tokens().GetToken(ctx, "HOTP0001")
	require.NoError(t, err)
	require.True(t, got.Locked)
	require.Equal(t, 3, got.FailCount)
	require.Equal(t, "x", got.Info["extra"])

	require.NoError(t, st.Tokens().DeleteToken(ctx, "HOTP0001"))
	_, err = st.Tokens().GetToken(ctx, "HOTP0001")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetTokensByOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)

	first := testToken("HOTP0001")
	second := testToken("HOTP0002")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	other := testToken("HOTP0003")
	other.Owner = "bob"

	require.NoError(t, st.Tokens().CreateToken(ctx, first))
	require.NoError(t, st.Tokens().CreateToken(ctx, second))
	require.NoError(t, st.Tokens().CreateToken(ctx, other))

	tokens, err := st.Tokens().GetTokensByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	require.Equal(t, "HOTP0001", tokens[0].Serial)
	require.Equal(t, "HOTP0002", tokens[1].Serial)

	tokens, err = st.Tokens().GetTokensByOwner(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, tokens)
}

func TestCommitCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)

	tok := testToken("HOTP0001")
	tok.FailCount = 4
	require.NoError(t, st.Tokens().CreateToken(ctx, tok))

	require.NoError(t, st.Tokens().CommitCounter(ctx, "HOTP0001", -1, 5))

	got, err := st.Tokens().GetToken(ctx, "HOTP0001")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Count)
	require.Equal(t, 0, got.FailCount)

	// a second commit with the stale prev loses the race
	err = st.Tokens().CommitCounter(ctx, "HOTP0001", -1, 7)
	require.ErrorIs(t, err, store.ErrConflict)

	got, err = st.Tokens().GetToken(ctx, "HOTP0001")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Count)
}

func TestFailCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Tokens().CreateToken(ctx, testToken("HOTP0001")))

	n, err := st.Tokens().IncrementFailCount(ctx, "HOTP0001")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = st.Tokens().IncrementFailCount(ctx, "HOTP0001")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, st.Tokens().SetLocked(ctx, "HOTP0001", true))
	got, err := st.Tokens().GetToken(ctx, "HOTP0001")
	require.NoError(t, err)
	require.True(t, got.Locked)

	require.NoError(t, st.Tokens().ResetFailCount(ctx, "HOTP0001"))
	got, err = st.Tokens().GetToken(ctx, "HOTP0001")
	require.NoError(t, err)
	require.Equal(t, 0, got.FailCount)
}

func testChallenge(id, serial, txid string, expires time.Time) domain.Challenge {
	return domain.Challenge{
		ID: id, Serial: serial, TransactionID: txid,
		Challenge: "deadbeef", Data: "2,5",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		ExpiresAt: expires,
	}
}

func TestChallengeCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Tokens().CreateToken(ctx, testToken("HOTP0001")))

	deadline := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Second)
	require.NoError(t, st.Challenges().CreateChallenge(ctx, testChallenge("c1", "HOTP0001", "tx1", deadline)))
	require.NoError(t, st.Challenges().CreateChallenge(ctx, testChallenge("c2", "HOTP0001", "tx2", deadline)))

	all, err := st.Challenges().GetChallenges(ctx, "HOTP0001", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	one, err := st.Challenges().GetChallenges(ctx, "HOTP0001", "tx1")
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, "c1", one[0].ID)
	require.Equal(t, "2,5", one[0].Data)

	byTx, err := st.Challenges().GetChallengesByTransaction(ctx, "tx2")
	require.NoError(t, err)
	require.Len(t, byTx, 1)
	require.Equal(t, "c2", byTx[0].ID)

	upd := one[0]
	upd.ReceivedCount = 2
	upd.OTPValid = true
	upd.Session = 1
	require.NoError(t, st.Challenges().UpdateChallenge(ctx, upd))

	one, err = st.Challenges().GetChallenges(ctx, "HOTP0001", "tx1")
	require.NoError(t, err)
	require.Equal(t, 2, one[0].ReceivedCount)
	require.True(t, one[0].OTPValid)
	require.Equal(t, 1, one[0].Session)

	require.NoError(t, st.Challenges().DeleteChallenge(ctx, "c1"))
	one, err = st.Challenges().GetChallenges(ctx, "HOTP0001", "tx1")
	require.NoError(t, err)
	require.Empty(t, one)
}

func TestChallengesCascadeWithToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Tokens().CreateToken(ctx, testToken("HOTP0001")))

	deadline := time.Now().UTC().Add(2 * time.Minute)
	require.NoError(t, st.Challenges().CreateChallenge(ctx, testChallenge("c1", "HOTP0001", "tx1", deadline)))

	require.NoError(t, st.Tokens().DeleteToken(ctx, "HOTP0001"))

	all, err := st.Challenges().GetChallengesByTransaction(ctx, "tx1")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestDeleteExpiredChallenges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.Tokens().CreateToken(ctx, testToken("HOTP0001")))

	now := time.Now().UTC()
	require.NoError(t, st.Challenges().CreateChallenge(ctx, testChallenge("old", "HOTP0001", "tx1", now.Add(-time.Minute))))
	require.NoError(t, st.Challenges().CreateChallenge(ctx, testChallenge("new", "HOTP0001", "tx2", now.Add(time.Minute))))

	require.NoError(t, st.Challenges().DeleteExpiredChallenges(ctx, now))

	all, err := st.Challenges().GetChallenges(ctx, "HOTP0001", "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "new", all[0].ID)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newTestStore(t)

	err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.Tokens().CreateToken(ctx, testToken("HOTP0001")); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, err = st.Tokens().GetToken(ctx, "HOTP0001")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.WithTx(ctx, func(tx store.Tx) error {
		return tx.Tokens().CreateToken(ctx, testToken("HOTP0002"))
	}))
	_, err = st.Tokens().GetToken(ctx, "HOTP0002")
	require.NoError(t, err)
}
