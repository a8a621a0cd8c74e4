package service_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/halcyonlabs/mfad/internal/engine/challenge"
	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/service"
	"github.com/halcyonlabs/mfad/internal/engine/store/drivers/sqlite"

	"github.com/stretchr/testify/require"
)

func TestHousekeepingSweepsExpiredChallenges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dsn := fmt.Sprintf("file:service_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	st, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	now := time.Now().UTC()
	require.NoError(t, st.Tokens().CreateToken(ctx, domain.Token{
		Serial: "HOTP0001", Type: "hotp", Active: true,
		CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, st.Challenges().CreateChallenge(ctx, domain.Challenge{
		ID: "expired", Serial: "HOTP0001", TransactionID: "tx-old",
		Challenge: "aa", CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(-8 * time.Minute),
	}))
	require.NoError(t, st.Challenges().CreateChallenge(ctx, domain.Challenge{
		ID: "live", Serial: "HOTP0001", TransactionID: "tx-new",
		Challenge: "bb", CreatedAt: now, ExpiresAt: now.Add(2 * time.Minute),
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hk := service.NewHousekeepingService(challenge.NewManager(st), logger, time.Hour)
	hk.Start()
	hk.Stop()

	remaining, err := st.Challenges().GetChallenges(ctx, "HOTP0001", "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "live", remaining[0].ID)
}
