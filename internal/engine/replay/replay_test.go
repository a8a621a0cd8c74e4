package replay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
)

func TestAccept(t *testing.T) {
	t.Parallel()

	t.Run("advancing counter accepted", func(t *testing.T) {
		require.NoError(t, Accept(5, 6))
		require.NoError(t, Accept(5, 100))
	})

	t.Run("equal counter rejected", func(t *testing.T) {
		require.ErrorIs(t, Accept(5, 5), domain.ErrReplayRejected)
	})

	t.Run("older counter rejected", func(t *testing.T) {
		require.ErrorIs(t, Accept(5, 4), domain.ErrReplayRejected)
		require.ErrorIs(t, Accept(5, 0), domain.ErrReplayRejected)
	})
}

func TestAcceptSignCount(t *testing.T) {
	t.Parallel()

	t.Run("zero count never replays and never advances", func(t *testing.T) {
		advance, err := AcceptSignCount(0, 0)
		require.NoError(t, err)
		require.False(t, advance)

		advance, err = AcceptSignCount(42, 0)
		require.NoError(t, err)
		require.False(t, advance)
	})

	t.Run("non-zero counts stay strictly monotonic", func(t *testing.T) {
		advance, err := AcceptSignCount(41, 42)
		require.NoError(t, err)
		require.True(t, advance)

		_, err = AcceptSignCount(42, 42)
		require.ErrorIs(t, err, domain.ErrReplayRejected)

		_, err = AcceptSignCount(42, 7)
		require.ErrorIs(t, err, domain.ErrReplayRejected)
	})
}
