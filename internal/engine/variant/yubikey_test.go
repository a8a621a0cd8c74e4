package variant_test

import (
	"context"
	"crypto/aes"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/variant"
	"github.com/halcyonlabs/mfad/pkg/modhex"

	"github.com/stretchr/testify/require"
)

var (
	yubiAESKey = []byte("0123456789abcdef")
	yubiUID    = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
)

// yubikeyOTP builds a hardware OTP: one AES block carrying uid, counters
// and a CRC16 whose residual over the block is 0xf0b8, modhex encoded
// behind the public id prefix.
func yubikeyOTP(t *testing.T, key, uid []byte, usage uint16, session byte, prefix string, breakCRC bool) string {
	t.Helper()

	plain := make([]byte, aes.BlockSize)
	copy(plain[0:6], uid)
	binary.LittleEndian.PutUint16(plain[6:8], usage)
	plain[11] = session

	crc := ^modhex.Checksum(plain[:14])
	plain[14] = byte(crc)
	plain[15] = byte(crc >> 8)
	if breakCRC {
		plain[15] ^= 0xff
	} else {
		require.Equal(t, uint16(modhex.Residual), modhex.Checksum(plain))
	}

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, plain)

	return prefix + modhex.Encode(out)
}

func TestYubikeyCheckOTP(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	const prefix = "vvcccccbdefg"

	newYubikeyToken := func(t *testing.T, serial string, key []byte, info map[string]string) (variant.Deps, *variant.Yubikey, domain.Token) {
		deps := newDeps(t, nil)
		v := variant.NewYubikey(deps)
		tok := seedToken(t, deps, domain.Token{Serial: serial, Type: "yubikey", OTPLen: 44, Info: info}, key)
		return deps, v, tok
	}

	t.Run("accepts and binds device on first use", func(t *testing.T) {
		t.Parallel()
		deps, v, tok := newYubikeyToken(t, "UBAM0001", yubiAESKey, nil)

		outcome, err := v.CheckOTP(ctx, &tok, yubikeyOTP(t, yubiAESKey, yubiUID, 1, 1, prefix, false), nil, nil)
		require.NoError(t, err)
		require.True(t, outcome.Accepted())
		require.Equal(t, int64(1)<<8|1, outcome.Counter())
		require.Equal(t, hex.EncodeToString(yubiUID), tok.InfoValue("yubikey.tokenid"))
		require.Equal(t, prefix, tok.InfoValue("yubikey.prefix"))

		stored, err := deps.Store.Tokens().GetToken(ctx, "UBAM0001")
		require.NoError(t, err)
		require.Equal(t, outcome.Counter(), stored.Count)
	})

	t.Run("stale counter is rejected as old", func(t *testing.T) {
		t.Parallel()
		_, v, tok := newYubikeyToken(t, "UBAM0002", yubiAESKey, nil)

		otp := yubikeyOTP(t, yubiAESKey, yubiUID, 2, 5, prefix, false)
		outcome, err := v.CheckOTP(ctx, &tok, otp, nil, nil)
		require.NoError(t, err)
		require.True(t, outcome.Accepted())

		outcome, err = v.CheckOTP(ctx, &tok, otp, nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeStale, outcome)

		// An older usage counter is stale too.
		outcome, err = v.CheckOTP(ctx, &tok, yubikeyOTP(t, yubiAESKey, yubiUID, 1, 9, prefix, false), nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeStale, outcome)
	})

	t.Run("wrong device uid", func(t *testing.T) {
		t.Parallel()
		_, v, tok := newYubikeyToken(t, "UBAM0003", yubiAESKey, map[string]string{
			"yubikey.tokenid": "aabbccddeeff",
		})

		outcome, err := v.CheckOTP(ctx, &tok, yubikeyOTP(t, yubiAESKey, yubiUID, 1, 1, prefix, false), nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeWrongOwner, outcome)
	})

	t.Run("crc failure", func(t *testing.T) {
		t.Parallel()
		_, v, tok := newYubikeyToken(t, "UBAM0004", yubiAESKey, nil)

		outcome, err := v.CheckOTP(ctx, &tok, yubikeyOTP(t, yubiAESKey, yubiUID, 1, 1, prefix, true), nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeChecksum, outcome)
	})

	t.Run("not a modhex otp", func(t *testing.T) {
		t.Parallel()
		_, v, tok := newYubikeyToken(t, "UBAM0005", yubiAESKey, nil)

		outcome, err := v.CheckOTP(ctx, &tok, strings.Repeat("x", 32), nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeBadFormat, outcome)

		outcome, err = v.CheckOTP(ctx, &tok, "tooshort", nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeBadFormat, outcome)
	})

	t.Run("malformed secret", func(t *testing.T) {
		t.Parallel()
		_, v, tok := newYubikeyToken(t, "UBAM0006", []byte("shortkey"), nil)

		outcome, err := v.CheckOTP(ctx, &tok, yubikeyOTP(t, yubiAESKey, yubiUID, 1, 1, prefix, false), nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeBadSecret, outcome)
	})
}

func TestYubikeyUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	deps := newDeps(t, nil)
	v := variant.NewYubikey(deps)

	tok := domain.Token{Serial: "UBAM0007", Type: "yubikey"}
	_, err := v.Update(ctx, &tok, variant.Params{
		"otpkey":         hex.EncodeToString(yubiAESKey),
		"yubikey.prefix": "vvcccccbdefg",
	})
	require.NoError(t, err)
	require.Equal(t, 44, tok.OTPLen)
	require.Equal(t, "vvcccccbdefg", tok.InfoValue("yubikey.prefix"))

	_, err = v.Update(ctx, &tok, variant.Params{"otpkey": "abcd"})
	require.ErrorIs(t, err, domain.ErrParameter)

	_, err = v.Update(ctx, &tok, variant.Params{
		"otpkey":         hex.EncodeToString(yubiAESKey),
		"yubikey.prefix": "xyz",
	})
	require.ErrorIs(t, err, domain.ErrParameter)
}
