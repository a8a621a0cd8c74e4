package fido_test

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"

	"github.com/halcyonlabs/mfad/internal/engine/fido"

	"github.com/stretchr/testify/require"
)

var apiKey = base64.StdEncoding.EncodeToString([]byte("api-secret"))

func TestSignFields(t *testing.T) {
	t.Parallel()

	fields := map[string]string{
		"otp":   "vvcccccbdefgdteffujehknhfjbrjnlnldnhcujvddbi",
		"nonce": "abcdef012345",
		"id":    "4711",
	}

	sig, err := fido.SignFields(fields, apiKey)
	require.NoError(t, err)

	// Keys sorted, joined "k=v" with "&", HMAC-SHA1 over the result.
	mac := hmac.New(sha1.New, []byte("api-secret"))
	mac.Write([]byte("id=4711&nonce=abcdef012345&otp=vvcccccbdefgdteffujehknhfjbrjnlnldnhcujvddbi"))
	require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), sig)
}

func TestSignFieldsExcludesSignatureField(t *testing.T) {
	t.Parallel()

	fields := map[string]string{"status": "OK", "nonce": "abc"}
	sig, err := fido.SignFields(fields, apiKey)
	require.NoError(t, err)

	fields["h"] = "anything"
	sigWithH, err := fido.SignFields(fields, apiKey)
	require.NoError(t, err)
	require.Equal(t, sig, sigWithH)
}

func TestVerifyFields(t *testing.T) {
	t.Parallel()

	fields := map[string]string{"status": "OK", "nonce": "abc", "otp": "xyz"}
	sig, err := fido.SignFields(fields, apiKey)
	require.NoError(t, err)
	fields["h"] = sig

	ok, err := fido.VerifyFields(fields, apiKey)
	require.NoError(t, err)
	require.True(t, ok)

	fields["status"] = "BAD_OTP"
	ok, err = fido.VerifyFields(fields, apiKey)
	require.NoError(t, err)
	require.False(t, ok)

	delete(fields, "h")
	ok, err = fido.VerifyFields(fields, apiKey)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = fido.SignFields(fields, "not-base64!!!")
	require.Error(t, err)
}
