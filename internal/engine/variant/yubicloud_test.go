package variant_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/fido"
	"github.com/halcyonlabs/mfad/internal/engine/variant"

	"github.com/stretchr/testify/require"
)

const (
	yubicoTokenID = "vvcccccbdefg"
	yubicoOTP     = yubicoTokenID + "dteffujehknhfjbrjnlnldnhcujvddbikngjrtgh"
)

var yubicoAPIKey = base64.StdEncoding.EncodeToString([]byte("shared-api-secret"))

// validationServer mimics a Yubico validation endpoint. The mangle hook
// lets tests corrupt the reply before it is signed or sent.
func validationServer(t *testing.T, status string, mangle func(map[string]string)) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		reply := map[string]string{
			"status": status,
			"nonce":  r.Form.Get("nonce"),
			"otp":    r.Form.Get("otp"),
		}
		if mangle != nil {
			mangle(reply)
		}
		sig, err := fido.SignFields(reply, yubicoAPIKey)
		require.NoError(t, err)
		reply["h"] = sig

		for k, v := range reply {
			fmt.Fprintf(w, "%s=%s\n", k, v)
		}
	}))
}

func newYubicloud(t *testing.T, serverURL string) (*variant.Yubicloud, domain.Token) {
	t.Helper()

	deps := newDeps(t, nil)
	deps.Yubico = variant.YubicoConfig{URL: serverURL, APIID: "4711", APIKey: yubicoAPIKey}
	deps.HTTP = http.DefaultClient
	v := variant.NewYubicloud(deps)

	tok := seedToken(t, deps, domain.Token{
		Serial: "UBCM0001", Type: "yubicloud", OTPLen: 44,
		Info: map[string]string{"yubico.tokenid": yubicoTokenID},
	}, nil)
	return v, tok
}

func TestYubicloudCheckOTP(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("valid response accepts", func(t *testing.T) {
		t.Parallel()
		srv := validationServer(t, "OK", nil)
		defer srv.Close()
		v, tok := newYubicloud(t, srv.URL)

		outcome, err := v.CheckOTP(ctx, &tok, yubicoOTP, nil, nil)
		require.NoError(t, err)
		require.True(t, outcome.Accepted())
	})

	t.Run("rejected status", func(t *testing.T) {
		t.Parallel()
		srv := validationServer(t, "BAD_OTP", nil)
		defer srv.Close()
		v, tok := newYubicloud(t, srv.URL)

		outcome, err := v.CheckOTP(ctx, &tok, yubicoOTP, nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeStale, outcome)
	})

	t.Run("nonce mismatch after OK", func(t *testing.T) {
		t.Parallel()
		srv := validationServer(t, "OK", func(reply map[string]string) {
			reply["nonce"] = "0000000000000000000000000000000000000000"
		})
		defer srv.Close()
		v, tok := newYubicloud(t, srv.URL)

		outcome, err := v.CheckOTP(ctx, &tok, yubicoOTP, nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeWrongOwner, outcome)
	})

	t.Run("signature mismatch after OK", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			fmt.Fprintf(w, "status=OK\nnonce=%s\nh=AAAAAAAAAAAAAAAAAAAAAAAAAAA=\n", r.Form.Get("nonce"))
		}))
		defer srv.Close()
		v, tok := newYubicloud(t, srv.URL)

		outcome, err := v.CheckOTP(ctx, &tok, yubicoOTP, nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeWrongOwner, outcome)
	})

	t.Run("public id mismatch never leaves the process", func(t *testing.T) {
		t.Parallel()
		srv := validationServer(t, "OK", nil)
		defer srv.Close()
		v, tok := newYubicloud(t, srv.URL)

		outcome, err := v.CheckOTP(ctx, &tok, "cccccccccccc"+yubicoOTP[12:], nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeStale, outcome)
	})

	t.Run("unreachable server fails closed", func(t *testing.T) {
		t.Parallel()
		v, tok := newYubicloud(t, "http://127.0.0.1:1")

		outcome, err := v.CheckOTP(ctx, &tok, yubicoOTP, nil, nil)
		require.NoError(t, err)
		require.Equal(t, domain.OutcomeStale, outcome)
	})
}
