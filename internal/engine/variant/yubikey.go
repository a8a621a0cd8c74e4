package variant

import (
	"context"
	"crypto/aes"
	"encoding/binary"
	"encoding/hex"

	"github.com/halcyonlabs/mfad/internal/engine/domain"
	"github.com/halcyonlabs/mfad/internal/engine/replay"
	"github.com/halcyonlabs/mfad/pkg/modhex"
)

const (
	yubikeyAESKeyBytes = 16
	yubikeyOTPChars    = 32 // modhex chars of the encrypted block

	infoYubikeyTokenID = "yubikey.tokenid"
	infoYubikeyPrefix  = "yubikey.prefix"
)

// Yubikey verifies hardware OTPs in the Yubico AES mode. The last 32
// modhex characters decode to one AES block carrying the device uid, a
// usage counter (stored LSB first), a session counter and a CRC16 whose
// residual over the whole block must be 0xf0b8.
//
// CheckOTP preserves the classic return codes: the accepted counter on
// success, -1 stale counter, -2 wrong device, -3 checksum failure, -4 not
// a modhex OTP, -5 malformed secret.
type Yubikey struct {
	deps Deps
}

func NewYubikey(deps Deps) *Yubikey { return &Yubikey{deps: deps} }

func (v *Yubikey) Type() string { return TypeYubikey }

func (v *Yubikey) Update(ctx context.Context, t *domain.Token, p Params) (map[string]any, error) {
	raw := p.Get("otpkey")
	if raw == "" {
		return nil, domain.ParameterErrorf("missing otpkey")
	}
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != yubikeyAESKeyBytes {
		return nil, domain.ParameterErrorf("otpkey must be %d hex-encoded bytes", yubikeyAESKeyBytes)
	}
	if err := sealKey(t, key); err != nil {
		return nil, err
	}
	if err := applyPINParam(t, p); err != nil {
		return nil, err
	}

	prefix := p.Get("yubikey.prefix")
	if prefix != "" {
		if !modhex.IsModhex(prefix) {
			return nil, domain.ParameterErrorf("prefix is not modhex")
		}
		t.SetInfo(infoYubikeyPrefix, prefix)
	}
	t.OTPLen = yubikeyOTPChars + len(prefix)
	t.Count = 0
	t.RolloutState = domain.RolloutEnrolled
	return nil, nil
}

func (v *Yubikey) IsChallengeRequest(ctx context.Context, t *domain.Token, presented string) bool {
	return presented == ""
}

func (v *Yubikey) CreateChallenge(ctx context.Context, t *domain.Token, transactionID string) (*ChallengeReply, error) {
	ch, err := v.deps.Challenges.Create(ctx, t.Serial, transactionID, "", challengeValidity(v.deps), 0)
	if err != nil {
		return nil, err
	}
	return &ChallengeReply{
		Message:       "please press your hardware token",
		TransactionID: ch.TransactionID,
	}, nil
}

func (v *Yubikey) CheckChallengeResponse(ctx context.Context, t *domain.Token, transactionID, presented string) (domain.VerifyOutcome, error) {
	return respondViaOTP(ctx, v.deps, t, transactionID, presented, func(ctx context.Context) (domain.VerifyOutcome, error) {
		return v.CheckOTP(ctx, t, presented, nil, nil)
	})
}

func (v *Yubikey) HasFurtherChallenge(ctx context.Context, t *domain.Token, transactionID string) (bool, error) {
	return false, nil
}

func (v *Yubikey) CheckOTP(ctx context.Context, t *domain.Token, presented string, counter *int64, window *int) (domain.VerifyOutcome, error) {
	key, err := decryptKey(t)
	if err != nil {
		return domain.OutcomeStale, err
	}
	if len(key) != yubikeyAESKeyBytes {
		return domain.OutcomeBadSecret, nil
	}

	if len(presented) < yubikeyOTPChars {
		return domain.OutcomeBadFormat, nil
	}
	prefix := presented[:len(presented)-yubikeyOTPChars]
	otpPart := presented[len(presented)-yubikeyOTPChars:]
	if !modhex.IsModhex(otpPart) {
		return domain.OutcomeBadFormat, nil
	}

	block, err := modhex.Decode(otpPart)
	if err != nil {
		return domain.OutcomeBadFormat, nil
	}

	cipherBlock, err := aes.NewCipher(key)
	if err != nil {
		return domain.OutcomeBadSecret, nil
	}
	// Single-block ECB: the token payload is exactly one AES block.
	plain := make([]byte, aes.BlockSize)
	cipherBlock.Decrypt(plain, block)

	if modhex.Checksum(plain) != modhex.Residual {
		v.deps.log().WarnContext(ctx, "yubikey crc failed", "serial", t.Serial)
		return domain.OutcomeChecksum, nil
	}

	uid := hex.EncodeToString(plain[0:6])
	usageCounter := binary.LittleEndian.Uint16(plain[6:8])
	sessionCounter := plain[11]
	count := int64(usageCounter)<<8 | int64(sessionCounter)

	// First use binds the device identity to the token.
	if t.InfoValue(infoYubikeyTokenID) == "" {
		t.SetInfo(infoYubikeyTokenID, uid)
		v.persistInfo(ctx, t)
	}
	if t.InfoValue(infoYubikeyPrefix) == "" && prefix != "" {
		t.SetInfo(infoYubikeyPrefix, prefix)
		v.persistInfo(ctx, t)
	}

	if t.InfoValue(infoYubikeyTokenID) != uid {
		v.deps.log().WarnContext(ctx, "yubikey uid mismatch", "serial", t.Serial)
		return domain.OutcomeWrongOwner, nil
	}
	if bound := t.InfoValue(infoYubikeyPrefix); bound != "" && prefix != bound {
		return domain.OutcomeWrongOwner, nil
	}

	if err := replay.Accept(t.Count, count); err != nil {
		return domain.OutcomeStale, nil
	}
	if err := commitCounter(ctx, v.deps, t, count); err != nil {
		return domain.OutcomeStale, err
	}
	return domain.VerifyOutcome(count), nil
}

func (v *Yubikey) persistInfo(ctx context.Context, t *domain.Token) {
	if err := v.deps.Store.Tokens().UpdateToken(ctx, *t); err != nil {
		v.deps.log().ErrorContext(ctx, "persist yubikey binding", "serial", t.Serial, "error", err)
	}
}
