// Package modhex implements the Yubico ModHex encoding and the CRC-16
// residual check used by hardware OTP frames.
//
// ModHex only uses characters that sit on the same position on virtually
// all Latin keyboard layouts: c b d e f g h i j k l n r t u v.
package modhex

import (
	"errors"
	"strings"
)

const alphabet = "cbdefghijklnrtuv"

// Residual is the fixed CRC-16 residual of a well-formed OTP frame
// including its trailing checksum bytes.
const Residual = 0xf0b8

var ErrInvalid = errors.New("modhex: invalid input")

// IsModhex reports whether s consists only of modhex characters.
func IsModhex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune(alphabet, c) {
			return false
		}
	}
	return true
}

// Encode returns the modhex encoding of b. Two characters per byte.
func Encode(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 2)
	for _, v := range b {
		sb.WriteByte(alphabet[v>>4])
		sb.WriteByte(alphabet[v&0x0f])
	}
	return sb.String()
}

// Decode converts a modhex string back to bytes. The input length must be
// even and every character must be part of the modhex alphabet.
func Decode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, ErrInvalid
	}

	out := make([]byte, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		hi := strings.IndexByte(alphabet, s[i])
		lo := strings.IndexByte(alphabet, s[i+1])
		if hi < 0 || lo < 0 {
			return nil, ErrInvalid
		}
		out[i/2] = byte(hi<<4 | lo)
	}
	return out, nil
}

// Checksum computes the CRC-16 (ISO 13239, reflected polynomial 0x8408)
// over b. For a frame with a valid embedded checksum the result equals
// Residual.
func Checksum(b []byte) uint16 {
	crc := uint16(0xffff)
	for _, v := range b {
		crc ^= uint16(v)
		for range 8 {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
