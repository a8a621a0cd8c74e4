package fido

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// SignFields canonicalizes a field map and signs it with HMAC-SHA1, the
// scheme of the Yubico validation protocol. Fields are sorted by key and
// joined as "k=v&"; an existing "h" field is excluded from the input. The
// secret is base64 encoded. Returns the base64 signature.
func SignFields(fields map[string]string, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api key: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "h" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}

	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(strings.Join(parts, "&")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyFields checks the "h" signature field of a response map in
// constant time.
func VerifyFields(fields map[string]string, secret string) (bool, error) {
	presented := fields["h"]
	if presented == "" {
		return false, nil
	}
	expected, err := SignFields(fields, secret)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1, nil
}
