package utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// RandomHex returns a hex string generated from n bytes of
// cryptographically secure random data.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RandomURLSafe returns n random bytes encoded as unpadded base64url.
func RandomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RandomBase36 returns n random characters from [0-9a-z].
func RandomBase36(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	alphabet := big.NewInt(int64(len(base36)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, alphabet)
		if err != nil {
			return "", err
		}
		b.WriteByte(base36[idx.Int64()])
	}
	return b.String(), nil
}

// Slug lowercases name, keeps letters and digits, turns runs of anything
// else into a single underscore and truncates the result to n characters.
func Slug(name string, n int) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	s := strings.Trim(b.String(), "_")
	if len(s) > n {
		s = strings.TrimRight(s[:n], "_")
	}
	if s == "" {
		s = "client"
	}
	return s
}

// ClientID builds an identifier of the form slug_timestamp_suffix, where the
// timestamp is the unix millisecond time in base 36.
func ClientID(name string, now time.Time) (string, error) {
	suffix, err := RandomBase36(6)
	if err != nil {
		return "", err
	}
	ts := strconv.FormatInt(now.UnixMilli(), 36)
	return Slug(name, 8) + "_" + ts + "_" + suffix, nil
}
