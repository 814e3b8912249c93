// Package totp implements RFC 6238 time-based one-time passwords for
// the MFA login flow. Codes are derived with HMAC-SHA1, six digits and
// a thirty second period, which is what the common authenticator apps
// expect.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	secretBytes = 20
	digits      = 6
	period      = 30
	// skew allows one step on either side of the current counter to
	// absorb clock drift between server and authenticator.
	skew = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret returns a fresh base32-encoded shared secret suitable
// for enrolling an authenticator app.
func GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return b32.EncodeToString(raw), nil
}

// ProvisionURI renders the otpauth:// URI encoded into enrollment QR
// codes for the given account label.
func ProvisionURI(secret, issuer, account string) string {
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("period", strconv.Itoa(period))
	v.Set("digits", strconv.Itoa(digits))
	v.Set("algorithm", "SHA1")

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// Verify reports whether code is valid for the base32 secret at the
// given time. Comparison is constant time and tolerates one period of
// clock skew in either direction.
func Verify(secret, code string, now time.Time) bool {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != digits || !numeric(trimmed) {
		return false
	}

	key, err := b32.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil || len(key) == 0 {
		return false
	}

	counter := now.Unix() / period
	for step := int64(-skew); step <= skew; step++ {
		c := counter + step
		if c < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotp(key, c)), []byte(trimmed)) == 1 {
			return true
		}
	}
	return false
}

func hotp(key []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod)
}

func numeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
