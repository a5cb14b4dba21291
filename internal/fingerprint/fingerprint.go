// Package fingerprint computes the content token used for optimistic
// concurrency on project files.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sum returns the hex-encoded SHA-256 digest of body.
func Sum(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

// SumString is Sum for text bodies.
func SumString(body string) string {
	return Sum([]byte(body))
}

// Short returns a display prefix of a fingerprint.
func Short(fp string) string {
	fp = strings.TrimSpace(fp)
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}

// Equal compares two fingerprints ignoring case and outer whitespace.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
