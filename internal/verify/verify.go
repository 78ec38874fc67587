// Package verify computes and compares the SHA-256 digests that anchor
// chunk and file integrity.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// DigestHexLen is the length of a hex-encoded SHA-256 digest.
const DigestHexLen = sha256.Size * 2

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumReader returns the hex-encoded SHA-256 digest of everything read
// from r.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumFile returns the hex-encoded SHA-256 digest of the file at path.
func SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return SumReader(f)
}

// Equal compares two hex digests, ignoring case.
func Equal(a, b string) bool {
	return len(a) == len(b) && strings.EqualFold(a, b)
}

// ValidDigest reports whether s looks like a hex-encoded SHA-256 digest.
func ValidDigest(s string) bool {
	if len(s) != DigestHexLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
