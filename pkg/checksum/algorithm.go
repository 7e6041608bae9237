package checksum

import (
	"fmt"
	"strings"
)

// Algorithm identifies one of the digest algorithms computed per object.
type Algorithm string

const (
	AlgorithmMD5    Algorithm = "MD5"
	AlgorithmSHA256 Algorithm = "SHA256"
)

// Algorithms returns every algorithm requested for a batch job, in the order
// they appear in report columns.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmMD5, AlgorithmSHA256}
}

// ParseAlgorithm normalises a string into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(AlgorithmMD5):
		return AlgorithmMD5, nil
	case string(AlgorithmSHA256):
		return AlgorithmSHA256, nil
	default:
		return "", fmt.Errorf("unknown checksum algorithm %q", s)
	}
}

// TagName returns the fixed object tag key holding the computed digest.
func (a Algorithm) TagName() string {
	return "checksum-" + strings.ToLower(string(a))
}

// VerifiedTagName returns the tag key holding the verification timestamp.
func (a Algorithm) VerifiedTagName() string {
	return a.TagName() + "-verified"
}

// NormalizeDigest lowercases and trims a hex digest so comparisons and
// storage are case-insensitive.
func NormalizeDigest(digest string) string {
	return strings.ToLower(strings.TrimSpace(digest))
}

// DigestsEqual compares two hex digests case-insensitively.
func DigestsEqual(a, b string) bool {
	return NormalizeDigest(a) == NormalizeDigest(b)
}
