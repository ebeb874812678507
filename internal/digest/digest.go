// Package digest computes content fingerprints of the form "algorithm:hex".
//
// Digests are the primary key of blobs and the authoritative dedup signal
// for items. The same bytes always produce the same digest.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// AlgorithmSHA256 is the only algorithm tidemark produces.
const AlgorithmSHA256 = "sha256"

const sha256HexLen = sha256.Size * 2

// Of returns the sha256 digest of data, e.g. "sha256:9f86d0...".
func Of(data []byte) string {
	sum := sha256.Sum256(data)
	return AlgorithmSHA256 + ":" + hex.EncodeToString(sum[:])
}

// OfText returns the digest of s after NFC normalization, so canonically
// equivalent Unicode spellings of the same text share a digest.
func OfText(s string) string {
	return Of([]byte(norm.NFC.String(s)))
}

// Split separates a digest into algorithm and hex parts.
func Split(d string) (algorithm, hexPart string, err error) {
	algorithm, hexPart, ok := strings.Cut(d, ":")
	if !ok || algorithm == "" || hexPart == "" {
		return "", "", fmt.Errorf("digest %q: want algorithm:hex", d)
	}
	return algorithm, hexPart, nil
}

// Validate checks that d is a well-formed digest. sha256 digests must carry
// exactly 64 lowercase hex characters; other algorithms only need lowercase
// hex.
func Validate(d string) error {
	algorithm, hexPart, err := Split(d)
	if err != nil {
		return err
	}
	if algorithm == AlgorithmSHA256 && len(hexPart) != sha256HexLen {
		return fmt.Errorf("digest %q: sha256 needs %d hex characters, got %d", d, sha256HexLen, len(hexPart))
	}
	for _, r := range hexPart {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return fmt.Errorf("digest %q: non-lowercase-hex character %q", d, r)
		}
	}
	return nil
}

// Verify reports whether data hashes to d.
func Verify(d string, data []byte) bool {
	return Of(data) == d
}
