package httpsig

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrDigestMismatch is returned when a Digest header does not match the body.
var ErrDigestMismatch = errors.New("digest mismatch")

const digestAlgorithm = "SHA-256"

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return digestAlgorithm + "=" + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyDigest checks a Digest header against body. The header may list
// several algorithms; the SHA-256 entry must be present and match.
func VerifyDigest(header string, body []byte) error {
	for _, entry := range strings.Split(header, ",") {
		algorithm, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || !strings.EqualFold(algorithm, digestAlgorithm) {
			continue
		}
		want := Digest(body)[len(digestAlgorithm)+1:]
		if subtle.ConstantTimeCompare([]byte(value), []byte(want)) != 1 {
			return ErrDigestMismatch
		}
		return nil
	}
	return fmt.Errorf("%w: no %s entry in %q", ErrDigestMismatch, digestAlgorithm, header)
}
