// Package httpsig implements the HTTP Signatures scheme of draft-cavage-http-signatures-10
// as deployed by ActivityPub servers: the Signature header codec, the canonical signing
// string and RSA-SHA256 signing and verification.
package httpsig

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrInvalidKey         = errors.New("invalid key material")
)

// RequestTarget is the pseudo-header covering the request method and path.
const RequestTarget = "(request-target)"

// DefaultHeaders is used when a Signature header carries no headers parameter.
var DefaultHeaders = []string{"date"}

// Signature is a decoded Signature header. Headers is kept in signed order, which is
// the order the signing string is rebuilt in.
type Signature struct {
	KeyID     string
	Signature string
	Headers   []string
	Algorithm string
}

// Decode parses a Signature header value of the form
// keyId="...",algorithm="...",headers="...",signature="...".
func Decode(header string) (*Signature, error) {
	params, err := parseParams(header)
	if err != nil {
		return nil, err
	}

	sig := &Signature{
		KeyID:     params["keyId"],
		Signature: params["signature"],
		Algorithm: params["algorithm"],
	}
	if sig.KeyID == "" {
		return nil, fmt.Errorf("%w: missing keyId", ErrMalformedSignature)
	}
	if sig.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedSignature)
	}

	if raw, ok := params["headers"]; ok && strings.TrimSpace(raw) != "" {
		sig.Headers = strings.Fields(raw)
	} else {
		sig.Headers = append([]string(nil), DefaultHeaders...)
	}

	return sig, nil
}

// Encode renders the signature in header form. Algorithm and headers are omitted when empty.
func Encode(sig *Signature) string {
	parts := []string{fmt.Sprintf("keyId=%s", quote(sig.KeyID))}
	if sig.Algorithm != "" {
		parts = append(parts, fmt.Sprintf("algorithm=%s", quote(sig.Algorithm)))
	}
	if len(sig.Headers) > 0 {
		parts = append(parts, fmt.Sprintf("headers=%s", quote(strings.Join(sig.Headers, " "))))
	}
	parts = append(parts, fmt.Sprintf("signature=%s", quote(sig.Signature)))
	return strings.Join(parts, ",")
}

// parseParams scans a comma separated list of key="value" pairs.
func parseParams(header string) (map[string]string, error) {
	params := make(map[string]string)
	s := header
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}

		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: expected key=value near %q", ErrMalformedSignature, s)
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		value, rest, err := unquote(s)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %s: %v", ErrMalformedSignature, key, err)
		}
		params[key] = value

		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		if rest[0] != ',' {
			return nil, fmt.Errorf("%w: expected ',' after parameter %s", ErrMalformedSignature, key)
		}
		s = rest[1:]
	}
	return params, nil
}

// unquote reads one quoted-string from the start of s and returns it with the remainder.
func unquote(s string) (string, string, error) {
	if s == "" || s[0] != '"' {
		return "", "", errors.New("value is not quoted")
	}

	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			if i+1 >= len(s) {
				return "", "", errors.New("dangling escape")
			}
			i++
			b.WriteByte(s[i])
		case '"':
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	return "", "", errors.New("unterminated quote")
}

func quote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}
