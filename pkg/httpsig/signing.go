package httpsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// BuildSigningString assembles the canonical string covered by a signature.
// Header values are looked up by name as given, then by its lowercased form.
func BuildSigningString(headerNames []string, method, path string, headers map[string]string) string {
	lines := make([]string, 0, len(headerNames))
	for _, name := range headerNames {
		if name == RequestTarget {
			lines = append(lines, fmt.Sprintf("%s: %s %s", RequestTarget, strings.ToLower(method), path))
			continue
		}
		value, ok := headers[name]
		if !ok {
			value = headers[strings.ToLower(name)]
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, value))
	}
	return strings.Join(lines, "\n")
}

// Sign produces a base64 RSA-SHA256 signature of signingString.
func Sign(privateKeyPEM, signingString string) (string, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 RSA-SHA256 signature. A wrong signature yields false with a
// nil error; only unusable key material is reported as an error.
func Verify(publicKeyPEM, signingString, signature string) (bool, error) {
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return false, err
	}

	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}

	digest := sha256.Sum256([]byte(signingString))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], raw) == nil, nil
}

// ParsePrivateKey accepts PKCS#1 and PKCS#8 encoded RSA private keys.
func ParsePrivateKey(keyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in private key", ErrInvalidKey)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is %T, not RSA", ErrInvalidKey, parsed)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}
}

// ParsePublicKey accepts PKIX and PKCS#1 encoded RSA public keys.
func ParsePublicKey(keyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in public key", ErrInvalidKey)
	}

	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrInvalidKey, parsed)
		}
		return key, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidKey, block.Type)
	}
}
