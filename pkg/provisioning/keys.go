package provisioning

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"ouka/pkg/types"
)

// DefaultKeyBits is the RSA modulus size of generated keyrings.
const DefaultKeyBits = 2048

// KeyGenerator creates the signing keyring of a new account.
type KeyGenerator interface {
	Generate() (types.Keyring, error)
}

// RSAKeyGenerator produces PKCS#1 private and PKIX public keys in PEM form.
type RSAKeyGenerator struct {
	Bits int
}

func (g RSAKeyGenerator) Generate() (types.Keyring, error) {
	bits := g.Bits
	if bits == 0 {
		bits = DefaultKeyBits
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return types.Keyring{}, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return types.Keyring{}, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return types.Keyring{
		Public:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		Private: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
	}, nil
}
