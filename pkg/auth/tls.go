package auth

import (
	"crypto/tls"
	"errors"
	"fmt"
)

// TLSConfig configures HTTPS for the node's listener. TLS is off when no
// certificate is configured, which suits running behind a terminating proxy.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"`
}

// Enabled reports whether a certificate is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

func (c TLSConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("tls requires both cert_file and key_file")
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("unsupported tls min_version %q", c.MinVersion)
	}
}

// BuildServerConfig loads the certificate and returns the listener's TLS
// configuration, or nil when TLS is disabled.
func (c TLSConfig) BuildServerConfig() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   c.tlsVersion(),
		CipherSuites: cipherSuites(),
	}, nil
}

func (c TLSConfig) tlsVersion() uint16 {
	switch c.MinVersion {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// cipherSuites applies to TLS 1.2; TLS 1.3 suites are not configurable.
func cipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}
