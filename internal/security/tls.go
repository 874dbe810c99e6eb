// Package security loads the gateway's TLS material. There is no
// ACME/autocert path here: the gateway fronts a single hostname with
// operator-provided certificates.
package security

import (
	"crypto/tls"
	"fmt"
)

// Manager holds the loaded server certificate and the tls.Config built
// from it.
type Manager struct {
	tlsConfig *tls.Config
}

// NewManager loads a certificate/key pair from certPath/keyPath. Both
// empty is not an error: it means TLS is not configured, and callers
// fall back to plain-text listeners (or refuse to start, depending on
// RequireTLS).
func NewManager(certPath, keyPath string) (*Manager, error) {
	if certPath == "" && keyPath == "" {
		return &Manager{}, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("security: load TLS certificate: %w", err)
	}

	return &Manager{
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		},
	}, nil
}

// TLSConfig returns the loaded config, or nil if no certificate was
// configured.
func (m *Manager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// HasTLS reports whether a certificate was loaded.
func (m *Manager) HasTLS() bool {
	return m.tlsConfig != nil
}
