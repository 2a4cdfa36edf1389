// Package tlsutil builds the client TLS configuration a Connection
// presents to APNs: ALPN negotiation for HTTP/2 and the client certificate
// identity.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/jdw/apnspush/internal/config"
)

// NewClientConfig loads the PEM file at cfg.CertPath (which must contain
// both the certificate and its private key) and returns a *tls.Config that
// negotiates HTTP/2 via ALPN. It is the Go equivalent of the original's
// create_ssl_context(): a config built once and shared by reference across
// every Connection a Pool opens.
func NewClientConfig(serverName string, cfg config.TLSConfig) (*tls.Config, error) {
	pemBlock, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("read client certificate: %w", err)
	}

	cert, err := tls.X509KeyPair(pemBlock, pemBlock)
	if err != nil {
		return nil, fmt.Errorf("parse client certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName:   serverName,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2"},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		pool, err := loadCAFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
