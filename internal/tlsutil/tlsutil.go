// Package tlsutil loads client TLS material for the Redis and NATS connections.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config holds TLS materials for a backend connection.
type Config struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertPath           string `mapstructure:"cert_path"`
	KeyPath            string `mapstructure:"key_path"`
	CAPath             string `mapstructure:"ca_path"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// Load builds a *tls.Config, or returns nil when TLS is disabled.
// A client certificate is optional; when set, both cert and key are required.
func Load(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertPath != "" || cfg.KeyPath != "" {
		if cfg.CertPath == "" || cfg.KeyPath == "" {
			return nil, errors.New("tls client cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load tls cert: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAPath != "" {
		pool := x509.NewCertPool()
		caBytes, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read tls ca: %w", err)
		}
		if ok := pool.AppendCertsFromPEM(caBytes); !ok {
			return nil, errors.New("append tls ca cert failed")
		}
		out.RootCAs = pool
	}
	return out, nil
}
