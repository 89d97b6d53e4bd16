// Package auth secures the replication transport with TLS. Certificates
// use Ed25519 keys and carry the replica's site address as their common
// name, so a replica can restrict which sites may connect.
package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrSiteNotAllowed     = errors.New("site not allowed")
)

// TLSConfig configures transport security. With Enabled false, replicas
// talk plaintext.
type TLSConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	CAPath            string   `json:"ca_cert,omitempty" yaml:"ca_cert,omitempty" envconfig:"CA_CERT"`
	CertPath          string   `json:"cert,omitempty" yaml:"cert,omitempty" envconfig:"CERT"`
	KeyPath           string   `json:"key,omitempty" yaml:"key,omitempty" envconfig:"KEY"`
	RequireClientAuth bool     `json:"require_client_auth" yaml:"require_client_auth" envconfig:"REQUIRE_CLIENT_AUTH"`
	AllowedSites      []string `json:"allowed_sites,omitempty" yaml:"allowed_sites,omitempty" envconfig:"ALLOWED_SITES"`
}

// Validate checks that an enabled configuration names its files.
func (c TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CAPath == "" {
		return errors.New("tls: CA certificate path is required when TLS is enabled")
	}
	if (c.CertPath == "") != (c.KeyPath == "") {
		return errors.New("tls: certificate and key must be given together")
	}
	return nil
}

// ServerConfig builds the listener's TLS configuration, or nil when TLS is
// disabled.
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertPath == "" {
		return nil, errors.New("tls: a server needs a certificate and key")
	}
	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	pool, err := loadCAPool(c.CAPath)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}
	if c.RequireClientAuth {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if len(c.AllowedSites) > 0 {
		cfg.VerifyPeerCertificate = c.verifyPeerSite
	}
	return cfg, nil
}

// ClientConfig builds the dialer's TLS configuration, or nil when TLS is
// disabled.
func (c TLSConfig) ClientConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	pool, err := loadCAPool(c.CAPath)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}
	if c.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if len(c.AllowedSites) > 0 {
		cfg.VerifyPeerCertificate = c.verifyPeerSite
	}
	return cfg, nil
}

// ServerOption returns the gRPC server option for this configuration.
func (c TLSConfig) ServerOption() (grpc.ServerOption, error) {
	cfg, err := c.ServerConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return grpc.Creds(insecure.NewCredentials()), nil
	}
	return grpc.Creds(credentials.NewTLS(cfg)), nil
}

// DialOption returns the gRPC dial option for this configuration.
func (c TLSConfig) DialOption() (grpc.DialOption, error) {
	cfg, err := c.ClientConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(cfg)), nil
}

// verifyPeerSite runs after chain verification and checks the peer's site.
func (c TLSConfig) verifyPeerSite(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		// Only reachable when client certificates are optional.
		return nil
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	site := SiteFromCert(cert)
	if !slices.Contains(c.AllowedSites, site) {
		return fmt.Errorf("%w: %q", ErrSiteNotAllowed, site)
	}
	return nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("%w: no PEM certificates in %s", ErrInvalidCertificate, path)
	}
	return pool, nil
}
