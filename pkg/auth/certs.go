package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"

	organization = "lens"
)

// CertManager issues replica certificates from a CA kept in dir.
type CertManager struct {
	dir    string
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey
}

// NewCertManager opens dir, loading the CA if one exists there.
func NewCertManager(dir string) (*CertManager, error) {
	cm := &CertManager{dir: dir}
	if _, err := os.Stat(cm.CAPath()); err == nil {
		if err := cm.loadCA(); err != nil {
			return nil, fmt.Errorf("failed to load existing CA: %w", err)
		}
	}
	return cm, nil
}

// CAPath is the CA certificate file.
func (cm *CertManager) CAPath() string {
	return filepath.Join(cm.dir, caCertFile)
}

// HasCA reports whether a CA is loaded.
func (cm *CertManager) HasCA() bool {
	return cm.caCert != nil
}

// GenerateCA creates and saves a self-signed CA named after site.
func (cm *CertManager) GenerateCA(site string, validity time.Duration) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   site + " CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	if err := os.MkdirAll(cm.dir, 0700); err != nil {
		return err
	}
	if err := saveCertificate(cert, priv, cm.CAPath(), filepath.Join(cm.dir, caKeyFile)); err != nil {
		return fmt.Errorf("failed to save CA: %w", err)
	}
	cm.caCert, cm.caKey = cert, priv
	return nil
}

// Issue creates a certificate for site valid for addresses (IPs or DNS
// names) and writes it next to the CA. It returns the certificate and key
// paths.
func (cm *CertManager) Issue(site string, addresses []string, validity time.Duration) (string, string, error) {
	if cm.caCert == nil {
		return "", "", errors.New("CA not initialized")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return "", "", err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   site,
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, addr := range addresses {
		if ip := net.ParseIP(addr); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, addr)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, pub, cm.caKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	base := filepath.Join(cm.dir, fileSafe(site))
	certPath, keyPath := base+".crt", base+".key"
	if err := saveCertificate(cert, priv, certPath, keyPath); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// Verify checks cert against the CA.
func (cm *CertManager) Verify(cert *x509.Certificate) error {
	if cm.caCert == nil {
		return errors.New("CA not initialized")
	}
	roots := x509.NewCertPool()
	roots.AddCert(cm.caCert)
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return nil
}

// SiteFromCert returns the site address a certificate was issued to.
func SiteFromCert(cert *x509.Certificate) string {
	return cert.Subject.CommonName
}

func (cm *CertManager) loadCA() error {
	cert, err := LoadCertificate(cm.CAPath())
	if err != nil {
		return err
	}
	key, err := LoadPrivateKey(filepath.Join(cm.dir, caKeyFile))
	if err != nil {
		return err
	}
	cm.caCert, cm.caKey = cert, key
	return nil
}

// LoadCertificate reads a PEM certificate.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: %s is not a PEM certificate", ErrInvalidCertificate, path)
	}
	return x509.ParseCertificate(block.Bytes)
}

// LoadPrivateKey reads a PEM PKCS#8 Ed25519 private key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to parse key PEM in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is not Ed25519", path)
	}
	return edKey, nil
}

func saveCertificate(cert *x509.Certificate, key ed25519.PrivateKey, certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// fileSafe turns a site address into a file name.
func fileSafe(site string) string {
	return strings.NewReplacer("@", "_at_", "/", "_").Replace(site)
}
