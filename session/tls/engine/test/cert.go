package test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Certificate is a server certificate issued by a throwaway root.
type Certificate struct {
	CertPath, KeyPath string
	// Pool trusts the issuing root.
	Pool *x509.CertPool
}

// NewCertificate issues a certificate for hosts and writes it with its key
// as PEM files into a temporary directory.
func NewCertificate(t *testing.T, hosts ...string) Certificate {
	t.Helper()

	now := time.Now()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	rootTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Example Root CA",
			Organization: []string{"Example Org"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	root, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	leafTemplate := &x509.Certificate{
		DNSNames:     hosts,
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			CommonName:   "example.com",
			Organization: []string{"Example Org"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, root, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	require.NoError(t, err)

	dir := t.TempDir()
	cert := Certificate{
		CertPath: filepath.Join(dir, "cert.pem"),
		KeyPath:  filepath.Join(dir, "key.pem"),
		Pool:     x509.NewCertPool(),
	}
	cert.Pool.AddCert(root)

	writePEM(t, cert.CertPath, "CERTIFICATE", leafDER)
	writePEM(t, cert.KeyPath, "EC PRIVATE KEY", keyDER)

	return cert
}

// WriteCombined writes the certificate and key into a single file.
func (c Certificate) WriteCombined(t *testing.T) string {
	t.Helper()

	certPEM, err := os.ReadFile(c.CertPath)
	require.NoError(t, err)
	keyPEM, err := os.ReadFile(c.KeyPath)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "combined.pem")
	require.NoError(t, os.WriteFile(path, append(certPEM, keyPEM...), 0o600))
	return path
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
