package tlsstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/store"
)

// writeSelfSigned writes a self-signed cert/key pair for a hostname and
// returns their paths.
func writeSelfSigned(t *testing.T, dir, host string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certPath = filepath.Join(dir, host+"-cert.pem")
	keyPath = filepath.Join(dir, host+"-key.pem")
	os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644)
	os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600)
	return certPath, keyPath
}

func TestStoreAndSelectCustomCertificate(t *testing.T) {
	store.Reset()
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, "example.com")
	fbCert, fbKey := writeSelfSigned(t, dir, "localhost")

	err := Store([]config.TlsConfig{
		{Name: "main", Kind: config.TlsCustom, Domains: []string{"example.com", "www.example.com"},
			Cert: certPath, Key: keyPath},
		{Name: "fallback", Kind: config.TlsCustom, Domains: []string{"localhost"},
			Cert: fbCert, Key: fbKey},
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	cert, err := GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	leaf, _ := x509.ParseCertificate(cert.Certificate[0])
	if leaf.Subject.CommonName != "example.com" {
		t.Errorf("wrong certificate: %s", leaf.Subject.CommonName)
	}

	// Same entry serves every listed domain.
	if _, err := GetCertificate(&tls.ClientHelloInfo{ServerName: "www.example.com"}); err != nil {
		t.Errorf("second domain: %v", err)
	}

	// Missing SNI and unknown hostnames fall back to localhost.
	cert, err = GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatal(err)
	}
	leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("fallback certificate: %s", leaf.Subject.CommonName)
	}
	if _, err := GetCertificate(&tls.ClientHelloInfo{ServerName: "stranger.example"}); err != nil {
		t.Errorf("unknown sni should fall back: %v", err)
	}
}

func TestStoreAcmeReadsFromDir(t *testing.T) {
	store.Reset()
	acmeDir := t.TempDir()
	domainDir := filepath.Join(acmeDir, "acme.example")
	os.MkdirAll(domainDir, 0o755)
	certPath, keyPath := writeSelfSigned(t, t.TempDir(), "acme.example")
	certPEM, _ := os.ReadFile(certPath)
	keyPEM, _ := os.ReadFile(keyPath)
	os.WriteFile(filepath.Join(domainDir, "cert.pem"), certPEM, 0o644)
	os.WriteFile(filepath.Join(domainDir, "key.pem"), keyPEM, 0o600)

	err := Store([]config.TlsConfig{
		{Name: "acme", Kind: config.TlsAcme, Domains: []string{"acme.example", "pending.example"}},
	}, acmeDir)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := GetCertificate(&tls.ClientHelloInfo{ServerName: "acme.example"}); err != nil {
		t.Errorf("issued domain: %v", err)
	}
	// A domain whose certificate is not on disk yet is skipped, not an
	// install failure.
	if _, err := GetCertificate(&tls.ClientHelloInfo{ServerName: "pending.example"}); err == nil {
		t.Error("unissued domain should have no certificate")
	}
}

func TestStoreRejectsMissingPaths(t *testing.T) {
	store.Reset()
	err := Store([]config.TlsConfig{{Name: "bad", Kind: config.TlsCustom, Domains: []string{"x"}}}, "")
	if err == nil {
		t.Error("custom tls without paths should fail")
	}
}
