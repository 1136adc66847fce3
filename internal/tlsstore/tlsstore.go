// Package tlsstore is the per-hostname certificate store consulted on
// the TLS accept path.
package tlsstore

import (
	"crypto/tls"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/logging"
	"github.com/AssetsArt/nylon/internal/store"
)

// fallbackServerName is used when the handshake carries no SNI or an
// unknown hostname.
const fallbackServerName = "localhost"

// Entry is one domain's certificate material.
type Entry struct {
	Certificate tls.Certificate
	// Chain holds additional PEM blocks appended after the leaf.
	Chain [][]byte
}

// Store builds the domain→certificate map from the TLS configs and
// swaps it into the global store. Custom certificates read their files
// now; ACME entries read from <acmeDir>/<domain>/{cert,key}.pem.
func Store(configs []config.TlsConfig, acmeDir string) error {
	certs := make(map[string]*Entry)

	for i := range configs {
		t := &configs[i]
		switch t.Kind {
		case config.TlsCustom:
			if t.Cert == "" || t.Key == "" {
				return errors.Config("tls %q: custom certificates need cert and key paths", t.Name)
			}
			entry, err := loadKeyPair(t.Cert, t.Key, t.Chain)
			if err != nil {
				return errors.Wrap(errors.KindConfig, "tls "+t.Name, err)
			}
			for _, domain := range t.Domains {
				certs[domain] = entry
			}

		case config.TlsAcme:
			for _, domain := range t.Domains {
				certPath := filepath.Join(acmeDir, domain, "cert.pem")
				keyPath := filepath.Join(acmeDir, domain, "key.pem")
				entry, err := loadKeyPair(certPath, keyPath, nil)
				if err != nil {
					// An issuance failure never rejects the config; the
					// old certificate (if any) keeps serving.
					logging.Warn("acme certificate unavailable",
						zap.String("domain", domain),
						zap.Error(err))
					if prev, ok := store.Get[map[string]*Entry](store.KeyTLS); ok && prev[domain] != nil {
						certs[domain] = prev[domain]
					}
					continue
				}
				certs[domain] = entry
			}

		default:
			return errors.Config("tls %q: unknown type %q", t.Name, t.Kind)
		}
	}

	store.Insert(store.KeyTLS, certs)
	return nil
}

func loadKeyPair(certPath, keyPath string, chainPaths []string) (*Entry, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	var chain [][]byte
	for _, p := range chainPaths {
		pem, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		chain = append(chain, pem)
		certPEM = append(certPEM, '\n')
		certPEM = append(certPEM, pem...)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &Entry{Certificate: cert, Chain: chain}, nil
}

// GetCertificate is the SNI callback for the TLS listener.
func GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	certs, ok := store.Get[map[string]*Entry](store.KeyTLS)
	if !ok {
		return nil, errors.Config("tls store not initialized")
	}

	serverName := hello.ServerName
	if serverName == "" {
		logging.Debug("tls handshake without server name, using fallback")
		serverName = fallbackServerName
	}

	entry, ok := certs[serverName]
	if !ok {
		logging.Debug("no certificate for server name, using fallback",
			zap.String("server_name", serverName))
		entry, ok = certs[fallbackServerName]
		if !ok {
			return nil, errors.Config("no certificate for %q", serverName)
		}
	}
	return &entry.Certificate, nil
}
