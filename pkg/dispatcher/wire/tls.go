package wire

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// LoadIdentity reads a node's own certificate/key pair plus the CA that
// verifies the other side, for use as both a server's and an agent's TLS
// identity (the same mTLS shape either direction, per pkg/api/server.go and
// pkg/worker/worker.go's connectWithMTLS).
func LoadIdentity(certFile, keyFile, caFile string) (tls.Certificate, *tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("failed to parse CA certificate in %s", caFile)
	}

	return cert, &tls.Config{RootCAs: pool, ClientCAs: pool}, nil
}
