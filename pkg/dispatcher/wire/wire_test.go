package wire

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/cuemby/orbital/pkg/dispatcher"
	"github.com/cuemby/orbital/pkg/security"
	"github.com/cuemby/orbital/pkg/server"
	"github.com/cuemby/orbital/pkg/storage"
	"github.com/cuemby/orbital/pkg/types"
	"github.com/stretchr/testify/require"
)

// selfSignedCert mints a single self-signed certificate good for both server
// and client use; tests only need a fixed keypair, not a CA.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "orbital-test"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

func trustPool(cert tls.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)
	return &tls.Config{RootCAs: pool, ClientCAs: pool}
}

func TestJSONCodecRoundTripsRequest(t *testing.T) {
	c := jsonCodec{}
	require.Equal(t, "json", c.Name())

	in := &dispatcher.Request{Content: dispatcher.Content{AgentHello: &dispatcher.AgentHello{
		AgentName: "agent-1",
		Token:     "tok",
		Attrs:     types.AgentAttributes{CPUCores: 4},
	}}}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out dispatcher.Request
	require.NoError(t, c.Unmarshal(data, &out))
	require.Equal(t, "agent-1", out.Content.AgentHello.AgentName)
	require.Equal(t, 4, out.Content.AgentHello.Attrs.CPUCores)
}

func newTestServer(t *testing.T) (addr string, srv *Server, cert tls.Certificate) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := dispatcher.NewAgentRegistry()
	state, err := server.New(store, registry)
	require.NoError(t, err)

	tokens := security.NewTokenGate()
	tokens.Adopt("join-token", time.Hour)

	srv = NewServer(state, registry, tokens)
	cert = selfSignedCert(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = lis.Addr().String()
	require.NoError(t, lis.Close())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(addr, cert, trustPool(cert)) }()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case <-errCh:
		case <-time.After(time.Second):
		}
	})

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	return addr, srv, cert
}

func TestClientAPIGetCompleteStateAgainstLiveServer(t *testing.T) {
	addr, _, cert := newTestServer(t)

	conn, err := Dial(addr, cert, trustPool(cert))
	require.NoError(t, err)
	defer conn.Close()

	api := NewClientAPI(conn, "test-client")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	state, err := api.GetCompleteState(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Empty(t, state.DesiredState)
}

func TestClientAPIUpdateStateThenGetCompleteStateRoundTrips(t *testing.T) {
	addr, _, cert := newTestServer(t)

	conn, err := Dial(addr, cert, trustPool(cert))
	require.NoError(t, err)
	defer conn.Close()

	api := NewClientAPI(conn, "test-client")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	desired := map[string]types.WorkloadSpec{
		"web": {Name: "web", Agent: "agent-1", RuntimeTag: "podman"},
	}
	require.NoError(t, api.UpdateState(ctx, "v1", desired, nil, nil))

	state, err := api.GetCompleteState(ctx, nil)
	require.NoError(t, err)
	require.Contains(t, state.DesiredState, "web")
	require.Equal(t, "agent-1", state.DesiredState["web"].Agent)
}
