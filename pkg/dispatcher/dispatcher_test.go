package dispatcher

import (
	"testing"

	"github.com/cuemby/orbital/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixThenSplitRequestIDRoundTrips(t *testing.T) {
	prefixed := PrefixRequestID("client-1", "req-42")
	clientID, requestID, ok := SplitRequestID(prefixed)
	require.True(t, ok)
	assert.Equal(t, "client-1", clientID)
	assert.Equal(t, "req-42", requestID)
}

func TestSplitRequestIDRejectsUnprefixedID(t *testing.T) {
	_, _, ok := SplitRequestID("no-separator-here")
	assert.False(t, ok)
}

func TestAgentRegistrySendDeliversToRegisteredConnection(t *testing.T) {
	r := NewAgentRegistry()
	conn := r.Register("agent_A")

	r.SendServerHello("agent_A", []types.WorkloadSpec{{Name: "nginx"}})

	req := <-conn.Out
	require.NotNil(t, req.Content.ServerHello)
	assert.Equal(t, "nginx", req.Content.ServerHello.Added[0].Name)
}

func TestAgentRegistrySendToUnknownAgentDoesNotPanic(t *testing.T) {
	r := NewAgentRegistry()
	assert.NotPanics(t, func() {
		r.SendServerHello("ghost", nil)
	})
}

func TestAgentRegistryUnregisterClosesOutboundChannel(t *testing.T) {
	r := NewAgentRegistry()
	conn := r.Register("agent_A")
	r.Unregister("agent_A")

	_, open := <-conn.Out
	assert.False(t, open)
}

func TestPendingClientsDeliverRoutesToAwaitingCaller(t *testing.T) {
	p := NewPendingClients()
	id := PrefixRequestID("client-1", "req-1")
	ch := p.Await(id)

	delivered := p.Deliver(Response{RequestID: id})
	assert.True(t, delivered)

	resp := <-ch
	assert.Equal(t, id, resp.RequestID)
}

func TestPendingClientsDeliverToUnknownIDReturnsFalse(t *testing.T) {
	p := NewPendingClients()
	assert.False(t, p.Deliver(Response{RequestID: "never-registered"}))
}
