package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/tunnel"
)

type fakeCommunity struct {
	circuit *tunnel.Circuit
	sent    []sentDatagram
	sendErr error
}

type sentDatagram struct {
	circuitID uint32
	dest      cell.Addr
	data      []byte
}

func (f *fakeCommunity) SelectCircuit(dest cell.Addr, hops int) *tunnel.Circuit {
	return f.circuit
}

func (f *fakeCommunity) SendData(c *tunnel.Circuit, dest cell.Addr, data []byte) error {
	f.sent = append(f.sent, sentDatagram{c.ID, dest, data})
	return f.sendErr
}

type fakeSession struct {
	remote   cell.Addr
	received []cell.Addr
}

func (s *fakeSession) HasUDP() bool                     { return true }
func (s *fakeSession) RemoteUDPAddress() cell.Addr      { return s.remote }
func (s *fakeSession) SetRemoteUDPAddress(a cell.Addr)  { s.remote = a }
func (s *fakeSession) WriteUDP(from cell.Addr, _ []byte) error {
	s.received = append(s.received, from)
	return nil
}

func TestOutgoingDatagramRouted(t *testing.T) {
	comm := &fakeCommunity{circuit: &tunnel.Circuit{ID: 42}}
	d := New(comm, nil)

	dest, _ := cell.AddrFrom("8.8.8.8", 6881)
	ok := d.OnSocks5Data(1, &fakeSession{}, dest, []byte("datagram"))

	require.True(t, ok)
	require.Len(t, comm.sent, 1)
	require.EqualValues(t, 42, comm.sent[0].circuitID)
	require.Equal(t, dest, comm.sent[0].dest)
}

func TestNoCircuitDropsSilently(t *testing.T) {
	comm := &fakeCommunity{}
	d := New(comm, nil)

	dest, _ := cell.AddrFrom("8.8.8.8", 6881)
	ok := d.OnSocks5Data(1, &fakeSession{}, dest, []byte("datagram"))

	require.False(t, ok)
	require.Empty(t, comm.sent)
}

func TestIncomingRoutedToLastSession(t *testing.T) {
	circ := &tunnel.Circuit{ID: 7}
	comm := &fakeCommunity{circuit: circ}
	d := New(comm, nil)

	session := &fakeSession{}
	dest, _ := cell.AddrFrom("8.8.8.8", 6881)
	d.OnSocks5Data(1, session, dest, []byte("out"))

	origin, _ := cell.AddrFrom("9.9.9.9", 1000)
	d.OnIncomingFromTunnel(circ, origin, []byte("in"))

	require.Equal(t, []cell.Addr{origin}, session.received)
}

func TestIncomingWithoutSessionDropped(t *testing.T) {
	d := New(&fakeCommunity{}, nil)
	origin, _ := cell.AddrFrom("9.9.9.9", 1000)
	// Must not panic.
	d.OnIncomingFromTunnel(&tunnel.Circuit{ID: 1}, origin, []byte("in"))
}

func TestCircuitDeadReturnsObservedPeers(t *testing.T) {
	circ := &tunnel.Circuit{ID: 7}
	comm := &fakeCommunity{circuit: circ}
	d := New(comm, nil)

	session := &fakeSession{}
	p1, _ := cell.AddrFrom("8.8.8.8", 6881)
	p2, _ := cell.AddrFrom("9.9.9.9", 6881)
	d.OnSocks5Data(1, session, p1, []byte("a"))
	d.OnSocks5Data(1, session, p2, []byte("b"))

	peers := d.CircuitDead(circ)
	require.ElementsMatch(t, []cell.Addr{p1, p2}, peers)

	// Second call: everything released already.
	require.Empty(t, d.CircuitDead(circ))

	// The session binding is gone too.
	origin, _ := cell.AddrFrom("1.1.1.1", 1)
	d.OnIncomingFromTunnel(circ, origin, []byte("in"))
	require.Empty(t, session.received)
}
