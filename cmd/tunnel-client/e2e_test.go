package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/dispatcher"
	"github.com/tribler/tunnel-go/endpoint"
	"github.com/tribler/tunnel-go/tunnel"
)

type e2eNode struct {
	ep   *endpoint.Endpoint
	comm *tunnel.Community
	pub  ed25519.PublicKey
}

func startNode(t *testing.T, exitNode bool) *e2eNode {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ep, err := endpoint.Open("127.0.0.1:0", priv, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ep.Close() })

	settings := tunnel.DefaultSettings()
	settings.ExitNodeEnabled = exitNode
	comm := tunnel.New(priv, ep, settings)
	disp := dispatcher.New(comm, nil)
	comm.DataHandler = disp.OnIncomingFromTunnel
	comm.Setup(nil, nil, disp, nil)
	comm.Register(ep)
	go func() { _ = ep.Listen() }()

	return &e2eNode{ep: ep, comm: comm, pub: pub}
}

// TestTunnelEndToEnd builds a two-hop circuit over real UDP sockets and
// exchanges a datagram with a local "internet" peer through the exit.
func TestTunnelEndToEnd(t *testing.T) {
	a := startNode(t, false)
	b := startNode(t, true)
	c := startNode(t, true)

	flags := tunnel.FlagRelay | tunnel.FlagExitBT | tunnel.FlagExitIPv8 | tunnel.FlagExitHTTP
	a.comm.AddCandidate(b.ep.LocalAddr(), b.pub, flags)
	a.comm.AddCandidate(c.ep.LocalAddr(), c.pub, flags)
	b.comm.AddCandidate(c.ep.LocalAddr(), c.pub, flags)
	c.comm.AddCandidate(b.ep.LocalAddr(), b.pub, flags)

	circ, err := a.comm.CreateCircuit(2, tunnel.CircuitData, tunnel.FlagExitBT, nil)
	if err != nil {
		t.Fatalf("create circuit: %v", err)
	}
	select {
	case err := <-circ.Ready():
		if err != nil {
			t.Fatalf("circuit build: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("circuit build timed out")
	}
	if circ.HopCount() != 2 {
		t.Fatalf("hops = %d, want 2", circ.HopCount())
	}

	// A local UDP peer plays the internet: echo with a marker.
	internet, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = internet.Close() }()
	go func() {
		buf := make([]byte, 2048)
		n, from, err := internet.ReadFromUDP(buf)
		if err != nil {
			return
		}
		_, _ = internet.WriteToUDP(append([]byte("pong:"), buf[:n]...), from)
	}()

	got := make(chan []byte, 1)
	a.comm.DataHandler = func(_ *tunnel.Circuit, origin cell.Addr, data []byte) {
		got <- data
	}

	dest := cell.AddrFromUDP(internet.LocalAddr().(*net.UDPAddr))
	if err := a.comm.SendData(circ, dest, []byte("ping")); err != nil {
		t.Fatalf("send data: %v", err)
	}

	select {
	case data := <-got:
		if !bytes.Equal(data, []byte("pong:ping")) {
			t.Fatalf("reply = %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply through the tunnel")
	}

	if circ.BytesUp() == 0 || circ.BytesDown() == 0 {
		t.Fatal("byte counters did not advance")
	}

	a.comm.Unload()
	b.comm.Unload()
	c.comm.Unload()
}
