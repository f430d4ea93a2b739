package endpoint

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/tribler/tunnel-go/cell"
)

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	e, err := Open("127.0.0.1:0", priv, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })
	go func() { _ = e.Listen() }()
	return e
}

func TestSendReceive(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	type recv struct {
		from    cell.Addr
		key     ed25519.PublicKey
		payload []byte
	}
	got := make(chan recv, 1)
	b.RegisterHandler(FrameCell, func(from cell.Addr, key ed25519.PublicKey, payload []byte) {
		got <- recv{from, key, payload}
	})

	if err := a.Send(b.LocalAddr(), FrameCell, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-got:
		if !bytes.Equal(r.payload, []byte("hello")) {
			t.Fatalf("payload = %q", r.payload)
		}
		if !r.key.Equal(a.PublicKey()) {
			t.Fatal("sender key mismatch")
		}
		if r.from.Port != a.LocalAddr().Port {
			t.Fatalf("from = %v, want port %d", r.from, a.LocalAddr().Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestUnknownFrameTypeDropped(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	got := make(chan struct{}, 1)
	b.RegisterHandler(FrameEVA, func(cell.Addr, ed25519.PublicKey, []byte) {
		got <- struct{}{}
	})

	// No handler registered for FrameCell on b; must be dropped silently.
	if err := a.Send(b.LocalAddr(), FrameCell, []byte("ignored")); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(b.LocalAddr(), FrameEVA, []byte("seen")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EVA frame")
	}
}

func TestSendTooLarge(t *testing.T) {
	a := newTestEndpoint(t)
	if err := a.Send(a.LocalAddr(), FrameCell, make([]byte, MaxFrameLen)); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestCloseIdempotent(t *testing.T) {
	a := newTestEndpoint(t)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
}
