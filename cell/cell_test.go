package cell

import (
	"bytes"
	"testing"
)

func TestCellRoundTrip(t *testing.T) {
	c := New(0x80000001, TypeData, []byte{0xAB, 0xCD})
	if c.CircuitID() != 0x80000001 {
		t.Fatalf("circuit ID mismatch")
	}
	if c.MessageType() != TypeData {
		t.Fatal("message type mismatch")
	}
	if !bytes.Equal(c.Payload(), []byte{0xAB, 0xCD}) {
		t.Fatal("payload mismatch")
	}

	got, err := Parse([]byte(c))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(c, got) {
		t.Fatal("round-trip mismatch")
	}
}

func TestParseShortCell(t *testing.T) {
	if _, err := Parse([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for short cell")
	}
}

func TestAddrRoundTrip(t *testing.T) {
	a, err := AddrFrom("10.20.30.40", 6881)
	if err != nil {
		t.Fatal(err)
	}
	b := appendAddr(nil, a)
	if len(b) != AddrLen {
		t.Fatalf("encoded length = %d, want %d", len(b), AddrLen)
	}
	got, rest, err := readAddr(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes: %d", len(rest))
	}
	if got != a {
		t.Fatalf("address mismatch: %v != %v", got, a)
	}
	if got.String() != "10.20.30.40:6881" {
		t.Fatalf("string: %s", got.String())
	}
}

func TestAddrFromRejectsIPv6(t *testing.T) {
	if _, err := AddrFrom("::1", 80); err == nil {
		t.Fatal("expected error for IPv6 address")
	}
}

func TestAddrUDPConversion(t *testing.T) {
	a, _ := AddrFrom("127.0.0.1", 8000)
	u := a.UDPAddr()
	if got := AddrFromUDP(u); got != a {
		t.Fatalf("UDP conversion mismatch: %v != %v", got, a)
	}
}
