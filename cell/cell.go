package cell

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Message type constants for tunnel cells.
const (
	TypeData                  uint8 = 1
	TypeCreate                uint8 = 2
	TypeCreated               uint8 = 3
	TypeExtend                uint8 = 4
	TypeExtended              uint8 = 5
	TypePing                  uint8 = 6
	TypePong                  uint8 = 7
	TypeDestroy               uint8 = 10
	TypeEstablishIntro        uint8 = 11
	TypeIntroEstablished      uint8 = 12
	TypeEstablishRendezvous   uint8 = 15
	TypeRendezvousEstablished uint8 = 16
	TypeIntroduce             uint8 = 17
	TypeRendezvous            uint8 = 18
	TypeHTTPRequest           uint8 = 28
	TypeHTTPResponse          uint8 = 29
)

// HeaderLen is the length of the cell header: CircuitID(4) + MessageType(1).
const HeaderLen = 5

// MaxCellLen caps a single cell to what fits in one UDP datagram alongside
// the endpoint frame header.
const MaxCellLen = 1500

// Cell is a tunnel cell backed by a byte slice:
// u32 circuit_id | u8 message_type | payload.
type Cell []byte

// New creates a cell with the given circuit ID, message type and payload.
func New(circuitID uint32, msgType uint8, payload []byte) Cell {
	c := make(Cell, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(c[0:4], circuitID)
	c[4] = msgType
	copy(c[HeaderLen:], payload)
	return c
}

// Parse validates the minimum cell length and returns the cell.
func Parse(data []byte) (Cell, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("cell too short: %d bytes", len(data))
	}
	return Cell(data), nil
}

func (c Cell) CircuitID() uint32 {
	return binary.BigEndian.Uint32(c[0:4])
}

func (c Cell) MessageType() uint8 {
	return c[4]
}

func (c Cell) Payload() []byte {
	return c[HeaderLen:]
}

// Addr is an IPv4 peer address as carried in cell payloads (4-byte IP +
// 2-byte port). The fixed-size form keeps it usable as a map key.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// AddrLen is the encoded length of an Addr.
const AddrLen = 6

// AddrFrom builds an Addr from an IP string and port. Returns an error for
// non-IPv4 addresses.
func AddrFrom(ip string, port uint16) (Addr, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Addr{}, fmt.Errorf("invalid IP address: %s", ip)
	}
	ip4 := parsed.To4()
	if ip4 == nil {
		return Addr{}, fmt.Errorf("not an IPv4 address: %s", ip)
	}
	var a Addr
	copy(a.IP[:], ip4)
	a.Port = port
	return a, nil
}

// AddrFromUDP converts a *net.UDPAddr. Non-IPv4 addresses yield a zero IP.
func AddrFromUDP(u *net.UDPAddr) Addr {
	var a Addr
	if ip4 := u.IP.To4(); ip4 != nil {
		copy(a.IP[:], ip4)
	}
	a.Port = uint16(u.Port)
	return a
}

// UDPAddr converts back to a *net.UDPAddr.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(a.IP[:]), Port: int(a.Port)}
}

func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// IsZero reports whether the address is unset.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

func appendAddr(b []byte, a Addr) []byte {
	b = append(b, a.IP[:]...)
	return binary.BigEndian.AppendUint16(b, a.Port)
}

func readAddr(b []byte) (Addr, []byte, error) {
	if len(b) < AddrLen {
		return Addr{}, nil, fmt.Errorf("short address: %d bytes", len(b))
	}
	var a Addr
	copy(a.IP[:], b[0:4])
	a.Port = binary.BigEndian.Uint16(b[4:6])
	return a, b[AddrLen:], nil
}
