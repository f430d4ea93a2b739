package cell

import (
	"encoding/binary"
	"fmt"
)

// Handshake data lengths for the hop key negotiation carried in
// create/extend cells (see the ntor package).
const (
	ClientHandshakeLen = 32
	ServerHandshakeLen = 64
)

// InfoHashLen is the length of a (lookup) infohash.
const InfoHashLen = 20

// CookieLen is the length of a rendezvous cookie.
const CookieLen = 20

// CreatePayload asks the receiver to become the first hop of a new circuit.
type CreatePayload struct {
	Identifier uint16
	Handshake  [ClientHandshakeLen]byte
}

func (p *CreatePayload) Encode() []byte {
	b := make([]byte, 0, 2+ClientHandshakeLen)
	b = binary.BigEndian.AppendUint16(b, p.Identifier)
	return append(b, p.Handshake[:]...)
}

func DecodeCreate(b []byte) (*CreatePayload, error) {
	if len(b) != 2+ClientHandshakeLen {
		return nil, fmt.Errorf("create payload: %d bytes", len(b))
	}
	p := &CreatePayload{Identifier: binary.BigEndian.Uint16(b[0:2])}
	copy(p.Handshake[:], b[2:])
	return p, nil
}

// CreatedPayload answers a create with the server half of the handshake and
// a sample of candidate peers for further extension.
type CreatedPayload struct {
	Identifier uint16
	Handshake  [ServerHandshakeLen]byte
	Candidates []Addr
}

func (p *CreatedPayload) Encode() []byte {
	b := make([]byte, 0, 2+ServerHandshakeLen+1+len(p.Candidates)*AddrLen)
	b = binary.BigEndian.AppendUint16(b, p.Identifier)
	b = append(b, p.Handshake[:]...)
	b = append(b, byte(len(p.Candidates)))
	for _, a := range p.Candidates {
		b = appendAddr(b, a)
	}
	return b
}

func DecodeCreated(b []byte) (*CreatedPayload, error) {
	if len(b) < 2+ServerHandshakeLen+1 {
		return nil, fmt.Errorf("created payload too short: %d bytes", len(b))
	}
	p := &CreatedPayload{Identifier: binary.BigEndian.Uint16(b[0:2])}
	copy(p.Handshake[:], b[2:2+ServerHandshakeLen])
	rest := b[2+ServerHandshakeLen:]
	n := int(rest[0])
	rest = rest[1:]
	if len(rest) != n*AddrLen {
		return nil, fmt.Errorf("created payload: %d candidate bytes, want %d", len(rest), n*AddrLen)
	}
	var err error
	p.Candidates = make([]Addr, n)
	for i := 0; i < n; i++ {
		p.Candidates[i], rest, err = readAddr(rest)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ExtendPayload asks the current terminal hop to extend the circuit to Node.
type ExtendPayload struct {
	Identifier uint16
	Handshake  [ClientHandshakeLen]byte
	Node       Addr
}

func (p *ExtendPayload) Encode() []byte {
	b := make([]byte, 0, 2+ClientHandshakeLen+AddrLen)
	b = binary.BigEndian.AppendUint16(b, p.Identifier)
	b = append(b, p.Handshake[:]...)
	return appendAddr(b, p.Node)
}

func DecodeExtend(b []byte) (*ExtendPayload, error) {
	if len(b) != 2+ClientHandshakeLen+AddrLen {
		return nil, fmt.Errorf("extend payload: %d bytes", len(b))
	}
	p := &ExtendPayload{Identifier: binary.BigEndian.Uint16(b[0:2])}
	copy(p.Handshake[:], b[2:2+ClientHandshakeLen])
	addr, _, err := readAddr(b[2+ClientHandshakeLen:])
	if err != nil {
		return nil, err
	}
	p.Node = addr
	return p, nil
}

// ExtendedPayload mirrors CreatedPayload for an extension.
type ExtendedPayload = CreatedPayload

// DecodeExtended decodes an extended payload.
func DecodeExtended(b []byte) (*ExtendedPayload, error) {
	return DecodeCreated(b)
}

// Destroy reasons.
const (
	DestroyReasonNone     uint16 = 0
	DestroyReasonTimeout  uint16 = 1
	DestroyReasonCrypto   uint16 = 2
	DestroyReasonShutdown uint16 = 3
	DestroyReasonBalance  uint16 = 65535
)

// DestroyPayload tears down a circuit.
type DestroyPayload struct {
	Reason uint16
}

func (p *DestroyPayload) Encode() []byte {
	return binary.BigEndian.AppendUint16(nil, p.Reason)
}

func DecodeDestroy(b []byte) (*DestroyPayload, error) {
	if len(b) != 2 {
		return nil, fmt.Errorf("destroy payload: %d bytes", len(b))
	}
	return &DestroyPayload{Reason: binary.BigEndian.Uint16(b)}, nil
}

// DataPayload carries a tunneled datagram. Dest is the exit target on the
// way out; Origin is the remote source on the way back.
type DataPayload struct {
	Dest   Addr
	Origin Addr
	Data   []byte
}

func (p *DataPayload) Encode() []byte {
	b := make([]byte, 0, 2*AddrLen+len(p.Data))
	b = appendAddr(b, p.Dest)
	b = appendAddr(b, p.Origin)
	return append(b, p.Data...)
}

func DecodeData(b []byte) (*DataPayload, error) {
	if len(b) < 2*AddrLen {
		return nil, fmt.Errorf("data payload too short: %d bytes", len(b))
	}
	p := &DataPayload{}
	var err error
	if p.Dest, b, err = readAddr(b); err != nil {
		return nil, err
	}
	if p.Origin, b, err = readAddr(b); err != nil {
		return nil, err
	}
	p.Data = b
	return p, nil
}

// EstablishIntroPayload registers the sender's circuit as an introduction
// point for a hidden swarm.
type EstablishIntroPayload struct {
	Identifier uint16
	InfoHash   [InfoHashLen]byte
}

func (p *EstablishIntroPayload) Encode() []byte {
	b := make([]byte, 0, 2+InfoHashLen)
	b = binary.BigEndian.AppendUint16(b, p.Identifier)
	return append(b, p.InfoHash[:]...)
}

func DecodeEstablishIntro(b []byte) (*EstablishIntroPayload, error) {
	if len(b) != 2+InfoHashLen {
		return nil, fmt.Errorf("establish-intro payload: %d bytes", len(b))
	}
	p := &EstablishIntroPayload{Identifier: binary.BigEndian.Uint16(b[0:2])}
	copy(p.InfoHash[:], b[2:])
	return p, nil
}

// IntroEstablishedPayload acknowledges an establish-intro.
type IntroEstablishedPayload struct {
	Identifier uint16
}

func (p *IntroEstablishedPayload) Encode() []byte {
	return binary.BigEndian.AppendUint16(nil, p.Identifier)
}

func DecodeIntroEstablished(b []byte) (*IntroEstablishedPayload, error) {
	if len(b) != 2 {
		return nil, fmt.Errorf("intro-established payload: %d bytes", len(b))
	}
	return &IntroEstablishedPayload{Identifier: binary.BigEndian.Uint16(b)}, nil
}

// EstablishRendezvousPayload registers a cookie at a rendezvous point.
type EstablishRendezvousPayload struct {
	Identifier uint16
	Cookie     [CookieLen]byte
}

func (p *EstablishRendezvousPayload) Encode() []byte {
	b := make([]byte, 0, 2+CookieLen)
	b = binary.BigEndian.AppendUint16(b, p.Identifier)
	return append(b, p.Cookie[:]...)
}

func DecodeEstablishRendezvous(b []byte) (*EstablishRendezvousPayload, error) {
	if len(b) != 2+CookieLen {
		return nil, fmt.Errorf("establish-rendezvous payload: %d bytes", len(b))
	}
	p := &EstablishRendezvousPayload{Identifier: binary.BigEndian.Uint16(b[0:2])}
	copy(p.Cookie[:], b[2:])
	return p, nil
}

// RendezvousEstablishedPayload acknowledges an establish-rendezvous and
// tells the initiator the address at which the rendezvous point is
// reachable for the other side.
type RendezvousEstablishedPayload struct {
	Identifier      uint16
	RendezvousPoint Addr
}

func (p *RendezvousEstablishedPayload) Encode() []byte {
	b := make([]byte, 0, 2+AddrLen)
	b = binary.BigEndian.AppendUint16(b, p.Identifier)
	return appendAddr(b, p.RendezvousPoint)
}

func DecodeRendezvousEstablished(b []byte) (*RendezvousEstablishedPayload, error) {
	if len(b) != 2+AddrLen {
		return nil, fmt.Errorf("rendezvous-established payload: %d bytes", len(b))
	}
	p := &RendezvousEstablishedPayload{Identifier: binary.BigEndian.Uint16(b[0:2])}
	addr, _, err := readAddr(b[2:])
	if err != nil {
		return nil, err
	}
	p.RendezvousPoint = addr
	return p, nil
}

// IntroducePayload travels through an introduction point to a hidden seeder,
// carrying the cookie and rendezvous point for the e2e circuit.
type IntroducePayload struct {
	Identifier      uint16
	InfoHash        [InfoHashLen]byte
	Cookie          [CookieLen]byte
	RendezvousPoint Addr
}

func (p *IntroducePayload) Encode() []byte {
	b := make([]byte, 0, 2+InfoHashLen+CookieLen+AddrLen)
	b = binary.BigEndian.AppendUint16(b, p.Identifier)
	b = append(b, p.InfoHash[:]...)
	b = append(b, p.Cookie[:]...)
	return appendAddr(b, p.RendezvousPoint)
}

func DecodeIntroduce(b []byte) (*IntroducePayload, error) {
	if len(b) != 2+InfoHashLen+CookieLen+AddrLen {
		return nil, fmt.Errorf("introduce payload: %d bytes", len(b))
	}
	p := &IntroducePayload{Identifier: binary.BigEndian.Uint16(b[0:2])}
	copy(p.InfoHash[:], b[2:2+InfoHashLen])
	copy(p.Cookie[:], b[2+InfoHashLen:2+InfoHashLen+CookieLen])
	addr, _, err := readAddr(b[2+InfoHashLen+CookieLen:])
	if err != nil {
		return nil, err
	}
	p.RendezvousPoint = addr
	return p, nil
}

// RendezvousPayload is sent by the seeder to the rendezvous point to link
// its circuit to the waiting cookie.
type RendezvousPayload struct {
	Cookie [CookieLen]byte
}

func (p *RendezvousPayload) Encode() []byte {
	b := make([]byte, CookieLen)
	copy(b, p.Cookie[:])
	return b
}

func DecodeRendezvous(b []byte) (*RendezvousPayload, error) {
	if len(b) != CookieLen {
		return nil, fmt.Errorf("rendezvous payload: %d bytes", len(b))
	}
	p := &RendezvousPayload{}
	copy(p.Cookie[:], b)
	return p, nil
}

// HTTPRequestPayload asks an exit node to perform a TCP HTTP request.
type HTTPRequestPayload struct {
	CircuitID  uint32
	Identifier uint32
	Target     Addr
	Request    []byte
}

func (p *HTTPRequestPayload) Encode() []byte {
	b := make([]byte, 0, 8+AddrLen+len(p.Request))
	b = binary.BigEndian.AppendUint32(b, p.CircuitID)
	b = binary.BigEndian.AppendUint32(b, p.Identifier)
	b = appendAddr(b, p.Target)
	return append(b, p.Request...)
}

func DecodeHTTPRequest(b []byte) (*HTTPRequestPayload, error) {
	if len(b) < 8+AddrLen {
		return nil, fmt.Errorf("http-request payload too short: %d bytes", len(b))
	}
	p := &HTTPRequestPayload{
		CircuitID:  binary.BigEndian.Uint32(b[0:4]),
		Identifier: binary.BigEndian.Uint32(b[4:8]),
	}
	addr, rest, err := readAddr(b[8:])
	if err != nil {
		return nil, err
	}
	p.Target = addr
	p.Request = rest
	return p, nil
}

// HTTPResponsePayload is one fragment of an exit node's HTTP response.
type HTTPResponsePayload struct {
	CircuitID  uint32
	Identifier uint32
	Part       uint16
	Total      uint16
	Fragment   []byte
}

func (p *HTTPResponsePayload) Encode() []byte {
	b := make([]byte, 0, 12+len(p.Fragment))
	b = binary.BigEndian.AppendUint32(b, p.CircuitID)
	b = binary.BigEndian.AppendUint32(b, p.Identifier)
	b = binary.BigEndian.AppendUint16(b, p.Part)
	b = binary.BigEndian.AppendUint16(b, p.Total)
	return append(b, p.Fragment...)
}

func DecodeHTTPResponse(b []byte) (*HTTPResponsePayload, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("http-response payload too short: %d bytes", len(b))
	}
	return &HTTPResponsePayload{
		CircuitID:  binary.BigEndian.Uint32(b[0:4]),
		Identifier: binary.BigEndian.Uint32(b[4:8]),
		Part:       binary.BigEndian.Uint16(b[8:10]),
		Total:      binary.BigEndian.Uint16(b[10:12]),
		Fragment:   b[12:],
	}, nil
}
