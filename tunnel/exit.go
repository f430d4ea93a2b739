package tunnel

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/ntor"
)

// maxHTTPRequestsPerCircuit caps concurrent HTTP-exit requests per circuit.
const maxHTTPRequestsPerCircuit = 5

// ExitSocket is a terminus at this node: it decrypts the initiator's traffic
// and forwards cleartext to the internet, based on the peer flags we
// advertise.
type ExitSocket struct {
	CircuitID uint32
	// Peer is the previous hop, where backward cells are sent.
	Peer      cell.Addr
	Keys      *ntor.KeyMaterial
	Flags     uint16
	CreatedAt time.Time

	// deliver carries a datagram received from the internet back into the
	// circuit. Set by the community.
	deliver func(origin cell.Addr, data []byte)

	mu           sync.Mutex
	conn         *net.UDPConn
	closed       bool
	httpInFlight int

	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64
}

// BytesUp returns bytes forwarded to the internet.
func (e *ExitSocket) BytesUp() uint64 { return e.bytesUp.Load() }

// BytesDown returns bytes returned into the circuit.
func (e *ExitSocket) BytesDown() uint64 { return e.bytesDown.Load() }

// SendToInternet forwards one datagram to dest, opening the exit socket on
// first use.
func (e *ExitSocket) SendToInternet(dest cell.Addr, data []byte) error {
	if e.Flags&FlagExitBT == 0 {
		return fmt.Errorf("exit not enabled for circuit %d", e.CircuitID)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("exit socket closed")
	}
	if e.conn == nil {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("open exit socket: %w", err)
		}
		e.conn = conn
		go e.readLoop(conn)
	}
	conn := e.conn
	e.mu.Unlock()

	if _, err := conn.WriteToUDP(data, dest.UDPAddr()); err != nil {
		return fmt.Errorf("exit send: %w", err)
	}
	e.bytesUp.Add(uint64(len(data)))
	return nil
}

func (e *ExitSocket) readLoop(conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		e.bytesDown.Add(uint64(n))
		if e.deliver != nil {
			e.deliver(cell.AddrFromUDP(from), append([]byte(nil), buf[:n]...))
		}
	}
}

// tryReserveHTTP claims an HTTP-exit slot, failing at the per-circuit cap.
func (e *ExitSocket) tryReserveHTTP() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.httpInFlight >= maxHTTPRequestsPerCircuit {
		return false
	}
	e.httpInFlight++
	return true
}

func (e *ExitSocket) releaseHTTP() {
	e.mu.Lock()
	if e.httpInFlight > 0 {
		e.httpInFlight--
	}
	e.mu.Unlock()
}

// Close shuts the internet-facing socket. Idempotent.
func (e *ExitSocket) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}
