package endpoint

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tribler/tunnel-go/cell"
)

// Frame type constants.
const (
	FrameCell         uint8 = 1
	FrameEVA          uint8 = 2
	FrameIntroduction uint8 = 3
)

// frameHeaderLen is FrameType(1) + sender public key (32).
const frameHeaderLen = 1 + ed25519.PublicKeySize

// MaxFrameLen bounds a single datagram.
const MaxFrameLen = 2048

// Handler processes one received frame. Handlers run on the endpoint's
// receive goroutine; state they touch is serialized through it.
type Handler func(from cell.Addr, senderKey ed25519.PublicKey, payload []byte)

// Endpoint sends and receives framed messages over a single UDP socket.
// It is the only place in the module where raw I/O occurs.
type Endpoint struct {
	mu       sync.RWMutex
	conn     *net.UDPConn
	identity ed25519.PrivateKey
	public   ed25519.PublicKey
	handlers map[uint8]Handler
	logger   *slog.Logger
	closed   bool
}

// Open binds a UDP socket on the given address.
func Open(bind string, identity ed25519.PrivateKey, logger *slog.Logger) (*Endpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr, err := net.ResolveUDPAddr("udp4", bind)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Endpoint{
		conn:     conn,
		identity: identity,
		public:   identity.Public().(ed25519.PublicKey),
		handlers: make(map[uint8]Handler),
		logger:   logger,
	}, nil
}

// PublicKey returns the endpoint's identity public key.
func (e *Endpoint) PublicKey() ed25519.PublicKey {
	return e.public
}

// LocalAddr returns the bound socket address.
func (e *Endpoint) LocalAddr() cell.Addr {
	return cell.AddrFromUDP(e.conn.LocalAddr().(*net.UDPAddr))
}

// RegisterHandler installs the handler for a frame type, replacing any
// previous registration.
func (e *Endpoint) RegisterHandler(frameType uint8, h Handler) {
	e.mu.Lock()
	e.handlers[frameType] = h
	e.mu.Unlock()
}

// Send transmits a single frame to the peer address. No reliability or
// ordering is guaranteed.
func (e *Endpoint) Send(to cell.Addr, frameType uint8, payload []byte) error {
	if frameHeaderLen+len(payload) > MaxFrameLen {
		return fmt.Errorf("frame too large: %d bytes", frameHeaderLen+len(payload))
	}
	frame := make([]byte, 0, frameHeaderLen+len(payload))
	frame = append(frame, frameType)
	frame = append(frame, e.public...)
	frame = append(frame, payload...)

	if _, err := e.conn.WriteToUDP(frame, to.UDPAddr()); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Listen runs the receive loop until the endpoint is closed. Frames are
// dispatched to handlers in arrival order on this goroutine.
func (e *Endpoint) Listen() error {
	buf := make([]byte, MaxFrameLen)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			e.mu.RLock()
			closed := e.closed
			e.mu.RUnlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if n < frameHeaderLen {
			e.logger.Debug("dropping short frame", "bytes", n, "from", from)
			continue
		}

		frameType := buf[0]
		senderKey := ed25519.PublicKey(append([]byte(nil), buf[1:frameHeaderLen]...))
		payload := append([]byte(nil), buf[frameHeaderLen:n]...)

		e.mu.RLock()
		h := e.handlers[frameType]
		e.mu.RUnlock()
		if h == nil {
			e.logger.Debug("no handler for frame type", "type", frameType, "from", from)
			continue
		}
		h(cell.AddrFromUDP(from), senderKey, payload)
	}
}

// Close shuts the socket down; Listen returns nil afterwards.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.conn.Close()
}
