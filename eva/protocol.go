package eva

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/tribler/tunnel-go/cell"
)

// Transfer failure modes.
var (
	ErrTimeout      = errors.New("eva: transfer timed out")
	ErrSizeExceeded = errors.New("eva: data size limit exceeded")
	ErrCancelled    = errors.New("eva: transfer cancelled")
	ErrShutdown     = errors.New("eva: protocol shut down")
)

// RemoteError is an error frame received from the peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("eva: remote error: %s", e.Message)
}

// Result is the outcome of a transfer.
type Result struct {
	Peer cell.Addr
	Info []byte
	Data []byte
	Err  error
}

// SendFunc transmits one EVA frame to a peer over the unreliable layer.
type SendFunc func(peer cell.Addr, payload []byte) error

// ReceiveCallback is invoked once for every completed incoming transfer.
type ReceiveCallback func(peer cell.Addr, info, data []byte)

// Options configure a Protocol. Zero values select the defaults.
type Options struct {
	BlockSize          int
	WindowSize         int
	RetransmitInterval time.Duration
	RetransmitAttempts int
	MaxDataSize        uint64
	Clock              clock.Clock
	Logger             *slog.Logger
}

// Defaults.
const (
	DefaultBlockSize          = 1000
	DefaultWindowSize         = 64
	DefaultRetransmitInterval = 3 * time.Second
	DefaultRetransmitAttempts = 3
	DefaultMaxDataSize        = 1 << 30
)

// Protocol runs windowed, acknowledged byte-stream transfers per peer. At
// most one active transfer per direction per peer; additional outgoing sends
// queue until the active one finishes.
type Protocol struct {
	mu   sync.Mutex
	send SendFunc
	clk  clock.Clock
	log  *slog.Logger

	blockSize          int
	windowSize         int
	retransmitInterval time.Duration
	retransmitAttempts int
	maxDataSize        uint64

	incoming map[cell.Addr]*IncomingTransfer
	outgoing map[cell.Addr]*OutgoingTransfer
	queued   map[cell.Addr][]*OutgoingTransfer

	// OnReceive, when set, observes every completed incoming transfer.
	OnReceive ReceiveCallback

	stop     chan struct{}
	stopOnce sync.Once
}

// NewProtocol creates a protocol sending frames through send.
func NewProtocol(send SendFunc, opts Options) *Protocol {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.RetransmitInterval <= 0 {
		opts.RetransmitInterval = DefaultRetransmitInterval
	}
	if opts.RetransmitAttempts <= 0 {
		opts.RetransmitAttempts = DefaultRetransmitAttempts
	}
	if opts.MaxDataSize == 0 {
		opts.MaxDataSize = DefaultMaxDataSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Protocol{
		send:               send,
		clk:                opts.Clock,
		log:                opts.Logger,
		blockSize:          opts.BlockSize,
		windowSize:         opts.WindowSize,
		retransmitInterval: opts.RetransmitInterval,
		retransmitAttempts: opts.RetransmitAttempts,
		maxDataSize:        opts.MaxDataSize,
		incoming:           make(map[cell.Addr]*IncomingTransfer),
		outgoing:           make(map[cell.Addr]*OutgoingTransfer),
		queued:             make(map[cell.Addr][]*OutgoingTransfer),
		stop:               make(chan struct{}),
	}
}

// BlockSize returns the protocol block size.
func (p *Protocol) BlockSize() int { return p.blockSize }

// WindowSize returns the protocol window size.
func (p *Protocol) WindowSize() int { return p.windowSize }

// Start launches the retransmit loop.
func (p *Protocol) Start() {
	go p.retransmitLoop()
}

// Shutdown terminates all transfers and stops the retransmit loop.
func (p *Protocol) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	var after []func()
	// Drain the queue first so terminating an active transfer cannot
	// promote a queued one mid-shutdown.
	for peer, q := range p.queued {
		for _, t := range q {
			t.resolveLocked(Result{Peer: peer, Info: t.info, Err: ErrShutdown})
		}
		delete(p.queued, peer)
	}
	for _, t := range p.incoming {
		after = append(after, p.terminateIncomingLocked(t, ErrShutdown, false))
	}
	for _, t := range p.outgoing {
		after = append(after, p.terminateOutgoingLocked(t, ErrShutdown, false))
	}
	p.mu.Unlock()
	runAll(after)
}

// Send starts (or queues) an outgoing transfer of data tagged with info.
// The returned channel resolves exactly once with the transfer outcome.
func (p *Protocol) Send(peer cell.Addr, info, data []byte) (<-chan Result, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("eva: refusing to send empty data")
	}
	if uint64(len(data)) > p.maxDataSize {
		return nil, fmt.Errorf("eva: data size %d over limit %d", len(data), p.maxDataSize)
	}

	t := newOutgoingTransfer(p, peer, info, data)

	p.mu.Lock()
	if _, busy := p.outgoing[peer]; busy {
		p.queued[peer] = append(p.queued[peer], t)
		p.mu.Unlock()
		return t.done, nil
	}
	p.outgoing[peer] = t
	p.mu.Unlock()

	t.sendWriteRequest()
	return t.done, nil
}

// Cancel aborts the active outgoing transfer to peer, notifying it with an
// error frame.
func (p *Protocol) Cancel(peer cell.Addr) {
	p.mu.Lock()
	t := p.outgoing[peer]
	var after func()
	if t != nil {
		after = p.terminateOutgoingLocked(t, ErrCancelled, true)
	}
	p.mu.Unlock()
	if after != nil {
		after()
	}
}

// ReceiveFrame dispatches one raw EVA frame from peer. Malformed frames and
// nonce mismatches are dropped.
func (p *Protocol) ReceiveFrame(peer cell.Addr, payload []byte) {
	if len(payload) < 1 {
		return
	}
	frameType, body := payload[0], payload[1:]

	switch frameType {
	case frameWriteRequest:
		f, err := decodeWriteRequest(body)
		if err != nil {
			p.log.Debug("dropping malformed write-request", "peer", peer, "error", err)
			return
		}
		p.onWriteRequest(peer, f)
	case frameAcknowledgement:
		f, err := decodeAcknowledgement(body)
		if err != nil {
			p.log.Debug("dropping malformed acknowledgement", "peer", peer, "error", err)
			return
		}
		p.onAcknowledgement(peer, f)
	case frameData:
		f, err := decodeData(body)
		if err != nil {
			p.log.Debug("dropping malformed data frame", "peer", peer, "error", err)
			return
		}
		p.onData(peer, f)
	case frameError:
		f, err := decodeError(body)
		if err != nil {
			return
		}
		p.onError(peer, f)
	case frameDone:
		f, err := decodeDone(body)
		if err != nil {
			return
		}
		p.onDone(peer, f)
	default:
		p.log.Debug("dropping unknown eva frame", "peer", peer, "type", frameType)
	}
}

func (p *Protocol) onWriteRequest(peer cell.Addr, f *WriteRequest) {
	p.mu.Lock()
	if existing, ok := p.incoming[peer]; ok {
		p.mu.Unlock()
		if existing.nonce != f.Nonce {
			p.sendFrame(peer, (&ErrorFrame{Nonce: f.Nonce, Message: "another incoming transfer is active"}).Encode())
		}
		return
	}
	if f.DataSize == 0 || f.DataSize > p.maxDataSize {
		p.mu.Unlock()
		p.sendFrame(peer, (&ErrorFrame{Nonce: f.Nonce, Message: "invalid data size"}).Encode())
		return
	}

	t := newIncomingTransfer(p, peer, f)
	p.incoming[peer] = t
	ack := t.makeAcknowledgement()
	p.mu.Unlock()

	p.sendFrame(peer, ack.Encode())
}

func (p *Protocol) onData(peer cell.Addr, f *Data) {
	p.mu.Lock()
	t, ok := p.incoming[peer]
	if !ok || t.nonce != f.Nonce {
		p.mu.Unlock()
		return
	}
	after := t.onData(f)
	p.mu.Unlock()
	runAll(after)
}

func (p *Protocol) onAcknowledgement(peer cell.Addr, f *Acknowledgement) {
	p.mu.Lock()
	t, ok := p.outgoing[peer]
	if !ok || t.nonce != f.Nonce {
		p.mu.Unlock()
		p.log.Debug("dropping unexpected acknowledgement", "peer", peer, "nonce", f.Nonce)
		return
	}
	after := t.onAcknowledgement(f)
	p.mu.Unlock()
	runAll(after)
}

func (p *Protocol) onError(peer cell.Addr, f *ErrorFrame) {
	remote := &RemoteError{Message: f.Message}

	p.mu.Lock()
	var after []func()
	if t, ok := p.incoming[peer]; ok && t.nonce == f.Nonce {
		after = append(after, p.terminateIncomingLocked(t, remote, false))
	}
	if t, ok := p.outgoing[peer]; ok && t.nonce == f.Nonce {
		after = append(after, p.terminateOutgoingLocked(t, remote, false))
	}
	p.mu.Unlock()
	runAll(after)
}

func (p *Protocol) onDone(peer cell.Addr, f *Done) {
	p.mu.Lock()
	t, ok := p.outgoing[peer]
	if !ok || t.nonce != f.Nonce {
		p.mu.Unlock()
		return
	}
	after := t.finish(nil)
	p.mu.Unlock()
	runAll(after)
}

func (p *Protocol) retransmitLoop() {
	ticker := p.clk.Ticker(p.retransmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.retransmitTick()
		}
	}
}

func (p *Protocol) retransmitTick() {
	now := p.clk.Now()

	p.mu.Lock()
	var after []func()
	var resend [][2]any // peer, frame bytes
	for peer, t := range p.incoming {
		if now.Sub(t.updated) < p.retransmitInterval {
			continue
		}
		t.attempt++
		if t.attempt > p.retransmitAttempts {
			after = append(after, p.terminateIncomingLocked(t, ErrTimeout, true))
			continue
		}
		ack := &Acknowledgement{
			Number:     uint32(t.window.Start),
			WindowSize: uint32(len(t.window.Blocks)),
			Nonce:      t.nonce,
		}
		resend = append(resend, [2]any{peer, ack.Encode()})
	}
	for peer, t := range p.outgoing {
		if now.Sub(t.updated) < p.retransmitInterval {
			continue
		}
		t.attempt++
		if t.attempt > p.retransmitAttempts {
			after = append(after, p.terminateOutgoingLocked(t, ErrTimeout, true))
			continue
		}
		if !t.acked {
			wr := &WriteRequest{DataSize: uint64(len(t.data)), Nonce: t.nonce, Info: t.info}
			resend = append(resend, [2]any{peer, wr.Encode()})
		}
	}
	p.mu.Unlock()

	for _, r := range resend {
		p.sendFrame(r[0].(cell.Addr), r[1].([]byte))
	}
	runAll(after)
}

// terminateIncomingLocked removes the transfer; when notify is set an error
// frame is sent to the peer. Returns the deferred completion.
func (p *Protocol) terminateIncomingLocked(t *IncomingTransfer, err error, notify bool) func() {
	if t.finished {
		return nil
	}
	t.finished = true
	t.dataList = nil
	delete(p.incoming, t.peer)

	peer, nonce := t.peer, t.nonce
	return func() {
		if notify {
			p.sendFrame(peer, (&ErrorFrame{Nonce: nonce, Message: err.Error()}).Encode())
		}
		p.log.Warn("incoming transfer terminated", "peer", peer, "error", err)
	}
}

// terminateOutgoingLocked removes the transfer, resolves its future and
// starts the next queued send. Returns the deferred notification.
func (p *Protocol) terminateOutgoingLocked(t *OutgoingTransfer, err error, notify bool) func() {
	if t.finished {
		return nil
	}
	t.finished = true
	delete(p.outgoing, t.peer)
	t.resolveLocked(Result{Peer: t.peer, Info: t.info, Err: err})
	next := p.dequeueLocked(t.peer)

	peer, nonce := t.peer, t.nonce
	return func() {
		if notify {
			p.sendFrame(peer, (&ErrorFrame{Nonce: nonce, Message: err.Error()}).Encode())
		}
		p.log.Warn("outgoing transfer terminated", "peer", peer, "error", err)
		if next != nil {
			next.sendWriteRequest()
		}
	}
}

// dequeueLocked promotes the next queued outgoing transfer for peer, if any.
// The caller must send its write request after releasing the lock.
func (p *Protocol) dequeueLocked(peer cell.Addr) *OutgoingTransfer {
	q := p.queued[peer]
	if len(q) == 0 {
		return nil
	}
	next := q[0]
	if len(q) == 1 {
		delete(p.queued, peer)
	} else {
		p.queued[peer] = q[1:]
	}
	next.updated = p.clk.Now()
	p.outgoing[peer] = next
	return next
}

func (p *Protocol) sendFrame(peer cell.Addr, frame []byte) {
	if err := p.send(peer, frame); err != nil {
		p.log.Debug("eva frame send failed", "peer", peer, "error", err)
	}
}

func runAll(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms; a zero nonce
		// still distinguishes transfers in practice.
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}
