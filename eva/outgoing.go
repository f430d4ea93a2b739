package eva

import (
	"time"

	"github.com/tribler/tunnel-go/cell"
)

// maxWindowSize caps the window a remote acknowledgement may open.
const maxWindowSize = 1024

// OutgoingTransfer is the sender side of one windowed transfer. Methods run
// with the protocol lock held and return deferred actions.
type OutgoingTransfer struct {
	protocol   *Protocol
	peer       cell.Addr
	info       []byte
	data       []byte
	nonce      uint64
	blockCount int // data blocks, the last possibly partial; the end-of-stream block has this index
	attempt    int
	acked      bool
	updated    time.Time
	finished   bool
	resolved   bool
	done       chan Result
}

func newOutgoingTransfer(p *Protocol, peer cell.Addr, info, data []byte) *OutgoingTransfer {
	return &OutgoingTransfer{
		protocol:   p,
		peer:       peer,
		info:       append([]byte(nil), info...),
		data:       data,
		nonce:      randomNonce(),
		blockCount: (len(data) + p.blockSize - 1) / p.blockSize,
		updated:    p.clk.Now(),
		done:       make(chan Result, 1),
	}
}

func (t *OutgoingTransfer) sendWriteRequest() {
	wr := &WriteRequest{DataSize: uint64(len(t.data)), Nonce: t.nonce, Info: t.info}
	t.protocol.sendFrame(t.peer, wr.Encode())
}

// onAcknowledgement transmits the acknowledged window of blocks, or finishes
// the transfer when the acknowledgement covers the end-of-stream block.
func (t *OutgoingTransfer) onAcknowledgement(f *Acknowledgement) []func() {
	p := t.protocol
	t.acked = true
	t.attempt = 0
	t.updated = p.clk.Now()

	if int(f.Number) > t.blockCount {
		return t.finish(nil)
	}

	window := int(f.WindowSize)
	if window > maxWindowSize {
		window = maxWindowSize
	}

	var frames [][]byte
	for i := int(f.Number); i < int(f.Number)+window; i++ {
		frames = append(frames, (&Data{
			BlockIndex: uint32(i),
			Nonce:      t.nonce,
			Payload:    t.block(i),
		}).Encode())
		if i >= t.blockCount {
			// Zero-length end-of-stream block sent; nothing follows.
			break
		}
	}

	peer := t.peer
	return []func(){func() {
		for _, frame := range frames {
			p.sendFrame(peer, frame)
		}
	}}
}

// block returns the payload for an absolute block index; past the end of the
// data it is the zero-length end-of-stream marker.
func (t *OutgoingTransfer) block(i int) []byte {
	if i >= t.blockCount {
		return []byte{}
	}
	start := i * t.protocol.blockSize
	end := start + t.protocol.blockSize
	if end > len(t.data) {
		end = len(t.data)
	}
	return t.data[start:end]
}

// finish resolves the transfer and promotes the next queued send.
func (t *OutgoingTransfer) finish(err error) []func() {
	if t.finished {
		return nil
	}
	p := t.protocol
	t.finished = true
	delete(p.outgoing, t.peer)
	t.resolveLocked(Result{Peer: t.peer, Info: t.info, Data: t.data, Err: err})

	next := p.dequeueLocked(t.peer)
	if next == nil {
		return nil
	}
	return []func(){next.sendWriteRequest}
}

func (t *OutgoingTransfer) resolveLocked(res Result) {
	if t.resolved {
		return
	}
	t.resolved = true
	t.done <- res
}
