package eva

import (
	"bytes"
	"time"

	"github.com/tribler/tunnel-go/cell"
)

// IncomingTransfer is the receiver side of one windowed transfer. All methods
// run with the protocol lock held; they return deferred actions to execute
// after the lock is released.
type IncomingTransfer struct {
	protocol      *Protocol
	peer          cell.Addr
	info          []byte
	nonce         uint64
	dataSize      uint64
	bytesReceived uint64
	attempt       int
	updated       time.Time
	finished      bool
	lastWindow    bool
	window        *TransferWindow
	dataList      [][]byte
}

func newIncomingTransfer(p *Protocol, peer cell.Addr, f *WriteRequest) *IncomingTransfer {
	return &IncomingTransfer{
		protocol: p,
		peer:     peer,
		info:     append([]byte(nil), f.Info...),
		nonce:    f.Nonce,
		dataSize: f.DataSize,
		updated:  p.clk.Now(),
	}
}

// onData places one block. Blocks below the window start and above its end
// are ignored; the next acknowledgement re-requests anything missing.
func (t *IncomingTransfer) onData(f *Data) []func() {
	p := t.protocol
	if t.window == nil {
		t.window = NewTransferWindow(0, p.windowSize)
	}

	index := int(f.BlockIndex)
	if len(f.Payload) == 0 {
		t.lastWindow = true
		t.window.Shrink(index)
	}

	before := t.window.Processed
	t.window.Add(index, f.Payload)
	if t.window.Processed > before {
		t.bytesReceived += uint64(len(f.Payload))
		if t.bytesReceived > t.dataSize {
			return []func(){p.terminateIncomingLocked(t, ErrSizeExceeded, true)}
		}
	}

	t.attempt = 0
	t.updated = p.clk.Now()

	if !t.window.IsFinished() {
		return nil
	}

	ack := t.makeAcknowledgement()
	fns := []func(){func() { p.sendFrame(t.peer, ack.Encode()) }}
	if t.lastWindow {
		fns = append(fns, t.finishLocked()...)
	}
	return fns
}

// makeAcknowledgement flushes the window's filled prefix into dataList,
// advances the window and returns the acknowledgement for its new start.
func (t *IncomingTransfer) makeAcknowledgement() *Acknowledgement {
	p := t.protocol
	if t.window != nil {
		t.dataList = append(t.dataList, t.window.ConsecutiveBlocks()...)
		t.window = NewTransferWindow(len(t.dataList), p.windowSize)
	} else {
		t.window = NewTransferWindow(0, p.windowSize)
	}
	return &Acknowledgement{
		Number:     uint32(t.window.Start),
		WindowSize: uint32(len(t.window.Blocks)),
		Nonce:      t.nonce,
	}
}

// finishLocked completes the transfer: assemble the data in block order,
// release the block list, remove self from the protocol and notify.
func (t *IncomingTransfer) finishLocked() []func() {
	p := t.protocol
	t.finished = true
	data := bytes.Join(t.dataList, nil)
	t.dataList = nil
	delete(p.incoming, t.peer)

	peer, info, nonce := t.peer, t.info, t.nonce
	cb := p.OnReceive
	return []func(){func() {
		p.sendFrame(peer, (&Done{Nonce: nonce}).Encode())
		if cb != nil {
			cb(peer, info, data)
		}
	}}
}
