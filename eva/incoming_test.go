package eva

import (
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/tribler/tunnel-go/cell"
)

func newTestIncoming(t *testing.T, windowSize int) (*Protocol, *IncomingTransfer) {
	t.Helper()
	p := NewProtocol(
		func(cell.Addr, []byte) error { return nil },
		Options{BlockSize: 10, WindowSize: windowSize, Clock: clock.NewMock()},
	)
	peer, _ := cell.AddrFrom("1.2.3.4", 5000)
	tr := newIncomingTransfer(p, peer, &WriteRequest{DataSize: 100, Nonce: 7, Info: []byte("info")})
	p.incoming[peer] = tr
	return p, tr
}

func TestOnDataNormalPacket(t *testing.T) {
	_, tr := newTestIncoming(t, 10)
	tr.window = NewTransferWindow(0, 10)
	tr.attempt = 2

	actions := tr.onData(&Data{BlockIndex: 3, Nonce: 7, Payload: []byte("data")})

	require.Equal(t, []byte("data"), tr.window.Blocks[3])
	require.Equal(t, 0, tr.attempt)
	// Window not finished: no acknowledgement yet.
	require.Empty(t, actions)
}

func TestOnDataWindowIsFinished(t *testing.T) {
	_, tr := newTestIncoming(t, 2)
	tr.window = NewTransferWindow(0, 2)
	tr.window.Add(0, []byte("aaaaaaaaaa"))
	tr.attempt = 2

	actions := tr.onData(&Data{BlockIndex: 1, Nonce: 7, Payload: []byte("bbbbbbbbbb")})

	require.Equal(t, 0, tr.attempt)
	require.NotEmpty(t, actions)
	require.False(t, tr.finished)
	require.Len(t, tr.dataList, 2)
}

func TestOnDataFinalPacket(t *testing.T) {
	_, tr := newTestIncoming(t, 10)
	tr.window = NewTransferWindow(0, 10)

	tr.onData(&Data{BlockIndex: 3, Nonce: 7, Payload: nil})

	require.True(t, tr.lastWindow)
	require.Len(t, tr.window.Blocks, 4)
}

func TestMakeAcknowledgementNoWindow(t *testing.T) {
	p, tr := newTestIncoming(t, 16)
	require.Nil(t, tr.window)

	ack := tr.makeAcknowledgement()

	require.NotNil(t, tr.window)
	require.EqualValues(t, 0, ack.Number)
	require.EqualValues(t, p.windowSize, ack.WindowSize)
}

func TestMakeAcknowledgementNextWindow(t *testing.T) {
	p, tr := newTestIncoming(t, 7)
	tr.window = NewTransferWindow(10, 7)
	tr.window.Blocks = [][]byte{[]byte("d"), []byte("a"), []byte("t"), []byte("a"), nil, nil, nil}

	ack := tr.makeAcknowledgement()

	require.Len(t, tr.dataList, 4)
	require.Equal(t, 4, tr.window.Start)
	require.Equal(t, 0, tr.window.Processed)
	require.Len(t, tr.window.Blocks, p.windowSize)
	require.EqualValues(t, 4, ack.Number)
	require.EqualValues(t, p.windowSize, ack.WindowSize)
}

func TestFinishReleasesTransfer(t *testing.T) {
	p, tr := newTestIncoming(t, 10)
	tr.dataList = [][]byte{[]byte("data"), []byte("list")}

	var gotInfo, gotData []byte
	p.OnReceive = func(_ cell.Addr, info, data []byte) { gotInfo, gotData = info, data }

	runAll(tr.finishLocked())

	require.Nil(t, tr.dataList)
	require.Empty(t, p.incoming)
	require.Equal(t, []byte("info"), gotInfo)
	require.Equal(t, []byte("datalist"), gotData)
}

func TestOnDataSizeExceeded(t *testing.T) {
	p, tr := newTestIncoming(t, 10)
	tr.dataSize = 5
	tr.window = NewTransferWindow(0, 10)

	var sent [][]byte
	p.send = func(_ cell.Addr, frame []byte) error {
		sent = append(sent, frame)
		return nil
	}

	actions := tr.onData(&Data{BlockIndex: 0, Nonce: 7, Payload: []byte("too much data")})
	runAll(actions)

	require.True(t, tr.finished)
	require.Empty(t, p.incoming)
	require.NotEmpty(t, sent)
	require.Equal(t, frameError, sent[0][0])
}
