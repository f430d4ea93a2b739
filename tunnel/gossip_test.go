package tunnel

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/eva"
)

func TestMetadataGossipRoundTrip(t *testing.T) {
	tn := newTestNet()
	a := tn.addNode(t, 1000, DefaultSettings())
	b := tn.addNode(t, 1001, DefaultSettings())

	notifier := &recordingNotifier{}
	b.comm.Setup(notifier, nil, nil, nil)

	opts := eva.Options{BlockSize: 16, WindowSize: 4, Clock: clock.NewMock()}
	var evaA, evaB *eva.Protocol
	evaA = eva.NewProtocol(func(_ cell.Addr, frame []byte) error {
		evaB.ReceiveFrame(a.addr, frame)
		return nil
	}, opts)
	evaB = eva.NewProtocol(func(_ cell.Addr, frame []byte) error {
		evaA.ReceiveFrame(b.addr, frame)
		return nil
	}, opts)
	b.comm.AttachEVA(evaB)

	metadata := map[string]any{"title": "some torrent", "size": int64(12345)}
	done, err := a.comm.SendMetadata(evaA, b.addr, metadata)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("metadata transfer did not complete")
	}

	require.Len(t, notifier.metadata, 1)
	require.Equal(t, "some torrent", notifier.metadata[0]["title"])
}

func TestNonBencodedMetadataDropped(t *testing.T) {
	tn := newTestNet()
	b := tn.addNode(t, 1001, DefaultSettings())
	notifier := &recordingNotifier{}
	b.comm.Setup(notifier, nil, nil, nil)

	p := eva.NewProtocol(func(cell.Addr, []byte) error { return nil }, eva.Options{Clock: clock.NewMock()})
	b.comm.AttachEVA(p)

	peer, _ := cell.AddrFrom("1.1.1.1", 1)
	p.OnReceive(peer, []byte("torrent-metadata"), []byte("not bencoded"))
	require.Empty(t, notifier.metadata)

	valid, err := bencode.EncodeBytes(map[string]any{"k": "v"})
	require.NoError(t, err)
	p.OnReceive(peer, []byte("torrent-metadata"), valid)
	require.Len(t, notifier.metadata, 1)
}
