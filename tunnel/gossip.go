package tunnel

import (
	"fmt"

	"github.com/zeebo/bencode"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/eva"
)

// metadataTransferInfo tags EVA transfers carrying torrent metadata.
const metadataTransferInfo = "torrent-metadata"

// AttachEVA wires the EVA protocol into the community for bulk metadata
// exchange: completed transfers tagged as metadata are bdecoded and
// published on the notifier.
func (c *Community) AttachEVA(p *eva.Protocol) {
	p.OnReceive = func(peer cell.Addr, info, data []byte) {
		if string(info) != metadataTransferInfo {
			c.log.Debug("ignoring unknown eva transfer", "peer", peer, "info", string(info))
			return
		}
		var metadata map[string]any
		if err := bencode.DecodeBytes(data, &metadata); err != nil {
			c.log.Warn("metadata transfer not bencoded", "peer", peer, "error", err)
			return
		}
		c.mu.Lock()
		notifier := c.notifier
		c.mu.Unlock()
		if notifier != nil {
			notifier.TorrentMetadataAdded(metadata)
		}
	}
}

// SendMetadata pushes a metadata dictionary to a peer over EVA.
func (c *Community) SendMetadata(p *eva.Protocol, peer cell.Addr, metadata map[string]any) (<-chan eva.Result, error) {
	data, err := bencode.EncodeBytes(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return p.Send(peer, []byte(metadataTransferInfo), data)
}
