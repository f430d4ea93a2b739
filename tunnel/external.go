package tunnel

import (
	"time"

	"github.com/tribler/tunnel-go/cell"
)

// DownloadStatus mirrors the libtorrent-side state of a download.
type DownloadStatus int

const (
	StatusStopped DownloadStatus = iota
	StatusMetadata
	StatusDownloading
	StatusSeeding
)

// activeStates are the states in which a download needs tunnel resources.
func (s DownloadStatus) active() bool {
	return s == StatusDownloading || s == StatusSeeding || s == StatusMetadata
}

// Download is the community's view of one libtorrent download.
type Download interface {
	Hops() int
	InfoHash() [20]byte
	Status() DownloadStatus
	AddPeer(addr cell.Addr)
	ForceDHTAnnounce()
	Hidden() bool
}

// DownloadState is a snapshot of one download, as published by the download
// manager at its polling interval.
type DownloadState interface {
	Download() Download
	Status() DownloadStatus
	PeerCount() int
}

// DownloadManager is the external libtorrent session wrapper.
type DownloadManager interface {
	Downloads() []Download
	LastDownloadStates() []DownloadState
	HasSession(hops int) bool
	// ListenPorts maps listen interface to port for the session with the
	// given hop count.
	ListenPorts(hops int) map[string]uint16
	UpdateIPFilter(hops int, ips []string)
}

// Socks5Session is one UDP association on a SOCKS5 server.
type Socks5Session interface {
	HasUDP() bool
	RemoteUDPAddress() cell.Addr
	SetRemoteUDPAddress(addr cell.Addr)
	// WriteUDP delivers a datagram received from the tunnel back to the
	// local BitTorrent engine.
	WriteUDP(from cell.Addr, data []byte) error
}

// DatagramSink receives outgoing datagrams from SOCKS5 sessions; the
// dispatcher installs itself as each server's output stream.
type DatagramSink interface {
	OnSocks5Data(hops int, session Socks5Session, dest cell.Addr, data []byte) bool
}

// Socks5Server is the per-hop-count SOCKS5 server. Servers are indexed by
// hops-1 in the slice passed to Community.Setup.
type Socks5Server interface {
	Sessions() []Socks5Session
	SetOutputStream(out DatagramSink)
}

// Notifier is the event bus out of the core.
type Notifier interface {
	CircuitRemoved(circuit *Circuit, additionalInfo string)
	TunnelRemoved(circuitID uint32, bytesUp, bytesDown uint64, uptime time.Duration, additionalInfo string)
	PeerDisconnected(peerKey []byte)
	TorrentMetadataAdded(metadata map[string]any)
}

// PeerReaper is the dispatcher's teardown hook: it returns the peer
// addresses last observed on the circuit so they can be re-added later.
type PeerReaper interface {
	CircuitDead(c *Circuit) []cell.Addr
}
