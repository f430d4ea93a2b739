package dispatcher

import (
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/tunnel"
)

// circuitPeerCacheSize bounds how many circuits' peer sets are tracked.
const circuitPeerCacheSize = 256

var (
	_ tunnel.PeerReaper   = (*Dispatcher)(nil)
	_ tunnel.DatagramSink = (*Dispatcher)(nil)
)

// Community is the circuit-side surface the dispatcher needs.
type Community interface {
	SelectCircuit(dest cell.Addr, hops int) *tunnel.Circuit
	SendData(c *tunnel.Circuit, dest cell.Addr, data []byte) error
}

// Dispatcher routes datagrams between local SOCKS5 sessions and circuits.
type Dispatcher struct {
	mu           sync.Mutex
	community    Community
	log          *slog.Logger
	socksServers []tunnel.Socks5Server

	// circuitPeers tracks the peers last observed per circuit, for
	// re-adding them when the circuit dies.
	circuitPeers *lru.Cache
	// sessions maps a circuit to the SOCKS5 session that last used it.
	sessions map[uint32]tunnel.Socks5Session
}

// New creates a dispatcher over the community.
func New(community Community, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	peers, _ := lru.New(circuitPeerCacheSize)
	return &Dispatcher{
		community:    community,
		log:          logger,
		circuitPeers: peers,
		sessions:     make(map[uint32]tunnel.Socks5Session),
	}
}

// SetSocksServers attaches the per-hop-count SOCKS5 servers and installs
// the dispatcher as their output stream.
func (d *Dispatcher) SetSocksServers(servers []tunnel.Socks5Server) {
	d.mu.Lock()
	d.socksServers = servers
	d.mu.Unlock()
	for _, server := range servers {
		server.SetOutputStream(d)
	}
}

// OnSocks5Data routes one outgoing datagram from a SOCKS5 session with the
// given requested hop count. When no circuit is available the datagram is
// dropped silently (UDP semantics). Reports whether it was sent.
func (d *Dispatcher) OnSocks5Data(hops int, session tunnel.Socks5Session, dest cell.Addr, data []byte) bool {
	circ := d.community.SelectCircuit(dest, hops)
	if circ == nil {
		d.log.Debug("no circuit for datagram", "dest", dest, "hops", hops)
		return false
	}

	d.mu.Lock()
	d.sessions[circ.ID] = session
	d.mu.Unlock()
	d.trackPeer(circ.ID, dest)

	if err := d.community.SendData(circ, dest, data); err != nil {
		d.log.Debug("datagram send failed", "circuit", circ.ID, "error", err)
		return false
	}
	return true
}

// OnIncomingFromTunnel routes a datagram arriving on a circuit back to the
// session bound to it.
func (d *Dispatcher) OnIncomingFromTunnel(c *tunnel.Circuit, origin cell.Addr, data []byte) {
	d.mu.Lock()
	session := d.sessions[c.ID]
	d.mu.Unlock()
	if session == nil {
		d.log.Debug("no session for incoming datagram", "circuit", c.ID)
		return
	}
	d.trackPeer(c.ID, origin)
	if err := session.WriteUDP(origin, data); err != nil {
		d.log.Debug("session write failed", "circuit", c.ID, "error", err)
	}
}

// CircuitDead releases the circuit's associations and returns the peer
// addresses last observed using it, so they can be re-added once new
// circuits exist.
func (d *Dispatcher) CircuitDead(c *tunnel.Circuit) []cell.Addr {
	d.mu.Lock()
	delete(d.sessions, c.ID)
	d.mu.Unlock()

	v, ok := d.circuitPeers.Get(c.ID)
	if !ok {
		return nil
	}
	d.circuitPeers.Remove(c.ID)

	set := v.(mapset.Set)
	out := make([]cell.Addr, 0, set.Cardinality())
	for _, p := range set.ToSlice() {
		out = append(out, p.(cell.Addr))
	}
	return out
}

func (d *Dispatcher) trackPeer(circuitID uint32, peer cell.Addr) {
	v, ok := d.circuitPeers.Get(circuitID)
	if !ok {
		v = mapset.NewSet()
		d.circuitPeers.Add(circuitID, v)
	}
	v.(mapset.Set).Add(peer)
}
