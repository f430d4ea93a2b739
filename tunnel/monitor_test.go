package tunnel

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/tribler/tunnel-go/cell"
)

type fakeDownload struct {
	hops      int
	infoHash  [cell.InfoHashLen]byte
	status    DownloadStatus
	hidden    bool
	peers     []cell.Addr
	announces int
}

func (d *fakeDownload) Hops() int                       { return d.hops }
func (d *fakeDownload) InfoHash() [cell.InfoHashLen]byte { return d.infoHash }
func (d *fakeDownload) Status() DownloadStatus          { return d.status }
func (d *fakeDownload) AddPeer(a cell.Addr)             { d.peers = append(d.peers, a) }
func (d *fakeDownload) ForceDHTAnnounce()               { d.announces++ }
func (d *fakeDownload) Hidden() bool                    { return d.hidden }

type fakeState struct {
	dl        *fakeDownload
	peerCount int
}

func (s *fakeState) Download() Download     { return s.dl }
func (s *fakeState) Status() DownloadStatus { return s.dl.status }
func (s *fakeState) PeerCount() int         { return s.peerCount }

type fakeDM struct {
	downloads  []*fakeDownload
	hasSession bool
	listen     map[string]uint16
	ipFilters  [][]string
}

func (m *fakeDM) Downloads() []Download {
	out := make([]Download, len(m.downloads))
	for i, d := range m.downloads {
		out[i] = d
	}
	return out
}

func (m *fakeDM) LastDownloadStates() []DownloadState {
	out := make([]DownloadState, len(m.downloads))
	for i, d := range m.downloads {
		out[i] = &fakeState{dl: d}
	}
	return out
}

func (m *fakeDM) HasSession(int) bool { return m.hasSession }
func (m *fakeDM) ListenPorts(int) map[string]uint16 {
	return m.listen
}
func (m *fakeDM) UpdateIPFilter(_ int, ips []string) {
	m.ipFilters = append(m.ipFilters, ips)
}

func monitorNode(t *testing.T) (*testNode, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	tn := newTestNet()
	node := tn.addNode(t, 1000, DefaultSettings())
	node.comm.clk = mock
	return node, mock
}

func readyDataCircuit(c *Community, id uint32, hops int) *Circuit {
	circ := newCircuit(id, hops, CircuitData, FlagExitBT, c.clk.Now())
	for i := 0; i < hops; i++ {
		circ.addHop(&Hop{})
	}
	c.mu.Lock()
	c.circuits[id] = circ
	c.mu.Unlock()
	return circ
}

func TestSwarmRejoinSuppression(t *testing.T) {
	node, _ := monitorNode(t)
	c := node.comm

	dl := &fakeDownload{hops: 1, infoHash: [cell.InfoHashLen]byte{0xAA}, status: StatusMetadata}
	dm := &fakeDM{downloads: []*fakeDownload{dl}}
	c.Setup(nil, dm, nil, nil)

	c.MonitorDownloads(dm.LastDownloadStates())

	ih := LookupInfoHash(dl.infoHash)
	require.True(t, c.InSwarm(ih))
	c.mu.Lock()
	joined := c.swarms[ih]
	c.mu.Unlock()

	// METADATA → DOWNLOADING must reuse the existing swarm infrastructure.
	dl.status = StatusDownloading
	c.MonitorDownloads(dm.LastDownloadStates())

	c.mu.Lock()
	after := c.swarms[ih]
	count := len(c.swarms)
	c.mu.Unlock()
	require.Same(t, joined, after, "swarm was re-joined")
	require.Equal(t, 1, count)

	// Stopping leaves the swarm.
	dl.status = StatusStopped
	c.MonitorDownloads(dm.LastDownloadStates())
	require.False(t, c.InSwarm(ih))
}

func TestJoinSwarmIdempotent(t *testing.T) {
	node, _ := monitorNode(t)
	c := node.comm

	ih := [cell.InfoHashLen]byte{1, 2, 3}
	c.JoinSwarm(ih, 1, true, nil)
	c.mu.Lock()
	first := c.swarms[ih]
	c.mu.Unlock()

	c.JoinSwarm(ih, 2, false, nil)
	c.mu.Lock()
	second := c.swarms[ih]
	c.mu.Unlock()

	require.Same(t, first, second)
	require.True(t, second.seeding, "original swarm parameters must survive a re-join")
}

func TestForcedAnnounceThrottle(t *testing.T) {
	node, mock := monitorNode(t)
	c := node.comm

	dl := &fakeDownload{hops: 1, infoHash: [cell.InfoHashLen]byte{0xBB}, status: StatusDownloading}
	dm := &fakeDM{downloads: []*fakeDownload{dl}, hasSession: true}
	c.Setup(nil, dm, nil, nil)
	readyDataCircuit(c, 1, 1)

	c.MonitorDownloads(dm.LastDownloadStates())
	require.Equal(t, 1, dl.announces)

	// Immediately again: throttled.
	c.MonitorDownloads(dm.LastDownloadStates())
	require.Equal(t, 1, dl.announces)

	mock.Add(59 * time.Second)
	c.MonitorDownloads(dm.LastDownloadStates())
	require.Equal(t, 1, dl.announces)

	mock.Add(time.Second)
	c.MonitorDownloads(dm.LastDownloadStates())
	require.Equal(t, 2, dl.announces)
}

func TestAnnounceRequiresCircuitAndSession(t *testing.T) {
	node, _ := monitorNode(t)
	c := node.comm

	dl := &fakeDownload{hops: 1, infoHash: [cell.InfoHashLen]byte{0xCC}, status: StatusDownloading}
	dm := &fakeDM{downloads: []*fakeDownload{dl}, hasSession: true}
	c.Setup(nil, dm, nil, nil)

	// No circuit for the hop count: no announce.
	c.MonitorDownloads(dm.LastDownloadStates())
	require.Equal(t, 0, dl.announces)

	// Circuit exists but no session: still no announce.
	readyDataCircuit(c, 1, 1)
	dm.hasSession = false
	c.MonitorDownloads(dm.LastDownloadStates())
	require.Equal(t, 0, dl.announces)
}

func TestCircuitsNeededClamped(t *testing.T) {
	node, _ := monitorNode(t)
	c := node.comm
	c.settings.MinCircuits = 2
	c.settings.MaxCircuits = 4

	var downloads []*fakeDownload
	for i := 0; i < 6; i++ {
		downloads = append(downloads, &fakeDownload{
			hops: 2, infoHash: [cell.InfoHashLen]byte{byte(i + 1)}, status: StatusDownloading,
		})
	}
	dm := &fakeDM{downloads: downloads}
	c.Setup(nil, dm, nil, nil)

	c.MonitorDownloads(dm.LastDownloadStates())

	c.mu.Lock()
	needed := c.circuitsNeeded[2]
	c.mu.Unlock()
	require.Equal(t, 4, needed, "needed must be clamped to max_circuits")

	// One download only: clamped up to min_circuits.
	dm.downloads = downloads[:1]
	c.MonitorDownloads(dm.LastDownloadStates())
	c.mu.Lock()
	needed = c.circuitsNeeded[2]
	c.mu.Unlock()
	require.Equal(t, 2, needed)
}

func TestHiddenDownloadsSkipped(t *testing.T) {
	node, _ := monitorNode(t)
	c := node.comm

	dl := &fakeDownload{hops: 1, infoHash: [cell.InfoHashLen]byte{0xDD}, status: StatusDownloading, hidden: true}
	dm := &fakeDM{downloads: []*fakeDownload{dl}}
	c.Setup(nil, dm, nil, nil)

	c.MonitorDownloads(dm.LastDownloadStates())
	require.False(t, c.InSwarm(LookupInfoHash(dl.infoHash)))
}

func TestReapLeftSwarmCircuits(t *testing.T) {
	node, _ := monitorNode(t)
	c := node.comm

	ih := [cell.InfoHashLen]byte{0xEE}
	circ := newCircuit(9, 1, CircuitRPDownloader, FlagExitIPv8, c.clk.Now())
	circ.InfoHash = ih
	circ.addHop(&Hop{})
	c.mu.Lock()
	c.circuits[9] = circ
	c.mu.Unlock()

	c.JoinSwarm(ih, 1, true, nil)
	c.reapLeftSwarmCircuits()
	require.Len(t, c.Circuits(), 1, "joined swarm circuit must survive")

	c.LeaveSwarm(ih)
	c.reapLeftSwarmCircuits()
	require.Empty(t, c.Circuits(), "left swarm circuit must be torn down")
}

type fakeSocksServer struct {
	sessions []Socks5Session
	out      DatagramSink
}

func (s *fakeSocksServer) Sessions() []Socks5Session      { return s.sessions }
func (s *fakeSocksServer) SetOutputStream(o DatagramSink) { s.out = o }

type fakeSocksSession struct {
	remote cell.Addr
	hasUDP bool
}

func (s *fakeSocksSession) HasUDP() bool                    { return s.hasUDP }
func (s *fakeSocksSession) RemoteUDPAddress() cell.Addr     { return s.remote }
func (s *fakeSocksSession) SetRemoteUDPAddress(a cell.Addr) { s.remote = a }
func (s *fakeSocksSession) WriteUDP(cell.Addr, []byte) error { return nil }

func TestBindSocksSessionsPicksNonLoopbackPort(t *testing.T) {
	node, _ := monitorNode(t)
	c := node.comm

	session := &fakeSocksSession{hasUDP: true}
	bound := &fakeSocksSession{hasUDP: true}
	bound.remote, _ = cell.AddrFrom("127.0.0.1", 555)
	noUDP := &fakeSocksSession{}

	dm := &fakeDM{listen: map[string]uint16{"127.0.0.1": 1, "192.168.1.5": 7777}}
	c.Setup(nil, dm, nil, []Socks5Server{&fakeSocksServer{sessions: []Socks5Session{session, bound, noUDP}}})

	c.bindSocksSessions(1)

	require.EqualValues(t, 7777, session.remote.Port)
	require.Equal(t, "127.0.0.1:7777", session.remote.String())
	// Already-bound and non-UDP sessions are untouched.
	require.EqualValues(t, 555, bound.remote.Port)
	require.True(t, noUDP.remote.IsZero())
}

func TestOnE2EFinishedInjectsPeer(t *testing.T) {
	node, _ := monitorNode(t)
	c := node.comm

	dl := &fakeDownload{hops: 1, infoHash: [cell.InfoHashLen]byte{0x11}}
	dm := &fakeDM{downloads: []*fakeDownload{dl}}
	c.Setup(nil, dm, nil, nil)

	peer, _ := cell.AddrFrom("1.2.3.4", 2000)
	c.OnE2EFinished(peer, LookupInfoHash(dl.infoHash))
	require.Equal(t, []cell.Addr{peer}, dl.peers)

	// Unknown download: dropped with a warning, no panic.
	c.OnE2EFinished(peer, [cell.InfoHashLen]byte{0xFF})
	require.Len(t, dl.peers, 1)
}
