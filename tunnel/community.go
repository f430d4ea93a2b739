package tunnel

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	mapset "github.com/deckarep/golang-set"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/endpoint"
	"github.com/tribler/tunnel-go/ntor"
	"github.com/tribler/tunnel-go/reqcache"
)

// Errors surfaced to callers.
var (
	ErrNoCircuit     = errors.New("tunnel: no circuit available")
	ErrCircuitClosed = errors.New("tunnel: circuit closed")
)

// exitCandidateCacheSize bounds the verified exit-peer LRU.
const exitCandidateCacheSize = 100

// Settings configure a community.
type Settings struct {
	MaxJoinedCircuits int
	MinCircuits       int
	MaxCircuits       int
	DefaultHops       int
	ExitNodeEnabled   bool
	ExitNodeCachePath string
	PeerFlags         uint16
	// BuildTimeout is the per-hop extension TTL.
	BuildTimeout time.Duration
	// MaxBuildAttempts bounds the attempts per logical circuit request.
	MaxBuildAttempts int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxJoinedCircuits: 100,
		MinCircuits:       1,
		MaxCircuits:       8,
		DefaultHops:       1,
		PeerFlags:         FlagRelay,
		BuildTimeout:      10 * time.Second,
		MaxBuildAttempts:  3,
	}
}

// MessageSender abstracts the endpoint for the community.
type MessageSender interface {
	Send(to cell.Addr, frameType uint8, payload []byte) error
	PublicKey() ed25519.PublicKey
	LocalAddr() cell.Addr
}

// Candidate is a sampled overlay peer.
type Candidate struct {
	Addr      cell.Addr
	PublicKey ed25519.PublicKey
	Flags     uint16
	LastUsed  time.Time
}

// Community owns the circuit, relay and exit-socket registries and all cell
// handling for this node.
type Community struct {
	mu       sync.Mutex
	settings Settings
	sender   MessageSender
	identity ed25519.PrivateKey
	clk      clock.Clock
	log      *slog.Logger
	requests *reqcache.Cache
	metrics  *Metrics

	circuits    map[uint32]*Circuit
	relays      map[uint32]*Relay
	exitSockets map[uint32]*ExitSocket

	candidates     mapset.Set // of cell.Addr
	candidateInfo  map[cell.Addr]*Candidate
	exitCandidates *lru.Cache // cell.Addr → *Candidate with FlagExitBT

	dispatcher   PeerReaper
	notifier     Notifier
	dm           DownloadManager
	socksServers []Socks5Server

	// DataHandler receives tunneled datagrams arriving on circuits we own.
	DataHandler func(c *Circuit, origin cell.Addr, data []byte)
	// RejectCallback observes refused join requests.
	RejectCallback func(at time.Time, joined int)

	// Hidden-swarm state.
	swarms      map[[cell.InfoHashLen]byte]*swarm
	rendPoints  map[[cell.CookieLen]byte]uint32              // cookie → waiting circuit id (RP role)
	intros      map[[cell.InfoHashLen]byte]map[uint32]uint32 // infohash → set of intro circuit ids (intro-point role)
	e2ePeers    map[cell.Addr]uint32                         // pseudo address → RP circuit id

	// Outstanding build requests per circuit, for retry bookkeeping, and
	// the target node of each circuit's in-flight extension.
	buildReqs     map[uint32]*buildRequest
	extendTargets map[uint32]cell.Addr

	// Download-monitor state.
	downloadStates     map[[cell.InfoHashLen]byte]DownloadStatus
	lastForcedAnnounce map[[cell.InfoHashLen]byte]time.Time
	circuitsNeeded     map[int]int
	bittorrentPeers    map[[cell.InfoHashLen]byte]mapset.Set

	monitorStop chan struct{}
	closed      bool
}

// Option mutates optional construction parameters.
type Option func(*Community)

// WithClock injects a clock (tests).
func WithClock(clk clock.Clock) Option {
	return func(c *Community) { c.clk = clk }
}

// WithLogger injects a logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Community) { c.log = l }
}

// New creates a community. Collaborators are attached with Setup before the
// endpoint starts delivering frames.
func New(identity ed25519.PrivateKey, sender MessageSender, settings Settings, opts ...Option) *Community {
	c := &Community{
		settings:           settings,
		sender:             sender,
		identity:           identity,
		clk:                clock.New(),
		log:                slog.Default(),
		circuits:           make(map[uint32]*Circuit),
		relays:             make(map[uint32]*Relay),
		exitSockets:        make(map[uint32]*ExitSocket),
		candidates:         mapset.NewSet(),
		candidateInfo:      make(map[cell.Addr]*Candidate),
		swarms:             make(map[[cell.InfoHashLen]byte]*swarm),
		rendPoints:         make(map[[cell.CookieLen]byte]uint32),
		intros:             make(map[[cell.InfoHashLen]byte]map[uint32]uint32),
		e2ePeers:           make(map[cell.Addr]uint32),
		buildReqs:          make(map[uint32]*buildRequest),
		extendTargets:      make(map[uint32]cell.Addr),
		downloadStates:     make(map[[cell.InfoHashLen]byte]DownloadStatus),
		lastForcedAnnounce: make(map[[cell.InfoHashLen]byte]time.Time),
		circuitsNeeded:     make(map[int]int),
		bittorrentPeers:    make(map[[cell.InfoHashLen]byte]mapset.Set),
		metrics:            newMetrics(),
		monitorStop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.requests = reqcache.New(c.clk, c.log)
	c.exitCandidates, _ = lru.New(exitCandidateCacheSize)

	if settings.ExitNodeEnabled {
		c.settings.PeerFlags |= FlagExitBT | FlagExitIPv8 | FlagExitHTTP
	}
	return c
}

// Setup attaches the external collaborators.
func (c *Community) Setup(notifier Notifier, dm DownloadManager, dispatcher PeerReaper, socksServers []Socks5Server) {
	c.mu.Lock()
	c.notifier = notifier
	c.dm = dm
	c.dispatcher = dispatcher
	c.socksServers = socksServers
	c.mu.Unlock()
}

// Register installs the community's frame handlers on the endpoint.
func (c *Community) Register(e *endpoint.Endpoint) {
	e.RegisterHandler(endpoint.FrameCell, c.OnCellFrame)
	e.RegisterHandler(endpoint.FrameIntroduction, c.OnIntroductionFrame)
}

// Metrics exposes the community counters.
func (c *Community) Metrics() *Metrics { return c.metrics }

// Settings returns the community settings.
func (c *Community) Settings() Settings { return c.settings }

// --- candidate sampling -----------------------------------------------------

// Introduction frame kinds.
const (
	introRequest  uint8 = 0
	introResponse uint8 = 1
)

// Bootstrap sends introduction requests to the given addresses.
func (c *Community) Bootstrap(addrs []cell.Addr) {
	for _, a := range addrs {
		c.sendIntroduction(a, introRequest)
	}
}

func (c *Community) sendIntroduction(to cell.Addr, kind uint8) {
	payload := []byte{kind, byte(c.settings.PeerFlags >> 8), byte(c.settings.PeerFlags)}
	if err := c.sender.Send(to, endpoint.FrameIntroduction, payload); err != nil {
		c.log.Debug("introduction send failed", "to", to, "error", err)
	}
}

// OnIntroductionFrame handles peer-sampling traffic.
func (c *Community) OnIntroductionFrame(from cell.Addr, senderKey ed25519.PublicKey, payload []byte) {
	if len(payload) < 3 {
		return
	}
	kind := payload[0]
	flags := uint16(payload[1])<<8 | uint16(payload[2])
	c.AddCandidate(from, senderKey, flags)
	if kind == introRequest {
		c.sendIntroduction(from, introResponse)
	}
}

// AddCandidate records a sampled peer.
func (c *Community) AddCandidate(addr cell.Addr, key ed25519.PublicKey, flags uint16) {
	c.mu.Lock()
	cand, ok := c.candidateInfo[addr]
	if !ok {
		cand = &Candidate{Addr: addr}
		c.candidateInfo[addr] = cand
		c.candidates.Add(addr)
	}
	cand.PublicKey = key
	cand.Flags = flags
	c.mu.Unlock()

	if flags&FlagExitBT != 0 {
		c.exitCandidates.Add(addr, cand)
	}
}

// RemoveCandidate drops a sampled peer and notifies the disconnect.
func (c *Community) RemoveCandidate(addr cell.Addr) {
	c.mu.Lock()
	cand, ok := c.candidateInfo[addr]
	if ok {
		delete(c.candidateInfo, addr)
		c.candidates.Remove(addr)
	}
	notifier := c.notifier
	c.mu.Unlock()

	c.exitCandidates.Remove(addr)
	if ok && notifier != nil {
		notifier.PeerDisconnected(cand.PublicKey)
	}
}

// Candidates returns the sampled peers carrying every given flag, least
// recently used first.
func (c *Community) Candidates(flags uint16) []*Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.candidatesLocked(flags)
}

func (c *Community) candidatesLocked(flags uint16) []*Candidate {
	var out []*Candidate
	for _, cand := range c.candidateInfo {
		if cand.Flags&flags == flags {
			out = append(out, cand)
		}
	}
	// LRU tie-break: oldest LastUsed first.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastUsed.Before(out[j-1].LastUsed); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// --- registry ---------------------------------------------------------------

// circuitIDUnusedLocked reports whether the id is absent from all three maps
// (circuit-id uniqueness invariant).
func (c *Community) circuitIDUnusedLocked(id uint32) bool {
	if id == 0 {
		return false
	}
	_, inC := c.circuits[id]
	_, inR := c.relays[id]
	_, inE := c.exitSockets[id]
	return !inC && !inR && !inE
}

// Circuits returns a snapshot of the circuits we initiated.
func (c *Community) Circuits() []*Circuit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Circuit, 0, len(c.circuits))
	for _, circ := range c.circuits {
		out = append(out, circ)
	}
	return out
}

// JoinedCircuits returns |relays| + |exit_sockets|.
func (c *Community) JoinedCircuits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.relays) + len(c.exitSockets)
}

// FindCircuits returns READY circuits matching the filter. Zero filter
// fields match anything.
type CircuitFilter struct {
	Hops      int
	Ctype     CircuitType
	HasCtype  bool
	ExitFlags uint16
	InfoHash  *[cell.InfoHashLen]byte
}

func (c *Community) FindCircuits(f CircuitFilter) []*Circuit {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Circuit
	for _, circ := range c.circuits {
		if circ.State() != StateReady {
			continue
		}
		if f.Hops != 0 && circ.GoalHops != f.Hops {
			continue
		}
		if f.HasCtype && circ.Ctype != f.Ctype {
			continue
		}
		if f.ExitFlags != 0 && circ.ExitFlags&f.ExitFlags != f.ExitFlags {
			continue
		}
		if f.InfoHash != nil && circ.InfoHash != *f.InfoHash {
			continue
		}
		out = append(out, circ)
	}
	return out
}

// SelectCircuit picks a circuit for an outgoing datagram: an e2e circuit
// bound to the destination pseudo-address wins, otherwise any READY data
// circuit with the right hop count and BT exit.
func (c *Community) SelectCircuit(dest cell.Addr, hops int) *Circuit {
	c.mu.Lock()
	if cid, ok := c.e2ePeers[dest]; ok {
		if circ := c.circuits[cid]; circ != nil && circ.State() == StateReady {
			c.mu.Unlock()
			return circ
		}
	}
	c.mu.Unlock()

	candidates := c.FindCircuits(CircuitFilter{Hops: hops, ExitFlags: FlagExitBT, Ctype: CircuitData, HasCtype: true})
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// --- cell dispatch ----------------------------------------------------------

// OnCellFrame routes one tunnel cell.
func (c *Community) OnCellFrame(from cell.Addr, senderKey ed25519.PublicKey, payload []byte) {
	cl, err := cell.Parse(payload)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		c.log.Debug("dropping malformed cell", "from", from, "error", err)
		return
	}
	cid := cl.CircuitID()

	switch cl.MessageType() {
	case cell.TypeCreate:
		c.onCreate(from, senderKey, cid, cl.Payload())
		return
	case cell.TypeCreated:
		c.onCreated(from, cid, cl.Payload())
		return
	case cell.TypeDestroy:
		c.onDestroy(from, cid, cl.Payload())
		return
	}

	// Relay fast path: crypt one layer, swap the id, forward.
	c.mu.Lock()
	relay := c.relays[cid]
	c.mu.Unlock()
	if relay != nil {
		data, err := relayCrypt(relay, cl.Payload())
		if err != nil {
			c.metrics.CellsDropped.Inc(1)
			c.log.Warn("relay crypt failed", "circuit", cid, "error", err)
			return
		}
		relay.bytesRelayed.Add(uint64(len(data)))
		c.metrics.CellsRelayed.Inc(1)
		c.sendCellRaw(relay.Peer, cell.New(relay.CircuitID, cl.MessageType(), data))
		return
	}

	c.mu.Lock()
	circ := c.circuits[cid]
	es := c.exitSockets[cid]
	c.mu.Unlock()

	switch {
	case circ != nil:
		c.onCircuitCell(circ, cl)
	case es != nil:
		c.onExitCell(es, cl)
	default:
		c.metrics.CellsDropped.Inc(1)
		c.log.Debug("cell for unknown circuit", "circuit", cid, "type", cl.MessageType(), "from", from)
	}
}

// onCircuitCell handles a backward cell on a circuit we initiated.
func (c *Community) onCircuitCell(circ *Circuit, cl cell.Cell) {
	if st := circ.State(); st != StateReady && st != StateBuilding && st != StateExtending {
		c.metrics.CellsDropped.Inc(1)
		c.log.Debug("dropping cell on closing circuit", "circuit", circ.ID, "state", st.String())
		return
	}

	data, err := decryptIncoming(circ.Hops(), cl.Payload())
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		c.log.Warn("circuit decrypt failed", "circuit", circ.ID, "error", err)
		return
	}

	switch cl.MessageType() {
	case cell.TypeExtended:
		c.onExtended(circ, data)
	case cell.TypeData:
		// Data cells are accepted in READY only.
		if circ.State() != StateReady {
			c.metrics.CellsDropped.Inc(1)
			c.log.Debug("dropping data cell on non-ready circuit", "circuit", circ.ID)
			return
		}
		p, err := cell.DecodeData(data)
		if err != nil {
			c.metrics.CellsDropped.Inc(1)
			return
		}
		circ.bytesDown.Add(uint64(len(p.Data)))
		c.metrics.BytesDown.Mark(int64(len(p.Data)))
		if c.DataHandler != nil {
			c.DataHandler(circ, p.Origin, p.Data)
		}
	case cell.TypeIntroEstablished:
		c.onIntroEstablished(circ, data)
	case cell.TypeRendezvousEstablished:
		c.onRendezvousEstablished(circ, data)
	case cell.TypeIntroduce:
		c.onIntroduceAtSeeder(circ, data)
	case cell.TypeHTTPResponse:
		c.onHTTPResponse(circ, data)
	default:
		c.metrics.CellsDropped.Inc(1)
		c.log.Debug("unexpected cell type on circuit", "circuit", circ.ID, "type", cl.MessageType())
	}
}

// onExitCell handles a forward cell at the terminal position.
func (c *Community) onExitCell(es *ExitSocket, cl cell.Cell) {
	data, err := decryptLayer(es.Keys.Forward, cl.Payload())
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		c.log.Warn("exit decrypt failed", "circuit", es.CircuitID, "error", err)
		return
	}

	switch cl.MessageType() {
	case cell.TypeExtend:
		c.onExtend(es, data)
	case cell.TypeData:
		p, err := cell.DecodeData(data)
		if err != nil {
			c.metrics.CellsDropped.Inc(1)
			return
		}
		if p.Dest.IsZero() {
			c.metrics.CellsDropped.Inc(1)
			return
		}
		if err := es.SendToInternet(p.Dest, p.Data); err != nil {
			c.log.Warn("exit forward failed", "circuit", es.CircuitID, "error", err)
		}
	case cell.TypeEstablishIntro:
		c.onEstablishIntro(es, data)
	case cell.TypeEstablishRendezvous:
		c.onEstablishRendezvous(es, data)
	case cell.TypeIntroduce:
		c.onIntroduceAtIntroPoint(es, data)
	case cell.TypeRendezvous:
		c.onRendezvousAtRP(es, data)
	case cell.TypeHTTPRequest:
		c.onHTTPRequest(es, data)
	default:
		c.metrics.CellsDropped.Inc(1)
		c.log.Debug("unexpected cell type at exit", "circuit", es.CircuitID, "type", cl.MessageType())
	}
}

// onCreate admits or refuses a join request.
func (c *Community) onCreate(from cell.Addr, senderKey ed25519.PublicKey, cid uint32, payload []byte) {
	p, err := cell.DecodeCreate(payload)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}

	c.mu.Lock()
	joined := len(c.relays) + len(c.exitSockets)
	if joined >= c.settings.MaxJoinedCircuits {
		reject := c.RejectCallback
		c.mu.Unlock()
		c.metrics.JoinsRefused.Inc(1)
		c.log.Warn("refusing joined circuit, too many relays", "joined", joined)
		if reject != nil {
			reject(c.clk.Now(), joined)
		}
		return
	}
	if !c.circuitIDUnusedLocked(cid) {
		c.mu.Unlock()
		c.log.Warn("refusing create for circuit id in use", "circuit", cid)
		return
	}
	c.mu.Unlock()

	serverData, km, err := ntor.Respond(c.identity, p.Handshake)
	if err != nil {
		c.log.Warn("create handshake failed", "from", from, "error", err)
		return
	}

	es := &ExitSocket{
		CircuitID: cid,
		Peer:      from,
		Keys:      km,
		Flags:     c.settings.PeerFlags,
		CreatedAt: c.clk.Now(),
	}
	es.deliver = func(origin cell.Addr, data []byte) {
		c.sendBackwardData(es, origin, data)
	}

	c.mu.Lock()
	c.exitSockets[cid] = es
	cands := c.candidatesLocked(FlagRelay)
	c.mu.Unlock()

	created := &cell.CreatedPayload{Identifier: p.Identifier, Handshake: serverData}
	for i := 0; i < len(cands) && i < 4; i++ {
		created.Candidates = append(created.Candidates, cands[i].Addr)
	}
	c.sendCellRaw(from, cell.New(cid, cell.TypeCreated, created.Encode()))
}

// sendBackwardData carries an internet datagram back into the circuit.
func (c *Community) sendBackwardData(es *ExitSocket, origin cell.Addr, data []byte) {
	p := &cell.DataPayload{Origin: origin, Data: data}
	enc, err := encryptLayer(es.Keys.Backward, p.Encode())
	if err != nil {
		c.log.Warn("backward encrypt failed", "circuit", es.CircuitID, "error", err)
		return
	}
	c.sendCellRaw(es.Peer, cell.New(es.CircuitID, cell.TypeData, enc))
}

// onDestroy tears down whatever the id maps to, propagating along relays.
func (c *Community) onDestroy(from cell.Addr, cid uint32, payload []byte) {
	reason := cell.DestroyReasonNone
	if p, err := cell.DecodeDestroy(payload); err == nil {
		reason = p.Reason
	}
	info := fmt.Sprintf("got destroy (reason=%d)", reason)

	c.mu.Lock()
	_, isCircuit := c.circuits[cid]
	relay := c.relays[cid]
	_, isExit := c.exitSockets[cid]
	c.mu.Unlock()

	switch {
	case isCircuit:
		c.RemoveCircuit(cid, info)
	case relay != nil:
		// Propagate to the other side before dropping the pair.
		c.sendDestroy(relay.Peer, relay.CircuitID, reason)
		c.RemoveRelay(cid, info)
	case isExit:
		c.RemoveExitSocket(cid, info)
	}
}

func (c *Community) sendDestroy(to cell.Addr, cid uint32, reason uint16) {
	p := &cell.DestroyPayload{Reason: reason}
	c.sendCellRaw(to, cell.New(cid, cell.TypeDestroy, p.Encode()))
}

// SendData sends a datagram through a READY circuit we own.
func (c *Community) SendData(circ *Circuit, dest cell.Addr, data []byte) error {
	if circ.State() != StateReady {
		return fmt.Errorf("circuit %d not ready", circ.ID)
	}
	hops := circ.Hops()
	p := &cell.DataPayload{Dest: dest, Data: data}
	enc, err := encryptOutgoing(hops, p.Encode())
	if err != nil {
		return fmt.Errorf("onion encrypt: %w", err)
	}
	circ.bytesUp.Add(uint64(len(data)))
	c.metrics.BytesUp.Mark(int64(len(data)))
	return c.sendCellRaw(hops[0].Addr, cell.New(circ.ID, cell.TypeData, enc))
}

// sendCircuitCell onion-wraps and sends a control payload through a circuit.
func (c *Community) sendCircuitCell(circ *Circuit, msgType uint8, payload []byte) error {
	hops := circ.Hops()
	if len(hops) == 0 {
		return fmt.Errorf("circuit %d has no hops", circ.ID)
	}
	enc, err := encryptOutgoing(hops, payload)
	if err != nil {
		return fmt.Errorf("onion encrypt: %w", err)
	}
	return c.sendCellRaw(hops[0].Addr, cell.New(circ.ID, msgType, enc))
}

func (c *Community) sendCellRaw(to cell.Addr, cl cell.Cell) error {
	if err := c.sender.Send(to, endpoint.FrameCell, cl); err != nil {
		c.log.Warn("cell send failed", "to", to, "error", err)
		return err
	}
	return nil
}

// --- teardown ---------------------------------------------------------------

// RemoveCircuit destroys a circuit we own: notify, reap the dispatcher's
// peers, park them for re-add, release resources. A circuit is removable
// exactly once; the second call is a checked no-op.
func (c *Community) RemoveCircuit(cid uint32, additionalInfo string) {
	c.mu.Lock()
	circ, ok := c.circuits[cid]
	if ok {
		delete(c.circuits, cid)
		delete(c.buildReqs, cid)
		delete(c.extendTargets, cid)
		for addr, id := range c.e2ePeers {
			if id == cid {
				delete(c.e2ePeers, addr)
			}
		}
	}
	notifier := c.notifier
	dispatcher := c.dispatcher
	c.mu.Unlock()

	if !ok {
		c.log.Warn("circuit not found when trying to remove it", "circuit", cid)
		return
	}

	// Mark closing so the circuit cannot be selected for new traffic; if a
	// build failure closed it already this keeps the original cause.
	circ.close(nil)

	if notifier != nil {
		notifier.CircuitRemoved(circ, additionalInfo)
		notifier.TunnelRemoved(cid, circ.BytesUp(), circ.BytesDown(), c.clk.Now().Sub(circ.CreatedAt), additionalInfo)
	}

	var affected []cell.Addr
	if dispatcher != nil {
		affected = dispatcher.CircuitDead(circ)
	}
	c.parkBittorrentPeers(affected)

	if hop := circ.FirstHop(); hop != nil {
		c.sendDestroy(hop.Addr, cid, cell.DestroyReasonNone)
	}
	circ.markClosed()
}

// RemoveRelay removes a relay pair atomically. Idempotent.
func (c *Community) RemoveRelay(cid uint32, additionalInfo string) {
	c.mu.Lock()
	relay, ok := c.relays[cid]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.relays, cid)
	// The paired reverse entry is keyed by the outgoing circuit id.
	delete(c.relays, relay.CircuitID)
	notifier := c.notifier
	c.mu.Unlock()

	if notifier != nil {
		notifier.TunnelRemoved(cid, relay.BytesRelayed(), 0, 0, additionalInfo)
	}
}

// RemoveExitSocket removes and closes an exit socket. Idempotent.
func (c *Community) RemoveExitSocket(cid uint32, additionalInfo string) {
	c.mu.Lock()
	es, ok := c.exitSockets[cid]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.exitSockets, cid)
	notifier := c.notifier
	c.mu.Unlock()

	es.Close()
	if notifier != nil {
		notifier.TunnelRemoved(cid, es.BytesUp(), es.BytesDown(), c.clk.Now().Sub(es.CreatedAt), additionalInfo)
	}
}

// parkBittorrentPeers stores reaped peers per matching download for re-add
// once a circuit is READY again.
func (c *Community) parkBittorrentPeers(peers []cell.Addr) {
	if len(peers) == 0 || c.dm == nil {
		return
	}
	for _, dl := range c.dm.Downloads() {
		if dl.Hops() == 0 {
			continue
		}
		ih := dl.InfoHash()
		c.mu.Lock()
		set, ok := c.bittorrentPeers[ih]
		if !ok {
			set = mapset.NewSet()
			c.bittorrentPeers[ih] = set
		}
		for _, p := range peers {
			set.Add(p)
		}
		c.mu.Unlock()
	}
}

// readdBittorrentPeers re-adds parked peers once circuits exist again.
func (c *Community) readdBittorrentPeers() {
	if c.dm == nil {
		return
	}
	if len(c.FindCircuits(CircuitFilter{})) == 0 {
		return
	}

	c.mu.Lock()
	parked := c.bittorrentPeers
	c.bittorrentPeers = make(map[[cell.InfoHashLen]byte]mapset.Set)
	c.mu.Unlock()

	for ih, set := range parked {
		var dl Download
		for _, d := range c.dm.Downloads() {
			if d.InfoHash() == ih {
				dl = d
				break
			}
		}
		if dl == nil {
			continue
		}
		for _, p := range set.ToSlice() {
			addr := p.(cell.Addr)
			c.log.Info("re-adding peer to download", "peer", addr, "infohash", fmt.Sprintf("%x", ih))
			dl.AddPeer(addr)
		}
	}
}

// Unload shuts the community down: snapshot exit nodes, destroy circuits,
// release relays and exits, drain the request cache.
func (c *Community) Unload() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.monitorStop)
	cachePath := c.settings.ExitNodeCachePath
	var circuitIDs []uint32
	for cid := range c.circuits {
		circuitIDs = append(circuitIDs, cid)
	}
	var relayIDs []uint32
	for cid := range c.relays {
		relayIDs = append(relayIDs, cid)
	}
	var exitIDs []uint32
	for cid := range c.exitSockets {
		exitIDs = append(exitIDs, cid)
	}
	c.mu.Unlock()

	if cachePath != "" {
		c.CacheExitNodesToDisk()
	}
	for _, cid := range circuitIDs {
		c.RemoveCircuit(cid, "shutdown")
	}
	for _, cid := range relayIDs {
		c.RemoveRelay(cid, "shutdown")
	}
	for _, cid := range exitIDs {
		c.RemoveExitSocket(cid, "shutdown")
	}
	c.requests.Shutdown()
}
