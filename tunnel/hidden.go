package tunnel

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/reqcache"
)

// Request-cache kinds used by the rendezvous layer.
const (
	kindEstablishIntro      = "establish-intro"
	kindEstablishRendezvous = "establish-rendezvous"
)

// lookupPrefix keys hidden swarms without revealing the plaintext infohash.
const lookupPrefix = "tribler anonymous download"

// LookupInfoHash derives the hidden-swarm key for a real infohash:
// SHA1(prefix || hex(real_info_hash)).
func LookupInfoHash(real [cell.InfoHashLen]byte) [cell.InfoHashLen]byte {
	h := sha1.New()
	h.Write([]byte(lookupPrefix))
	h.Write([]byte(hex.EncodeToString(real[:])))
	var out [cell.InfoHashLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// swarm is one hidden swarm this node participates in.
type swarm struct {
	infoHash [cell.InfoHashLen]byte
	hops     int
	seeding  bool
	onE2E    func(addr cell.Addr, infoHash [cell.InfoHashLen]byte)
}

// rendezvousState tracks one downloader-side lookup in flight.
type rendezvousState struct {
	circuitID uint32
	infoHash  [cell.InfoHashLen]byte
	cookie    [cell.CookieLen]byte
}

// JoinSwarm starts participating in the hidden swarm for the lookup
// infohash. Re-joining an already-joined swarm is a no-op.
func (c *Community) JoinSwarm(infoHash [cell.InfoHashLen]byte, hops int, seeding bool, onE2E func(cell.Addr, [cell.InfoHashLen]byte)) {
	c.mu.Lock()
	if _, ok := c.swarms[infoHash]; ok {
		c.mu.Unlock()
		return
	}
	s := &swarm{infoHash: infoHash, hops: hops, seeding: seeding, onE2E: onE2E}
	c.swarms[infoHash] = s
	c.mu.Unlock()

	c.log.Info("joining hidden swarm", "infohash", fmt.Sprintf("%x", infoHash), "hops", hops, "seeding", seeding)

	// Downloaders (and seeders fetching peers) start a rendezvous lookup;
	// seeding introduction points are driven by the download monitor.
	if !seeding {
		c.startRendezvousLookup(s)
	}
}

// LeaveSwarm stops participating; the swarm's circuits are torn down lazily
// by the monitor once they are no longer needed.
func (c *Community) LeaveSwarm(infoHash [cell.InfoHashLen]byte) {
	c.mu.Lock()
	_, ok := c.swarms[infoHash]
	delete(c.swarms, infoHash)
	c.mu.Unlock()
	if ok {
		c.log.Info("leaving hidden swarm", "infohash", fmt.Sprintf("%x", infoHash))
	}
}

// InSwarm reports whether the swarm is currently joined.
func (c *Community) InSwarm(infoHash [cell.InfoHashLen]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.swarms[infoHash]
	return ok
}

// startRendezvousLookup builds an RP circuit and registers a cookie at its
// terminal node.
func (c *Community) startRendezvousLookup(s *swarm) {
	req := &buildRequest{
		goalHops:  s.hops,
		ctype:     CircuitRPDownloader,
		exitFlags: FlagExitIPv8,
		infoHash:  s.infoHash,
		hasInfo:   true,
		onReady: func(circ *Circuit) {
			c.establishRendezvous(s, circ)
		},
	}
	if _, err := c.startBuild(req); err != nil {
		c.log.Warn("rendezvous circuit build failed to start", "error", err)
	}
}

func (c *Community) establishRendezvous(s *swarm, circ *Circuit) {
	var cookie [cell.CookieLen]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		c.log.Warn("rendezvous cookie generation failed", "error", err)
		return
	}

	id, err := c.requests.Add(kindEstablishRendezvous, &reqcache.Entry{
		CircuitID: circ.ID,
		TTL:       c.settings.BuildTimeout,
		Data:      &rendezvousState{circuitID: circ.ID, infoHash: s.infoHash, cookie: cookie},
	})
	if err != nil {
		return
	}

	p := &cell.EstablishRendezvousPayload{Identifier: uint16(id), Cookie: cookie}
	if err := c.sendCircuitCell(circ, cell.TypeEstablishRendezvous, p.Encode()); err != nil {
		c.log.Warn("establish-rendezvous send failed", "circuit", circ.ID, "error", err)
	}
}

// onEstablishRendezvous runs at the rendezvous point: remember the cookie
// and tell the initiator where we are reachable.
func (c *Community) onEstablishRendezvous(es *ExitSocket, data []byte) {
	p, err := cell.DecodeEstablishRendezvous(data)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}

	c.mu.Lock()
	c.rendPoints[p.Cookie] = es.CircuitID
	c.mu.Unlock()

	answer := &cell.RendezvousEstablishedPayload{
		Identifier:      p.Identifier,
		RendezvousPoint: c.sender.LocalAddr(),
	}
	enc, err := encryptLayer(es.Keys.Backward, answer.Encode())
	if err != nil {
		return
	}
	c.sendCellRaw(es.Peer, cell.New(es.CircuitID, cell.TypeRendezvousEstablished, enc))
}

// onRendezvousEstablished runs at the downloader. Identifier zero is the
// e2e-completed signal after linking; otherwise it answers our
// establish-rendezvous and we go introduce ourselves.
func (c *Community) onRendezvousEstablished(circ *Circuit, data []byte) {
	p, err := cell.DecodeRendezvousEstablished(data)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}

	if p.Identifier == 0 {
		c.onE2EEstablished(circ)
		return
	}

	e := c.requests.Pop(kindEstablishRendezvous, uint32(p.Identifier))
	if e == nil {
		c.log.Debug("rendezvous-established for unknown request", "circuit", circ.ID)
		return
	}
	state, ok := e.Data.(*rendezvousState)
	if !ok || state.circuitID != circ.ID {
		return
	}
	c.sendIntroduce(state, p.RendezvousPoint)
}

// sendIntroduce sends the introduce through a data circuit whose exit will
// look the swarm up among its registered introduction points.
func (c *Community) sendIntroduce(state *rendezvousState, rendezvousPoint cell.Addr) {
	c.mu.Lock()
	s := c.swarms[state.infoHash]
	c.mu.Unlock()
	if s == nil {
		c.log.Debug("swarm left before introduce", "infohash", fmt.Sprintf("%x", state.infoHash))
		return
	}

	lookups := c.FindCircuits(CircuitFilter{Hops: s.hops, Ctype: CircuitData, HasCtype: true})
	if len(lookups) == 0 {
		lookup, err := c.CreateCircuit(s.hops, CircuitData, FlagExitIPv8, nil)
		if err != nil {
			c.log.Warn("no lookup circuit for introduce", "error", err)
			return
		}
		go func() {
			if err := <-lookup.Ready(); err != nil {
				c.log.Warn("lookup circuit build failed", "error", err)
				return
			}
			c.sendIntroduceOn(lookup, state, rendezvousPoint)
		}()
		return
	}
	c.sendIntroduceOn(lookups[0], state, rendezvousPoint)
}

func (c *Community) sendIntroduceOn(circ *Circuit, state *rendezvousState, rendezvousPoint cell.Addr) {
	p := &cell.IntroducePayload{
		InfoHash:        state.infoHash,
		Cookie:          state.cookie,
		RendezvousPoint: rendezvousPoint,
	}
	if err := c.sendCircuitCell(circ, cell.TypeIntroduce, p.Encode()); err != nil {
		c.log.Warn("introduce send failed", "circuit", circ.ID, "error", err)
	}
}

// CreateIntroductionPoint builds a seeder introduction circuit for the
// swarm and registers it at the terminal node. It also binds the SOCKS5
// sessions to the libtorrent listen port for the swarm's hop count.
func (c *Community) CreateIntroductionPoint(infoHash [cell.InfoHashLen]byte) {
	c.mu.Lock()
	s := c.swarms[infoHash]
	c.mu.Unlock()
	if s == nil {
		return
	}

	c.bindSocksSessions(s.hops)

	req := &buildRequest{
		goalHops:  s.hops,
		ctype:     CircuitIPSeeder,
		exitFlags: FlagExitIPv8,
		infoHash:  infoHash,
		hasInfo:   true,
		onReady: func(circ *Circuit) {
			c.establishIntro(infoHash, circ)
		},
	}
	if _, err := c.startBuild(req); err != nil {
		c.log.Warn("introduction circuit build failed to start", "error", err)
	}
}

func (c *Community) establishIntro(infoHash [cell.InfoHashLen]byte, circ *Circuit) {
	id, err := c.requests.Add(kindEstablishIntro, &reqcache.Entry{
		CircuitID: circ.ID,
		TTL:       c.settings.BuildTimeout,
	})
	if err != nil {
		return
	}
	p := &cell.EstablishIntroPayload{Identifier: uint16(id), InfoHash: infoHash}
	if err := c.sendCircuitCell(circ, cell.TypeEstablishIntro, p.Encode()); err != nil {
		c.log.Warn("establish-intro send failed", "circuit", circ.ID, "error", err)
	}
}

// onEstablishIntro runs at the introduction point: register the circuit for
// the swarm and acknowledge.
func (c *Community) onEstablishIntro(es *ExitSocket, data []byte) {
	p, err := cell.DecodeEstablishIntro(data)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}

	c.mu.Lock()
	m := c.intros[p.InfoHash]
	if m == nil {
		m = make(map[uint32]uint32)
		c.intros[p.InfoHash] = m
	}
	m[es.CircuitID] = es.CircuitID
	c.mu.Unlock()

	answer := &cell.IntroEstablishedPayload{Identifier: p.Identifier}
	enc, err := encryptLayer(es.Keys.Backward, answer.Encode())
	if err != nil {
		return
	}
	c.sendCellRaw(es.Peer, cell.New(es.CircuitID, cell.TypeIntroEstablished, enc))
}

// onIntroEstablished completes the seeder's establish-intro round trip.
func (c *Community) onIntroEstablished(circ *Circuit, data []byte) {
	p, err := cell.DecodeIntroEstablished(data)
	if err != nil {
		return
	}
	if e := c.requests.Pop(kindEstablishIntro, uint32(p.Identifier)); e != nil {
		c.log.Info("introduction point established", "circuit", circ.ID)
	}
}

// onIntroduceAtIntroPoint forwards a downloader's introduce down every
// registered introduction circuit for the swarm.
func (c *Community) onIntroduceAtIntroPoint(es *ExitSocket, data []byte) {
	p, err := cell.DecodeIntroduce(data)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}

	c.mu.Lock()
	var targets []*ExitSocket
	for cid := range c.intros[p.InfoHash] {
		if intro := c.exitSockets[cid]; intro != nil {
			targets = append(targets, intro)
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		c.log.Debug("introduce for unknown swarm", "infohash", fmt.Sprintf("%x", p.InfoHash))
		return
	}
	for _, intro := range targets {
		enc, err := encryptLayer(intro.Keys.Backward, data)
		if err != nil {
			continue
		}
		c.sendCellRaw(intro.Peer, cell.New(intro.CircuitID, cell.TypeIntroduce, enc))
	}
}

// onIntroduceAtSeeder reacts to a downloader's introduce: build a circuit
// terminating at the rendezvous point and link up with the cookie.
func (c *Community) onIntroduceAtSeeder(circ *Circuit, data []byte) {
	p, err := cell.DecodeIntroduce(data)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}

	c.mu.Lock()
	s := c.swarms[p.InfoHash]
	c.mu.Unlock()
	if s == nil {
		c.log.Debug("introduce for swarm we are not seeding", "infohash", fmt.Sprintf("%x", p.InfoHash))
		return
	}

	cookie := p.Cookie
	req := &buildRequest{
		goalHops:        s.hops,
		ctype:           CircuitRPSeeder,
		exitFlags:       FlagExitIPv8,
		infoHash:        p.InfoHash,
		hasInfo:         true,
		requiredLast:    p.RendezvousPoint,
		hasRequiredLast: true,
		onReady: func(rpCirc *Circuit) {
			rp := &cell.RendezvousPayload{Cookie: cookie}
			if err := c.sendCircuitCell(rpCirc, cell.TypeRendezvous, rp.Encode()); err != nil {
				c.log.Warn("rendezvous send failed", "circuit", rpCirc.ID, "error", err)
			}
			c.updateIPFilter(p.InfoHash)
		},
	}
	if _, err := c.startBuild(req); err != nil {
		c.log.Warn("rendezvous circuit build failed to start", "error", err)
	}
}

// onRendezvousAtRP links the seeder's circuit to the waiting downloader
// circuit and signals e2e completion to the downloader.
func (c *Community) onRendezvousAtRP(esSeed *ExitSocket, data []byte) {
	p, err := cell.DecodeRendezvous(data)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}

	c.mu.Lock()
	cidDown, ok := c.rendPoints[p.Cookie]
	if !ok {
		c.mu.Unlock()
		c.log.Warn("rendezvous with unknown cookie")
		return
	}
	delete(c.rendPoints, p.Cookie)
	esDown, ok := c.exitSockets[cidDown]
	if !ok {
		c.mu.Unlock()
		return
	}
	cidSeed := esSeed.CircuitID

	// Convert both terminals into a linked relay pair. Each direction
	// strips the arriving side's layer and adds the departing side's.
	delete(c.exitSockets, cidDown)
	delete(c.exitSockets, cidSeed)
	c.relays[cidDown] = &Relay{Peer: esSeed.Peer, CircuitID: cidSeed, Keys: esDown.Keys, Forward: true, LinkKeys: esSeed.Keys}
	c.relays[cidSeed] = &Relay{Peer: esDown.Peer, CircuitID: cidDown, Keys: esSeed.Keys, Forward: true, LinkKeys: esDown.Keys}
	c.mu.Unlock()

	// Signal the downloader before the pair carries data: identifier zero
	// marks the e2e completion.
	answer := &cell.RendezvousEstablishedPayload{Identifier: 0, RendezvousPoint: c.sender.LocalAddr()}
	enc, err := encryptLayer(esDown.Keys.Backward, answer.Encode())
	if err != nil {
		return
	}
	c.sendCellRaw(esDown.Peer, cell.New(cidDown, cell.TypeRendezvousEstablished, enc))

	esDown.Close()
	esSeed.Close()
}

// onE2EEstablished finishes the downloader side: synthesize the pseudo peer
// address for the circuit and hand it to the swarm's callback.
func (c *Community) onE2EEstablished(circ *Circuit) {
	pseudo := circuitPseudoAddr(circ.ID)

	c.mu.Lock()
	c.e2ePeers[pseudo] = circ.ID
	s := c.swarms[circ.InfoHash]
	c.mu.Unlock()

	if s == nil {
		c.log.Warn("e2e established for unknown swarm", "circuit", circ.ID)
		return
	}
	c.log.Info("e2e circuit established", "circuit", circ.ID, "peer", pseudo)
	c.updateIPFilter(circ.InfoHash)
	if s.onE2E != nil {
		s.onE2E(pseudo, circ.InfoHash)
	}
}

// updateIPFilter pushes the pseudo-IPs of rendezvous circuits into the
// libtorrent session so the engine accepts them as peers.
func (c *Community) updateIPFilter(infoHash [cell.InfoHashLen]byte) {
	if c.dm == nil {
		return
	}
	c.mu.Lock()
	s := c.swarms[infoHash]
	c.mu.Unlock()
	if s == nil {
		return
	}

	var ips []string
	for _, circ := range c.FindCircuits(CircuitFilter{Ctype: CircuitRPSeeder, HasCtype: true}) {
		ips = append(ips, circuitPseudoAddr(circ.ID).UDPAddr().IP.String())
	}
	for _, circ := range c.FindCircuits(CircuitFilter{Ctype: CircuitRPDownloader, HasCtype: true}) {
		ips = append(ips, circuitPseudoAddr(circ.ID).UDPAddr().IP.String())
	}
	c.dm.UpdateIPFilter(s.hops, ips)
}

// circuitPseudoAddr maps a circuit id to a local pseudo peer address in
// 1.0.0.0/8, the address injected into the download for e2e circuits.
func circuitPseudoAddr(cid uint32) cell.Addr {
	return cell.Addr{
		IP:   [4]byte{1, byte(cid >> 16), byte(cid >> 8), byte(cid)},
		Port: uint16(1024 + (cid >> 17)),
	}
}
