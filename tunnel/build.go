package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/ntor"
	"github.com/tribler/tunnel-go/reqcache"
)

// Request-cache kinds used by the builder.
const (
	kindCircuitBuild = "circuit-build"
	kindExtendRelay  = "extend-relay"
)

// buildRequest captures the parameters of one logical circuit request, so a
// failed build can be retried.
type buildRequest struct {
	goalHops  int
	ctype     CircuitType
	exitFlags uint16
	infoHash  [cell.InfoHashLen]byte
	hasInfo   bool
	// requiredLast pins the final hop to a specific node (rendezvous
	// circuits terminate at the rendezvous point).
	requiredLast    cell.Addr
	hasRequiredLast bool
	attempt         int
	onReady         func(*Circuit)
}

// buildStep is the initiator's outstanding create/extend handshake.
type buildStep struct {
	circuitID uint32
	handshake *ntor.HandshakeState
}

// relayExtension is the extender's state between forwarding a create and
// receiving its created.
type relayExtension struct {
	cidIn       uint32
	cidOut      uint32
	prev        cell.Addr
	next        cell.Addr
	initiatorID uint16
	keys        *ntor.KeyMaterial
}

// CreateCircuit starts building a circuit with the given hop count. The
// last hop must advertise exitFlags; intermediate hops need the relay flag.
// The returned circuit resolves Ready() when built or failed.
func (c *Community) CreateCircuit(goalHops int, ctype CircuitType, exitFlags uint16, infoHash *[cell.InfoHashLen]byte) (*Circuit, error) {
	req := &buildRequest{
		goalHops:  goalHops,
		ctype:     ctype,
		exitFlags: exitFlags,
	}
	if infoHash != nil {
		req.infoHash = *infoHash
		req.hasInfo = true
	}
	return c.startBuild(req)
}

func (c *Community) startBuild(req *buildRequest) (*Circuit, error) {
	if req.goalHops < 1 {
		return nil, fmt.Errorf("invalid hop count %d", req.goalHops)
	}
	req.attempt++

	first := c.pickHop(nil, req, 1)
	if first == nil {
		return nil, fmt.Errorf("no candidates for circuit: %w", ErrNoCircuit)
	}

	cid, err := c.allocateCircuitID()
	if err != nil {
		return nil, err
	}

	circ := newCircuit(cid, req.goalHops, req.ctype, req.exitFlags, c.clk.Now())
	if req.hasInfo {
		circ.InfoHash = req.infoHash
	}
	circ.attempt = req.attempt

	c.mu.Lock()
	c.circuits[cid] = circ
	c.buildReqs[cid] = req
	c.mu.Unlock()

	if err := c.sendCreate(circ, first); err != nil {
		c.failBuild(cid, fmt.Errorf("send create: %w", err))
		return nil, err
	}
	c.log.Info("building circuit", "circuit", cid, "hops", req.goalHops, "attempt", req.attempt)
	return circ, nil
}

// sendCreate opens the handshake with the first hop.
func (c *Community) sendCreate(circ *Circuit, cand *Candidate) error {
	hs, err := ntor.NewHandshake(cand.PublicKey)
	if err != nil {
		return fmt.Errorf("handshake init: %w", err)
	}

	id, err := c.requests.Add(kindCircuitBuild, &reqcache.Entry{
		CircuitID: circ.ID,
		TTL:       c.settings.BuildTimeout,
		Data:      &buildStep{circuitID: circ.ID, handshake: hs},
		OnTimeout: func() { c.failBuild(circ.ID, reqcache.ErrTimeout) },
	})
	if err != nil {
		hs.Close()
		return err
	}

	cand.LastUsed = c.clk.Now()
	p := &cell.CreatePayload{Identifier: uint16(id), Handshake: hs.ClientData()}
	return c.sendCellRaw(cand.Addr, cell.New(circ.ID, cell.TypeCreate, p.Encode()))
}

// onCreated completes either our own first hop or an extension we forwarded.
func (c *Community) onCreated(from cell.Addr, cid uint32, payload []byte) {
	p, err := cell.DecodeCreated(payload)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}

	// Initiator first-hop case: the created answers our create directly.
	if e := c.requests.Get(kindCircuitBuild, uint32(p.Identifier)); e != nil {
		if step, ok := e.Data.(*buildStep); ok && step.circuitID == cid {
			c.requests.Pop(kindCircuitBuild, uint32(p.Identifier))
			c.completeHop(cid, from, step, p)
			return
		}
	}

	// Extender case: the created answers a create we forwarded for someone
	// else's extend.
	if e := c.requests.Get(kindExtendRelay, uint32(p.Identifier)); e != nil {
		if ext, ok := e.Data.(*relayExtension); ok && ext.cidOut == cid {
			c.requests.Pop(kindExtendRelay, uint32(p.Identifier))
			c.completeRelayExtension(ext, p)
			return
		}
	}

	c.metrics.CellsDropped.Inc(1)
	c.log.Debug("created for unknown request", "circuit", cid, "identifier", p.Identifier)
}

// completeHop finishes a handshake for a hop of a circuit we own.
func (c *Community) completeHop(cid uint32, hopAddr cell.Addr, step *buildStep, p *cell.CreatedPayload) {
	c.mu.Lock()
	circ := c.circuits[cid]
	c.mu.Unlock()
	if circ == nil {
		return
	}

	km, err := step.handshake.Complete(p.Handshake)
	if err != nil {
		c.log.Warn("hop handshake failed", "circuit", cid, "error", err)
		c.failBuild(cid, err)
		return
	}

	// Learn the candidates the hop shared.
	for _, addr := range p.Candidates {
		c.mu.Lock()
		_, known := c.candidateInfo[addr]
		c.mu.Unlock()
		if !known {
			c.sendIntroduction(addr, introRequest)
		}
	}

	hop := &Hop{Addr: hopAddr, Keys: km}
	c.mu.Lock()
	if cand := c.candidateInfo[hopAddr]; cand != nil {
		hop.PublicKey = cand.PublicKey
	}
	c.mu.Unlock()

	state := circ.addHop(hop)
	if state == StateReady {
		c.finishBuild(circ)
		return
	}
	if err := c.sendExtend(circ); err != nil {
		c.failBuild(cid, err)
	}
}

// sendExtend asks the current terminal hop to extend the circuit.
func (c *Community) sendExtend(circ *Circuit) error {
	c.mu.Lock()
	req := c.buildReqs[circ.ID]
	c.mu.Unlock()
	if req == nil {
		return fmt.Errorf("no build request for circuit %d", circ.ID)
	}

	next := c.pickHop(circ, req, circ.HopCount()+1)
	if next == nil {
		return fmt.Errorf("no candidate for hop %d: %w", circ.HopCount()+1, ErrNoCircuit)
	}

	hs, err := ntor.NewHandshake(next.PublicKey)
	if err != nil {
		return fmt.Errorf("handshake init: %w", err)
	}
	id, err := c.requests.Add(kindCircuitBuild, &reqcache.Entry{
		CircuitID: circ.ID,
		TTL:       c.settings.BuildTimeout,
		Data:      &buildStep{circuitID: circ.ID, handshake: hs},
		OnTimeout: func() { c.failBuild(circ.ID, reqcache.ErrTimeout) },
	})
	if err != nil {
		hs.Close()
		return err
	}

	next.LastUsed = c.clk.Now()
	p := &cell.ExtendPayload{Identifier: uint16(id), Handshake: hs.ClientData(), Node: next.Addr}
	return c.sendCircuitCell(circ, cell.TypeExtend, p.Encode())
}

// onExtended completes an extension on a circuit we own.
func (c *Community) onExtended(circ *Circuit, data []byte) {
	p, err := cell.DecodeExtended(data)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}
	e := c.requests.Get(kindCircuitBuild, uint32(p.Identifier))
	if e == nil {
		c.log.Debug("extended for unknown request", "circuit", circ.ID, "identifier", p.Identifier)
		return
	}
	step, ok := e.Data.(*buildStep)
	if !ok || step.circuitID != circ.ID {
		c.log.Warn("extended for mismatched circuit", "circuit", circ.ID)
		return
	}
	c.requests.Pop(kindCircuitBuild, uint32(p.Identifier))

	// The hop address is the node we asked the terminal to extend to;
	// pickHop recorded it in extendTargets.
	addr := c.lastExtendTarget(circ)
	c.completeHopExtended(circ, addr, step, p)
}

// lastExtendTarget finds the candidate the pending extension targeted.
func (c *Community) lastExtendTarget(circ *Circuit) cell.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.extendTargets[circ.ID]; ok {
		return t
	}
	return cell.Addr{}
}

func (c *Community) completeHopExtended(circ *Circuit, hopAddr cell.Addr, step *buildStep, p *cell.ExtendedPayload) {
	km, err := step.handshake.Complete(p.Handshake)
	if err != nil {
		c.log.Warn("hop handshake failed", "circuit", circ.ID, "error", err)
		c.failBuild(circ.ID, err)
		return
	}

	hop := &Hop{Addr: hopAddr, Keys: km}
	c.mu.Lock()
	if cand := c.candidateInfo[hopAddr]; cand != nil {
		hop.PublicKey = cand.PublicKey
	}
	delete(c.extendTargets, circ.ID)
	c.mu.Unlock()

	state := circ.addHop(hop)
	if state == StateReady {
		c.finishBuild(circ)
		return
	}
	if err := c.sendExtend(circ); err != nil {
		c.failBuild(circ.ID, err)
	}
}

// finishBuild marks the build complete and runs the ready fan-out.
func (c *Community) finishBuild(circ *Circuit) {
	c.mu.Lock()
	req := c.buildReqs[circ.ID]
	delete(c.buildReqs, circ.ID)
	c.mu.Unlock()

	c.metrics.CircuitsBuilt.Inc(1)
	c.log.Info("circuit ready", "circuit", circ.ID, "hops", circ.GoalHops)

	c.readdBittorrentPeers()
	if req != nil && req.onReady != nil {
		req.onReady(circ)
	}
}

// failBuild tears the circuit down and schedules one retry within the
// attempt budget.
func (c *Community) failBuild(cid uint32, cause error) {
	c.mu.Lock()
	req := c.buildReqs[cid]
	delete(c.buildReqs, cid)
	delete(c.extendTargets, cid)
	circ := c.circuits[cid]
	c.mu.Unlock()
	if circ == nil {
		return
	}

	c.metrics.CircuitsFailed.Inc(1)
	c.log.Warn("circuit build failed", "circuit", cid, "error", cause)
	circ.close(cause)
	c.RemoveCircuit(cid, fmt.Sprintf("build failed: %v", cause))

	if req != nil && req.attempt < c.settings.MaxBuildAttempts {
		if _, err := c.startBuild(req); err != nil {
			c.log.Warn("circuit build retry failed", "error", err)
		}
	}
}

// onExtend forwards an extension request at the current terminal: open a
// create towards the new node and remember how to route the answer back.
func (c *Community) onExtend(es *ExitSocket, data []byte) {
	p, err := cell.DecodeExtend(data)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}

	cidOut, err := c.allocateCircuitID()
	if err != nil {
		c.log.Warn("extend refused, no circuit id", "error", err)
		return
	}

	ext := &relayExtension{
		cidIn:       es.CircuitID,
		cidOut:      cidOut,
		prev:        es.Peer,
		next:        p.Node,
		initiatorID: p.Identifier,
		keys:        es.Keys,
	}
	id, err := c.requests.Add(kindExtendRelay, &reqcache.Entry{
		CircuitID: es.CircuitID,
		TTL:       c.settings.BuildTimeout,
		Data:      ext,
	})
	if err != nil {
		return
	}

	create := &cell.CreatePayload{Identifier: uint16(id), Handshake: p.Handshake}
	c.sendCellRaw(p.Node, cell.New(cidOut, cell.TypeCreate, create.Encode()))
}

// completeRelayExtension converts our terminal position into a paired relay
// and passes the handshake answer back towards the initiator.
func (c *Community) completeRelayExtension(ext *relayExtension, p *cell.CreatedPayload) {
	c.mu.Lock()
	es, ok := c.exitSockets[ext.cidIn]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.exitSockets, ext.cidIn)
	c.relays[ext.cidIn] = &Relay{Peer: ext.next, CircuitID: ext.cidOut, Keys: ext.keys, Forward: true}
	c.relays[ext.cidOut] = &Relay{Peer: ext.prev, CircuitID: ext.cidIn, Keys: ext.keys, Forward: false}
	c.mu.Unlock()
	es.Close()

	answer := &cell.ExtendedPayload{
		Identifier: ext.initiatorID,
		Handshake:  p.Handshake,
		Candidates: p.Candidates,
	}
	enc, err := encryptLayer(ext.keys.Backward, answer.Encode())
	if err != nil {
		c.log.Warn("extended encrypt failed", "circuit", ext.cidIn, "error", err)
		return
	}
	c.sendCellRaw(ext.prev, cell.New(ext.cidIn, cell.TypeExtended, enc))
}

// pickHop selects the candidate for hop position pos (1-based) of the
// request: the final hop must carry the requested exit flags, earlier hops
// the relay flag. Least-recently-used candidates win ties; hops already in
// the circuit are excluded.
func (c *Community) pickHop(circ *Circuit, req *buildRequest, pos int) *Candidate {
	required := FlagRelay
	if pos == req.goalHops && req.exitFlags != 0 {
		required = req.exitFlags
	}

	used := make(map[cell.Addr]bool)
	if circ != nil {
		for _, h := range circ.Hops() {
			used[h.Addr] = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Pinned final hop: the candidate must be that exact node.
	if pos == req.goalHops && req.hasRequiredLast {
		cand := c.candidateInfo[req.requiredLast]
		if cand == nil || len(cand.PublicKey) == 0 {
			return nil
		}
		if circ != nil {
			c.extendTargets[circ.ID] = cand.Addr
		}
		return cand
	}

	for _, cand := range c.candidatesLocked(required) {
		if used[cand.Addr] || len(cand.PublicKey) == 0 {
			continue
		}
		if circ != nil {
			c.extendTargets[circ.ID] = cand.Addr
		}
		return cand
	}
	return nil
}

// allocateCircuitID draws a random 32-bit id unused across all three maps.
func (c *Community) allocateCircuitID() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for attempts := 0; attempts < 16; attempts++ {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("allocate circuit ID: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if c.circuitIDUnusedLocked(id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("failed to allocate unique circuit ID after 16 attempts")
}
