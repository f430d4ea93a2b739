package tunnel

import (
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/ntor"
)

// CircuitState is the lifecycle state of a circuit we initiated.
type CircuitState uint8

const (
	StateBuilding CircuitState = iota
	StateExtending
	StateReady
	StateClosing
	StateClosed
)

func (s CircuitState) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateExtending:
		return "EXTENDING"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

// CircuitType describes what a circuit is used for.
type CircuitType uint8

const (
	CircuitData CircuitType = iota
	CircuitIPSeeder
	CircuitRPSeeder
	CircuitRPDownloader
)

// Peer flag constants advertised in introductions.
const (
	FlagRelay    uint16 = 1
	FlagExitBT   uint16 = 2
	FlagExitIPv8 uint16 = 4
	FlagExitHTTP uint16 = 32768
)

// Hop is one negotiated hop of a circuit we own.
type Hop struct {
	Addr      cell.Addr
	PublicKey ed25519.PublicKey
	Keys      *ntor.KeyMaterial
}

// Circuit is an end-to-end routed path owned by this node.
type Circuit struct {
	ID       uint32
	GoalHops int
	Ctype    CircuitType
	// InfoHash is the lookup infohash for hidden-swarm circuits; zero
	// otherwise.
	InfoHash  [cell.InfoHashLen]byte
	ExitFlags uint16
	CreatedAt time.Time

	mu    sync.Mutex
	state CircuitState
	hops  []*Hop

	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64

	// ready resolves when the circuit reaches READY or fails terminally.
	ready    chan error
	readyFin sync.Once

	// attempt counts build attempts for this logical request.
	attempt int
}

func newCircuit(id uint32, goalHops int, ctype CircuitType, exitFlags uint16, now time.Time) *Circuit {
	return &Circuit{
		ID:        id,
		GoalHops:  goalHops,
		Ctype:     ctype,
		ExitFlags: exitFlags,
		CreatedAt: now,
		ready:     make(chan error, 1),
	}
}

// State returns the circuit state.
func (c *Circuit) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hops returns a snapshot of the negotiated hops.
func (c *Circuit) Hops() []*Hop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Hop(nil), c.hops...)
}

// HopCount returns the number of negotiated hops.
func (c *Circuit) HopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hops)
}

// FirstHop returns the entry hop, or nil while none is negotiated.
func (c *Circuit) FirstHop() *Hop {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.hops) == 0 {
		return nil
	}
	return c.hops[0]
}

// addHop appends a negotiated hop and advances the state: READY once the
// goal hop count is reached, EXTENDING otherwise.
func (c *Circuit) addHop(h *Hop) CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hops = append(c.hops, h)
	if len(c.hops) == c.GoalHops {
		c.state = StateReady
		c.readyFin.Do(func() { c.ready <- nil })
	} else {
		c.state = StateExtending
	}
	return c.state
}

// close transitions to CLOSING exactly once; the second call reports the
// circuit was already closing.
func (c *Circuit) close(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing || c.state == StateClosed {
		return false
	}
	c.state = StateClosing
	if err == nil {
		err = ErrCircuitClosed
	}
	c.readyFin.Do(func() { c.ready <- err })
	return true
}

func (c *Circuit) markClosed() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// Ready resolves with nil once the circuit is READY, or with the build
// failure.
func (c *Circuit) Ready() <-chan error {
	return c.ready
}

// BytesUp returns the monotone upstream byte counter.
func (c *Circuit) BytesUp() uint64 { return c.bytesUp.Load() }

// BytesDown returns the monotone downstream byte counter.
func (c *Circuit) BytesDown() uint64 { return c.bytesDown.Load() }

// Relay is a forwarding entry for someone else's circuit. Entries are
// paired: the entry keyed by the incoming circuit id forwards to
// (Peer, CircuitID), and the reverse entry exists for the other direction.
type Relay struct {
	Peer      cell.Addr
	CircuitID uint32
	Keys      *ntor.KeyMaterial
	// Forward is true for the initiator→exit direction entry, which
	// removes one onion layer; the reverse entry adds one.
	Forward bool
	// LinkKeys is set on rendezvous-linked relays: after stripping this
	// side's layer the other side's backward layer is added.
	LinkKeys *ntor.KeyMaterial

	bytesRelayed atomic.Uint64
}

// BytesRelayed returns the number of payload bytes forwarded.
func (r *Relay) BytesRelayed() uint64 { return r.bytesRelayed.Load() }
