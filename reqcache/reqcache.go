package reqcache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
)

// ErrTimeout resolves a future whose entry expired before a response arrived.
var ErrTimeout = errors.New("request timed out")

// ErrShutdown resolves outstanding futures when the cache is shut down.
var ErrShutdown = errors.New("request cache shut down")

// identifierSpace is the per-kind identifier space (u16).
const identifierSpace = 1 << 16

// Result is the outcome delivered on an entry's future.
type Result struct {
	Data any
	Err  error
}

// Entry is one outstanding request. Identifiers are unique per kind while
// the entry is live.
type Entry struct {
	Kind       string
	ID         uint32
	CircuitID  uint32
	TTL        time.Duration
	CreatedAt  time.Time
	OnTimeout  func() // optional, runs after the future resolves with ErrTimeout
	Data       any    // request-specific state (e.g. fragment assembly)
	future     chan Result
	timer      *clock.Timer
	resolved   bool
}

// Future returns the channel on which the entry resolves exactly once.
func (e *Entry) Future() <-chan Result {
	return e.future
}

// Cache correlates outstanding requests to responses by (kind, identifier)
// with TTL expiry.
type Cache struct {
	mu      sync.Mutex
	clk     clock.Clock
	logger  *slog.Logger
	entries map[string]map[uint32]*Entry
	idents  map[string]*bitset.BitSet
	cursors map[string]uint
	closed  bool
}

// New creates a cache on the given clock.
func New(clk clock.Clock, logger *slog.Logger) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		clk:     clk,
		logger:  logger,
		entries: make(map[string]map[uint32]*Entry),
		idents:  make(map[string]*bitset.BitSet),
		cursors: make(map[string]uint),
	}
}

// Add registers the entry under a freshly allocated identifier and schedules
// its TTL expiry. Returns the identifier.
func (c *Cache) Add(kind string, e *Entry) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("cache closed")
	}

	id, err := c.allocateLocked(kind)
	if err != nil {
		return 0, err
	}

	e.Kind = kind
	e.ID = id
	e.CreatedAt = c.clk.Now()
	e.future = make(chan Result, 1)
	if e.TTL <= 0 {
		e.TTL = 10 * time.Second
	}

	if c.entries[kind] == nil {
		c.entries[kind] = make(map[uint32]*Entry)
	}
	c.entries[kind][id] = e

	e.timer = c.clk.AfterFunc(e.TTL, func() { c.expire(kind, id) })
	return id, nil
}

// Has reports whether a live entry exists for (kind, id).
func (c *Cache) Has(kind string, id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[kind][id]
	return ok
}

// Get returns the live entry for (kind, id), or nil.
func (c *Cache) Get(kind string, id uint32) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[kind][id]
}

// Pop removes and returns the entry, cancelling its expiry. The caller is
// responsible for resolving the future.
func (c *Cache) Pop(kind string, id uint32) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(kind, id)
}

// Resolve pops the entry and delivers the result on its future. A second
// resolve for the same entry is a no-op.
func (c *Cache) Resolve(kind string, id uint32, data any, err error) bool {
	c.mu.Lock()
	e := c.removeLocked(kind, id)
	if e == nil || e.resolved {
		c.mu.Unlock()
		return false
	}
	e.resolved = true
	c.mu.Unlock()

	e.future <- Result{Data: data, Err: err}
	return true
}

// Shutdown expires every outstanding entry with ErrShutdown.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var pending []*Entry
	for kind, m := range c.entries {
		for id, e := range m {
			if e.timer != nil {
				e.timer.Stop()
			}
			if !e.resolved {
				e.resolved = true
				pending = append(pending, e)
			}
			delete(m, id)
		}
		delete(c.entries, kind)
	}
	c.mu.Unlock()

	for _, e := range pending {
		e.future <- Result{Err: ErrShutdown}
	}
}

func (c *Cache) expire(kind string, id uint32) {
	c.mu.Lock()
	e := c.removeLocked(kind, id)
	if e == nil || e.resolved {
		c.mu.Unlock()
		return
	}
	e.resolved = true
	c.mu.Unlock()

	c.logger.Debug("request expired", "kind", kind, "id", id)
	e.future <- Result{Err: ErrTimeout}
	if e.OnTimeout != nil {
		e.OnTimeout()
	}
}

func (c *Cache) removeLocked(kind string, id uint32) *Entry {
	e, ok := c.entries[kind][id]
	if !ok {
		return nil
	}
	delete(c.entries[kind], id)
	if e.timer != nil {
		e.timer.Stop()
	}
	if bs := c.idents[kind]; bs != nil {
		bs.Clear(uint(id))
	}
	return e
}

// allocateLocked finds a free identifier in the kind's u16 space, scanning
// from a rotating cursor so identifiers are not reused immediately.
// Identifier 0 is reserved; callers use it as an out-of-band marker.
func (c *Cache) allocateLocked(kind string) (uint32, error) {
	bs := c.idents[kind]
	if bs == nil {
		bs = bitset.New(identifierSpace)
		bs.Set(0)
		c.idents[kind] = bs
	}
	cursor := c.cursors[kind]
	for i := uint(0); i < identifierSpace; i++ {
		id := (cursor + i) % identifierSpace
		if !bs.Test(id) {
			bs.Set(id)
			c.cursors[kind] = (id + 1) % identifierSpace
			return uint32(id), nil
		}
	}
	return 0, fmt.Errorf("identifier space exhausted for kind %q", kind)
}
