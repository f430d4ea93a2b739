package tunnel

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/zeebo/bencode"

	"github.com/tribler/tunnel-go/cell"
	"github.com/tribler/tunnel-go/reqcache"
)

// MaxHTTPPacketSize is the fragment size for tunneled HTTP responses.
const MaxHTTPPacketSize = 1400

// httpExitTimeout bounds the exit node's TCP exchange.
const httpExitTimeout = 10 * time.Second

// maxHTTPBody caps the response body read at the exit.
const maxHTTPBody = 1 << 20

const kindHTTPRequest = "http-request"

// httpAssembly accumulates response fragments at the initiator.
type httpAssembly struct {
	circuitID uint32
	total     uint16
	fragments map[uint16][]byte
}

// add stores one fragment and reports whether all parts are present.
func (a *httpAssembly) add(p *cell.HTTPResponsePayload) bool {
	if a.fragments == nil {
		a.fragments = make(map[uint16][]byte)
	}
	a.total = p.Total
	if _, dup := a.fragments[p.Part]; !dup {
		a.fragments[p.Part] = append([]byte(nil), p.Fragment...)
	}
	return a.total > 0 && len(a.fragments) == int(a.total)
}

// assemble concatenates the fragments in part order.
func (a *httpAssembly) assemble() []byte {
	var out []byte
	for i := uint16(0); i < a.total; i++ {
		out = append(out, a.fragments[i]...)
	}
	return out
}

// isBencoded reports whether b parses as a bencoded value. The HTTP exit
// only serves tracker-compatible traffic.
func isBencoded(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	var v any
	return bencode.DecodeBytes(b, &v) == nil
}

// PerformHTTPRequest asks an HTTP-capable exit node to run a TCP HTTP
// exchange on our behalf. It blocks until the response is assembled or the
// request times out.
func (c *Community) PerformHTTPRequest(dest cell.Addr, request []byte, hops int) ([]byte, error) {
	var circ *Circuit
	if circuits := c.FindCircuits(CircuitFilter{ExitFlags: FlagExitHTTP}); len(circuits) > 0 {
		circ = circuits[0]
	} else {
		// Try to create a circuit. Attempt at most 3 times.
		for i := 0; i < c.settings.MaxBuildAttempts && circ == nil; i++ {
			built, err := c.CreateCircuit(hops, CircuitData, FlagExitHTTP, nil)
			if err != nil {
				continue
			}
			if err := <-built.Ready(); err == nil {
				circ = built
			}
		}
	}
	if circ == nil || circ.State() != StateReady {
		return nil, fmt.Errorf("no HTTP circuit available: %w", ErrNoCircuit)
	}

	entry := &reqcache.Entry{
		CircuitID: circ.ID,
		TTL:       httpExitTimeout + 5*time.Second,
		Data:      &httpAssembly{circuitID: circ.ID},
	}
	id, err := c.requests.Add(kindHTTPRequest, entry)
	if err != nil {
		return nil, err
	}

	p := &cell.HTTPRequestPayload{CircuitID: circ.ID, Identifier: id, Target: dest, Request: request}
	if err := c.sendCircuitCell(circ, cell.TypeHTTPRequest, p.Encode()); err != nil {
		c.requests.Pop(kindHTTPRequest, id)
		return nil, err
	}

	res := <-entry.Future()
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Data.([]byte), nil
}

// onHTTPRequest runs at the exit node: perform the TCP exchange under the
// per-circuit cap and send the response back in sequenced fragments.
func (c *Community) onHTTPRequest(es *ExitSocket, data []byte) {
	if es.Flags&FlagExitHTTP == 0 {
		c.log.Warn("http-request on circuit without HTTP exit", "circuit", es.CircuitID)
		return
	}
	p, err := cell.DecodeHTTPRequest(data)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}
	if !es.tryReserveHTTP() {
		c.log.Warn("too many HTTP requests coming from circuit", "circuit", es.CircuitID)
		return
	}

	go func() {
		defer es.releaseHTTP()

		response, err := httpExchange(p.Target, p.Request)
		if err != nil {
			c.log.Warn("tunnel HTTP request failed", "target", p.Target, "error", err)
			return
		}

		// Pass 307 redirects through unmodified; anything else must carry
		// a bencoded body (tracker responses).
		if !bytes.HasPrefix(response, []byte("HTTP/1.1 307")) {
			_, body, found := bytes.Cut(response, []byte("\r\n\r\n"))
			if !found || !isBencoded(body) {
				c.log.Warn("tunnel HTTP request not allowed", "target", p.Target)
				return
			}
		}

		total := (len(response) + MaxHTTPPacketSize - 1) / MaxHTTPPacketSize
		for i := 0; i < total; i++ {
			end := (i + 1) * MaxHTTPPacketSize
			if end > len(response) {
				end = len(response)
			}
			frag := &cell.HTTPResponsePayload{
				CircuitID:  p.CircuitID,
				Identifier: p.Identifier,
				Part:       uint16(i),
				Total:      uint16(total),
				Fragment:   response[i*MaxHTTPPacketSize : end],
			}
			enc, err := encryptLayer(es.Keys.Backward, frag.Encode())
			if err != nil {
				return
			}
			c.sendCellRaw(es.Peer, cell.New(es.CircuitID, cell.TypeHTTPResponse, enc))
		}
	}()
}

// httpExchange opens a TCP connection, writes the request and reads the
// headers plus a bounded body, all within the exit timeout.
func httpExchange(target cell.Addr, request []byte) ([]byte, error) {
	conn, err := net.DialTimeout("tcp4", target.String(), httpExitTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(httpExitTimeout))

	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	var response []byte
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		response = append(response, line...)
		if err != nil {
			return nil, fmt.Errorf("read headers: %w", err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			body, err := io.ReadAll(io.LimitReader(r, maxHTTPBody))
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}
			response = append(response, body...)
			return response, nil
		}
	}
}

// onHTTPResponse accumulates fragments at the initiator and resolves the
// request once every part is present.
func (c *Community) onHTTPResponse(circ *Circuit, data []byte) {
	p, err := cell.DecodeHTTPResponse(data)
	if err != nil {
		c.metrics.CellsDropped.Inc(1)
		return
	}

	e := c.requests.Get(kindHTTPRequest, p.Identifier)
	if e == nil {
		c.log.Warn("received unexpected http-response", "circuit", circ.ID)
		return
	}
	a, ok := e.Data.(*httpAssembly)
	if !ok {
		return
	}
	if a.circuitID != p.CircuitID {
		c.log.Warn("http-response from wrong circuit", "want", a.circuitID, "got", p.CircuitID)
		return
	}

	if a.add(p) {
		c.requests.Resolve(kindHTTPRequest, p.Identifier, a.assemble(), nil)
	}
}
