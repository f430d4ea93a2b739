package tunnel

import (
	"fmt"
	"time"

	"github.com/tribler/tunnel-go/cell"
)

// forcedAnnounceInterval is the minimum spacing of forced DHT announces per
// infohash.
const forcedAnnounceInterval = 60 * time.Second

// monitorInterval is the download-monitor tick rate.
const monitorInterval = time.Second

// StartMonitor runs the download monitor at 1 Hz until Unload.
func (c *Community) StartMonitor() {
	ticker := c.clk.Ticker(monitorInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-c.monitorStop:
				return
			case <-ticker.C:
				c.MonitorTick()
			}
		}
	}()
}

// MonitorTick runs one monitor round. Errors from the download manager must
// not stop the monitor; everything here is best-effort.
func (c *Community) MonitorTick() {
	if c.dm == nil {
		return
	}
	c.MonitorDownloads(c.dm.LastDownloadStates())
	c.maintainCircuitPool()
	c.reapLeftSwarmCircuits()
}

// MonitorDownloads observes the download states: sizes the circuit pool,
// joins/leaves hidden swarms, and works around the libtorrent DHT going
// quiet after a circuit-less period with a throttled forced announce.
func (c *Community) MonitorDownloads(states []DownloadState) {
	newStates := make(map[[cell.InfoHashLen]byte]DownloadStatus)
	hops := make(map[[cell.InfoHashLen]byte]int)
	activePerHop := make(map[int]int)
	if c.settings.DefaultHops > 0 {
		activePerHop[c.settings.DefaultHops] = 0
	}

	now := c.clk.Now()
	for _, ds := range states {
		dl := ds.Download()
		// Metainfo downloads are short-lived and don't warrant circuits.
		if dl.Hidden() {
			continue
		}
		hopCount := dl.Hops()
		if hopCount <= 0 {
			continue
		}

		real := dl.InfoHash()
		ih := LookupInfoHash(real)
		hops[ih] = hopCount
		newStates[ih] = ds.Status()

		if !ds.Status().active() {
			continue
		}
		activePerHop[hopCount]++

		c.mu.Lock()
		last, seen := c.lastForcedAnnounce[real]
		c.mu.Unlock()
		if (!seen || now.Sub(last) >= forcedAnnounceInterval) &&
			len(c.FindCircuits(CircuitFilter{Hops: hopCount})) > 0 &&
			ds.PeerCount() == 0 &&
			c.dm.HasSession(hopCount) {
			dl.ForceDHTAnnounce()
			c.mu.Lock()
			c.lastForcedAnnounce[real] = now
			c.mu.Unlock()
		}
	}

	// One circuit per download, clamped to [min_circuits, max_circuits].
	needed := make(map[int]int)
	for hopCount, count := range activePerHop {
		if count < c.settings.MinCircuits {
			count = c.settings.MinCircuits
		}
		if count > c.settings.MaxCircuits {
			count = c.settings.MaxCircuits
		}
		needed[hopCount] = count
	}

	c.monitorHiddenSwarms(newStates, hops)

	c.mu.Lock()
	c.circuitsNeeded = needed
	c.downloadStates = newStates
	c.mu.Unlock()
}

// monitorHiddenSwarms joins and leaves swarms on state transitions. The
// METADATA→DOWNLOADING transition does not re-join: the metadata fetch
// already joined and its infrastructure is reused.
func (c *Community) monitorHiddenSwarms(newStates map[[cell.InfoHashLen]byte]DownloadStatus, hops map[[cell.InfoHashLen]byte]int) {
	ipCounter := make(map[[cell.InfoHashLen]byte]int)
	for _, circ := range c.Circuits() {
		if circ.Ctype == CircuitIPSeeder {
			ipCounter[circ.InfoHash]++
		}
	}

	c.mu.Lock()
	oldStates := c.downloadStates
	c.mu.Unlock()

	union := make(map[[cell.InfoHashLen]byte]bool)
	for ih := range newStates {
		union[ih] = true
	}
	for ih := range oldStates {
		union[ih] = true
	}

	for ih := range union {
		newState, hasNew := newStates[ih]
		oldState, hasOld := oldStates[ih]
		stateChanged := hasNew != hasOld || newState != oldState

		switch {
		case stateChanged && hasNew && newState.active():
			if !(hasOld && oldState == StatusMetadata && newState == StatusDownloading) {
				c.JoinSwarm(ih, hops[ih], newState == StatusSeeding, c.OnE2EFinished)
			}
		case stateChanged && (!hasNew || newState == StatusStopped):
			c.LeaveSwarm(ih)
		}

		// Keep exactly one introduction circuit per seeding swarm.
		if hasNew && newState == StatusSeeding && ipCounter[ih] == 0 {
			c.log.Info("creating introduction circuit", "infohash", fmt.Sprintf("%x", ih))
			c.CreateIntroductionPoint(ih)
		}
	}
}

// OnE2EFinished injects the e2e peer address into the matching download.
func (c *Community) OnE2EFinished(addr cell.Addr, infoHash [cell.InfoHashLen]byte) {
	dl := c.downloadForLookup(infoHash)
	if dl == nil {
		c.log.Warn("no download for hidden services peer", "peer", addr)
		return
	}
	dl.AddPeer(addr)
}

// downloadForLookup finds the download whose lookup infohash matches.
func (c *Community) downloadForLookup(infoHash [cell.InfoHashLen]byte) Download {
	if c.dm == nil {
		return nil
	}
	for _, dl := range c.dm.Downloads() {
		if LookupInfoHash(dl.InfoHash()) == infoHash {
			return dl
		}
	}
	return nil
}

// maintainCircuitPool keeps the per-hop-count pool of data circuits at the
// monitor's computed size. Building and extending circuits count against
// the target.
func (c *Community) maintainCircuitPool() {
	c.mu.Lock()
	needed := make(map[int]int, len(c.circuitsNeeded))
	for h, n := range c.circuitsNeeded {
		needed[h] = n
	}
	have := make(map[int]int)
	for _, circ := range c.circuits {
		if circ.Ctype != CircuitData {
			continue
		}
		if st := circ.State(); st == StateClosing || st == StateClosed {
			continue
		}
		have[circ.GoalHops]++
	}
	c.mu.Unlock()

	for hopCount, n := range needed {
		for i := have[hopCount]; i < n; i++ {
			if _, err := c.CreateCircuit(hopCount, CircuitData, FlagExitBT, nil); err != nil {
				c.log.Debug("circuit pool build failed", "hops", hopCount, "error", err)
				break
			}
		}
	}
}

// reapLeftSwarmCircuits lazily tears down hidden-swarm circuits whose swarm
// has been left.
func (c *Community) reapLeftSwarmCircuits() {
	for _, circ := range c.Circuits() {
		switch circ.Ctype {
		case CircuitIPSeeder, CircuitRPSeeder, CircuitRPDownloader:
		default:
			continue
		}
		if c.InSwarm(circ.InfoHash) {
			continue
		}
		c.RemoveCircuit(circ.ID, "swarm left")
	}
}

// bindSocksSessions associates each SOCKS5 UDP session for the hop count
// with the libtorrent listen port, because the SOCKS5 ASSOCIATE message does
// not carry the source address in this integration. Any non-loopback listen
// interface may be picked; never loopback.
func (c *Community) bindSocksSessions(hops int) {
	if c.dm == nil || hops < 1 || hops > len(c.socksServers) {
		return
	}

	var port uint16
	for iface, p := range c.dm.ListenPorts(hops) {
		if iface == "127.0.0.1" {
			continue
		}
		port = p
		break
	}
	if port == 0 {
		return
	}

	target, err := cell.AddrFrom("127.0.0.1", port)
	if err != nil {
		return
	}
	for _, session := range c.socksServers[hops-1].Sessions() {
		if session.HasUDP() && session.RemoteUDPAddress().IsZero() {
			session.SetRemoteUDPAddress(target)
		}
	}
}
