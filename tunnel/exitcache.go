package tunnel

import (
	"crypto/ed25519"
	"os"

	"github.com/zeebo/bencode"

	"github.com/tribler/tunnel-go/cell"
)

// exitNodeRecord is the on-disk form of one verified exit peer.
type exitNodeRecord struct {
	IP        string `bencode:"ip"`
	Port      uint16 `bencode:"port"`
	PublicKey []byte `bencode:"key"`
}

// CacheExitNodesToDisk snapshots the verified BT-exit peers. I/O failures
// are logged and non-fatal.
func (c *Community) CacheExitNodesToDisk() {
	path := c.settings.ExitNodeCachePath
	if path == "" {
		return
	}

	var records []exitNodeRecord
	for _, key := range c.exitCandidates.Keys() {
		v, ok := c.exitCandidates.Get(key)
		if !ok {
			continue
		}
		cand := v.(*Candidate)
		records = append(records, exitNodeRecord{
			IP:        cand.Addr.UDPAddr().IP.String(),
			Port:      cand.Addr.Port,
			PublicKey: append([]byte(nil), cand.PublicKey...),
		})
	}

	snapshot, err := bencode.EncodeBytes(records)
	if err != nil {
		c.log.Warn("exit node snapshot encode failed", "error", err)
		return
	}
	c.log.Info("writing exit nodes to cache file", "path", path, "count", len(records))
	if err := os.WriteFile(path, snapshot, 0600); err != nil {
		c.log.Warn("exit node snapshot write failed", "path", path, "error", err)
	}
}

// RestoreExitNodesFromDisk loads the snapshot, if present, and sends
// introduction requests to each stored peer to warm the candidate set up.
// On read error or absence: warn and continue with an empty set.
func (c *Community) RestoreExitNodesFromDisk() {
	path := c.settings.ExitNodeCachePath
	if path == "" {
		return
	}
	snapshot, err := os.ReadFile(path)
	if err != nil {
		c.log.Warn("could not retrieve backup exitnode cache", "path", path, "error", err)
		return
	}

	var records []exitNodeRecord
	if err := bencode.DecodeBytes(snapshot, &records); err != nil {
		c.log.Warn("exit node snapshot decode failed", "path", path, "error", err)
		return
	}

	c.log.Debug("loading exit nodes from cache", "path", path, "count", len(records))
	for _, rec := range records {
		addr, err := cell.AddrFrom(rec.IP, rec.Port)
		if err != nil {
			continue
		}
		if len(rec.PublicKey) == ed25519.PublicKeySize {
			c.AddCandidate(addr, ed25519.PublicKey(rec.PublicKey), FlagRelay|FlagExitBT)
		}
		c.sendIntroduction(addr, introRequest)
	}
}
