package tunnel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitNodeCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exitnodes.cache")

	tn := newTestNet()
	settings := DefaultSettings()
	settings.ExitNodeCachePath = path
	a := tn.addNode(t, 1000, settings)
	exit := tn.addNode(t, 1001, relaySettings())

	a.comm.AddCandidate(exit.addr, exit.pub, exit.comm.settings.PeerFlags)
	a.comm.CacheExitNodesToDisk()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	// A fresh node restores the snapshot and greets the stored peers.
	tn2 := newTestNet()
	b := tn2.addNode(t, 2000, settings)
	tn2.nodes[exit.addr] = exit // the exit is reachable in the new net
	b.comm.RestoreExitNodesFromDisk()

	cands := b.comm.Candidates(FlagExitBT)
	require.Len(t, cands, 1)
	require.Equal(t, exit.addr, cands[0].Addr)
	require.Equal(t, []byte(exit.pub), []byte(cands[0].PublicKey))
}

func TestRestoreMissingCacheIsNonFatal(t *testing.T) {
	tn := newTestNet()
	settings := DefaultSettings()
	settings.ExitNodeCachePath = filepath.Join(t.TempDir(), "does-not-exist")
	a := tn.addNode(t, 1000, settings)

	a.comm.RestoreExitNodesFromDisk()
	require.Empty(t, a.comm.Candidates(0))
}

func TestRestoreCorruptCacheIsNonFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exitnodes.cache")
	require.NoError(t, os.WriteFile(path, []byte("not bencoded at all"), 0600))

	tn := newTestNet()
	settings := DefaultSettings()
	settings.ExitNodeCachePath = path
	a := tn.addNode(t, 1000, settings)

	a.comm.RestoreExitNodesFromDisk()
	require.Empty(t, a.comm.Candidates(0))
}

func TestOnlyExitPeersSnapshotted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exitnodes.cache")

	tn := newTestNet()
	settings := DefaultSettings()
	settings.ExitNodeCachePath = path
	a := tn.addNode(t, 1000, settings)

	relayOnly := tn.addNode(t, 1001, DefaultSettings())
	exit := tn.addNode(t, 1002, relaySettings())
	a.comm.AddCandidate(relayOnly.addr, relayOnly.pub, FlagRelay)
	a.comm.AddCandidate(exit.addr, exit.pub, exit.comm.settings.PeerFlags)

	a.comm.CacheExitNodesToDisk()

	tn2 := newTestNet()
	b := tn2.addNode(t, 2000, settings)
	b.comm.RestoreExitNodesFromDisk()

	require.Len(t, b.comm.Candidates(FlagExitBT), 1)
	require.Empty(t, func() []*Candidate {
		var out []*Candidate
		for _, c := range b.comm.Candidates(0) {
			if c.Addr == relayOnly.addr {
				out = append(out, c)
			}
		}
		return out
	}())
}
