package reqcache

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestAddHasGetPop(t *testing.T) {
	c := New(clock.NewMock(), nil)

	e := &Entry{CircuitID: 99, TTL: time.Second}
	id, err := c.Add("extend", e)
	require.NoError(t, err)

	require.True(t, c.Has("extend", id))
	require.Equal(t, e, c.Get("extend", id))
	require.False(t, c.Has("other-kind", id))

	popped := c.Pop("extend", id)
	require.Equal(t, e, popped)
	require.False(t, c.Has("extend", id))
	require.Nil(t, c.Pop("extend", id))
}

func TestIdentifiersUniquePerKind(t *testing.T) {
	c := New(clock.NewMock(), nil)

	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id, err := c.Add("extend", &Entry{TTL: time.Second})
		require.NoError(t, err)
		require.False(t, seen[id], "identifier %d reused", id)
		seen[id] = true
	}
}

func TestTTLExpiryResolvesTimeout(t *testing.T) {
	clk := clock.NewMock()
	c := New(clk, nil)

	timedOut := false
	e := &Entry{TTL: 5 * time.Second, OnTimeout: func() { timedOut = true }}
	id, err := c.Add("extend", e)
	require.NoError(t, err)

	clk.Add(4 * time.Second)
	require.True(t, c.Has("extend", id))

	clk.Add(2 * time.Second)
	select {
	case res := <-e.Future():
		require.ErrorIs(t, res.Err, ErrTimeout)
	default:
		t.Fatal("future not resolved after TTL")
	}
	require.False(t, c.Has("extend", id))
	require.True(t, timedOut)
}

func TestResolveExactlyOnce(t *testing.T) {
	clk := clock.NewMock()
	c := New(clk, nil)

	e := &Entry{TTL: time.Second}
	id, err := c.Add("http-request", e)
	require.NoError(t, err)

	require.True(t, c.Resolve("http-request", id, "response", nil))
	require.False(t, c.Resolve("http-request", id, "again", nil))

	res := <-e.Future()
	require.NoError(t, res.Err)
	require.Equal(t, "response", res.Data)

	// TTL firing afterwards must not resolve a second time.
	clk.Add(2 * time.Second)
	select {
	case <-e.Future():
		t.Fatal("future resolved twice")
	default:
	}
}

func TestIdentifierFreedAfterPop(t *testing.T) {
	c := New(clock.NewMock(), nil)

	id1, err := c.Add("extend", &Entry{TTL: time.Second})
	require.NoError(t, err)
	require.NotZero(t, id1, "identifier 0 is reserved")
	c.Pop("extend", id1)

	// The freed identifier becomes allocatable again after the cursor wraps;
	// allocating the rest of the space must not error.
	for i := 0; i < identifierSpace-1; i++ {
		_, err := c.Add("extend", &Entry{TTL: time.Second})
		require.NoError(t, err)
	}
}

func TestShutdownResolvesOutstanding(t *testing.T) {
	c := New(clock.NewMock(), nil)

	e := &Entry{TTL: time.Minute}
	_, err := c.Add("extend", e)
	require.NoError(t, err)

	c.Shutdown()
	res := <-e.Future()
	require.ErrorIs(t, res.Err, ErrShutdown)

	_, err = c.Add("extend", &Entry{TTL: time.Second})
	require.Error(t, err)
}
