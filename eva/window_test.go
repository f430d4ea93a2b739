package eva

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowAddAndFinish(t *testing.T) {
	w := NewTransferWindow(0, 3)
	require.False(t, w.IsFinished())

	w.Add(0, []byte("a"))
	w.Add(1, []byte("b"))
	require.False(t, w.IsFinished())
	require.Equal(t, 2, w.Processed)

	w.Add(2, []byte("c"))
	require.True(t, w.IsFinished())
}

func TestWindowIgnoresOutOfRangeAndDuplicates(t *testing.T) {
	w := NewTransferWindow(10, 3)

	w.Add(9, []byte("below"))
	w.Add(13, []byte("above"))
	require.Equal(t, 0, w.Processed)

	w.Add(11, []byte("x"))
	w.Add(11, []byte("dup"))
	require.Equal(t, 1, w.Processed)
	require.Equal(t, []byte("x"), w.Blocks[1])
}

func TestWindowConsecutiveBlocks(t *testing.T) {
	w := NewTransferWindow(0, 5)
	w.Add(0, []byte("d"))
	w.Add(1, []byte("a"))
	w.Add(3, []byte("x"))

	prefix := w.ConsecutiveBlocks()
	require.Len(t, prefix, 2)
	require.Equal(t, []byte("d"), prefix[0])
	require.Equal(t, []byte("a"), prefix[1])
}

func TestWindowShrink(t *testing.T) {
	w := NewTransferWindow(0, 10)
	w.Shrink(3)
	require.Len(t, w.Blocks, 4)

	// Shrinking beyond the current length is a no-op.
	w.Shrink(20)
	require.Len(t, w.Blocks, 4)
}

func TestWindowEmptyBlockCountsAsReceived(t *testing.T) {
	w := NewTransferWindow(0, 2)
	w.Add(0, []byte("a"))
	w.Add(1, nil)
	require.True(t, w.IsFinished())
	require.NotNil(t, w.Blocks[1])
	require.Len(t, w.Blocks[1], 0)
}
