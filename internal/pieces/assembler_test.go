package pieces

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const maxSize = 200 * 1024 * 1024

func TestNewAssemblerSize(t *testing.T) {
	_, err := NewAssembler(0, 400, maxSize)
	require.Error(t, err)

	_, err = NewAssembler(maxSize, 400, maxSize)
	require.Error(t, err)

	_, err = NewAssembler(100, 0, maxSize)
	require.Error(t, err)

	a, err := NewAssembler(maxSize-1, 1024, maxSize)
	require.NoError(t, err)
	require.EqualValues(t, maxSize-1, a.Size())
}

// TestLastPieceLength covers the 1000 byte payload in 400 byte pieces: three
// pieces, the last one 200 bytes long.
func TestLastPieceLength(t *testing.T) {
	a, err := NewAssembler(1000, 400, maxSize)
	require.NoError(t, err)
	require.Equal(t, 3, a.NumPieces())
	require.EqualValues(t, 400, a.PieceLength(0))
	require.EqualValues(t, 200, a.PieceLength(2))

	_, err = a.Write(800, make([]byte, 400))
	require.ErrorIs(t, err, ErrOutOfBounds)

	_, err = a.Write(800, make([]byte, 100))
	require.ErrorIs(t, err, ErrPieceLength)
	require.False(t, a.Has(2))

	idx, err := a.Write(800, bytes.Repeat([]byte{7}, 200))
	require.NoError(t, err)
	require.Equal(t, 2, idx)
	require.True(t, a.Has(2))
}

func TestWriteRejects(t *testing.T) {
	a, err := NewAssembler(1000, 400, maxSize)
	require.NoError(t, err)

	_, err = a.Write(0, make([]byte, 401))
	require.ErrorIs(t, err, ErrPieceTooLarge)

	_, err = a.Write(10, make([]byte, 400))
	require.ErrorIs(t, err, ErrMisaligned)

	_, err = a.Write(1200, make([]byte, 0))
	require.ErrorIs(t, err, ErrOutOfBounds)

	// A short non-final piece.
	_, err = a.Write(400, make([]byte, 200))
	require.ErrorIs(t, err, ErrPieceLength)

	require.Equal(t, 0, a.Received())
	require.Equal(t, make([]byte, 1000), a.Bytes())
}

func TestWriteDuplicate(t *testing.T) {
	a, err := NewAssembler(1000, 400, maxSize)
	require.NoError(t, err)

	first := bytes.Repeat([]byte{1}, 400)
	_, err = a.Write(400, first)
	require.NoError(t, err)

	_, err = a.Write(400, bytes.Repeat([]byte{2}, 400))
	require.ErrorIs(t, err, ErrDuplicate)
	require.Equal(t, first, a.Bytes()[400:800])
	require.Equal(t, 1, a.Received())
}

// TestAssembleAnyOrder writes every piece of a random payload in a random
// order, with duplicates, and checks that exactly the covered piece is
// marked each time and the result equals the input.
func TestAssembleAnyOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pieceSize := rapid.Uint32Range(1, 64).Draw(t, "pieceSize")
		total := rapid.Uint32Range(1, 2048).Draw(t, "total")
		payload := rapid.SliceOfN(
			rapid.Byte(), int(total), int(total),
		).Draw(t, "payload")

		a, err := NewAssembler(total, pieceSize, maxSize)
		require.NoError(t, err)

		n := a.NumPieces()
		order := rapid.Permutation(rangeInts(n)).Draw(t, "order")
		dups := rapid.SliceOf(rapid.IntRange(0, n-1)).Draw(t, "dups")
		order = append(order, dups...)

		seen := make(map[int]bool)
		for _, i := range order {
			off := a.Offset(i)
			end := off + a.PieceLength(i)
			before := a.Received()

			idx, err := a.Write(off, payload[off:end])
			require.Equal(t, i, idx)
			if seen[i] {
				require.ErrorIs(t, err, ErrDuplicate)
				require.Equal(t, before, a.Received())
				continue
			}

			require.NoError(t, err)
			seen[i] = true
			require.Equal(t, before+1, a.Received())
			for j := 0; j < n; j++ {
				require.Equal(t, seen[j], a.Has(j))
			}
			require.Equal(t, len(seen) == n, a.Complete())
		}

		require.True(t, a.Complete())
		require.Equal(t, payload, a.Bytes())
	})
}

func rangeInts(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}

	return out
}
