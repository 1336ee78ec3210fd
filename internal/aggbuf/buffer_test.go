package aggbuf

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnalignedSize(t *testing.T) {
	_, err := New(4000, 512)
	require.Error(t, err)

	_, err = New(0, 512)
	require.Error(t, err)
}

func TestTryReserveAdvancesCursor(t *testing.T) {
	b, err := New(4096, 512)
	require.NoError(t, err)

	off, ok := b.TryReserve(1000)
	require.True(t, ok)
	require.Equal(t, 0, off)

	off, ok = b.TryReserve(1100)
	require.True(t, ok)
	require.Equal(t, 1000, off)
	require.Equal(t, 2100, b.BytesUsed())
	require.Equal(t, 4096-2100, b.Remaining())
	require.Equal(t, 2100, b.BytesPending())

	_, ok = b.TryReserve(2000)
	require.False(t, ok, "reservation beyond capacity must fail")
	require.Equal(t, 2100, b.BytesUsed(), "failed reservation must not mutate")

	off, ok = b.TryReserve(4096 - 2100)
	require.True(t, ok)
	require.Equal(t, 2100, off)
	require.Zero(t, b.Remaining())
}

func TestReservationsNeverOverlap(t *testing.T) {
	b, err := New(64*1024, 4096)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		total := 0
		lastEnd := 0
		for i := 0; i < 200; i++ {
			n := rng.Intn(3000)
			off, ok := b.TryReserve(n)
			if !ok {
				require.Greater(t, total+n, b.Cap())
				continue
			}
			require.GreaterOrEqual(t, off, lastEnd)
			lastEnd = off + n
			total += n
			require.LessOrEqual(t, total, b.Cap())
		}
		b.Reset()
		require.Zero(t, b.BytesUsed())
	}
}

func TestWriteAtOutsideReservationPanics(t *testing.T) {
	b, err := New(4096, 512)
	require.NoError(t, err)

	off, ok := b.TryReserve(10)
	require.True(t, ok)
	b.WriteAt(off, []byte("0123456789"))

	require.Panics(t, func() { b.WriteAt(off, []byte("0123456789x")) })
	require.Panics(t, func() { b.WriteAt(100, []byte("x")) })
	require.Panics(t, func() { b.Region(5, 10) })
}

func TestWriteAtSpanningTwoReservationsPanics(t *testing.T) {
	b, err := New(4096, 512)
	require.NoError(t, err)

	_, _ = b.TryReserve(10)
	_, _ = b.TryReserve(10)
	require.Panics(t, func() { b.WriteAt(5, make([]byte, 10)) })
}

func TestPaddedRoundsToBlockAndResetZeroes(t *testing.T) {
	b, err := New(4096, 512)
	require.NoError(t, err)

	off, _ := b.TryReserve(700)
	region := b.Region(off, 700)
	for i := range region {
		region[i] = 0xff
	}
	require.Equal(t, 700, cap(region))

	padded := b.Padded()
	require.Len(t, padded, 1024)
	for _, c := range padded[700:] {
		require.Zero(t, c)
	}

	b.Reset()
	require.True(t, b.IsEmpty())
	off, _ = b.TryReserve(10)
	require.Equal(t, 0, off)
	for _, c := range b.Padded() {
		require.Zero(t, c)
	}
}
