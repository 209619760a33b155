package arith_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/backtrace-labs/poireau/internal/arith"
)

func TestRoundUp(t *testing.T) {
	require.Equal(t, uintptr(0), arith.RoundUp(0, 4096))
	require.Equal(t, uintptr(4096), arith.RoundUp(1, 4096))
	require.Equal(t, uintptr(4096), arith.RoundUp(4096, 4096))
	require.Equal(t, uintptr(8192), arith.RoundUp(4097, 4096))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, uintptr(0), arith.AlignDown(4095, 4096))
	require.Equal(t, uintptr(4096), arith.AlignDown(4096, 4096))
	require.Equal(t, uintptr(4096), arith.AlignDown(8191, 4096))
}

func TestIsPowerOfTwo(t *testing.T) {
	require.False(t, arith.IsPowerOfTwo(0))
	require.True(t, arith.IsPowerOfTwo(1))
	require.True(t, arith.IsPowerOfTwo(1<<30))
	require.False(t, arith.IsPowerOfTwo(3))
	require.False(t, arith.IsPowerOfTwo((1<<30)+1))
}

func TestMul(t *testing.T) {
	p, overflow := arith.Mul(3, 5)
	require.False(t, overflow)
	require.Equal(t, uintptr(15), p)

	_, overflow = arith.Mul(math.MaxUint64, 2)
	require.True(t, overflow)

	p, overflow = arith.Mul(math.MaxUint64, 1)
	require.False(t, overflow)
	require.Equal(t, uintptr(math.MaxUint64), p)

	p, overflow = arith.Mul(math.MaxUint64, 0)
	require.False(t, overflow)
	require.Equal(t, uintptr(0), p)
}
