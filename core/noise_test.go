package core

import (
	"math"
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestRoundStochastically_ExactValuesUnchanged(t *testing.T) {
	// 0.5 and powers of two have no discarded mantissa at 8 bits.
	for _, v := range []float64{0, 0.5, 1, 2, 64, -4} {
		got, ok := RoundStochastically(v, 8, &mockRandSource{})
		check.True(t, ok)
		check.Equal(t, v, got)
	}
}

func TestRoundStochastically_RoundsDownOrUp(t *testing.T) {
	// 1.004 at 8 mantissa bits lies strictly between two representable
	// values; the coin decides the direction.
	down, ok := RoundStochastically(1.004, 8, &mockRandSource{sequence: []int{stochasticRoundingScale - 1}})
	check.True(t, ok)
	up, ok2 := RoundStochastically(1.004, 8, &mockRandSource{sequence: []int{0}})
	check.True(t, ok2)

	check.True(t, down < up)
	check.True(t, down <= 1.004)
	check.True(t, up >= 1.004)
	// Both outcomes sit on the 8-bit grid: a step of 2^-8 at exponent 1.
	check.Equal(t, 1.0/128, up-down)
}

func TestRoundStochastically_NonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		got, ok := RoundStochastically(v, 8, &mockRandSource{})
		check.False(t, ok)
		check.Equal(t, 0.0, got)
	}
}

func TestBucketJoinCount(t *testing.T) {
	check.Equal(t, 1, BucketJoinCount(0))
	check.Equal(t, 1, BucketJoinCount(1))
	check.Equal(t, 2, BucketJoinCount(2))
	check.Equal(t, 5, BucketJoinCount(4))
	check.Equal(t, 10, BucketJoinCount(7))
	check.Equal(t, 100, BucketJoinCount(99))
	check.Equal(t, 100, BucketJoinCount(5000))
}

func TestNoiseAndBucketJoinCount(t *testing.T) {
	// Coin of 1 means no noise: plain bucketing.
	check.Equal(t, 5, NoiseAndBucketJoinCount(4, &mockRandSource{sequence: []int{1}}))

	// Coin of 0 replaces the bucket with a random one.
	check.Equal(t, 30, NoiseAndBucketJoinCount(4, &mockRandSource{sequence: []int{0, 6}}))
}

func TestBucketRecency(t *testing.T) {
	check.Equal(t, 0, BucketRecency(0))
	check.Equal(t, 0, BucketRecency(-5))
	check.Equal(t, 1, BucketRecency(1))
	check.Equal(t, 4, BucketRecency(7))
	check.Equal(t, 8, BucketRecency(8))
	check.Equal(t, 32768, BucketRecency(maxRecencyMinutes))
	check.Equal(t, 32768, BucketRecency(maxRecencyMinutes*10))
}

func TestNoiseAndBucketRecency(t *testing.T) {
	check.Equal(t, 4, NoiseAndBucketRecency(7, &mockRandSource{sequence: []int{1}}))

	// Noised recency is still a power of two below the cap.
	noised := NoiseAndBucketRecency(7, &mockRandSource{sequence: []int{0, 15}})
	check.Equal(t, 32768, noised)
	check.True(t, noised <= maxRecencyMinutes)
}

func TestNoiseModelingSignals(t *testing.T) {
	// Without the coin only the low 12 bits survive.
	check.Equal(t, uint16(0x0ABC), NoiseModelingSignals(0xFABC, &mockRandSource{sequence: []int{1}}))

	// With the coin the signals are replaced entirely.
	check.Equal(t, uint16(42), NoiseModelingSignals(0xFABC, &mockRandSource{sequence: []int{0, 42}}))
}
