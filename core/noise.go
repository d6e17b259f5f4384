package core

import (
	"math"
)

// noiseProbabilityDenominator: integer buyer-reporting signals are replaced
// by a random bucket with probability 1/denominator.
const noiseProbabilityDenominator = 100

// stochasticRoundingScale is the resolution used to draw the rounding coin.
const stochasticRoundingScale = 1 << 20

// RoundStochastically rounds value to the given number of mantissa bits,
// rounding up with probability equal to the discarded fraction. Monetary
// values in buyer reporting signals are rounded to 8 mantissa bits so the
// exact bid cannot be recovered from the report.
//
// Returns (0, false) for NaN and infinities; callers drop the field.
func RoundStochastically(value float64, mantissaBits int, randSource RandSource) (float64, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	if value == 0 || mantissaBits <= 0 {
		return value, true
	}
	if randSource == nil {
		randSource = defaultRandSource
	}

	frac, exp := math.Frexp(value) // value = frac * 2^exp, |frac| in [0.5, 1)
	scaled := frac * float64(int64(1)<<mantissaBits)
	floor := math.Floor(scaled)
	remainder := scaled - floor

	rounded := floor
	if remainder > 0 {
		threshold := int(remainder * stochasticRoundingScale)
		if randSource.Intn(stochasticRoundingScale) < threshold {
			rounded = floor + 1
		}
	}
	return math.Ldexp(rounded/float64(int64(1)<<mantissaBits), exp), true
}

// joinCountBuckets are the upper bounds of the join-count disclosure buckets;
// a count maps to the value of the first bucket that contains it.
var joinCountBuckets = []int{1, 2, 3, 5, 10, 20, 30, 50, 100}

// BucketJoinCount maps an interest-group join count onto its disclosure
// bucket. Non-positive counts collapse to the smallest bucket.
func BucketJoinCount(joinCount int) int {
	for _, bound := range joinCountBuckets {
		if joinCount <= bound {
			return bound
		}
	}
	return joinCountBuckets[len(joinCountBuckets)-1]
}

// NoiseAndBucketJoinCount buckets the join count and, with small probability,
// replaces it with a uniformly random bucket.
func NoiseAndBucketJoinCount(joinCount int, randSource RandSource) int {
	if randSource == nil {
		randSource = defaultRandSource
	}
	if randSource.Intn(noiseProbabilityDenominator) == 0 {
		return joinCountBuckets[randSource.Intn(len(joinCountBuckets))]
	}
	return BucketJoinCount(joinCount)
}

// maxRecencyMinutes caps disclosed recency at 31 days.
const maxRecencyMinutes = 31 * 24 * 60

// BucketRecency rounds an interest-group recency (in minutes) down to the
// nearest power of two and caps it at 31 days. Non-positive values yield 0.
func BucketRecency(minutes int) int {
	if minutes <= 0 {
		return 0
	}
	if minutes > maxRecencyMinutes {
		minutes = maxRecencyMinutes
	}
	bucket := 1
	for bucket*2 <= minutes {
		bucket *= 2
	}
	return bucket
}

// NoiseAndBucketRecency buckets recency and, with small probability, replaces
// it with a random power-of-two bucket inside the cap.
func NoiseAndBucketRecency(minutes int, randSource RandSource) int {
	if randSource == nil {
		randSource = defaultRandSource
	}
	if randSource.Intn(noiseProbabilityDenominator) == 0 {
		// 2^0 .. 2^15 all sit below the 31-day cap.
		return 1 << randSource.Intn(16)
	}
	return BucketRecency(minutes)
}

// modelingSignalsMask keeps the low 12 bits of buyer modeling signals.
const modelingSignalsMask = 0x0FFF

// NoiseModelingSignals masks modeling signals to 12 bits and, with small
// probability, replaces them with uniformly random 12-bit noise.
func NoiseModelingSignals(signals uint16, randSource RandSource) uint16 {
	if randSource == nil {
		randSource = defaultRandSource
	}
	if randSource.Intn(noiseProbabilityDenominator) == 0 {
		return uint16(randSource.Intn(modelingSignalsMask + 1))
	}
	return signals & modelingSignalsMask
}
