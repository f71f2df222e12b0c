package precision

import (
	"fmt"
	"math"
	"math/bits"
)

var pow10 = func() [19]uint64 {
	var t [19]uint64
	t[0] = 1
	for i := 1; i < len(t); i++ {
		t[i] = t[i-1] * 10
	}
	return t
}()

// Pow10 returns 10^n for 0 <= n <= 18 and panics otherwise.
func Pow10(n int32) int64 {
	if n < 0 || n > MaxPlaces {
		panic(fmt.Sprintf("precision: Pow10(%d) out of range", n))
	}
	return int64(pow10[n])
}

// AddChecked adds two scaled values, failing instead of wrapping.
func AddChecked(a, b int64) (int64, error) {
	s := a + b
	if (a > 0 && b > 0 && s < 0) || (a < 0 && b < 0 && s >= 0) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return s, nil
}

// SubChecked subtracts two scaled values, failing instead of wrapping.
func SubChecked(a, b int64) (int64, error) {
	if b == math.MinInt64 {
		if a >= 0 {
			return 0, fmt.Errorf("%w: %d - %d", ErrOverflow, a, b)
		}
		return a - b, nil
	}
	return AddChecked(a, -b)
}

// MulRescale multiplies a (scale sa) by b (scale sb) through a 128-bit
// intermediate and rescales the product to scale out, rounding half-up.
func MulRescale(a int64, sa int32, b int64, sb int32, out int32) (int64, error) {
	neg := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(absU(a), absU(b))

	shift := sa + sb - out
	var q uint64
	switch {
	case shift == 0:
		if hi != 0 {
			return 0, fmt.Errorf("%w: %d*%d", ErrOverflow, a, b)
		}
		q = lo
	case shift > 0:
		if shift > MaxPlaces+1 {
			return 0, fmt.Errorf("%w: rescale by 10^%d", ErrInvalidScale, shift)
		}
		div := pow10Wide(shift)
		if hi >= div {
			return 0, fmt.Errorf("%w: %d*%d", ErrOverflow, a, b)
		}
		var r uint64
		q, r = bits.Div64(hi, lo, div)
		// half-up: toward +inf, so a negative exact half keeps the smaller magnitude
		if r > div-r || (r == div-r && !neg) {
			q++
		}
	default:
		if -shift > MaxPlaces {
			return 0, fmt.Errorf("%w: rescale by 10^%d", ErrInvalidScale, shift)
		}
		if hi != 0 {
			return 0, fmt.Errorf("%w: %d*%d", ErrOverflow, a, b)
		}
		var h uint64
		h, q = bits.Mul64(lo, pow10[-shift])
		if h != 0 {
			return 0, fmt.Errorf("%w: %d*%d", ErrOverflow, a, b)
		}
	}

	if neg {
		if q > 1<<63 {
			return 0, fmt.Errorf("%w: %d*%d", ErrOverflow, a, b)
		}
		return -int64(q), nil
	}
	if q > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d*%d", ErrOverflow, a, b)
	}
	return int64(q), nil
}

func pow10Wide(n int32) uint64 {
	if n == MaxPlaces+1 {
		return pow10[MaxPlaces] * 10
	}
	return pow10[n]
}

func absU(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}
