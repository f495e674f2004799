package features

import "math"

// Series helpers follow pandas semantics: rolling windows count rows and
// accept partial windows (min_periods=1), shift pads with NaN, and NaN
// propagates through arithmetic until clean replaces it. Rolling inputs
// must be NaN-free.

func rollingSum(x []float64, w int) []float64 {
	out := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		sum += v
		if i >= w {
			sum -= x[i-w]
		}
		out[i] = sum
	}
	return out
}

func rollingMean(x []float64, w int) []float64 {
	out := rollingSum(x, w)
	for i := range out {
		out[i] /= float64(min(i+1, w))
	}
	return out
}

func shift(x []float64, k int) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		if i-k < 0 {
			out[i] = math.NaN()
		} else {
			out[i] = x[i-k]
		}
	}
	return out
}

func cumsum(x []float64) []float64 {
	out := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		sum += v
		out[i] = sum
	}
	return out
}

func cummax(x []float64) []float64 {
	out := make([]float64, len(x))
	best := math.Inf(-1)
	for i, v := range x {
		if v > best {
			best = v
		}
		out[i] = best
	}
	return out
}

func zip(a, b []float64, f func(a, b float64) float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = f(a[i], b[i])
	}
	return out
}

func mapf(x []float64, f func(float64) float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = f(v)
	}
	return out
}

func sub(a, b []float64) []float64 { return zip(a, b, func(a, b float64) float64 { return a - b }) }
func add(a, b []float64) []float64 { return zip(a, b, func(a, b float64) float64 { return a + b }) }
func mul(a, b []float64) []float64 { return zip(a, b, func(a, b float64) float64 { return a * b }) }

// div returns NaN for x/0 like pandas.
func div(a, b []float64) []float64 {
	return zip(a, b, func(a, b float64) float64 {
		if b == 0 {
			return math.NaN()
		}
		return a / b
	})
}

func scale(x []float64, k float64) []float64 {
	return mapf(x, func(v float64) float64 { return v * k })
}

// indicator converts a comparison to 0/1. Comparisons with NaN are false.
func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func greater(a, b []float64) []float64 {
	return zip(a, b, func(a, b float64) float64 { return indicator(a > b) })
}

func greaterThan(x []float64, k float64) []float64 {
	return mapf(x, func(v float64) float64 { return indicator(v > k) })
}

func lessThan(x []float64, k float64) []float64 {
	return mapf(x, func(v float64) float64 { return indicator(v < k) })
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// clean replaces NaN and infinities with 0.
func clean(x []float64) []float64 {
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			x[i] = 0
		}
	}
	return x
}
