package forecast

// Point is one (x, y) observation.
type Point struct {
	X float64
	Y float64
}

// LinearRegression fits y = slope*x + intercept by ordinary least squares.
// When every x is equal the slope is 0 and the intercept is the mean of y.
func LinearRegression(points []Point) (slope, intercept float64) {
	n := float64(len(points))
	if n == 0 {
		return 0, 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
		sumXY += p.X * p.Y
		sumXX += p.X * p.X
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// ExponentialSmoothing returns s where s[0] = v[0] and s[i] = alpha*v[i] + (1-alpha)*s[i-1].
// Alpha outside (0, 1] falls back to DefaultAlpha.
func ExponentialSmoothing(values []float64, alpha float64) []float64 {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
