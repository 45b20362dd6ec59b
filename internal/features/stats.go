package features

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// moments holds population statistics in the convention of numpy/scipy
// defaults: ddof=0 standard deviation, biased skew and Fisher kurtosis.
type moments struct {
	Mean     float64
	Std      float64
	Skew     float64
	Kurtosis float64
}

func describe(x []float64) moments {
	if len(x) == 0 {
		return moments{}
	}
	mean, variance := stat.PopMeanVariance(x, nil)
	m := moments{Mean: mean, Std: math.Sqrt(variance)}
	if variance < 1e-12 {
		return m
	}
	m.Skew = stat.MomentAbout(3, x, mean, nil) / math.Pow(variance, 1.5)
	m.Kurtosis = stat.MomentAbout(4, x, mean, nil)/(variance*variance) - 3
	return m
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}
