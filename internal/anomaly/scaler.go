package anomaly

import (
	"fmt"
	"math"
)

// Scaler standardizes features to zero mean and unit variance using
// population statistics captured at training time
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes per-column mean and standard deviation. Constant
// columns get a scale of 1 so they transform to zero.
func FitScaler(rows [][]float64) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("fit scaler: no rows")
	}
	width := len(rows[0])
	mean := make([]float64, width)
	for _, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("fit scaler: ragged rows (%d != %d)", len(row), width)
		}
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(rows))
	for j := range mean {
		mean[j] /= n
	}

	scale := make([]float64, width)
	for _, row := range rows {
		for j, v := range row {
			d := v - mean[j]
			scale[j] += d * d
		}
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / n)
		if scale[j] == 0 {
			scale[j] = 1
		}
	}

	return &Scaler{Mean: mean, Scale: scale}, nil
}

// Transform returns a standardized copy of x
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out
}

// TransformAll standardizes every row
func (s *Scaler) TransformAll(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = s.Transform(row)
	}
	return out
}

func (s *Scaler) validate(width int) error {
	if len(s.Mean) != width || len(s.Scale) != width {
		return fmt.Errorf("scaler width %d/%d, expected %d", len(s.Mean), len(s.Scale), width)
	}
	for j, sc := range s.Scale {
		if sc <= 0 || math.IsNaN(sc) || math.IsInf(sc, 0) {
			return fmt.Errorf("scaler column %d has invalid scale %v", j, sc)
		}
		if math.IsNaN(s.Mean[j]) || math.IsInf(s.Mean[j], 0) {
			return fmt.Errorf("scaler column %d has invalid mean", j)
		}
	}
	return nil
}
