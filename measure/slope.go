package measure

import (
	"fmt"
	"math"

	"github.com/dektronics/densitometer-desktop-sub000/calibration"
	"github.com/dektronics/densitometer-desktop-sub000/matrix"
)

// MinSlopePoints is the fewest points FitSlope accepts.
const MinSlopePoints = 5

// Point pairs a measured log10 reading with the log10 reading the target
// predicts for the patch.
type Point struct {
	X, Y float64
}

// FitSlope fits y = b0 + b1*x + b2*x^2 by least squares.
func FitSlope(points []Point) (calibration.SlopeCorrection, error) {
	if len(points) < MinSlopePoints {
		return calibration.NoSlope(), fmt.Errorf("slope fit: %d points: %w", len(points), ErrInsufficientData)
	}
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i], ys[i] = p.X, p.Y
	}
	coeffs, err := matrix.PolyFit(xs, ys, 2)
	if err != nil {
		return calibration.NoSlope(), fmt.Errorf("slope fit: %w", err)
	}
	return calibration.SlopeCorrection{
		B0: float32(coeffs[0]),
		B1: float32(coeffs[1]),
		B2: float32(coeffs[2]),
	}, nil
}

// WedgePoints pairs the basic readings of a step wedge with the known
// densities of its patches.
func WedgePoints(target calibration.Target, densities, readings []float64) ([]Point, error) {
	if len(densities) != len(readings) {
		return nil, fmt.Errorf("wedge: %d densities but %d readings", len(densities), len(readings))
	}
	if !target.IsValid() {
		return nil, fmt.Errorf("wedge: %w", ErrInvalidResult)
	}
	points := make([]Point, 0, len(readings))
	for i, r := range readings {
		if r <= 0 || math.IsNaN(r) || math.IsNaN(densities[i]) {
			return nil, fmt.Errorf("wedge: patch %d: reading %v", i, r)
		}
		points = append(points, Point{
			X: math.Log10(r),
			Y: target.ExpectedLogReading(densities[i]),
		})
	}
	return points, nil
}
