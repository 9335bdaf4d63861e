package soiltemp

import (
	"context"
	"math"
)

// Stats summarizes the valid pixels of a raster.
type Stats struct {
	Min         float64
	Max         float64
	Mean        float64
	ValidCount  int
	NoDataCount int
}

// Stats scans r one block-row at a time and returns global statistics over
// its valid pixels. Min, Max, and Mean are NaN if r has no valid pixels.
func (r *GeoTIFFRaster) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Min: math.Inf(1),
		Max: math.Inf(-1),
	}
	var sum float64
	for row := 0; row < r.height; row += r.blockLength {
		window := PixelWindow{
			Row:  row,
			Col:  0,
			Rows: min(r.blockLength, r.height-row),
			Cols: r.width,
		}
		grid, err := r.ReadWindow(ctx, window)
		if err != nil {
			return Stats{}, err
		}
		for gridRow := range grid.Rows() {
			for gridCol := range grid.Cols() {
				sample := grid.At(gridRow, gridCol)
				if math.IsNaN(sample) {
					stats.NoDataCount++
					continue
				}
				stats.ValidCount++
				sum += sample
				stats.Min = math.Min(stats.Min, sample)
				stats.Max = math.Max(stats.Max, sample)
			}
		}
	}
	if stats.ValidCount == 0 {
		stats.Min = math.NaN()
		stats.Max = math.NaN()
		stats.Mean = math.NaN()
	} else {
		stats.Mean = sum / float64(stats.ValidCount)
	}
	return stats, nil
}
