package soiltemp

import "math"

// A Grid is a window-shaped rectangle of raster samples. Its shape always
// matches the window it was read with.
type Grid struct {
	window    PixelWindow
	samples   []float32
	nodata    float32
	hasNodata bool
}

// Window returns the pixel window that g covers.
func (g *Grid) Window() PixelWindow {
	return g.window
}

// Rows returns the number of rows in g.
func (g *Grid) Rows() int {
	return g.window.Rows
}

// Cols returns the number of columns in g.
func (g *Grid) Cols() int {
	return g.window.Cols
}

// At returns the sample at (row, col), relative to g's window. Nodata pixels
// return NaN.
func (g *Grid) At(row, col int) float64 {
	sample := g.samples[row*g.window.Cols+col]
	if g.isNoData(sample) {
		return math.NaN()
	}
	return float64(sample)
}

// IsNoData reports whether the pixel at (row, col), relative to g's window,
// is nodata.
func (g *Grid) IsNoData(row, col int) bool {
	return g.isNoData(g.samples[row*g.window.Cols+col])
}

// AllNoData reports whether every pixel in g is nodata.
func (g *Grid) AllNoData() bool {
	for _, sample := range g.samples {
		if !g.isNoData(sample) {
			return false
		}
	}
	return true
}

func (g *Grid) isNoData(sample float32) bool {
	if g.hasNodata && sample == g.nodata {
		return true
	}
	return math.IsNaN(float64(sample))
}
