package soiltemp

import (
	"math"
	"os"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestGeoTIFFRaster_Stats(t *testing.T) {
	dir := t.TempDir()
	samples := [][]float32{
		{1, 2},
		{3, -9999},
	}
	writeTestTIFF(t, dir, "small.tif", testRasterSpec{
		width:   2,
		height:  2,
		originX: 0,
		originY: 1,
		scaleX:  0.5,
		scaleY:  0.5,
		nodata:  "-9999",
		sampleFunc: func(row, col int) float32 {
			return samples[row][col]
		},
	})
	raster, err := NewGeoTIFFRaster(os.DirFS(dir), "small.tif")
	assert.NoError(t, err)
	defer raster.Close()

	stats, err := raster.Stats(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 3.0, stats.Max)
	assert.Equal(t, 2.0, stats.Mean)
	assert.Equal(t, 3, stats.ValidCount)
	assert.Equal(t, 1, stats.NoDataCount)
}

func TestGeoTIFFRaster_Stats_AllNoData(t *testing.T) {
	dir := t.TempDir()
	writeTestTIFF(t, dir, "nodata.tif", testRasterSpec{
		width:   4,
		height:  4,
		originX: 0,
		originY: 1,
		scaleX:  0.25,
		scaleY:  0.25,
		nodata:  "-9999",
		sampleFunc: func(int, int) float32 {
			return -9999
		},
	})
	raster, err := NewGeoTIFFRaster(os.DirFS(dir), "nodata.tif")
	assert.NoError(t, err)
	defer raster.Close()

	stats, err := raster.Stats(t.Context())
	assert.NoError(t, err)
	assert.True(t, math.IsNaN(stats.Min))
	assert.True(t, math.IsNaN(stats.Max))
	assert.True(t, math.IsNaN(stats.Mean))
	assert.Equal(t, 0, stats.ValidCount)
	assert.Equal(t, 16, stats.NoDataCount)
}

func TestGeoTIFFRaster_Stats_MultipleStrips(t *testing.T) {
	dir := t.TempDir()
	spec := parisRasterSpec()
	writeTestTIFF(t, dir, "paris.tif", spec)
	raster, err := NewGeoTIFFRaster(os.DirFS(dir), "paris.tif")
	assert.NoError(t, err)
	defer raster.Close()

	stats, err := raster.Stats(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, 0.0, stats.Min)
	assert.Equal(t, 1939.0, stats.Max)
	assert.Equal(t, 40*20-1, stats.ValidCount)
	assert.Equal(t, 1, stats.NoDataCount)
}
