// Package soiltemp reads soil temperatures from a global GeoTIFF raster by
// geographic bounding box, coordinate, or street address.
package soiltemp

import (
	"context"
	"fmt"
	"math"
)

// A LatLon is a WGS84 coordinate in degrees.
type LatLon struct {
	Lat float64
	Lon float64
}

// A BoundingBox is a geographic region in degrees.
type BoundingBox struct {
	LatMin float64
	LonMin float64
	LatMax float64
	LonMax float64
}

// Validate returns an error if b's minimums do not lie strictly below its
// maximums.
func (b BoundingBox) Validate() error {
	if b.LatMin >= b.LatMax || b.LonMin >= b.LonMax {
		return fmt.Errorf("invalid bounding box: %+v", b)
	}
	return nil
}

// A PixelWindow is a sub-rectangle of a raster in pixel indices.
type PixelWindow struct {
	Row  int // First row.
	Col  int // First column.
	Rows int
	Cols int
}

// Empty reports whether w covers no pixels.
func (w PixelWindow) Empty() bool {
	return w.Rows <= 0 || w.Cols <= 0
}

// An Affine is a north-up transform between pixel indices and georeferenced
// coordinates. Origin is the outer corner of pixel (0, 0). ScaleY is positive,
// with rows increasing southward.
type Affine struct {
	OriginX float64
	OriginY float64
	ScaleX  float64
	ScaleY  float64
}

// Pixel returns the pixel containing the georeferenced coordinate (x, y).
func (a Affine) Pixel(x, y float64) (row, col int) {
	col = int(math.Floor((x - a.OriginX) / a.ScaleX))
	row = int(math.Floor((a.OriginY - y) / a.ScaleY))
	return row, col
}

// Bounds returns the georeferenced extent of a raster of the given size.
func (a Affine) Bounds(width, height int) (minX, minY, maxX, maxY float64) {
	minX = a.OriginX
	maxX = a.OriginX + float64(width)*a.ScaleX
	maxY = a.OriginY
	minY = a.OriginY - float64(height)*a.ScaleY
	return minX, minY, maxX, maxY
}

// WindowForExtent returns the pixel window covering the georeferenced extent
// [minX, maxX] x [minY, maxY], clipped to a raster of the given size. Start
// indices round down and end indices round up so the window fully covers the
// extent. The second return value is false if the clipped window is empty,
// that is, if the extent lies entirely outside the raster.
func (a Affine) WindowForExtent(minX, minY, maxX, maxY float64, width, height int) (PixelWindow, bool) {
	col0 := int(math.Floor((minX - a.OriginX) / a.ScaleX))
	col1 := int(math.Ceil((maxX - a.OriginX) / a.ScaleX))
	row0 := int(math.Floor((a.OriginY - maxY) / a.ScaleY))
	row1 := int(math.Ceil((a.OriginY - minY) / a.ScaleY))

	col0 = max(col0, 0)
	row0 = max(row0, 0)
	col1 = min(col1, width)
	row1 = min(row1, height)

	if col1 <= col0 || row1 <= row0 {
		return PixelWindow{}, false
	}
	return PixelWindow{
		Row:  row0,
		Col:  col0,
		Rows: row1 - row0,
		Cols: col1 - col0,
	}, true
}

// A Geocoder resolves a free-text address to a coordinate.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (LatLon, error)
}
