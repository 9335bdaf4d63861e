package soiltemp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/twpayne/go-proj/v10"
)

const epsgWGS84 = 4326

// ErrNoGeocoder is returned by address lookups on a Service constructed
// without a geocoder.
var ErrNoGeocoder = errors.New("no geocoder configured")

// A Service answers soil temperature queries by coordinate, address, or
// bounding box.
type Service struct {
	raster   *GeoTIFFRaster
	geocoder Geocoder
	pj       *proj.PJ // nil when the raster CRS is EPSG:4326.
	logger   *slog.Logger
}

type ServiceOption func(*Service)

func WithGeocoder(geocoder Geocoder) ServiceOption {
	return func(s *Service) {
		s.geocoder = geocoder
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService returns a new Service reading from raster. If the raster's CRS
// is not EPSG:4326, queries are projected into raster space.
func NewService(raster *GeoTIFFRaster, options ...ServiceOption) (*Service, error) {
	s := &Service{
		raster: raster,
		logger: slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	if epsg := raster.EPSG(); epsg != 0 && epsg != epsgWGS84 {
		pj, err := proj.NewCRSToCRS("epsg:4326", fmt.Sprintf("epsg:%d", epsg), nil)
		if err != nil {
			return nil, err
		}
		s.pj = pj
	}
	return s, nil
}

// TemperatureAt returns the soil temperature in degrees Celsius at coord. It
// returns NaN if coord lies outside the raster or on a nodata pixel.
func (s *Service) TemperatureAt(ctx context.Context, coord LatLon) (float64, error) {
	x, y, err := s.rasterXY(coord)
	if err != nil {
		return 0, err
	}
	row, col, ok := s.raster.PixelAt(x, y)
	if !ok {
		return math.NaN(), nil
	}
	return s.raster.ReadPixel(ctx, row, col)
}

// TemperatureAtAddress geocodes address and returns the soil temperature at
// the resulting coordinate.
func (s *Service) TemperatureAtAddress(ctx context.Context, address string) (float64, error) {
	if s.geocoder == nil {
		return 0, ErrNoGeocoder
	}
	coord, err := s.geocoder.Geocode(ctx, address)
	if err != nil {
		s.logger.Warn("geocoding failed", "address", address, "error", err)
		return 0, err
	}
	return s.TemperatureAt(ctx, coord)
}

// TemperaturesInBBox returns the grid of soil temperatures covering bbox. It
// returns a nil grid if bbox lies entirely outside the raster or every
// intersecting pixel is nodata; a bbox straddling the raster edge returns the
// clipped, smaller grid.
func (s *Service) TemperaturesInBBox(ctx context.Context, bbox BoundingBox) (*Grid, error) {
	if err := bbox.Validate(); err != nil {
		return nil, err
	}

	var window PixelWindow
	var ok bool
	if s.pj == nil {
		window, ok = s.raster.WindowFromBBox(bbox)
	} else {
		minX, minY, maxX, maxY, err := s.projectedExtent(bbox)
		if err != nil {
			return nil, err
		}
		window, ok = s.raster.WindowForExtent(minX, minY, maxX, maxY)
	}
	if !ok {
		return nil, nil
	}

	grid, err := s.raster.ReadWindow(ctx, window)
	if err != nil {
		return nil, err
	}
	if grid == nil || grid.AllNoData() {
		return nil, nil
	}
	return grid, nil
}

// rasterXY returns coord in s's raster CRS.
func (s *Service) rasterXY(coord LatLon) (x, y float64, err error) {
	if s.pj == nil {
		return coord.Lon, coord.Lat, nil
	}
	// PROJ operates in authority axis order: (lat, lon) in, (northing,
	// easting) out for the supported projected CRSs.
	coords := [][]float64{{coord.Lat, coord.Lon}}
	if err := s.pj.ForwardFloat64Slices(coords); err != nil {
		return 0, 0, err
	}
	return coords[0][1], coords[0][0], nil
}

// projectedExtent returns the extent of bbox's four corners in s's raster
// CRS.
func (s *Service) projectedExtent(bbox BoundingBox) (minX, minY, maxX, maxY float64, err error) {
	corners := []LatLon{
		{Lat: bbox.LatMin, Lon: bbox.LonMin},
		{Lat: bbox.LatMin, Lon: bbox.LonMax},
		{Lat: bbox.LatMax, Lon: bbox.LonMin},
		{Lat: bbox.LatMax, Lon: bbox.LonMax},
	}
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, corner := range corners {
		x, y, err := s.rasterXY(corner)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		minX = math.Min(minX, x)
		minY = math.Min(minY, y)
		maxX = math.Max(maxX, x)
		maxY = math.Max(maxY, y)
	}
	return minX, minY, maxX, maxY, nil
}
