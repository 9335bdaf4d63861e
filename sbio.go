package soiltemp

import "io/fs"

// SBIO1Filename is the canonical filename of the SoilBioclim annual mean
// soil temperature (5-15cm) raster.
const SBIO1Filename = "SBIO1_Annual_Mean_Temperature_5_15cm.tif"

// OpenSBIO1 opens the SoilBioclim SBIO1 raster in fsys.
func OpenSBIO1(fsys fs.FS, options ...RasterOption) (*GeoTIFFRaster, error) {
	return NewGeoTIFFRaster(fsys, SBIO1Filename, options...)
}
