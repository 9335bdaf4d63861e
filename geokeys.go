package soiltemp

import "errors"

var errParse = errors.New("parse error")

type GeoKey uint16

// The subset of GeoTIFF keys that this package interprets.
const (
	GeoKeyGTModelType  GeoKey = 1024
	GeoKeyGTRasterType GeoKey = 1025
	GeoKeyGTCitation   GeoKey = 1026

	GeoKeyGeodeticCRS   GeoKey = 2048
	GeoKeyGeogCitation  GeoKey = 2049
	GeoKeyAngularUnits  GeoKey = 2054
	GeoKeyProjectedCRS  GeoKey = 3072
	GeoKeyPCSCitation   GeoKey = 3073
	GeoKeyLinearUnits   GeoKey = 3076
	GeoKeyVerticalUnits GeoKey = 4099
)

// GTModelType values.
const (
	ModelTypeProjected  = 1
	ModelTypeGeographic = 2
)

type ParsedGeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams []byte) (*ParsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errParse
	}

	if keyDirectoryVersion := int(directory[0]); keyDirectoryVersion != 1 {
		return nil, errParse
	}
	if keyRevision := int(directory[1]); keyRevision != 1 {
		return nil, errParse
	}
	if minorRevision := int(directory[2]); minorRevision != 0 && minorRevision != 1 {
		return nil, errParse
	}
	numberOfKeys := int(directory[3])
	if len(directory) != 4+4*numberOfKeys {
		return nil, errParse
	}

	parsedGeoKeys := &ParsedGeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for i := range numberOfKeys {
		keyValues := directory[4+4*i : 4+4*(i+1)]
		key := GeoKey(keyValues[0])
		tiffTagLocation := int(keyValues[1])
		numberOfValues := int(keyValues[2])
		switch tiffTagLocation {
		case 0:
			if numberOfValues != 1 {
				return nil, errParse
			}
			parsedGeoKeys.Params[key] = int(keyValues[3])
		case 34736: // GeoDoubleParamsTag
			index := int(keyValues[3])
			if numberOfValues != 1 {
				return nil, errors.ErrUnsupported
			}
			if index < 0 || len(doubleParams) <= index {
				return nil, errParse
			}
			parsedGeoKeys.DoubleParams[key] = doubleParams[index]
		case 34737: // GeoASCIIParamsTag
			index := int(keyValues[3])
			if index < 0 || len(asciiParams) < index+numberOfValues {
				return nil, errParse
			}
			parsedGeoKeys.ASCIIParams[key] = string(asciiParams[index : index+numberOfValues])
		default:
			return nil, errors.ErrUnsupported
		}
	}
	return parsedGeoKeys, nil
}

// EPSG returns the EPSG code of the raster's CRS: the geodetic CRS for
// geographic rasters, the projected CRS for projected ones. It returns 0 if
// the model type or CRS key is absent.
func (k *ParsedGeoKeys) EPSG() int {
	switch k.Params[GeoKeyGTModelType] {
	case ModelTypeGeographic:
		return k.Params[GeoKeyGeodeticCRS]
	case ModelTypeProjected:
		return k.Params[GeoKeyProjectedCRS]
	default:
		return 0
	}
}
