package soiltemp

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

// TIFF field types.
const (
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

// A testRasterSpec describes a synthetic GeoTIFF written by writeTestTIFF.
// The file is a classic little-endian single-band float32 image, stripped
// unless both tile dimensions are set, uncompressed, EPSG:4326.
type testRasterSpec struct {
	width        int
	height       int
	rowsPerStrip int // 0 means a single strip of full height.
	tileWidth    int
	tileLength   int
	originX      float64
	originY      float64
	scaleX       float64
	scaleY       float64
	nodata       string // empty means no GDALNoData tag.
	sampleFunc   func(row, col int) float32
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	value [4]byte
}

func inlineShort(v uint16) [4]byte {
	var value [4]byte
	binary.LittleEndian.PutUint16(value[:2], v)
	return value
}

func inlineLong(v uint32) [4]byte {
	var value [4]byte
	binary.LittleEndian.PutUint32(value[:], v)
	return value
}

// writeTestTIFF writes the GeoTIFF described by spec to dir/filename.
func writeTestTIFF(t *testing.T, dir, filename string, spec testRasterSpec) {
	t.Helper()

	tiled := spec.tileWidth > 0 && spec.tileLength > 0
	blockWidth, blockLength := spec.width, spec.rowsPerStrip
	if tiled {
		blockWidth, blockLength = spec.tileWidth, spec.tileLength
	} else if blockLength == 0 {
		blockLength = spec.height
	}
	blocksAcross := (spec.width + blockWidth - 1) / blockWidth
	blocksDown := (spec.height + blockLength - 1) / blockLength

	// Tiles are padded to full size with the nodata value; the last strip is
	// short.
	var pad float32
	if spec.nodata != "" {
		nodata, err := strconv.ParseFloat(spec.nodata, 64)
		if err != nil {
			t.Fatalf("bad nodata %q: %v", spec.nodata, err)
		}
		pad = float32(nodata)
	}
	blockPayloads := make([][]byte, 0, blocksAcross*blocksDown)
	for blockRow := range blocksDown {
		for blockCol := range blocksAcross {
			rows := blockLength
			if !tiled {
				rows = min(blockLength, spec.height-blockRow*blockLength)
			}
			payload := make([]byte, 4*blockWidth*rows)
			for localRow := range rows {
				for localCol := range blockWidth {
					row := blockRow*blockLength + localRow
					col := blockCol*blockWidth + localCol
					sample := pad
					if row < spec.height && col < spec.width {
						sample = spec.sampleFunc(row, col)
					}
					offset := 4 * (localRow*blockWidth + localCol)
					binary.LittleEndian.PutUint32(payload[offset:offset+4], math.Float32bits(sample))
				}
			}
			blockPayloads = append(blockPayloads, payload)
		}
	}

	// Lay out the file: header, block data, out-of-line values, IFD.
	pos := 8
	type region struct {
		offset int
		data   []byte
	}
	var regions []region
	addRegion := func(data []byte) uint32 {
		if pos%2 != 0 {
			pos++
		}
		offset := pos
		regions = append(regions, region{offset: offset, data: data})
		pos += len(data)
		return uint32(offset)
	}

	blockOffsets := make([]uint32, len(blockPayloads))
	blockByteCounts := make([]uint32, len(blockPayloads))
	for i, payload := range blockPayloads {
		blockOffsets[i] = addRegion(payload)
		blockByteCounts[i] = uint32(len(payload))
	}

	longArray := func(values []uint32) []byte {
		data := make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(data[4*i:4*i+4], v)
		}
		return data
	}
	doubleArray := func(values []float64) []byte {
		data := make([]byte, 8*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint64(data[8*i:8*i+8], math.Float64bits(v))
		}
		return data
	}
	shortArray := func(values []uint16) []byte {
		data := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(data[2*i:2*i+2], v)
		}
		return data
	}

	scaleOffset := addRegion(doubleArray([]float64{spec.scaleX, spec.scaleY, 0}))
	tiepointOffset := addRegion(doubleArray([]float64{0, 0, 0, spec.originX, spec.originY, 0}))
	geoKeyDirectory := []uint16{
		1, 1, 0, 2,
		uint16(GeoKeyGTModelType), 0, 1, ModelTypeGeographic,
		uint16(GeoKeyGeodeticCRS), 0, 1, epsgWGS84,
	}
	geoKeyOffset := addRegion(shortArray(geoKeyDirectory))

	longArrayEntry := func(tag uint16, values []uint32) ifdEntry {
		entry := ifdEntry{tag: tag, typ: typeLong, count: uint32(len(values))}
		if len(values) == 1 {
			entry.value = inlineLong(values[0])
		} else {
			entry.value = inlineLong(addRegion(longArray(values)))
		}
		return entry
	}

	entries := []ifdEntry{
		{tag: 256, typ: typeShort, count: 1, value: inlineShort(uint16(spec.width))},
		{tag: 257, typ: typeShort, count: 1, value: inlineShort(uint16(spec.height))},
		{tag: 258, typ: typeShort, count: 1, value: inlineShort(32)},
		{tag: 259, typ: typeShort, count: 1, value: inlineShort(compressionNone)},
		{tag: 262, typ: typeShort, count: 1, value: inlineShort(1)},
	}
	if !tiled {
		entries = append(entries, longArrayEntry(273, blockOffsets))
	}
	entries = append(entries,
		ifdEntry{tag: 277, typ: typeShort, count: 1, value: inlineShort(1)},
	)
	if !tiled {
		entries = append(entries,
			ifdEntry{tag: 278, typ: typeShort, count: 1, value: inlineShort(uint16(blockLength))},
			longArrayEntry(279, blockByteCounts),
		)
	}
	entries = append(entries,
		ifdEntry{tag: 284, typ: typeShort, count: 1, value: inlineShort(1)},
	)
	if tiled {
		entries = append(entries,
			ifdEntry{tag: 322, typ: typeShort, count: 1, value: inlineShort(uint16(blockWidth))},
			ifdEntry{tag: 323, typ: typeShort, count: 1, value: inlineShort(uint16(blockLength))},
			longArrayEntry(324, blockOffsets),
			longArrayEntry(325, blockByteCounts),
		)
	}
	entries = append(entries,
		ifdEntry{tag: 339, typ: typeShort, count: 1, value: inlineShort(3)},
		ifdEntry{tag: 33550, typ: typeDouble, count: 3, value: inlineLong(scaleOffset)},
		ifdEntry{tag: 33922, typ: typeDouble, count: 6, value: inlineLong(tiepointOffset)},
		ifdEntry{tag: 34735, typ: typeShort, count: uint32(len(geoKeyDirectory)), value: inlineLong(geoKeyOffset)},
	)
	if spec.nodata != "" {
		ascii := append([]byte(spec.nodata), 0)
		entry := ifdEntry{tag: 42113, typ: typeASCII, count: uint32(len(ascii))}
		if len(ascii) <= 4 {
			copy(entry.value[:], ascii)
		} else {
			entry.value = inlineLong(addRegion(ascii))
		}
		entries = append(entries, entry)
	}

	if pos%2 != 0 {
		pos++
	}
	ifdOffset := pos
	fileSize := ifdOffset + 2 + 12*len(entries) + 4
	file := make([]byte, fileSize)

	file[0], file[1] = 'I', 'I'
	binary.LittleEndian.PutUint16(file[2:4], 42)
	binary.LittleEndian.PutUint32(file[4:8], uint32(ifdOffset))
	for _, region := range regions {
		copy(file[region.offset:], region.data)
	}
	binary.LittleEndian.PutUint16(file[ifdOffset:], uint16(len(entries)))
	for i, entry := range entries {
		offset := ifdOffset + 2 + 12*i
		binary.LittleEndian.PutUint16(file[offset:], entry.tag)
		binary.LittleEndian.PutUint16(file[offset+2:], entry.typ)
		binary.LittleEndian.PutUint32(file[offset+4:], entry.count)
		copy(file[offset+8:offset+12], entry.value[:])
	}

	if err := os.WriteFile(filepath.Join(dir, filename), file, 0o666); err != nil {
		t.Fatal(err)
	}
}
