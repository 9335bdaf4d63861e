package soiltemp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/image/tiff/lzw"
)

const (
	compressionNone = 1
	compressionLZW  = 5
)

var (
	errShortRead = errors.New("short read")

	blockCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soiltemp_block_cache_hits_total",
		Help: "The total number of hits on the raster block cache",
	})
	blockCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soiltemp_block_cache_misses_total",
		Help: "The total number of misses on the raster block cache",
	})
	blockCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soiltemp_block_cache_evictions_total",
		Help: "The total number of evictions from the raster block cache",
	})
	emptyBlockHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soiltemp_empty_block_hits_total",
		Help: "The total number of reads short-circuited by the empty block check",
	})
)

// A GeoTIFFRaster is an open single-band float32 GeoTIFF. It is safe for
// concurrent readers: block data is read with ReadAt and the block cache is
// thread-safe.
type GeoTIFFRaster struct {
	file                   *os.File
	width                  int
	height                 int
	tiled                  bool
	compression            uint16
	blockWidth             int
	blockLength            int
	blocksAcross           int
	blocksDown             int
	blockOffsets           []uint64
	blockByteCounts        []uint64
	smallestBlockByteCount uint64
	blockSampleCount       int
	transform              Affine
	nodata                 float32
	hasNodata              bool
	epsg                   int
	blockCacheSizeBytes    int
	blockCache             *lru.Cache[int, []float32]

	mutex           sync.Mutex
	emptyBlockBytes []byte
}

type RasterOption func(*GeoTIFFRaster)

// WithBlockCacheSize sets the approximate size of the decoded block cache in
// bytes.
func WithBlockCacheSize(blockCacheSizeBytes int) RasterOption {
	return func(r *GeoTIFFRaster) {
		r.blockCacheSizeBytes = blockCacheSizeBytes
	}
}

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth                uint16    `tiff:"field,tag=256"`
	ImageLength               uint16    `tiff:"field,tag=257"`
	BitsPerSample             uint16    `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	StripOffsets              []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	RowsPerStrip              uint16    `tiff:"field,tag=278"`
	StripByteCounts           []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint16    `tiff:"field,tag=322"`
	TileLength                uint16    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	SampleFormat              uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag          []float64 `tiff:"field,tag=33922"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag        []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag         string    `tiff:"field,tag=34737"`
	GDALMetadata              string    `tiff:"field,tag=42112"`
	GDALNoData                string    `tiff:"field,tag=42113"`
}

// NewGeoTIFFRaster opens the GeoTIFF at filename in fsys. The raster must be
// a single-band float32 image, tiled or stripped, uncompressed or
// LZW-compressed, with a north-up affine transform anchored at pixel (0, 0).
func NewGeoTIFFRaster(fsys fs.FS, filename string, options ...RasterOption) (*GeoTIFFRaster, error) {
	var err error
	ok := false

	r := &GeoTIFFRaster{
		blockCacheSizeBytes: 128 << 20, // 128MB.
	}
	for _, option := range options {
		option(r)
	}

	file, err := fsys.Open(filename)
	if err != nil {
		return nil, err
	}
	if _, ok := file.(*os.File); !ok {
		return nil, errors.ErrUnsupported
	}
	r.file = file.(*os.File)
	defer func() {
		if !ok {
			_ = r.file.Close()
		}
	}()

	tiffTIFF, err := tiff.Parse(r.file, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}

	if len(tiffTIFF.IFDs()) != 1 {
		return nil, fmt.Errorf("found %d IFDs, expected 1", len(tiffTIFF.IFDs()))
	}

	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}

	if ifd.BitsPerSample != 32 ||
		(ifd.Compression != compressionNone && ifd.Compression != compressionLZW) ||
		ifd.PhotometricInterpretation != 1 ||
		ifd.SamplesPerPixel != 1 ||
		(ifd.PlanarConfiguration != 0 && ifd.PlanarConfiguration != 1) ||
		(ifd.Predictor != 0 && ifd.Predictor != 1) ||
		ifd.SampleFormat != 3 {
		return nil, errors.ErrUnsupported
	}
	if len(ifd.ModelPixelScaleTag) != 3 ||
		ifd.ModelPixelScaleTag[0] <= 0 || ifd.ModelPixelScaleTag[1] <= 0 || ifd.ModelPixelScaleTag[2] != 0 {
		return nil, errors.ErrUnsupported
	}
	if len(ifd.ModelTiepointTag) != 6 ||
		ifd.ModelTiepointTag[0] != 0 || ifd.ModelTiepointTag[1] != 0 || ifd.ModelTiepointTag[2] != 0 ||
		ifd.ModelTiepointTag[5] != 0 {
		return nil, errors.ErrUnsupported
	}

	r.width = int(ifd.ImageWidth)
	r.height = int(ifd.ImageLength)
	r.compression = ifd.Compression
	if r.width <= 0 || r.height <= 0 {
		return nil, errors.New("empty raster")
	}

	switch {
	case ifd.TileWidth > 0 && ifd.TileLength > 0 && len(ifd.TileOffsets) > 0:
		r.tiled = true
		r.blockWidth = int(ifd.TileWidth)
		r.blockLength = int(ifd.TileLength)
		r.blocksAcross = (r.width + r.blockWidth - 1) / r.blockWidth
		r.blocksDown = (r.height + r.blockLength - 1) / r.blockLength
		r.blockOffsets = ifd.TileOffsets
		r.blockByteCounts = ifd.TileByteCounts
	case len(ifd.StripOffsets) > 0:
		r.blockWidth = r.width
		r.blockLength = int(ifd.RowsPerStrip)
		if r.blockLength == 0 {
			r.blockLength = r.height
		}
		r.blocksAcross = 1
		r.blocksDown = (r.height + r.blockLength - 1) / r.blockLength
		r.blockOffsets = ifd.StripOffsets
		r.blockByteCounts = ifd.StripByteCounts
	default:
		return nil, errors.ErrUnsupported
	}
	blocksPerImage := r.blocksAcross * r.blocksDown
	if len(r.blockOffsets) != blocksPerImage || len(r.blockByteCounts) != blocksPerImage {
		return nil, errors.New("incorrect number of block byte counts or offsets")
	}
	r.smallestBlockByteCount = r.blockByteCounts[0]
	for _, blockByteCount := range r.blockByteCounts[1:] {
		if blockByteCount < r.smallestBlockByteCount {
			r.smallestBlockByteCount = blockByteCount
		}
	}
	r.blockSampleCount = r.blockWidth * r.blockLength

	blockCacheCount := max(r.blockCacheSizeBytes/(4*r.blockSampleCount), 1)
	r.blockCache, err = lru.NewWithEvict(blockCacheCount, func(int, []float32) {
		blockCacheEvictions.Inc()
	})
	if err != nil {
		return nil, err
	}

	r.transform = Affine{
		OriginX: ifd.ModelTiepointTag[3],
		OriginY: ifd.ModelTiepointTag[4],
		ScaleX:  ifd.ModelPixelScaleTag[0],
		ScaleY:  ifd.ModelPixelScaleTag[1],
	}

	if nodata := strings.TrimRight(strings.TrimSpace(ifd.GDALNoData), "\x00"); nodata != "" {
		value, err := strconv.ParseFloat(nodata, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid nodata value %q: %w", nodata, err)
		}
		r.nodata = float32(value)
		r.hasNodata = true
	}

	if len(ifd.GeoKeyDirectoryTag) > 0 {
		parsedGeoKeys, err := ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, []byte(ifd.GeoASCIIParamsTag))
		if err != nil {
			return nil, err
		}
		r.epsg = parsedGeoKeys.EPSG()
	}

	ok = true
	return r, nil
}

func (r *GeoTIFFRaster) Close() error {
	return r.file.Close()
}

// Size returns r's dimensions in pixels.
func (r *GeoTIFFRaster) Size() (width, height int) {
	return r.width, r.height
}

// Transform returns r's affine transform.
func (r *GeoTIFFRaster) Transform() Affine {
	return r.transform
}

// NoData returns r's declared nodata sentinel, if any.
func (r *GeoTIFFRaster) NoData() (float64, bool) {
	return float64(r.nodata), r.hasNodata
}

// EPSG returns the EPSG code of r's CRS, or 0 if the raster does not declare
// one.
func (r *GeoTIFFRaster) EPSG() int {
	return r.epsg
}

// Bounds returns r's georeferenced extent.
func (r *GeoTIFFRaster) Bounds() (minX, minY, maxX, maxY float64) {
	return r.transform.Bounds(r.width, r.height)
}

// WindowFromBBox returns the pixel window covering b, clipped to r. It is
// only meaningful when r's CRS is geographic. The second return value is
// false if b lies entirely outside r.
func (r *GeoTIFFRaster) WindowFromBBox(b BoundingBox) (PixelWindow, bool) {
	minX, minY, maxX, maxY := r.Bounds()
	if b.LonMax <= minX || maxX <= b.LonMin || b.LatMax <= minY || maxY <= b.LatMin {
		return PixelWindow{}, false
	}
	return r.transform.WindowForExtent(b.LonMin, b.LatMin, b.LonMax, b.LatMax, r.width, r.height)
}

// WindowForExtent returns the pixel window covering the extent in r's CRS,
// clipped to r.
func (r *GeoTIFFRaster) WindowForExtent(minX, minY, maxX, maxY float64) (PixelWindow, bool) {
	return r.transform.WindowForExtent(minX, minY, maxX, maxY, r.width, r.height)
}

// PixelFromLatLon returns the pixel containing c. It is only meaningful when
// r's CRS is geographic. The third return value is false if c lies outside r.
func (r *GeoTIFFRaster) PixelFromLatLon(c LatLon) (row, col int, ok bool) {
	return r.PixelAt(c.Lon, c.Lat)
}

// PixelAt returns the pixel containing the coordinate (x, y) in r's CRS. The
// third return value is false if the coordinate lies outside r.
func (r *GeoTIFFRaster) PixelAt(x, y float64) (row, col int, ok bool) {
	row, col = r.transform.Pixel(x, y)
	if col < 0 || r.width <= col || row < 0 || r.height <= row {
		return 0, 0, false
	}
	return row, col, true
}

// ReadWindow reads the sub-rectangle w from r, touching only the blocks that
// intersect w. Nodata pixels read as NaN from the returned grid. It returns
// nil if w, clipped to r, is empty.
func (r *GeoTIFFRaster) ReadWindow(ctx context.Context, w PixelWindow) (*Grid, error) {
	w = w.intersect(PixelWindow{Rows: r.height, Cols: r.width})
	if w.Empty() {
		return nil, nil
	}

	samples := make([]float32, w.Rows*w.Cols)
	fill := float32(math.NaN())
	if r.hasNodata {
		fill = r.nodata
	}
	for i := range samples {
		samples[i] = fill
	}

	blockRow0 := w.Row / r.blockLength
	blockRow1 := (w.Row + w.Rows - 1) / r.blockLength
	blockCol0 := w.Col / r.blockWidth
	blockCol1 := (w.Col + w.Cols - 1) / r.blockWidth
	for blockRow := blockRow0; blockRow <= blockRow1; blockRow++ {
		for blockCol := blockCol0; blockCol <= blockCol1; blockCol++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			blockSamples, err := r.getBlockSamplesCached(blockRow*r.blocksAcross + blockCol)
			if err != nil {
				return nil, err
			}
			if blockSamples == nil {
				// Known all-nodata block, keep the fill values.
				continue
			}
			row0 := max(w.Row, blockRow*r.blockLength)
			row1 := min(w.Row+w.Rows, (blockRow+1)*r.blockLength)
			col0 := max(w.Col, blockCol*r.blockWidth)
			col1 := min(w.Col+w.Cols, (blockCol+1)*r.blockWidth)
			for row := row0; row < row1; row++ {
				src := (row-blockRow*r.blockLength)*r.blockWidth + (col0 - blockCol*r.blockWidth)
				dst := (row-w.Row)*w.Cols + (col0 - w.Col)
				copy(samples[dst:dst+col1-col0], blockSamples[src:src+col1-col0])
			}
		}
	}

	return &Grid{
		window:    w,
		samples:   samples,
		nodata:    r.nodata,
		hasNodata: r.hasNodata,
	}, nil
}

// ReadPixel reads the single pixel at (row, col). It returns NaN if the pixel
// is nodata or lies outside r.
func (r *GeoTIFFRaster) ReadPixel(ctx context.Context, row, col int) (float64, error) {
	if col < 0 || r.width <= col || row < 0 || r.height <= row {
		return math.NaN(), nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	blockIndex := (row/r.blockLength)*r.blocksAcross + col/r.blockWidth
	blockSamples, err := r.getBlockSamplesCached(blockIndex)
	if err != nil {
		return 0, err
	}
	if blockSamples == nil {
		return math.NaN(), nil
	}
	sample := blockSamples[(row%r.blockLength)*r.blockWidth+col%r.blockWidth]
	if r.hasNodata && sample == r.nodata {
		return math.NaN(), nil
	}
	return float64(sample), nil
}

// intersect returns the intersection of w and other.
func (w PixelWindow) intersect(other PixelWindow) PixelWindow {
	row0 := max(w.Row, other.Row)
	col0 := max(w.Col, other.Col)
	row1 := min(w.Row+w.Rows, other.Row+other.Rows)
	col1 := min(w.Col+w.Cols, other.Col+other.Cols)
	return PixelWindow{
		Row:  row0,
		Col:  col0,
		Rows: row1 - row0,
		Cols: col1 - col0,
	}
}

// blockRowCount returns the number of image rows stored in the block at
// blockIndex. Tiles are padded to full size; the last strip may be short.
func (r *GeoTIFFRaster) blockRowCount(blockIndex int) int {
	if r.tiled {
		return r.blockLength
	}
	return min(r.blockLength, r.height-(blockIndex/r.blocksAcross)*r.blockLength)
}

// getRawBlockData returns the stored (possibly compressed) data for the block
// at blockIndex. It returns nil data if the block is known to be all nodata.
func (r *GeoTIFFRaster) getRawBlockData(blockIndex int) ([]byte, error) {
	blockByteCount := r.blockByteCounts[blockIndex]
	blockOffset := r.blockOffsets[blockIndex]
	rawData := make([]byte, blockByteCount)
	switch n, err := r.file.ReadAt(rawData, int64(blockOffset)); {
	case err != nil:
		return nil, err
	case n != int(blockByteCount):
		return nil, errShortRead
	}
	r.mutex.Lock()
	emptyBlockBytes := r.emptyBlockBytes
	r.mutex.Unlock()
	if emptyBlockBytes != nil && bytes.Equal(rawData, emptyBlockBytes) {
		emptyBlockHits.Inc()
		return nil, nil
	}
	return rawData, nil
}

// decompressBlockData decompresses the LZW block data in rawData.
func (r *GeoTIFFRaster) decompressBlockData(rawData []byte, byteCount int) ([]byte, error) {
	blockData := make([]byte, byteCount)
	reader := lzw.NewReader(bytes.NewReader(rawData), lzw.MSB, 8)
	for bytesRead := 0; bytesRead < byteCount; {
		n, err := reader.Read(blockData[bytesRead:])
		if err != nil {
			return nil, err
		}
		bytesRead += n
	}
	return blockData, nil
}

// decodeBlockData decodes blockData as little-endian float32 samples.
func (r *GeoTIFFRaster) decodeBlockData(blockData []byte) []float32 {
	sampleCount := len(blockData) / 4
	blockSamples := make([]float32, sampleCount)
	for i := range sampleCount {
		b := binary.LittleEndian.Uint32(blockData[i*4 : (i+1)*4])
		blockSamples[i] = math.Float32frombits(b)
	}
	return blockSamples
}

// getBlockSamples reads and decodes the block at blockIndex. It returns nil
// samples if the block is all nodata.
func (r *GeoTIFFRaster) getBlockSamples(blockIndex int) ([]float32, error) {
	rawData, err := r.getRawBlockData(blockIndex)
	if err != nil || rawData == nil {
		return nil, err
	}

	byteCount := 4 * r.blockWidth * r.blockRowCount(blockIndex)
	var blockData []byte
	switch r.compression {
	case compressionNone:
		if len(rawData) < byteCount {
			return nil, errShortRead
		}
		blockData = rawData[:byteCount]
	case compressionLZW:
		blockData, err = r.decompressBlockData(rawData, byteCount)
		if err != nil {
			return nil, err
		}
	}
	blockSamples := r.decodeBlockData(blockData)

	// If we do not know what an all-nodata block looks like in its stored
	// form, check whether this is one, and, if so, remember its bytes so
	// later encounters are detected before decompression. We assume that the
	// all-nodata block is the smallest block.
	if r.hasNodata && len(rawData) == int(r.smallestBlockByteCount) {
		r.mutex.Lock()
		unknown := r.emptyBlockBytes == nil
		r.mutex.Unlock()
		if unknown {
			isEmptyBlock := true
			for _, sample := range blockSamples {
				if sample != r.nodata {
					isEmptyBlock = false
					break
				}
			}
			if isEmptyBlock {
				r.mutex.Lock()
				r.emptyBlockBytes = rawData
				r.mutex.Unlock()
				return nil, nil
			}
		}
	}

	return blockSamples, nil
}

// getBlockSamplesCached returns the samples of the block at blockIndex using
// r's cache. Nil samples mean an all-nodata block.
func (r *GeoTIFFRaster) getBlockSamplesCached(blockIndex int) ([]float32, error) {
	if blockSamples, ok := r.blockCache.Get(blockIndex); ok {
		blockCacheHits.Inc()
		return blockSamples, nil
	}
	blockCacheMisses.Inc()
	blockSamples, err := r.getBlockSamples(blockIndex)
	if err != nil {
		return nil, err
	}
	r.blockCache.Add(blockIndex, blockSamples)
	return blockSamples, nil
}
