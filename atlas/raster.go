package atlas

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
)

// ErrEmptyRaster is returned when asked to write a raster with no pixels.
var ErrEmptyRaster = errors.New("raster has no pixels")

// Geotransform maps pixel (col, row) to world coordinates in GDAL order:
// x = OriginX + col*PixelWidth + row*RowRotation,
// y = OriginY + col*ColRotation + row*PixelHeight.
type Geotransform struct {
	OriginX     float64 `json:"originX"`
	PixelWidth  float64 `json:"pixelWidth"`
	RowRotation float64 `json:"rowRotation"`
	OriginY     float64 `json:"originY"`
	ColRotation float64 `json:"colRotation"`
	PixelHeight float64 `json:"pixelHeight"`
}

// GridGeotransform places pixel (0, 0) at the corner of the origin cell.
// Rows advance towards +y, the same direction as cell indices.
func GridGeotransform(g *Grid) (Geotransform, error) {
	limits, ok := g.Limits()
	if !ok {
		return Geotransform{}, ErrLimitsNotComputed
	}
	return Geotransform{
		OriginX:     float64(limits.XOrigin) * g.CellLen(),
		PixelWidth:  g.CellLen(),
		OriginY:     float64(limits.YOrigin) * g.CellLen(),
		PixelHeight: g.CellLen(),
	}, nil
}

// Band is one raster band read by position. FieldIterator implements it.
type Band interface {
	Component() Component
	Len() int
	At(p int) float64
}

// RasterSink stores a multi-band raster.
type RasterSink interface {
	WriteBands(geo Geotransform, width, height int, bands []Band) error
}

// FieldBands returns the X, Y and Z bands of the grid, in that order.
func FieldBands(g *Grid) ([]Band, error) {
	bands := make([]Band, 0, len(Components))
	for _, c := range Components {
		it, err := NewFieldIterator(g, c)
		if err != nil {
			return nil, err
		}
		bands = append(bands, it)
	}
	return bands, nil
}

// WriteRaster writes the grid's displacement field to sink.
func WriteRaster(g *Grid, sink RasterSink) error {
	limits, ok := g.Limits()
	if !ok {
		return ErrLimitsNotComputed
	}
	if limits.Empty() {
		return ErrEmptyRaster
	}
	if _, err := rasterBytes(limits.XSize, limits.YSize, len(Components)); err != nil {
		return err
	}
	geo, err := GridGeotransform(g)
	if err != nil {
		return err
	}
	bands, err := FieldBands(g)
	if err != nil {
		return err
	}
	return sink.WriteBands(geo, limits.XSize, limits.YSize, bands)
}

// GeoTIFFWriter writes Float32 GeoTIFF files with one sample plane per band.
type GeoTIFFWriter struct {
	Path string
	EPSG int // Projected CRS code; 0 omits the GeoKey directory
}

// WriteBands implements RasterSink.
func (w *GeoTIFFWriter) WriteBands(geo Geotransform, width, height int, bands []Band) (err error) {
	if dir := filepath.Dir(w.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating raster directory: %w", err)
		}
	}
	f, err := os.Create(w.Path)
	if err != nil {
		return fmt.Errorf("creating raster file: %w", err)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	bw := bufio.NewWriter(f)
	if err := EncodeGeoTIFF(bw, geo, width, height, w.EPSG, bands); err != nil {
		return fmt.Errorf("writing %s: %w", w.Path, err)
	}
	return bw.Flush()
}

// TIFF field types
const (
	tiffASCII  = 2
	tiffShort  = 3
	tiffLong   = 4
	tiffDouble = 12
)

// TIFF and GeoTIFF tags, ascending
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfiguration = 284
	tagExtraSamples        = 338
	tagSampleFormat        = 339
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGDALMetadata        = 42112
	tagGDALNoData          = 42113
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// maxTIFFData leaves room for the IFD and tag data behind the samples while
// keeping every offset within a classic TIFF's 32-bit range.
const maxTIFFData = math.MaxUint32 / 2

// rasterBytes is the size of the Float32 sample data of a raster.
func rasterBytes(width, height, nBands int) (uint64, error) {
	hi, pixels := bits.Mul64(uint64(width), uint64(height))
	if hi == 0 {
		var samples uint64
		hi, samples = bits.Mul64(pixels, uint64(nBands)*4)
		if hi == 0 && samples <= maxTIFFData {
			return samples, nil
		}
	}
	return 0, fmt.Errorf("%w: %dx%d raster with %d bands exceeds the classic TIFF size limit",
		ErrFieldTooLarge, width, height, nBands)
}

// EncodeGeoTIFF writes a little-endian, uncompressed Float32 GeoTIFF with
// planar band layout, one strip per row and band. Band names go into
// GDAL metadata and NoData is declared through the GDAL_NODATA tag.
func EncodeGeoTIFF(w io.Writer, geo Geotransform, width, height, epsg int, bands []Band) error {
	if width <= 0 || height <= 0 {
		return ErrEmptyRaster
	}
	if len(bands) == 0 {
		return fmt.Errorf("no bands to write")
	}
	nBands := len(bands)
	dataBytes, err := rasterBytes(width, height, nBands)
	if err != nil {
		return err
	}
	for _, b := range bands {
		if b.Len() != width*height {
			return fmt.Errorf("band %s has %d values, want %d", b.Component(), b.Len(), width*height)
		}
	}
	rowBytes := uint64(width) * 4

	le := binary.LittleEndian
	const headerBytes = 8

	strips := nBands * height
	offsets := make([]uint32, strips)
	counts := make([]uint32, strips)
	for i := range offsets {
		offsets[i] = uint32(headerBytes + uint64(i)*rowBytes)
		counts[i] = uint32(rowBytes)
	}

	shorts := func(vals ...uint16) []byte {
		b := make([]byte, 2*len(vals))
		for i, v := range vals {
			le.PutUint16(b[2*i:], v)
		}
		return b
	}
	longs := func(vals ...uint32) []byte {
		b := make([]byte, 4*len(vals))
		for i, v := range vals {
			le.PutUint32(b[4*i:], v)
		}
		return b
	}
	doubles := func(vals ...float64) []byte {
		b := make([]byte, 8*len(vals))
		for i, v := range vals {
			le.PutUint64(b[8*i:], math.Float64bits(v))
		}
		return b
	}
	ascii := func(s string) []byte {
		return append([]byte(s), 0)
	}
	repeat := func(v uint16, n int) []uint16 {
		out := make([]uint16, n)
		for i := range out {
			out[i] = v
		}
		return out
	}

	entries := []ifdEntry{
		{tagImageWidth, tiffLong, 1, longs(uint32(width))},
		{tagImageLength, tiffLong, 1, longs(uint32(height))},
		{tagBitsPerSample, tiffShort, uint32(nBands), shorts(repeat(32, nBands)...)},
		{tagCompression, tiffShort, 1, shorts(1)},
		{tagPhotometric, tiffShort, 1, shorts(1)}, // BlackIsZero
		{tagStripOffsets, tiffLong, uint32(strips), longs(offsets...)},
		{tagSamplesPerPixel, tiffShort, 1, shorts(uint16(nBands))},
		{tagRowsPerStrip, tiffLong, 1, longs(1)},
		{tagStripByteCounts, tiffLong, uint32(strips), longs(counts...)},
		{tagPlanarConfiguration, tiffShort, 1, shorts(2)}, // separate planes
	}
	if nBands > 1 {
		entries = append(entries, ifdEntry{tagExtraSamples, tiffShort, uint32(nBands - 1), shorts(repeat(0, nBands-1)...)})
	}
	entries = append(entries,
		ifdEntry{tagSampleFormat, tiffShort, uint32(nBands), shorts(repeat(3, nBands)...)}, // IEEE float
		ifdEntry{tagModelTransformation, tiffDouble, 16, doubles(
			geo.PixelWidth, geo.RowRotation, 0, geo.OriginX,
			geo.ColRotation, geo.PixelHeight, 0, geo.OriginY,
			0, 0, 0, 0,
			0, 0, 0, 1,
		)},
	)
	if epsg > 0 {
		keys := shorts(
			1, 1, 0, 3, // version, revision, minor, key count
			1024, 0, 1, 1, // GTModelTypeGeoKey = projected
			1025, 0, 1, 1, // GTRasterTypeGeoKey = PixelIsArea
			3072, 0, 1, uint16(epsg), // ProjectedCSTypeGeoKey
		)
		entries = append(entries, ifdEntry{tagGeoKeyDirectory, tiffShort, uint32(len(keys) / 2), keys})
	}
	meta := ascii(gdalMetadata(bands))
	nodata := ascii(fmt.Sprintf("%g", NoData))
	entries = append(entries,
		ifdEntry{tagGDALMetadata, tiffASCII, uint32(len(meta)), meta},
		ifdEntry{tagGDALNoData, tiffASCII, uint32(len(nodata)), nodata},
	)

	ifdOffset := uint32(headerBytes + dataBytes)
	extOffset := ifdOffset + 2 + uint32(len(entries))*12 + 4

	var ifd, ext bytes.Buffer
	_ = binary.Write(&ifd, le, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&ifd, le, e.tag)
		_ = binary.Write(&ifd, le, e.typ)
		_ = binary.Write(&ifd, le, e.count)
		if len(e.data) <= 4 {
			inline := make([]byte, 4)
			copy(inline, e.data)
			ifd.Write(inline)
			continue
		}
		_ = binary.Write(&ifd, le, extOffset+uint32(ext.Len()))
		ext.Write(e.data)
		if ext.Len()%2 == 1 {
			ext.WriteByte(0)
		}
	}
	_ = binary.Write(&ifd, le, uint32(0)) // no next IFD

	header := make([]byte, headerBytes)
	copy(header, "II")
	le.PutUint16(header[2:], 42)
	le.PutUint32(header[4:], ifdOffset)
	if _, err := w.Write(header); err != nil {
		return err
	}

	row := make([]byte, rowBytes)
	for _, b := range bands {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				le.PutUint32(row[4*x:], math.Float32bits(float32(b.At(y*width+x))))
			}
			if _, err := w.Write(row); err != nil {
				return err
			}
		}
	}

	if _, err := w.Write(ifd.Bytes()); err != nil {
		return err
	}
	_, err = w.Write(ext.Bytes())
	return err
}

func gdalMetadata(bands []Band) string {
	var buf bytes.Buffer
	buf.WriteString("<GDALMetadata>")
	for i, b := range bands {
		fmt.Fprintf(&buf, `<Item name="DESCRIPTION" sample="%d" role="description">%s</Item>`, i, b.Component())
	}
	buf.WriteString("</GDALMetadata>")
	return buf.String()
}
