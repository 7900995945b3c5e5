package atlas

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
)

// PointSource supplies the points of one scan.
type PointSource interface {
	Points(ctx context.Context) ([]r3.Vector, error)
}

// FileSource reads a scan from a local file.
type FileSource struct {
	Path string
}

// Points implements PointSource.
func (s FileSource) Points(ctx context.Context) ([]r3.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReadPoints(s.Path)
}

// URLSource downloads a text scan over HTTP.
type URLSource struct {
	URL     string
	Options []FetchOption
}

// Points implements PointSource.
func (s URLSource) Points(ctx context.Context) ([]r3.Vector, error) {
	return FetchPointsWithContext(ctx, s.URL, s.Options...)
}

// NewPointSource picks a source for a command-line argument: http(s) URLs
// are fetched, anything else is read from disk.
func NewPointSource(arg string, opts ...FetchOption) PointSource {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return URLSource{URL: arg, Options: opts}
	}
	return FileSource{Path: arg}
}

// TransformedSource applies a homogeneous transform to every point of Source.
type TransformedSource struct {
	Source    PointSource
	Transform mat.Matrix
}

// Points implements PointSource.
func (s TransformedSource) Points(ctx context.Context) ([]r3.Vector, error) {
	points, err := s.Source.Points(ctx)
	if err != nil {
		return nil, err
	}
	if s.Transform == nil || IsIdentity4(s.Transform, 0) {
		return points, nil
	}
	return TransformPoints(s.Transform, points), nil
}

// ReadPoints reads a scan, choosing the format from the file extension.
func ReadPoints(path string) ([]r3.Vector, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".las":
		return ReadLAS(path)
	case ".xyz", ".txt", ".csv", ".pts", ".gz", ".zz", ".zlib":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading point file: %w", err)
		}
		points, err := DecodePoints(data)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		return points, nil
	default:
		return nil, fmt.Errorf("do not know how to read file %q", path)
	}
}

// ReadLAS reads every point of a LAS file.
func ReadLAS(path string) (points []r3.Vector, err error) {
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return nil, fmt.Errorf("opening LAS file: %w", err)
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	points = make([]r3.Vector, 0, lf.Header.NumberPoints)
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, perr := lf.LasPoint(i)
		if perr != nil {
			return nil, fmt.Errorf("reading LAS point %d: %w", i, perr)
		}
		data := p.PointData()
		points = append(points, r3.Vector{X: data.X, Y: data.Y, Z: data.Z})
	}
	return points, nil
}

// DecodePoints decodes a text scan that may be plain, gzip or zlib
// compressed.
func DecodePoints(data []byte) ([]r3.Vector, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	if isGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer func() { _ = zr.Close() }()
		// Inflate fully so a truncated stream surfaces as io.ErrUnexpectedEOF
		// rather than as a parse error on a cut line.
		inflated, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompressing gzip data: %w", err)
		}
		return ParseXYZ(bytes.NewReader(inflated))
	}

	// A zlib header can also be plain text ("x y z"), so only trust it if
	// the payload inflates.
	if isZlib(data) {
		if inflated, err := inflateZlib(data); err == nil {
			return ParseXYZ(bytes.NewReader(inflated))
		}
	}
	return ParseXYZ(bytes.NewReader(data))
}

// ParseXYZ reads one point per line: x, y and z separated by whitespace or
// commas. Further columns are ignored, as are blank lines and lines starting
// with '#'. A non-numeric first line is taken as a header.
func ParseXYZ(r io.Reader) ([]r3.Vector, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var points []r3.Vector
	lineNo := 0
	seenData := false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\t'
		})
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: want at least 3 columns, got %d", lineNo, len(fields))
		}

		var xyz [3]float64
		var perr error
		for i := 0; i < 3; i++ {
			xyz[i], perr = strconv.ParseFloat(fields[i], 64)
			if perr != nil {
				break
			}
		}
		if perr != nil {
			if !seenData {
				seenData = true
				continue
			}
			return nil, fmt.Errorf("line %d: %w", lineNo, perr)
		}
		seenData = true
		points = append(points, r3.Vector{X: xyz[0], Y: xyz[1], Z: xyz[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning points: %w", err)
	}
	return points, nil
}

// WriteXYZ writes points in the format ParseXYZ reads.
func WriteXYZ(w io.Writer, points []r3.Vector) error {
	bw := bufio.NewWriter(w)
	for _, p := range points {
		if _, err := fmt.Fprintf(bw, "%s %s %s\n",
			strconv.FormatFloat(p.X, 'f', -1, 64),
			strconv.FormatFloat(p.Y, 'f', -1, 64),
			strconv.FormatFloat(p.Z, 'f', -1, 64)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// isZlib checks the two-byte zlib header: deflate method and a valid check sum.
func isZlib(data []byte) bool {
	return len(data) >= 2 && data[0]&0x0f == 8 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}

	return decompressed, nil
}
