// Package export writes reconstructed planes to image and raw files.
package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/zstd"

	"mprengine/internal/models"
)

// Format is an output file format
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	Raw  Format = "raw"
)

// rawMagic starts every raw plane file
const rawMagic = "MPRRAW1\n"

// maxRawPixels bounds the plane size accepted by ReadRaw
const maxRawPixels = 1 << 28

// ParseFormat maps a format name to its Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png":
		return PNG, nil
	case "jpeg", "jpg":
		return JPEG, nil
	case "raw", "zst":
		return Raw, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (must be png, jpeg or raw)", s)
	}
}

// Ext returns the file extension for the format, without the dot
func (f Format) Ext() string {
	switch f {
	case JPEG:
		return "jpg"
	case Raw:
		return "raw.zst"
	default:
		return "png"
	}
}

// Options controls how planes are written
type Options struct {
	Format Format

	// JPEGQuality is used for JPEG output, 1-100. Zero uses 90.
	JPEGQuality int
}

// ToGray16 windows a plane linearly from its own minimum to maximum. A constant
// plane maps to mid-grey.
func ToGray16(slice *models.ReconstructedSlice) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, slice.Width, slice.Height))
	if len(slice.Pixels) == 0 {
		return img
	}

	lo, hi := slice.Pixels[0], slice.Pixels[0]
	for _, v := range slice.Pixels {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	scale := 0.0
	if hi > lo {
		scale = 65535 / float64(hi-lo)
	}
	for y := 0; y < slice.Height; y++ {
		for x := 0; x < slice.Width; x++ {
			value := uint16(32768)
			if scale > 0 {
				value = uint16(math.Max(0, math.Min(65535, math.Round(float64(slice.At(x, y)-lo)*scale))))
			}
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// SavePNG writes the plane as a 16-bit grayscale PNG
func SavePNG(slice *models.ReconstructedSlice, filename string) error {
	return writeFile(filename, func(w io.Writer) error {
		return png.Encode(w, ToGray16(slice))
	})
}

// SaveJPEG writes the plane as a JPEG
func SaveJPEG(slice *models.ReconstructedSlice, filename string, quality int) error {
	if quality <= 0 {
		quality = 90
	}
	return writeFile(filename, func(w io.Writer) error {
		return jpeg.Encode(w, ToGray16(slice), &jpeg.Options{Quality: quality})
	})
}

// SaveRaw writes the unwindowed float32 pixels as a zstd stream: the magic line,
// little-endian uint32 width and height, then the pixels in row-major order.
func SaveRaw(slice *models.ReconstructedSlice, filename string) error {
	return writeFile(filename, func(w io.Writer) error {
		return WriteRaw(w, slice)
	})
}

// WriteRaw writes the raw plane stream to w
func WriteRaw(w io.Writer, slice *models.ReconstructedSlice) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(runtime.NumCPU()))
	if err != nil {
		return err
	}

	header := make([]byte, 0, len(rawMagic)+8)
	header = append(header, rawMagic...)
	header = binary.LittleEndian.AppendUint32(header, uint32(slice.Width))
	header = binary.LittleEndian.AppendUint32(header, uint32(slice.Height))

	if _, err := enc.Write(header); err != nil {
		enc.Close()
		return err
	}
	if err := binary.Write(enc, binary.LittleEndian, slice.Pixels); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReadRaw decodes a stream written by WriteRaw
func ReadRaw(r io.Reader) (width, height int, pixels []float32, err error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, 0, nil, err
	}
	defer dec.Close()

	header := make([]byte, len(rawMagic)+8)
	if _, err := io.ReadFull(dec, header); err != nil {
		return 0, 0, nil, fmt.Errorf("failed to read raw header: %w", err)
	}
	if !bytes.Equal(header[:len(rawMagic)], []byte(rawMagic)) {
		return 0, 0, nil, fmt.Errorf("not a raw plane stream")
	}
	width = int(binary.LittleEndian.Uint32(header[len(rawMagic):]))
	height = int(binary.LittleEndian.Uint32(header[len(rawMagic)+4:]))
	if width*height > maxRawPixels {
		return 0, 0, nil, fmt.Errorf("raw plane too large: %dx%d", width, height)
	}

	pixels = make([]float32, width*height)
	if err := binary.Read(dec, binary.LittleEndian, pixels); err != nil {
		return 0, 0, nil, fmt.Errorf("failed to read raw pixels: %w", err)
	}
	return width, height, pixels, nil
}

// Save writes the plane in the configured format
func Save(slice *models.ReconstructedSlice, filename string, opts Options) error {
	switch opts.Format {
	case JPEG:
		return SaveJPEG(slice, filename, opts.JPEGQuality)
	case Raw:
		return SaveRaw(slice, filename)
	case PNG, "":
		return SavePNG(slice, filename)
	default:
		return fmt.Errorf("invalid output format: %s", opts.Format)
	}
}

// SampleFunc produces the plane at a normalized position
type SampleFunc func(ctx context.Context, o models.Orientation, position float64) (*models.ReconstructedSlice, error)

// SequencePositions returns count evenly spaced positions covering [0, 1].
// A single position is the centre.
func SequencePositions(count int) []float64 {
	if count <= 1 {
		return []float64{0.5}
	}
	positions := make([]float64, count)
	for i := range positions {
		positions[i] = float64(i) / float64(count-1)
	}
	return positions
}

// SaveSequence samples count evenly spaced planes along an orientation and writes them
// to outputDir as slice_<orientation>_<nnn>.<ext>. It returns the written filenames.
func SaveSequence(ctx context.Context, sample SampleFunc, o models.Orientation, outputDir string, count int, opts Options) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var files []string
	for i, p := range SequencePositions(count) {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		slice, err := sample(ctx, o, p)
		if err != nil {
			return files, fmt.Errorf("failed to sample %s at %.3f: %w", o, p, err)
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.%s", o, i, opts.Format.Ext()))
		if err := Save(slice, filename, opts); err != nil {
			return files, fmt.Errorf("failed to save %s: %w", filename, err)
		}
		files = append(files, filename)
	}
	return files, nil
}

func writeFile(filename string, write func(io.Writer) error) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	if err := write(w); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
