// Package imgcodec compresses raw sensor images with OpenCV.
package imgcodec

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-depthlink/pkg/protocol"
	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

var (
	// ErrUnsupported is returned for pixel format and output format pairs
	// the encoder does not handle.
	ErrUnsupported = errors.New("imgcodec: unsupported format")

	// ErrShortBuffer is returned when the sample data is smaller than its dimensions.
	ErrShortBuffer = errors.New("imgcodec: sample data shorter than width*height*bpp")
)

// Encoder implements protocol.ImageEncoder.
type Encoder struct {
	mu sync.Mutex // OpenCV encode calls are serialized
}

// New returns an encoder.
func New() *Encoder {
	return &Encoder{}
}

var _ protocol.ImageEncoder = (*Encoder)(nil)

// Encode compresses img. Color samples go to JPEG at quality, Z16 depth goes
// to a lossless 16-bit PNG.
func (e *Encoder) Encode(img *sensor.ImageSample, format protocol.ImageFormat, quality int) ([]byte, error) {
	mt, ext, params, err := plan(img, format, quality)
	if err != nil {
		return nil, err
	}
	if need := img.Width * img.Height * img.Format.BytesPerPixel(); len(img.Data) < need {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(img.Data), need)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, mt, img.Data)
	if err != nil {
		return nil, fmt.Errorf("wrap sample: %w", err)
	}
	defer mat.Close()

	src := mat
	if img.Format == sensor.FormatRGB8 {
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(mat, &bgr, gocv.ColorRGBToBGR)
		src = bgr
	}

	buf, err := gocv.IMEncodeWithParams(ext, src, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	defer buf.Close()

	// The buffer aliases C memory released by Close.
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func plan(img *sensor.ImageSample, format protocol.ImageFormat, quality int) (gocv.MatType, gocv.FileExt, []int, error) {
	switch {
	case format == protocol.FormatJPEG && (img.Format == sensor.FormatBGR8 || img.Format == sensor.FormatRGB8):
		return gocv.MatTypeCV8UC3, gocv.JPEGFileExt, []int{int(gocv.IMWriteJpegQuality), clampQuality(quality)}, nil
	case format == protocol.FormatPNG && img.Format == sensor.FormatZ16:
		return gocv.MatTypeCV16UC1, gocv.PNGFileExt, []int{int(gocv.IMWritePngCompression), 3}, nil
	case format == protocol.FormatPNG && (img.Format == sensor.FormatBGR8 || img.Format == sensor.FormatRGB8):
		return gocv.MatTypeCV8UC3, gocv.PNGFileExt, []int{int(gocv.IMWritePngCompression), 3}, nil
	default:
		return 0, "", nil, fmt.Errorf("%w: %s to %s", ErrUnsupported, img.Format, format)
	}
}

func clampQuality(q int) int {
	switch {
	case q < 1:
		return 1
	case q > 100:
		return 100
	default:
		return q
	}
}
