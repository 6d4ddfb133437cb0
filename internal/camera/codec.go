package camera

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
)

const (
	MIMEPrefix     = "data:image/jpeg;base64,"
	DefaultQuality = 70
)

// CodecError reports a frame whose planes do not match its declared geometry.
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string {
	return "invalid frame: " + e.Reason
}

// Codec turns raw frames into JPEG data URLs. The zero value encodes at DefaultQuality.
type Codec struct {
	Quality int
}

// Encode is Codec{}.Encode.
func Encode(f Frame) (string, error) {
	return Codec{}.Encode(f)
}

func (c Codec) Encode(f Frame) (string, error) {
	img, err := toYCbCr(f)
	if err != nil {
		return "", err
	}

	quality := c.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}

	out := make([]byte, len(MIMEPrefix)+base64.StdEncoding.EncodedLen(buf.Len()))
	copy(out, MIMEPrefix)
	base64.StdEncoding.Encode(out[len(MIMEPrefix):], buf.Bytes())

	return string(out), nil
}

func toYCbCr(f Frame) (*image.YCbCr, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, &CodecError{Reason: fmt.Sprintf("non-positive size %dx%d", f.Width, f.Height)}
	}

	cw, ch := chromaSize(f.Width, f.Height)
	names := [3]string{"y", "cb", "cr"}
	for i, p := range f.Planes {
		w, h := f.Width, f.Height
		if i > 0 {
			w, h = cw, ch
		}
		if err := checkPlane(names[i], p, w, h); err != nil {
			return nil, err
		}
	}

	img := image.NewYCbCr(image.Rect(0, 0, f.Width, f.Height), image.YCbCrSubsampleRatio420)
	copyPlane(img.Y, img.YStride, f.Planes[0], f.Width, f.Height)
	copyPlane(img.Cb, img.CStride, f.Planes[1], cw, ch)
	copyPlane(img.Cr, img.CStride, f.Planes[2], cw, ch)

	return img, nil
}

func checkPlane(name string, p Plane, w, h int) error {
	ps := pixelStride(p)
	if p.RowStride < (w-1)*ps+1 {
		return &CodecError{Reason: fmt.Sprintf("%s row stride %d too small for width %d", name, p.RowStride, w)}
	}
	need := (h-1)*p.RowStride + (w-1)*ps + 1
	if len(p.Data) < need {
		return &CodecError{Reason: fmt.Sprintf("%s plane has %d bytes, need %d for %dx%d", name, len(p.Data), need, w, h)}
	}

	return nil
}

func copyPlane(dst []byte, dstStride int, src Plane, w, h int) {
	ps := pixelStride(src)
	for y := 0; y < h; y++ {
		row := src.Data[y*src.RowStride:]
		out := dst[y*dstStride : y*dstStride+w]
		if ps == 1 {
			copy(out, row[:w])
			continue
		}
		for x := 0; x < w; x++ {
			out[x] = row[x*ps]
		}
	}
}

func pixelStride(p Plane) int {
	if p.PixelStride <= 0 {
		return 1
	}

	return p.PixelStride
}
