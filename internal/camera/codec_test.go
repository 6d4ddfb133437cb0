package camera

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/jpeg"
	"strings"
	"testing"
)

func TestEncodeProducesJPEGDataURL(t *testing.T) {
	tests := []struct {
		name string
		w, h int
	}{
		{name: "even", w: 64, h: 48},
		{name: "odd", w: 33, h: 17},
		{name: "single pixel", w: 1, h: 1},
	}

	for _, tc := range tests {
		f := TestPattern{Width: tc.w, Height: tc.h}.Frame(3)
		payload, err := Encode(f)
		if err != nil {
			t.Fatalf("%s: encode: %v", tc.name, err)
		}
		if !strings.HasPrefix(payload, MIMEPrefix) {
			t.Fatalf("%s: expected %q prefix, got %q", tc.name, MIMEPrefix, payload[:min(len(payload), 30)])
		}
		if strings.ContainsAny(payload, "\r\n") {
			t.Fatalf("%s: expected payload without line breaks", tc.name)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(payload, MIMEPrefix))
		if err != nil {
			t.Fatalf("%s: decode base64: %v", tc.name, err)
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("%s: decode jpeg: %v", tc.name, err)
		}
		if cfg.Width != tc.w || cfg.Height != tc.h {
			t.Fatalf("%s: expected %dx%d, got %dx%d", tc.name, tc.w, tc.h, cfg.Width, cfg.Height)
		}
	}
}

func TestEncodeHonorsStrides(t *testing.T) {
	const w, h = 8, 4
	cw, ch := chromaSize(w, h)

	// luma rows padded to 16 bytes, chroma interleaved like a semi-planar buffer
	y := make([]byte, 16*h)
	uv := make([]byte, 2*cw*ch)
	for i := range uv {
		uv[i] = 128
	}
	f := Frame{
		Width:  w,
		Height: h,
		Planes: [3]Plane{
			{Data: y, RowStride: 16, PixelStride: 1},
			{Data: uv, RowStride: 2 * cw, PixelStride: 2},
			{Data: uv[1:], RowStride: 2 * cw, PixelStride: 2},
		},
	}

	if _, err := Encode(f); err != nil {
		t.Fatalf("expected strided frame to encode, got %v", err)
	}
}

func TestEncodeRejectsInconsistentPlanes(t *testing.T) {
	good := TestPattern{Width: 16, Height: 16}.Frame(0)

	shortLuma := good
	shortLuma.Planes[0].Data = good.Planes[0].Data[:100]

	shortChroma := good
	shortChroma.Planes[2].Data = good.Planes[2].Data[:10]

	narrowStride := good
	narrowStride.Planes[1].RowStride = 4

	zero := good
	zero.Width = 0

	tests := []struct {
		name string
		f    Frame
	}{
		{name: "short luma", f: shortLuma},
		{name: "short chroma", f: shortChroma},
		{name: "narrow stride", f: narrowStride},
		{name: "zero width", f: zero},
	}

	for _, tc := range tests {
		payload, err := Encode(tc.f)
		var cerr *CodecError
		if !errors.As(err, &cerr) {
			t.Fatalf("%s: expected CodecError, got %v", tc.name, err)
		}
		if payload != "" {
			t.Fatalf("%s: expected no payload, got %d bytes", tc.name, len(payload))
		}
	}
}

func TestCodecQualityAffectsSize(t *testing.T) {
	f := TestPattern{Width: 128, Height: 96}.Frame(7)
	low, err := Codec{Quality: 10}.Encode(f)
	if err != nil {
		t.Fatalf("encode low: %v", err)
	}
	high, err := Codec{Quality: 95}.Encode(f)
	if err != nil {
		t.Fatalf("encode high: %v", err)
	}
	if len(low) >= len(high) {
		t.Fatalf("expected quality 10 payload (%d) to be smaller than quality 95 (%d)", len(low), len(high))
	}
}
