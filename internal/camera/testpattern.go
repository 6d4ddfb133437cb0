package camera

import (
	"context"
	"errors"
	"time"
)

// TestPattern produces synthetic frames: a luma gradient that scrolls one column per frame
// over constant chroma.
type TestPattern struct {
	Width  int
	Height int
	FPS    int
}

func (p TestPattern) Frame(n int) Frame {
	w, h := p.Width, p.Height
	cw, ch := chromaSize(w, h)

	y := make([]byte, w*h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			y[row*w+col] = byte((col + row + n) % 256)
		}
	}
	cb := make([]byte, cw*ch)
	cr := make([]byte, cw*ch)
	for i := range cb {
		cb[i] = 128
		cr[i] = byte(96 + n%64)
	}

	return Frame{
		Width:  w,
		Height: h,
		Planes: [3]Plane{
			{Data: y, RowStride: w, PixelStride: 1},
			{Data: cb, RowStride: cw, PixelStride: 1},
			{Data: cr, RowStride: cw, PixelStride: 1},
		},
		Timestamp: time.Now(),
	}
}

// Run pushes frames to emit at FPS until ctx is done.
func (p TestPattern) Run(ctx context.Context, emit func(Frame)) error {
	if p.Width <= 0 || p.Height <= 0 {
		return errors.New("test pattern size must be positive")
	}
	fps := p.FPS
	if fps <= 0 {
		fps = 10
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			emit(p.Frame(n))
		}
	}
}
