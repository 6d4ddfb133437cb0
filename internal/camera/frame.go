package camera

import "time"

// Plane is one component plane of a planar YUV 4:2:0 image.
type Plane struct {
	Data        []byte
	RowStride   int
	PixelStride int
}

// Frame is a raw camera frame: luma in Planes[0], Cb in Planes[1], Cr in Planes[2].
// Chroma planes are subsampled by two in both directions.
type Frame struct {
	Width     int
	Height    int
	Planes    [3]Plane
	Timestamp time.Time
}

func chromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}
