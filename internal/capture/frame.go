package capture

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/bohdanbtw/TalkMe-sub001/internal/media"
)

// compactRows copies a hardware frame into a tightly packed BGRA buffer,
// dropping the row padding. buf is reused when large enough.
func compactRows(raw RawFrame, buf []byte) (media.Frame, error) {
	rowBytes := raw.Width * 4
	if raw.Width <= 0 || raw.Height <= 0 {
		return media.Frame{}, fmt.Errorf("capture: bad frame size %dx%d", raw.Width, raw.Height)
	}
	stride := raw.Stride
	if stride == 0 {
		stride = rowBytes
	}
	if stride < rowBytes || len(raw.Pix) < (raw.Height-1)*stride+rowBytes {
		return media.Frame{}, fmt.Errorf("capture: frame %dx%d stride %d has %d bytes", raw.Width, raw.Height, stride, len(raw.Pix))
	}

	size := rowBytes * raw.Height
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]
	if stride == rowBytes {
		copy(buf, raw.Pix[:size])
	} else {
		for y := 0; y < raw.Height; y++ {
			copy(buf[y*rowBytes:(y+1)*rowBytes], raw.Pix[y*stride:y*stride+rowBytes])
		}
	}
	return media.Frame{Pix: buf, Width: raw.Width, Height: raw.Height}, nil
}

// downsample scales frame to width x height with bilinear filtering. The
// scaler treats the buffer as RGBA; channel order is irrelevant to it, so
// BGRA passes through unchanged.
func downsample(frame media.Frame, width, height int, buf []byte) media.Frame {
	src := &image.RGBA{
		Pix:    frame.Pix,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	size := width * height * 4
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	dst := &image.RGBA{
		Pix:    buf[:size],
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}
	draw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	return media.Frame{Pix: dst.Pix, Width: width, Height: height}
}
