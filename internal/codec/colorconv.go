package codec

import (
	"fmt"
	"image"
	"sync"
)

var nv12Pool sync.Pool

// NV12Size is the byte length of a tightly packed NV12 image.
func NV12Size(width, height int) int {
	return width*height + width*height/2
}

func getNV12(size int) []byte {
	if p, ok := nv12Pool.Get().(*[]byte); ok && cap(*p) >= size {
		return (*p)[:size]
	}
	return make([]byte, size)
}

// PutNV12 returns a buffer obtained from BGRAToNV12 to the pool.
func PutNV12(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	nv12Pool.Put(&buf)
}

// BGRAToNV12 converts packed BGRA to NV12 using BT.601 limited-range
// coefficients. Chroma is the average of each 2x2 block. width and height
// must be even. The result comes from a pool; hand it back with PutNV12
// once the transform has copied it.
//
// For 8-bit input Y stays within [16,235] and U/V within [16,240], so no
// clamping is needed.
func BGRAToNV12(bgra []byte, width, height, stride int) []byte {
	nv12 := getNV12(NV12Size(width, height))
	if len(bgra) < (height-1)*stride+width*4 {
		clear(nv12)
		return nv12
	}
	yPlane := nv12[:width*height]
	uvPlane := nv12[width*height:]

	// Luma, four pixels per iteration.
	w4 := width &^ 3
	for y := 0; y < height; y++ {
		row := bgra[y*stride : y*stride+width*4]
		out := yPlane[y*width : (y+1)*width]
		x := 0
		for ; x < w4; x += 4 {
			p := x * 4
			out[x] = luma(row[p+2], row[p+1], row[p])
			out[x+1] = luma(row[p+6], row[p+5], row[p+4])
			out[x+2] = luma(row[p+10], row[p+9], row[p+8])
			out[x+3] = luma(row[p+14], row[p+13], row[p+12])
		}
		for ; x < width; x++ {
			p := x * 4
			out[x] = luma(row[p+2], row[p+1], row[p])
		}
	}

	// Chroma, one interleaved UV pair per 2x2 block.
	for y := 0; y < height; y += 2 {
		r0 := bgra[y*stride : y*stride+width*4]
		r1 := bgra[(y+1)*stride : (y+1)*stride+width*4]
		out := uvPlane[(y/2)*width : (y/2+1)*width]
		for x := 0; x < width; x += 2 {
			p := x * 4
			b := (int(r0[p]) + int(r0[p+4]) + int(r1[p]) + int(r1[p+4]) + 2) >> 2
			g := (int(r0[p+1]) + int(r0[p+5]) + int(r1[p+1]) + int(r1[p+5]) + 2) >> 2
			r := (int(r0[p+2]) + int(r0[p+6]) + int(r1[p+2]) + int(r1[p+6]) + 2) >> 2
			out[x] = byte((-38*r-74*g+112*b+128)>>8 + 128)
			out[x+1] = byte((112*r-94*g-18*b+128)>>8 + 128)
		}
	}
	return nv12
}

func luma(r, g, b byte) byte {
	return byte((66*int(r)+129*int(g)+25*int(b)+128)>>8 + 16)
}

// NV12ToRGBA converts NV12 back to packed RGBA with the inverse BT.601
// transform, clamping each channel to [0,255]. stride is the luma row
// length and planeHeight the number of luma rows in nv12 (both may exceed
// width/height when the decoder pads its output; zero means packed). dst
// is reused when it already has the right bounds.
func NV12ToRGBA(nv12 []byte, width, height, stride, planeHeight int, dst *image.RGBA) (*image.RGBA, error) {
	if stride <= 0 {
		stride = width
	}
	if planeHeight <= 0 {
		planeHeight = height
	}
	if width <= 0 || height <= 0 || stride < width || planeHeight < height {
		return nil, fmt.Errorf("nv12: bad geometry %dx%d stride %d rows %d", width, height, stride, planeHeight)
	}
	uvOff := stride * planeHeight
	need := uvOff + stride*((height+1)/2)
	if len(nv12) < need {
		return nil, fmt.Errorf("nv12: buffer %d bytes, need %d for %dx%d", len(nv12), need, width, height)
	}

	if dst == nil || dst.Rect.Dx() != width || dst.Rect.Dy() != height {
		dst = image.NewRGBA(image.Rect(0, 0, width, height))
	}

	for y := 0; y < height; y++ {
		yRow := nv12[y*stride : y*stride+width]
		uvRow := nv12[uvOff+(y/2)*stride:]
		out := dst.Pix[y*dst.Stride : y*dst.Stride+width*4]
		for x := 0; x < width; x++ {
			c := 298 * (int(yRow[x]) - 16)
			d := int(uvRow[x&^1]) - 128
			e := int(uvRow[x|1]) - 128
			p := x * 4
			out[p] = clamp8((c + 409*e + 128) >> 8)
			out[p+1] = clamp8((c - 100*d - 208*e + 128) >> 8)
			out[p+2] = clamp8((c + 516*d + 128) >> 8)
			out[p+3] = 0xFF
		}
	}
	return dst, nil
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// NV12ToI420 splits the interleaved chroma plane into separate U and V
// planes. dst is reused when large enough.
func NV12ToI420(nv12 []byte, width, height int, dst []byte) []byte {
	size := NV12Size(width, height)
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	dst = dst[:size]
	lumaLen := width * height
	copy(dst, nv12[:lumaLen])

	quarter := lumaLen / 4
	u := dst[lumaLen : lumaLen+quarter]
	v := dst[lumaLen+quarter:]
	uv := nv12[lumaLen:size]
	for i := 0; i < quarter; i++ {
		u[i] = uv[2*i]
		v[i] = uv[2*i+1]
	}
	return dst
}
