package codec

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/y9o/go-openh264"
)

// Library names tried when no explicit path is configured.
var defaultOpenH264Libs = map[string][]string{
	"windows": {"openh264-2.4.1-win64.dll", "openh264.dll"},
	"linux":   {"libopenh264.so.7", "libopenh264.so"},
	"darwin":  {"libopenh264.7.dylib", "libopenh264.dylib"},
}

var (
	openh264Mu     sync.Mutex
	openh264Loaded string
)

// loadOpenH264 loads the shared library once per process. Later calls with
// a different path reuse the first successful load.
func loadOpenH264(path string) (string, error) {
	openh264Mu.Lock()
	defer openh264Mu.Unlock()
	if openh264Loaded != "" {
		return openh264Loaded, nil
	}

	candidates := defaultOpenH264Libs[runtime.GOOS]
	if path != "" {
		candidates = []string{path}
	}
	var errs []error
	for _, c := range candidates {
		if err := openh264.Open(c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			continue
		}
		openh264Loaded = c
		return c, nil
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("openh264: no library name for %s", runtime.GOOS)
	}
	return "", fmt.Errorf("openh264: load: %w", errors.Join(errs...))
}

// NewOpenH264Enumerator offers the Cisco openh264 software encoder. It
// lists nothing for hardware passes or for the decoder role. libPath
// overrides the default library name; the library is loaded lazily on
// activation so a missing library only fails that candidate.
func NewOpenH264Enumerator(libPath string) Enumerator {
	return EnumeratorFunc(func(role Role, hardware bool) ([]Activator, error) {
		if hardware || role != RoleEncoder {
			return nil, nil
		}
		return []Activator{{
			Name: "openh264",
			Activate: func() (Transform, error) {
				if _, err := loadOpenH264(libPath); err != nil {
					return nil, err
				}
				return &openH264Transform{}, nil
			},
		}}, nil
	})
}

// openH264Transform wraps one ISVCEncoder. It produces at most one access
// unit per input, held until ProcessOutput takes it.
type openH264Transform struct {
	enc    *openh264.ISVCEncoder
	width  int
	height int

	i420    []byte
	pending []byte
	key     bool
	has     bool
}

func (t *openH264Transform) SetFormats(in, out Format) error {
	if in.Subtype != SubtypeNV12 || out.Subtype != SubtypeH264 {
		return fmt.Errorf("%w: openh264 encodes NV12 to H264 only", ErrUnsupportedFormat)
	}
	if t.enc != nil {
		t.Close()
	}

	var enc *openh264.ISVCEncoder
	if ret := openh264.WelsCreateSVCEncoder(&enc); ret != 0 || enc == nil {
		return fmt.Errorf("openh264: create encoder: %d", ret)
	}
	fps := in.FPS
	if fps <= 0 {
		fps = 30
	}
	param := openh264.SEncParamBase{
		IUsageType:     openh264.SCREEN_CONTENT_REAL_TIME,
		IPicWidth:      int32(in.Width),
		IPicHeight:     int32(in.Height),
		ITargetBitrate: int32(out.BitrateKbps * 1000),
		FMaxFrameRate:  float32(fps),
	}
	if ret := enc.Initialize(&param); ret != 0 {
		openh264.WelsDestroySVCEncoder(enc)
		return fmt.Errorf("%w: openh264 initialize %dx%d: %d", ErrUnsupportedFormat, in.Width, in.Height, ret)
	}
	t.enc = enc
	t.width, t.height = in.Width, in.Height
	return nil
}

func (t *openH264Transform) ProcessInput(data []byte, _ time.Duration) error {
	if t.enc == nil {
		return ErrNotInitialized
	}
	if t.has {
		return ErrNotAccepting
	}
	if len(data) < NV12Size(t.width, t.height) {
		return fmt.Errorf("openh264: short input %d bytes", len(data))
	}
	t.i420 = NV12ToI420(data, t.width, t.height, t.i420)

	luma := t.width * t.height
	quarter := luma / 4
	pic := openh264.SSourcePicture{
		IColorFormat: openh264.VideoFormatI420,
		IPicWidth:    int32(t.width),
		IPicHeight:   int32(t.height),
	}
	pic.IStride[0] = int32(t.width)
	pic.IStride[1] = int32(t.width / 2)
	pic.IStride[2] = int32(t.width / 2)
	pic.PData[0] = &t.i420[0]
	pic.PData[1] = &t.i420[luma]
	pic.PData[2] = &t.i420[luma+quarter]

	var info openh264.SFrameBSInfo
	if ret := t.enc.EncodeFrame(&pic, &info); ret != 0 {
		return fmt.Errorf("openh264: encode frame: %d", ret)
	}
	if info.EFrameType == openh264.VideoFrameTypeSkip {
		return nil
	}

	var au []byte
	for i := 0; i < int(info.ILayerNum); i++ {
		layer := &info.SLayerInfo[i]
		if layer.INalCount <= 0 || layer.PBsBuf == nil {
			continue
		}
		size := 0
		for _, n := range unsafe.Slice(layer.PNalLengthInByte, layer.INalCount) {
			size += int(n)
		}
		au = append(au, unsafe.Slice(layer.PBsBuf, size)...)
	}
	if len(au) == 0 {
		return nil
	}
	t.pending = au
	t.key = info.EFrameType == openh264.VideoFrameTypeIDR
	t.has = true
	return nil
}

func (t *openH264Transform) ProcessOutput() (Sample, error) {
	if !t.has {
		return Sample{}, ErrNeedMoreInput
	}
	s := Sample{Data: t.pending, KeyFrame: t.key}
	t.pending, t.key, t.has = nil, false, false
	return s, nil
}

// RenegotiateOutput never happens for openh264; the format is fixed at
// SetFormats.
func (t *openH264Transform) RenegotiateOutput() (Format, error) {
	return Format{Subtype: SubtypeH264, Width: t.width, Height: t.height}, nil
}

func (t *openH264Transform) RequestKeyframe() error {
	if t.enc == nil {
		return ErrNotInitialized
	}
	if ret := t.enc.ForceIntraFrame(true); ret != 0 {
		return fmt.Errorf("openh264: force intra frame: %d", ret)
	}
	return nil
}

func (t *openH264Transform) Close() error {
	if t.enc == nil {
		return nil
	}
	t.enc.Uninitialize()
	openh264.WelsDestroySVCEncoder(t.enc)
	t.enc = nil
	t.pending, t.has = nil, false
	return nil
}
