//go:build windows

package codec

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"

	"github.com/bohdanbtw/TalkMe-sub001/internal/com"
	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
)

var (
	mfplat = windows.NewLazySystemDLL("mfplat.dll")

	procMFStartup            = mfplat.NewProc("MFStartup")
	procMFTEnumEx            = mfplat.NewProc("MFTEnumEx")
	procMFCreateMediaType    = mfplat.NewProc("MFCreateMediaType")
	procMFCreateSample       = mfplat.NewProc("MFCreateSample")
	procMFCreateMemoryBuffer = mfplat.NewProc("MFCreateMemoryBuffer")
)

const (
	mfVersion     = 0x00020070
	mfStartupFull = 0

	mftEnumSync          = 0x00000001
	mftEnumHardware      = 0x00000004
	mftEnumSortAndFilter = 0x00000040

	msgCommandFlush        = 0x00000000
	msgNotifyBeginStream   = 0x10000000
	msgNotifyEndStream     = 0x10000001
	msgNotifyStartOfStream = 0x10000003

	interlaceProgressive = 2
	h264ProfileMain      = 77
	rateControlCBR       = 0
	vtUI4                = 19

	mftProvidesSamples = 0x100

	hrNotAccepting   = 0xC00D36B5
	hrNeedMoreInput  = 0xC00D6D72
	hrStreamChange   = 0xC00D6D61
	hrBufferTooSmall = 0xC00D36B1
	hrUnexpected     = 0x8000FFFF
	hrDeviceRemoved  = 0x887A0005
	hrDeviceHung     = 0x887A0006
	hrDeviceReset    = 0x887A0007
)

// vtable slots. IUnknown takes 0-2, IMFAttributes 3-32, and IMFSample /
// IMFActivate / IMFMediaType continue from 33.
const (
	vtGetUINT32          = 7
	vtGetUINT64          = 8
	vtGetGUID            = 10
	vtGetAllocatedString = 13
	vtSetUINT32          = 21
	vtSetUINT64          = 22
	vtSetGUID            = 24

	vtGetOutputStreamInfo  = 7
	vtGetAttributes        = 8
	vtGetOutputAvailType   = 14
	vtSetInputType         = 15
	vtSetOutputType        = 16
	vtGetOutputCurrentType = 18
	vtProcessMessage       = 23
	vtProcessInput         = 24
	vtProcessOutput        = 25

	vtActivateObject      = 33
	vtSetSampleTime       = 36
	vtSetSampleDuration   = 38
	vtConvertToContiguous = 41
	vtAddBuffer           = 42

	vtBufLock             = 3
	vtBufUnlock           = 4
	vtBufSetCurrentLength = 6

	vtCodecAPISetValue = 9
)

var (
	catVideoEncoder = com.GUID("{f79eac7d-e545-4387-bdee-d647d7bde42a}")
	catVideoDecoder = com.GUID("{d6c02d4b-6833-45b4-971a-05a4b04bab91}")
	iidIMFTransform = com.GUID("{bf94c121-5b05-4e6f-8000-ba598961414d}")
	iidICodecAPI    = com.GUID("{901db4c7-31ce-41a2-85dc-8fa0bf41b8da}")

	mediaTypeVideo = com.GUID("{73646976-0000-0010-8000-00AA00389B71}")
	formatH264     = com.GUID("{34363248-0000-0010-8000-00AA00389B71}")
	formatNV12     = com.GUID("{3231564E-0000-0010-8000-00AA00389B71}")

	mtMajorType        = com.GUID("{48eba18e-f8c9-4687-bf11-0a74c9f96a8f}")
	mtSubtype          = com.GUID("{f7e34c9a-42e8-4714-b74b-cb29d72c35e5}")
	mtAvgBitrate       = com.GUID("{20332624-fb0d-4d9e-bd0d-cbf6786c102e}")
	mtInterlaceMode    = com.GUID("{e2724bb8-e676-4806-b4b2-a8d6efb44ccd}")
	mtFrameSize        = com.GUID("{1652c33d-d6b2-4012-b834-72030849a37d}")
	mtFrameRate        = com.GUID("{c459a2e8-3d2c-4e44-b132-fee5156c7bb0}")
	mtPixelAspectRatio = com.GUID("{c6376a1e-8d0a-4027-be45-6d9a0ad39bb6}")
	mtDefaultStride    = com.GUID("{644b4e48-1e02-4516-b0eb-c01ca9d49ac6}")
	mtMpeg2Profile     = com.GUID("{ad76a80b-2d5c-4e0b-b375-64e520137036}")

	attrLowLatency   = com.GUID("{9c27891a-ed7a-40e1-88e8-b22727a024ee}")
	attrAsyncUnlock  = com.GUID("{e5666d6b-3422-4eb6-a421-da7db1f8e207}")
	attrFriendlyName = com.GUID("{314ffbae-5b41-4c95-9c19-4e7d586face3}")
	attrCleanPoint   = com.GUID("{9cdf01d8-a0f0-43ba-b077-eaa06cbd728a}")

	apiForceKeyFrame = com.GUID("{398c1b98-8353-475a-9ef2-8f265d260345}")
	apiGOPSize       = com.GUID("{95f31b26-95a4-41aa-9303-246a7fc6eef1}")
	apiRateControl   = com.GUID("{1c0608e9-370c-4710-8a58-cb6181c42423}")
	apiMeanBitRate   = com.GUID("{f7222374-2144-4815-b550-a37f8e12ee52}")
	apiBPictureCount = com.GUID("{8d390aac-dc5c-4200-b57f-814d04babab2}")
)

type regTypeInfo struct {
	major   ole.GUID
	subtype ole.GUID
}

type outputStreamInfo struct {
	flags     uint32
	size      uint32
	alignment uint32
}

type outputDataBuffer struct {
	streamID uint32
	sample   uintptr
	status   uint32
	events   uintptr
}

// variant is the VT_UI4 subset of PROPVARIANT that ICodecAPI::SetValue reads.
type variant struct {
	vt       uint16
	reserved [3]uint16
	val      uint64
	_        uint64
}

var (
	mfOnce sync.Once
	mfErr  error
)

// startMF brings up COM and Media Foundation once per process. Neither is
// torn down; transforms may outlive any single encoder.
func startMF() error {
	mfOnce.Do(func() {
		if err := com.EnsureMTA(); err != nil {
			mfErr = err
			return
		}
		if err := procMFStartup.Find(); err != nil {
			mfErr = fmt.Errorf("mfplat.dll: %w", err)
			return
		}
		hr, _, _ := procMFStartup.Call(mfVersion, mfStartupFull)
		if com.Failed(hr) {
			mfErr = fmt.Errorf("MFStartup: %w", com.HRESULT(hr))
		}
	})
	return mfErr
}

// PlatformEnumerator lists Media Foundation transforms.
func PlatformEnumerator() Enumerator {
	return mftEnumerator{}
}

type mftEnumerator struct{}

func (mftEnumerator) Enumerate(role Role, hardware bool) ([]Activator, error) {
	if err := startMF(); err != nil {
		return nil, err
	}

	category := catVideoEncoder
	in := regTypeInfo{major: *mediaTypeVideo, subtype: *formatNV12}
	out := regTypeInfo{major: *mediaTypeVideo, subtype: *formatH264}
	if role == RoleDecoder {
		category = catVideoDecoder
		in, out = out, in
	}
	flags := uint32(mftEnumSync | mftEnumSortAndFilter)
	if hardware {
		flags = mftEnumHardware | mftEnumSortAndFilter
	}

	var arr uintptr
	var count uint32
	hr, _, _ := procMFTEnumEx.Call(
		uintptr(unsafe.Pointer(category)),
		uintptr(flags),
		uintptr(unsafe.Pointer(&in)),
		uintptr(unsafe.Pointer(&out)),
		uintptr(unsafe.Pointer(&arr)),
		uintptr(unsafe.Pointer(&count)),
	)
	if com.Failed(hr) {
		return nil, fmt.Errorf("MFTEnumEx(flags=0x%X): %w", flags, com.HRESULT(hr))
	}
	if count == 0 || arr == 0 {
		com.TaskMemFree(arr)
		return nil, nil
	}
	ptrs := append([]uintptr(nil), unsafe.Slice((*uintptr)(unsafe.Pointer(arr)), count)...)
	com.TaskMemFree(arr)

	acts := make([]Activator, 0, len(ptrs))
	for i, p := range ptrs {
		act := p
		name := friendlyName(act)
		if name == "" {
			name = fmt.Sprintf("mft-%s-%d", role, i)
		}
		acts = append(acts, Activator{
			Name:     name,
			Hardware: hardware,
			Activate: func() (Transform, error) {
				var t uintptr
				if _, err := com.Call(act, vtActivateObject,
					uintptr(unsafe.Pointer(iidIMFTransform)),
					uintptr(unsafe.Pointer(&t)),
				); err != nil {
					return nil, fmt.Errorf("ActivateObject: %w", err)
				}
				return &mftTransform{ptr: t, role: role, hardware: hardware, name: name}, nil
			},
			Release: func() { com.Release(act) },
		})
	}
	return acts, nil
}

func friendlyName(attrs uintptr) string {
	var s *uint16
	var n uint32
	if _, err := com.Call(attrs, vtGetAllocatedString,
		uintptr(unsafe.Pointer(attrFriendlyName)),
		uintptr(unsafe.Pointer(&s)),
		uintptr(unsafe.Pointer(&n)),
	); err != nil || s == nil {
		return ""
	}
	defer com.TaskMemFree(uintptr(unsafe.Pointer(s)))
	return windows.UTF16PtrToString(s)
}

// mftTransform drives one IMFTransform synchronously.
type mftTransform struct {
	ptr      uintptr
	codecAPI uintptr
	role     Role
	hardware bool
	name     string

	in, out         Format
	providesSamples bool
	outBufSize      int
	stride          int
	streaming       bool
}

func (t *mftTransform) SetFormats(in, out Format) error {
	t.in, t.out = in, out
	if t.hardware {
		if err := t.setAttr(attrAsyncUnlock, 1); err != nil {
			return fmt.Errorf("%w: async unlock: %v", ErrUnsupportedFormat, err)
		}
	}

	var err error
	if t.role == RoleEncoder {
		err = t.configureEncoder()
	} else {
		err = t.configureDecoder()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	if err := t.setAttr(attrLowLatency, 1); err != nil {
		log.Debug("low latency not supported", logging.KeyBackend, t.name, logging.Err(err))
	}
	t.refreshStreamInfo()

	if t.role == RoleEncoder {
		t.configureCodecAPI()
	}
	if _, err := com.Call(t.ptr, vtProcessMessage, msgNotifyBeginStream, 0); err != nil {
		log.Debug("begin streaming", logging.KeyBackend, t.name, logging.Err(err))
	}
	if _, err := com.Call(t.ptr, vtProcessMessage, msgNotifyStartOfStream, 0); err != nil {
		log.Debug("start of stream", logging.KeyBackend, t.name, logging.Err(err))
	}
	t.streaming = true
	return nil
}

func (t *mftTransform) setAttr(key *ole.GUID, v uint32) error {
	var attrs uintptr
	if _, err := com.Call(t.ptr, vtGetAttributes, uintptr(unsafe.Pointer(&attrs))); err != nil {
		return err
	}
	if attrs == 0 {
		return errors.New("transform has no attribute store")
	}
	defer com.Release(attrs)
	_, err := com.Call(attrs, vtSetUINT32, uintptr(unsafe.Pointer(key)), uintptr(v))
	return err
}

// configureEncoder sets the output type before the input type, the order
// the H.264 encoders require.
func (t *mftTransform) configureEncoder() error {
	outType, err := t.videoType(formatH264, t.out)
	if err != nil {
		return err
	}
	defer com.Release(outType)
	if _, err := com.Call(outType, vtSetUINT32, uintptr(unsafe.Pointer(mtAvgBitrate)), uintptr(uint32(t.out.BitrateKbps*1000))); err != nil {
		return err
	}
	if _, err := com.Call(outType, vtSetUINT32, uintptr(unsafe.Pointer(mtMpeg2Profile)), h264ProfileMain); err != nil {
		log.Debug("main profile rejected", logging.KeyBackend, t.name, logging.Err(err))
	}
	if _, err := com.Call(t.ptr, vtSetOutputType, 0, outType, 0); err != nil {
		return fmt.Errorf("SetOutputType: %w", err)
	}

	inType, err := t.videoType(formatNV12, t.in)
	if err != nil {
		return err
	}
	defer com.Release(inType)
	if _, err := com.Call(inType, vtSetUINT32, uintptr(unsafe.Pointer(mtDefaultStride)), uintptr(uint32(t.in.Width))); err != nil {
		return err
	}
	if _, err := com.Call(t.ptr, vtSetInputType, 0, inType, 0); err != nil {
		return fmt.Errorf("SetInputType: %w", err)
	}
	return nil
}

// configureDecoder sets the H.264 input, then picks NV12 from the output
// types the decoder offers.
func (t *mftTransform) configureDecoder() error {
	inType, err := t.videoType(formatH264, t.in)
	if err != nil {
		return err
	}
	defer com.Release(inType)
	if _, err := com.Call(t.ptr, vtSetInputType, 0, inType, 0); err != nil {
		return fmt.Errorf("SetInputType: %w", err)
	}
	if _, err := t.selectOutputType(); err != nil {
		return err
	}
	return nil
}

// videoType builds a progressive video media type with square pixels.
func (t *mftTransform) videoType(subtype *ole.GUID, f Format) (uintptr, error) {
	var mt uintptr
	hr, _, _ := procMFCreateMediaType.Call(uintptr(unsafe.Pointer(&mt)))
	if com.Failed(hr) {
		return 0, fmt.Errorf("MFCreateMediaType: %w", com.HRESULT(hr))
	}
	fps := f.FPS
	if fps <= 0 {
		fps = 30
	}
	steps := []struct {
		idx  int
		key  uintptr
		val  uintptr
		name string
	}{
		{vtSetGUID, uintptr(unsafe.Pointer(mtMajorType)), uintptr(unsafe.Pointer(mediaTypeVideo)), "major type"},
		{vtSetGUID, uintptr(unsafe.Pointer(mtSubtype)), uintptr(unsafe.Pointer(subtype)), "subtype"},
		{vtSetUINT32, uintptr(unsafe.Pointer(mtInterlaceMode)), interlaceProgressive, "interlace"},
		{vtSetUINT64, uintptr(unsafe.Pointer(mtFrameSize)), uintptr(com.Pack64(uint32(f.Width), uint32(f.Height))), "frame size"},
		{vtSetUINT64, uintptr(unsafe.Pointer(mtFrameRate)), uintptr(com.Pack64(uint32(fps), 1)), "frame rate"},
		{vtSetUINT64, uintptr(unsafe.Pointer(mtPixelAspectRatio)), uintptr(com.Pack64(1, 1)), "aspect ratio"},
	}
	for _, s := range steps {
		if _, err := com.Call(mt, s.idx, s.key, s.val); err != nil {
			com.Release(mt)
			return 0, fmt.Errorf("media type %s: %w", s.name, err)
		}
	}
	return mt, nil
}

// selectOutputType walks the decoder's offered output types and sets the
// first NV12 one, returning the negotiated format.
func (t *mftTransform) selectOutputType() (Format, error) {
	for i := 0; ; i++ {
		var mt uintptr
		if _, err := com.Call(t.ptr, vtGetOutputAvailType, 0, uintptr(i), uintptr(unsafe.Pointer(&mt))); err != nil {
			return Format{}, fmt.Errorf("no NV12 output among %d types: %w", i, err)
		}
		var sub ole.GUID
		_, err := com.Call(mt, vtGetGUID, uintptr(unsafe.Pointer(mtSubtype)), uintptr(unsafe.Pointer(&sub)))
		if err != nil || !ole.IsEqualGUID(&sub, formatNV12) {
			com.Release(mt)
			continue
		}
		_, err = com.Call(t.ptr, vtSetOutputType, 0, mt, 0)
		com.Release(mt)
		if err != nil {
			return Format{}, fmt.Errorf("SetOutputType(NV12): %w", err)
		}
		return t.currentOutput(), nil
	}
}

// currentOutput reads frame size and stride from the current output type.
func (t *mftTransform) currentOutput() Format {
	f := t.out
	var mt uintptr
	if _, err := com.Call(t.ptr, vtGetOutputCurrentType, 0, uintptr(unsafe.Pointer(&mt))); err != nil {
		return f
	}
	defer com.Release(mt)

	var size uint64
	if _, err := com.Call(mt, vtGetUINT64, uintptr(unsafe.Pointer(mtFrameSize)), uintptr(unsafe.Pointer(&size))); err == nil {
		w, h := com.Unpack64(size)
		f.Width, f.Height = int(w), int(h)
	}
	var stride uint32
	if _, err := com.Call(mt, vtGetUINT32, uintptr(unsafe.Pointer(mtDefaultStride)), uintptr(unsafe.Pointer(&stride))); err == nil && int32(stride) > 0 {
		t.stride = int(stride)
	} else {
		t.stride = f.Width
	}
	t.out = f
	return f
}

func (t *mftTransform) refreshStreamInfo() {
	var info outputStreamInfo
	if _, err := com.Call(t.ptr, vtGetOutputStreamInfo, 0, uintptr(unsafe.Pointer(&info))); err == nil {
		t.providesSamples = info.flags&mftProvidesSamples != 0
		if int(info.size) > t.outBufSize {
			t.outBufSize = int(info.size)
		}
	}
	if t.outBufSize <= 0 {
		t.outBufSize = NV12Size(max(t.in.Width, t.out.Width), max(t.in.Height, t.out.Height))
	}
}

// configureCodecAPI applies GOP, rate control and B-frame settings. Every
// value is best effort; encoders ignore what they do not support.
func (t *mftTransform) configureCodecAPI() {
	api, err := com.QueryInterface(t.ptr, iidICodecAPI)
	if err != nil || api == 0 {
		log.Debug("ICodecAPI unavailable", logging.KeyBackend, t.name, logging.Err(err))
		return
	}
	t.codecAPI = api

	fps := t.in.FPS
	if fps <= 0 {
		fps = 30
	}
	values := []struct {
		key  *ole.GUID
		val  uint32
		name string
	}{
		{apiGOPSize, uint32(max(fps*2, 20)), "gop size"},
		{apiBPictureCount, 0, "b-frames"},
		{apiRateControl, rateControlCBR, "rate control"},
		{apiMeanBitRate, uint32(t.out.BitrateKbps * 1000), "mean bitrate"},
	}
	for _, v := range values {
		if err := t.setCodecValue(v.key, v.val); err != nil {
			log.Debug("codec setting rejected", logging.KeyBackend, t.name, "setting", v.name, logging.Err(err))
		}
	}
}

func (t *mftTransform) setCodecValue(key *ole.GUID, v uint32) error {
	if t.codecAPI == 0 {
		return errors.New("no ICodecAPI")
	}
	val := variant{vt: vtUI4, val: uint64(v)}
	_, err := com.Call(t.codecAPI, vtCodecAPISetValue, uintptr(unsafe.Pointer(key)), uintptr(unsafe.Pointer(&val)))
	return err
}

func (t *mftTransform) RequestKeyframe() error {
	return t.setCodecValue(apiForceKeyFrame, 1)
}

// mapHR converts transform HRESULTs into the package sentinels.
func mapHR(hr uintptr, op string) error {
	if !com.Failed(hr) {
		return nil
	}
	switch uint32(hr) {
	case hrNotAccepting:
		return ErrNotAccepting
	case hrNeedMoreInput, hrUnexpected:
		return ErrNeedMoreInput
	case hrStreamChange:
		return ErrStreamChange
	case hrDeviceRemoved, hrDeviceHung, hrDeviceReset:
		return fmt.Errorf("%s: %w: %w", op, ErrDeviceLost, com.HRESULT(hr))
	}
	return fmt.Errorf("%s: %w", op, com.HRESULT(hr))
}

func (t *mftTransform) ProcessInput(data []byte, pts time.Duration) error {
	sample, err := newSample(data, 0)
	if err != nil {
		return err
	}
	defer com.Release(sample)

	fps := t.in.FPS
	if fps <= 0 {
		fps = 30
	}
	// Media Foundation times are in 100 ns units.
	com.Call(sample, vtSetSampleTime, uintptr(pts/100))
	com.Call(sample, vtSetSampleDuration, uintptr(frameDuration(fps)/100))

	hr, _ := callRaw(t.ptr, vtProcessInput, 0, sample, 0)
	return mapHR(hr, "ProcessInput")
}

// newSample wraps data (or an empty buffer of capacity size) in an IMFSample.
func newSample(data []byte, size int) (uintptr, error) {
	if data != nil {
		size = len(data)
	}
	var buf uintptr
	hr, _, _ := procMFCreateMemoryBuffer.Call(uintptr(uint32(size)), uintptr(unsafe.Pointer(&buf)))
	if com.Failed(hr) {
		return 0, fmt.Errorf("MFCreateMemoryBuffer: %w", com.HRESULT(hr))
	}
	defer com.Release(buf)

	if data != nil {
		var p uintptr
		if _, err := com.Call(buf, vtBufLock, uintptr(unsafe.Pointer(&p)), 0, 0); err != nil {
			return 0, fmt.Errorf("buffer lock: %w", err)
		}
		copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), size), data)
		com.Call(buf, vtBufUnlock)
		com.Call(buf, vtBufSetCurrentLength, uintptr(uint32(size)))
	}

	var sample uintptr
	hr, _, _ = procMFCreateSample.Call(uintptr(unsafe.Pointer(&sample)))
	if com.Failed(hr) {
		return 0, fmt.Errorf("MFCreateSample: %w", com.HRESULT(hr))
	}
	if _, err := com.Call(sample, vtAddBuffer, buf); err != nil {
		com.Release(sample)
		return 0, fmt.Errorf("AddBuffer: %w", err)
	}
	return sample, nil
}

// callRaw invokes a method and returns the raw HRESULT, for calls whose
// failure codes carry meaning.
func callRaw(obj uintptr, idx int, args ...uintptr) (uintptr, error) {
	hr, err := com.Call(obj, idx, args...)
	if err != nil && com.Code(err) == 0 {
		return hr, err
	}
	return hr, nil
}

func (t *mftTransform) ProcessOutput() (Sample, error) {
	for {
		out := outputDataBuffer{}
		var owned uintptr
		if !t.providesSamples {
			s, err := newSample(nil, t.outBufSize)
			if err != nil {
				return Sample{}, err
			}
			owned = s
			out.sample = s
		}

		var status uint32
		hr, err := callRaw(t.ptr, vtProcessOutput, 0, 1, uintptr(unsafe.Pointer(&out)), uintptr(unsafe.Pointer(&status)))
		if out.events != 0 {
			com.Release(out.events)
		}
		if err != nil {
			com.Release(owned)
			return Sample{}, err
		}
		if uint32(hr) == hrBufferTooSmall {
			com.Release(owned)
			t.outBufSize *= 2
			log.Debug("output buffer too small", logging.KeyBackend, t.name, "size", t.outBufSize)
			continue
		}
		if err := mapHR(hr, "ProcessOutput"); err != nil {
			com.Release(owned)
			if out.sample != 0 && out.sample != owned {
				com.Release(out.sample)
			}
			return Sample{}, err
		}

		result := out.sample
		if result == 0 {
			return Sample{}, ErrNeedMoreInput
		}
		s, err := t.readSample(result)
		if result != owned {
			com.Release(result)
		}
		com.Release(owned)
		return s, err
	}
}

func (t *mftTransform) readSample(sample uintptr) (Sample, error) {
	var buf uintptr
	if _, err := com.Call(sample, vtConvertToContiguous, uintptr(unsafe.Pointer(&buf))); err != nil {
		return Sample{}, fmt.Errorf("ConvertToContiguousBuffer: %w", err)
	}
	defer com.Release(buf)

	var p uintptr
	var maxLen, curLen uint32
	if _, err := com.Call(buf, vtBufLock, uintptr(unsafe.Pointer(&p)), uintptr(unsafe.Pointer(&maxLen)), uintptr(unsafe.Pointer(&curLen))); err != nil {
		return Sample{}, fmt.Errorf("buffer lock: %w", err)
	}
	data := make([]byte, curLen)
	copy(data, unsafe.Slice((*byte)(unsafe.Pointer(p)), curLen))
	com.Call(buf, vtBufUnlock)

	s := Sample{Data: data}
	if t.role == RoleEncoder {
		var clean uint32
		if _, err := com.Call(sample, vtGetUINT32, uintptr(unsafe.Pointer(attrCleanPoint)), uintptr(unsafe.Pointer(&clean))); err == nil {
			s.KeyFrame = clean != 0
		}
		return s, nil
	}

	s.Stride = t.stride
	if s.Stride > 0 && len(data) > 0 {
		// Decoders pad the luma plane to macroblock rows; recover the row
		// count from the buffer length.
		s.PlaneHeight = len(data) * 2 / 3 / s.Stride
	}
	return s, nil
}

func (t *mftTransform) RenegotiateOutput() (Format, error) {
	var f Format
	var err error
	if t.role == RoleDecoder {
		f, err = t.selectOutputType()
	} else {
		var mt uintptr
		if _, err = com.Call(t.ptr, vtGetOutputAvailType, 0, 0, uintptr(unsafe.Pointer(&mt))); err == nil {
			_, err = com.Call(t.ptr, vtSetOutputType, 0, mt, 0)
			com.Release(mt)
		}
		f = t.out
	}
	if err != nil {
		return Format{}, err
	}
	t.refreshStreamInfo()
	log.Debug("output renegotiated", logging.KeyBackend, t.name,
		logging.KeyWidth, f.Width, logging.KeyHeight, f.Height, "providesSamples", t.providesSamples)
	return f, nil
}

func (t *mftTransform) Close() error {
	if t.ptr == 0 {
		return nil
	}
	if t.streaming {
		com.Call(t.ptr, vtProcessMessage, msgCommandFlush, 0)
		com.Call(t.ptr, vtProcessMessage, msgNotifyEndStream, 0)
		t.streaming = false
	}
	com.Release(t.codecAPI)
	t.codecAPI = 0
	com.Release(t.ptr)
	t.ptr = 0
	return nil
}
