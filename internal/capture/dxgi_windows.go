//go:build windows

package capture

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/bohdanbtw/TalkMe-sub001/internal/com"
)

var (
	d3d11 = windows.NewLazySystemDLL("d3d11.dll")

	procD3D11CreateDevice = d3d11.NewProc("D3D11CreateDevice")
)

const (
	d3dDriverTypeHardware = 1
	d3dFeatureLevel11_0   = 0xb000
	d3d11SDKVersion       = 7
	d3d11CreateBGRA       = 0x20

	d3d11UsageStaging  = 3
	d3d11CPUAccessRead = 0x20000
	d3d11MapRead       = 1
	dxgiFormatBGRA     = 87

	dxgiErrInvalidCall   = 0x887A0001
	dxgiErrDeviceRemoved = 0x887A0005
	dxgiErrDeviceHung    = 0x887A0006
	dxgiErrDeviceReset   = 0x887A0007
	dxgiErrAccessLost    = 0x887A0026
	dxgiErrWaitTimeout   = 0x887A0027

	rotate90  = 2
	rotate270 = 4
)

// vtable slots
const (
	vtDeviceGetAdapter     = 7  // IDXGIDevice
	vtAdapterEnumOutputs   = 7  // IDXGIAdapter
	vtOutput1Duplicate     = 22 // IDXGIOutput1
	vtDuplGetDesc          = 7  // IDXGIOutputDuplication
	vtDuplAcquireNextFrame = 8
	vtDuplReleaseFrame     = 14
	vtDeviceCreateTexture  = 5 // ID3D11Device
	vtCtxMap               = 14
	vtCtxUnmap             = 15
	vtCtxCopyResource      = 47
)

var (
	iidIDXGIDevice     = com.GUID("{54ec77fa-1377-44e6-8c32-88fd5f44c84c}")
	iidID3D11Texture2D = com.GUID("{6f15aaf2-d208-4e89-9ab4-489535d34f9c}")
	iidIDXGIOutput1    = com.GUID("{00cddea8-939b-4b83-a340-a685226666cc}")
)

type texture2DDesc struct {
	Width          uint32
	Height         uint32
	MipLevels      uint32
	ArraySize      uint32
	Format         uint32
	SampleCount    uint32
	SampleQuality  uint32
	Usage          uint32
	BindFlags      uint32
	CPUAccessFlags uint32
	MiscFlags      uint32
}

type mappedSubresource struct {
	PData      uintptr
	RowPitch   uint32
	DepthPitch uint32
}

type modeDesc struct {
	Width            uint32
	Height           uint32
	RefreshNum       uint32
	RefreshDen       uint32
	Format           uint32
	ScanlineOrdering uint32
	Scaling          uint32
}

type outDuplDesc struct {
	Mode                       modeDesc
	Rotation                   uint32
	DesktopImageInSystemMemory int32
}

type outDuplFrameInfo struct {
	LastPresentTime           int64
	LastMouseUpdateTime       int64
	AccumulatedFrames         uint32
	RectsCoalesced            int32
	ProtectedContentMaskedOut int32
	PointerPositionX          int32
	PointerPositionY          int32
	PointerVisible            int32
	TotalMetadataBufferSize   uint32
	PointerShapeBufferSize    uint32
}

// dxgiDuplicator captures one output with DXGI Desktop Duplication, copying
// each acquired texture into a CPU-readable staging texture.
type dxgiDuplicator struct {
	display int

	device      uintptr // ID3D11Device
	context     uintptr // ID3D11DeviceContext
	duplication uintptr // IDXGIOutputDuplication
	staging     uintptr // ID3D11Texture2D

	width, height int // desktop orientation
	texW, texH    int // native panel orientation
	rotation      uint32

	acquired bool
	mapped   bool
	rotated  []byte
}

// NewDuplicator returns a DXGI duplicator for the given output index.
func NewDuplicator(display int) (Duplicator, error) {
	if err := procD3D11CreateDevice.Find(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSupported, err)
	}
	return &dxgiDuplicator{display: display}, nil
}

func (d *dxgiDuplicator) Open() (int, int, error) {
	if err := d.open(); err != nil {
		d.Close()
		return 0, 0, err
	}
	return d.width, d.height, nil
}

func (d *dxgiDuplicator) open() error {
	level := uint32(d3dFeatureLevel11_0)
	var actual uint32
	hr, _, _ := procD3D11CreateDevice.Call(
		0,
		d3dDriverTypeHardware,
		0,
		d3d11CreateBGRA,
		uintptr(unsafe.Pointer(&level)),
		1,
		d3d11SDKVersion,
		uintptr(unsafe.Pointer(&d.device)),
		uintptr(unsafe.Pointer(&actual)),
		uintptr(unsafe.Pointer(&d.context)),
	)
	if com.Failed(hr) {
		return fmt.Errorf("D3D11CreateDevice: %w", com.HRESULT(hr))
	}

	dxgiDevice, err := com.QueryInterface(d.device, iidIDXGIDevice)
	if err != nil {
		return fmt.Errorf("IDXGIDevice: %w", err)
	}
	defer com.Release(dxgiDevice)

	var adapter uintptr
	if _, err := com.Call(dxgiDevice, vtDeviceGetAdapter, uintptr(unsafe.Pointer(&adapter))); err != nil {
		return fmt.Errorf("GetAdapter: %w", err)
	}
	defer com.Release(adapter)

	var output uintptr
	if _, err := com.Call(adapter, vtAdapterEnumOutputs, uintptr(d.display), uintptr(unsafe.Pointer(&output))); err != nil {
		return fmt.Errorf("EnumOutputs(%d): %w", d.display, err)
	}
	output1, err := com.QueryInterface(output, iidIDXGIOutput1)
	com.Release(output)
	if err != nil {
		return fmt.Errorf("IDXGIOutput1: %w", err)
	}
	defer com.Release(output1)

	if _, err := com.Call(output1, vtOutput1Duplicate, d.device, uintptr(unsafe.Pointer(&d.duplication))); err != nil {
		return fmt.Errorf("DuplicateOutput: %w", err)
	}

	var desc outDuplDesc
	com.Call(d.duplication, vtDuplGetDesc, uintptr(unsafe.Pointer(&desc)))
	d.width, d.height = int(desc.Mode.Width), int(desc.Mode.Height)
	if d.width <= 0 || d.height <= 0 {
		return fmt.Errorf("duplication reports %dx%d", d.width, d.height)
	}
	// Textures arrive in panel orientation; ModeDesc is the desktop one.
	d.rotation = desc.Rotation
	d.texW, d.texH = d.width, d.height
	if d.rotation == rotate90 || d.rotation == rotate270 {
		d.texW, d.texH = d.height, d.width
	}

	stagingDesc := texture2DDesc{
		Width:          uint32(d.texW),
		Height:         uint32(d.texH),
		MipLevels:      1,
		ArraySize:      1,
		Format:         dxgiFormatBGRA,
		SampleCount:    1,
		Usage:          d3d11UsageStaging,
		CPUAccessFlags: d3d11CPUAccessRead,
	}
	if _, err := com.Call(d.device, vtDeviceCreateTexture, uintptr(unsafe.Pointer(&stagingDesc)), 0, uintptr(unsafe.Pointer(&d.staging))); err != nil {
		return fmt.Errorf("CreateTexture2D staging: %w", err)
	}

	log.Debug("dxgi duplication ready",
		"display", d.display,
		"desktop", fmt.Sprintf("%dx%d", d.width, d.height),
		"texture", fmt.Sprintf("%dx%d", d.texW, d.texH),
		"rotation", d.rotation,
	)
	return nil
}

func classify(hr uintptr, op string) error {
	switch uint32(hr) {
	case dxgiErrWaitTimeout:
		return ErrAcquireTimeout
	case dxgiErrAccessLost, dxgiErrInvalidCall, dxgiErrDeviceRemoved, dxgiErrDeviceHung, dxgiErrDeviceReset:
		return fmt.Errorf("%s: %w: %w", op, ErrDeviceLost, com.HRESULT(hr))
	}
	return fmt.Errorf("%s: %w", op, com.HRESULT(hr))
}

func (d *dxgiDuplicator) AcquireFrame(timeout time.Duration) (RawFrame, error) {
	if d.duplication == 0 {
		return RawFrame{}, fmt.Errorf("acquire: %w", ErrDeviceLost)
	}
	var info outDuplFrameInfo
	var resource uintptr
	hr, _ := com.Call(d.duplication, vtDuplAcquireNextFrame,
		uintptr(timeout.Milliseconds()),
		uintptr(unsafe.Pointer(&info)),
		uintptr(unsafe.Pointer(&resource)),
	)
	if com.Failed(hr) {
		return RawFrame{}, classify(hr, "AcquireNextFrame")
	}
	d.acquired = true

	if info.AccumulatedFrames == 0 {
		com.Release(resource)
		d.ReleaseFrame()
		return RawFrame{}, ErrAcquireTimeout
	}

	tex, err := com.QueryInterface(resource, iidID3D11Texture2D)
	com.Release(resource)
	if err != nil {
		d.ReleaseFrame()
		return RawFrame{}, fmt.Errorf("ID3D11Texture2D: %w", err)
	}
	com.Call(d.context, vtCtxCopyResource, d.staging, tex)
	com.Release(tex)

	var mapped mappedSubresource
	hr, _ = com.Call(d.context, vtCtxMap, d.staging, 0, d3d11MapRead, 0, uintptr(unsafe.Pointer(&mapped)))
	if com.Failed(hr) {
		d.ReleaseFrame()
		return RawFrame{}, classify(hr, "Map staging")
	}
	d.mapped = true

	pitch := int(mapped.RowPitch)
	src := unsafe.Slice((*byte)(unsafe.Pointer(mapped.PData)), (d.texH-1)*pitch+d.texW*4)
	if d.rotation == rotate90 || d.rotation == rotate270 {
		d.rotated = rotate(src, pitch, d.texW, d.texH, d.rotation, d.rotated)
		return RawFrame{Pix: d.rotated, Width: d.width, Height: d.height, Stride: d.width * 4}, nil
	}
	return RawFrame{Pix: src, Width: d.width, Height: d.height, Stride: pitch}, nil
}

// rotate turns a panel-oriented image into desktop orientation.
func rotate(src []byte, pitch, texW, texH int, rotation uint32, dst []byte) []byte {
	w, h := texH, texW
	if cap(dst) < w*h*4 {
		dst = make([]byte, w*h*4)
	}
	dst = dst[:w*h*4]
	for oy := 0; oy < h; oy++ {
		for ox := 0; ox < w; ox++ {
			sx, sy := oy, texH-1-ox
			if rotation == rotate270 {
				sx, sy = texW-1-oy, ox
			}
			copy(dst[(oy*w+ox)*4:(oy*w+ox)*4+4], src[sy*pitch+sx*4:])
		}
	}
	return dst
}

func (d *dxgiDuplicator) ReleaseFrame() {
	if d.mapped {
		com.Call(d.context, vtCtxUnmap, d.staging, 0)
		d.mapped = false
	}
	if d.acquired {
		com.Call(d.duplication, vtDuplReleaseFrame)
		d.acquired = false
	}
}

func (d *dxgiDuplicator) Close() error {
	d.ReleaseFrame()
	for _, p := range []*uintptr{&d.staging, &d.duplication, &d.context, &d.device} {
		com.Release(*p)
		*p = 0
	}
	return nil
}
