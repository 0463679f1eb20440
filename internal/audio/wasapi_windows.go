//go:build windows

package audio

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/bohdanbtw/TalkMe-sub001/internal/com"
)

var (
	clsidMMDeviceEnumerator = com.GUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator  = com.GUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioClient         = com.GUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioCaptureClient  = com.GUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")

	subtypeIEEEFloat = com.GUID("{00000003-0000-0010-8000-00AA00389B71}")
)

const (
	eRender   = 0
	eConsole  = 0
	clsctxAll = 0x1 | 0x2 | 0x4 | 0x10

	streamFlagsLoopback = 0x00020000
	shareModeShared     = 0
	bufferFlagsSilent   = 0x2

	waveFormatIEEEFloat  = 0x0003
	waveFormatExtensible = 0xFFFE

	// 200 ms in 100 ns units.
	bufferDuration = 200 * 10000

	hrDeviceInvalidated = 0x88890004
	hrServiceNotRunning = 0x88890010
)

const (
	mmdeGetDefaultAudioEndpoint = 4
	mmDeviceActivate            = 3

	audioClientInitialize   = 3
	audioClientGetMixFormat = 8
	audioClientStart        = 10
	audioClientStop         = 11
	audioClientGetService   = 14

	captureGetBuffer     = 3
	captureReleaseBuffer = 4
)

type waveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

// WAVEFORMATEXTENSIBLE is packed: 18 bytes of WAVEFORMATEX, then
// wValidBitsPerSample, dwChannelMask and the SubFormat GUID.
const subFormatOffset = 18 + 2 + 4

type wasapiDevice struct {
	enumerator    uintptr
	device        uintptr
	client        uintptr
	capture       uintptr
	started       bool
	bytesPerFrame int
}

// NewLoopbackDevice returns the WASAPI loopback endpoint of the default
// console render device.
func NewLoopbackDevice() (Device, error) {
	if err := com.EnsureMTA(); err != nil {
		return nil, err
	}
	return &wasapiDevice{}, nil
}

func (d *wasapiDevice) Open() (Format, error) {
	var err error
	d.enumerator, err = com.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		return Format{}, err
	}
	if _, err := com.Call(d.enumerator, mmdeGetDefaultAudioEndpoint,
		eRender, eConsole, uintptr(unsafe.Pointer(&d.device))); err != nil {
		return Format{}, fmt.Errorf("GetDefaultAudioEndpoint: %w", mapHR(err))
	}
	if _, err := com.Call(d.device, mmDeviceActivate,
		uintptr(unsafe.Pointer(iidIAudioClient)), clsctxAll, 0,
		uintptr(unsafe.Pointer(&d.client))); err != nil {
		return Format{}, fmt.Errorf("Activate IAudioClient: %w", mapHR(err))
	}

	var mix uintptr
	if _, err := com.Call(d.client, audioClientGetMixFormat, uintptr(unsafe.Pointer(&mix))); err != nil {
		return Format{}, fmt.Errorf("GetMixFormat: %w", mapHR(err))
	}
	f := parseMixFormat(mix)

	// Initialize reads the mix format; free it only afterwards.
	_, err = com.Call(d.client, audioClientInitialize,
		shareModeShared, streamFlagsLoopback, bufferDuration, 0, mix, 0)
	com.TaskMemFree(mix)
	if err != nil {
		return Format{}, fmt.Errorf("Initialize: %w", mapHR(err))
	}

	if _, err := com.Call(d.client, audioClientGetService,
		uintptr(unsafe.Pointer(iidIAudioCaptureClient)),
		uintptr(unsafe.Pointer(&d.capture))); err != nil {
		return Format{}, fmt.Errorf("GetService IAudioCaptureClient: %w", mapHR(err))
	}
	if _, err := com.Call(d.client, audioClientStart); err != nil {
		return Format{}, fmt.Errorf("Start: %w", mapHR(err))
	}
	d.started = true
	d.bytesPerFrame = f.BytesPerFrame()
	return f, nil
}

func parseMixFormat(p uintptr) Format {
	wf := (*waveFormatEx)(unsafe.Pointer(p))
	f := Format{
		SampleRate:    int(wf.SamplesPerSec),
		Channels:      int(wf.Channels),
		BitsPerSample: int(wf.BitsPerSample),
		Float:         wf.FormatTag == waveFormatIEEEFloat,
	}
	if wf.FormatTag == waveFormatExtensible && wf.CbSize >= 22 {
		sub := unsafe.Slice((*byte)(unsafe.Pointer(p+subFormatOffset)), 16)
		want := (*[16]byte)(unsafe.Pointer(subtypeIEEEFloat))
		f.Float = bytes.Equal(sub, want[:])
	}
	return f
}

func (d *wasapiDevice) Next() (Packet, error) {
	var data uintptr
	var frames, flags uint32
	if _, err := com.Call(d.capture, captureGetBuffer,
		uintptr(unsafe.Pointer(&data)),
		uintptr(unsafe.Pointer(&frames)),
		uintptr(unsafe.Pointer(&flags)),
		0, 0); err != nil {
		return Packet{}, mapHR(err)
	}
	if frames == 0 {
		return Packet{}, ErrNoPacket
	}
	p := Packet{Frames: int(frames), Silent: flags&bufferFlagsSilent != 0}
	if !p.Silent && data != 0 {
		p.Data = unsafe.Slice((*byte)(unsafe.Pointer(data)), int(frames)*d.bytesPerFrame)
	}
	return p, nil
}

func (d *wasapiDevice) Release(frames int) error {
	_, err := com.Call(d.capture, captureReleaseBuffer, uintptr(frames))
	return mapHR(err)
}

func (d *wasapiDevice) Close() error {
	if d.started {
		com.Call(d.client, audioClientStop)
		d.started = false
	}
	com.Release(d.capture)
	com.Release(d.client)
	com.Release(d.device)
	com.Release(d.enumerator)
	*d = wasapiDevice{}
	return nil
}

func mapHR(err error) error {
	if err == nil {
		return nil
	}
	switch com.Code(err) {
	case hrDeviceInvalidated, hrServiceNotRunning:
		return fmt.Errorf("%w: %v", ErrDeviceLost, err)
	}
	return err
}
