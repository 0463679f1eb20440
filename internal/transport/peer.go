// Package transport ships the encoded streams to a remote viewer over
// WebRTC: an H.264 video track fed by the capture pipeline and a PCMU
// track fed by the pacer.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
	"github.com/bohdanbtw/TalkMe-sub001/internal/media"
)

var log = logging.L("transport")

const (
	DefaultGatherTimeout = 10 * time.Second
	keyframeInterval     = 500 * time.Millisecond
	voiceFrameDuration   = 20 * time.Millisecond

	playoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"
)

var (
	ErrSessionClosed  = errors.New("transport: session closed")
	ErrUnknownSession = errors.New("transport: unknown session")
)

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string `mapstructure:"urls" yaml:"urls"`
	Username   string   `mapstructure:"username" yaml:"username,omitempty"`
	Credential string   `mapstructure:"credential" yaml:"credential,omitempty"`
}

func toPionICE(servers []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

// newAPI builds the pion API with default codecs and interceptors plus the
// playout-delay extension, which asks browsers to render screen frames
// without jitter-buffer delay.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		log.Warn("failed to register playout-delay extension", logging.Err(err))
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry)), nil
}

// keyframeLimiter lets one keyframe request through per interval.
type keyframeLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func (l *keyframeLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		return false
	}
	l.last = now
	return true
}

// peer is one viewer session.
type peer struct {
	id    string
	pc    *webrtc.PeerConnection
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	keyframe func()
	limiter  keyframeLimiter

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(api *webrtc.API, id string, ice []ICEServer, keyframe func()) (p *peer, err error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: toPionICE(ice)})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	p = &peer{
		id:       id,
		pc:       pc,
		keyframe: keyframe,
		limiter:  keyframeLimiter{interval: keyframeInterval, now: time.Now},
		done:     make(chan struct{}),
	}
	defer func() {
		if err != nil {
			p.close()
		}
	}()

	p.video, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
			// Main profile, level 3.1.
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d001f",
		},
		"video",
		"talkme-screen",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	sender, err := pc.AddTrack(p.video)
	if err != nil {
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}
	go p.readRTCP(sender)

	p.audio, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: 8000,
			Channels:  1,
		},
		"audio",
		"talkme-voice",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	audioSender, err := pc.AddTrack(p.audio)
	if err != nil {
		return nil, fmt.Errorf("failed to add audio track: %w", err)
	}
	go drainRTCP(audioSender)

	return p, nil
}

// readRTCP drains the video sender so interceptors never block, and turns
// PLI/FIR into rate-limited keyframe requests.
func (p *peer) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		p.handleRTCP(buf[:n])
	}
}

func (p *peer) handleRTCP(raw []byte) {
	pkts, err := rtcp.Unmarshal(raw)
	if err != nil {
		return
	}
	for _, pkt := range pkts {
		switch pkt.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			if p.limiter.allow() && p.keyframe != nil {
				log.Debug("keyframe requested by viewer", logging.KeySession, p.id)
				p.keyframe()
			}
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// accept applies the viewer's offer and returns the answer once ICE
// gathering completes.
func (p *peer) accept(offer string, gatherTimeout time.Duration) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return "", fmt.Errorf("ICE gathering timed out after %s", gatherTimeout)
	case <-p.done:
		return "", ErrSessionClosed
	}

	ld := p.pc.LocalDescription()
	if ld == nil {
		return "", fmt.Errorf("local description not available")
	}
	return ld.SDP, nil
}

func (p *peer) writeVideo(pkt media.EncodedVideoPacket, d time.Duration) error {
	return p.video.WriteSample(pmedia.Sample{Data: pkt.Data, Duration: d})
}

func (p *peer) writeAudio(frame []byte) error {
	return p.audio.WriteSample(pmedia.Sample{Data: frame, Duration: voiceFrameDuration})
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.connected.Store(false)
		close(p.done)
		if err := p.pc.Close(); err != nil {
			log.Debug("peer close", logging.KeySession, p.id, logging.Err(err))
		}
	})
}
