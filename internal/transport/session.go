package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
	"github.com/bohdanbtw/TalkMe-sub001/internal/media"
)

type Config struct {
	ICEServers    []ICEServer
	GatherTimeout time.Duration
}

type Option func(*SessionManager)

// WithKeyframeRequester is called when a viewer connects and whenever it
// reports picture loss.
func WithKeyframeRequester(f func()) Option {
	return func(m *SessionManager) { m.keyframe = f }
}

// SessionManager owns the viewer sessions. Only one session is active at a
// time; a new offer replaces the previous viewer.
type SessionManager struct {
	cfg      Config
	api      *webrtc.API
	keyframe func()

	mu       sync.RWMutex
	sessions map[string]*peer
}

func NewSessionManager(cfg Config, opts ...Option) (*SessionManager, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	m := &SessionManager{cfg: cfg, api: api, sessions: make(map[string]*peer)}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// StartSession answers a viewer's offer. Existing sessions are stopped
// first.
func (m *SessionManager) StartSession(id, offer string) (answer string, err error) {
	m.StopAll()

	p, err := newPeer(m.api, id, m.cfg.ICEServers, m.keyframe)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.sessions[id] = p
	m.mu.Unlock()
	defer func() {
		if err != nil {
			m.StopSession(id)
		}
	}()

	sessionLog := logging.WithSession(log, id)
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		sessionLog.Info("connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.connected.Store(true)
			if m.keyframe != nil {
				m.keyframe()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go m.stopPeer(p)
		}
	})

	answer, err = p.accept(offer, m.cfg.GatherTimeout)
	if err != nil {
		return "", err
	}
	sessionLog.Info("session answered")
	return answer, nil
}

func (m *SessionManager) AddICECandidate(id, candidate string) error {
	m.mu.RLock()
	p := m.sessions[id]
	m.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

func (m *SessionManager) StopSession(id string) {
	m.mu.Lock()
	p := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if p != nil {
		p.close()
		logging.WithSession(log, id).Info("session stopped")
	}
}

// stopPeer removes p only if it is still the registered session for its id.
func (m *SessionManager) stopPeer(p *peer) {
	m.mu.Lock()
	if m.sessions[p.id] == p {
		delete(m.sessions, p.id)
	}
	m.mu.Unlock()
	p.close()
}

func (m *SessionManager) StopAll() {
	m.mu.Lock()
	peers := make([]*peer, 0, len(m.sessions))
	for id, p := range m.sessions {
		peers = append(peers, p)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

// Connected reports whether a viewer is currently connected.
func (m *SessionManager) Connected() bool {
	return m.active() != nil
}

func (m *SessionManager) active() *peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.sessions {
		if p.connected.Load() {
			return p
		}
	}
	return nil
}

// WriteVideo sends one access unit to the connected viewer. Without a
// viewer the packet is dropped.
func (m *SessionManager) WriteVideo(pkt media.EncodedVideoPacket, d time.Duration) error {
	p := m.active()
	if p == nil {
		return nil
	}
	return p.writeVideo(pkt, d)
}

// WriteAudio sends one 20 ms PCMU frame to the connected viewer. Without
// a viewer the frame is dropped.
func (m *SessionManager) WriteAudio(frame []byte) error {
	p := m.active()
	if p == nil {
		return nil
	}
	return p.writeAudio(frame)
}
