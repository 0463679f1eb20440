package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bohdanbtw/TalkMe-sub001/internal/config"
	"github.com/bohdanbtw/TalkMe-sub001/internal/websocket"
)

type fakeSessions struct {
	offers     []string
	candidates []string
	stopped    []string
	startErr   error
}

func (f *fakeSessions) StartSession(id, offer string) (string, error) {
	f.offers = append(f.offers, id)
	if f.startErr != nil {
		return "", f.startErr
	}
	return "answer:" + offer, nil
}

func (f *fakeSessions) AddICECandidate(id, candidate string) error {
	f.candidates = append(f.candidates, candidate)
	return errors.New("ignored")
}

func (f *fakeSessions) StopSession(id string) { f.stopped = append(f.stopped, id) }

func TestSignalHandlerOffer(t *testing.T) {
	s := &fakeSessions{}
	h := signalHandler(s)

	reply := h(websocket.Message{Type: websocket.TypeOffer, Session: "v1", SDP: "sdp"})
	if reply == nil || reply.Type != websocket.TypeAnswer || reply.SDP != "answer:sdp" {
		t.Fatalf("reply = %+v", reply)
	}
	if len(s.offers) != 1 || s.offers[0] != "v1" {
		t.Fatalf("offers = %v", s.offers)
	}
}

func TestSignalHandlerOfferError(t *testing.T) {
	h := signalHandler(&fakeSessions{startErr: errors.New("bad sdp")})
	reply := h(websocket.Message{Type: websocket.TypeOffer, Session: "v1"})
	if reply == nil || reply.Type != websocket.TypeError || reply.Error != "bad sdp" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestSignalHandlerCandidateAndBye(t *testing.T) {
	s := &fakeSessions{}
	h := signalHandler(s)
	if r := h(websocket.Message{Type: websocket.TypeCandidate, Session: "v1", Candidate: "c"}); r != nil {
		t.Fatalf("candidate reply = %+v", r)
	}
	if r := h(websocket.Message{Type: websocket.TypeBye, Session: "v1"}); r != nil {
		t.Fatalf("bye reply = %+v", r)
	}
	if r := h(websocket.Message{Type: "chat", Session: "v1"}); r != nil {
		t.Fatalf("unknown reply = %+v", r)
	}
	if len(s.candidates) != 1 || len(s.stopped) != 1 {
		t.Fatalf("candidates=%v stopped=%v", s.candidates, s.stopped)
	}
}

func TestICEServersFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.ICEServers = []string{"stun:a:3478", "turn:b"}
	got := iceServers(cfg)
	if len(got) != 2 || got[1].URLs[0] != "turn:b" {
		t.Fatalf("iceServers = %+v", got)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	if !strings.Contains(out.String(), "talkme-media v"+version) {
		t.Fatalf("output = %q", out.String())
	}
}
