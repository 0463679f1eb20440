package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bohdanbtw/TalkMe-sub001/internal/audio"
	"github.com/bohdanbtw/TalkMe-sub001/internal/capture"
	"github.com/bohdanbtw/TalkMe-sub001/internal/codec"
	"github.com/bohdanbtw/TalkMe-sub001/internal/config"
	"github.com/bohdanbtw/TalkMe-sub001/internal/health"
	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
	"github.com/bohdanbtw/TalkMe-sub001/internal/media"
	"github.com/bohdanbtw/TalkMe-sub001/internal/metrics"
	"github.com/bohdanbtw/TalkMe-sub001/internal/pacer"
	"github.com/bohdanbtw/TalkMe-sub001/internal/transport"
	"github.com/bohdanbtw/TalkMe-sub001/internal/voice"
	"github.com/bohdanbtw/TalkMe-sub001/internal/websocket"
)

const healthInterval = 5 * time.Second

// runPipeline wires capture, audio and the pacer to the WebRTC sessions and
// blocks until SIGINT/SIGTERM.
func runPipeline(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting talkme-media", "version", version)

	stats := metrics.NewPipeline()
	mon := health.NewMonitor()
	opts := codecOptions(cfg)

	video := capture.New(
		capture.WithDisplay(cfg.Capture.Display),
		capture.WithMetrics(&stats.Video),
		capture.WithEncoderFactory(func() capture.FrameEncoder { return codec.NewEncoder(opts...) }),
	)

	sessions, err := transport.NewSessionManager(
		transport.Config{ICEServers: iceServers(cfg)},
		transport.WithKeyframeRequester(video.RequestKeyframe),
	)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer sessions.StopAll()

	settings := media.CaptureSettings{
		FPS:         cfg.Capture.FPS,
		Quality:     cfg.Capture.Quality,
		MaxWidth:    cfg.Capture.MaxWidth,
		MaxHeight:   cfg.Capture.MaxHeight,
		BitrateKbps: cfg.Capture.BitrateKbps,
	}.Normalize()
	frameDur := time.Second / time.Duration(settings.FPS)
	err = video.Start(settings, func(pkt media.EncodedVideoPacket) {
		if err := sessions.WriteVideo(pkt, frameDur); err != nil {
			log.Debug("video write failed", logging.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer video.Stop()
	mon.Register("capture", video)

	voicePacer := pacer.New(
		pacer.WithInterval(time.Duration(cfg.Pacer.IntervalMs)*time.Millisecond),
		pacer.WithCapacity(cfg.Pacer.Capacity),
		pacer.WithMetrics(&stats.Pacer),
	)
	if err := voicePacer.Start(sessions.WriteAudio); err != nil {
		return fmt.Errorf("start pacer: %w", err)
	}
	defer voicePacer.Stop()
	mon.Register("pacer", voicePacer)

	if cfg.Audio.Enabled {
		if src, err := startAudio(cfg, stats, voicePacer); err != nil {
			log.Warn("system audio unavailable, streaming video only", logging.Err(err))
		} else {
			defer src.Stop()
			mon.Register("audio", src)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metrics.NewReporter(stats, time.Duration(cfg.Metrics.IntervalSeconds)*time.Second).Run(gctx)
	})
	g.Go(func() error {
		mon.Watch(gctx, healthInterval)
		return nil
	})
	if cfg.Transport.SignalingURL != "" {
		client := websocket.New(websocket.Config{
			ServerURL: cfg.Transport.SignalingURL,
			HostID:    cfg.Transport.HostID,
			AuthToken: cfg.Transport.AuthToken,
		}, signalHandler(sessions))
		g.Go(func() error { return client.Run(gctx) })
	} else {
		log.Warn("transport.signaling_url not set; no viewer can connect")
	}

	err = g.Wait()
	log.Info("shutting down", "health", string(mon.Overall()))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startAudio(cfg *config.Config, stats *metrics.Pipeline, out *pacer.Pacer) (*audio.Source, error) {
	enc, err := voice.NewEncoder(out.Enqueue)
	if err != nil {
		return nil, err
	}
	src := audio.New(
		audio.WithPollInterval(time.Duration(cfg.Audio.PollIntervalMs)*time.Millisecond),
		audio.WithMetrics(&stats.Audio),
	)
	if err := src.Start(enc.Write); err != nil {
		return nil, err
	}
	log.Info("system audio capture started", "format", src.Format().String())
	return src, nil
}

// sessionControl is the part of transport.SessionManager driven by
// signaling.
type sessionControl interface {
	StartSession(id, offer string) (string, error)
	AddICECandidate(id, candidate string) error
	StopSession(id string)
}

func signalHandler(sessions sessionControl) websocket.Handler {
	return func(msg websocket.Message) *websocket.Message {
		sessionLog := logging.WithSession(log, msg.Session)
		switch msg.Type {
		case websocket.TypeOffer:
			answer, err := sessions.StartSession(msg.Session, msg.SDP)
			if err != nil {
				sessionLog.Warn("offer rejected", logging.Err(err))
				return &websocket.Message{Type: websocket.TypeError, Error: err.Error()}
			}
			return &websocket.Message{Type: websocket.TypeAnswer, SDP: answer}
		case websocket.TypeCandidate:
			if err := sessions.AddICECandidate(msg.Session, msg.Candidate); err != nil {
				sessionLog.Debug("candidate rejected", logging.Err(err))
			}
		case websocket.TypeBye:
			sessions.StopSession(msg.Session)
		default:
			sessionLog.Debug("ignoring signaling message", "type", msg.Type)
		}
		return nil
	}
}
