package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

func TestSnapshotCounts(t *testing.T) {
	p := NewPipeline()

	p.Video.RecordCapture(2 * time.Millisecond)
	p.Video.RecordCapture(3 * time.Millisecond)
	p.Video.RecordEncode(4*time.Millisecond, 1000, true)
	p.Video.RecordSkip()
	p.Video.RecordReinit()
	p.Video.SetBackend("openh264")

	p.Audio.RecordChunk(480)
	p.Audio.RecordSilent()

	p.Pacer.RecordEnqueue()
	p.Pacer.RecordEnqueue()
	p.Pacer.RecordDrop()
	p.Pacer.RecordSend(160)
	p.Pacer.RecordSendError()

	s := p.Snapshot()
	if s.FramesCaptured != 2 || s.FramesEncoded != 1 || s.FramesSkipped != 1 || s.KeyFrames != 1 {
		t.Fatalf("video counters wrong: %+v", s)
	}
	if s.CaptureMs != 3 || s.EncodeMs != 4 || s.LastFrameSize != 1000 {
		t.Fatalf("video timings wrong: %+v", s)
	}
	if s.Reinits != 1 || s.Backend != "openh264" {
		t.Fatalf("reinit/backend wrong: %+v", s)
	}
	if s.AudioChunks != 1 || s.AudioFrames != 480 || s.AudioSilent != 1 {
		t.Fatalf("audio counters wrong: %+v", s)
	}
	if s.PacerEnqueued != 2 || s.PacerDropped != 1 || s.PacerSent != 1 || s.PacerSendErrors != 1 {
		t.Fatalf("pacer counters wrong: %+v", s)
	}
	if s.VideoKbps <= 0 {
		t.Fatalf("expected positive video bitrate, got %f", s.VideoKbps)
	}
}

func TestSampleProcessNil(t *testing.T) {
	if u := SampleProcess(nil); u != (ProcessUsage{}) {
		t.Fatalf("nil process should give zero usage, got %+v", u)
	}
}

func TestSampleProcessSelf(t *testing.T) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		t.Skipf("process stats unavailable: %v", err)
	}
	if u := SampleProcess(p); u.RSSMB <= 0 {
		t.Fatalf("expected non-zero RSS, got %+v", u)
	}
}

func TestReporterStopsOnCancel(t *testing.T) {
	r := NewReporter(NewPipeline(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reporter did not stop")
	}
}
