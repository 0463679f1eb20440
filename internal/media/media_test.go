package media

import "testing"

func TestNormalizeDefaults(t *testing.T) {
	s := CaptureSettings{}.Normalize()
	if s.FPS != DefaultFPS || s.Quality != DefaultQuality {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.MaxWidth != DefaultMaxWidth || s.MaxHeight != DefaultMaxHeight {
		t.Fatalf("unexpected max size: %+v", s)
	}

	s = CaptureSettings{FPS: 500, Quality: 300, BitrateKbps: -1}.Normalize()
	if s.FPS != 120 || s.Quality != 100 || s.BitrateKbps != 0 {
		t.Fatalf("clamping failed: %+v", s)
	}
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		w, h, mw, mh int
		ww, wh       int
	}{
		{3840, 2160, 1920, 1080, 1920, 1080},
		{2560, 1600, 1920, 1080, 1728, 1080},
		{1280, 720, 1920, 1080, 1280, 720},
		{1281, 721, 1920, 1080, 1280, 720},
		{1080, 1920, 1920, 1080, 606, 1080},
		{0, 100, 10, 10, 0, 0},
	}
	for _, tt := range tests {
		w, h := FitWithin(tt.w, tt.h, tt.mw, tt.mh)
		if w != tt.ww || h != tt.wh {
			t.Errorf("FitWithin(%d,%d,%d,%d) = %dx%d, want %dx%d", tt.w, tt.h, tt.mw, tt.mh, w, h, tt.ww, tt.wh)
		}
	}
}

func TestBitrateForQuality(t *testing.T) {
	low := BitrateForQuality(1920, 1080, 30, 10)
	high := BitrateForQuality(1920, 1080, 30, 90)
	if low >= high {
		t.Fatalf("bitrate should grow with quality: %d >= %d", low, high)
	}
	if got := BitrateForQuality(64, 64, 1, 1); got != minBitrateKbps {
		t.Fatalf("tiny output should hit the floor, got %d", got)
	}
	if got := BitrateForQuality(7680, 4320, 120, 100); got != maxBitrateKbps {
		t.Fatalf("huge output should hit the ceiling, got %d", got)
	}
}
