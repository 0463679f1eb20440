package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop startup from values
// that were clamped into range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// Validate clamps out-of-range values and returns every problem found,
// logging each one as a warning.
func (c *Config) Validate() []error {
	r := c.ValidateTiered()
	errs := append(append([]error(nil), r.Fatals...), r.Warnings...)
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if s := c.Transport.SignalingURL; s != "" {
		u, err := url.Parse(s)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("transport.signaling_url %q is not a valid URL: %w", s, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			r.Fatals = append(r.Fatals, fmt.Errorf("transport.signaling_url scheme must be ws or wss, got %q", u.Scheme))
		}
	}
	for _, s := range c.Transport.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			r.Fatals = append(r.Fatals, fmt.Errorf("transport.ice_servers entry %q must start with stun:, turn: or turns:", s))
		}
	}

	if c.Log.Level != "" && !validLogLevels[strings.ToLower(c.Log.Level)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log.level %q is not valid (use debug, info, warn, error)", c.Log.Level))
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log.format %q is not valid (use text or json)", c.Log.Format))
	}

	clamp(&r, "capture.fps", &c.Capture.FPS, 1, 120)
	clamp(&r, "capture.quality", &c.Capture.Quality, 1, 100)
	clamp(&r, "capture.max_width", &c.Capture.MaxWidth, 160, 7680)
	clamp(&r, "capture.max_height", &c.Capture.MaxHeight, 120, 4320)
	if c.Capture.Display < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("capture.display %d is negative, using primary display", c.Capture.Display))
		c.Capture.Display = 0
	}
	if c.Capture.BitrateKbps != 0 {
		clamp(&r, "capture.bitrate_kbps", &c.Capture.BitrateKbps, 100, 50000)
	}

	clamp(&r, "audio.poll_interval_ms", &c.Audio.PollIntervalMs, 1, 100)
	clamp(&r, "pacer.interval_ms", &c.Pacer.IntervalMs, 1, 1000)
	clamp(&r, "pacer.capacity", &c.Pacer.Capacity, 1, 1024)
	clamp(&r, "metrics.interval_seconds", &c.Metrics.IntervalSeconds, 5, 3600)

	return r
}

func clamp(r *ValidationResult, key string, v *int, lo, hi int) {
	switch {
	case *v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo))
		*v = lo
	case *v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi))
		*v = hi
	}
}
