package main

import (
	"fmt"
	"io"

	"github.com/bohdanbtw/TalkMe-sub001/internal/audio"
	"github.com/bohdanbtw/TalkMe-sub001/internal/capture"
	"github.com/bohdanbtw/TalkMe-sub001/internal/codec"
	"github.com/bohdanbtw/TalkMe-sub001/internal/config"
	"github.com/bohdanbtw/TalkMe-sub001/internal/media"
)

// probe opens each backend once and reports what bound. Only a missing
// encoder is an error; the host cannot stream without one.
func probe(w io.Writer, cfg *config.Config, width, height int) error {
	if dup, err := capture.NewDuplicator(cfg.Capture.Display); err != nil {
		fmt.Fprintf(w, "capture:  unavailable (%v)\n", err)
	} else if dw, dh, err := dup.Open(); err != nil {
		fmt.Fprintf(w, "capture:  unavailable (%v)\n", err)
		dup.Close()
	} else {
		fmt.Fprintf(w, "capture:  display %d, %dx%d\n", cfg.Capture.Display, dw, dh)
		dup.Close()
	}

	opts := codecOptions(cfg)
	enc := codec.NewEncoder(opts...)
	defer enc.Shutdown()
	kbps := media.BitrateForQuality(width, height, cfg.Capture.FPS, cfg.Capture.Quality)
	if err := enc.Initialize(width, height, cfg.Capture.FPS, kbps); err != nil {
		fmt.Fprintf(w, "encoder:  unavailable (%v)\n", err)
		return err
	}
	kind := "software"
	if enc.IsHardware() {
		kind = "hardware"
	}
	fmt.Fprintf(w, "encoder:  %s (%s) %dx%d@%d %d kbps\n", enc.Backend(), kind, width, height, cfg.Capture.FPS, kbps)

	dec := codec.NewDecoder(opts...)
	defer dec.Shutdown()
	if err := dec.Initialize(width, height); err != nil {
		fmt.Fprintf(w, "decoder:  unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(w, "decoder:  %s\n", dec.Backend())
	}

	if dev, err := audio.NewLoopbackDevice(); err != nil {
		fmt.Fprintf(w, "audio:    unavailable (%v)\n", err)
	} else if f, err := dev.Open(); err != nil {
		fmt.Fprintf(w, "audio:    unavailable (%v)\n", err)
		dev.Close()
	} else {
		fmt.Fprintf(w, "audio:    loopback %s\n", f)
		dev.Close()
	}
	return nil
}
