package kinescope

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// minPlayableDuration rejects outputs that are technically valid mp4
// containers but carry no usable media.
const minPlayableDuration = 0.5

type probeStream struct {
	CodecType string `json:"codec_type"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeReport struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

func (r *probeReport) count(codecType string) int {
	n := 0
	for _, s := range r.Streams {
		if s.CodecType == codecType {
			n++
		}
	}
	return n
}

func (r *probeReport) duration() float64 {
	d, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil {
		return 0
	}
	return d
}

// verifyOutput probes path and deletes it when it is not a playable
// recording: at least one video stream, a duration above the floor, and
// an audio stream when requireAudio is set. A missing or failing prober
// skips verification rather than condemning a possibly fine file.
func (t *Tools) verifyOutput(ctx context.Context, path string, requireAudio bool) error {
	prober := t.ffprobePath()
	if prober == "" {
		t.structuralCheck(path)
		return nil
	}

	var stdout []byte
	tail, err := t.Runner.Run(ctx, func(line string) {
		stdout = append(stdout, line...)
		stdout = append(stdout, '\n')
	}, prober,
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-of", "json",
		path,
	)
	if err != nil {
		t.Log.Warn().Err(err).Str("tail", tail).Msg("ffprobe failed, skipping output verification")
		return nil
	}

	var report probeReport
	if err := json.Unmarshal(stdout, &report); err != nil {
		t.Log.Warn().Err(err).Msg("unreadable ffprobe report, skipping output verification")
		return nil
	}

	reject := func(reason string) error {
		os.Remove(path)
		return &ValidationError{Reason: reason}
	}
	if report.count("video") == 0 {
		return reject("no video stream in output")
	}
	if d := report.duration(); d <= minPlayableDuration {
		return reject(fmt.Sprintf("output duration %.2fs is too short", d))
	}
	if requireAudio && report.count("audio") == 0 {
		return reject("no audio stream in output")
	}
	return nil
}

// structuralCheck is the degraded path without a prober: the file must at
// least parse as an MP4 with a moov box. Best effort, a miss only warns.
func (t *Tools) structuralCheck(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		t.Log.Warn().Err(err).Msg("ffprobe not found and output unreadable, skipping verification")
		return
	}
	if !looksLikeMP4(data) {
		t.Log.Warn().Str("file", path).
			Msg("ffprobe not found; output does not look like an MP4 container")
		return
	}
	t.Log.Warn().Str("file", path).Msg("ffprobe not found, only structural MP4 check performed")
}
