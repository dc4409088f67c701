package kinescope

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const stderrTailLines = 20

// CommandRunner is the seam between the engine and the external tools.
// Run launches name with args, streams stdout lines to onLine (may be
// nil) and returns the tail of stderr together with the exit error.
type CommandRunner interface {
	Run(ctx context.Context, onLine func(string), name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, onLine func(string), name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", err
	}

	tailCh := make(chan []string, 1)
	go func() {
		var tail []string
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			tail = append(tail, scanner.Text())
			if len(tail) > stderrTailLines {
				tail = tail[1:]
			}
		}
		tailCh <- tail
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}

	tail := <-tailCh
	return strings.Join(tail, "\n"), cmd.Wait()
}

// toolMissing recognizes the launch failures that mean the binary is
// absent rather than broken.
func toolMissing(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
}

// Tools invokes the external muxer, decryptor and prober. Each call is
// synchronous and failure is a typed error carrying the diagnostic tail.
type Tools struct {
	FFmpeg     string
	FFprobe    string // optional; discovered next to FFmpeg or on PATH when empty
	MP4Decrypt string
	Runner     CommandRunner
	Log        zerolog.Logger
}

// NewTools wires the real subprocess runner.
func NewTools(ffmpegPath, mp4decryptPath string, logger zerolog.Logger) *Tools {
	return &Tools{
		FFmpeg:     ffmpegPath,
		MP4Decrypt: mp4decryptPath,
		Runner:     execRunner{},
		Log:        logger,
	}
}

// mergeTracks copies the video and audio streams into the final
// container without re-encoding.
func (t *Tools) mergeTracks(ctx context.Context, videoPath, audioPath, target string) error {
	tail, err := t.Runner.Run(ctx, nil, t.FFmpeg,
		"-i", videoPath,
		"-i", audioPath,
		"-c", "copy",
		"-y", "-loglevel", "error",
		target,
	)
	if err != nil {
		if toolMissing(err) {
			return fmt.Errorf("%w: ffmpeg at %q", ErrToolNotFound, t.FFmpeg)
		}
		return &SubprocessError{Tool: "ffmpeg", Err: err, Tail: tail}
	}
	return nil
}

// decrypt runs the content decryptor over one encrypted track.
func (t *Tools) decrypt(ctx context.Context, source, target string, key *LicenseKey) error {
	tail, err := t.Runner.Run(ctx, nil, t.MP4Decrypt,
		"--key", "1:"+key.Hex(),
		source, target,
	)
	if err != nil {
		if toolMissing(err) {
			return fmt.Errorf("%w: mp4decrypt at %q", ErrToolNotFound, t.MP4Decrypt)
		}
		return &SubprocessError{Tool: "mp4decrypt", Err: err, Tail: tail}
	}
	return nil
}

// muxHLS streams the remote variant playlists straight through the muxer
// into target. The muxer performs its own segment fetching with the
// supplied referer; streams are copied, subtitles dropped, and the
// container format pinned to mp4 regardless of the temp file suffix.
// Progress is read from the machine-readable stdout stream and compared
// against expectedDuration (seconds, 0 when unknown).
func (t *Tools) muxHLS(ctx context.Context, videoURL, audioURL, referer, target string, expectedDuration float64) error {
	args := []string{
		"-headers", "Referer: " + referer,
		"-i", videoURL,
	}
	if audioURL != "" {
		args = append(args,
			"-headers", "Referer: "+referer,
			"-i", audioURL,
			"-map", "0:v:0",
			"-map", "1:a:0?",
			"-map", "0:a:0?",
		)
	} else {
		args = append(args,
			"-map", "0:v:0",
			"-map", "0:a:0?",
		)
	}
	args = append(args,
		"-c", "copy",
		"-sn",
		"-f", "mp4",
		"-y",
		"-progress", "pipe:1",
		"-nostats",
		"-loglevel", "error",
		target,
	)

	lastLogged := -1
	onLine := func(line string) {
		sec, ok := parseOutTime(line)
		if !ok || sec == lastLogged {
			return
		}
		lastLogged = sec
		event := t.Log.Info().Int("elapsed_sec", sec)
		if expectedDuration > 0 {
			percent := float64(sec) / expectedDuration * 100
			if percent > 100 {
				percent = 100
			}
			event = event.Int("percent", int(percent))
		}
		event.Msg("muxing")
	}

	tail, err := t.Runner.Run(ctx, onLine, t.FFmpeg, args...)
	if err != nil {
		os.Remove(target)
		if toolMissing(err) {
			return fmt.Errorf("%w: ffmpeg at %q", ErrToolNotFound, t.FFmpeg)
		}
		return &SubprocessError{Tool: "ffmpeg", Err: err, Tail: tail}
	}
	return nil
}

// parseOutTime extracts whole seconds from an "out_time_ms=<micros>"
// progress line.
func parseOutTime(line string) (int, bool) {
	value, found := strings.CutPrefix(line, "out_time_ms=")
	if !found {
		return 0, false
	}
	micros, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, false
	}
	return int(micros / 1_000_000), true
}

// ffprobePath locates the prober: an explicit override, a sibling of the
// muxer binary, then PATH. Empty means verification degrades to
// best-effort skipping.
func (t *Tools) ffprobePath() string {
	if t.FFprobe != "" {
		return t.FFprobe
	}
	names := []string{"ffprobe"}
	if runtime.GOOS == "windows" {
		names = []string{"ffprobe.exe", "ffprobe"}
	}
	dir := filepath.Dir(t.FFmpeg)
	for _, name := range names {
		sibling := filepath.Join(dir, name)
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}
