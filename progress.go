package kinescope

import (
	"time"

	"github.com/rs/zerolog"
)

// progress throttles per-segment counters to roughly one log line per
// second.
type progress struct {
	label     string
	total     int
	processed int
	start     time.Time
	lastLog   time.Time
	log       zerolog.Logger
}

func newProgress(label string, total int, logger zerolog.Logger) *progress {
	now := time.Now()
	return &progress{
		label:   label,
		total:   total,
		start:   now,
		lastLog: now,
		log:     logger,
	}
}

func (p *progress) update() {
	p.processed++
	now := time.Now()
	if now.Sub(p.lastLog) < time.Second && p.processed != p.total {
		return
	}
	left := p.total - p.processed
	var eta time.Duration
	if p.processed > 0 {
		eta = now.Sub(p.start) / time.Duration(p.processed) * time.Duration(left)
	}
	p.log.Info().
		Str("track", p.label).
		Int("done", p.processed).
		Int("left", left).
		Dur("eta", eta.Truncate(time.Second)).
		Msg("segments")
	p.lastLog = now
}
