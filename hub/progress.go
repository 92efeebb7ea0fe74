package hub

import (
	"io"
	"log/slog"
	"math"

	"github.com/schollz/progressbar/v3"
)

// Progress receives coarse download milestones. fraction is in [0, 1].
type Progress interface {
	Update(fraction float64, message string)
}

type ProgressFunc func(fraction float64, message string)

func (f ProgressFunc) Update(fraction float64, message string) { f(fraction, message) }

type nopProgress struct{}

func (nopProgress) Update(float64, string) {}

var Nop Progress = nopProgress{}

// LogProgress reports milestones through slog, the same way the host's log surface shows them.
type LogProgress struct {
	Model string
}

func (p LogProgress) Update(fraction float64, message string) {
	slog.Info("Model download progress",
		slog.String("model", p.Model),
		slog.Int("percent", int(math.Round(fraction*100))),
		slog.String("message", message))
}

// BarProgress renders milestones on a terminal progress bar.
type BarProgress struct {
	bar *progressbar.ProgressBar
}

func NewBarProgress(w io.Writer, description string) *BarProgress {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return &BarProgress{bar: bar}
}

func (p *BarProgress) Update(fraction float64, message string) {
	p.bar.Describe(message)
	_ = p.bar.Set(int(math.Round(fraction * 100)))
	if fraction >= 1 {
		_ = p.bar.Finish()
	}
}

// span maps a child's [0, 1] progress into [lo, hi] of the parent.
type span struct {
	parent Progress
	lo, hi float64
}

func (s span) Update(fraction float64, message string) {
	s.parent.Update(s.lo+(s.hi-s.lo)*fraction, message)
}
