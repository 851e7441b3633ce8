package memwatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultDuration = 60 * time.Minute
)

var (
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	red    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	bold   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	gray   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

func severityStyle(s Severity) lipgloss.Style {
	switch s {
	case Growing:
		return yellow
	case LeakDetected:
		return red
	case MassiveLeak:
		return bold
	default:
		return green
	}
}

type Option func(*Sampler)

func WithInterval(d time.Duration) Option {
	return func(s *Sampler) { s.interval = d }
}

func WithDuration(d time.Duration) Option {
	return func(s *Sampler) { s.duration = d }
}

// WithLogSize bounds the rolling sample log.
func WithLogSize(n int) Option {
	return func(s *Sampler) { s.acc = NewAccumulator(n) }
}

// Sampler polls a Source until its duration elapses or its context ends.
// It only observes.
type Sampler struct {
	source   Source
	interval time.Duration
	duration time.Duration
	out      io.Writer
	acc      *Accumulator
}

func NewSampler(source Source, out io.Writer, opts ...Option) *Sampler {
	s := &Sampler{
		source:   source,
		interval: DefaultInterval,
		duration: DefaultDuration,
		out:      out,
		acc:      NewAccumulator(DefaultLogSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	return s
}

// Accumulator exposes the run state.
func (s *Sampler) Accumulator() *Accumulator {
	return s.acc
}

// Run samples until done and prints the final summary. It never fails: read
// errors are logged and the tick is skipped.
func (s *Sampler) Run(ctx context.Context) Summary {
	ctx, cancel := context.WithTimeout(ctx, s.duration)
	defer cancel()

	fmt.Fprintf(s.out, "monitoring %s every %s for %s\n", s.source, s.interval, s.duration)
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			s.tick(ctx)
		}
	}

	summary := s.acc.Summary()
	s.printSummary(summary)
	return summary
}

func (s *Sampler) tick(ctx context.Context) {
	resident, err := s.source.Resident(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("memory sample failed", "source", s.source.String(), "error", err)
		}
		return
	}

	now := time.Now()
	if !s.acc.HasBaseline {
		s.acc.SetBaseline(resident)
		fmt.Fprintf(s.out, "%s baseline %s\n", gray.Render(now.Format(time.RFC3339)), humanize.IBytes(resident))
		return
	}

	sample := s.acc.Add(now, resident)
	fmt.Fprintf(s.out, "%s rss %s delta %s %s\n",
		gray.Render(now.Format(time.RFC3339)),
		humanize.IBytes(resident),
		signedBytes(sample.Delta),
		severityStyle(sample.Severity).Render(string(sample.Severity)),
	)
}

func (s *Sampler) printSummary(sum Summary) {
	fmt.Fprintln(s.out)
	if !s.acc.HasBaseline {
		fmt.Fprintln(s.out, red.Render("no baseline captured; the service was never readable"))
		return
	}
	fmt.Fprintf(s.out, "samples:      %d\n", sum.Samples)
	fmt.Fprintf(s.out, "baseline:     %s\n", humanize.IBytes(sum.Baseline))
	fmt.Fprintf(s.out, "max growth:   %s\n", signedBytes(sum.MaxDelta))
	fmt.Fprintf(s.out, "leak samples: %d\n", sum.LeakSamples)
	fmt.Fprintf(s.out, "verdict:      %s\n", severityStyle(sum.Severity).Render(string(sum.Severity)))
}

func signedBytes(delta int64) string {
	if delta < 0 {
		return "-" + humanize.IBytes(uint64(-delta))
	}
	return "+" + humanize.IBytes(uint64(delta))
}
