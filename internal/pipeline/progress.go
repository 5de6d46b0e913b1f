package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MeKo-Tech/tracksfm/internal/reconstruct"
	"github.com/schollz/progressbar/v3"
)

// ProgressCallback receives image registration progress of a run.
type ProgressCallback interface {
	// OnStart is called when reconstruction begins with the number of images.
	OnStart(total int)

	// OnProgress is called whenever the number of registered images changes.
	OnProgress(current, total int)

	// OnComplete is called when the run finished.
	OnComplete()

	// OnError is called when the run aborted.
	OnError(current int, err error)
}

// NoOpProgressCallback implements ProgressCallback but does nothing.
type NoOpProgressCallback struct{}

func (NoOpProgressCallback) OnStart(int)         {}
func (NoOpProgressCallback) OnProgress(int, int) {}
func (NoOpProgressCallback) OnComplete()         {}
func (NoOpProgressCallback) OnError(int, error)  {}

// ConsoleProgressCallback draws a progress bar of registered images.
type ConsoleProgressCallback struct {
	writer io.Writer
	prefix string

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewConsoleProgressCallback creates a console progress reporter writing to
// writer, or stderr when nil.
func NewConsoleProgressCallback(writer io.Writer, prefix string) *ConsoleProgressCallback {
	if writer == nil {
		writer = os.Stderr
	}
	return &ConsoleProgressCallback{writer: writer, prefix: prefix}
}

func (c *ConsoleProgressCallback) OnStart(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(c.writer),
		progressbar.OptionSetDescription(c.prefix+"Registering images"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(50*time.Millisecond),
	)
}

func (c *ConsoleProgressCallback) OnProgress(current, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bar == nil {
		return
	}
	if c.bar.GetMax() != total {
		c.bar.ChangeMax(total)
	}
	_ = c.bar.Set(current)
}

func (c *ConsoleProgressCallback) OnComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bar != nil {
		_ = c.bar.Finish()
	}
	_, _ = fmt.Fprintln(c.writer)
}

func (c *ConsoleProgressCallback) OnError(current int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bar != nil {
		_ = c.bar.Exit()
	}
	_, _ = fmt.Fprintf(c.writer, "\n%sRun aborted after %d images: %v\n", c.prefix, current, err)
}

// LogProgressCallback logs progress updates using slog.
type LogProgressCallback struct {
	logger    *slog.Logger
	level     slog.Level
	startTime time.Time
}

// NewLogProgressCallback creates a log-based progress reporter.
func NewLogProgressCallback(logger *slog.Logger, level slog.Level) *LogProgressCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProgressCallback{logger: logger, level: level}
}

func (l *LogProgressCallback) OnStart(total int) {
	l.startTime = time.Now()
	l.logger.Log(context.Background(), l.level, "Reconstruction started", "images", total)
}

func (l *LogProgressCallback) OnProgress(current, total int) {
	l.logger.Log(context.Background(), l.level, "Reconstruction progress",
		"registered", current,
		"total", total,
		"percent", fmt.Sprintf("%.1f", percent(current, total)),
		"elapsed", time.Since(l.startTime).Round(time.Millisecond),
	)
}

func (l *LogProgressCallback) OnComplete() {
	l.logger.Log(context.Background(), l.level, "Reconstruction completed",
		"elapsed", time.Since(l.startTime).Round(time.Millisecond))
}

func (l *LogProgressCallback) OnError(current int, err error) {
	l.logger.Error("Reconstruction aborted", "registered", current, "error", err)
}

// MultiProgressCallback combines multiple progress callbacks.
type MultiProgressCallback struct {
	callbacks []ProgressCallback
}

// NewMultiProgressCallback reports to every callback in order.
func NewMultiProgressCallback(callbacks ...ProgressCallback) *MultiProgressCallback {
	return &MultiProgressCallback{callbacks: callbacks}
}

// Add adds another progress callback.
func (m *MultiProgressCallback) Add(callback ProgressCallback) {
	m.callbacks = append(m.callbacks, callback)
}

func (m *MultiProgressCallback) OnStart(total int) {
	for _, cb := range m.callbacks {
		cb.OnStart(total)
	}
}

func (m *MultiProgressCallback) OnProgress(current, total int) {
	for _, cb := range m.callbacks {
		cb.OnProgress(current, total)
	}
}

func (m *MultiProgressCallback) OnComplete() {
	for _, cb := range m.callbacks {
		cb.OnComplete()
	}
}

func (m *MultiProgressCallback) OnError(current int, err error) {
	for _, cb := range m.callbacks {
		cb.OnError(current, err)
	}
}

// progressObserver turns reconstruction events into progress callbacks.
// Only changes of the registered count are forwarded.
type progressObserver struct {
	cb   ProgressCallback
	last int
}

func newProgressObserver(cb ProgressCallback) *progressObserver {
	return &progressObserver{cb: cb, last: -1}
}

func (p *progressObserver) OnEvent(e reconstruct.Event) {
	if e.Kind == reconstruct.EventFinished || e.Kind == reconstruct.EventAborted {
		return
	}
	if e.Registered != p.last {
		p.last = e.Registered
		p.cb.OnProgress(e.Registered, e.Total)
	}
}

func percent(current, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(current) / float64(total) * 100.0
}
