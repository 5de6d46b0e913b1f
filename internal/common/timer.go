// Package common provides shared utilities for timing run phases.
package common

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Timer measures one named phase.
type Timer struct {
	start    time.Time
	name     string
	duration time.Duration
}

// NewNamedTimer starts a timer with the given name.
func NewNamedTimer(name string) *Timer {
	return &Timer{name: name, start: time.Now()}
}

// Stop stops the timer and returns the elapsed duration.
func (t *Timer) Stop() time.Duration {
	t.duration = time.Since(t.start)
	return t.duration
}

// Duration returns the recorded duration (only valid after Stop()).
func (t *Timer) Duration() time.Duration {
	return t.duration
}

// Name returns the timer name.
func (t *Timer) Name() string {
	return t.name
}

func (t *Timer) String() string {
	return fmt.Sprintf("%s: %v", t.name, t.duration.Round(time.Microsecond))
}

// Phase is a finished timer.
type Phase struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// Phases records phase durations in the order they finished. It is safe for
// concurrent use.
type Phases struct {
	mu     sync.Mutex
	phases []Phase
}

// Start begins a phase; calling the returned func records it.
func (p *Phases) Start(name string) func() time.Duration {
	t := NewNamedTimer(name)
	return func() time.Duration {
		d := t.Stop()
		p.mu.Lock()
		p.phases = append(p.phases, Phase{Name: name, Duration: d})
		p.mu.Unlock()
		return d
	}
}

// List returns a copy of the recorded phases.
func (p *Phases) List() []Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Phase(nil), p.phases...)
}

// Total sums all recorded phases.
func (p *Phases) Total() time.Duration {
	var total time.Duration
	for _, ph := range p.List() {
		total += ph.Duration
	}
	return total
}

func (p *Phases) String() string {
	var b strings.Builder
	for i, ph := range p.List() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", ph.Name, ph.Duration.Round(time.Millisecond))
	}
	return b.String()
}
