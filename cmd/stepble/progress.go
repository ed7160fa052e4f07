package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps a single status line updated with the current phase
// and either the elapsed or the remaining time. It prints nothing when out is
// not a terminal.
//
// Usage:
//
//	p := NewProgressPrinter(out, "Connecting", "scanning")
//	p.Start()
//	defer p.Stop()
type ProgressPrinter struct {
	out      io.Writer
	prefix   string
	phase    atomic.Value // string
	countUp  bool
	duration time.Duration
	enabled  bool

	startOnce sync.Once
	stopOnce  sync.Once
	started   time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer that shows elapsed seconds
func NewProgressPrinter(out io.Writer, prefix, phase string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:     out,
		prefix:  prefix,
		countUp: true,
		enabled: isTerminal(out),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a printer that counts down from duration
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, duration time.Duration) *ProgressPrinter {
	p := NewProgressPrinter(out, prefix, phase)
	p.countUp = false
	p.duration = duration
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins updating the status line. Subsequent calls are no-ops.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		p.started = time.Now()
		if !p.enabled {
			close(p.done)
			return
		}
		p.render()
		go p.loop()
	})
}

// SetPhase changes the phase shown on the status line. Safe for concurrent use.
func (p *ProgressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Stop ends the updates and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.Start()
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
		if p.enabled {
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.render()
		}
	}
}

func (p *ProgressPrinter) render() {
	phase := p.phase.Load().(string)
	fmt.Fprintf(p.out, "%s%s (%s %ds)", clearLineSequence, p.prefix, phase, p.seconds())
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.started)
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// Round to the nearest second: 3.7s -> 4s, 3.3s -> 3s
	return int(remaining.Seconds() + 0.5)
}
