package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/zakandrewking/traylive/internal/ticker"
)

// Pingable receives liveness signals
type Pingable interface {
	Ping() error
}

// Pinger stands in for the frontend: while the panel is open it pings the
// target at a fixed cadence
type Pinger struct {
	target   Pingable
	interval time.Duration

	mu     sync.Mutex
	factor float64
	task   *ticker.Task
}

// NewPinger creates a pinger with a closed panel. Failed pings are logged
// to the context passed to Open.
func NewPinger(target Pingable, interval time.Duration) (*Pinger, error) {
	if target == nil {
		return nil, fmt.Errorf("ping target required")
	}

	p := &Pinger{
		target:   target,
		interval: interval,
		factor:   1,
	}
	task, err := ticker.New(interval, func(ctx context.Context) {
		if err := p.target.Ping(); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "pinger: ping handler failed"}, log.KV{K: "error", V: err.Error()})
		}
	})
	if err != nil {
		return nil, err
	}
	p.task = task
	return p, nil
}

// Open starts pinging; it is a no-op when already open. A panel whose
// context was cancelled counts as closed and can be opened again.
func (p *Pinger) Open(ctx context.Context) error {
	if p.task.Running() {
		return nil
	}
	return p.task.Start(ctx)
}

// Close stops pinging and waits for an in-flight ping to finish
func (p *Pinger) Close() {
	p.task.Stop()
}

// IsOpen reports whether the panel is pinging
func (p *Pinger) IsOpen() bool {
	return p.task.Running()
}

// Toggle opens a closed panel and closes an open one
func (p *Pinger) Toggle(ctx context.Context) error {
	if p.IsOpen() {
		p.Close()
		return nil
	}
	return p.Open(ctx)
}

// SetFactor stretches the cadence to interval*factor, as a lagging
// frontend would
func (p *Pinger) SetFactor(factor float64) error {
	if factor <= 0 {
		return fmt.Errorf("factor must be positive, got %v", factor)
	}
	p.mu.Lock()
	p.factor = factor
	p.mu.Unlock()
	return p.task.SetInterval(time.Duration(float64(p.interval) * factor))
}

// Factor returns the current cadence multiplier
func (p *Pinger) Factor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.factor
}
