package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
)

// DefaultPingInterval is the cadence a visible plugin panel pings at
const DefaultPingInterval = 200 * time.Millisecond

// TimeoutFactor sizes the default timeout relative to the ping interval
const TimeoutFactor = 5

// State represents the liveness of a plugin as seen from its ping stream
type State int

const (
	StateNeverPinged State = iota
	StateActive
	StateInactive
)

func (s State) String() string {
	switch s {
	case StateNeverPinged:
		return "never-pinged"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tracker derives plugin activity from pings and holds back guarded
// handlers while the plugin is inactive
type Tracker struct {
	mu           sync.Mutex
	lastPing     time.Time
	timeout      time.Duration
	pingInterval time.Duration
	now          func() time.Time
	logCtx       context.Context
	guards       []*guard
}

// guard is the per-handler pending slot. A nil deferred means nothing is pending.
type guard struct {
	deferred func() error
}

// Option configures a Tracker
type Option func(*options)

type options struct {
	timeout      time.Duration
	pingInterval time.Duration
	now          func() time.Time
	logCtx       context.Context
}

// WithTimeout sets the ping silence after which the tracker turns inactive
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithPingInterval sets the expected ping cadence. Without WithTimeout the
// timeout becomes TimeoutFactor times this interval.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingInterval = d }
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogContext sets the context carrying the logger used for failed
// deferred handlers
func WithLogContext(ctx context.Context) Option {
	return func(o *options) { o.logCtx = ctx }
}

// New creates a tracker in the never-pinged state
func New(opts ...Option) (*Tracker, error) {
	o := options{
		pingInterval: DefaultPingInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.pingInterval <= 0 {
		return nil, fmt.Errorf("ping interval must be positive, got %s", o.pingInterval)
	}
	if o.timeout == 0 {
		o.timeout = TimeoutFactor * o.pingInterval
	}
	if o.timeout <= o.pingInterval {
		return nil, fmt.Errorf("timeout %s must exceed ping interval %s", o.timeout, o.pingInterval)
	}
	if o.now == nil {
		return nil, errors.New("clock must not be nil")
	}
	if o.logCtx == nil {
		o.logCtx = log.Context(context.Background())
	}

	return &Tracker{
		timeout:      o.timeout,
		pingInterval: o.pingInterval,
		now:          o.now,
		logCtx:       o.logCtx,
	}, nil
}

// claimed is a pending handler taken off its guard for one flush
type claimed struct {
	g  *guard
	fn func() error
}

// RecordPing marks the plugin as seen now. On an inactive to active
// transition every pending handler runs once, after the lock is released.
// If a handler panics, the handlers after it stay pending.
func (t *Tracker) RecordPing() error {
	t.mu.Lock()
	wasActive := t.activeLocked()
	// The local clock never moves lastPing backwards.
	if now := t.now(); now.After(t.lastPing) {
		t.lastPing = now
	}

	var flush []claimed
	if !wasActive {
		for _, g := range t.guards {
			if g.deferred != nil {
				flush = append(flush, claimed{g: g, fn: g.deferred})
				g.deferred = nil
			}
		}
	}
	t.mu.Unlock()

	next := 0
	defer func() {
		if next < len(flush) {
			t.restore(flush[next:])
		}
	}()

	var errs []error
	for next < len(flush) {
		c := flush[next]
		next++
		if err := c.fn(); err != nil {
			log.Error(t.logCtx, err, log.KV{K: "msg", V: "activity: deferred handler failed"})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// restore puts unrun handlers back unless a newer trigger re-armed the guard
func (t *Tracker) restore(unrun []claimed) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range unrun {
		if c.g.deferred == nil {
			c.g.deferred = c.fn
		}
	}
}

// Active reports whether a ping arrived within the timeout
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

func (t *Tracker) activeLocked() bool {
	if t.lastPing.IsZero() {
		return false
	}
	return t.now().Sub(t.lastPing) < t.timeout
}

// State returns the current state
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.lastPing.IsZero():
		return StateNeverPinged
	case t.activeLocked():
		return StateActive
	default:
		return StateInactive
	}
}

// LastPing returns the time of the last ping, zero if never pinged
func (t *Tracker) LastPing() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPing
}

// Pending reports whether any guarded handler waits for the next activation
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, g := range t.guards {
		if g.deferred != nil {
			return true
		}
	}
	return false
}

// Timeout returns the configured inactivity window
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// PingInterval returns the expected ping cadence
func (t *Tracker) PingInterval() time.Duration {
	return t.pingInterval
}

func (t *Tracker) register() *guard {
	g := &guard{}
	t.mu.Lock()
	t.guards = append(t.guards, g)
	t.mu.Unlock()
	return g
}

// admit decides under one lock whether the caller runs now. When inactive,
// deferred replaces whatever g held before.
func (t *Tracker) admit(g *guard, deferred func() error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeLocked() {
		return true
	}
	g.deferred = deferred
	return false
}

// Wrap guards fn. The returned func runs fn when active and reports
// ran=false without calling it otherwise.
func (t *Tracker) Wrap(fn func() error) func() (bool, error) {
	g := t.register()
	return func() (bool, error) {
		if !t.admit(g, fn) {
			return false, nil
		}
		return true, fn()
	}
}

// WrapFunc guards a handler that takes an argument. While inactive only the
// latest argument is kept and the deferred run receives it.
func WrapFunc[A any](t *Tracker, fn func(A) error) func(A) (bool, error) {
	g := t.register()
	return func(arg A) (bool, error) {
		if !t.admit(g, func() error { return fn(arg) }) {
			return false, nil
		}
		return true, fn(arg)
	}
}

// WrapResult guards a handler that produces a value. A deferred call returns
// the zero R; the deferred run discards its result.
func WrapResult[R any](t *Tracker, fn func() (R, error)) func() (R, bool, error) {
	g := t.register()
	deferred := func() error {
		_, err := fn()
		return err
	}
	return func() (R, bool, error) {
		if !t.admit(g, deferred) {
			var zero R
			return zero, false, nil
		}
		r, err := fn()
		return r, true, err
	}
}
