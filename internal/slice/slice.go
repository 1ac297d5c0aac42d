// Package slice implements the cube slice tool: a slider over the spectral
// axis that keeps the slice index and its wavelength or frequency in sync,
// announces the selection on the hub, and can play through the cube.
package slice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/zakandrewking/traylive/internal/activity"
	"github.com/zakandrewking/traylive/internal/hub"
	"github.com/zakandrewking/traylive/internal/observe"
	"github.com/zakandrewking/traylive/internal/plugin"
	"github.com/zakandrewking/traylive/internal/ticker"
)

// Attribute names
const (
	AttrSlice         = "slice"
	AttrValue         = "value"
	AttrValueUnit     = "value_unit"
	AttrMinSlice      = "min_slice"
	AttrMaxSlice      = "max_slice"
	AttrShowIndicator = "show_indicator"
	AttrShowValue     = "show_value"
	AttrIsPlaying     = "is_playing"
	AttrPlayInterval  = "play_interval"
)

// DefaultPlayInterval is the player's step period
const DefaultPlayInterval = 200 * time.Millisecond

var (
	ErrNoAxis       = errors.New("spectral axis not loaded")
	ErrInvalidValue = errors.New("invalid slice value")
	ErrPlaying      = errors.New("player is running")
)

// ValueUpdated is broadcast whenever the selected slice changes
type ValueUpdated struct {
	From  string
	Slice int
	Value float64
	Unit  string
}

func (m ValueUpdated) Sender() string { return m.From }

// SelectSlice asks the slice tool to move. Slice wins over Value.
type SelectSlice struct {
	From  string
	Slice *int
	Value *float64
}

func (m SelectSlice) Sender() string { return m.From }

// ToolStateChanged is broadcast when an indicator setting changes
type ToolStateChanged struct {
	From    string
	Setting string
	Enabled bool
}

func (m ToolStateChanged) Sender() string { return m.From }

// PreviewFunc recomputes the live preview for a slice
type PreviewFunc func(slice int, value float64) error

// Slice is the slice tool plugin
type Slice struct {
	*plugin.Plugin

	// applyMu keeps slice and value moving together. It is held while
	// observers run, so observers must not move the slice themselves.
	applyMu sync.Mutex

	mu      sync.Mutex
	axis    []float64
	preview PreviewFunc
	player  *ticker.Task
}

// New creates the slice tool and subscribes it to SelectSlice requests.
// ctx carries the logger.
func New(ctx context.Context, name string, h *hub.Hub, opts ...activity.Option) (*Slice, error) {
	base, err := plugin.New(ctx, name, h, opts...)
	if err != nil {
		return nil, err
	}

	s := &Slice{Plugin: base}

	defaults := []struct {
		name  string
		value any
	}{
		{AttrSlice, 0},
		{AttrValue, math.NaN()},
		{AttrValueUnit, ""},
		{AttrMinSlice, 0},
		{AttrMaxSlice, 100},
		{AttrShowIndicator, true},
		{AttrShowValue, true},
		{AttrIsPlaying, false},
		{AttrPlayInterval, DefaultPlayInterval},
	}
	for _, d := range defaults {
		if err := s.Attrs.Set(d.name, d.value); err != nil {
			return nil, err
		}
	}

	if _, err := s.Observe(s.onSettingChanged, false, AttrShowIndicator, AttrShowValue); err != nil {
		return nil, err
	}
	if _, err := s.Observe(s.onSliceForPreview, true, AttrSlice); err != nil {
		return nil, err
	}
	if _, err := s.Observe(s.onPlayIntervalChanged, false, AttrPlayInterval); err != nil {
		return nil, err
	}

	if err := hub.Subscribe(h, s.SubscriberID(), s.onSelectSlice); err != nil {
		return nil, fmt.Errorf("failed to subscribe %q: %w", name, err)
	}
	return s, nil
}

// SetPreview installs the expensive live-preview recomputation. It only runs
// while the panel is active; slice changes made while closed are replayed
// once, for the latest slice, on the next ping.
func (s *Slice) SetPreview(fn PreviewFunc) {
	s.mu.Lock()
	s.preview = fn
	s.mu.Unlock()
}

func (s *Slice) onSliceForPreview(c observe.Change) error {
	s.mu.Lock()
	fn := s.preview
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	idx, ok := c.New.(int)
	if !ok {
		return fmt.Errorf("%w: slice %v", ErrInvalidValue, c.New)
	}
	v, _ := s.ValueAt(idx)
	return fn(idx, v)
}

func (s *Slice) onSettingChanged(c observe.Change) error {
	enabled, _ := c.New.(bool)
	s.Hub.Broadcast(ToolStateChanged{From: s.Name, Setting: c.Name, Enabled: enabled})
	return nil
}

func (s *Slice) onPlayIntervalChanged(c observe.Change) error {
	d, ok := c.New.(time.Duration)
	if !ok || d <= 0 {
		return fmt.Errorf("%w: play interval %v", ErrInvalidValue, c.New)
	}
	s.mu.Lock()
	player := s.player
	s.mu.Unlock()
	if player != nil {
		return player.SetInterval(d)
	}
	return nil
}

func (s *Slice) onSelectSlice(m SelectSlice) {
	var err error
	switch {
	case m.Slice != nil:
		err = s.SetSlice(*m.Slice)
	case m.Value != nil:
		err = s.SetValue(*m.Value)
	default:
		return
	}
	if err != nil {
		log.Warn(s.LogContext(), log.KV{K: "msg", V: "slice: select request failed"},
			log.KV{K: "from", V: m.From}, log.KV{K: "error", V: err.Error()})
	}
}

// SetAxis caches the spectral axis values. The first load starts at the
// middle of the cube; later loads (e.g. a unit change) keep the slice.
func (s *Slice) SetAxis(values []float64, unit string) error {
	if len(values) == 0 {
		return ErrNoAxis
	}

	s.mu.Lock()
	first := s.axis == nil
	s.axis = append([]float64(nil), values...)
	s.mu.Unlock()

	if err := s.Attrs.Set(AttrMaxSlice, len(values)-1); err != nil {
		return err
	}
	if err := s.Attrs.Set(AttrValueUnit, unit); err != nil {
		return err
	}

	if first {
		return s.apply(len(values) / 2)
	}
	return s.applyFrom(s.Current)
}

// ValueAt returns the axis value for idx
func (s *Slice) ValueAt(idx int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.axis) {
		return math.NaN(), false
	}
	return s.axis[idx], true
}

// Current returns the selected slice index
func (s *Slice) Current() int {
	idx, _ := observe.GetAs[int](s.Attrs, AttrSlice)
	return idx
}

// Value returns the spectral value of the selected slice
func (s *Slice) Value() float64 {
	v, ok := observe.GetAs[float64](s.Attrs, AttrValue)
	if !ok {
		return math.NaN()
	}
	return v
}

// Unit returns the spectral axis unit
func (s *Slice) Unit() string {
	u, _ := observe.GetAs[string](s.Attrs, AttrValueUnit)
	return u
}

// SetSlice selects slice idx, wrapping around the cube
func (s *Slice) SetSlice(idx int) error {
	return s.apply(idx)
}

// SetValue selects the slice whose axis value is nearest to v
func (s *Slice) SetValue(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		// Re-announce the current slice so the UI reverts.
		if err := s.applyFrom(s.Current); err != nil && !errors.Is(err, ErrNoAxis) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidValue, v)
	}

	idx, err := s.nearest(v)
	if err != nil {
		return err
	}
	return s.apply(idx)
}

func (s *Slice) nearest(v float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.axis) == 0 {
		return 0, ErrNoAxis
	}
	best, bestDist := 0, math.Inf(1)
	for i, x := range s.axis {
		if d := math.Abs(v - x); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, nil
}

func (s *Slice) apply(idx int) error {
	return s.applyFrom(func() int { return idx })
}

// applyFrom selects the slice returned by target, which runs under the apply
// lock so it may read the current slice
func (s *Slice) applyFrom(target func() int) error {
	msg, err := s.applyLocked(target)
	if err != nil {
		return err
	}
	// Hub subscribers may send SelectSlice back, so announce unlocked.
	s.Hub.Broadcast(msg)
	return nil
}

func (s *Slice) applyLocked(target func() int) (ValueUpdated, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	n := len(s.axis)
	s.mu.Unlock()
	if n == 0 {
		return ValueUpdated{}, ErrNoAxis
	}

	maxSlice, _ := observe.GetAs[int](s.Attrs, AttrMaxSlice)
	idx := wrap(target(), maxSlice+1)
	value, _ := s.ValueAt(idx)

	if err := s.Attrs.Set(AttrValue, value); err != nil {
		return ValueUpdated{}, err
	}
	if err := s.Attrs.Set(AttrSlice, idx); err != nil {
		return ValueUpdated{}, err
	}
	return ValueUpdated{From: s.Name, Slice: idx, Value: value, Unit: s.Unit()}, nil
}

func wrap(idx, n int) int {
	if n <= 0 {
		return 0
	}
	idx %= n
	if idx < 0 {
		idx += n
	}
	return idx
}

// IsPlaying reports whether the player is stepping through slices
func (s *Slice) IsPlaying() bool {
	playing, _ := observe.GetAs[bool](s.Attrs, AttrIsPlaying)
	return playing
}

// GotoFirst selects min_slice unless playing
func (s *Slice) GotoFirst() error {
	if s.IsPlaying() {
		return ErrPlaying
	}
	minSlice, _ := observe.GetAs[int](s.Attrs, AttrMinSlice)
	return s.apply(minSlice)
}

// GotoLast selects max_slice unless playing
func (s *Slice) GotoLast() error {
	if s.IsPlaying() {
		return ErrPlaying
	}
	maxSlice, _ := observe.GetAs[int](s.Attrs, AttrMaxSlice)
	return s.apply(maxSlice)
}

// PlayNext steps one slice forward unless playing
func (s *Slice) PlayNext() error {
	if s.IsPlaying() {
		return ErrPlaying
	}
	return s.step()
}

// PlayStartStop starts the player, or stops it if already running
func (s *Slice) PlayStartStop(ctx context.Context) error {
	if s.IsPlaying() {
		s.mu.Lock()
		player := s.player
		s.player = nil
		s.mu.Unlock()
		if player != nil {
			player.Stop()
		}
		return s.Attrs.Set(AttrIsPlaying, false)
	}

	s.mu.Lock()
	loaded := s.axis != nil
	s.mu.Unlock()
	if !loaded {
		return ErrNoAxis
	}

	interval, _ := observe.GetAs[time.Duration](s.Attrs, AttrPlayInterval)
	player, err := ticker.New(interval, func(ctx context.Context) {
		if err := s.step(); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "slice: player step failed"}, log.KV{K: "error", V: err.Error()})
		}
	})
	if err != nil {
		return err
	}

	if err := s.Attrs.Set(AttrIsPlaying, true); err != nil {
		return err
	}
	s.mu.Lock()
	s.player = player
	s.mu.Unlock()
	if err := player.Start(ctx); err != nil {
		s.release(player)
		return err
	}
	go func(done <-chan struct{}) {
		<-done
		s.release(player)
	}(player.Done())
	return nil
}

func (s *Slice) step() error {
	return s.applyFrom(func() int { return s.Current() + 1 })
}

// release clears is_playing once player has ended, unless a newer player
// took its place
func (s *Slice) release(player *ticker.Task) {
	s.mu.Lock()
	current := s.player == player
	if current {
		s.player = nil
	}
	s.mu.Unlock()
	if current {
		if err := s.Attrs.Set(AttrIsPlaying, false); err != nil {
			log.Warn(s.LogContext(), log.KV{K: "msg", V: "slice: player release failed"}, log.KV{K: "error", V: err.Error()})
		}
	}
}

// Close stops the player and detaches the plugin
func (s *Slice) Close() {
	s.mu.Lock()
	player := s.player
	s.player = nil
	s.mu.Unlock()
	if player != nil {
		player.Stop()
	}
	_ = s.Attrs.Set(AttrIsPlaying, false)
	s.Plugin.Close()
}
