package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zakandrewking/traylive/internal/activity"
	"github.com/zakandrewking/traylive/internal/config"
	"github.com/zakandrewking/traylive/internal/hub"
	"github.com/zakandrewking/traylive/internal/lineanalysis"
	"github.com/zakandrewking/traylive/internal/lineprofile"
	"github.com/zakandrewking/traylive/internal/observe"
	"github.com/zakandrewking/traylive/internal/plugin"
	"github.com/zakandrewking/traylive/internal/slice"
)

const attrRevision = "revision"

// lagFactors are the ping cadence multipliers cycled by the lag key
var lagFactors = []float64{1, 2, 4, 10}

type entry struct {
	cfg     config.PluginConfig
	inst    plugin.Instance
	pinger  *plugin.Pinger
	runs    atomic.Int64
	lastErr atomic.Value
	detail  atomic.Value
}

func (e *entry) recordRun(err error) {
	e.runs.Add(1)
	if err != nil {
		e.lastErr.Store(err.Error())
	}
}

// tray wires the configured plugins to one hub and simulates their panels
type tray struct {
	cfg     *config.Config
	hub     *hub.Hub
	reg     *plugin.Registry
	entries []*entry
	byKey   map[string]*entry
	byName  map[string]*entry
	slice   *slice.Slice
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	lag       int
	lastValue slice.ValueUpdated
	events    []string
}

// newTray builds the configured plugins. logCtx carries the logger; the
// tray's own context derives from it.
func newTray(cfg *config.Config, logCtx context.Context) (*tray, error) {
	if logCtx == nil {
		logCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(logCtx)
	t := &tray{
		cfg:    cfg,
		hub:    hub.New(),
		reg:    plugin.NewRegistry(),
		byKey:  make(map[string]*entry),
		byName: make(map[string]*entry),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, sub := range []func() error{
		func() error { return hub.Subscribe(t.hub, "tray", t.onValueUpdated) },
		func() error { return hub.Subscribe(t.hub, "tray", t.onActivityChanged) },
		func() error { return hub.Subscribe(t.hub, "tray", t.onProfilesUpdated) },
		func() error { return hub.Subscribe(t.hub, "tray", t.onAnalysisUpdated) },
	} {
		if err := sub(); err != nil {
			cancel()
			return nil, err
		}
	}

	for _, pc := range cfg.Plugins {
		e, err := t.build(pc)
		if err != nil {
			t.close()
			return nil, fmt.Errorf("failed to build plugin %q: %w", pc.Name, err)
		}
		t.entries = append(t.entries, e)
		t.byKey[pc.Key] = e
	}
	return t, nil
}

func (t *tray) trackerOptions() []activity.Option {
	return []activity.Option{
		activity.WithPingInterval(t.cfg.Tracker.PingInterval),
		activity.WithTimeout(t.cfg.Tracker.Timeout),
	}
}

func (t *tray) build(pc config.PluginConfig) (*entry, error) {
	e := &entry{cfg: pc}
	t.mu.Lock()
	t.byName[pc.Name] = e
	t.mu.Unlock()

	var base *plugin.Plugin
	switch pc.Kind {
	case config.KindSlice:
		s, err := slice.New(t.ctx, pc.Name, t.hub, t.trackerOptions()...)
		if err != nil {
			return nil, err
		}
		if err := s.Attrs.Set(slice.AttrPlayInterval, t.cfg.Slice.PlayInterval); err != nil {
			s.Close()
			return nil, err
		}
		s.SetPreview(func(int, float64) error {
			time.Sleep(pc.Cost)
			e.recordRun(nil)
			return nil
		})
		if err := s.SetAxis(t.cfg.Slice.Axis(), t.cfg.Slice.Unit); err != nil && !errors.Is(err, slice.ErrNoAxis) {
			s.Close()
			return nil, err
		}
		t.slice = s
		e.inst = s
		base = s.Plugin
	case config.KindLineProfile:
		lp, err := lineprofile.New(t.ctx, pc.Name, t.hub, t.trackerOptions()...)
		if err != nil {
			return nil, err
		}
		if err := setupProfile(lp); err != nil {
			lp.Close()
			return nil, err
		}
		e.inst = lp
		base = lp.Plugin
	case config.KindLineAnalysis:
		la, err := lineanalysis.New(t.ctx, pc.Name, t.hub, t.trackerOptions()...)
		if err != nil {
			return nil, err
		}
		e.inst = la
		base = la.Plugin
	default:
		p, err := plugin.New(t.ctx, pc.Name, t.hub, t.trackerOptions()...)
		if err != nil {
			return nil, err
		}
		if err := p.Attrs.Set(attrRevision, 0); err != nil {
			p.Close()
			return nil, err
		}
		if _, err := p.Observe(func(observe.Change) error {
			time.Sleep(pc.Cost)
			e.recordRun(nil)
			return nil
		}, pc.Skips(), attrRevision); err != nil {
			p.Close()
			return nil, err
		}
		e.inst = p
		base = p
	}

	if err := t.reg.Add(e.inst); err != nil {
		e.inst.Close()
		return nil, err
	}
	if err := base.Watch(t.ctx, t.cfg.Tracker.WatchInterval); err != nil {
		return nil, err
	}

	pinger, err := plugin.NewPinger(base, t.cfg.Tracker.PingInterval)
	if err != nil {
		return nil, err
	}
	e.pinger = pinger
	return e, nil
}

// demoImage is a gaussian blob on a sloped background
func demoImage(nx, ny int) lineprofile.Image {
	data := make([][]float64, ny)
	cx, cy := float64(nx)/2, float64(ny)/2
	for y := range data {
		data[y] = make([]float64, nx)
		for x := range data[y] {
			dx, dy := float64(x)-cx, float64(y)-cy
			data[y][x] = 1 + 0.01*float64(x) + 5*math.Exp(-(dx*dx+dy*dy)/(2*9))
		}
	}
	return lineprofile.Image{Data: data, Unit: "MJy/sr"}
}

// setupProfile loads the demo image with a fixed zoom and selects its centre
func setupProfile(lp *lineprofile.LineProfile) error {
	im := demoImage(32, 24)
	if err := lp.SetImage(im); err != nil {
		return err
	}
	nx, ny := im.Shape()
	if err := lp.SetZoom(lineprofile.Limits{XMin: 4, XMax: float64(nx - 4), YMin: 4, YMax: float64(ny - 4)}); err != nil {
		return err
	}
	lp.LockZoom()
	return lp.Select(nx/2, ny/2)
}

func (t *tray) named(name string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byName[name]
}

func (t *tray) onProfilesUpdated(m lineprofile.ProfilesUpdated) {
	e := t.named(m.From)
	if e == nil {
		return
	}
	e.recordRun(nil)
	if !m.Available {
		e.detail.Store("no plot")
		return
	}
	p := m.Profiles
	e.detail.Store(fmt.Sprintf("(%d,%d) peak %.2f", p.X, p.Y, p.AcrossY.YMax/lineprofile.RangeHigh))
}

func (t *tray) onAnalysisUpdated(m lineanalysis.AnalysisUpdated) {
	e := t.named(m.From)
	if e == nil {
		return
	}
	e.recordRun(nil)
	e.detail.Store(fmt.Sprintf("%s: %s", m.Report.Level, m.Report.Message))
}

func (t *tray) onValueUpdated(m slice.ValueUpdated) {
	t.mu.Lock()
	t.lastValue = m
	t.mu.Unlock()
}

func (t *tray) onActivityChanged(m plugin.ActivityChanged) {
	state := "inactive"
	if m.Active {
		state = "active"
	}
	t.mu.Lock()
	t.events = append(t.events, fmt.Sprintf("%s %s %s", time.Now().Format("15:04:05.000"), m.From, state))
	if len(t.events) > 5 {
		t.events = t.events[len(t.events)-5:]
	}
	t.mu.Unlock()
}

func (t *tray) recentEvents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (t *tray) value() slice.ValueUpdated {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastValue
}

// toggle opens or closes the panel bound to key
func (t *tray) toggle(key string) (*entry, error) {
	e, ok := t.byKey[key]
	if !ok {
		return nil, fmt.Errorf("no plugin bound to %q", key)
	}
	return e, e.pinger.Toggle(t.ctx)
}

// trigger requests a recomputation from every plugin. Inactive plugins
// defer it until their panel opens.
func (t *tray) trigger() error {
	var errs []error
	for _, e := range t.entries {
		switch inst := e.inst.(type) {
		case *slice.Slice:
			if inst.IsPlaying() {
				continue
			}
			if err := inst.PlayNext(); err != nil {
				errs = append(errs, err)
			}
		case *lineprofile.LineProfile:
			x, y, ok := inst.Selected()
			nx, _ := inst.Shape()
			if !ok || nx == 0 {
				continue
			}
			if err := inst.Select((x+1)%nx, y); err != nil {
				errs = append(errs, err)
			}
		case *lineanalysis.LineAnalysis:
			if err := inst.DoSomething(); err != nil {
				errs = append(errs, err)
			}
		case *plugin.Plugin:
			rev, _ := observe.GetAs[int](inst.Attrs, attrRevision)
			if err := inst.Attrs.Set(attrRevision, rev+1); err != nil {
				e.recordRun(err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// play starts or stops the slice player
func (t *tray) play() error {
	if t.slice == nil {
		return errors.New("no slice plugin configured")
	}
	return t.slice.PlayStartStop(t.ctx)
}

// cycleLag stretches the ping cadence of every panel to the next factor
func (t *tray) cycleLag() (float64, error) {
	t.mu.Lock()
	t.lag = (t.lag + 1) % len(lagFactors)
	factor := lagFactors[t.lag]
	t.mu.Unlock()

	for _, e := range t.entries {
		if err := e.pinger.SetFactor(factor); err != nil {
			return factor, err
		}
	}
	return factor, nil
}

func (t *tray) close() {
	for _, e := range t.entries {
		if e.pinger != nil {
			e.pinger.Close()
		}
	}
	t.reg.CloseAll()
	t.cancel()
	t.hub.Close()
}
