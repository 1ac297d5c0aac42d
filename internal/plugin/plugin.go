package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/zakandrewking/traylive/internal/activity"
	"github.com/zakandrewking/traylive/internal/hub"
	"github.com/zakandrewking/traylive/internal/observe"
	"github.com/zakandrewking/traylive/internal/ticker"
)

// ActivityChanged is broadcast when a plugin becomes active or inactive
type ActivityChanged struct {
	From     string
	PluginID uuid.UUID
	Active   bool
}

func (m ActivityChanged) Sender() string { return m.From }

// Plugin is the base every tray plugin embeds. All reactive and activity
// state is owned by the instance.
type Plugin struct {
	ID      uuid.UUID
	Name    string
	Tracker *activity.Tracker
	Attrs   *observe.Store
	Hub     *hub.Hub

	logCtx context.Context

	mu      sync.Mutex
	watcher *ticker.Task

	// reportMu orders activity announcements: the state read, the reported
	// flag and the broadcast happen under it as one step.
	reportMu sync.Mutex
	reported bool
}

// New creates a plugin attached to h. ctx carries the logger; tracker
// options configure its timing.
func New(ctx context.Context, name string, h *hub.Hub, opts ...activity.Option) (*Plugin, error) {
	if name == "" {
		return nil, errors.New("plugin name required")
	}
	if h == nil {
		return nil, errors.New("hub required")
	}
	if ctx == nil {
		ctx = log.Context(context.Background())
	}
	logCtx := log.With(ctx, log.KV{K: "plugin", V: name})

	tracker, err := activity.New(append([]activity.Option{activity.WithLogContext(logCtx)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker for %q: %w", name, err)
	}

	return &Plugin{
		ID:      uuid.New(),
		Name:    name,
		Tracker: tracker,
		Attrs:   observe.NewStore(),
		Hub:     h,
		logCtx:  logCtx,
	}, nil
}

// LogContext returns the context carrying the plugin's logger
func (p *Plugin) LogContext() context.Context {
	return p.logCtx
}

// SubscriberID is the identity the plugin uses on the hub
func (p *Plugin) SubscriberID() string {
	return p.ID.String()
}

// Ping records a liveness signal from the plugin's panel. Deferred observers
// run before the activation is announced.
func (p *Plugin) Ping() error {
	err := p.Tracker.RecordPing()
	p.report()
	return err
}

// IsActive reports whether the panel pinged recently
func (p *Plugin) IsActive() bool {
	return p.Tracker.Active()
}

// report announces the tracker's current state if it differs from the last
// announcement. Hub handlers for ActivityChanged must not call Ping.
func (p *Plugin) report() {
	p.reportMu.Lock()
	defer p.reportMu.Unlock()

	active := p.Tracker.Active()
	if p.reported == active {
		return
	}
	p.reported = active
	log.Debug(p.logCtx, log.KV{K: "msg", V: "plugin: activity changed"}, log.KV{K: "active", V: active})
	p.Hub.Broadcast(ActivityChanged{From: p.Name, PluginID: p.ID, Active: active})
}

// Observe registers handler for the named attributes. With skipIfInactive
// the handler is wrapped by the tracker first, so changes made while the
// panel is closed collapse into one run with the latest change on reopen.
func (p *Plugin) Observe(handler observe.Handler, skipIfInactive bool, names ...string) (observe.ID, error) {
	if handler == nil {
		return 0, observe.ErrNilHandler
	}
	if !skipIfInactive {
		return p.Attrs.Observe(handler, names...)
	}

	guarded := activity.WrapFunc(p.Tracker, func(c observe.Change) error {
		return handler(c)
	})
	return p.Attrs.Observe(func(c observe.Change) error {
		_, err := guarded(c)
		return err
	}, names...)
}

// Watch polls the tracker every interval and announces decay to inactive.
// Activation is announced by Ping itself.
func (p *Plugin) Watch(ctx context.Context, every time.Duration) error {
	task, err := ticker.New(every, func(context.Context) {
		p.report()
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.watcher != nil {
		p.mu.Unlock()
		return ticker.ErrAlreadyRunning
	}
	p.watcher = task
	p.mu.Unlock()

	return task.Start(ctx)
}

// Close stops the watcher and drops the plugin's hub subscriptions
func (p *Plugin) Close() {
	p.mu.Lock()
	watcher := p.watcher
	p.watcher = nil
	p.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
	p.Hub.UnsubscribeAll(p.SubscriberID())
}
