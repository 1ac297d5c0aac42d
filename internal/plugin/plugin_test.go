package plugin

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/zakandrewking/traylive/internal/activity"
	"github.com/zakandrewking/traylive/internal/hub"
	"github.com/zakandrewking/traylive/internal/observe"
	"github.com/zakandrewking/traylive/internal/ticker"
)

const (
	testPingInterval = 20 * time.Millisecond
	testTimeout      = 100 * time.Millisecond
)

func quietLogContext() context.Context {
	return log.Context(context.Background(), log.WithOutput(io.Discard))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPlugin(t *testing.T, name string) *Plugin {
	t.Helper()
	p, err := New(quietLogContext(), name, hub.New(),
		activity.WithPingInterval(testPingInterval),
		activity.WithTimeout(testTimeout),
	)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// slowPlugin has an expensive observer on sleep_time that only runs while
// the plugin is active
type slowPlugin struct {
	*Plugin
	methodRan atomic.Bool
}

func newSlowPlugin(t *testing.T) *slowPlugin {
	sp := &slowPlugin{Plugin: newTestPlugin(t, "slow")}
	require.NoError(t, sp.Attrs.Set("sleep_time", time.Duration(0)))
	_, err := sp.Observe(sp.slowMethod, true, "sleep_time")
	require.NoError(t, err)
	return sp
}

func (sp *slowPlugin) slowMethod(c observe.Change) error {
	sp.methodRan.Store(true)
	time.Sleep(c.New.(time.Duration))
	return nil
}

func TestPluginIsActive(t *testing.T) {
	plg := newSlowPlugin(t)

	// no frontend yet, so nothing has pinged
	require.False(t, plg.IsActive())
	require.True(t, plg.Tracker.LastPing().IsZero())

	require.NoError(t, plg.Ping())
	require.True(t, plg.IsActive())
	require.False(t, plg.Tracker.LastPing().IsZero())

	// without pings the plugin decays to inactive
	time.Sleep(testTimeout + 20*time.Millisecond)
	require.False(t, plg.IsActive())

	// changes while inactive do not run the method...
	plg.methodRan.Store(false)
	require.NoError(t, plg.Attrs.Set("sleep_time", time.Millisecond))
	require.False(t, plg.methodRan.Load())
	// ...until the next ping
	require.NoError(t, plg.Ping())
	require.True(t, plg.methodRan.Load())

	pinger, err := NewPinger(plg, testPingInterval)
	require.NoError(t, err)
	require.NoError(t, pinger.Open(quietLogContext()))
	defer pinger.Close()

	require.True(t, plg.IsActive())
	time.Sleep(testTimeout)
	require.True(t, plg.IsActive())

	// a method that outlasts the timeout must not make the plugin flicker
	plg.methodRan.Store(false)
	require.NoError(t, plg.Attrs.Set("sleep_time", 10*time.Millisecond))
	require.True(t, plg.methodRan.Load())
	require.NoError(t, plg.Attrs.Set("sleep_time", 120*time.Millisecond))
	require.NoError(t, plg.Attrs.Set("sleep_time", 150*time.Millisecond))

	for i := 0; i < 15; i++ {
		require.True(t, plg.IsActive(), "inactive at check %d", i)
		time.Sleep(10 * time.Millisecond)
	}

	// a lagging frontend still pings inside the timeout
	require.NoError(t, pinger.SetFactor(2))
	time.Sleep(testTimeout)
	require.True(t, plg.IsActive())

	require.NoError(t, pinger.SetFactor(4))
	time.Sleep(2 * testTimeout)
	require.True(t, plg.IsActive())

	// closing the panel deactivates the plugin
	pinger.Close()
	time.Sleep(testTimeout + 20*time.Millisecond)
	require.False(t, plg.IsActive())
}

func TestObserveWithoutSkipAlwaysRuns(t *testing.T) {
	p := newTestPlugin(t, "eager")

	calls := 0
	_, err := p.Observe(func(observe.Change) error { calls++; return nil }, false, "x")
	require.NoError(t, err)

	require.NoError(t, p.Attrs.Set("x", 1))
	require.Equal(t, 1, calls)
	require.False(t, p.Tracker.Pending())
}

func TestDeferredObserverGetsLatestChange(t *testing.T) {
	p := newTestPlugin(t, "lazy")

	var got []observe.Change
	_, err := p.Observe(func(c observe.Change) error {
		got = append(got, c)
		return nil
	}, true, "slice")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, p.Attrs.Set("slice", i))
	}
	require.Empty(t, got)
	require.True(t, p.Tracker.Pending())

	require.NoError(t, p.Ping())
	require.Len(t, got, 1)
	require.Equal(t, 3, got[0].New)
	require.False(t, p.Tracker.Pending())
}

func TestObserveNilHandler(t *testing.T) {
	p := newTestPlugin(t, "nil")
	_, err := p.Observe(nil, true, "x")
	require.ErrorIs(t, err, observe.ErrNilHandler)
}

func TestPingBroadcastsActivation(t *testing.T) {
	p := newTestPlugin(t, "announcer")

	var mu sync.Mutex
	var events []ActivityChanged
	require.NoError(t, hub.Subscribe(p.Hub, "listener", func(m ActivityChanged) {
		mu.Lock()
		events = append(events, m)
		mu.Unlock()
	}))

	require.NoError(t, p.Ping())
	require.NoError(t, p.Ping())

	require.NoError(t, p.Watch(context.Background(), 10*time.Millisecond))
	require.ErrorIs(t, p.Watch(context.Background(), 10*time.Millisecond), ticker.ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, events[0].Active)
	require.False(t, events[1].Active)
	for _, ev := range events {
		require.Equal(t, p.ID, ev.PluginID)
		require.Equal(t, "announcer", ev.Sender())
	}
}

func TestNoDecayAnnouncedAfterReactivation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p, err := New(quietLogContext(), "racer", hub.New(),
		activity.WithPingInterval(testPingInterval),
		activity.WithTimeout(testTimeout),
		activity.WithClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	var mu sync.Mutex
	var events []ActivityChanged
	require.NoError(t, hub.Subscribe(p.Hub, "listener", func(m ActivityChanged) {
		mu.Lock()
		events = append(events, m)
		mu.Unlock()
	}))
	require.NoError(t, p.Watch(context.Background(), time.Millisecond))

	snapshot := func() []ActivityChanged {
		mu.Lock()
		defer mu.Unlock()
		return append([]ActivityChanged(nil), events...)
	}

	for round := 0; round < 30; round++ {
		clock.Advance(time.Second)
		time.Sleep(time.Duration(round%3) * time.Millisecond)
		require.NoError(t, p.Ping())
		mark := len(snapshot())

		// The clock is frozen, so the plugin stays active from here on.
		time.Sleep(3 * time.Millisecond)

		got := snapshot()
		require.NotEmpty(t, got)
		require.True(t, got[len(got)-1].Active, "round %d", round)
		for _, ev := range got[mark:] {
			require.True(t, ev.Active, "decay announced after reactivation in round %d", round)
		}
	}

	got := snapshot()
	for i := 1; i < len(got); i++ {
		require.NotEqual(t, got[i-1].Active, got[i].Active, "repeated announcement at %d", i)
	}
}

func TestNewValidation(t *testing.T) {
	ctx := quietLogContext()
	_, err := New(ctx, "", hub.New())
	require.Error(t, err)

	_, err = New(ctx, "x", nil)
	require.Error(t, err)

	_, err = New(ctx, "x", hub.New(), activity.WithPingInterval(time.Second), activity.WithTimeout(time.Millisecond))
	require.Error(t, err)
}

func TestPluginsDoNotShareState(t *testing.T) {
	a := newTestPlugin(t, "a")
	b := newTestPlugin(t, "b")

	require.NoError(t, a.Ping())
	require.NoError(t, a.Attrs.Set("spectrum", "halpha"))

	require.False(t, b.IsActive())
	_, ok := b.Attrs.Get("spectrum")
	require.False(t, ok)
	require.NotEqual(t, a.ID, b.ID)
}

func TestCloseDropsHubSubscriptions(t *testing.T) {
	p := newTestPlugin(t, "closer")
	calls := 0
	require.NoError(t, hub.Subscribe(p.Hub, p.SubscriberID(), func(ActivityChanged) { calls++ }))

	p.Close()
	p.Hub.Broadcast(ActivityChanged{})
	require.Zero(t, calls)
}
