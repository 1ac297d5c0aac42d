package slice

import (
	"context"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/zakandrewking/traylive/internal/activity"
	"github.com/zakandrewking/traylive/internal/hub"
	"github.com/zakandrewking/traylive/internal/observe"
	"github.com/zakandrewking/traylive/internal/plugin"
)

var axis = []float64{6500, 6520, 6540, 6560, 6580, 6600, 6620, 6640}

type recorder struct {
	mu      sync.Mutex
	updates []ValueUpdated
	states  []ToolStateChanged
}

func (r *recorder) last() ValueUpdated {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newTestSlice(t *testing.T, opts ...activity.Option) (*Slice, *recorder) {
	t.Helper()
	h := hub.New()
	rec := &recorder{}
	require.NoError(t, hub.Subscribe(h, "viewer", func(m ValueUpdated) {
		rec.mu.Lock()
		rec.updates = append(rec.updates, m)
		rec.mu.Unlock()
	}))
	require.NoError(t, hub.Subscribe(h, "viewer", func(m ToolStateChanged) {
		rec.mu.Lock()
		rec.states = append(rec.states, m)
		rec.mu.Unlock()
	}))

	ctx := log.Context(context.Background(), log.WithOutput(io.Discard))
	s, err := New(ctx, "slice", h, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, rec
}

func TestSetAxisStartsAtMiddle(t *testing.T) {
	s, rec := newTestSlice(t)

	require.NoError(t, s.SetAxis(axis, "Angstrom"))
	require.Equal(t, 4, s.Current())
	require.Equal(t, 6580.0, s.Value())
	require.Equal(t, "Angstrom", s.Unit())
	require.Equal(t, ValueUpdated{From: "slice", Slice: 4, Value: 6580, Unit: "Angstrom"}, rec.last())
}

func TestSetAxisKeepsSliceOnReload(t *testing.T) {
	s, _ := newTestSlice(t)
	require.NoError(t, s.SetAxis(axis, "Angstrom"))
	require.NoError(t, s.SetSlice(2))

	nm := make([]float64, len(axis))
	for i, v := range axis {
		nm[i] = v / 10
	}
	require.NoError(t, s.SetAxis(nm, "nm"))
	require.Equal(t, 2, s.Current())
	require.Equal(t, 654.0, s.Value())
	require.Equal(t, "nm", s.Unit())
}

func TestSetSliceWraps(t *testing.T) {
	s, _ := newTestSlice(t)
	require.NoError(t, s.SetAxis(axis, "Angstrom"))

	tests := []struct {
		in, want int
	}{
		{0, 0},
		{7, 7},
		{8, 0},
		{11, 3},
		{-1, 7},
	}
	for _, tt := range tests {
		require.NoError(t, s.SetSlice(tt.in))
		require.Equal(t, tt.want, s.Current(), "SetSlice(%d)", tt.in)
		require.Equal(t, axis[tt.want], s.Value())
	}
}

func TestSetValueSnapsToNearest(t *testing.T) {
	s, rec := newTestSlice(t)
	require.NoError(t, s.SetAxis(axis, "Angstrom"))

	require.NoError(t, s.SetValue(6563))
	require.Equal(t, 3, s.Current())
	require.Equal(t, 6560.0, s.Value())
	require.Equal(t, 3, rec.last().Slice)

	require.NoError(t, s.SetValue(1e9))
	require.Equal(t, 7, s.Current())
}

func TestSetValueRejectsNaN(t *testing.T) {
	s, rec := newTestSlice(t)
	require.NoError(t, s.SetAxis(axis, "Angstrom"))
	before := rec.count()

	err := s.SetValue(math.NaN())
	require.ErrorIs(t, err, ErrInvalidValue)
	require.Equal(t, 4, s.Current())
	require.Equal(t, before+1, rec.count(), "current slice is re-announced")
}

func TestOperationsWithoutAxis(t *testing.T) {
	s, _ := newTestSlice(t)

	require.ErrorIs(t, s.SetSlice(1), ErrNoAxis)
	require.ErrorIs(t, s.SetValue(6563), ErrNoAxis)
	require.ErrorIs(t, s.SetAxis(nil, "Angstrom"), ErrNoAxis)
	require.ErrorIs(t, s.PlayStartStop(context.Background()), ErrNoAxis)
	require.True(t, math.IsNaN(s.Value()))
}

func TestGotoAndStep(t *testing.T) {
	s, _ := newTestSlice(t)
	require.NoError(t, s.SetAxis(axis, "Angstrom"))

	require.NoError(t, s.GotoFirst())
	require.Equal(t, 0, s.Current())
	require.NoError(t, s.GotoLast())
	require.Equal(t, 7, s.Current())
	require.NoError(t, s.PlayNext())
	require.Equal(t, 0, s.Current())
}

func TestSelectSliceMessage(t *testing.T) {
	s, _ := newTestSlice(t)
	require.NoError(t, s.SetAxis(axis, "Angstrom"))

	idx := 6
	s.Hub.Broadcast(SelectSlice{From: "helper", Slice: &idx})
	require.Equal(t, 6, s.Current())

	v := 6521.0
	s.Hub.Broadcast(SelectSlice{From: "helper", Value: &v})
	require.Equal(t, 1, s.Current())

	// Slice takes precedence over Value.
	idx = 5
	s.Hub.Broadcast(SelectSlice{From: "helper", Slice: &idx, Value: &v})
	require.Equal(t, 5, s.Current())

	s.Hub.Broadcast(SelectSlice{From: "helper"})
	require.Equal(t, 5, s.Current())
}

func TestToolStateBroadcast(t *testing.T) {
	s, rec := newTestSlice(t)

	require.NoError(t, s.Attrs.Set(AttrShowIndicator, false))
	require.NoError(t, s.Attrs.Set(AttrShowValue, false))
	require.NoError(t, s.Attrs.Set(AttrShowValue, false))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []ToolStateChanged{
		{From: "slice", Setting: AttrShowIndicator, Enabled: false},
		{From: "slice", Setting: AttrShowValue, Enabled: false},
	}, rec.states)
}

func TestPreviewDeferredWhilePanelClosed(t *testing.T) {
	s, _ := newTestSlice(t)

	var previews []int
	s.SetPreview(func(idx int, _ float64) error {
		previews = append(previews, idx)
		return nil
	})

	// panel closed: the axis load and slice moves do not compute previews
	require.NoError(t, s.SetAxis(axis, "Angstrom"))
	require.NoError(t, s.SetSlice(1))
	require.NoError(t, s.SetSlice(2))
	require.Empty(t, previews)
	require.True(t, s.Tracker.Pending())

	// opening the panel computes one preview for the latest slice
	require.NoError(t, s.Ping())
	require.Equal(t, []int{2}, previews)

	// while open every move recomputes
	require.NoError(t, s.SetSlice(3))
	require.Equal(t, []int{2, 3}, previews)
}

func TestPlayer(t *testing.T) {
	s, rec := newTestSlice(t)
	require.NoError(t, s.SetAxis(axis, "Angstrom"))
	require.NoError(t, s.Attrs.Set(AttrPlayInterval, 10*time.Millisecond))

	start := rec.count()
	require.NoError(t, s.PlayStartStop(context.Background()))
	require.True(t, s.IsPlaying())

	require.ErrorIs(t, s.GotoFirst(), ErrPlaying)
	require.ErrorIs(t, s.GotoLast(), ErrPlaying)
	require.ErrorIs(t, s.PlayNext(), ErrPlaying)

	require.Eventually(t, func() bool { return rec.count() >= start+3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.PlayStartStop(context.Background()))
	require.False(t, s.IsPlaying())

	stopped := rec.count()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, stopped, rec.count())
}

func TestPlayerEndsWithItsContext(t *testing.T) {
	s, _ := newTestSlice(t)
	require.NoError(t, s.SetAxis(axis, "Angstrom"))
	require.NoError(t, s.Attrs.Set(AttrPlayInterval, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.PlayStartStop(ctx))
	require.True(t, s.IsPlaying())

	cancel()
	require.Eventually(t, func() bool { return !s.IsPlaying() }, time.Second, 5*time.Millisecond)

	// the player can be started again
	require.NoError(t, s.PlayStartStop(context.Background()))
	require.True(t, s.IsPlaying())
	require.NoError(t, s.PlayStartStop(context.Background()))
	require.False(t, s.IsPlaying())
}

func TestConcurrentMovesKeepSliceAndValueTogether(t *testing.T) {
	s, _ := newTestSlice(t)
	require.NoError(t, s.SetAxis(axis, "Angstrom"))

	// a slow observer widens the window between the two attribute writes
	_, err := s.Observe(func(observe.Change) error {
		time.Sleep(time.Millisecond)
		return nil
	}, false, AttrValue)
	require.NoError(t, err)

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_ = s.SetSlice(idx)
			}(round + g)
		}
		wg.Wait()

		want, ok := s.ValueAt(s.Current())
		require.True(t, ok)
		require.Equal(t, want, s.Value(), "round %d", round)
	}
}

func TestPlayIntervalValidation(t *testing.T) {
	s, _ := newTestSlice(t)
	require.ErrorIs(t, s.Attrs.Set(AttrPlayInterval, time.Duration(0)), ErrInvalidValue)
}

func TestSliceInRegistry(t *testing.T) {
	s, _ := newTestSlice(t)
	require.NoError(t, s.SetAxis(axis, "Angstrom"))
	require.NoError(t, s.Attrs.Set(AttrPlayInterval, 10*time.Millisecond))
	require.NoError(t, s.PlayStartStop(context.Background()))

	reg := plugin.NewRegistry()
	require.NoError(t, reg.Add(s))
	require.NoError(t, reg.Remove("slice"))
	require.False(t, s.IsPlaying(), "removing from the tray stops the player")
}
