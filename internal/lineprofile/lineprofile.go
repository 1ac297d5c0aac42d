// Package lineprofile implements the line profile tool: cross-sections of an
// image along the column and the row through a selected pixel, scaled to the
// viewer's zoom window.
package lineprofile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/zakandrewking/traylive/internal/activity"
	"github.com/zakandrewking/traylive/internal/hub"
	"github.com/zakandrewking/traylive/internal/observe"
	"github.com/zakandrewking/traylive/internal/plugin"
)

// Attribute names
const (
	AttrSelectedX     = "selected_x"
	AttrSelectedY     = "selected_y"
	AttrImage         = "image_revision"
	AttrZoom          = "zoom"
	AttrPlotAvailable = "plot_available"
)

// Y range padding applied to the zoomed data
const (
	RangeLow  = 0.95
	RangeHigh = 1.05
)

var (
	ErrInvalidImage = errors.New("invalid image")
	ErrInvalidCoord = errors.New("invalid pixel coordinate")
)

// Image is a 2D array indexed [y][x]
type Image struct {
	Data [][]float64
	Unit string
}

// Shape returns the number of columns and rows
func (im Image) Shape() (nx, ny int) {
	if len(im.Data) == 0 {
		return 0, 0
	}
	return len(im.Data[0]), len(im.Data)
}

func (im Image) validate() error {
	nx, ny := im.Shape()
	if nx == 0 || ny == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidImage)
	}
	for y, row := range im.Data {
		if len(row) != nx {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ErrInvalidImage, y, len(row), nx)
		}
	}
	return nil
}

// Limits is the visible window in pixel coordinates
type Limits struct {
	XMin, XMax float64
	YMin, YMax float64
}

// Line is one cross-section plot
type Line struct {
	Title  string
	XLabel string
	YLabel string
	X      []float64
	Y      []float64
	// Axis range along the cut, from the zoom window
	XMin, XMax float64
	// Value range of the zoomed part, valid when HasYRange
	YMin, YMax float64
	HasYRange  bool
}

// Profiles holds both cross-sections through a pixel
type Profiles struct {
	X, Y    int
	AcrossX Line
	AcrossY Line
}

// ProfilesUpdated is broadcast after every recomputation. Available is false
// when the selection fell outside the image and the plots were reset.
type ProfilesUpdated struct {
	From      string
	Available bool
	Profiles  Profiles
}

func (m ProfilesUpdated) Sender() string { return m.From }

// LineProfile is the line profile plugin
type LineProfile struct {
	*plugin.Plugin

	mu       sync.Mutex
	image    *Image
	result   Profiles
	hasPlots bool
}

// New creates the line profile tool. Recomputation waits for the panel to be
// active; selections made while closed collapse into one run on reopen.
func New(ctx context.Context, name string, h *hub.Hub, opts ...activity.Option) (*LineProfile, error) {
	base, err := plugin.New(ctx, name, h, opts...)
	if err != nil {
		return nil, err
	}
	lp := &LineProfile{Plugin: base}

	for _, d := range []struct {
		name  string
		value any
	}{
		{AttrSelectedX, nil},
		{AttrSelectedY, nil},
		{AttrImage, 0},
		{AttrZoom, nil},
		{AttrPlotAvailable, false},
	} {
		if err := lp.Attrs.Set(d.name, d.value); err != nil {
			return nil, err
		}
	}

	if _, err := lp.Observe(func(observe.Change) error {
		return lp.update()
	}, true, AttrSelectedX, AttrSelectedY, AttrImage, AttrZoom); err != nil {
		return nil, err
	}
	return lp, nil
}

// SetImage replaces the image the profiles are cut from
func (lp *LineProfile) SetImage(im Image) error {
	if err := im.validate(); err != nil {
		return err
	}
	rows := make([][]float64, len(im.Data))
	for i, row := range im.Data {
		rows[i] = append([]float64(nil), row...)
	}

	lp.mu.Lock()
	lp.image = &Image{Data: rows, Unit: im.Unit}
	lp.mu.Unlock()

	rev, _ := observe.GetAs[int](lp.Attrs, AttrImage)
	return lp.Attrs.Set(AttrImage, rev+1)
}

// SetZoom sets the viewer's visible window. It is ignored once LockZoom was
// called and a window is set.
func (lp *LineProfile) SetZoom(l Limits) error {
	return lp.Attrs.Set(AttrZoom, l)
}

// LockZoom freezes the zoom window, as a viewer with fixed limits does
func (lp *LineProfile) LockZoom() {
	lp.Attrs.Freeze(AttrZoom)
}

// Select picks the pixel to cut through. Coordinates may be numbers or
// numeric strings; they are rounded to the nearest pixel.
func (lp *LineProfile) Select(x, y any) error {
	if _, err := coord(x); err != nil {
		return err
	}
	if _, err := coord(y); err != nil {
		return err
	}
	if err := lp.Attrs.Set(AttrSelectedX, x); err != nil {
		return err
	}
	return lp.Attrs.Set(AttrSelectedY, y)
}

// Selected returns the selected pixel, if both coordinates are set
func (lp *LineProfile) Selected() (x, y int, ok bool) {
	xv, _ := lp.Attrs.Get(AttrSelectedX)
	yv, _ := lp.Attrs.Get(AttrSelectedY)
	if unset(xv) || unset(yv) {
		return 0, 0, false
	}
	fx, err := coord(xv)
	if err != nil {
		return 0, 0, false
	}
	fy, err := coord(yv)
	if err != nil {
		return 0, 0, false
	}
	return round(fx), round(fy), true
}

// Result returns the last computed profiles
func (lp *LineProfile) Result() (Profiles, bool) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.result, lp.hasPlots
}

// Shape returns the loaded image's columns and rows
func (lp *LineProfile) Shape() (nx, ny int) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.image == nil {
		return 0, 0
	}
	return lp.image.Shape()
}

func (lp *LineProfile) update() error {
	x, y, ok := lp.Selected()
	if !ok {
		return nil
	}

	lp.mu.Lock()
	im := lp.image
	lp.mu.Unlock()
	if im == nil {
		return nil
	}

	nx, ny := im.Shape()
	if x < 0 || y < 0 || x >= nx || y >= ny {
		return lp.reset()
	}

	limits := Limits{XMin: 0, XMax: float64(nx), YMin: 0, YMax: float64(ny)}
	if zoom, ok := observe.GetAs[Limits](lp.Attrs, AttrZoom); ok {
		limits = zoom
	}
	p := Compute(*im, x, y, limits)

	lp.mu.Lock()
	lp.result = p
	lp.hasPlots = true
	lp.mu.Unlock()

	if err := lp.Attrs.Set(AttrPlotAvailable, true); err != nil {
		return err
	}
	lp.Hub.Broadcast(ProfilesUpdated{From: lp.Name, Available: true, Profiles: p})
	return nil
}

func (lp *LineProfile) reset() error {
	lp.mu.Lock()
	lp.result = Profiles{}
	lp.hasPlots = false
	lp.mu.Unlock()

	if err := lp.Attrs.Set(AttrPlotAvailable, false); err != nil {
		return err
	}
	lp.Hub.Broadcast(ProfilesUpdated{From: lp.Name, Available: false})
	return nil
}

// Compute cuts im through pixel (x, y), which must lie inside the image. The
// column plot spans the zoom window's y range and the row plot its x range.
func Compute(im Image, x, y int, limits Limits) Profiles {
	_, ny := im.Shape()
	yLabel := im.Unit
	if yLabel == "" {
		yLabel = "Value"
	}

	column := make([]float64, ny)
	for i := range column {
		column[i] = im.Data[i][x]
	}
	row := append([]float64(nil), im.Data[y]...)

	return Profiles{
		X: x,
		Y: y,
		AcrossX: cut(fmt.Sprintf("X=%d", x), "Y (pix)", yLabel, column,
			math.Min(limits.YMin, limits.YMax), math.Max(limits.YMin, limits.YMax)),
		AcrossY: cut(fmt.Sprintf("Y=%d", y), "X (pix)", yLabel, row,
			math.Min(limits.XMin, limits.XMax), math.Max(limits.XMin, limits.XMax)),
	}
}

func cut(title, xLabel, yLabel string, values []float64, lo, hi float64) Line {
	l := Line{
		Title:  title,
		XLabel: xLabel,
		YLabel: yLabel,
		X:      make([]float64, len(values)),
		Y:      values,
		XMin:   lo,
		XMax:   hi,
	}
	for i := range l.X {
		l.X[i] = float64(i)
	}

	start := max(int(lo), 0)
	end := min(int(hi), len(values))
	if start >= end {
		return l
	}
	zoomed := values[start:end]
	minV, maxV := zoomed[0], zoomed[0]
	for _, v := range zoomed[1:] {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	l.YMin = minV * RangeLow
	l.YMax = maxV * RangeHigh
	l.HasYRange = true
	return l
}

func unset(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func coord(v any) (float64, error) {
	var f float64
	switch c := v.(type) {
	case float64:
		f = c
	case int:
		f = float64(c)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidCoord, c)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidCoord, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCoord, v)
	}
	return f, nil
}

// round matches the viewer's half-to-even pixel rounding
func round(f float64) int {
	return int(math.RoundToEven(f))
}
