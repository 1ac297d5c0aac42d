// Package lineanalysis implements the word-limit analysis panel: it counts the
// words of a sentence and grades the count against an adjustable limit.
package lineanalysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zakandrewking/traylive/internal/activity"
	"github.com/zakandrewking/traylive/internal/hub"
	"github.com/zakandrewking/traylive/internal/observe"
	"github.com/zakandrewking/traylive/internal/plugin"
)

// Attribute names
const (
	AttrSentence  = "sentence"
	AttrWordLimit = "word_limit"
)

// Defaults and slider bounds
const (
	DefaultSentence  = "Solara makes our team more productive"
	DefaultWordLimit = 10
	MinWordLimit     = 2
	MaxWordLimit     = 20
)

// WarnFraction of the limit at which the count is reported as close
const WarnFraction = 0.8

var ErrWordLimit = errors.New("word limit out of range")

// Level grades a word count
type Level int

const (
	LevelSuccess Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Report is the outcome of one analysis
type Report struct {
	WordCount int
	WordLimit int
	Level     Level
	Message   string
}

// Evaluate grades sentence against limit
func Evaluate(sentence string, limit int) Report {
	count := len(strings.Fields(sentence))
	r := Report{WordCount: count, WordLimit: limit}
	switch {
	case count >= limit:
		r.Level = LevelError
		r.Message = fmt.Sprintf("With %d words, you passed the word limit of %d.", count, limit)
	case count >= int(WarnFraction*float64(limit)):
		r.Level = LevelWarning
		r.Message = fmt.Sprintf("With %d words, you are close to the word limit of %d.", count, limit)
	default:
		r.Level = LevelSuccess
		r.Message = "Great short writing!"
	}
	return r
}

// AnalysisUpdated is broadcast after every analysis
type AnalysisUpdated struct {
	From   string
	Report Report
}

func (m AnalysisUpdated) Sender() string { return m.From }

// LineAnalysis is the analysis plugin
type LineAnalysis struct {
	*plugin.Plugin

	mu       sync.Mutex
	report   Report
	analyzed bool
}

// New creates the panel with its default sentence. The first analysis runs
// when the panel is first seen.
func New(ctx context.Context, name string, h *hub.Hub, opts ...activity.Option) (*LineAnalysis, error) {
	base, err := plugin.New(ctx, name, h, opts...)
	if err != nil {
		return nil, err
	}
	la := &LineAnalysis{Plugin: base}

	if err := la.Attrs.Set(AttrSentence, DefaultSentence); err != nil {
		return nil, err
	}
	if err := la.Attrs.Set(AttrWordLimit, DefaultWordLimit); err != nil {
		return nil, err
	}
	if _, err := la.Observe(func(observe.Change) error {
		return la.analyze()
	}, true, AttrSentence, AttrWordLimit); err != nil {
		return nil, err
	}
	if err := la.Attrs.Touch(AttrSentence); err != nil {
		return nil, err
	}
	return la, nil
}

// Sentence returns the text under analysis
func (la *LineAnalysis) Sentence() string {
	s, _ := observe.GetAs[string](la.Attrs, AttrSentence)
	return s
}

// SetSentence replaces the text under analysis
func (la *LineAnalysis) SetSentence(s string) error {
	return la.Attrs.Set(AttrSentence, s)
}

// WordLimit returns the current limit
func (la *LineAnalysis) WordLimit() int {
	n, _ := observe.GetAs[int](la.Attrs, AttrWordLimit)
	return n
}

// SetWordLimit moves the slider; n must be within its bounds
func (la *LineAnalysis) SetWordLimit(n int) error {
	if n < MinWordLimit || n > MaxWordLimit {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrWordLimit, n, MinWordLimit, MaxWordLimit)
	}
	return la.Attrs.Set(AttrWordLimit, n)
}

// DoSomething raises the limit by one. Unlike the slider it is not bounded.
func (la *LineAnalysis) DoSomething() error {
	return la.Attrs.Set(AttrWordLimit, la.WordLimit()+1)
}

// Report returns the last analysis
func (la *LineAnalysis) Report() (Report, bool) {
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.report, la.analyzed
}

func (la *LineAnalysis) analyze() error {
	r := Evaluate(la.Sentence(), la.WordLimit())

	la.mu.Lock()
	la.report = r
	la.analyzed = true
	la.mu.Unlock()

	la.Hub.Broadcast(AnalysisUpdated{From: la.Name, Report: r})
	return nil
}
