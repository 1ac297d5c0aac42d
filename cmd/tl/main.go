package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"goa.design/clue/log"
	"golang.org/x/term"

	"github.com/zakandrewking/traylive/internal/activity"
	"github.com/zakandrewking/traylive/internal/config"
	"github.com/zakandrewking/traylive/internal/hub"
	"github.com/zakandrewking/traylive/internal/plugin"
)

const tickInterval = 250 * time.Millisecond

type tickMsg time.Time

func tickCmd() tea.Msg {
	time.Sleep(tickInterval)
	return tickMsg(time.Now())
}

type triggeredMsg struct {
	err error
}

type model struct {
	tray        *tray
	notice      string
	windowWidth int
	now         func() time.Time
}

func initialModel() model {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Using default configuration\n")
		cfg = config.DefaultConfig()
	}

	m, err := newModel(cfg, newLogContext())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return m
}

func newModel(cfg *config.Config, logCtx context.Context) (model, error) {
	t, err := newTray(cfg, logCtx)
	if err != nil {
		return model{}, err
	}
	return model{
		tray:        t,
		windowWidth: 80,
		now:         time.Now,
	}, nil
}

// newLogContext writes to $TRAYLIVE_LOG when set; the TUI owns the terminal
func newLogContext() context.Context {
	path := os.Getenv("TRAYLIVE_LOG")
	if path == "" {
		return discardLogContext()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open log file %s: %v\n", path, err)
		return discardLogContext()
	}
	format := log.FormatText
	if os.Getenv("TRAYLIVE_LOG_FORMAT") == "json" {
		format = log.FormatJSON
	}
	ctx := log.Context(context.Background(), log.WithOutput(f), log.WithFormat(format), log.WithDebug())
	return log.With(ctx, log.KV{K: "svc", V: "traylive"})
}

func discardLogContext() context.Context {
	return log.Context(context.Background(), log.WithOutput(io.Discard))
}

func (m model) Init() tea.Cmd {
	return tickCmd
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.updateKey(msg)
	case tickMsg:
		return m, tickCmd
	case triggeredMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("trigger failed: %v", msg.err)
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		return m, nil
	}
	return m, nil
}

func (m model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	switch key {
	case "ctrl+c", "q":
		m.tray.close()
		return m, tea.Quit
	case "t":
		t := m.tray
		m.notice = "trigger sent"
		// Active plugins recompute inline, which may take a while.
		return m, func() tea.Msg {
			return triggeredMsg{err: t.trigger()}
		}
	case "p":
		if err := m.tray.play(); err != nil {
			m.notice = fmt.Sprintf("play: %v", err)
			return m, nil
		}
		if m.tray.slice.IsPlaying() {
			m.notice = "player started"
		} else {
			m.notice = "player stopped"
		}
		return m, nil
	case "f":
		factor, err := m.tray.cycleLag()
		if err != nil {
			m.notice = fmt.Sprintf("lag: %v", err)
			return m, nil
		}
		m.notice = fmt.Sprintf("ping cadence x%g", factor)
		return m, nil
	}

	if _, ok := m.tray.byKey[key]; ok {
		e, err := m.tray.toggle(key)
		if err != nil {
			m.notice = fmt.Sprintf("%s: %v", key, err)
			return m, nil
		}
		if e.pinger.IsOpen() {
			m.notice = fmt.Sprintf("%s panel opened", e.cfg.Name)
		} else {
			m.notice = fmt.Sprintf("%s panel closed", e.cfg.Name)
		}
		return m, nil
	}

	return m, nil
}

func (m model) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7D56F4"))
	metaStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888"))
	keyStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#4DA3FF"))
	activeStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#04B575")).
		Bold(true)
	idleStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#999999"))
	pendingStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFB454"))
	alertStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#4DA3FF"))

	cfg := m.tray.cfg
	lines := []string{
		titleStyle.Render("Welcome to TrayLive"),
		metaStyle.Render(fmt.Sprintf("ping every %s, inactive after %s", cfg.Tracker.PingInterval, cfg.Tracker.Timeout)),
	}
	if m.notice != "" {
		lines = append(lines, alertStyle.Render(m.notice))
	}
	lines = append(lines, "")

	now := m.now()
	for _, e := range m.tray.entries {
		tracker := e.inst.Base().Tracker
		state := tracker.State()

		badge := idleStyle.Render(state.String())
		if state == activity.StateActive {
			badge = activeStyle.Render(state.String())
		}
		panel := "closed"
		if e.pinger.IsOpen() {
			panel = "open"
		}

		row := fmt.Sprintf("%s %-14s %s  panel %-6s runs %d",
			keyStyle.Render(e.cfg.Key), e.cfg.Name, badge, panel, e.runs.Load())
		if tracker.Pending() {
			row += "  " + pendingStyle.Render("pending")
		}
		if last := tracker.LastPing(); !last.IsZero() {
			row += metaStyle.Render(fmt.Sprintf("  last ping %s ago", now.Sub(last).Truncate(10*time.Millisecond)))
		}
		if detail, ok := e.detail.Load().(string); ok {
			row += "  " + metaStyle.Render(detail)
		}
		if errText, ok := e.lastErr.Load().(string); ok {
			row += "  " + alertStyle.Render(errText)
		}
		lines = append(lines, row)
	}

	if m.tray.slice != nil {
		v := m.tray.value()
		playing := ""
		if m.tray.slice.IsPlaying() {
			playing = "  playing"
		}
		lines = append(lines, "", metaStyle.Render(fmt.Sprintf("slice %d  %.2f %s%s", v.Slice, v.Value, v.Unit, playing)))
	}

	if events := m.tray.recentEvents(); len(events) > 0 {
		lines = append(lines, "")
		for _, ev := range events {
			lines = append(lines, metaStyle.Render(ev))
		}
	}

	lines = append(lines, "",
		metaStyle.Render("key toggles a panel   t trigger   p play   f lag   q quit (Ctrl+C)"))
	return strings.Join(lines, "\n")
}

func main() {
	// Handle subcommands
	if len(os.Args) > 1 {
		handleSubcommand(os.Args[1])
		return
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintf(os.Stderr, "tl needs a terminal; try 'tl demo' or 'tl status'\n")
		os.Exit(1)
	}

	m := initialModel()
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		m.tray.close()
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func handleSubcommand(cmd string) {
	switch cmd {
	case "demo":
		if err := runDemo(os.Stdout, 200*time.Millisecond, time.Second); err != nil {
			fmt.Fprintf(os.Stderr, "Demo failed: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := printStatus(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "config-path":
		path, err := config.ConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(path)
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprintf(os.Stderr, "Run 'tl help' for usage\n")
		os.Exit(1)
	}
}

func printStatus(w io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "ping interval: %s\n", cfg.Tracker.PingInterval)
	fmt.Fprintf(w, "timeout:       %s\n", cfg.Tracker.Timeout)
	fmt.Fprintf(w, "watch:         %s\n", cfg.Tracker.WatchInterval)
	for _, p := range cfg.Plugins {
		fmt.Fprintf(w, "  %s  %-14s kind=%s skip_if_inactive=%t cost=%s\n", p.Key, p.Name, p.Kind, p.Skips(), p.Cost)
	}
	return nil
}

// runDemo plays the reference timeline against one plugin and prints what
// the tracker reports: a single ping, decay, a deferred trigger, then a
// steady ping stream with a handler longer than a ping interval.
func runDemo(w io.Writer, interval, timeout time.Duration) error {
	ctx := discardLogContext()
	p, err := plugin.New(ctx, "demo", hub.New(),
		activity.WithPingInterval(interval),
		activity.WithTimeout(timeout),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	start := time.Now()
	var mu sync.Mutex
	logf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "t=%5dms  %s\n", time.Since(start).Milliseconds(), fmt.Sprintf(format, args...))
	}

	runs := 0
	recompute := p.Tracker.Wrap(func() error {
		runs++
		time.Sleep(interval * 3 / 2)
		return nil
	})

	if err := p.Ping(); err != nil {
		return err
	}
	logf("ping              state=%s", p.Tracker.State())
	time.Sleep(timeout / 2)
	logf("query             active=%t", p.IsActive())
	time.Sleep(timeout/2 + interval/2)
	logf("query             active=%t", p.IsActive())

	ran, err := recompute()
	if err != nil {
		return err
	}
	logf("trigger           ran=%t pending=%t runs=%d", ran, p.Tracker.Pending(), runs)
	time.Sleep(interval / 2)
	if err := p.Ping(); err != nil {
		return err
	}
	logf("ping              pending=%t runs=%d", p.Tracker.Pending(), runs)

	pinger, err := plugin.NewPinger(p, interval)
	if err != nil {
		return err
	}
	if err := pinger.Open(ctx); err != nil {
		return err
	}
	defer pinger.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ran, _ := recompute()
		logf("long trigger done ran=%t runs=%d", ran, runs)
	}()
	for i := 0; i < 10; i++ {
		time.Sleep(timeout / 10)
		logf("query             active=%t", p.IsActive())
	}
	<-done

	pinger.Close()
	time.Sleep(timeout + interval)
	logf("panel closed      active=%t", p.IsActive())
	return nil
}

func printHelp() {
	fmt.Println(`traylive - plugin activity monitor

Usage:
  tl              Start the interactive tray monitor
  tl demo         Replay the ping/trigger timeline and print tracker state
  tl status       Show the loaded configuration
  tl config-path  Print the config file location
  tl help         Show this help

Interactive mode keybindings:
  <plugin key>    Open/close that plugin's panel (starts/stops its pings)
  t               Trigger a recomputation on every plugin
  p               Start/stop the slice player
  f               Cycle ping lag (x1, x2, x4, x10)
  q, Ctrl+C       Quit

Config:
  ~/.config/traylive/config.yaml
Logs:
  set TRAYLIVE_LOG=/path/to/file (TRAYLIVE_LOG_FORMAT=json for JSON)`)
}
