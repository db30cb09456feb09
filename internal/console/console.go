// Package console implements the interactive operator console. While the
// process runs, SIGQUIT (ctrl-\) drops into a menu for inspecting tunnel
// statistics, killing channels and adjusting log verbosity; SIGINT remains
// the way to exit.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/postalsys/tunnelbana/internal/logging"
	"github.com/postalsys/tunnelbana/internal/metrics"
	"github.com/postalsys/tunnelbana/internal/tunnel"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	statStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// TunnelFunc returns the current tunnel, or nil when none is established yet.
type TunnelFunc func() *tunnel.Tunnel

// Console is the SIGQUIT-driven operator menu.
type Console struct {
	tun    TunnelFunc
	logger *slog.Logger
	mx     *metrics.Metrics
	theme  *huh.Theme
}

// New creates a Console. tun is called on every menu action so the console
// works even when the tunnel is established after startup.
func New(tun TunnelFunc, logger *slog.Logger, mx *metrics.Metrics) *Console {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if mx == nil {
		mx = metrics.Default()
	}
	return &Console{
		tun:    tun,
		logger: logger,
		mx:     mx,
		theme:  huh.ThemeDracula(),
	}
}

// Run installs the SIGQUIT handler and blocks until ctx is cancelled.
// Requires an interactive terminal; otherwise it logs and returns.
func (c *Console) Run(ctx context.Context) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		c.logger.Warn("console enabled but stdin is not a terminal, disabling")
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	c.logger.Info("operator console ready, press ctrl-\\ for the menu")

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			c.menu()
		}
	}
}

func (c *Console) menu() {
	var choice string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Tunnelbana Console").
				Description("ctrl-c exits the process").
				Options(
					huh.NewOption("Show tunnel statistics", "stats"),
					huh.NewOption("Kill a channel", "kill"),
					huh.NewOption("Increase log verbosity", "louder"),
					huh.NewOption("Decrease log verbosity", "quieter"),
					huh.NewOption("Dump metrics", "metrics"),
					huh.NewOption("Resume", "resume"),
				).
				Value(&choice),
		),
	).WithTheme(c.theme)

	if err := form.Run(); err != nil {
		// No usable terminal (e.g. stdin piped); print stats instead.
		c.printStats()
		return
	}

	switch choice {
	case "stats":
		c.printStats()
	case "kill":
		c.killChannel()
	case "louder":
		c.adjustVerbosity(-4)
	case "quieter":
		c.adjustVerbosity(4)
	case "metrics":
		c.dumpMetrics()
	}
}

func (c *Console) printStats() {
	t := c.tun()
	if t == nil {
		fmt.Println(statStyle.Render("no tunnel established yet"))
		return
	}

	s := t.Stats()
	fmt.Println(titleStyle.Render("Tunnel"))
	fmt.Println(statStyle.Render(fmt.Sprintf(
		"  open=%d closed=%d tx=%s rx=%s",
		s.OpenChannels, s.ClosedChannels,
		humanize.Bytes(s.TxBytes), humanize.Bytes(s.RxBytes))))

	for _, ch := range t.Channels() {
		fmt.Println(statStyle.Render(fmt.Sprintf(
			"  `-> channel %d: tx=%s rx=%s",
			ch.ID(), humanize.Bytes(ch.TxBytes()), humanize.Bytes(ch.RxBytes()))))
	}
}

func (c *Console) killChannel() {
	t := c.tun()
	if t == nil {
		fmt.Println(statStyle.Render("no tunnel established yet"))
		return
	}

	var input string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Channel ID").
				Value(&input).
				Validate(func(s string) error {
					_, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
					return err
				}),
		),
	).WithTheme(c.theme)

	if err := form.Run(); err != nil {
		return
	}

	id, err := strconv.ParseUint(strings.TrimSpace(input), 10, 16)
	if err != nil {
		fmt.Println(statStyle.Render("illegal channel id"))
		return
	}

	if err := t.CloseChannel(uint16(id), true, true); err != nil {
		fmt.Println(statStyle.Render(fmt.Sprintf("close failed: %v", err)))
		return
	}
	fmt.Println(statStyle.Render(fmt.Sprintf("channel %d closed", id)))
}

// adjustVerbosity shifts the process-wide log level one slog step. Negative
// deltas are louder (towards debug).
func (c *Console) adjustVerbosity(delta int) {
	level := logging.Level.Level()
	next := level + slog.Level(delta)
	if next < slog.LevelDebug {
		next = slog.LevelDebug
	}
	if next > slog.LevelError {
		next = slog.LevelError
	}
	logging.Level.Set(next)
	fmt.Println(statStyle.Render(fmt.Sprintf("log level is now %s", next)))
}

func (c *Console) dumpMetrics() {
	out, err := c.mx.Render()
	if err != nil {
		fmt.Println(statStyle.Render(fmt.Sprintf("metrics render failed: %v", err)))
		return
	}
	if out == "" {
		fmt.Println(statStyle.Render("metrics registry is empty"))
		return
	}
	fmt.Print(out)
}
