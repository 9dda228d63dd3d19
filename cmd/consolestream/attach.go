package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tarunm/consolestream/config"
	"github.com/tarunm/consolestream/internal/models"
	"github.com/tarunm/consolestream/internal/stream"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// Color codes
const (
	ColorReset   = "\033[0m"
	ColorRed     = "\033[31m"
	ColorGreen   = "\033[32m"
	ColorYellow  = "\033[33m"
	ColorMagenta = "\033[35m"
	ColorCyan    = "\033[36m"
	ColorBold    = "\033[1m"
	ColorDim     = "\033[2m"
)

type attachOptions struct {
	showMetrics bool
	noColor     bool
	history     int
}

func newAttachCmd(root *rootOptions) *cobra.Command {
	opts := &attachOptions{}
	cmd := &cobra.Command{
		Use:   "attach <server-id>",
		Short: "Follow a server's console and send commands from the terminal",
		Long: `Attach to one server directly through the broker. Console lines and
status changes are printed as they arrive; every line typed is sent as a
console command. Lines starting with / are handled locally, see /help.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if root.logLevel == "" {
				// keep the terminal for console output
				cfg.LogLevel = "warn"
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			p := newPrinter(out, !opts.noColor && os.Getenv("NO_COLOR") == "" && isTerminal(out))
			return runAttach(ctx, cfg, logger, args[0], opts, cmd.InOrStdin(), p)
		},
	}
	cmd.Flags().BoolVar(&opts.showMetrics, "metrics", false, "print metrics samples as they arrive")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	cmd.Flags().IntVar(&opts.history, "history", 20, "console lines shown by /history without an argument")
	return cmd
}

var isTerminal = func(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

func runAttach(ctx context.Context, cfg *config.Config, logger *zap.Logger, serverID string, opts *attachOptions, in io.Reader, p *printer) error {
	manager := stream.NewManager(cfg, stream.NewWebSocketDialer(cfg.GetHeaders()), logger)
	defer manager.Disconnect()

	clientOpts := stream.OptionsFromConfig(cfg)
	publisher := stream.NewPublisher(manager, clientOpts.Destinations, logger)
	client := stream.NewClient(serverID, manager, publisher, clientOpts, logger)

	p.infof("attaching to %s via %s", serverID, cfg.Endpoint)
	stop := client.OnUpdate(func(u models.Update) { p.update(u, opts.showMetrics) })
	defer stop()
	client.Open()
	defer client.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	printHelp(p)
	for {
		select {
		case <-ctx.Done():
			p.infof("detached")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleInput(client, p, line, opts.history); quit {
				p.infof("detached")
				return nil
			}
		}
	}
}

// handleInput runs one line typed by the user and reports whether to quit
func handleInput(client *stream.Client, p *printer, line string, defaultHistory int) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if outcome := client.SendCommand(line); !outcome.Sent() {
			p.errorf("command not sent (%s): %s", outcome, line)
		}
		return false
	}

	parts := strings.Fields(line)
	switch strings.ToLower(parts[0]) {
	case "/quit", "/exit":
		return true
	case "/help", "/?":
		printHelp(p)
	case "/clear":
		client.ClearConsole()
	case "/status":
		p.snapshot(client.Snapshot())
	case "/history":
		n := defaultHistory
		if len(parts) > 1 {
			v, err := strconv.Atoi(parts[1])
			if err != nil || v <= 0 {
				p.errorf("usage: /history [n]")
				return false
			}
			n = v
		}
		history := client.Snapshot().ConsoleHistory
		if len(history) > n {
			history = history[len(history)-n:]
		}
		for i := range history {
			p.console(history[i])
		}
	default:
		p.errorf("unknown command %s, type /help", parts[0])
	}
	return false
}

// printer serializes terminal output from the update and input goroutines
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

func newPrinter(out io.Writer, color bool) *printer {
	return &printer{out: out, color: color}
}

func (p *printer) paint(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + ColorReset
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func (p *printer) infof(format string, args ...interface{}) {
	p.println(p.paint(ColorCyan, fmt.Sprintf(format, args...)))
}

func (p *printer) errorf(format string, args ...interface{}) {
	p.println(p.paint(ColorRed, fmt.Sprintf(format, args...)))
}

func (p *printer) update(u models.Update, showMetrics bool) {
	switch {
	case u.Cleared != "":
		p.infof("%s cleared", u.Cleared)
	case u.Event == nil:
		if u.Connected {
			p.println(p.paint(ColorGreen, "✓ connected to broker"))
		} else {
			p.println(p.paint(ColorYellow, "✗ disconnected, reconnecting"))
		}
	case u.Event.Kind == models.KindConsole:
		p.console(*u.Event)
	case u.Event.Kind == models.KindStatus:
		p.status(*u.Event)
	case u.Event.Kind == models.KindMetrics && showMetrics:
		p.metrics(*u.Event)
	}
}

func (p *printer) console(ev models.Event) {
	ts := ev.ReceivedAt.Local().Format("15:04:05")
	p.println(p.paint(ColorDim, "["+ts+"]") + " " + ev.Line)
}

func (p *printer) status(ev models.Event) {
	p.println(p.paint(ColorBold, "status ") + p.paint(statusColor(ev.Status), string(ev.Status)))
}

func (p *printer) metrics(ev models.Event) {
	if ev.Metrics == nil {
		return
	}
	p.println(p.paint(ColorMagenta, "metrics ") + formatValues(ev.Metrics.Values))
}

func (p *printer) snapshot(snap models.Snapshot) {
	conn := p.paint(ColorYellow, "disconnected")
	if snap.Connected {
		conn = p.paint(ColorGreen, "connected")
	}
	p.println(fmt.Sprintf("%s %s, %d console lines", p.paint(ColorBold, snap.ServerID), conn, len(snap.ConsoleHistory)))
	if snap.Status != nil {
		p.status(*snap.Status)
	}
	if snap.Metrics != nil {
		p.metrics(*snap.Metrics)
	}
}

func statusColor(s models.ServerStatus) string {
	switch s {
	case models.StatusRunning:
		return ColorGreen
	case models.StatusStarting, models.StatusStopping:
		return ColorYellow
	case models.StatusError:
		return ColorRed + ColorBold
	default:
		return ColorRed
	}
}

func formatValues(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatFloat(values[k], 'f', -1, 64))
	}
	return strings.Join(parts, " ")
}

func printHelp(p *printer) {
	p.println(p.paint(ColorBold+ColorCyan, "Available Commands:"))
	p.println("  " + p.paint(ColorCyan, "<text>") + "         - Send text as a console command")
	p.println("  " + p.paint(ColorCyan, "/status") + "        - Show connection, status and latest metrics")
	p.println("  " + p.paint(ColorCyan, "/history [n]") + "   - Show the last n console lines")
	p.println("  " + p.paint(ColorCyan, "/clear") + "         - Clear the console history")
	p.println("  " + p.paint(ColorCyan, "/help") + "          - Show this help")
	p.println("  " + p.paint(ColorCyan, "/quit") + "          - Detach")
}
