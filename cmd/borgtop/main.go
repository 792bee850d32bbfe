// Command borgtop is a read-only operator console over the dashboard's
// HTTP API: it polls GET /api/status and tails GET /api/stream, rendering
// both with bubbletea and lipgloss. It has no write path to the store or
// the pipeline engine — everything it knows comes from two GET requests,
// so it can never violate an invariant the engine enforces. It does not
// share cmd/borg's flag surface; that binary's own flags stay untouched.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/neuralcollective/borg/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("borgtop", flag.ContinueOnError)
	addrFlag := fs.String("addr", "", "dashboard address (default: from borg config, or 127.0.0.1:18790)")
	tokenFlag := fs.String("token", "", "dashboard bearer token (default: BORG_DASHBOARD_TOKEN env, or from config)")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	addr := strings.TrimSpace(*addrFlag)
	token := strings.TrimSpace(*tokenFlag)

	if cfg, err := config.Load(); err == nil {
		if addr == "" {
			addr = cfg.BindAddr
		}
		if token == "" {
			token = cfg.AuthToken
		}
	}
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if token == "" {
		token = os.Getenv("BORG_DASHBOARD_TOKEN")
	}

	baseURL := addr
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		if host, port, err := net.SplitHostPort(baseURL); err == nil {
			baseURL = net.JoinHostPort(host, port)
		}
		baseURL = "http://" + baseURL
	}

	client := newDashboardClient(baseURL, token)

	// Non-interactive stdout (piped to a file, cron, CI) gets one status
	// snapshot as JSON instead of the bubbletea screen, the same branch
	// goclaw's own main took for its chat REPL vs. daemon mode.
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("BORGTOP_NO_TUI") == ""
	if !interactive {
		return runHeadless(client)
	}

	p := tea.NewProgram(newModel(client), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "borgtop:", err)
		return 1
	}
	return 0
}

func runHeadless(client *dashboardClient) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := client.FetchStatus(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "borgtop:", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		fmt.Fprintln(os.Stderr, "borgtop:", err)
		return 1
	}
	return 0
}
