// ABOUTME: Entry point for the coven-voice session gateway
// ABOUTME: Serves the voice session API and offers health and agent status commands

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/coven-voice/internal/config"
	"github.com/2389/coven-voice/internal/gateway"
	"github.com/2389/coven-voice/internal/turn"
)

// Version is set at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __    __   _____ (_) ___ ___
 / __/ _ \ \ / / _ \ '_ \ __\ \ / / _ \| |/ __/ _ \
| (_| (_) \ V /  __/ | | |___\ V / (_) | | (_|  __/
 \___\___/ \_/ \___|_| |_|    \_/ \___/|_|\___\___|
`

func usage() {
	fmt.Println("Usage: coven-voice <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the voice gateway")
	fmt.Println("  health   Check gateway liveness and session readiness")
	fmt.Println("  agents   List agents and their current context")
	fmt.Println("  version  Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Upstream:  %s (%s)\n", cfg.Upstream.URL, cfg.Upstream.Model)
	if cfg.Upstream.APIKey == "" {
		yellow.Println("    ! upstream.api_key is empty; session handshakes will be rejected")
	}

	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		green.Print("    ▶ ")
		fmt.Printf("Agent:     %s ", name)
		gray.Printf("(%s via %s)\n", cfg.Agents[name].ToolName, cfg.Agents[name].Command)
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting coven-voice",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"agents", len(cfg.Agents),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// baseURL returns the local gateway URL from config.
func baseURL() (string, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname, nil
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

func get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	base, err := baseURL()
	if err != nil {
		return err
	}

	resp, err := get(ctx, base+"/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	resp, err = get(ctx, base+"/health/ready")
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy (session open)")
	} else {
		fmt.Println("healthy (no session)")
	}
	return nil
}

func runAgents(ctx context.Context) error {
	base, err := baseURL()
	if err != nil {
		return err
	}

	resp, err := get(ctx, base+"/api/agents")
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing agents: status %d", resp.StatusCode)
	}

	var body struct {
		Agents []turn.Snapshot `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding agents: %w", err)
	}

	if len(body.Agents) == 0 {
		fmt.Println("no agents configured")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCONTEXT\tTURNS\tBUSY")
	for _, a := range body.Agents {
		ctxID := a.ContextID
		if ctxID == "" {
			ctxID = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\n", a.Name, ctxID, a.TurnCount, a.Busy)
	}
	return tw.Flush()
}
