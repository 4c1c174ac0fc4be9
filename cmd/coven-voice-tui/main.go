// ABOUTME: Interactive terminal client for coven-voice
// ABOUTME: Tails the live event stream and sends prompts and control actions to agents

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	agentName := flag.String("agent", "", "Agent to prompt by default")
	flag.Parse()

	fmt.Printf("coven-voice-tui connected to %s\n", *server)
	fmt.Println("Type a prompt and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &client{server: strings.TrimRight(*server, "/"), http: http.DefaultClient}
	go tailEvents(ctx, c, os.Stdout)

	if err := run(ctx, c, *agentName, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

// tailEvents keeps an SSE subscription open, reconnecting with backoff.
func tailEvents(ctx context.Context, c *client, out io.Writer) {
	backoff := time.Second
	for {
		err := c.streamEvents(ctx, func(eventType string, data []byte) {
			if line := describe(eventType, data); line != "" {
				fmt.Fprintln(out, line)
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			fmt.Fprintln(out, dim("[events] disconnected: "+err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func run(ctx context.Context, c *client, selected string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	for {
		if selected != "" {
			fmt.Fprintf(out, "[%s]> ", selected)
		} else {
			fmt.Fprint(out, "> ")
		}

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		quit, next, err := handleInput(ctx, c, selected, input, out)
		if err != nil {
			fmt.Fprintln(out, errorText("[error] "+err.Error()))
		}
		if quit {
			return nil
		}
		selected = next
	}
}

// handleInput runs one line of input and returns the agent selection to
// keep using.
func handleInput(ctx context.Context, c *client, selected, input string, out io.Writer) (quit bool, next string, err error) {
	next = selected
	if !strings.HasPrefix(input, "/") {
		if selected == "" {
			return false, next, errors.New("no agent selected, use /use <name>")
		}
		res, err := c.agentAction(ctx, selected, "prompt", input)
		if err != nil {
			return false, next, err
		}
		fmt.Fprintln(out, formatResult(res))
		return false, next, nil
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true, next, nil
	case "/help":
		printHelp(out)
	case "/agents":
		agents, err := c.agents(ctx)
		if err != nil {
			return false, next, err
		}
		for _, a := range agents {
			busy := ""
			if a.Busy {
				busy = " (busy)"
			}
			fmt.Fprintf(out, "  %s  context=%s turns=%d%s\n", a.Name, orDash(a.ContextID), a.TurnCount, busy)
		}
	case "/use":
		next = arg
		if next == "" {
			fmt.Fprintln(out, "Cleared agent selection")
		} else {
			fmt.Fprintf(out, "Now using %s\n", next)
		}
	case "/pause", "/compact", "/reset":
		target := arg
		if target == "" {
			target = selected
		}
		if target == "" {
			return false, next, errors.New("no agent selected, use /use <name>")
		}
		res, err := c.agentAction(ctx, target, strings.TrimPrefix(cmd, "/"), "")
		if err != nil {
			return false, next, err
		}
		fmt.Fprintln(out, formatResult(res))
	case "/session":
		info, err := c.session(ctx, arg)
		if err != nil {
			return false, next, err
		}
		fmt.Fprintf(out, "  state=%s session=%s legs=%d\n", info.State, orDash(info.SessionID), info.Legs)
	case "/verbose":
		on := arg == "on" || arg == "true"
		if err := c.setVerbose(ctx, on); err != nil {
			return false, next, err
		}
		fmt.Fprintf(out, "verbose events: %t\n", on)
	case "/transcripts":
		rows, err := c.transcripts(ctx, 20)
		if err != nil {
			return false, next, err
		}
		for _, t := range rows {
			fmt.Fprintf(out, "  %s: %s\n", t.Role, t.Text)
		}
	default:
		return false, next, fmt.Errorf("unknown command %s", cmd)
	}
	return false, next, nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  /agents              List agents")
	fmt.Fprintln(out, "  /use <name>          Select the agent for prompts")
	fmt.Fprintln(out, "  /pause [name]        Pause the agent's current turn")
	fmt.Fprintln(out, "  /compact [name]      Summarize and reseed the agent's context")
	fmt.Fprintln(out, "  /reset [name]        Forget the agent's context")
	fmt.Fprintln(out, "  /session [open|close] Show, open, or close the voice session")
	fmt.Fprintln(out, "  /verbose on|off      Toggle detailed events")
	fmt.Fprintln(out, "  /transcripts         Show recent transcript lines")
	fmt.Fprintln(out, "  /quit                Exit")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
