// ABOUTME: CLI agent backend running one process per turn and parsing stream-json output
// ABOUTME: Implements turn.Agent; cancelling the turn context kills the process

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-voice/internal/turn"
)

// ContextPlaceholder is replaced with the context ID in argument templates.
const ContextPlaceholder = "{context}"

const (
	maxLineBytes   = 4 << 20
	stderrTailSize = 4 << 10
	killGrace      = 2 * time.Second
)

// CLIConfig configures a CLI backend.
type CLIConfig struct {
	Command        string
	Args           []string // always passed first
	NewContextArgs []string // first turn of a context
	ResumeArgs     []string // later turns
	WorkDir        string
	Env            []string // appended to the gateway's environment
	Logger         *slog.Logger
}

// CLIAgent runs an agent CLI per turn.
type CLIAgent struct {
	cfg    CLIConfig
	logger *slog.Logger

	mu    sync.Mutex
	fresh map[string]bool // contexts named but not yet created by the CLI
}

// NewCLIAgent creates a CLI backend.
func NewCLIAgent(cfg CLIConfig) *CLIAgent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIAgent{
		cfg:    cfg,
		logger: logger.With("component", "cli-agent", "command", cfg.Command),
		fresh:  make(map[string]bool),
	}
}

// StartContext names a new context. The CLI creates it on the first turn.
func (a *CLIAgent) StartContext(ctx context.Context) (string, error) {
	id := uuid.New().String()
	a.mu.Lock()
	a.fresh[id] = true
	a.mu.Unlock()
	return id, nil
}

// created records that the CLI now holds contextID, so later turns resume it.
func (a *CLIAgent) created(contextID string) {
	a.mu.Lock()
	delete(a.fresh, contextID)
	a.mu.Unlock()
}

// args builds the command line for one turn. A context stays new until a
// turn on it reports a session or exits cleanly.
func (a *CLIAgent) args(contextID, prompt string) []string {
	a.mu.Lock()
	isNew := a.fresh[contextID]
	a.mu.Unlock()

	template := a.cfg.ResumeArgs
	if isNew {
		template = a.cfg.NewContextArgs
	}

	args := make([]string, 0, len(a.cfg.Args)+len(template)+1)
	args = append(args, a.cfg.Args...)
	for _, arg := range template {
		args = append(args, strings.ReplaceAll(arg, ContextPlaceholder, contextID))
	}
	return append(args, prompt)
}

// Stream runs one turn.
func (a *CLIAgent) Stream(ctx context.Context, contextID, prompt string) (<-chan *turn.Event, error) {
	cmd := exec.CommandContext(ctx, a.cfg.Command, a.args(contextID, prompt)...)
	cmd.Dir = a.cfg.WorkDir
	if len(a.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), a.cfg.Env...)
	}
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout: %w", err)
	}
	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", a.cfg.Command, err)
	}
	a.logger.Debug("agent process started", "pid", cmd.Process.Pid, "context_id", contextID)

	ch := make(chan *turn.Event)
	go func() {
		defer close(ch)

		var once sync.Once
		send := func(ev *turn.Event) bool {
			if ev.ContextID != "" {
				once.Do(func() { a.created(contextID) })
			}
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if err := scanEvents(stdout, send); err != nil && ctx.Err() == nil {
			a.logger.Warn("reading agent output", "error", err)
		}
		// Drain so a chatty process never blocks on a full pipe.
		io.Copy(io.Discard, stdout)

		err := cmd.Wait()
		if err == nil {
			once.Do(func() { a.created(contextID) })
		}
		if err != nil && ctx.Err() == nil {
			msg := fmt.Sprintf("agent process exited: %v", err)
			if tail := strings.TrimSpace(stderr.String()); tail != "" {
				msg += ": " + tail
			}
			send(&turn.Event{Type: turn.EventError, Text: msg})
		}
	}()
	return ch, nil
}

// scanEvents parses stream-json lines until EOF or send refuses.
func scanEvents(r io.Reader, send func(*turn.Event) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !send(ParseLine(line)) {
			return nil
		}
	}
	return sc.Err()
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

type wireLine struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Result    string          `json:"result"`
	IsError   bool            `json:"is_error"`
	Text      string          `json:"text"`
	Error     json.RawMessage `json:"error"`
	Message   struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ParseLine converts one stream-json line into a turn event. Lines that are
// not JSON become unknown events carrying the text.
func ParseLine(line []byte) *turn.Event {
	var w wireLine
	if err := json.Unmarshal(line, &w); err != nil {
		return &turn.Event{Type: turn.EventUnknown, Text: string(line)}
	}

	ev := &turn.Event{
		Type:      turn.ParseEventType(w.Type),
		ContextID: w.SessionID,
		Raw:       append(json.RawMessage(nil), line...),
	}

	switch ev.Type {
	case turn.EventResult:
		ev.Text = w.Result
		if w.IsError {
			ev.Type = turn.EventError
		}
	case turn.EventError:
		ev.Text = errorText(w.Error, w.Text)
	case turn.EventAssistant, turn.EventUser:
		text, kinds := contentText(w.Message.Content)
		ev.Text = text
		if text == "" {
			ev.Text = w.Text
		}
		switch {
		case ev.Type == turn.EventAssistant && text == "" && kinds["tool_use"]:
			ev.Type = turn.EventToolUse
		case ev.Type == turn.EventUser && kinds["tool_result"]:
			ev.Type = turn.EventToolResult
		}
	default:
		ev.Text = w.Text
	}
	return ev
}

// contentText joins text blocks and reports which block types appeared.
func contentText(raw json.RawMessage) (string, map[string]bool) {
	kinds := map[string]bool{}
	if len(raw) == 0 {
		return "", kinds
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, kinds
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", kinds
	}
	var parts []string
	for _, b := range blocks {
		kinds[b.Type] = true
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), kinds
}

func errorText(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

var _ turn.Agent = (*CLIAgent)(nil)

// errNoCommand is returned by Validate for an empty command.
var errNoCommand = errors.New("agent command is empty")

// Validate checks that the command can be resolved.
func (c CLIConfig) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return errNoCommand
	}
	if _, err := exec.LookPath(c.Command); err != nil {
		return fmt.Errorf("resolving %s: %w", c.Command, err)
	}
	return nil
}
