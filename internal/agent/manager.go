// ABOUTME: Registry of named agent controllers and the router for voice tool calls
// ABOUTME: Maps each agent's prompt tool and the shared agent_control tool to controller operations

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/2389/coven-voice/internal/realtime"
	"github.com/2389/coven-voice/internal/turn"
)

// ControlToolName is the shared tool that pauses, compacts or resets an agent.
const ControlToolName = "agent_control"

// Control actions accepted by the agent_control tool.
const (
	ActionPause   = "pause"
	ActionCompact = "compact"
	ActionReset   = "reset"
)

// ErrAgentAlreadyRegistered indicates an agent with the same name is already registered.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrUnknownTool indicates a tool call no agent owns.
var ErrUnknownTool = errors.New("unknown tool")

// ErrToolConflict indicates a tool name is already taken.
var ErrToolConflict = errors.New("tool name already registered")

// Registration describes one agent.
type Registration struct {
	Name            string
	ToolName        string // defaults to "ask_<name>"
	ToolDescription string
	Controller      *turn.Controller
}

// Manager coordinates all registered agents and routes tool calls to them.
type Manager struct {
	agents map[string]*Registration
	tools  map[string]string // tool name -> agent name
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents: make(map[string]*Registration),
		tools:  make(map[string]string),
		logger: logger.With("component", "agents"),
	}
}

// Register adds an agent.
func (m *Manager) Register(reg Registration) error {
	if reg.Name == "" || reg.Controller == nil {
		return errors.New("registration needs a name and a controller")
	}
	if reg.ToolName == "" {
		reg.ToolName = "ask_" + reg.Name
	}
	if reg.ToolDescription == "" {
		reg.ToolDescription = fmt.Sprintf("Send a request to the %s agent and wait for its answer.", reg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[reg.Name]; exists {
		return ErrAgentAlreadyRegistered
	}
	if _, taken := m.tools[reg.ToolName]; taken || reg.ToolName == ControlToolName {
		return fmt.Errorf("%w: %s", ErrToolConflict, reg.ToolName)
	}

	m.agents[reg.Name] = &reg
	m.tools[reg.ToolName] = reg.Name
	m.logger.Info("agent registered",
		"name", reg.Name,
		"tool", reg.ToolName,
		"total_agents", len(m.agents),
	)
	return nil
}

// Unregister removes an agent.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reg, exists := m.agents[name]; exists {
		delete(m.agents, name)
		delete(m.tools, reg.ToolName)
		m.logger.Info("agent unregistered", "name", name, "total_agents", len(m.agents))
	}
}

// Get retrieves a controller by agent name.
func (m *Manager) Get(name string) (*turn.Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, ok := m.agents[name]
	if !ok {
		return nil, false
	}
	return reg.Controller, true
}

// Names returns the registered agent names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns a snapshot of every controller, sorted by name.
func (m *Manager) List() []turn.Snapshot {
	names := m.Names()
	out := make([]turn.Snapshot, 0, len(names))
	for _, name := range names {
		if ctrl, ok := m.Get(name); ok {
			out = append(out, ctrl.Snapshot())
		}
	}
	return out
}

// PauseAll pauses every agent and returns how many had a turn running.
func (m *Manager) PauseAll(ctx context.Context) int {
	n := 0
	for _, name := range m.Names() {
		ctrl, ok := m.Get(name)
		if !ok {
			continue
		}
		if ctrl.Pause(ctx).Status == turn.StatusPaused {
			n++
		}
	}
	return n
}

// Tools returns the function tools the voice model can call.
func (m *Manager) Tools() []realtime.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]realtime.Tool, 0, len(names)+1)
	for _, name := range names {
		reg := m.agents[name]
		tools = append(tools, realtime.FunctionTool(reg.ToolName, reg.ToolDescription, map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "The full request for the agent, in plain language.",
				},
			},
			"required": []string{"prompt"},
		}))
	}
	if len(names) > 0 {
		tools = append(tools, realtime.FunctionTool(ControlToolName,
			"Pause an agent's running task, compact its conversation memory, or reset it.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent":  map[string]any{"type": "string", "enum": names},
					"action": map[string]any{"type": "string", "enum": []string{ActionPause, ActionCompact, ActionReset}},
				},
				"required": []string{"agent", "action"},
			}))
	}
	return tools
}

// Dispatch runs a tool call and returns its JSON output.
func (m *Manager) Dispatch(ctx context.Context, tool, arguments string) (string, error) {
	if tool == ControlToolName {
		return m.dispatchControl(ctx, arguments)
	}

	m.mu.RLock()
	name, ok := m.tools[tool]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	ctrl, ok := m.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}

	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeArguments(arguments, &args); err != nil {
		return "", err
	}

	m.logger.Debug("dispatching prompt", "agent", name, "tool", tool)
	res, err := ctrl.Prompt(ctx, args.Prompt)
	if err != nil {
		return "", err
	}
	return encodeResult(res)
}

func (m *Manager) dispatchControl(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Agent  string `json:"agent"`
		Action string `json:"action"`
	}
	if err := decodeArguments(arguments, &args); err != nil {
		return "", err
	}

	ctrl, ok := m.Get(args.Agent)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, args.Agent)
	}

	m.logger.Info("agent control", "agent", args.Agent, "action", args.Action)
	switch strings.ToLower(args.Action) {
	case ActionPause:
		return encodeResult(ctrl.Pause(ctx))
	case ActionReset:
		return encodeResult(ctrl.Reset(ctx))
	case ActionCompact:
		res, err := ctrl.Compact(ctx)
		if err != nil {
			return "", err
		}
		return encodeResult(res)
	default:
		return "", fmt.Errorf("unknown action %q", args.Action)
	}
}

func decodeArguments(arguments string, v any) error {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	if err := json.Unmarshal([]byte(arguments), v); err != nil {
		return fmt.Errorf("decoding arguments: %w", err)
	}
	return nil
}

func encodeResult(res *turn.Result) (string, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(data), nil
}
