// Package agent registers the background agent workers and routes voice
// tool calls to them.
//
// # Manager
//
// The Manager tracks one turn.Controller per named agent:
//
//	mgr := agent.NewManager(logger)
//	mgr.Register(agent.Registration{Name: "coder", ToolName: "ask_coder", Controller: ctrl})
//
// Key operations:
//
//   - Register(reg): Add an agent and its prompt tool
//   - Get(name): Look up a controller
//   - List(): Snapshots of every controller
//   - Tools(): Tool declarations for the voice session
//   - Dispatch(ctx, tool, args): Run a tool call from the voice model
//
// Each agent owns a prompt tool taking {"prompt": "..."}. The shared
// agent_control tool takes {"agent": "...", "action": "pause|compact|reset"}.
// Tool output is the JSON encoding of the resulting turn.Result.
//
// # CLI backend
//
// CLIAgent implements turn.Agent by running a command once per turn and
// reading newline-delimited JSON from its stdout. Contexts are named by the
// gateway; the configured new-context and resume arguments carry the name
// through the {context} placeholder. Cancelling a turn kills the process.
package agent
