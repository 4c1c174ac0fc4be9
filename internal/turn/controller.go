// ABOUTME: Turn controller running prompts against one agent backend
// ABOUTME: Enforces a single active turn with cancel-and-wait handoff between turns

package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-voice/internal/events"
	"github.com/2389/coven-voice/internal/metrics"
	"github.com/2389/coven-voice/internal/store"
)

const (
	// DefaultSummaryPrompt asks the agent to condense its context.
	DefaultSummaryPrompt = "Summarize our conversation so far. Keep every decision, open task, file path and fact needed to continue the work. Reply with the summary only."
	// DefaultSeedPrompt opens a fresh context; {summary} is replaced with the summary.
	DefaultSeedPrompt = "You are continuing an earlier conversation. Here is its summary:\n\n{summary}\n\nAcknowledge briefly and wait for the next request."

	summaryPlaceholder = "{summary}"
	persistTimeout     = 5 * time.Second
)

// Config holds controller dependencies.
type Config struct {
	Name          string
	Agent         Agent
	Hub           *events.Hub
	Store         store.ContextStore // optional
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	SummaryPrompt string
	SeedPrompt    string
}

// Controller owns one agent's context and its single active turn.
type Controller struct {
	name          string
	agent         Agent
	hub           *events.Hub
	store         store.ContextStore
	logger        *slog.Logger
	metrics       *metrics.Metrics
	summaryPrompt string
	seedPrompt    string

	mu         sync.Mutex
	active     *activeTurn
	generation uint64 // bumped by Reset; stale turns may not write context
	contextID  string
	turnCount  int
	memory     string
}

// NewController creates a controller and restores its context from the
// store when one is configured.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "turn", "agent", cfg.Name)

	hub := cfg.Hub
	if hub == nil {
		hub = events.NewHub(cfg.Name, logger)
	}

	c := &Controller{
		name:          cfg.Name,
		agent:         cfg.Agent,
		hub:           hub,
		store:         cfg.Store,
		logger:        logger,
		metrics:       cfg.Metrics,
		summaryPrompt: cfg.SummaryPrompt,
		seedPrompt:    cfg.SeedPrompt,
	}
	if c.summaryPrompt == "" {
		c.summaryPrompt = DefaultSummaryPrompt
	}
	if c.seedPrompt == "" {
		c.seedPrompt = DefaultSeedPrompt
	}

	c.restore()
	return c
}

// Name returns the agent name.
func (c *Controller) Name() string {
	return c.name
}

// Hub returns the hub the controller publishes on.
func (c *Controller) Hub() *events.Hub {
	return c.hub
}

func (c *Controller) restore() {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	saved, err := c.store.LoadAgentContext(ctx, c.name)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Warn("failed to restore agent context", "error", err)
		return
	}

	c.contextID = saved.ContextID
	c.turnCount = saved.TurnCount
	c.memory = saved.Memory
	c.logger.Info("restored agent context", "context_id", saved.ContextID, "turns", saved.TurnCount)
}

// Snapshot returns the controller's current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Name:      c.name,
		ContextID: c.contextID,
		TurnCount: c.turnCount,
		Busy:      c.active != nil,
		Memory:    c.memory,
	}
}

// Prompt runs one turn. A running turn is cancelled first and its
// cancellation path is allowed to finish before this turn publishes.
func (c *Controller) Prompt(ctx context.Context, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyPrompt
	}

	ctx, span := tracer.Start(ctx, "agent prompt turn")
	defer span.End()
	span.SetAttributes(attribute.String("agent.name", c.name))

	t, turnCtx, ok := c.claim(ctx, kindPrompt, errSuperseded)
	defer c.release(t)
	span.SetAttributes(attribute.String("turn.id", t.id))
	if !ok {
		c.metrics.Turn(c.name, string(StatusAborted))
		return &Result{Status: StatusAborted, Agent: c.name, TurnID: t.id, Error: context.Cause(turnCtx).Error()}, nil
	}

	contextID, turnNo, err := c.ensureContext(turnCtx, t)
	if err != nil {
		return c.resolveFailure(turnCtx, t, contextID, fmt.Errorf("starting context: %w", err)), nil
	}
	span.SetAttributes(attribute.String("context.id", contextID), attribute.Int("turn.number", turnNo))

	c.hub.Publish(events.TypeTurnStarted, TurnPayload{
		Agent:     c.name,
		TurnID:    t.id,
		ContextID: contextID,
		Turn:      turnNo,
		Prompt:    text,
	})
	c.logger.Info("turn started", "turn_id", t.id, "context_id", contextID, "turn", turnNo)

	out, err := c.stream(turnCtx, t, contextID, text, string(kindPrompt))
	contextID = c.adoptContext(t, contextID, out.contextID)
	if err != nil {
		res := c.resolveFailure(turnCtx, t, contextID, err)
		if res.Status == StatusError {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res, nil
	}

	c.hub.Publish(events.TypeTurnCompleted, TurnPayload{
		Agent:     c.name,
		TurnID:    t.id,
		ContextID: contextID,
		Turn:      turnNo,
		Response:  out.final,
	})
	c.metrics.Turn(c.name, string(StatusOK))
	c.logger.Info("turn completed", "turn_id", t.id, "response_chars", len(out.final))

	return &Result{
		Status:        StatusOK,
		Agent:         c.name,
		TurnID:        t.id,
		ContextID:     contextID,
		FinalResponse: out.final,
	}, nil
}

// Pause cancels the active turn. It returns paused when a turn was
// cancelled and idle otherwise.
func (c *Controller) Pause(ctx context.Context) *Result {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()

	if t == nil {
		return &Result{Status: StatusIdle, Agent: c.name, ContextID: c.currentContextID()}
	}

	t.cancel(errPaused)
	select {
	case <-t.settled:
	case <-ctx.Done():
	}

	c.logger.Info("turn paused", "turn_id", t.id)
	return &Result{Status: StatusPaused, Agent: c.name, TurnID: t.id, ContextID: c.currentContextID()}
}

// Reset cancels the active turn and forgets the context, including its
// persisted copy.
func (c *Controller) Reset(ctx context.Context) *Result {
	c.mu.Lock()
	t := c.active
	previous := c.contextID
	c.contextID = ""
	c.turnCount = 0
	c.memory = ""
	c.generation++
	c.mu.Unlock()

	payload := ResetPayload{Agent: c.name, PreviousContextID: previous}
	if t != nil {
		payload.InterruptedTurnID = t.id
		t.cancel(errReset)
		select {
		case <-t.settled:
		case <-ctx.Done():
		}
	}

	if c.store != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		if err := c.store.DeleteAgentContext(dctx, c.name); err != nil {
			c.logger.Warn("failed to delete persisted context", "error", err)
		}
		cancel()
	}

	c.hub.Publish(events.TypeReset, payload)
	c.logger.Info("agent reset", "previous_context_id", previous)
	return &Result{Status: StatusReset, Agent: c.name}
}

// claim installs a new active turn, cancelling the previous one with cause
// and waiting until it and every turn it superseded have settled. ok is
// false when the new turn was itself cancelled during the wait. The caller
// must release t.
func (c *Controller) claim(ctx context.Context, kind turnKind, cause error) (*activeTurn, context.Context, bool) {
	turnCtx, cancel := context.WithCancelCause(ctx)
	t := &activeTurn{
		id:      uuid.New().String(),
		kind:    kind,
		cancel:  cancel,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}

	c.mu.Lock()
	prev := c.active
	c.active = t
	t.generation = c.generation
	if prev != nil {
		t.after = prev.settled
	}
	c.mu.Unlock()

	if prev != nil {
		c.logger.Debug("cancelling active turn", "turn_id", prev.id, "kind", prev.kind, "cause", cause)
		prev.cancel(cause)
		select {
		case <-prev.settled:
		case <-turnCtx.Done():
			return t, turnCtx, false
		}
	}
	return t, turnCtx, true
}

// release clears t if it is still the active turn and signals waiters.
// t settles once its predecessor has settled too.
func (c *Controller) release(t *activeTurn) {
	c.mu.Lock()
	if c.active == t {
		c.active = nil
	}
	c.mu.Unlock()
	t.cancel(nil)
	close(t.done)

	if t.after == nil {
		close(t.settled)
		return
	}
	go func() {
		<-t.after
		close(t.settled)
	}()
}

// ensureContext starts a context when none exists and bumps the counter.
func (c *Controller) ensureContext(ctx context.Context, t *activeTurn) (string, int, error) {
	c.mu.Lock()
	id := c.contextID
	c.mu.Unlock()

	if id == "" {
		newID, err := c.agent.StartContext(ctx)
		if err != nil {
			return "", 0, err
		}
		if newID == "" {
			return "", 0, errors.New("agent returned an empty context id")
		}
		id = newID
	}
	if ctx.Err() != nil {
		return id, 0, context.Cause(ctx)
	}

	c.mu.Lock()
	if c.generation != t.generation {
		c.mu.Unlock()
		// Reset cancels the turn right after bumping the generation.
		<-ctx.Done()
		return id, 0, context.Cause(ctx)
	}
	if c.contextID == "" {
		c.contextID = id
	}
	c.turnCount++
	n := c.turnCount
	snap := c.recordLocked()
	c.mu.Unlock()

	c.persist(snap)
	return id, n, nil
}

// adoptContext records a context ID the backend assigned mid-turn.
func (c *Controller) adoptContext(t *activeTurn, current, assigned string) string {
	if assigned == "" || assigned == current {
		return current
	}

	c.mu.Lock()
	if c.generation != t.generation || c.contextID != current {
		c.mu.Unlock()
		return current
	}
	c.contextID = assigned
	snap := c.recordLocked()
	c.mu.Unlock()

	c.logger.Debug("backend renamed context", "from", current, "to", assigned)
	c.persist(snap)
	return assigned
}

// resolveFailure publishes the terminal event for a turn that did not
// complete and builds its result.
func (c *Controller) resolveFailure(turnCtx context.Context, t *activeTurn, contextID string, err error) *Result {
	payload := TurnPayload{Agent: c.name, TurnID: t.id, ContextID: contextID}

	if turnCtx.Err() != nil {
		cause := context.Cause(turnCtx)
		payload.Reason = cause.Error()
		if errors.Is(cause, errPaused) || errors.Is(cause, errReset) {
			c.hub.Publish(events.TypeTurnPaused, payload)
		} else {
			c.hub.Publish(events.TypeTurnAborted, payload)
		}
		c.metrics.Turn(c.name, string(StatusAborted))
		c.logger.Info("turn interrupted", "turn_id", t.id, "reason", cause)
		return &Result{Status: StatusAborted, Agent: c.name, TurnID: t.id, ContextID: contextID, Error: cause.Error()}
	}

	payload.Error = err.Error()
	c.hub.Publish(events.TypeTurnError, payload)
	c.metrics.Turn(c.name, string(StatusError))
	c.logger.Warn("turn failed", "turn_id", t.id, "error", err)
	return &Result{Status: StatusError, Agent: c.name, TurnID: t.id, ContextID: contextID, Error: err.Error()}
}

type streamOutcome struct {
	final     string
	contextID string // last backend-assigned context ID seen
}

// stream consumes one agent stream, publishing every chunk. It returns
// the cancellation cause as soon as ctx ends.
func (c *Controller) stream(ctx context.Context, t *activeTurn, contextID, prompt, phase string) (streamOutcome, error) {
	var out streamOutcome

	ch, err := c.agent.Stream(ctx, contextID, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return out, context.Cause(ctx)
		}
		return out, fmt.Errorf("starting stream: %w", err)
	}

	span := trace.SpanFromContext(ctx)
	var lastAssistant, result string
	for {
		select {
		case <-ctx.Done():
			return out, context.Cause(ctx)
		case ev, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return out, context.Cause(ctx)
				}
				out.final = result
				if out.final == "" {
					out.final = lastAssistant
				}
				return out, nil
			}
			if ev == nil {
				continue
			}

			span.AddEvent("agent event", trace.WithAttributes(
				attribute.String("event.type", string(ev.Type)),
				attribute.String("turn.phase", phase),
			))
			c.hub.Publish(events.TypeMessage, MessagePayload{
				Agent:  c.name,
				TurnID: t.id,
				Phase:  phase,
				Event:  ev,
			})

			if ev.ContextID != "" {
				out.contextID = ev.ContextID
			}
			switch ev.Type {
			case EventAssistant:
				if ev.Text != "" {
					lastAssistant = ev.Text
				}
			case EventResult:
				result = ev.Text
			case EventError:
				msg := ev.Text
				if msg == "" {
					msg = "unspecified agent error"
				}
				return out, fmt.Errorf("agent error: %s", msg)
			}
		}
	}
}

func (c *Controller) currentContextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contextID
}

// recordLocked builds the persisted form of the context. Callers hold c.mu.
func (c *Controller) recordLocked() store.AgentContext {
	return store.AgentContext{
		Agent:     c.name,
		ContextID: c.contextID,
		TurnCount: c.turnCount,
		Memory:    c.memory,
	}
}

func (c *Controller) persist(rec store.AgentContext) {
	if c.store == nil || rec.ContextID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.store.SaveAgentContext(ctx, &rec); err != nil {
		c.logger.Warn("failed to persist agent context", "error", err)
	}
}
