// ABOUTME: Context compaction: summarize the current context and reseed a fresh one
// ABOUTME: Runs as the controller's active turn so a new prompt aborts it atomically

package turn

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/2389/coven-voice/internal/events"
)

var errEmptySummary = errors.New("agent returned an empty summary")

// Compact replaces the current context with a fresh one seeded by a
// summary of the old one. The swap happens only when every step succeeds.
func (c *Controller) Compact(ctx context.Context) (*Result, error) {
	if c.currentContextID() == "" {
		return nil, ErrNoContext
	}

	ctx, span := tracer.Start(ctx, "agent compact")
	defer span.End()
	span.SetAttributes(attribute.String("agent.name", c.name))

	t, turnCtx, ok := c.claim(ctx, kindCompact, errPaused)
	defer c.release(t)
	if !ok {
		return &Result{Status: StatusAborted, Agent: c.name, TurnID: t.id, Error: context.Cause(turnCtx).Error()}, nil
	}

	oldID := c.currentContextID()
	if oldID == "" {
		return nil, ErrNoContext
	}
	span.SetAttributes(attribute.String("context.id", oldID))

	c.hub.Publish(events.TypeCompactStarted, CompactPayload{
		Agent:        c.name,
		TurnID:       t.id,
		OldContextID: oldID,
	})
	c.logger.Info("compaction started", "turn_id", t.id, "context_id", oldID)

	summary, err := c.summarize(turnCtx, t, oldID)
	var newID string
	if err == nil {
		newID, err = c.reseed(turnCtx, t, summary)
	}
	if err == nil {
		c.mu.Lock()
		if c.generation != t.generation || c.contextID != oldID {
			err = errReset
		} else {
			c.contextID = newID
			c.turnCount = 0
			c.memory = summary
		}
		snap := c.recordLocked()
		c.mu.Unlock()
		if err == nil {
			c.persist(snap)
		}
	}
	if err != nil {
		res := c.compactFailed(turnCtx, t, oldID, err)
		if res.Status == StatusError {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res, nil
	}

	c.hub.Publish(events.TypeCompactCompleted, CompactPayload{
		Agent:        c.name,
		TurnID:       t.id,
		OldContextID: oldID,
		NewContextID: newID,
		SummaryChars: len(summary),
	})
	c.metrics.Turn(c.name, "compacted")
	c.logger.Info("compaction completed", "old_context_id", oldID, "new_context_id", newID)

	return &Result{
		Status:        StatusOK,
		Agent:         c.name,
		TurnID:        t.id,
		ContextID:     newID,
		FinalResponse: summary,
	}, nil
}

func (c *Controller) summarize(ctx context.Context, t *activeTurn, contextID string) (string, error) {
	out, err := c.stream(ctx, t, contextID, c.summaryPrompt, "summarize")
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(out.final)
	if summary == "" {
		return "", errEmptySummary
	}
	return summary, nil
}

// reseed starts a fresh context and primes it with the summary.
func (c *Controller) reseed(ctx context.Context, t *activeTurn, summary string) (string, error) {
	newID, err := c.agent.StartContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", err
	}
	if ctx.Err() != nil {
		return "", context.Cause(ctx)
	}

	out, err := c.stream(ctx, t, newID, renderSeed(c.seedPrompt, summary), "seed")
	if err != nil {
		return "", err
	}
	if out.contextID != "" {
		newID = out.contextID
	}
	return newID, nil
}

func (c *Controller) compactFailed(turnCtx context.Context, t *activeTurn, oldID string, err error) *Result {
	status := StatusError
	if turnCtx.Err() != nil {
		status = StatusAborted
		err = context.Cause(turnCtx)
	}

	c.hub.Publish(events.TypeCompactFailed, CompactPayload{
		Agent:        c.name,
		TurnID:       t.id,
		OldContextID: oldID,
		Error:        err.Error(),
	})
	c.metrics.Turn(c.name, "compact_failed")
	if status == StatusAborted {
		c.logger.Info("compaction interrupted", "turn_id", t.id, "reason", err)
	} else {
		c.logger.Warn("compaction failed", "turn_id", t.id, "error", err)
	}

	return &Result{Status: status, Agent: c.name, TurnID: t.id, ContextID: oldID, Error: err.Error()}
}

func renderSeed(template, summary string) string {
	if strings.Contains(template, summaryPlaceholder) {
		return strings.ReplaceAll(template, summaryPlaceholder, summary)
	}
	return template + "\n\n" + summary
}
