// ABOUTME: HTTP client for the coven-voice API used by the terminal client
// ABOUTME: Parses the SSE event stream and wraps the JSON endpoints

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/coven-voice/internal/gateway"
	"github.com/2389/coven-voice/internal/turn"
)

type client struct {
	server string
	http   *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) agents(ctx context.Context) ([]turn.Snapshot, error) {
	var body struct {
		Agents []turn.Snapshot `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &body)
	return body.Agents, err
}

func (c *client) agentAction(ctx context.Context, agent, action, text string) (*turn.Result, error) {
	var body any
	if action == "prompt" {
		body = gateway.PromptRequest{Text: text}
	}
	var res turn.Result
	if err := c.do(ctx, http.MethodPost, "/api/agents/"+agent+"/"+action, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *client) session(ctx context.Context, action string) (*gateway.SessionResponse, error) {
	method := http.MethodGet
	switch action {
	case "open":
		method = http.MethodPost
	case "close":
		if err := c.do(ctx, http.MethodDelete, "/api/session", nil, nil); err != nil {
			return nil, err
		}
	}
	var info gateway.SessionResponse
	if err := c.do(ctx, method, "/api/session", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *client) setVerbose(ctx context.Context, on bool) error {
	return c.do(ctx, http.MethodPut, "/api/verbose", gateway.VerboseRequest{Verbose: on}, nil)
}

func (c *client) transcripts(ctx context.Context, limit int) ([]gateway.TranscriptResponse, error) {
	var body struct {
		Transcripts []gateway.TranscriptResponse `json:"transcripts"`
	}
	err := c.do(ctx, http.MethodGet, "/api/transcripts?limit="+strconv.Itoa(limit), nil, &body)
	return body.Transcripts, err
}

// streamEvents subscribes to /api/events and calls handle for each event
// until the stream ends or ctx is cancelled.
func (c *client) streamEvents(ctx context.Context, handle func(eventType string, data []byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/api/events", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseSSE(resp.Body, handle)
}

// parseSSE reads SSE frames from r. Comment lines are skipped; multiple
// data lines in one frame are joined with newlines.
func parseSSE(r io.Reader, handle func(eventType string, data []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(dataLines) > 0 {
				if eventType == "" {
					eventType = "message"
				}
				handle(eventType, []byte(strings.Join(dataLines, "\n")))
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
