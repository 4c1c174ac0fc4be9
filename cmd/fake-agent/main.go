// ABOUTME: Minimal fake agent CLI for local runs and end-to-end tests
// ABOUTME: Usage: fake-agent [-session-id ID | -resume ID] [-delay 50ms] [-fail] "prompt"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"
)

type contentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Name  string `json:"name,omitempty"`
	ID    string `json:"id,omitempty"`
	Input any    `json:"input,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type line struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Message   *message `json:"message,omitempty"`
	Result    string   `json:"result,omitempty"`
	IsError   bool     `json:"is_error,omitempty"`
}

func main() {
	sessionID := flag.String("session-id", "", "Start a new session with this ID")
	resume := flag.String("resume", "", "Resume an existing session")
	delay := flag.Duration("delay", 50*time.Millisecond, "Pause between emitted lines")
	fail := flag.Bool("fail", false, "Report the turn as failed")
	flag.Parse()

	prompt := strings.Join(flag.Args(), " ")
	id := *sessionID
	if id == "" {
		id = *resume
	}
	if id == "" {
		id = "fake-session"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, id, prompt, *delay, *fail); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, sessionID, prompt string, delay time.Duration, fail bool) error {
	enc := json.NewEncoder(os.Stdout)
	emit := func(l line) error {
		l.SessionID = sessionID
		if err := enc.Encode(l); err != nil {
			return fmt.Errorf("writing line: %w", err)
		}
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := emit(line{Type: "system", Subtype: "init"}); err != nil {
		return err
	}

	if strings.Contains(strings.ToLower(prompt), "tool") {
		if err := emit(line{Type: "assistant", Message: &message{
			Role:    "assistant",
			Content: []contentBlock{{Type: "tool_use", ID: "toolu_fake", Name: "Read", Input: map[string]string{"path": "README.md"}}},
		}}); err != nil {
			return err
		}
		if err := emit(line{Type: "user", Message: &message{
			Role:    "user",
			Content: []contentBlock{{Type: "tool_result", ID: "toolu_fake"}},
		}}); err != nil {
			return err
		}
	}

	reply := echoReply(prompt)
	if err := emit(line{Type: "assistant", Message: &message{
		Role:    "assistant",
		Content: []contentBlock{{Type: "text", Text: reply}},
	}}); err != nil {
		return err
	}

	if fail {
		return emit(line{Type: "result", Subtype: "error_during_execution", Result: "fake failure", IsError: true})
	}
	return emit(line{Type: "result", Subtype: "success", Result: reply})
}

func echoReply(input string) string {
	if strings.TrimSpace(input) == "" {
		return "I didn't receive a prompt."
	}
	return fmt.Sprintf("Echo: %s", input)
}
