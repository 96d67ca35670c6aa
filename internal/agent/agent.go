// Package agent submits stage work to external generation agents.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"briefline/internal/workflow"
)

// Submission is the request sent to a generation agent. The agent later
// reports lifecycle events for TaskID, echoing Context unchanged.
type Submission struct {
	TaskID      string         `json:"task_id"`
	Stage       workflow.Stage `json:"stage"`
	AgentID     string         `json:"agent_id"`
	Brief       map[string]any `json:"brief"`
	Context     map[string]any `json:"context"`
	CallbackURL string         `json:"callback_url,omitempty"`

	// CallbackToken authorizes the agent to report events for TaskID only.
	CallbackToken string `json:"callback_token,omitempty"`
}

// Agent accepts work asynchronously. Submit returns once the agent has
// accepted the task, not when generation finishes.
type Agent interface {
	Submit(ctx context.Context, sub Submission) error
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, sub Submission) error

func (f Func) Submit(ctx context.Context, sub Submission) error { return f(ctx, sub) }

// RejectedError wraps a non-2xx agent response.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("agent rejected submission: status=%d body=%s", e.StatusCode, e.Body)
}

// HTTPAgent posts submissions as JSON to Endpoint.
type HTTPAgent struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (a *HTTPAgent) Submit(ctx context.Context, sub Submission) error {
	if a.HTTPClient == nil {
		timeout := a.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		a.HTTPClient = &http.Client{Timeout: timeout}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(sub); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(a.Endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RejectedError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Binding is the agent serving one stage.
type Binding struct {
	ID    string
	Agent Agent
}

// Registry maps each stage to its agent.
type Registry map[workflow.Stage]Binding

// Lookup returns the agent bound to stage.
func (r Registry) Lookup(stage workflow.Stage) (Binding, bool) {
	b, ok := r[stage]
	if !ok || b.Agent == nil {
		return Binding{}, false
	}
	return b, true
}
