// Package lifecycle defines the task lifecycle events raised by generation
// agents, the correlation context they echo, and the ordered bus that delivers
// them to consumers.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"briefline/internal/workflow"
)

// Kind is the lifecycle event type.
type Kind string

const (
	Started   Kind = "Started"
	Progress  Kind = "Progress"
	Completed Kind = "Completed"
	Failed    Kind = "Failed"
)

// Kinds lists every lifecycle kind.
var Kinds = []Kind{Started, Progress, Completed, Failed}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case Started, Progress, Completed, Failed:
		return true
	}
	return false
}

// ProgressInfo is carried by Progress events.
type ProgressInfo struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
}

// Usage is the token and cost accounting reported by the agent.
type Usage struct {
	TokensInput  int64   `json:"tokensInput,omitempty"`
	TokensOutput int64   `json:"tokensOutput,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
	DurationMs   int64   `json:"durationMs,omitempty"`
}

// TokensTotal sums input and output tokens.
func (u Usage) TokensTotal() int64 { return u.TokensInput + u.TokensOutput }

// Event is one lifecycle transition of a task.
type Event struct {
	Kind        Kind           `json:"type"`
	TaskID      string         `json:"taskId"`
	Stage       workflow.Stage `json:"stageType"`
	AgentID     string         `json:"agentId,omitempty"`
	Correlation Correlation    `json:"context"`
	Result      Result         `json:"result,omitempty"`
	Progress    *ProgressInfo  `json:"progress,omitempty"`
	Error       string         `json:"error,omitempty"`
	Trace       string         `json:"trace,omitempty"`
	Recoverable bool           `json:"isRecoverable,omitempty"`
	Usage       Usage          `json:"usage,omitempty"`
	OccurredAt  time.Time      `json:"timestamp"`
}

// ErrMalformedEvent marks events that can never be processed, whatever the retry count.
var ErrMalformedEvent = errors.New("malformed lifecycle event")

// Validate checks the fields every consumer relies on.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Kind)
	}
	if e.TaskID == "" {
		return fmt.Errorf("%w: taskId required", ErrMalformedEvent)
	}
	if _, ok := workflow.Lookup(e.Stage); !ok {
		return fmt.Errorf("%w: unknown stageType %q", ErrMalformedEvent, e.Stage)
	}
	return nil
}

// Decode parses the wire form and validates it. The stage tag falls back to
// the correlation's stage when the agent omitted it.
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Stage == "" {
		evt.Stage = evt.Correlation.Stage()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// Encode renders the wire form.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Subject is the JetStream subject an event is queued on.
func Subject(evt Event) string {
	return fmt.Sprintf("lifecycle.%s.%s", evt.Stage, evt.Kind)
}
