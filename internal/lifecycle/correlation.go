package lifecycle

import (
	"encoding/json"
	"fmt"
	"strconv"

	"briefline/internal/workflow"
)

// Correlation identifies the project a task works for. It is built once at
// dispatch time, stored on the task, and echoed on every lifecycle event.
// Fields are unexported so consumers cannot mutate it in flight.
type Correlation struct {
	projectID   int64
	userID      int64
	stage       workflow.Stage
	revertTo    workflow.Status
	chainedFrom string
	extra       map[string]any
}

// CorrelationFields is the construction form of a Correlation.
type CorrelationFields struct {
	ProjectID   int64
	UserID      int64
	Stage       workflow.Stage
	RevertTo    workflow.Status
	ChainedFrom string
	Extra       map[string]any
}

// NewCorrelation copies f into an immutable Correlation.
func NewCorrelation(f CorrelationFields) Correlation {
	c := Correlation{
		projectID:   f.ProjectID,
		userID:      f.UserID,
		stage:       f.Stage,
		revertTo:    f.RevertTo,
		chainedFrom: f.ChainedFrom,
	}
	if len(f.Extra) > 0 {
		c.extra = make(map[string]any, len(f.Extra))
		for k, v := range f.Extra {
			if reservedKey(k) {
				continue
			}
			c.extra[k] = v
		}
	}
	return c
}

// ProjectID returns the correlated project, false when the context carries none.
func (c Correlation) ProjectID() (int64, bool) { return c.projectID, c.projectID > 0 }

// UserID returns the user who dispatched the task chain.
func (c Correlation) UserID() int64 { return c.userID }

// Stage returns the stage tag set at dispatch time.
func (c Correlation) Stage() workflow.Stage { return c.stage }

// RevertTo returns the project status recorded before the stage was dispatched.
func (c Correlation) RevertTo() workflow.Status { return c.revertTo }

// ChainedFrom returns the source task id when the task was dispatched by the chainer.
func (c Correlation) ChainedFrom() string { return c.chainedFrom }

// Extra returns a copy of the caller-supplied keys.
func (c Correlation) Extra() map[string]any {
	out := make(map[string]any, len(c.extra))
	for k, v := range c.extra {
		out[k] = v
	}
	return out
}

// Map renders the context as sent to agents.
func (c Correlation) Map() map[string]any {
	m := c.Extra()
	if c.projectID > 0 {
		m["projectId"] = c.projectID
	}
	if c.userID > 0 {
		m["userId"] = c.userID
	}
	if c.stage != "" {
		m["stageType"] = string(c.stage)
	}
	if c.revertTo != "" {
		m["revertTo"] = string(c.revertTo)
	}
	if c.chainedFrom != "" {
		m["chainedFrom"] = c.chainedFrom
	}
	return m
}

func (c Correlation) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

// UnmarshalJSON accepts whatever the agent echoed back. A missing or malformed
// projectId is not an error here; persisters decide what to do with it.
func (c *Correlation) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decode correlation: %w", err)
	}
	*c = CorrelationFromMap(m)
	return nil
}

// CorrelationFromMap reads the loosely typed map form.
func CorrelationFromMap(m map[string]any) Correlation {
	f := CorrelationFields{Extra: m}
	f.ProjectID, _ = IDFromAny(m["projectId"])
	f.UserID, _ = IDFromAny(m["userId"])
	if s, ok := m["stageType"].(string); ok {
		f.Stage = workflow.Stage(s)
	}
	if s, ok := m["revertTo"].(string); ok {
		f.RevertTo = workflow.Status(s)
	}
	if s, ok := m["chainedFrom"].(string); ok {
		f.ChainedFrom = s
	}
	return NewCorrelation(f)
}

func reservedKey(k string) bool {
	switch k {
	case "projectId", "userId", "stageType", "revertTo", "chainedFrom":
		return true
	}
	return false
}

// IDFromAny reads a positive integer id from a decoded JSON value.
func IDFromAny(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), t > 0
	case int64:
		return t, t > 0
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		return int64(t), t > 0
	case json.Number:
		n, err := t.Int64()
		return n, err == nil && n > 0
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil && n > 0
	}
	return 0, false
}
