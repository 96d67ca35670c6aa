// Package notify republishes lifecycle events onto per-task topics for
// real-time clients. Delivery is best effort and at most once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"briefline/internal/lifecycle"
	"briefline/internal/workflow"
)

const topicPrefix = "tasks/"

// Envelope is the JSON message published on a task topic.
type Envelope struct {
	Type      lifecycle.Kind `json:"type"`
	TaskID    string         `json:"taskId"`
	Stage     workflow.Stage `json:"stageType"`
	Payload   any            `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// FromEvent builds the envelope of a lifecycle event.
func FromEvent(evt lifecycle.Event) Envelope {
	ts := evt.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	env := Envelope{
		Type:      evt.Kind,
		TaskID:    evt.TaskID,
		Stage:     evt.Stage,
		Timestamp: ts.UTC().Format(time.RFC3339),
	}
	switch evt.Kind {
	case lifecycle.Started:
		if evt.AgentID != "" {
			env.Payload = map[string]any{"agentId": evt.AgentID}
		}
	case lifecycle.Progress:
		if evt.Progress != nil {
			env.Payload = *evt.Progress
		}
	case lifecycle.Completed:
		env.Payload = evt.Result.Raw()
	case lifecycle.Failed:
		env.Error = evt.Error
		env.Payload = map[string]any{"isRecoverable": evt.Recoverable}
	}
	return env
}

// Topic names the channel of one task.
func Topic(taskID string) string { return topicPrefix + taskID }

// ErrInvalidTopic is returned for topics that do not name exactly one task.
var ErrInvalidTopic = errors.New("invalid topic")

// ParseTopic returns the task id of topic. Wildcards are rejected so a
// credential can never reach more than the tasks it names.
func ParseTopic(topic string) (string, error) {
	id, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if strings.ContainsAny(id, "*>#+/. \t\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return id, nil
}

// Subscription streams the raw messages of one topic.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Broker moves envelopes between the publisher and topic subscribers.
type Broker interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}
