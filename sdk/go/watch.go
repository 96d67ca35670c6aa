package briefsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope is one notification published on a task topic.
type Envelope struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"taskId"`
	Stage     string          `json:"stageType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// NextTaskID returns the chained task announced by a synthetic started
// envelope, if any.
func (e Envelope) NextTaskID() string {
	if e.Type != "started" || len(e.Payload) == 0 {
		return ""
	}
	var p struct {
		NextTaskID string `json:"nextTaskId"`
	}
	_ = json.Unmarshal(e.Payload, &p)
	return p.NextTaskID
}

// Terminal reports whether no further envelope follows for the task.
func (e Envelope) Terminal() bool { return e.Type == "completed" || e.Type == "failed" }

// WatchOptions configure Watch.
type WatchOptions struct {
	// Token is a topic token; one is minted when empty.
	Token string
	// SlowAfter fires OnSlow once if the task is still running. The backend
	// task is not cancelled.
	SlowAfter time.Duration
	OnSlow    func(taskID string)
	// OnEnvelope sees every envelope, terminal ones included.
	OnEnvelope func(Envelope)
}

var ErrStreamClosed = errors.New("topic stream closed")

// Watch streams the topic of taskID until a completed or failed envelope
// arrives, which it returns. Reconnection is left to the caller.
func (c *Client) Watch(ctx context.Context, taskID string, opts WatchOptions) (Envelope, error) {
	token := opts.Token
	if token == "" {
		tt, err := c.TopicToken(ctx, taskID)
		if err != nil {
			return Envelope{}, err
		}
		token = tt.Token
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.topicURL(taskID, token), nil)
	if err != nil {
		return Envelope{}, err
	}
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan Envelope)
	errc := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			select {
			case msgs <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	var slow <-chan time.Time
	if opts.SlowAfter > 0 && opts.OnSlow != nil {
		timer := time.NewTimer(opts.SlowAfter)
		defer timer.Stop()
		slow = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-slow:
			slow = nil
			opts.OnSlow(taskID)
		case env, ok := <-msgs:
			if !ok {
				select {
				case err := <-errc:
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return Envelope{}, ErrStreamClosed
					}
					return Envelope{}, err
				default:
					return Envelope{}, ErrStreamClosed
				}
			}
			if opts.OnEnvelope != nil {
				opts.OnEnvelope(env)
			}
			if env.TaskID == taskID && env.Terminal() {
				return env, nil
			}
		}
	}
}

func (c *Client) topicURL(taskID, token string) string {
	base := c.base()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/topics/tasks/" + url.PathEscape(taskID) + "?token=" + url.QueryEscape(token)
}
