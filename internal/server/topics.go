package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"briefline/internal/notify"
)

const topicWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerTopics mounts the task topic stream. The route sits outside the
// API base path because browsers cannot set headers on a websocket
// handshake; the topic token travels in the query string instead.
func registerTopics(r chi.Router, cfg Config) {
	r.Get("/topics/tasks/{task_id}", func(w http.ResponseWriter, req *http.Request) {
		serveTopic(w, req, cfg)
	})
}

func serveTopic(w http.ResponseWriter, req *http.Request, cfg Config) {
	if cfg.Broker == nil {
		respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "", "notifications disabled", nil))
		return
	}
	topic := notify.Topic(chi.URLParam(req, "task_id"))
	if _, err := notify.ParseTopic(topic); err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "invalid_topic", err.Error(), nil))
		return
	}
	token := strings.TrimSpace(req.URL.Query().Get("token"))
	if token == "" {
		token, _ = bearerToken(req.Header.Get("Authorization"))
	}
	if token == "" {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		return
	}
	claims, err := cfg.Signer.Parse(token)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
		return
	}
	if !claims.CanRead(topic) {
		respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", "token not valid for topic", map[string]any{"topic": topic}))
		return
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	sub, err := cfg.Broker.Subscribe(ctx, topic)
	if err != nil {
		cfg.logger().ErrorContext(ctx, "topic subscribe failed", "topic", topic, "error", err)
		respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "", "subscription unavailable", nil))
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		cfg.logger().WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Inbound frames are ignored; reading surfaces the client's close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "topic closed"), time.Now().Add(topicWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(topicWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
