package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"briefline/internal/domain"
	"briefline/internal/lifecycle"
	"briefline/internal/notify"
)

const defaultTopicTokenTTL = 15 * time.Minute

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "getTask",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		t, err := cfg.Engine.Task(ctx, input.TaskID, userID)
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "taskTopicToken",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/token",
		Summary:     "Mint a subscription token for a task topic",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TopicTokenResponse `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		if _, err := cfg.Engine.Task(ctx, input.TaskID, userID); err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		ttl := cfg.TopicTokenTTL
		if ttl <= 0 {
			ttl = defaultTopicTokenTTL
		}
		topic := notify.Topic(input.TaskID)
		// No roles: the token opens the topic stream and nothing else.
		token, exp, err := cfg.Signer.Sign(strconv.FormatInt(userID, 10), nil, []string{topic}, ttl)
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body TopicTokenResponse `json:"body"`
		}{Body: TopicTokenResponse{Token: token, Topic: topic, ExpiresAt: exp.UTC().Format(time.RFC3339)}}, nil
	})
}

// registerEvents exposes the agent callback. The body is the lifecycle wire
// form and is decoded by the lifecycle package, not by huma.
func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "reportTaskEvent",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/events",
		Summary:       "Report a task lifecycle event",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body AcceptedResponse `json:"body"`
	}, error) {
		if apiErr := requireAgent(ctx, input.TaskID); apiErr != nil {
			return nil, apiErr
		}
		evt, err := lifecycle.Decode(bodyBytes(ctx))
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		evt, err = cfg.Engine.BindAgentEvent(ctx, input.TaskID, evt)
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		if err := cfg.Sink.Enqueue(ctx, evt); err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body AcceptedResponse `json:"body"`
		}{Body: AcceptedResponse{Accepted: true, TaskID: evt.TaskID}}, nil
	})
}

func registerDevAuth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "devLogin",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a user token (development only)",
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		token, exp, err := cfg.Signer.SignUser(input.Body.UserID, 0)
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339)}}, nil
	})
}
