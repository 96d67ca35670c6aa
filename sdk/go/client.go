package briefsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal Briefline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Sector       string `json:"sector,omitempty"`
	OwnerID      int64  `json:"owner_id"`
	Status       string `json:"status"`
	ActiveTaskID string `json:"active_task_id,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

type projectEnvelope struct {
	Project Project        `json:"project"`
	Brief   map[string]any `json:"brief,omitempty"`
}

// StatusReport is the fallback poll answer.
type StatusReport struct {
	ProjectID           int64  `json:"projectId"`
	Status              string `json:"status"`
	HasPersonas         bool   `json:"hasPersonas"`
	HasCompetitors      bool   `json:"hasCompetitors"`
	SelectedCompetitors int    `json:"selectedCompetitors"`
	HasAnalysis         bool   `json:"hasAnalysis"`
	HasStrategy         bool   `json:"hasStrategy"`
	HasAssets           bool   `json:"hasAssets"`
	ActiveTaskID        string `json:"activeTaskId,omitempty"`
}

// StageStart is returned when a stage has been dispatched.
type StageStart struct {
	TaskID string `json:"taskId"`
	Stage  string `json:"stageType"`
	Topic  string `json:"topic"`
}

// Task represents a dispatched unit of work (partial).
type Task struct {
	UUID         string  `json:"uuid"`
	Stage        string  `json:"stage"`
	AgentID      string  `json:"agent_id"`
	ProjectID    int64   `json:"project_id"`
	Status       string  `json:"status"`
	ResultJSON   *string `json:"result_json,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	TokensTotal  int64   `json:"tokens_total"`
	ChainedFrom  *string `json:"chained_from,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// TopicToken grants read access to one task topic.
type TopicToken struct {
	Token     string `json:"token"`
	Topic     string `json:"topic"`
	ExpiresAt string `json:"expires_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a user token on servers with dev login enabled and keeps it
// on the client.
func (c *Client) DevLogin(ctx context.Context, userID int64) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"user_id": userID}, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateProject creates a draft project.
func (c *Client) CreateProject(ctx context.Context, name, sector string, brief map[string]any) (Project, error) {
	body := map[string]any{
		"name":   name,
		"sector": sector,
		"brief":  brief,
	}
	var resp projectEnvelope
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp.Project, err
}

// EnrichProject merges brief fields; a nil value removes the key.
func (c *Client) EnrichProject(ctx context.Context, projectID int64, brief map[string]any) (Project, error) {
	var resp projectEnvelope
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("projects/%d/brief", projectID), map[string]any{"brief": brief}, &resp)
	return resp.Project, err
}

// StartStage dispatches stage and returns without waiting for the agent.
func (c *Client) StartStage(ctx context.Context, projectID int64, stage string, brief map[string]any) (StageStart, error) {
	body := map[string]any{}
	if brief != nil {
		body["brief"] = brief
	}
	var resp StageStart
	endpoint := fmt.Sprintf("projects/%d/stages/%s", projectID, url.PathEscape(stage))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SelectCompetitors validates the competitors to analyze.
func (c *Client) SelectCompetitors(ctx context.Context, projectID int64, ids []int64) (Project, error) {
	var resp projectEnvelope
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("projects/%d/competitors/selection", projectID), map[string]any{"competitorIds": ids}, &resp)
	return resp.Project, err
}

func (c *Client) Status(ctx context.Context, projectID int64) (StatusReport, error) {
	var resp StatusReport
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%d/status", projectID), nil, &resp)
	return resp, err
}

func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// TopicToken mints a subscription token for a task topic.
func (c *Client) TopicToken(ctx context.Context, taskID string) (TopicToken, error) {
	var resp TopicToken
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/token", nil, &resp)
	return resp, err
}

// ErrNotReady is returned by WaitFor when the condition never held.
var ErrNotReady = errors.New("condition not reached")

// WaitFor polls the status endpoint until cond holds, at most attempts times.
func (c *Client) WaitFor(ctx context.Context, projectID int64, attempts int, interval time.Duration, cond func(StatusReport) bool) (StatusReport, error) {
	if attempts < 1 {
		attempts = 1
	}
	var last StatusReport
	op := func() error {
		r, err := c.Status(ctx, projectID)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		last = r
		if !cond(r) {
			return ErrNotReady
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)), ctx)
	return last, backoff.Retry(op, b)
}

// WaitForStrategy confirms the strategy row is committed. The completion
// notification can arrive before the commit is visible.
func (c *Client) WaitForStrategy(ctx context.Context, projectID int64) (StatusReport, error) {
	return c.WaitFor(ctx, projectID, 30, time.Second, func(r StatusReport) bool { return r.HasStrategy })
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.apiBase() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiBase() string {
	base := c.base()
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
