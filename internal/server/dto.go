package server

import (
	"briefline/internal/domain"
	"briefline/internal/engine"
	"briefline/internal/workflow"
)

type ProjectCreateRequest struct {
	Name   string         `json:"name" minLength:"1"`
	Sector string         `json:"sector,omitempty"`
	Brief  map[string]any `json:"brief,omitempty"`
}

type ProjectResponse struct {
	Project domain.Project `json:"project"`
	Brief   map[string]any `json:"brief,omitempty"`
}

type ProjectListResponse struct {
	Projects []domain.Project `json:"projects"`
}

type BriefPatchRequest struct {
	Name   *string `json:"name,omitempty"`
	Sector *string `json:"sector,omitempty"`
	// Brief keys are merged; null removes a key.
	Brief map[string]any `json:"brief,omitempty"`
}

type StageStartRequest struct {
	Brief map[string]any `json:"brief,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

type StageStartResponse struct {
	TaskID string         `json:"taskId"`
	Stage  workflow.Stage `json:"stageType"`
	Topic  string         `json:"topic"`
}

type CompetitorSelectionRequest struct {
	CompetitorIDs []int64 `json:"competitorIds"`
}

type ResultsResponse = engine.Results

type TaskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}

type TopicTokenResponse struct {
	Token     string `json:"token"`
	Topic     string `json:"topic"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type DevLoginRequest struct {
	UserID int64 `json:"user_id" minimum:"1"`
}

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type AcceptedResponse struct {
	Accepted bool   `json:"accepted"`
	TaskID   string `json:"taskId"`
}
