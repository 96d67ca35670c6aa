package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"briefline/internal/domain"
	"briefline/internal/engine"
	"briefline/internal/notify"
	"briefline/internal/repo"
	"briefline/internal/workflow"
)

func projectResponse(p domain.Project) ProjectResponse {
	out := ProjectResponse{Project: p}
	if strings.TrimSpace(p.BriefJSON) != "" {
		_ = json.Unmarshal([]byte(p.BriefJSON), &out.Brief)
	}
	return out
}

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "createProject",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body ProjectCreateRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		p, err := cfg.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
			Name:    input.Body.Name,
			Sector:  input.Body.Sector,
			Brief:   input.Body.Brief,
			OwnerID: userID,
		})
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listProjects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		projects, err := cfg.Engine.ListProjects(ctx, userID)
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		if projects == nil {
			projects = []domain.Project{}
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: ProjectListResponse{Projects: projects}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getProject",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		p, err := cfg.Engine.Project(ctx, input.ProjectID, userID)
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deleteProject",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct{}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		if err := cfg.Engine.DeleteProject(ctx, input.ProjectID, userID); err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patchBrief",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/brief",
		Summary:     "Enrich project brief",
	}, func(ctx context.Context, input *struct {
		ProjectID int64             `path:"project_id"`
		Body      BriefPatchRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		p, err := cfg.Engine.EnrichProject(ctx, engine.EnrichOptions{
			ProjectID: input.ProjectID,
			UserID:    userID,
			Name:      input.Body.Name,
			Sector:    input.Body.Sector,
			Brief:     input.Body.Brief,
		})
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "projectStatus",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Poll project status",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body domain.StatusReport `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		report, err := cfg.Engine.Status(ctx, input.ProjectID, userID)
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body domain.StatusReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "projectResults",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/results",
		Summary:     "Stage results",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body ResultsResponse `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		res, err := cfg.Engine.Results(ctx, input.ProjectID, userID)
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body ResultsResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "projectTasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List project tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `path:"project_id"`
		Stage     string `query:"stage"`
		Status    string `query:"status"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		tasks, err := cfg.Engine.ListTasks(ctx, userID, repo.TaskFilters{
			ProjectID: input.ProjectID,
			Stage:     workflow.Stage(input.Stage),
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "projectEvents",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Project audit log",
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `path:"project_id"`
		Type      string `query:"type"`
		Before    int64  `query:"before"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		evts, err := cfg.Engine.ListEvents(ctx, userID, repo.EventFilters{
			ProjectID: input.ProjectID,
			Type:      input.Type,
			Before:    input.Before,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: evts}}, nil
	})
}

func registerStages(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "startStage",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/stages/{stage}",
		Summary:       "Start a generation stage",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		ProjectID int64             `path:"project_id"`
		Stage     string            `path:"stage" enum:"persona,competitor_detection,competitor_analysis,strategy,assets"`
		Body      StageStartRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body StageStartResponse `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		started, err := cfg.Engine.StartStage(ctx, engine.StageStartOptions{
			ProjectID: input.ProjectID,
			UserID:    userID,
			Stage:     workflow.Stage(input.Stage),
			Brief:     input.Body.Brief,
			Extra:     input.Body.Extra,
		})
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body StageStartResponse `json:"body"`
		}{Body: StageStartResponse{TaskID: started.TaskID, Stage: started.Stage, Topic: notify.Topic(started.TaskID)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "selectCompetitors",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/competitors/selection",
		Summary:     "Validate competitor selection",
	}, func(ctx context.Context, input *struct {
		ProjectID int64                      `path:"project_id"`
		Body      CompetitorSelectionRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		userID, apiErr := userFromContext(ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		p, err := cfg.Engine.SelectCompetitors(ctx, input.ProjectID, userID, input.Body.CompetitorIDs)
		if err != nil {
			return nil, cfg.handleError(ctx, err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}
