package domain

import "briefline/internal/workflow"

type Project struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Sector       string          `json:"sector,omitempty"`
	OwnerID      int64           `json:"owner_id"`
	BriefJSON    string          `json:"brief_json,omitempty"`
	Status       workflow.Status `json:"status" enum:"draft,enriched,persona_in_progress,persona_generated,competitor_in_progress,competitor_detected,competitor_validated,strategy_in_progress,strategy_generated,assets_in_progress,assets_generated"`
	ActiveTaskID string          `json:"active_task_id,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

func (p *Project) CurrentStatus() workflow.Status { return p.Status }

func (p *Project) SetStatus(s workflow.Status) { p.Status = s }

const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task is the audit record of one dispatched unit of work. Rows are never deleted.
type Task struct {
	UUID          string         `json:"uuid"`
	Stage         workflow.Stage `json:"stage"`
	AgentID       string         `json:"agent_id"`
	ArgumentsJSON string         `json:"arguments_json"`
	ContextJSON   string         `json:"context_json"`
	ProjectID     int64          `json:"project_id,omitempty"`
	Status        string         `json:"status" enum:"pending,processing,completed,failed"`
	ResultJSON    *string        `json:"result_json,omitempty"`
	TokensInput   int64          `json:"tokens_input"`
	TokensOutput  int64          `json:"tokens_output"`
	TokensTotal   int64          `json:"tokens_total"`
	Cost          float64        `json:"cost"`
	DurationMs    int64          `json:"duration_ms"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	ErrorTrace    *string        `json:"error_trace,omitempty"`
	ChainedFrom   *string        `json:"chained_from,omitempty"`
	StartedAt     *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string        `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type Persona struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Name        string `json:"name"`
	Age         int    `json:"age,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Job         string `json:"job,omitempty"`
	Description string `json:"description,omitempty"`
	Goals       string `json:"goals,omitempty"`
	PainPoints  string `json:"pain_points,omitempty"`
	Channels    string `json:"channels,omitempty"`
	RawJSON     string `json:"raw_json"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Competitor struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Name        string `json:"name"`
	Website     string `json:"website,omitempty"`
	Description string `json:"description,omitempty"`
	Strengths   string `json:"strengths,omitempty"`
	Weaknesses  string `json:"weaknesses,omitempty"`
	Positioning string `json:"positioning,omitempty"`
	Selected    bool   `json:"selected"`
	RawJSON     string `json:"raw_json"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type CompetitorAnalysis struct {
	ID            int64  `json:"id"`
	ProjectID     int64  `json:"project_id"`
	Competitor    string `json:"competitor,omitempty"`
	Summary       string `json:"summary,omitempty"`
	Strengths     string `json:"strengths,omitempty"`
	Weaknesses    string `json:"weaknesses,omitempty"`
	Opportunities string `json:"opportunities,omitempty"`
	Threats       string `json:"threats,omitempty"`
	RawJSON       string `json:"raw_json"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Strategy struct {
	ID               int64  `json:"id"`
	ProjectID        int64  `json:"project_id"`
	Positioning      string `json:"positioning,omitempty"`
	ValueProposition string `json:"value_proposition,omitempty"`
	KeyMessages      string `json:"key_messages,omitempty"`
	Channels         string `json:"channels,omitempty"`
	Tone             string `json:"tone,omitempty"`
	RawJSON          string `json:"raw_json"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type Asset struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Kind      string `json:"kind"`
	Title     string `json:"title,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Content   string `json:"content,omitempty"`
	RawJSON   string `json:"raw_json"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StatusReport answers the client's fallback poll.
type StatusReport struct {
	ProjectID           int64           `json:"projectId"`
	Status              workflow.Status `json:"status"`
	HasPersonas         bool            `json:"hasPersonas"`
	HasCompetitors      bool            `json:"hasCompetitors"`
	SelectedCompetitors int             `json:"selectedCompetitors"`
	HasAnalysis         bool            `json:"hasAnalysis"`
	HasStrategy         bool            `json:"hasStrategy"`
	HasAssets           bool            `json:"hasAssets"`
	ActiveTaskID        string          `json:"activeTaskId,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
