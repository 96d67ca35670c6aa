package workflow

import "fmt"

// Stage is the closed set of generation steps. Every dispatched task and every
// lifecycle event carries exactly one Stage.
type Stage string

const (
	StagePersona             Stage = "persona"
	StageCompetitorDetection Stage = "competitor_detection"
	StageCompetitorAnalysis  Stage = "competitor_analysis"
	StageStrategy            Stage = "strategy"
	StageAssets              Stage = "assets"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StagePersona,
	StageCompetitorDetection,
	StageCompetitorAnalysis,
	StageStrategy,
	StageAssets,
}

// ParseStage validates a stage tag.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if _, ok := stageTable[s]; !ok {
		return "", fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}

// StageSpec describes how a stage moves the project status.
type StageSpec struct {
	Stage Stage
	// InProgress is the marker set while the stage runs.
	InProgress Status
	// Completes is the status reached when the stage result is persisted.
	// Empty when the stage hands over to a chained successor instead.
	Completes Status
	// DispatchFrom lists the statuses a user may start the stage from.
	DispatchFrom []Status
	// RevertTo is the default status restored when the stage fails.
	RevertTo Status
	// Next is the stage dispatched automatically on completion, if any.
	Next Stage
}

var stageTable = map[Stage]StageSpec{
	StagePersona: {
		Stage:        StagePersona,
		InProgress:   PersonaInProgress,
		Completes:    PersonaGenerated,
		DispatchFrom: []Status{Draft, Enriched},
		RevertTo:     Draft,
	},
	StageCompetitorDetection: {
		Stage:        StageCompetitorDetection,
		InProgress:   CompetitorInProgress,
		Completes:    CompetitorDetected,
		DispatchFrom: []Status{PersonaGenerated, CompetitorDetected, CompetitorValidated},
		RevertTo:     PersonaGenerated,
	},
	StageCompetitorAnalysis: {
		Stage:        StageCompetitorAnalysis,
		InProgress:   StrategyInProgress,
		DispatchFrom: []Status{CompetitorValidated},
		RevertTo:     PersonaGenerated,
		Next:         StageStrategy,
	},
	StageStrategy: {
		Stage:        StageStrategy,
		InProgress:   StrategyInProgress,
		Completes:    StrategyGenerated,
		DispatchFrom: []Status{PersonaGenerated, CompetitorValidated, StrategyGenerated},
		RevertTo:     PersonaGenerated,
	},
	StageAssets: {
		Stage:        StageAssets,
		InProgress:   AssetsInProgress,
		Completes:    AssetsGenerated,
		DispatchFrom: []Status{StrategyGenerated, AssetsGenerated},
		RevertTo:     StrategyGenerated,
	},
}

// Lookup returns the spec of a stage.
func Lookup(s Stage) (StageSpec, bool) {
	spec, ok := stageTable[s]
	return spec, ok
}

// MustLookup is Lookup for stages known at compile time.
func MustLookup(s Stage) StageSpec {
	spec, ok := stageTable[s]
	if !ok {
		panic(fmt.Sprintf("workflow: unknown stage %q", s))
	}
	return spec
}

// CanDispatchFrom reports whether the stage may be started while the project is in status.
func (s StageSpec) CanDispatchFrom(status Status) bool {
	for _, from := range s.DispatchFrom {
		if from == status {
			return true
		}
	}
	return false
}

// RevertTarget picks the status to restore on failure. prior is the status the
// project had when the stage was dispatched; it wins when it is a legal reversion edge.
func (s StageSpec) RevertTarget(prior Status) Status {
	if prior != "" && IsReversion(s.InProgress, prior) {
		return prior
	}
	return s.RevertTo
}
