package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type project struct{ status Status }

func (p *project) CurrentStatus() Status { return p.status }
func (p *project) SetStatus(s Status)    { p.status = s }

func TestTransitionGuardedByExpectedStatus(t *testing.T) {
	p := &project{status: PersonaInProgress}

	assert.False(t, Transition(p, Draft, PersonaInProgress), "wrong expected status must be a no-op")
	assert.Equal(t, PersonaInProgress, p.status)

	assert.True(t, Transition(p, PersonaInProgress, PersonaGenerated))
	assert.Equal(t, PersonaGenerated, p.status)

	// duplicate delivery of the same completion
	assert.False(t, Transition(p, PersonaInProgress, PersonaGenerated))
	assert.Equal(t, PersonaGenerated, p.status)
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	p := &project{status: Draft}
	assert.False(t, Transition(p, Draft, StrategyGenerated))
	assert.Equal(t, Draft, p.status)

	err := CheckTransition(Draft, AssetsGenerated)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.NoError(t, CheckTransition(CompetitorDetected, CompetitorValidated))
}

func TestReversionEdges(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StrategyInProgress, PersonaGenerated, true},
		{PersonaInProgress, Draft, true},
		{PersonaInProgress, Enriched, true},
		{CompetitorInProgress, PersonaGenerated, true},
		{AssetsInProgress, StrategyGenerated, true},
		{StrategyInProgress, StrategyGenerated, true},
		{AssetsInProgress, AssetsGenerated, true},
		{CompetitorInProgress, CompetitorValidated, true},
		{PersonaInProgress, PersonaGenerated, false},
		{StrategyGenerated, PersonaGenerated, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsReversion(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStageTableIsConsistent(t *testing.T) {
	for _, stage := range Stages {
		spec, ok := Lookup(stage)
		require.True(t, ok, stage)
		assert.True(t, spec.InProgress.InProgress(), "%s marker", stage)
		if spec.Completes != "" {
			assert.True(t, CanTransition(spec.InProgress, spec.Completes), "%s completion edge", stage)
		}
		assert.True(t, IsReversion(spec.InProgress, spec.RevertTo), "%s reversion edge", stage)
		for _, from := range spec.DispatchFrom {
			assert.True(t, CanTransition(from, spec.InProgress), "%s dispatch from %s", stage, from)
			assert.True(t, IsReversion(spec.InProgress, from), "%s reverts to %s", stage, from)
		}
	}
}

func TestRevertTargetPrefersPriorStatus(t *testing.T) {
	persona := MustLookup(StagePersona)
	assert.Equal(t, Enriched, persona.RevertTarget(Enriched))
	assert.Equal(t, Draft, persona.RevertTarget(""))
	assert.Equal(t, Draft, persona.RevertTarget(AssetsGenerated))

	cases := []struct {
		stage Stage
		prior Status
		want  Status
	}{
		{StageStrategy, PersonaGenerated, PersonaGenerated},
		{StageStrategy, CompetitorValidated, CompetitorValidated},
		{StageStrategy, StrategyGenerated, StrategyGenerated},
		{StageStrategy, "", PersonaGenerated},
		{StageCompetitorAnalysis, CompetitorValidated, CompetitorValidated},
		{StageCompetitorDetection, PersonaGenerated, PersonaGenerated},
		{StageCompetitorDetection, CompetitorDetected, CompetitorDetected},
		{StageCompetitorDetection, CompetitorValidated, CompetitorValidated},
		{StageAssets, StrategyGenerated, StrategyGenerated},
		{StageAssets, AssetsGenerated, AssetsGenerated},
		{StageAssets, Draft, StrategyGenerated},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MustLookup(tc.stage).RevertTarget(tc.prior), "%s dispatched from %q", tc.stage, tc.prior)
	}
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("competitor_analysis")
	require.NoError(t, err)
	assert.Equal(t, StageCompetitorAnalysis, s)

	_, err = ParseStage("strategy-ish")
	assert.Error(t, err)
}
