// Package workflow holds the project state machine: statuses, stages and the
// guarded transition table. It performs no I/O.
package workflow

import (
	"errors"
	"fmt"
)

// Status is the lifecycle status of a project.
type Status string

const (
	Draft                Status = "draft"
	Enriched             Status = "enriched"
	PersonaInProgress    Status = "persona_in_progress"
	PersonaGenerated     Status = "persona_generated"
	CompetitorInProgress Status = "competitor_in_progress"
	CompetitorDetected   Status = "competitor_detected"
	CompetitorValidated  Status = "competitor_validated"
	StrategyInProgress   Status = "strategy_in_progress"
	StrategyGenerated    Status = "strategy_generated"
	AssetsInProgress     Status = "assets_in_progress"
	AssetsGenerated      Status = "assets_generated"
)

// Statuses lists every status in workflow order.
var Statuses = []Status{
	Draft, Enriched,
	PersonaInProgress, PersonaGenerated,
	CompetitorInProgress, CompetitorDetected, CompetitorValidated,
	StrategyInProgress, StrategyGenerated,
	AssetsInProgress, AssetsGenerated,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// InProgress reports whether s marks a running stage.
func (s Status) InProgress() bool {
	switch s {
	case PersonaInProgress, CompetitorInProgress, StrategyInProgress, AssetsInProgress:
		return true
	}
	return false
}

// ErrIllegalTransition is returned when a requested status change is not an edge of the table.
var ErrIllegalTransition = errors.New("illegal status transition")

// forwardEdges holds the user and completion moves.
var forwardEdges = map[Status][]Status{
	Draft:                {Enriched, PersonaInProgress},
	Enriched:             {PersonaInProgress},
	PersonaInProgress:    {PersonaGenerated},
	PersonaGenerated:     {CompetitorInProgress, StrategyInProgress},
	CompetitorInProgress: {CompetitorDetected},
	CompetitorDetected:   {CompetitorValidated, CompetitorInProgress},
	CompetitorValidated:  {CompetitorValidated, CompetitorInProgress, StrategyInProgress},
	StrategyInProgress:   {StrategyGenerated},
	StrategyGenerated:    {StrategyInProgress, AssetsInProgress},
	AssetsInProgress:     {AssetsGenerated},
	AssetsGenerated:      {AssetsInProgress},
}

// reversionEdges are only taken by failure recovery. Every in-progress marker
// may return to any status its stages are dispatched from.
var reversionEdges = map[Status][]Status{
	PersonaInProgress:    {Draft, Enriched},
	CompetitorInProgress: {PersonaGenerated, CompetitorDetected, CompetitorValidated},
	StrategyInProgress:   {PersonaGenerated, CompetitorValidated, StrategyGenerated},
	AssetsInProgress:     {StrategyGenerated, AssetsGenerated},
}

func hasEdge(table map[Status][]Status, from, to Status) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the table.
func CanTransition(from, to Status) bool {
	return hasEdge(forwardEdges, from, to) || hasEdge(reversionEdges, from, to)
}

// IsReversion reports whether from -> to is a recovery edge.
func IsReversion(from, to Status) bool {
	return hasEdge(reversionEdges, from, to)
}

// CheckTransition returns ErrIllegalTransition when from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w %s -> %s", ErrIllegalTransition, from, to)
}

// Subject is anything carrying a workflow status.
type Subject interface {
	CurrentStatus() Status
	SetStatus(Status)
}

// Transition moves s to next only when its current status equals expected and
// expected -> next is a legal edge. It returns false and leaves s untouched otherwise.
func Transition(s Subject, expected, next Status) bool {
	if s.CurrentStatus() != expected {
		return false
	}
	if !CanTransition(expected, next) {
		return false
	}
	s.SetStatus(next)
	return true
}
