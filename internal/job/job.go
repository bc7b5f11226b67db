package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/dockgen/dockgen/internal/lint"
	"github.com/dockgen/dockgen/internal/repoctx"
)

type State string

const (
	StatePending  State = "pending"
	StateBuilding State = "building"
	StateSuccess  State = "success"
	StateError    State = "error"
)

// Record is one generation: a submitted recipe and what became of it.
type Record struct {
	ID      string `json:"id"`
	BuildID string `json:"buildId"`

	TechStack   []string     `json:"techStack,omitempty"`
	Recipe      string       `json:"recipe"`
	RepoContext *repoctx.Raw `json:"repoContext,omitempty"`

	State   State   `json:"state"`
	Phase   string  `json:"phase,omitempty"`
	Message string  `json:"message,omitempty"`
	Events  []Event `json:"events,omitempty"`

	CurrentStep string     `json:"currentStep,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeatAt,omitempty"`

	EffectiveRecipe string       `json:"effectiveRecipe,omitempty"`
	UsedFallback    bool         `json:"usedFallback"`
	Validation      *lint.Result `json:"validation,omitempty"`
	ImageReference  string       `json:"imageReference,omitempty"`
	Error           string       `json:"error,omitempty"`
	FailureKind     string       `json:"failureKind,omitempty"`
	FailureCause    string       `json:"failureCause,omitempty"`
	WorkspaceDir    string       `json:"workspaceDir,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func New(id, buildID, recipe string, raw *repoctx.Raw, now time.Time) *Record {
	rec := &Record{
		ID:          id,
		BuildID:     buildID,
		Recipe:      recipe,
		RepoContext: raw,
		State:       StatePending,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	if raw != nil {
		rec.TechStack = append([]string(nil), raw.TechStack...)
	}
	return rec
}

func (r *Record) Transition(next State, now time.Time, message string) error {
	if !isValidTransition(r.State, next) {
		return fmt.Errorf("invalid transition %s -> %s", r.State, next)
	}
	n := now.UTC()
	r.State = next
	r.UpdatedAt = n
	r.Message = message
	if next == StateBuilding {
		r.StartedAt = &n
		r.FinishedAt = nil
		r.Error = ""
		r.HeartbeatAt = &n
	}
	if next == StateSuccess || next == StateError {
		r.FinishedAt = &n
		r.HeartbeatAt = &n
	}
	return nil
}

// SetPhase records an orchestrator state change while building.
func (r *Record) SetPhase(phase string, now time.Time) {
	n := now.UTC()
	r.Phase = phase
	r.UpdatedAt = n
	r.Events = append(r.Events, Event{Phase: phase, At: n})
}

func (r *Record) MarkFailed(now time.Time, err error, kind string) error {
	if err == nil {
		err = errors.New("build failed")
	}
	if r.State != StateBuilding && r.State != StatePending {
		return fmt.Errorf("invalid state for failure: %s", r.State)
	}
	if trErr := r.Transition(StateError, now, "build failed"); trErr != nil {
		return trErr
	}
	r.Error = err.Error()
	r.FailureKind = kind
	r.ImageReference = ""
	return nil
}

func (r *Record) MarkSucceeded(now time.Time, image string) error {
	if r.State != StateBuilding {
		return fmt.Errorf("invalid state for success: %s", r.State)
	}
	if image == "" {
		return errors.New("image reference is required")
	}
	if err := r.Transition(StateSuccess, now, "build succeeded"); err != nil {
		return err
	}
	r.Error = ""
	r.FailureKind = ""
	r.ImageReference = image
	return nil
}

// Requeue resets a record interrupted mid-build back to pending.
func (r *Record) Requeue(now time.Time, message string) {
	r.State = StatePending
	r.UpdatedAt = now.UTC()
	r.Message = message
	r.Phase = ""
	r.Error = ""
	r.StartedAt = nil
	r.FinishedAt = nil
	r.CurrentStep = ""
	r.HeartbeatAt = nil
}

func (r *Record) Terminal() bool {
	return r.State == StateSuccess || r.State == StateError
}

func isValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StatePending:
		return to == StateBuilding || to == StateError
	case StateBuilding:
		return to == StateSuccess || to == StateError
	default:
		return false
	}
}
