package orchestrator

import "fmt"

type State string

const (
	StateCreatingWorkspace State = "CREATING_WORKSPACE"
	StateValidating        State = "VALIDATING"
	StateSelectingFallback State = "SELECTING_FALLBACK"
	StateWritingArtifacts  State = "WRITING_ARTIFACTS"
	StateInvokingBuild     State = "INVOKING_BUILD"
	StateVerifying         State = "VERIFYING"
	StateCleaningUp        State = "CLEANING_UP"
	StateSucceeded         State = "SUCCEEDED"
	StateFailed            State = "FAILED"
)

// transitions lists the successors of every non-terminal state besides
// FAILED, which any of them may reach.
var transitions = map[State][]State{
	StateCreatingWorkspace: {StateValidating},
	StateValidating:        {StateWritingArtifacts, StateSelectingFallback},
	StateSelectingFallback: {StateWritingArtifacts},
	StateWritingArtifacts:  {StateInvokingBuild},
	StateInvokingBuild:     {StateVerifying},
	StateVerifying:         {StateCleaningUp},
	StateCleaningUp:        {StateSucceeded},
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func canTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !canTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	return nil
}
