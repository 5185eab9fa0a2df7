package orchestrator

// State is a step in an execution's lifecycle.
type State string

const (
	StateCreated            State = "created"
	StateValidatingInput    State = "validating_input"
	StateSettingUpWorkspace State = "setting_up_workspace"
	StateRunning            State = "running"
	StateCompleted          State = "completed"
	StateTimedOut           State = "timed_out"
	StateFailed             State = "failed"
	StateCleaningUp         State = "cleaning_up"
	StateDone               State = "done"
)

// Terminal reports whether s is one of the outcome states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// outcome is the metrics label for a terminal state.
func (s State) outcome() string {
	switch s {
	case StateCompleted:
		return "success"
	case StateTimedOut:
		return "timed_out"
	default:
		return "error"
	}
}
