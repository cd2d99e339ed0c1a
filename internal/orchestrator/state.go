package orchestrator

// State is a bot's lifecycle state.
type State string

const (
	StatePending   State = "Pending"
	StateStarting  State = "Starting"
	StateRunning   State = "Running"
	StateStopping  State = "Stopping"
	StateStopped   State = "Stopped"
	StateArchiving State = "Archiving"
	StateArchived  State = "Archived"
	StateFailed    State = "Failed"
)

// transitions lists the allowed next states. Failed is reachable from every
// state that is not terminal; Stopped only moves on when archival is asked for.
var transitions = map[State][]State{
	StatePending:   {StateStarting, StateFailed},
	StateStarting:  {StateRunning, StateStopping, StateFailed},
	StateRunning:   {StateStopping, StateFailed},
	StateStopping:  {StateStopped, StateFailed},
	StateStopped:   {StateArchiving},
	StateArchiving: {StateArchived, StateFailed},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the run is over. A terminal bot keeps its name
// reserved only as a tombstone; deploying the name again replaces it.
func (s State) Terminal() bool {
	switch s {
	case StateStopped, StateArchived, StateFailed:
		return true
	}
	return false
}

// Active reports whether a container may be running for this state.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateRunning, StateStopping:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// Reason explains why a transition happened.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonUserRequested   Reason = "UserRequested"
	ReasonStartupTimeout  Reason = "StartupTimeout"
	ReasonLivenessTimeout Reason = "LivenessTimeout"
	ReasonProcessExited   Reason = "ProcessExited"
	ReasonStartFailed     Reason = "StartFailed"
	ReasonArchiveFailed   Reason = "ArchiveFailed"
)
