// Package machine implements the pure session status reducer: a total,
// deterministic, referentially-transparent function from a machine state and
// an event to the next machine state. No I/O, no time, no locking — every
// side effect (timers, ledgers, audit lines, publication) lives one layer up
// in the registry.
package machine

import "encoding/json"

// State is the internal machine state of a session. needsApproval is
// internal-only: registry.PublishedStatus maps it to the published status
// waiting, with registry.HasPendingToolUse reporting the pending-tool flag.
type State int

const (
	Working State = iota
	Tasking
	NeedsApproval
	Waiting
	Review
	Idle
)

var stateNames = map[State]string{
	Working:       "working",
	Tasking:       "tasking",
	NeedsApproval: "needsApproval",
	Waiting:       "waiting",
	Review:        "review",
	Idle:          "idle",
}

var stateFromName = map[string]State{
	"working":       Working,
	"tasking":       Tasking,
	"needsApproval": NeedsApproval,
	"waiting":       Waiting,
	"review":        Review,
	"idle":          Idle,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// Event is one of the seven machine events the transition table reduces
// over. It is distinct from the hook-level event taxonomy in
// internal/registry — several hook events resolve to the same Event (or to
// none at all, for logging-only hooks), and PERMISSION_REQUEST only reaches
// here after the permission debounce timer fires.
type Event int

const (
	WORKING Event = iota
	STOP
	ENDED
	PERMISSION_REQUEST
	TASK_STARTED
	TASKS_DONE
	WORKTREE_DELETED
)

var eventNames = map[Event]string{
	WORKING:            "WORKING",
	STOP:               "STOP",
	ENDED:              "ENDED",
	PERMISSION_REQUEST: "PERMISSION_REQUEST",
	TASK_STARTED:       "TASK_STARTED",
	TASKS_DONE:         "TASKS_DONE",
	WORKTREE_DELETED:   "WORKTREE_DELETED",
}

func (e Event) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return "UNKNOWN"
}

// reviewOr returns the worktree-aware terminal-ish state shared by STOP
// and ENDED from working/tasking/needsApproval: review for worktree
// sessions (so their work stays reviewable), waiting/idle otherwise.
func reviewOr(isWorktree bool, notWorktree State) State {
	if isWorktree {
		return Review
	}
	return notWorktree
}

// Transition is the sole state-selection authority in the daemon: the §4.1
// table, reproduced exactly. It is total (every (state, event) pair is
// handled), deterministic, and depends only on its arguments.
func Transition(state State, event Event, isWorktree bool) State {
	switch state {
	case Working:
		switch event {
		case STOP:
			return reviewOr(isWorktree, Waiting)
		case ENDED:
			return reviewOr(isWorktree, Idle)
		case PERMISSION_REQUEST:
			return NeedsApproval
		case TASK_STARTED:
			return Tasking
		default:
			return Working
		}

	case Tasking:
		switch event {
		case STOP:
			return reviewOr(isWorktree, Waiting)
		case ENDED:
			return reviewOr(isWorktree, Idle)
		case PERMISSION_REQUEST:
			return NeedsApproval
		case TASKS_DONE:
			return Working
		default:
			return Tasking
		}

	case NeedsApproval:
		switch event {
		case WORKING:
			return Working
		case STOP:
			return reviewOr(isWorktree, Waiting)
		case ENDED:
			return reviewOr(isWorktree, Idle)
		default:
			return NeedsApproval
		}

	case Waiting:
		switch event {
		case WORKING:
			return Working
		case ENDED:
			return reviewOr(isWorktree, Idle)
		case PERMISSION_REQUEST:
			return NeedsApproval
		default:
			return Waiting
		}

	case Review:
		switch event {
		case WORKING:
			return Working
		case WORKTREE_DELETED:
			return Idle
		default:
			return Review
		}

	case Idle:
		switch event {
		case WORKING:
			return Working
		default:
			return Idle
		}
	}
	return state
}

// IsTerminalPause reports whether a state represents a paused session that
// only hook activity (not passive polling) should resume: review and idle.
func (s State) IsTerminalPause() bool {
	return s == Review || s == Idle
}
