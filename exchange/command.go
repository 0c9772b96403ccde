package exchange

import "time"

// ConflictResolution is the Orchestrator's decision for how a Node
// should reconcile a Conflict response during startup.
type ConflictResolution int

const (
	// KeepRep tells the Node to keep its own representation and discard
	// whatever it found on the foreign side.
	KeepRep ConflictResolution = iota
	// UpdateRep tells the Node to adopt the foreign representation,
	// overwriting its own.
	UpdateRep
)

func (r ConflictResolution) String() string {
	switch r {
	case KeepRep:
		return "keep"
	case UpdateRep:
		return "update"
	default:
		return "unknown"
	}
}

// CommandKind identifies which variant a Command carries.
type CommandKind int

const (
	// CmdStart asks a Node to connect to its foreign representation and
	// report whether it started clean or found a conflicting state.
	CmdStart CommandKind = iota
	// CmdStop asks a Node to release any resources held for the exchange.
	CmdStop
	// CmdChanged delivers a ModelDiff the Node should apply to its
	// foreign representation.
	CmdChanged
	// CmdDone notifies a Node that the Orchestrator has finished
	// translating into it for this step of the round. It is sent after
	// every translation into the Node, changed or not.
	CmdDone
	// CmdResolveConflict carries the Orchestrator's decision for a
	// Conflict reported during startup.
	CmdResolveConflict
)

// Command is sent from the Orchestrator to a Node's command channel.
type Command struct {
	Kind       CommandKind
	Diff       *ModelDiff         // set when Kind == CmdChanged
	Resolution ConflictResolution // set when Kind == CmdResolveConflict
}

// ResponseKind identifies which variant a Response carries.
type ResponseKind int

const (
	// RespStarted confirms a CmdStart with no conflict found.
	RespStarted ResponseKind = iota
	// RespConflict confirms a CmdStart but reports that the Node's local
	// representation and its foreign representation disagree; carries
	// the ModelDiff between them so the Orchestrator's ConflictResolver
	// can decide.
	RespConflict
	// RespStopped confirms a CmdStop.
	RespStopped
	// RespDone confirms a CmdChanged was applied; Duration records how
	// long the Node took to push it to its foreign representation.
	RespDone
	// RespConflictResolved confirms a CmdResolveConflict was applied.
	RespConflictResolved
	// RespError reports that handling the command failed. Always fatal:
	// the orchestrator passes Err to its configured FatalFunc.
	RespError
)

// Response is sent from a Node back to the Orchestrator.
type Response struct {
	Kind     ResponseKind
	Diff     *ModelDiff    // set when Kind == RespConflict
	Duration time.Duration // set when Kind == RespDone or RespConflictResolved
	Err      error         // set when Kind == RespError
}
