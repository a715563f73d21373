package negotiation

type State string

const (
	StateIdle           State = "idle"
	StateOffering       State = "offering"
	StateAwaitingAnswer State = "awaiting-answer"
	StateOffered        State = "offered"
	StateAnswering      State = "answering"
	StateConnected      State = "connected"
	StateRestarting     State = "restarting"
	StateFailed         State = "failed"
)

// Active reports whether a session exists in this state.
func (s State) Active() bool {
	return s != StateIdle && s != ""
}

// Status is published on every state change.
type Status struct {
	State       State
	PeerAddress string
	// Connecting is true between sending or applying the final description
	// and the transport reporting connectivity.
	Connecting bool
	Err        error
}
