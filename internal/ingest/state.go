package ingest

// State is a step of the ingestion state machine
type State string

const (
	StateValidating State = "validating"
	StateResolving  State = "resolving"
	StateDeriving   State = "deriving"
	StateIndexing   State = "indexing"
	StateDone       State = "done"
	StateError      State = "error"
)

// Terminal reports whether no further transition follows s
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// TransitionFunc is called on every state change of a request
type TransitionFunc func(observationID int, from, to State)
