package alloc

// Event records one fraction state transition for the snapshot event log.
// Finite per tick; drained via an advancing cursor so each snapshot sees
// only new events.
type Event struct {
	Tick       int64
	FractionID string
	Workload   string
	Instance   string // "" for transitions before placement
	From       State
	To         State
}
