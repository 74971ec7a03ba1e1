package download

// State is the lifecycle state of a download task.
type State int

const (
	StatePending State = iota
	StateFindingPeers
	StateDownloading
	StatePaused
	StateReassembling
	StateCompleted
	StateCancelled
	StateFailed
)

var stateNames = map[State]string{
	StatePending:      "pending",
	StateFindingPeers: "finding_peers",
	StateDownloading:  "downloading",
	StatePaused:       "paused",
	StateReassembling: "reassembling",
	StateCompleted:    "completed",
	StateCancelled:    "cancelled",
	StateFailed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether a task in this state is finished for good.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}
