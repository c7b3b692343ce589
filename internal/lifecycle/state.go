// Package lifecycle drives one watched folder through its indexing states:
// scan, task queue, bounded-concurrency processing, and incremental updates
// from the file watcher.
package lifecycle

import (
	"encoding/json"
	"fmt"
)

// State is a folder's position in the indexing lifecycle.
type State string

const (
	StatePending  State = "pending"
	StateScanning State = "scanning"
	StateReady    State = "ready"
	StateIndexing State = "indexing"
	StateActive   State = "active"
	StateError    State = "error"

	// StateDownloadingModel is a parallel sub-state of pending, shown while
	// the folder's embedding model is being fetched.
	StateDownloadingModel State = "downloading-model"
)

// validTransitions is the allowed edge set. downloading-model swaps with
// pending in both directions.
var validTransitions = map[State][]State{
	StatePending:          {StateScanning, StateDownloadingModel, StateError},
	StateDownloadingModel: {StatePending, StateError},
	StateScanning:         {StateReady, StateError},
	StateReady:            {StateIndexing, StateActive, StateError},
	StateIndexing:         {StateActive, StateError},
	StateActive:           {StateIndexing, StateError},
	StateError:            {StatePending},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EventKind labels lifecycle notifications.
type EventKind string

const (
	EventStateChange     EventKind = "stateChange"
	EventScanComplete    EventKind = "scanComplete"
	EventIndexComplete   EventKind = "indexComplete"
	EventChangesDetected EventKind = "changesDetected"
	EventError           EventKind = "error"

	// EventScanProgress reports per-sweep scan progress; EventProgress fires
	// on every consumed task during the index phase.
	EventScanProgress EventKind = "scanProgress"
	EventProgress     EventKind = "progress"
)

// Event is one lifecycle notification.
type Event struct {
	Kind       EventKind
	FolderPath string
	Prev, Next State
	Progress   Progress
	Scan       *ScanProgress
	Err        error
}

// Progress summarises the task queue. Percentage counts failed tasks as
// consumed, so a queue with failures still converges to 100.
type Progress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"inProgress"`
}

// Percentage returns queue consumption in [0,100].
func (p Progress) Percentage() int {
	if p.Total == 0 {
		return 100
	}
	return (p.Completed + p.Failed) * 100 / p.Total
}

// MarshalJSON includes the derived percentage so clients never recompute it.
func (p Progress) MarshalJSON() ([]byte, error) {
	type bare Progress
	return json.Marshal(struct {
		bare
		Percentage int `json:"percentage"`
	}{bare(p), p.Percentage()})
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d (%d failed)", p.Completed+p.Failed, p.Total, p.Failed)
}

// ScanPhase names the two scan sweeps on the wire.
type ScanPhase string

const (
	PhaseFolderToDB ScanPhase = "folder-to-db"
	PhaseDBToFolder ScanPhase = "db-to-folder"
)

// ScanProgress reports one sweep of the scan phase.
type ScanProgress struct {
	Phase     ScanPhase `json:"phase"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
}

// Percentage returns sweep completion in [0,100].
func (s ScanProgress) Percentage() int {
	if s.Total == 0 {
		return 100
	}
	return s.Processed * 100 / s.Total
}

// MarshalJSON includes the derived percentage, mirroring Progress.
func (s ScanProgress) MarshalJSON() ([]byte, error) {
	type bare ScanProgress
	return json.Marshal(struct {
		bare
		Percentage int `json:"percentage"`
	}{bare(s), s.Percentage()})
}
