package poller

import (
	"github.com/reginabarzilaygroup/ark/orthanc"
)

// State is a phase of the poll loop.
type State int32

const (
	StatePoll State = iota
	StateFetch
	StateProcess
	StatePersist
	StateAdvance
	StateSleep
)

func (s State) String() string {
	switch s {
	case StatePoll:
		return "POLL"
	case StateFetch:
		return "FETCH"
	case StateProcess:
		return "PROCESS"
	case StatePersist:
		return "PERSIST"
	case StateAdvance:
		return "ADVANCE"
	case StateSleep:
		return "SLEEP"
	}
	return "UNKNOWN"
}

// Outcome is what happened to one group.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// GroupResult is the outcome for one series reached through an event.
// Event-level failures (the archive could not list the resource) carry no
// SeriesInstanceUID.
type GroupResult struct {
	Event             orthanc.ChangeEvent
	StudyInstanceUID  string
	SeriesInstanceUID string
	Instances         int
	Outcome           Outcome
	ReportUID         string
	Err               error
}

// CycleReport summarizes one pass through the state machine.
type CycleReport struct {
	RunID    string
	Since    int64
	Last     int64
	Done     bool
	Events   int
	Advanced bool
	Groups   []GroupResult
}

// Count returns how many groups ended with o.
func (r *CycleReport) Count(o Outcome) int {
	n := 0
	for _, g := range r.Groups {
		if g.Outcome == o {
			n++
		}
	}
	return n
}
