package evaluation

import "strings"

// CaseStatus is the administrative state of a CaseRecord.
type CaseStatus string

const (
	StatusInit      CaseStatus = "INIT"
	StatusStarting  CaseStatus = "STARTING"
	StatusStarted   CaseStatus = "STARTED"
	StatusPending   CaseStatus = "PENDING"
	StatusPausing   CaseStatus = "PAUSING"
	StatusPaused    CaseStatus = "PAUSED"
	StatusStopping  CaseStatus = "STOPPING"
	StatusFinished  CaseStatus = "FINISHED"
	StatusError     CaseStatus = "ERROR"
	StatusException CaseStatus = "EXCEPTION"
)

var allStatuses = []CaseStatus{
	StatusInit,
	StatusStarting,
	StatusStarted,
	StatusPending,
	StatusPausing,
	StatusPaused,
	StatusStopping,
	StatusFinished,
	StatusError,
	StatusException,
}

// legal edges of the case state machine, ERROR and EXCEPTION are handled
// separately since every non-terminal state may fall into them.
var statusEdges = map[CaseStatus][]CaseStatus{
	StatusInit:     {StatusStarting},
	StatusStarting: {StatusStarted},
	StatusStarted:  {StatusPending, StatusPausing, StatusStopping},
	StatusPending:  {StatusStarted},
	StatusPausing:  {StatusPaused},
	StatusPaused:   {StatusPausing, StatusStarting, StatusStopping},
	StatusStopping: {StatusFinished},
}

// ParseCaseStatus resolves a status name, case-insensitively.
func ParseCaseStatus(raw string) (CaseStatus, bool) {
	candidate := CaseStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range allStatuses {
		if s == candidate {
			return s, true
		}
	}
	return "", false
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []CaseStatus {
	out := make([]CaseStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s CaseStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition can leave s.
func (s CaseStatus) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusException:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the case state machine.
// Self transitions are accepted so repeated writes of the same status are harmless.
func CanTransition(from, to CaseStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusError || to == StatusException {
		return true
	}
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminalStatuses lists the statuses counted against capacity.
func NonTerminalStatuses() []CaseStatus {
	out := make([]CaseStatus, 0, len(allStatuses))
	for _, s := range allStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// TerminalStatuses lists FINISHED, ERROR and EXCEPTION.
func TerminalStatuses() []CaseStatus {
	return []CaseStatus{StatusFinished, StatusError, StatusException}
}
