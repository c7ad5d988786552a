package scheduler

import (
	"github.com/livinlefevreloca/storesync/internal/inbox"
	"github.com/livinlefevreloca/storesync/internal/scheduler/index"
)

// InboxMessage is the container for all messages sent to the scheduler
type InboxMessage struct {
	Type         MessageType
	Data         interface{}
	ResponseChan chan<- interface{} // Optional, for request/response pattern
}

// MessageType identifies the type of message being sent to the scheduler
type MessageType int

const (
	// From the API
	MsgRunAll MessageType = iota // Submit every active rule

	// State queries
	MsgGetStats // Request scheduler statistics

	// Control
	MsgShutdown // Shutdown the scheduler
)

// String returns a human-readable representation of the message type
func (m MessageType) String() string {
	switch m {
	case MsgRunAll:
		return "run_all"
	case MsgGetStats:
		return "get_stats"
	case MsgShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// RunAllResponse reports what a run-all request did with each active rule
type RunAllResponse struct {
	Dispatched []string `json:"dispatched"`
	Deferred   []string `json:"deferred"`
	Skipped    []string `json:"skipped"`
}

// SchedulerStats contains scheduler-specific statistics
type SchedulerStats struct {
	IndexSize       int           `json:"indexSize"`
	NextDue         *index.DueRun `json:"nextDue,omitempty"`
	Pending         int           `json:"pending"`
	Iterations      int64         `json:"iterations"`
	Dispatched      int64         `json:"dispatched"`
	Deferred        int64         `json:"deferred"`
	IndexBuildCount int64         `json:"indexBuildCount"`
}

// StatsResponse contains comprehensive scheduler statistics
type StatsResponse struct {
	SchedulerStats SchedulerStats `json:"scheduler"`
	InboxStats     inbox.Stats    `json:"inbox"`
}
