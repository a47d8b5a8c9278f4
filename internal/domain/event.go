package domain

import "time"

type EventResult string

const (
	EventResultComplete EventResult = "COMPLETE"
	EventResultError    EventResult = "ERROR"
	EventResultFilter   EventResult = "FILTER"
)

// ActionEvent is a worker's completion report for one dispatched action.
type ActionEvent struct {
	Did          string      `json:"did"`
	Flow         string      `json:"flow"`
	ActionName   string      `json:"actionName"`
	Type         ActionType  `json:"actionType"`
	Result       EventResult `json:"result"`
	ErrorCause   string      `json:"errorCause,omitempty"`
	ErrorContext string      `json:"errorContext,omitempty"`
	Start        time.Time   `json:"start,omitempty"`
	Stop         time.Time   `json:"stop,omitempty"`
}

// ActionInput is an outbound dispatch message. For a collect dispatch,
// CollectedDids lists the joined parents and Did names the aggregate that
// carries the flow forward.
type ActionInput struct {
	Did           string     `json:"did"`
	Flow          string     `json:"flow"`
	ActionName    string     `json:"actionName"`
	Type          ActionType `json:"actionType"`
	Queued        time.Time  `json:"queued"`
	CollectedDids []string   `json:"collectedDids,omitempty"`
}

// QueueName is the per-action redis list workers consume from.
func (a ActionInput) QueueName() string {
	return a.ActionName
}

// Event is a DeltaFile lifecycle notification for the realtime feed.
type Event struct {
	Did       string    `json:"did"`
	Stage     Stage     `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}
