package queue

import (
	"encoding/json"
	"time"
)

// Action classifies an Event. The set is fixed by the wire contract.
type Action string

const (
	ActionAdded     Action = "added"
	ActionStarted   Action = "started"
	ActionCompleted Action = "completed"
	ActionFailed    Action = "failed"
	ActionRetried   Action = "retried"
	ActionCancelled Action = "cancelled"
	ActionDismissed Action = "dismissed"
	ActionUpdated   Action = "updated"
)

// Event is emitted by every Store mutation that changes observable state.
// sourceInstance is the process-lifetime-unique id of the Store instance
// that produced it, used by the event bus to avoid delivering an
// instance's own events back to itself via the pub/sub round-trip.
type Event struct {
	Action         Action    `json:"action"`
	Item           *WorkItem `json:"item"`
	Timestamp      time.Time `json:"timestamp"`
	SourceInstance string    `json:"sourceInstance"`
}

// wireWorkItem is the JSON shape of a WorkItem on the queue:events channel
// and in WebSocket frames: every field present, optional values as null.
type wireWorkItem struct {
	QueueID        string     `json:"queueId"`
	JobID          string     `json:"jobId"`
	JobTitle       string     `json:"jobTitle"`
	Company        string     `json:"company"`
	Operation      string     `json:"operation"`
	ProcessingTier string     `json:"processingTier"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt"`
	Error          *string    `json:"error"`
	RunID          *string    `json:"runId"`
	Position       int        `json:"position"`
}

func toWire(w *WorkItem) *wireWorkItem {
	if w == nil {
		return nil
	}
	wire := &wireWorkItem{
		QueueID:        w.QueueID,
		JobID:          w.JobID,
		JobTitle:       w.JobTitle,
		Company:        w.Company,
		Operation:      w.Operation,
		ProcessingTier: w.ProcessingTier,
		Status:         w.Status,
		CreatedAt:      w.CreatedAt,
		StartedAt:      w.StartedAt,
		CompletedAt:    w.CompletedAt,
		Position:       w.Position,
	}
	if w.Error != "" {
		wire.Error = &w.Error
	}
	if w.RunID != "" {
		wire.RunID = &w.RunID
	}
	return wire
}

func fromWire(w *wireWorkItem) *WorkItem {
	if w == nil {
		return nil
	}
	item := &WorkItem{
		QueueID:        w.QueueID,
		JobID:          w.JobID,
		JobTitle:       w.JobTitle,
		Company:        w.Company,
		Operation:      w.Operation,
		ProcessingTier: w.ProcessingTier,
		Status:         w.Status,
		CreatedAt:      w.CreatedAt,
		StartedAt:      w.StartedAt,
		CompletedAt:    w.CompletedAt,
		Position:       w.Position,
	}
	if w.Error != nil {
		item.Error = *w.Error
	}
	if w.RunID != nil {
		item.RunID = *w.RunID
	}
	return item
}

// wireEvent is the JSON shape of an Event on the queue:events channel and
// in event WebSocket frames.
type wireEvent struct {
	Action         Action        `json:"action"`
	Item           *wireWorkItem `json:"item"`
	Timestamp      time.Time     `json:"timestamp"`
	SourceInstance string        `json:"sourceInstance"`
}

// MarshalJSON renders Event using the wire representation (null optionals,
// nested wire-shaped item) rather than Go's default struct tags.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Action:         e.Action,
		Item:           toWire(e.Item),
		Timestamp:      e.Timestamp,
		SourceInstance: e.SourceInstance,
	})
}

// UnmarshalJSON parses the wire representation back into an Event.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Action = w.Action
	e.Item = fromWire(w.Item)
	e.Timestamp = w.Timestamp
	e.SourceInstance = w.SourceInstance
	return nil
}
