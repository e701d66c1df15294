// Package queue defines the persistent work-item domain model: the
// WorkItem state machine, its flat-hash wire codec, and the Store
// interface that all backing drivers implement.
package queue

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of a WorkItem.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// WorkItem is the sole persistent entity. A queueId is generated at enqueue
// and never reused; jobId is the producer's external identifier and is not
// unique (a job may be retried, leaving historical rows behind).
type WorkItem struct {
	QueueID        string
	JobID          string
	JobTitle       string
	Company        string
	Operation      string
	ProcessingTier string
	Status         Status
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          string
	RunID          string
	Position       int // derived; 0 when not in the pending ordering
}

// hash field names, fixed by the wire contract.
const (
	fieldJobID          = "job_id"
	fieldJobTitle       = "job_title"
	fieldCompany        = "company"
	fieldStatus         = "status"
	fieldOperation      = "operation"
	fieldProcessingTier = "processing_tier"
	fieldCreatedAt      = "created_at"
	fieldStartedAt      = "started_at"
	fieldCompletedAt    = "completed_at"
	fieldError          = "error"
	fieldRunID          = "run_id"
	fieldPosition       = "position"
)

// ToHash serialises the item into the flat {string:string} mapping stored
// in the queue:item:{queueId} hash. Absent optionals become "".
func (w *WorkItem) ToHash() map[string]string {
	return map[string]string{
		fieldJobID:          w.JobID,
		fieldJobTitle:       w.JobTitle,
		fieldCompany:        w.Company,
		fieldStatus:         string(w.Status),
		fieldOperation:      w.Operation,
		fieldProcessingTier: w.ProcessingTier,
		fieldCreatedAt:      formatTime(&w.CreatedAt),
		fieldStartedAt:      formatTime(w.StartedAt),
		fieldCompletedAt:    formatTime(w.CompletedAt),
		fieldError:          w.Error,
		fieldRunID:          w.RunID,
		fieldPosition:       formatInt(w.Position),
	}
}

// ItemFromHash deserialises a hash read back into a WorkItem. Parsing is
// total: malformed timestamps or ints deserialise to their zero value
// rather than failing the whole record. Unknown keys are ignored; missing
// ones take the documented defaults.
func ItemFromHash(queueID string, m map[string]string) *WorkItem {
	w := &WorkItem{
		QueueID:        queueID,
		JobID:          m[fieldJobID],
		JobTitle:       defaultString(m[fieldJobTitle], "Unknown"),
		Company:        defaultString(m[fieldCompany], "Unknown"),
		Operation:      m[fieldOperation],
		ProcessingTier: m[fieldProcessingTier],
		Status:         defaultStatus(m[fieldStatus]),
		Error:          m[fieldError],
		RunID:          m[fieldRunID],
		Position:       parseInt(m[fieldPosition]),
	}
	if t := parseTime(m[fieldCreatedAt]); t != nil {
		w.CreatedAt = *t
	}
	w.StartedAt = parseTime(m[fieldStartedAt])
	w.CompletedAt = parseTime(m[fieldCompletedAt])
	return w
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func defaultStatus(s string) Status {
	if s == "" {
		return StatusPending
	}
	return Status(s)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func formatInt(n int) string {
	return strconv.Itoa(n)
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
