package queue

import (
	"context"
	"errors"
)

// Sentinel errors. PreconditionViolated is never returned directly — a
// Store operation guarded by a precondition instead returns a zero value
// (nil/false) and no error, per spec §4.2 and §7.
var (
	// ErrNotConnected names the not-connected condition for callers. The
	// Redis-backed Store does not return it: an operation against a store
	// session that is not live fails with the client's own wrapped error.
	ErrNotConnected = errors.New("queue: not connected to store")
)

// Stats is the aggregate counters returned alongside a QueueState snapshot.
type Stats struct {
	TotalPending        int `json:"totalPending"`
	TotalRunning        int `json:"totalRunning"`
	TotalFailed         int `json:"totalFailed"`
	TotalCompletedToday int `json:"totalCompletedToday"`
}

// QueueState is the point-in-time snapshot produced by GetState, used both
// to bootstrap a new WebSocket session and to answer a client "refresh".
type QueueState struct {
	Pending []*WorkItem `json:"pending"`
	Running []*WorkItem `json:"running"`
	Failed  []*WorkItem `json:"failed"`
	History []*WorkItem `json:"history"`
	Stats   Stats       `json:"stats"`
}

// CleanupStats is the breakdown returned by CleanupStale.
type CleanupStats struct {
	OrphanPendingRemoved  int `json:"orphanPendingRemoved"`
	TimedOutFailed        int `json:"timedOutFailed"`
	InvalidPendingRemoved int `json:"invalidPendingRemoved"`
	OrphanRunningRemoved  int `json:"orphanRunningRemoved"`
}

// ClearStats is the breakdown returned by ClearAll.
type ClearStats struct {
	PendingRemoved int `json:"pendingRemoved"`
	RunningRemoved int `json:"runningRemoved"`
	FailedRemoved  int `json:"failedRemoved"`
	HistoryRemoved int `json:"historyRemoved"`
	ItemsDeleted   int `json:"itemsDeleted"`
}

// Subscriber receives every Event a Store emits, whether produced locally
// or forwarded from a peer instance by the bus listener. Implementations
// must not block for long; Store dispatch is synchronous per subscriber.
type Subscriber func(Event)

// Store is the persistence and mutation interface for the work-item queue.
// All methods are context-aware; a transient store I/O error propagates to
// the caller unwrapped beyond fmt.Errorf("...: %w", err) framing.
type Store interface {
	// Enqueue creates a new Pending item at the head of the pending
	// ordering and emits ActionAdded.
	Enqueue(ctx context.Context, jobID, jobTitle, company, operation, processingTier string) (*WorkItem, error)

	// Dequeue removes and returns the tail of the pending ordering,
	// transitioning it to Running. Returns (nil, nil) when pending is
	// empty or the popped queueId is an orphan.
	Dequeue(ctx context.Context) (*WorkItem, error)

	// Complete transitions queueId to Completed (success=true) or Failed
	// (success=false, with error). Returns (nil, nil) if the item does not
	// exist.
	Complete(ctx context.Context, queueID string, success bool, errMsg string) (*WorkItem, error)

	// Fail is a convenience wrapper: Complete(queueID, false, errMsg).
	Fail(ctx context.Context, queueID string, errMsg string) (*WorkItem, error)

	// Retry moves a Failed item back to Pending at the immediate-next
	// dequeue position. Returns (nil, nil) if the item is not Failed.
	Retry(ctx context.Context, queueID string) (*WorkItem, error)

	// Cancel transitions a Pending item to Cancelled. Returns false if the
	// item is not Pending.
	Cancel(ctx context.Context, queueID string) (bool, error)

	// DismissFailed moves a Failed item into history without changing its
	// status. Returns false if the item is not Failed.
	DismissFailed(ctx context.Context, queueID string) (bool, error)

	// LinkRunID records runID on an existing item and emits ActionUpdated.
	// No-op if the item does not exist.
	LinkRunID(ctx context.Context, queueID, runID string) error

	// GetItem reads a single item by queueId. (nil, nil) if absent.
	GetItem(ctx context.Context, queueID string) (*WorkItem, error)

	// GetItemByJobID scans running, then pending, then failed (in that
	// order) for the first item whose JobID matches. (nil, nil) if none.
	GetItemByJobID(ctx context.Context, jobID string) (*WorkItem, error)

	// GetState produces a QueueState snapshot. pendingLimit bounds how
	// many pending entries (nearest the tail) are returned; items beyond
	// it have no computed Position.
	GetState(ctx context.Context, pendingLimit int) (*QueueState, error)

	// RestoreInterruptedRuns moves every running item back to Pending
	// (tail, same precedence as Retry), clearing StartedAt/RunID. Intended
	// to run once at startup, before any subscriber exists; emits no
	// events.
	RestoreInterruptedRuns(ctx context.Context) ([]*WorkItem, error)

	// CleanupStale repairs orphaned membership entries and times out
	// pending items older than maxAgeMinutes.
	CleanupStale(ctx context.Context, maxAgeMinutes int) (*CleanupStats, error)

	// ClearAll removes every membership structure and item hash. Admin
	// only; emits no per-item events.
	ClearAll(ctx context.Context) (*ClearStats, error)

	// Subscribe registers an in-process subscriber, invoked for every
	// locally-emitted event and every forwarded peer event whose
	// SourceInstance differs from this Store's own.
	Subscribe(sub Subscriber)

	// Listen runs the pub/sub listener in the calling goroutine, forwarding
	// peer events to local subscribers, until ctx is cancelled. Must be called
	// exactly once, after RestoreInterruptedRuns and before the gateway
	// begins serving clients; returns once the listener has exited.
	Listen(ctx context.Context) error

	// InstanceID is this Store's process-lifetime-unique source id.
	InstanceID() string

	// Close disconnects the store session.
	Close() error
}
