// Package redis provides the Redis-backed queue.Store implementation: the
// durable work-item layout (pending list, running set, failed zset, capped
// history list, per-item hashes) plus the pub/sub event bus that fans every
// mutation out to local subscribers and peer instances.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/whisper-darkly/pipequeue/queue"
)

// Key layout, normative per the wire contract — reproduce bit-exact.
const (
	keyPending = "queue:pending"
	keyRunning = "queue:running"
	keyFailed  = "queue:failed"
	keyHistory = "queue:history"
	keyItemFmt = "queue:item:%s"

	defaultChannel   = "queue:events"
	defaultItemTTL   = 7 * 24 * time.Hour
	defaultHistory   = 100
	defaultFailedCap = 20
	defaultHistCap   = 20
)

// Config configures a Store. Zero-value fields take the documented
// defaults.
type Config struct {
	Client         *goredis.Client
	EventsChannel  string
	ItemTTL        time.Duration
	HistoryCap     int // cap applied to the history *list* (push+trim)
	FailedListCap  int // default listing size for GetState's Failed slice
	HistoryListCap int // default listing size for GetState's History slice
}

// Store implements queue.Store against a single Redis instance.
type Store struct {
	cli          *goredis.Client
	channel      string
	ttl          time.Duration
	histCap      int
	failCap      int
	stateHistCap int

	instanceID string

	mu   sync.Mutex
	subs []queue.Subscriber
}

// New wraps an already-configured go-redis client as a queue.Store.
func New(cfg Config) *Store {
	s := &Store{
		cli:          cfg.Client,
		channel:      cfg.EventsChannel,
		ttl:          cfg.ItemTTL,
		histCap:      cfg.HistoryCap,
		failCap:      cfg.FailedListCap,
		stateHistCap: cfg.HistoryListCap,
		instanceID:   newInstanceID(),
	}
	if s.channel == "" {
		s.channel = defaultChannel
	}
	if s.ttl == 0 {
		s.ttl = defaultItemTTL
	}
	if s.histCap == 0 {
		s.histCap = defaultHistory
	}
	if s.failCap == 0 {
		s.failCap = defaultFailedCap
	}
	if s.stateHistCap == 0 {
		s.stateHistCap = defaultHistCap
	}
	return s
}

func newInstanceID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unheard of on any real platform; fall
		// back to a timestamp-derived, unique-enough value rather than
		// panicking.
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (s *Store) InstanceID() string { return s.instanceID }

func (s *Store) Close() error { return s.cli.Close() }

func itemKey(queueID string) string { return fmt.Sprintf(keyItemFmt, queueID) }

// ---- hash read/write helpers ----

func (s *Store) readItem(ctx context.Context, queueID string) (*queue.WorkItem, error) {
	m, err := s.cli.HGetAll(ctx, itemKey(queueID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read item %s: %w", queueID, err)
	}
	if len(m) == 0 {
		return nil, nil // orphan or never existed
	}
	return queue.ItemFromHash(queueID, m), nil
}

func (s *Store) writeItem(ctx context.Context, item *queue.WorkItem) error {
	key := itemKey(item.QueueID)
	fields := item.ToHash()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe := s.cli.TxPipeline()
	pipe.HSet(ctx, key, args...)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: write item %s: %w", item.QueueID, err)
	}
	return nil
}

// ---- emission (C3 publish half) ----

func (s *Store) emit(ctx context.Context, action queue.Action, item *queue.WorkItem) {
	ev := queue.Event{
		Action:         action,
		Item:           item,
		Timestamp:      time.Now().UTC(),
		SourceInstance: s.instanceID,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Printf("queue: marshal event %s for %s: %v", action, item.QueueID, err)
	} else if err := s.cli.Publish(ctx, s.channel, raw).Err(); err != nil {
		// Publish failure does not fail the mutation; local subscribers
		// still run below. Peers may simply miss this event.
		log.Printf("queue: publish event %s for %s failed (local subscribers still notified): %v", action, item.QueueID, err)
	}
	s.dispatchLocal(ev)
}

func (s *Store) dispatchLocal(ev queue.Event) {
	s.mu.Lock()
	subs := make([]queue.Subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("queue: subscriber panic on %s event: %v", ev.Action, r)
				}
			}()
			sub(ev)
		}()
	}
}

func (s *Store) Subscribe(sub queue.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

// Listen subscribes to the events channel and forwards every message whose
// sourceInstance differs from this Store's own to local subscribers. It
// blocks until ctx is cancelled, at which point it closes the
// subscription and returns nil.
func (s *Store) Listen(ctx context.Context) error {
	pubsub := s.cli.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev queue.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("queue: malformed event on %s: %v", s.channel, err)
				continue
			}
			if ev.SourceInstance == s.instanceID {
				continue // loop avoidance: never re-deliver our own event
			}
			s.dispatchLocal(ev)
		}
	}
}

// ---- mutations ----

func (s *Store) Enqueue(ctx context.Context, jobID, jobTitle, company, operation, processingTier string) (*queue.WorkItem, error) {
	now := time.Now().UTC()
	item := &queue.WorkItem{
		QueueID:        uuid.NewString(),
		JobID:          jobID,
		JobTitle:       defaultIfEmpty(jobTitle, "Unknown"),
		Company:        defaultIfEmpty(company, "Unknown"),
		Operation:      operation,
		ProcessingTier: processingTier,
		Status:         queue.StatusPending,
		CreatedAt:      now,
	}
	if err := s.writeItem(ctx, item); err != nil {
		return nil, err
	}
	n, err := s.cli.LPush(ctx, keyPending, item.QueueID).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", item.QueueID, err)
	}
	item.Position = int(n)

	s.emit(ctx, queue.ActionAdded, item)
	return item, nil
}

func defaultIfEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (s *Store) Dequeue(ctx context.Context) (*queue.WorkItem, error) {
	queueID, err := s.cli.RPop(ctx, keyPending).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}

	item, err := s.readItem(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		// Orphan: membership entry with no backing hash. Not repaired
		// here — cleanupStale is the defined recovery path.
		return nil, nil
	}

	if err := s.cli.SAdd(ctx, keyRunning, queueID).Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: add running: %w", queueID, err)
	}

	now := time.Now().UTC()
	item.Status = queue.StatusRunning
	item.StartedAt = &now
	item.Position = 0
	if err := s.writeItem(ctx, item); err != nil {
		return nil, err
	}

	s.emit(ctx, queue.ActionStarted, item)
	return item, nil
}

func (s *Store) Complete(ctx context.Context, queueID string, success bool, errMsg string) (*queue.WorkItem, error) {
	item, err := s.readItem(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}

	// Best effort: membership may already be absent under concurrent
	// restore. Tolerated per spec.
	if err := s.cli.SRem(ctx, keyRunning, queueID).Err(); err != nil {
		log.Printf("queue: complete %s: remove from running: %v", queueID, err)
	}

	now := time.Now().UTC()
	item.CompletedAt = &now

	if success {
		item.Status = queue.StatusCompleted
		if err := s.pushHistory(ctx, queueID); err != nil {
			return nil, err
		}
		if err := s.writeItem(ctx, item); err != nil {
			return nil, err
		}
		s.emit(ctx, queue.ActionCompleted, item)
		return item, nil
	}

	item.Status = queue.StatusFailed
	item.Error = errMsg
	if err := s.cli.ZAdd(ctx, keyFailed, goredis.Z{Score: float64(now.Unix()), Member: queueID}).Err(); err != nil {
		return nil, fmt.Errorf("queue: complete %s: add to failed: %w", queueID, err)
	}
	if err := s.writeItem(ctx, item); err != nil {
		return nil, err
	}
	s.emit(ctx, queue.ActionFailed, item)
	return item, nil
}

func (s *Store) Fail(ctx context.Context, queueID string, errMsg string) (*queue.WorkItem, error) {
	return s.Complete(ctx, queueID, false, errMsg)
}

func (s *Store) pushHistory(ctx context.Context, queueID string) error {
	pipe := s.cli.TxPipeline()
	pipe.LPush(ctx, keyHistory, queueID)
	pipe.LTrim(ctx, keyHistory, 0, int64(s.histCap-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: push history %s: %w", queueID, err)
	}
	return nil
}

func (s *Store) Retry(ctx context.Context, queueID string) (*queue.WorkItem, error) {
	item, err := s.readItem(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if item == nil || item.Status != queue.StatusFailed {
		return nil, nil
	}

	if err := s.cli.ZRem(ctx, keyFailed, queueID).Err(); err != nil {
		return nil, fmt.Errorf("queue: retry %s: remove from failed: %w", queueID, err)
	}

	item.StartedAt = nil
	item.CompletedAt = nil
	item.Error = ""
	item.RunID = ""
	item.Status = queue.StatusPending
	item.Position = 1

	// Push to the tail (RPUSH): dequeue pops the tail (RPOP), so this item
	// is the immediate next dequeue. Asymmetric with Enqueue by design.
	if err := s.cli.RPush(ctx, keyPending, queueID).Err(); err != nil {
		return nil, fmt.Errorf("queue: retry %s: readmit to pending: %w", queueID, err)
	}
	if err := s.writeItem(ctx, item); err != nil {
		return nil, err
	}

	s.emit(ctx, queue.ActionRetried, item)
	return item, nil
}

func (s *Store) Cancel(ctx context.Context, queueID string) (bool, error) {
	item, err := s.readItem(ctx, queueID)
	if err != nil {
		return false, err
	}
	if item == nil || item.Status != queue.StatusPending {
		return false, nil
	}

	if err := s.cli.LRem(ctx, keyPending, 0, queueID).Err(); err != nil {
		return false, fmt.Errorf("queue: cancel %s: remove from pending: %w", queueID, err)
	}

	now := time.Now().UTC()
	item.Status = queue.StatusCancelled
	item.CompletedAt = &now
	item.Position = 0
	if err := s.writeItem(ctx, item); err != nil {
		return false, err
	}

	s.emit(ctx, queue.ActionCancelled, item)
	return true, nil
}

func (s *Store) DismissFailed(ctx context.Context, queueID string) (bool, error) {
	item, err := s.readItem(ctx, queueID)
	if err != nil {
		return false, err
	}
	if item == nil || item.Status != queue.StatusFailed {
		return false, nil
	}

	if err := s.cli.ZRem(ctx, keyFailed, queueID).Err(); err != nil {
		return false, fmt.Errorf("queue: dismiss %s: remove from failed: %w", queueID, err)
	}
	if err := s.pushHistory(ctx, queueID); err != nil {
		return false, err
	}

	// Status deliberately left as Failed — dismiss is a visibility move,
	// not a state transition.
	s.emit(ctx, queue.ActionDismissed, item)
	return true, nil
}

func (s *Store) LinkRunID(ctx context.Context, queueID, runID string) error {
	item, err := s.readItem(ctx, queueID)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}
	item.RunID = runID
	if err := s.writeItem(ctx, item); err != nil {
		return err
	}
	s.emit(ctx, queue.ActionUpdated, item)
	return nil
}

// ---- reads ----

func (s *Store) GetItem(ctx context.Context, queueID string) (*queue.WorkItem, error) {
	return s.readItem(ctx, queueID)
}

func (s *Store) GetItemByJobID(ctx context.Context, jobID string) (*queue.WorkItem, error) {
	// Running first.
	running, err := s.cli.SMembers(ctx, keyRunning).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: getItemByJobID: list running: %w", err)
	}
	for _, id := range running {
		item, err := s.readItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item != nil && item.JobID == jobID {
			return item, nil
		}
	}

	// Then pending, with position computed from the tail.
	raw, err := s.cli.LRange(ctx, keyPending, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: getItemByJobID: list pending: %w", err)
	}
	for i := len(raw) - 1; i >= 0; i-- {
		id := raw[i]
		item, err := s.readItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item == nil {
			continue
		}
		if item.JobID == jobID {
			item.Position = len(raw) - i
			return item, nil
		}
	}

	// Then failed, ascending score (oldest failure first).
	failed, err := s.cli.ZRange(ctx, keyFailed, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: getItemByJobID: list failed: %w", err)
	}
	for _, id := range failed {
		item, err := s.readItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item != nil && item.JobID == jobID {
			return item, nil
		}
	}

	return nil, nil
}

func (s *Store) GetState(ctx context.Context, pendingLimit int) (*queue.QueueState, error) {
	state := &queue.QueueState{}

	pendingLen, err := s.cli.LLen(ctx, keyPending).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: getState: pending length: %w", err)
	}

	start := int64(0)
	if pendingLimit > 0 && int64(pendingLimit) < pendingLen {
		start = -int64(pendingLimit)
	} else {
		start = -pendingLen
	}
	raw, err := s.cli.LRange(ctx, keyPending, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: getState: list pending: %w", err)
	}
	// raw is ordered head-ward→tail-ward (list order); reverse to
	// tail-first (soonest-to-serve first) and number positions from 1.
	pending := make([]*queue.WorkItem, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		item, err := s.readItem(ctx, raw[i])
		if err != nil {
			return nil, err
		}
		if item == nil {
			continue // orphan, skipped silently
		}
		item.Position = len(pending) + 1
		pending = append(pending, item)
	}
	state.Pending = pending

	runningIDs, err := s.cli.SMembers(ctx, keyRunning).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: getState: list running: %w", err)
	}
	running := make([]*queue.WorkItem, 0, len(runningIDs))
	for _, id := range runningIDs {
		item, err := s.readItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			running = append(running, item)
		}
	}
	state.Running = running

	failedIDs, err := s.cli.ZRevRange(ctx, keyFailed, 0, int64(s.failCap-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: getState: list failed: %w", err)
	}
	failed := make([]*queue.WorkItem, 0, len(failedIDs))
	for _, id := range failedIDs {
		item, err := s.readItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			failed = append(failed, item)
		}
	}
	state.Failed = failed

	historyIDs, err := s.cli.LRange(ctx, keyHistory, 0, int64(s.stateHistCap-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: getState: list history: %w", err)
	}
	history := make([]*queue.WorkItem, 0, len(historyIDs))
	for _, id := range historyIDs {
		item, err := s.readItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			history = append(history, item)
		}
	}
	state.History = history

	today, err := s.countCompletedToday(ctx)
	if err != nil {
		return nil, err
	}

	failedCard, err := s.cli.ZCard(ctx, keyFailed).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: getState: failed cardinality: %w", err)
	}
	runningCard, err := s.cli.SCard(ctx, keyRunning).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: getState: running cardinality: %w", err)
	}

	state.Stats = queue.Stats{
		TotalPending:        int(pendingLen),
		TotalRunning:        int(runningCard),
		TotalFailed:         int(failedCard),
		TotalCompletedToday: today,
	}
	return state, nil
}

// countCompletedToday walks the full (capped-at-historyCap) history list,
// stopping at the first entry whose completedAt isn't today. Missing item
// hashes are skipped without breaking the early-exit.
func (s *Store) countCompletedToday(ctx context.Context) (int, error) {
	ids, err := s.cli.LRange(ctx, keyHistory, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: countCompletedToday: %w", err)
	}
	today := time.Now().UTC().Format("2006-01-02")
	count := 0
	for _, id := range ids {
		item, err := s.readItem(ctx, id)
		if err != nil {
			return 0, err
		}
		if item == nil {
			continue
		}
		if item.CompletedAt == nil || item.CompletedAt.UTC().Format("2006-01-02") != today {
			break
		}
		count++
	}
	return count, nil
}

// ---- lifecycle recovery ----

func (s *Store) RestoreInterruptedRuns(ctx context.Context) ([]*queue.WorkItem, error) {
	ids, err := s.cli.SMembers(ctx, keyRunning).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: restoreInterruptedRuns: list running: %w", err)
	}

	var restored []*queue.WorkItem
	for _, id := range ids {
		item, err := s.readItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item == nil {
			continue // orphan-running, left for cleanupStale
		}

		if err := s.cli.SRem(ctx, keyRunning, id).Err(); err != nil {
			return nil, fmt.Errorf("queue: restoreInterruptedRuns: remove %s from running: %w", id, err)
		}

		item.StartedAt = nil
		item.RunID = ""
		item.Status = queue.StatusPending
		item.Position = 1

		if err := s.cli.RPush(ctx, keyPending, id).Err(); err != nil {
			return nil, fmt.Errorf("queue: restoreInterruptedRuns: readmit %s: %w", id, err)
		}
		if err := s.writeItem(ctx, item); err != nil {
			return nil, err
		}
		restored = append(restored, item)
	}
	return restored, nil
}

func (s *Store) CleanupStale(ctx context.Context, maxAgeMinutes int) (*queue.CleanupStats, error) {
	stats := &queue.CleanupStats{}
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeMinutes) * time.Minute)

	pendingIDs, err := s.cli.LRange(ctx, keyPending, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: cleanupStale: list pending: %w", err)
	}
	for _, id := range pendingIDs {
		item, err := s.readItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item == nil {
			if err := s.cli.LRem(ctx, keyPending, 0, id).Err(); err != nil {
				return nil, fmt.Errorf("queue: cleanupStale: remove orphan %s: %w", id, err)
			}
			stats.OrphanPendingRemoved++
			continue
		}
		if item.Status != queue.StatusPending {
			if err := s.cli.LRem(ctx, keyPending, 0, id).Err(); err != nil {
				return nil, fmt.Errorf("queue: cleanupStale: remove invalid %s: %w", id, err)
			}
			stats.InvalidPendingRemoved++
			continue
		}
		if item.CreatedAt.Before(cutoff) {
			if err := s.cli.LRem(ctx, keyPending, 0, id).Err(); err != nil {
				return nil, fmt.Errorf("queue: cleanupStale: remove timed-out %s: %w", id, err)
			}
			now := time.Now().UTC()
			item.Status = queue.StatusFailed
			item.Error = fmt.Sprintf("timed out after %d minutes pending", maxAgeMinutes)
			item.CompletedAt = &now
			if err := s.cli.ZAdd(ctx, keyFailed, goredis.Z{Score: float64(now.Unix()), Member: id}).Err(); err != nil {
				return nil, fmt.Errorf("queue: cleanupStale: add timed-out %s to failed: %w", id, err)
			}
			if err := s.writeItem(ctx, item); err != nil {
				return nil, err
			}
			s.emit(ctx, queue.ActionFailed, item)
			stats.TimedOutFailed++
		}
	}

	runningIDs, err := s.cli.SMembers(ctx, keyRunning).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: cleanupStale: list running: %w", err)
	}
	for _, id := range runningIDs {
		item, err := s.readItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item == nil {
			if err := s.cli.SRem(ctx, keyRunning, id).Err(); err != nil {
				return nil, fmt.Errorf("queue: cleanupStale: remove orphan running %s: %w", id, err)
			}
			stats.OrphanRunningRemoved++
		}
	}

	return stats, nil
}

func (s *Store) ClearAll(ctx context.Context) (*queue.ClearStats, error) {
	stats := &queue.ClearStats{}

	pending, err := s.cli.LRange(ctx, keyPending, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: clearAll: list pending: %w", err)
	}
	running, err := s.cli.SMembers(ctx, keyRunning).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: clearAll: list running: %w", err)
	}
	failed, err := s.cli.ZRange(ctx, keyFailed, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: clearAll: list failed: %w", err)
	}
	history, err := s.cli.LRange(ctx, keyHistory, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: clearAll: list history: %w", err)
	}
	stats.PendingRemoved = len(pending)
	stats.RunningRemoved = len(running)
	stats.FailedRemoved = len(failed)
	stats.HistoryRemoved = len(history)

	seen := make(map[string]struct{})
	addAll := func(ids []string) {
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	addAll(pending)
	addAll(running)
	addAll(failed)
	addAll(history)

	pipe := s.cli.TxPipeline()
	for id := range seen {
		pipe.Del(ctx, itemKey(id))
	}
	pipe.Del(ctx, keyPending, keyRunning, keyFailed, keyHistory)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: clearAll: %w", err)
	}
	stats.ItemsDeleted = len(seen)

	return stats, nil
}

var _ queue.Store = (*Store)(nil)
