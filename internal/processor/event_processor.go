package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"guild-ledger/internal/member"
	"guild-ledger/internal/redis"
	"guild-ledger/internal/roles"
)

const (
	dedupTTL    = 60 * time.Second
	dlqKey      = "dlq:events"
	dlqTTL      = 24 * time.Hour
	shardStripe = 64
)

type Worker struct {
	ID        int
	processor *EventProcessor
	stopChan  chan bool
}

// EventProcessor drains the gateway's event queue through a worker pool.
// Events for the same member are serialized with striped locks so a
// join/leave/ban burst for one id cannot interleave, while unrelated members
// proceed in parallel.
type EventProcessor struct {
	log        *slog.Logger
	lifecycle  *member.Lifecycle
	reconciler *roles.Reconciler
	redis      *redis.Client
	eventQueue chan Event
	shards     [shardStripe]sync.Mutex
	workerPool []*Worker
	wg         sync.WaitGroup
	mu         sync.RWMutex
}

func NewEventProcessor(log *slog.Logger, lc *member.Lifecycle, rc *roles.Reconciler, redisClient *redis.Client) *EventProcessor {
	return &EventProcessor{
		log:        log,
		lifecycle:  lc,
		reconciler: rc,
		redis:      redisClient,
		eventQueue: make(chan Event, 50000),
		workerPool: make([]*Worker, 0),
	}
}

func (ep *EventProcessor) GetEventQueue() chan Event {
	return ep.eventQueue
}

func (ep *EventProcessor) StartWorkers(workerCount int) {
	if workerCount < 1 {
		workerCount = 5
	}
	// Keep a reasonable upper bound to avoid overwhelming Postgres.
	if workerCount > 128 {
		workerCount = 128
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	for i := 0; i < workerCount; i++ {
		worker := &Worker{
			ID:        i + 1,
			processor: ep,
			stopChan:  make(chan bool, 1),
		}
		ep.workerPool = append(ep.workerPool, worker)

		ep.wg.Add(1)
		go ep.runWorker(worker)
	}

	ep.log.Info("event_workers_started", "count", workerCount)
}

func (ep *EventProcessor) runWorker(worker *Worker) {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.eventQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := ep.ProcessEvent(ctx, event); err != nil {
				ep.log.Warn("event_processing_failed",
					"worker_id", worker.ID,
					"event_type", event.Type.String(),
					"discord_id", event.MemberID,
					"error", err,
				)
				ep.sendToDLQ(ctx, event, err.Error())
			}
			cancel()
		case <-worker.stopChan:
			ep.log.Info("worker_stopped", "worker_id", worker.ID)
			return
		}
	}
}

func (ep *EventProcessor) StopWorkers() {
	ep.mu.Lock()

	for _, worker := range ep.workerPool {
		select {
		case worker.stopChan <- true:
		default:
		}
	}

	// Release the mutex before waiting to avoid a deadlock with StartWorkers.
	ep.mu.Unlock()

	ep.wg.Wait()
	ep.log.Info("all_workers_stopped")
}

// ProcessEvent dedupes, serializes and dispatches one event. Lifecycle
// operations for a member must observe each other's writes, so the shard
// lock is held across the whole dispatch.
func (ep *EventProcessor) ProcessEvent(ctx context.Context, event Event) error {
	if ep.isDuplicate(ctx, event) {
		return nil
	}

	lock := ep.shardFor(event.shardKey())
	lock.Lock()
	defer lock.Unlock()

	return ep.dispatch(ctx, event)
}

func (ep *EventProcessor) dispatch(ctx context.Context, event Event) error {
	switch event.Type {
	case EventMemberJoin:
		if event.Member == nil {
			return fmt.Errorf("join event without snapshot for %s", event.MemberID)
		}
		return ep.lifecycle.Join(ctx, *event.Member)

	case EventMemberLeave:
		return ep.lifecycle.Leave(ctx, event.MemberID)

	case EventMemberBan:
		return ep.lifecycle.Ban(ctx, event.MemberID)

	case EventMemberUnban:
		return ep.lifecycle.Unban(ctx, event.MemberID)

	case EventMemberUpdate:
		return ep.handleMemberUpdate(ctx, event)

	case EventRoleCreate:
		if event.Role == nil {
			return fmt.Errorf("role create event without record")
		}
		return ep.reconciler.RoleCreated(ctx, *event.Role)

	case EventRoleUpdate:
		if event.Role == nil || event.RoleBefore == nil {
			return fmt.Errorf("role update event missing before/after")
		}
		return ep.reconciler.RoleUpdated(ctx, *event.RoleBefore, *event.Role)

	case EventRoleDelete:
		return ep.reconciler.RoleDeleted(ctx, event.RoleID)

	default:
		ep.log.Debug("unknown_event_type", "type", int(event.Type))
		return nil
	}
}

// handleMemberUpdate diffs the before/after snapshots and records only what
// actually changed: name, nickname, top role. The gateway always sends both
// snapshots for updates; a missing before means the member was not cached
// yet, in which case the values are taken as first observations.
func (ep *EventProcessor) handleMemberUpdate(ctx context.Context, event Event) error {
	if event.Member == nil {
		return fmt.Errorf("member update event without snapshot for %s", event.MemberID)
	}
	after := event.Member
	before := event.Before

	var beforeName *string
	var beforeNick *string
	nameChanged := before == nil
	nickChanged := before == nil
	roleChanged := before == nil && after.TopRoleID != nil

	if before != nil {
		if before.Name != after.Name {
			nameChanged = true
			beforeName = &before.Name
		}
		if !equalPtr(before.Nickname, after.Nickname) {
			nickChanged = true
			beforeNick = before.Nickname
		}
		if !equalPtr(before.TopRoleID, after.TopRoleID) && after.TopRoleID != nil {
			roleChanged = true
		}
	}

	if nameChanged {
		if err := ep.lifecycle.RecordNameChange(ctx, event.MemberID, beforeName, after.Name, after.DisplayName); err != nil {
			return err
		}
	}
	if nickChanged {
		if err := ep.lifecycle.RecordNicknameChange(ctx, event.MemberID, beforeNick, after.Nickname, after.DisplayName); err != nil {
			return err
		}
	}
	if roleChanged {
		if err := ep.lifecycle.SetTopRole(ctx, event.MemberID, *after.TopRoleID); err != nil {
			return err
		}
	}
	return nil
}

// isDuplicate checks redis for a recently seen (type, id, seq) triple.
// Without redis (tests, degraded mode) every event is treated as fresh.
func (ep *EventProcessor) isDuplicate(ctx context.Context, event Event) bool {
	if ep.redis == nil {
		return false
	}
	key := ep.buildDedupKey(event)
	if key == "" {
		return false
	}

	exists, err := ep.redis.RDB().Exists(ctx, key).Result()
	if err == nil && exists > 0 {
		return true
	}
	_ = ep.redis.RDB().Set(ctx, key, "1", dedupTTL).Err()
	return false
}

func (ep *EventProcessor) buildDedupKey(event Event) string {
	if event.Seq == 0 {
		// Seq 0 means synthetic or replayed; never dedup those.
		return ""
	}
	return fmt.Sprintf("event:dedup:%s:%s:%d", event.Type.String(), event.shardKey(), event.Seq)
}

func (ep *EventProcessor) shardFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &ep.shards[h.Sum32()%shardStripe]
}

func (ep *EventProcessor) sendToDLQ(ctx context.Context, event Event, errorMsg string) {
	if ep.redis == nil {
		return
	}
	data, _ := json.Marshal(map[string]interface{}{
		"type":      event.Type.String(),
		"member_id": event.MemberID,
		"role_id":   event.RoleID,
		"seq":       event.Seq,
		"error":     errorMsg,
		"timestamp": time.Now(),
	})
	ep.redis.RDB().LPush(ctx, dlqKey, data)
	ep.redis.RDB().Expire(ctx, dlqKey, dlqTTL)
}

func equalPtr(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
