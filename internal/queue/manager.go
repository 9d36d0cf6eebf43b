// Package queue owns named processing lanes: admission, ordering,
// dependency gating and concurrency-capped dispatch of work items.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"postflow/internal/domain"
	"postflow/internal/store"
)

// Manager holds every queue. Each queue's state is guarded by its own
// mutex: a single writer view per queue, no shared lock across queues.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*queueState
	st     store.Store
	now    func() time.Time
}

type queueItem struct {
	item domain.QueueItem
	seq  int64 // admission order, breaks created-at ties
}

type queueState struct {
	mu         sync.Mutex
	queue      domain.Queue
	items      map[string]*queueItem
	seq        int64
	processing int
	limiter    *rate.Limiter
	cycleBusy  bool
}

func NewManager(st store.Store) *Manager {
	if st == nil {
		st = store.Nop{}
	}
	return &Manager{
		queues: make(map[string]*queueState),
		st:     st,
		now:    time.Now,
	}
}

// Recover reloads queues and their non-terminal items from the store.
// Items caught mid-flight by the previous process go back to pending;
// their in-memory retry timers did not survive the restart.
func (m *Manager) Recover(ctx context.Context) error {
	queues, err := m.st.LoadQueues(ctx)
	if err != nil {
		return fmt.Errorf("load queues: %w", err)
	}
	items, err := m.st.LoadOpenItems(ctx)
	if err != nil {
		return fmt.Errorf("load open items: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range queues {
		m.queues[q.ID] = newQueueState(q)
	}
	recovered := 0
	for _, it := range items {
		qs, ok := m.queues[it.QueueID]
		if !ok {
			log.Warn().Str("item_id", it.ID).Str("queue_id", it.QueueID).Msg("orphaned queue item in store")
			continue
		}
		if it.Status == domain.ItemProcessing || it.Status == domain.ItemRetrying {
			it.Status = domain.ItemPending
			recovered++
		}
		qs.seq++
		qs.items[it.ID] = &queueItem{item: it, seq: qs.seq}
	}
	if len(queues) > 0 {
		log.Info().Int("queues", len(queues)).Int("requeued", recovered).Msg("recovered queue state")
	}
	return nil
}

// Config describes a new queue.
type Config struct {
	Name          string
	Order         domain.QueueOrder
	MaxConcurrent int
	Retry         domain.RetryPolicy
	RatePerSec    float64
}

func newQueueState(q domain.Queue) *queueState {
	qs := &queueState{queue: q, items: make(map[string]*queueItem)}
	if q.RatePerSec > 0 {
		qs.limiter = rate.NewLimiter(rate.Limit(q.RatePerSec), 1)
	}
	return qs
}

// CreateQueue registers a new lane and returns its id.
func (m *Manager) CreateQueue(ctx context.Context, cfg Config) (string, error) {
	switch cfg.Order {
	case "":
		cfg.Order = domain.OrderFIFO
	case domain.OrderFIFO, domain.OrderLIFO, domain.OrderPriority, domain.OrderScheduledTime:
	default:
		return "", fmt.Errorf("%w: unknown processing order %q", domain.ErrInvalidArgument, cfg.Order)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.Delay <= 0 {
		cfg.Retry.Delay = 5 * time.Second
	}

	q := domain.Queue{
		ID:            "q_" + uuid.NewString(),
		Name:          cfg.Name,
		Order:         cfg.Order,
		MaxConcurrent: cfg.MaxConcurrent,
		Retry:         cfg.Retry,
		RatePerSec:    cfg.RatePerSec,
		CreatedAt:     m.now(),
	}

	m.mu.Lock()
	m.queues[q.ID] = newQueueState(q)
	m.mu.Unlock()

	if err := m.st.SaveQueue(ctx, q); err != nil {
		log.Error().Err(err).Str("queue_id", q.ID).Msg("failed to persist queue")
	}
	log.Info().Str("queue_id", q.ID).Str("name", q.Name).Str("order", string(q.Order)).
		Int("max_concurrent", q.MaxConcurrent).Msg("queue created")
	return q.ID, nil
}

// AddOptions carries per-item admission parameters.
type AddOptions struct {
	Priority      int
	Dependencies  []string
	ScheduledTime *time.Time
}

// AddToQueue admits a new item. Dependencies must name existing items in
// the same queue and must not form a cycle; both are checked here so the
// ready-item filter can never stall on a bad dependency set.
func (m *Manager) AddToQueue(ctx context.Context, queueID string, typ domain.QueueItemType, payload json.RawMessage, opts AddOptions) (string, error) {
	if !domain.KnownItemType(typ) {
		return "", fmt.Errorf("%w: unknown item type %q", domain.ErrInvalidArgument, typ)
	}
	qs, err := m.state(queueID)
	if err != nil {
		return "", err
	}

	id := "itm_" + uuid.NewString()

	qs.mu.Lock()
	for _, dep := range opts.Dependencies {
		if dep == id {
			qs.mu.Unlock()
			return "", fmt.Errorf("item %s depends on itself: %w", id, domain.ErrDependencyCycle)
		}
		if _, ok := qs.items[dep]; !ok {
			qs.mu.Unlock()
			return "", fmt.Errorf("%w: unknown dependency %s", domain.ErrInvalidArgument, dep)
		}
	}
	if qs.wouldCycle(id, opts.Dependencies) {
		qs.mu.Unlock()
		return "", fmt.Errorf("item %s: %w", id, domain.ErrDependencyCycle)
	}

	now := m.now()
	it := domain.QueueItem{
		ID:            id,
		QueueID:       queueID,
		Type:          typ,
		Payload:       payload,
		Priority:      opts.Priority,
		Status:        domain.ItemPending,
		Dependencies:  append([]string(nil), opts.Dependencies...),
		ScheduledTime: opts.ScheduledTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	qs.seq++
	qs.items[id] = &queueItem{item: it, seq: qs.seq}
	qs.mu.Unlock()

	if err := m.st.SaveQueueItem(ctx, it); err != nil {
		log.Error().Err(err).Str("item_id", id).Msg("failed to persist queue item")
	}
	return id, nil
}

// wouldCycle walks the dependency graph reachable from deps looking for a
// path back to newID or a pre-existing loop (possible after recovering a
// corrupted store). Callers hold qs.mu.
func (qs *queueState) wouldCycle(newID string, deps []string) bool {
	const (
		inStack = 1
		done    = 2
	)
	state := make(map[string]int)
	var visit func(id string) bool
	visit = func(id string) bool {
		if id == newID {
			return true
		}
		switch state[id] {
		case inStack:
			return true
		case done:
			return false
		}
		state[id] = inStack
		if qi, ok := qs.items[id]; ok {
			for _, d := range qi.item.Dependencies {
				if visit(d) {
					return true
				}
			}
		}
		state[id] = done
		return false
	}
	for _, d := range deps {
		if visit(d) {
			return true
		}
	}
	return false
}

// Queue returns the queue definition.
func (m *Manager) Queue(queueID string) (domain.Queue, error) {
	qs, err := m.state(queueID)
	if err != nil {
		return domain.Queue{}, err
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.queue, nil
}

// QueueIDs lists all queue ids.
func (m *Manager) QueueIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.queues))
	for id := range m.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetReadyItems returns the items one poll cycle would select right now:
// pending, past their scheduled time, dependencies completed, ordered by
// the queue's policy and capped at min(limit, available capacity). It does
// not change item state.
func (m *Manager) GetReadyItems(queueID string, limit int) ([]domain.QueueItem, error) {
	qs, err := m.state(queueID)
	if err != nil {
		return nil, err
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()

	var out []domain.QueueItem
	for _, qi := range qs.readyLocked(m.now(), limit) {
		out = append(out, qi.item)
	}
	return out, nil
}

// startReady selects ready items and marks them processing in one step, so
// two overlapping cycles can never double-dispatch an item.
func (m *Manager) startReady(ctx context.Context, queueID string, limit int) ([]domain.QueueItem, error) {
	qs, err := m.state(queueID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	qs.mu.Lock()
	ready := qs.readyLocked(now, limit)
	var started []domain.QueueItem
	for _, qi := range ready {
		if qs.limiter != nil && !qs.limiter.Allow() {
			break
		}
		qi.item.Status = domain.ItemProcessing
		qi.item.UpdatedAt = now
		qs.processing++
		started = append(started, qi.item)
	}
	qs.mu.Unlock()

	for _, it := range started {
		if err := m.st.UpdateQueueItem(ctx, it); err != nil {
			log.Error().Err(err).Str("item_id", it.ID).Msg("failed to persist item state")
		}
	}
	return started, nil
}

// readyLocked filters and orders the pending pool. Callers hold qs.mu.
func (qs *queueState) readyLocked(now time.Time, limit int) []*queueItem {
	capacity := qs.queue.MaxConcurrent - qs.processing
	if capacity <= 0 {
		return nil
	}
	if limit <= 0 || limit > capacity {
		limit = capacity
	}

	var ready []*queueItem
	for _, qi := range qs.items {
		if qi.item.Status != domain.ItemPending {
			continue
		}
		if qi.item.ScheduledTime != nil && qi.item.ScheduledTime.After(now) {
			continue
		}
		if !qs.depsCompletedLocked(qi.item.Dependencies) {
			continue
		}
		ready = append(ready, qi)
	}

	sortItems(ready, qs.queue.Order)
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready
}

func (qs *queueState) depsCompletedLocked(deps []string) bool {
	for _, dep := range deps {
		qi, ok := qs.items[dep]
		if !ok || qi.item.Status != domain.ItemCompleted {
			return false
		}
	}
	return true
}

func sortItems(items []*queueItem, order domain.QueueOrder) {
	byAdmission := func(a, b *queueItem) bool {
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.Before(b.item.CreatedAt)
		}
		return a.seq < b.seq
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch order {
		case domain.OrderLIFO:
			return byAdmission(b, a)
		case domain.OrderPriority:
			if a.item.Priority != b.item.Priority {
				return a.item.Priority > b.item.Priority
			}
			return byAdmission(a, b)
		case domain.OrderScheduledTime:
			at, bt := scheduledOr(a), scheduledOr(b)
			if !at.Equal(bt) {
				return at.Before(bt)
			}
			return byAdmission(a, b)
		default: // FIFO
			return byAdmission(a, b)
		}
	})
}

func scheduledOr(qi *queueItem) time.Time {
	if qi.item.ScheduledTime != nil {
		return *qi.item.ScheduledTime
	}
	return qi.item.CreatedAt
}

// Complete marks a processing item done and stores its result.
func (m *Manager) Complete(ctx context.Context, queueID, itemID string, result json.RawMessage) error {
	return m.transition(ctx, queueID, itemID, func(it *domain.QueueItem) {
		it.Status = domain.ItemCompleted
		it.Result = result
		it.LastError = ""
	})
}

// Fail marks a processing item terminally failed. The retry counter still
// moves: every failure counts exactly once.
func (m *Manager) Fail(ctx context.Context, queueID, itemID, errMsg string) error {
	return m.transition(ctx, queueID, itemID, func(it *domain.QueueItem) {
		it.Status = domain.ItemFailed
		it.RetryCount++
		it.LastError = errMsg
	})
}

// RetryAfter marks a processing item retrying and schedules its re-entry to
// pending after delay. The re-entry runs off the poll loop; if the item has
// left the retrying state by then (queue torn down, item cancelled), it is
// a no-op.
func (m *Manager) RetryAfter(ctx context.Context, queueID, itemID, errMsg string, delay time.Duration) error {
	err := m.transition(ctx, queueID, itemID, func(it *domain.QueueItem) {
		it.Status = domain.ItemRetrying
		it.RetryCount++
		it.LastError = errMsg
	})
	if err != nil {
		return err
	}
	time.AfterFunc(delay, func() { m.requeue(queueID, itemID) })
	return nil
}

func (m *Manager) requeue(queueID, itemID string) {
	qs, err := m.state(queueID)
	if err != nil {
		return
	}
	qs.mu.Lock()
	qi, ok := qs.items[itemID]
	if !ok || qi.item.Status != domain.ItemRetrying {
		qs.mu.Unlock()
		return
	}
	qi.item.Status = domain.ItemPending
	qi.item.UpdatedAt = m.now()
	it := qi.item
	qs.mu.Unlock()

	if err := m.st.UpdateQueueItem(context.Background(), it); err != nil {
		log.Error().Err(err).Str("item_id", itemID).Msg("failed to persist item re-entry")
	}
}

// transition applies fn to a processing item and releases its capacity
// slot.
func (m *Manager) transition(ctx context.Context, queueID, itemID string, fn func(*domain.QueueItem)) error {
	qs, err := m.state(queueID)
	if err != nil {
		return err
	}
	qs.mu.Lock()
	qi, ok := qs.items[itemID]
	if !ok {
		qs.mu.Unlock()
		return fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	if qi.item.Status != domain.ItemProcessing {
		qs.mu.Unlock()
		return fmt.Errorf("%w: item %s is %s, not processing", domain.ErrInvalidArgument, itemID, qi.item.Status)
	}
	fn(&qi.item)
	qi.item.UpdatedAt = m.now()
	if qs.processing > 0 {
		qs.processing--
	}
	it := qi.item
	qs.mu.Unlock()

	if err := m.st.UpdateQueueItem(ctx, it); err != nil {
		log.Error().Err(err).Str("item_id", itemID).Msg("failed to persist item state")
	}
	return nil
}

// QueueSnapshot returns the queue, copies of all its items, and the current
// processing count. Used by the statistics aggregator.
func (m *Manager) QueueSnapshot(queueID string) (domain.Queue, []domain.QueueItem, int, error) {
	qs, err := m.state(queueID)
	if err != nil {
		return domain.Queue{}, nil, 0, err
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	items := make([]domain.QueueItem, 0, len(qs.items))
	for _, qi := range qs.items {
		items = append(items, qi.item)
	}
	return qs.queue, items, qs.processing, nil
}

// tryBeginCycle claims the per-queue cycle guard. Returns false if a cycle
// is already in progress for the queue.
func (m *Manager) tryBeginCycle(queueID string) (bool, error) {
	qs, err := m.state(queueID)
	if err != nil {
		return false, err
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.cycleBusy {
		return false, nil
	}
	qs.cycleBusy = true
	return true, nil
}

func (m *Manager) endCycle(queueID string) {
	qs, err := m.state(queueID)
	if err != nil {
		return
	}
	qs.mu.Lock()
	qs.cycleBusy = false
	qs.mu.Unlock()
}

func (m *Manager) state(queueID string) (*queueState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qs, ok := m.queues[queueID]
	if !ok {
		return nil, fmt.Errorf("queue %s: %w", queueID, domain.ErrNotFound)
	}
	return qs, nil
}
