package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/retry"
)

// Handler executes one kind of queue item and returns its result payload.
type Handler interface {
	Handle(ctx context.Context, item domain.QueueItem) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, item domain.QueueItem) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, item domain.QueueItem) (json.RawMessage, error) {
	return f(ctx, item)
}

// Processor polls every queue, dispatches ready items to their handlers and
// applies the queue's retry policy on failure. Dispatches are
// fire-and-continue: the loop never waits on an in-flight handler, capacity
// is tracked through the manager's processing counts.
type Processor struct {
	m        *Manager
	handlers map[domain.QueueItemType]Handler
	interval time.Duration
	stop     chan struct{}
	busy     atomic.Bool
	wg       sync.WaitGroup
}

func NewProcessor(m *Manager, handlers map[domain.QueueItemType]Handler, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Processor{
		m:        m,
		handlers: handlers,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", p.interval).Msg("queue processor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Stop halts the poll loop and waits for in-flight dispatches to finish.
func (p *Processor) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Processor) tick(ctx context.Context) {
	if !p.busy.CompareAndSwap(false, true) {
		return
	}
	defer p.busy.Store(false)

	for _, queueID := range p.m.QueueIDs() {
		if err := p.ProcessQueueOnce(ctx, queueID); err != nil {
			log.Error().Err(err).Str("queue_id", queueID).Msg("queue cycle failed")
		}
	}
}

// ProcessQueueOnce runs one selection cycle for the queue: pick ready items
// up to the available capacity and dispatch them. Safe to call manually
// while the poll loop runs; both paths share the per-queue cycle guard, so
// a concurrent cycle on the same queue is skipped, never doubled.
func (p *Processor) ProcessQueueOnce(ctx context.Context, queueID string) error {
	ok, err := p.m.tryBeginCycle(queueID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	items, err := p.m.startReady(ctx, queueID, 0)
	p.m.endCycle(queueID)
	if err != nil {
		return err
	}

	// Dispatches outlive the caller: the manual HTTP trigger returns as
	// soon as items are started, and cancelling its request context must
	// not abort handlers already in flight.
	dispatchCtx := context.WithoutCancel(ctx)
	for _, it := range items {
		p.wg.Add(1)
		go func(it domain.QueueItem) {
			defer p.wg.Done()
			p.dispatch(dispatchCtx, it)
		}(it)
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, it domain.QueueItem) {
	h, ok := p.handlers[it.Type]
	if !ok {
		log.Error().Str("item_id", it.ID).Str("type", string(it.Type)).Msg("no handler for item type")
		if err := p.m.Fail(ctx, it.QueueID, it.ID, "no handler for type "+string(it.Type)); err != nil {
			log.Error().Err(err).Str("item_id", it.ID).Msg("failed to fail item")
		}
		return
	}

	result, err := h.Handle(ctx, it)
	if err == nil {
		if err := p.m.Complete(ctx, it.QueueID, it.ID, result); err != nil {
			log.Error().Err(err).Str("item_id", it.ID).Msg("failed to complete item")
		}
		log.Debug().Str("item_id", it.ID).Str("type", string(it.Type)).Msg("item completed")
		return
	}

	p.handleFailure(ctx, it, err)
}

func (p *Processor) handleFailure(ctx context.Context, it domain.QueueItem, cause error) {
	q, err := p.m.Queue(it.QueueID)
	if err != nil {
		log.Error().Err(err).Str("item_id", it.ID).Msg("queue vanished during dispatch")
		return
	}

	attempt := it.RetryCount + 1
	class := domain.Classify(cause)
	if retry.ShouldRetry(attempt, class, q.Retry) {
		delay := retry.NextDelay(attempt, q.Retry)
		log.Warn().Err(cause).Str("item_id", it.ID).Int("attempt", attempt).
			Dur("retry_in", delay).Msg("item failed, retrying")
		if err := p.m.RetryAfter(ctx, it.QueueID, it.ID, cause.Error(), delay); err != nil {
			log.Error().Err(err).Str("item_id", it.ID).Msg("failed to schedule retry")
		}
		return
	}

	log.Error().Err(cause).Str("item_id", it.ID).Int("attempt", attempt).
		Str("class", class).Msg("item failed terminally")
	if err := p.m.Fail(ctx, it.QueueID, it.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("item_id", it.ID).Msg("failed to fail item")
	}
}
