// Package store mirrors engine state to durable storage. The in-memory
// state owned by the registry and queue manager stays authoritative for the
// running process; the store exists so a restart can reload it. Writes are
// best-effort: callers log failures and continue.
package store

import (
	"context"

	"postflow/internal/domain"
)

type Store interface {
	SaveSchedule(ctx context.Context, s domain.Schedule) error
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	SaveExecution(ctx context.Context, scheduleID string, e domain.Execution) error

	SaveQueue(ctx context.Context, q domain.Queue) error
	SaveQueueItem(ctx context.Context, it domain.QueueItem) error
	UpdateQueueItem(ctx context.Context, it domain.QueueItem) error

	// Recovery reads, used once at startup.
	LoadActiveSchedules(ctx context.Context) ([]domain.Schedule, error)
	LoadQueues(ctx context.Context) ([]domain.Queue, error)
	LoadOpenItems(ctx context.Context) ([]domain.QueueItem, error)
}

// Nop discards writes and loads nothing. Used when persistence is disabled
// and as the default in tests.
type Nop struct{}

func (Nop) SaveSchedule(context.Context, domain.Schedule) error            { return nil }
func (Nop) UpdateSchedule(context.Context, domain.Schedule) error          { return nil }
func (Nop) SaveExecution(context.Context, string, domain.Execution) error  { return nil }
func (Nop) SaveQueue(context.Context, domain.Queue) error                  { return nil }
func (Nop) SaveQueueItem(context.Context, domain.QueueItem) error          { return nil }
func (Nop) UpdateQueueItem(context.Context, domain.QueueItem) error        { return nil }
func (Nop) LoadActiveSchedules(context.Context) ([]domain.Schedule, error) { return nil, nil }
func (Nop) LoadQueues(context.Context) ([]domain.Queue, error)             { return nil, nil }
func (Nop) LoadOpenItems(context.Context) ([]domain.QueueItem, error)      { return nil, nil }
