// Package registry owns the schedule catalogue. All mutation goes through
// its methods; the in-memory map is authoritative and mirrored to the store
// best-effort for recovery.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
	"postflow/internal/recurrence"
	"postflow/internal/store"
)

type Registry struct {
	mu        sync.RWMutex
	schedules map[string]*domain.Schedule
	st        store.Store
	now       func() time.Time
}

func New(st store.Store) *Registry {
	if st == nil {
		st = store.Nop{}
	}
	return &Registry{
		schedules: make(map[string]*domain.Schedule),
		st:        st,
		now:       time.Now,
	}
}

// Recover reloads all active schedules from the store. Called once at
// startup before the executor starts ticking.
func (r *Registry) Recover(ctx context.Context) error {
	schedules, err := r.st.LoadActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load active schedules: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range schedules {
		s := schedules[i]
		r.schedules[s.ID] = &s
	}
	if len(schedules) > 0 {
		log.Info().Int("schedules", len(schedules)).Msg("recovered active schedules")
	}
	return nil
}

// CreateOptions carries the caller-supplied schedule fields.
type CreateOptions struct {
	Name          string
	Description   string
	ScheduledTime time.Time
	Timezone      string
	Recurrence    *domain.RecurringPattern
	Destinations  []string
	Audience      json.RawMessage
	Content       json.RawMessage
	Priority      int
}

// Create validates and registers a new schedule. Past scheduled times are
// allowed and become immediately due.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (domain.Schedule, error) {
	if len(opts.Destinations) == 0 {
		return domain.Schedule{}, fmt.Errorf("%w: destinations must be non-empty", domain.ErrInvalidArgument)
	}
	if len(opts.Content) == 0 {
		return domain.Schedule{}, fmt.Errorf("%w: content must be non-empty", domain.ErrInvalidArgument)
	}
	if opts.Recurrence != nil && opts.Recurrence.Type == domain.PatternCustom && opts.Recurrence.CronExpr != "" {
		if _, err := cron.ParseStandard(opts.Recurrence.CronExpr); err != nil {
			return domain.Schedule{}, fmt.Errorf("%w: cron expression: %v", domain.ErrInvalidArgument, err)
		}
	}

	now := r.now()
	sch := domain.Schedule{
		ID:            "sch_" + uuid.NewString(),
		Name:          opts.Name,
		Description:   opts.Description,
		ScheduledTime: opts.ScheduledTime,
		Timezone:      opts.Timezone,
		Recurrence:    opts.Recurrence,
		Destinations:  append([]string(nil), opts.Destinations...),
		Audience:      opts.Audience,
		Content:       opts.Content,
		Priority:      opts.Priority,
		Status:        domain.ScheduleActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.arm(&sch, 0, now)

	r.mu.Lock()
	r.schedules[sch.ID] = &sch
	r.mu.Unlock()

	if err := r.st.SaveSchedule(ctx, sch); err != nil {
		log.Error().Err(err).Str("schedule_id", sch.ID).Msg("failed to persist schedule")
	}
	log.Info().Str("schedule_id", sch.ID).Str("name", sch.Name).
		Time("scheduled_time", sch.ScheduledTime).Msg("schedule created")
	return clone(&sch), nil
}

// UpdateOptions merges partially into an existing schedule; nil fields are
// left untouched.
type UpdateOptions struct {
	Name          *string
	Description   *string
	ScheduledTime *time.Time
	Timezone      *string
	Recurrence    *domain.RecurringPattern
	Destinations  []string
	Audience      json.RawMessage
	Content       json.RawMessage
	Priority      *int
}

// Update merges the given fields. Changing the scheduled time or the
// recurrence pattern resets the cadence: the next execution is recomputed
// as if the schedule had never run.
func (r *Registry) Update(ctx context.Context, id string, opts UpdateOptions) (domain.Schedule, error) {
	if opts.Destinations != nil && len(opts.Destinations) == 0 {
		return domain.Schedule{}, fmt.Errorf("%w: destinations must be non-empty", domain.ErrInvalidArgument)
	}
	if opts.Recurrence != nil && opts.Recurrence.Type == domain.PatternCustom && opts.Recurrence.CronExpr != "" {
		if _, err := cron.ParseStandard(opts.Recurrence.CronExpr); err != nil {
			return domain.Schedule{}, fmt.Errorf("%w: cron expression: %v", domain.ErrInvalidArgument, err)
		}
	}

	r.mu.Lock()
	sch, ok := r.schedules[id]
	if !ok {
		r.mu.Unlock()
		return domain.Schedule{}, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}

	rearm := false
	if opts.Name != nil {
		sch.Name = *opts.Name
	}
	if opts.Description != nil {
		sch.Description = *opts.Description
	}
	if opts.ScheduledTime != nil && !opts.ScheduledTime.Equal(sch.ScheduledTime) {
		sch.ScheduledTime = *opts.ScheduledTime
		rearm = true
	}
	if opts.Timezone != nil {
		sch.Timezone = *opts.Timezone
	}
	if opts.Recurrence != nil {
		sch.Recurrence = opts.Recurrence
		rearm = true
	}
	if opts.Destinations != nil {
		sch.Destinations = append([]string(nil), opts.Destinations...)
	}
	if opts.Audience != nil {
		sch.Audience = opts.Audience
	}
	if opts.Content != nil {
		sch.Content = opts.Content
	}
	if opts.Priority != nil {
		sch.Priority = *opts.Priority
	}

	now := r.now()
	sch.UpdatedAt = now
	if rearm && sch.Status == domain.ScheduleActive {
		r.arm(sch, 0, now)
	}
	out := clone(sch)
	r.mu.Unlock()

	if err := r.st.UpdateSchedule(ctx, out); err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("failed to persist schedule update")
	}
	return out, nil
}

// Cancel sets an active schedule to cancelled. Cancelling a schedule in any
// other state is a no-op success.
func (r *Registry) Cancel(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	sch, ok := r.schedules[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	if sch.Status != domain.ScheduleActive {
		r.mu.Unlock()
		return true, nil
	}
	sch.Status = domain.ScheduleCancelled
	sch.NextExecution = nil
	sch.UpdatedAt = r.now()
	out := clone(sch)
	r.mu.Unlock()

	if err := r.st.UpdateSchedule(ctx, out); err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("failed to persist schedule cancel")
	}
	log.Info().Str("schedule_id", id).Msg("schedule cancelled")
	return true, nil
}

// Get returns a copy of the schedule.
func (r *Registry) Get(id string) (domain.Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sch, ok := r.schedules[id]
	if !ok {
		return domain.Schedule{}, fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}
	return clone(sch), nil
}

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	Status      *domain.ScheduleStatus
	Destination string
	From        *time.Time
	To          *time.Time
}

// List returns matching schedules sorted ascending by scheduled time.
func (r *Registry) List(f Filter) []domain.Schedule {
	r.mu.RLock()
	out := make([]domain.Schedule, 0, len(r.schedules))
	for _, sch := range r.schedules {
		if f.Status != nil && sch.Status != *f.Status {
			continue
		}
		if f.Destination != "" && !contains(sch.Destinations, f.Destination) {
			continue
		}
		if f.From != nil && sch.ScheduledTime.Before(*f.From) {
			continue
		}
		if f.To != nil && sch.ScheduledTime.After(*f.To) {
			continue
		}
		out = append(out, clone(sch))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out
}

// Upcoming returns active schedules whose scheduled time falls within
// [now, now+within], sorted ascending.
func (r *Registry) Upcoming(within time.Duration) []domain.Schedule {
	now := r.now()
	to := now.Add(within)
	active := domain.ScheduleActive
	return r.List(Filter{Status: &active, From: &now, To: &to})
}

// Snapshot returns copies of every schedule, for statistics.
func (r *Registry) Snapshot() []domain.Schedule {
	return r.List(Filter{})
}

// Due returns copies of active schedules whose next execution is at or
// before now. Each schedule appears once per call; the executor processes
// the set sequentially, so a schedule never runs concurrently with itself.
func (r *Registry) Due(now time.Time) []domain.Schedule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []domain.Schedule
	for _, sch := range r.schedules {
		if sch.Status != domain.ScheduleActive || sch.NextExecution == nil {
			continue
		}
		if sch.NextExecution.After(now) {
			continue
		}
		due = append(due, clone(sch))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextExecution.Before(*due[j].NextExecution) })
	return due
}

// CompleteExecution appends the execution record and advances the schedule.
// The record is appended even on total failure. Re-arming is skipped when
// the schedule was cancelled while the publish was in flight.
func (r *Registry) CompleteExecution(ctx context.Context, id string, exec domain.Execution) error {
	r.mu.Lock()
	sch, ok := r.schedules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
	}

	sch.History = append(sch.History, exec)
	now := r.now()
	sch.UpdatedAt = now

	if sch.Status == domain.ScheduleActive {
		switch {
		case sch.Recurrence != nil:
			r.arm(sch, len(sch.History), now)
		case exec.Success:
			sch.Status = domain.ScheduleCompleted
			sch.NextExecution = nil
		default:
			// One-shot failures are terminal here; retry is the queue
			// processor's job when the publish is routed through a queue.
			sch.Status = domain.ScheduleFailed
			sch.NextExecution = nil
		}
	}
	out := clone(sch)
	r.mu.Unlock()

	if err := r.st.SaveExecution(ctx, id, exec); err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("failed to persist execution")
	}
	if err := r.st.UpdateSchedule(ctx, out); err != nil {
		log.Error().Err(err).Str("schedule_id", id).Msg("failed to persist schedule state")
	}
	return nil
}

// arm computes the schedule's next execution for the given completed
// execution count and settles the status when the recurrence is exhausted.
// Callers hold the write lock.
func (r *Registry) arm(sch *domain.Schedule, executionCount int, now time.Time) {
	p := sch.Recurrence
	if p == nil {
		if executionCount == 0 {
			t := sch.ScheduledTime
			sch.NextExecution = &t
		}
		return
	}

	if p.Type == domain.PatternCustom {
		r.armCustom(sch, executionCount, now)
		return
	}

	next, ok := recurrence.Next(sch.ScheduledTime, *p, executionCount)
	if !ok {
		sch.Status = domain.ScheduleCompleted
		sch.NextExecution = nil
		return
	}
	sch.NextExecution = &next
}

// armCustom advances a custom pattern from its cron expression. This is the
// precomputed-times channel for cadences the interval planner does not
// cover; without an expression a custom schedule completes after one run.
func (r *Registry) armCustom(sch *domain.Schedule, executionCount int, now time.Time) {
	p := sch.Recurrence
	if p.MaxOccurrences > 0 && executionCount >= p.MaxOccurrences {
		sch.Status = domain.ScheduleCompleted
		sch.NextExecution = nil
		return
	}
	if p.CronExpr == "" {
		if executionCount == 0 {
			t := sch.ScheduledTime
			sch.NextExecution = &t
			return
		}
		sch.Status = domain.ScheduleCompleted
		sch.NextExecution = nil
		return
	}

	spec, err := cron.ParseStandard(p.CronExpr)
	if err != nil {
		// Validated at create/update; an unparsable expression here means
		// corrupted state. Settle instead of looping forever.
		log.Error().Err(err).Str("schedule_id", sch.ID).Msg("invalid cron expression on armed schedule")
		sch.Status = domain.ScheduleFailed
		sch.NextExecution = nil
		return
	}

	from := now
	if executionCount == 0 && sch.ScheduledTime.After(now) {
		from = sch.ScheduledTime
	}
	next := spec.Next(from)
	if p.EndDate != nil && next.After(*p.EndDate) {
		sch.Status = domain.ScheduleCompleted
		sch.NextExecution = nil
		return
	}
	sch.NextExecution = &next
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func clone(sch *domain.Schedule) domain.Schedule {
	out := *sch
	out.Destinations = append([]string(nil), sch.Destinations...)
	out.History = append([]domain.Execution(nil), sch.History...)
	if sch.NextExecution != nil {
		t := *sch.NextExecution
		out.NextExecution = &t
	}
	if sch.Recurrence != nil {
		p := *sch.Recurrence
		out.Recurrence = &p
	}
	return out
}
