// Package stats derives read-only rollups from schedule and queue state.
// No side effects: everything is computed over snapshots.
package stats

import (
	"time"

	"postflow/internal/domain"
)

// ScheduleSource yields copies of every schedule.
type ScheduleSource interface {
	Snapshot() []domain.Schedule
}

// QueueSource yields one queue's definition, item copies and processing
// count.
type QueueSource interface {
	QueueSnapshot(queueID string) (domain.Queue, []domain.QueueItem, int, error)
}

type ScheduleStatistics struct {
	Total           int                           `json:"total"`
	ByStatus        map[domain.ScheduleStatus]int `json:"by_status"`
	SuccessRate     float64                       `json:"success_rate"`
	NextExecution   *time.Time                    `json:"next_execution,omitempty"`
	ExecutionsToday int                           `json:"executions_today"`
}

type QueueStatistics struct {
	QueueID     string                         `json:"queue_id"`
	Total       int                            `json:"total"`
	ByStatus    map[domain.QueueItemStatus]int `json:"by_status"`
	Processing  int                            `json:"processing"`
	Backlog     int                            `json:"backlog"`
	SuccessRate float64                        `json:"success_rate"`
	// MeanProcessing averages updated-minus-created time across completed
	// items.
	MeanProcessing time.Duration `json:"mean_processing"`
}

// Aggregator serves statistics queries. The reference location fixes the
// day boundaries for "executions today".
type Aggregator struct {
	schedules ScheduleSource
	queues    QueueSource
	loc       *time.Location
	now       func() time.Time
}

func NewAggregator(schedules ScheduleSource, queues QueueSource, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{schedules: schedules, queues: queues, loc: loc, now: time.Now}
}

func (a *Aggregator) ScheduleStatistics() ScheduleStatistics {
	schedules := a.schedules.Snapshot()
	out := ScheduleStatistics{
		Total:    len(schedules),
		ByStatus: make(map[domain.ScheduleStatus]int),
	}

	dayStart, dayEnd := dayBounds(a.now(), a.loc)
	for _, sch := range schedules {
		out.ByStatus[sch.Status]++
		if sch.Status == domain.ScheduleActive && sch.NextExecution != nil {
			if out.NextExecution == nil || sch.NextExecution.Before(*out.NextExecution) {
				t := *sch.NextExecution
				out.NextExecution = &t
			}
		}
		for _, exec := range sch.History {
			if !exec.ExecutedAt.Before(dayStart) && exec.ExecutedAt.Before(dayEnd) {
				out.ExecutionsToday++
			}
		}
	}
	if out.Total > 0 {
		out.SuccessRate = float64(out.ByStatus[domain.ScheduleCompleted]) / float64(out.Total)
	}
	return out
}

func (a *Aggregator) QueueStatistics(queueID string) (QueueStatistics, error) {
	q, items, processing, err := a.queues.QueueSnapshot(queueID)
	if err != nil {
		return QueueStatistics{}, err
	}

	out := QueueStatistics{
		QueueID:    q.ID,
		Total:      len(items),
		ByStatus:   make(map[domain.QueueItemStatus]int),
		Processing: processing,
	}

	var completedDur time.Duration
	for _, it := range items {
		out.ByStatus[it.Status]++
		if it.Status == domain.ItemCompleted {
			completedDur += it.UpdatedAt.Sub(it.CreatedAt)
		}
	}
	out.Backlog = out.ByStatus[domain.ItemPending] + out.ByStatus[domain.ItemRetrying]
	if out.Total > 0 {
		out.SuccessRate = float64(out.ByStatus[domain.ItemCompleted]) / float64(out.Total)
	}
	if n := out.ByStatus[domain.ItemCompleted]; n > 0 {
		out.MeanProcessing = completedDur / time.Duration(n)
	}
	return out, nil
}

// dayBounds returns the current calendar day's [start, end) in loc,
// comparable against absolute execution instants.
func dayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
