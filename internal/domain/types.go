package domain

import (
	"encoding/json"
	"time"
)

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
	ScheduleFailed    ScheduleStatus = "failed"
)

type PatternType string

const (
	PatternDaily   PatternType = "daily"
	PatternWeekly  PatternType = "weekly"
	PatternMonthly PatternType = "monthly"
	PatternCustom  PatternType = "custom"
)

// RecurringPattern describes a repeating cadence. Custom patterns carry a
// standard cron expression; they are advanced by the registry rather than
// the interval planner.
type RecurringPattern struct {
	Type           PatternType `json:"type"`
	Interval       int         `json:"interval"`
	EndDate        *time.Time  `json:"end_date,omitempty"`
	MaxOccurrences int         `json:"max_occurrences,omitempty"`
	CronExpr       string      `json:"cron_expr,omitempty"`
}

// DestinationResult is the outcome of one destination write.
type DestinationResult struct {
	Destination string `json:"destination"`
	Success     bool   `json:"success"`
	PostID      string `json:"post_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Execution is an immutable record of one publish attempt for a schedule.
// Appended to the schedule's history, never mutated or removed.
type Execution struct {
	ID         string              `json:"id"`
	ExecutedAt time.Time           `json:"executed_at"`
	Success    bool                `json:"success"`
	Results    []DestinationResult `json:"results"`
	Error      string              `json:"error,omitempty"`
	Duration   time.Duration       `json:"duration"`
}

// Schedule is a planned publish action. Status terminates, the row never
// disappears: the execution history is the audit trail.
type Schedule struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	Timezone      string            `json:"timezone,omitempty"` // informational; comparisons use absolute time
	Recurrence    *RecurringPattern `json:"recurrence,omitempty"`
	Destinations  []string          `json:"destinations"`
	Audience      json.RawMessage   `json:"audience,omitempty"`
	Content       json.RawMessage   `json:"content"`
	Priority      int               `json:"priority"`
	Status        ScheduleStatus    `json:"status"`
	NextExecution *time.Time        `json:"next_execution,omitempty"`
	History       []Execution       `json:"history,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type QueueOrder string

const (
	OrderFIFO          QueueOrder = "fifo"
	OrderLIFO          QueueOrder = "lifo"
	OrderPriority      QueueOrder = "priority"
	OrderScheduledTime QueueOrder = "scheduled_time"
)

// RetryPolicy governs whether and when a failed queue item re-enters the
// pending pool.
type RetryPolicy struct {
	MaxRetries         int           `json:"max_retries"`
	Delay              time.Duration `json:"delay"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
	MaxDelay           time.Duration `json:"max_delay,omitempty"`
	DenyClasses        []string      `json:"deny_classes,omitempty"`
	AllowClasses       []string      `json:"allow_classes,omitempty"`
}

// Queue is a named processing lane.
type Queue struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Order         QueueOrder  `json:"order"`
	MaxConcurrent int         `json:"max_concurrent"`
	Retry         RetryPolicy `json:"retry"`
	RatePerSec    float64     `json:"rate_per_sec,omitempty"` // 0 = unlimited
	CreatedAt     time.Time   `json:"created_at"`
}

type QueueItemStatus string

const (
	ItemPending    QueueItemStatus = "pending"
	ItemProcessing QueueItemStatus = "processing"
	ItemCompleted  QueueItemStatus = "completed"
	ItemFailed     QueueItemStatus = "failed"
	ItemRetrying   QueueItemStatus = "retrying"
)

// Terminal reports whether an item status admits no further transitions.
func (s QueueItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemFailed
}

type QueueItemType string

const (
	ItemPublish           QueueItemType = "publish"
	ItemScheduleCreate    QueueItemType = "schedule_create"
	ItemUpdate            QueueItemType = "update"
	ItemDelete            QueueItemType = "delete"
	ItemAnalyticsSync     QueueItemType = "analytics_sync"
	ItemContentAdaptation QueueItemType = "content_adaptation"
	ItemBulkOperation     QueueItemType = "bulk_operation"
)

// KnownItemType reports whether t is one of the closed set of item kinds.
func KnownItemType(t QueueItemType) bool {
	switch t {
	case ItemPublish, ItemScheduleCreate, ItemUpdate, ItemDelete,
		ItemAnalyticsSync, ItemContentAdaptation, ItemBulkOperation:
		return true
	}
	return false
}

// QueueItem is one unit of work inside a queue. Items transition strictly
// Pending -> Processing -> {Completed | Retrying -> Pending -> ... | Failed}.
type QueueItem struct {
	ID            string          `json:"id"`
	QueueID       string          `json:"queue_id"`
	Type          QueueItemType   `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Result        json.RawMessage `json:"result,omitempty"`
	Priority      int             `json:"priority"`
	Status        QueueItemStatus `json:"status"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	RetryCount    int             `json:"retry_count"`
	ScheduledTime *time.Time      `json:"scheduled_time,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
