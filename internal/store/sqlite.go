package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"postflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  scheduled_time DATETIME NOT NULL,
  timezone TEXT NOT NULL DEFAULT '',
  recurrence TEXT,
  destinations TEXT NOT NULL,
  audience BLOB,
  content BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('active','completed','cancelled','failed')) DEFAULT 'active',
  next_execution DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_execution);
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  executed_at DATETIME NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  results TEXT,
  error TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  FOREIGN KEY(schedule_id) REFERENCES schedules(id)
);
CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, executed_at);
CREATE TABLE IF NOT EXISTS queues (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  item_order TEXT NOT NULL CHECK(item_order IN ('fifo','lifo','priority','scheduled_time')) DEFAULT 'fifo',
  max_concurrent INTEGER NOT NULL DEFAULT 1,
  retry TEXT NOT NULL,
  rate_per_sec REAL NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS queue_items (
  id TEXT PRIMARY KEY,
  queue_id TEXT NOT NULL,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  result BLOB,
  priority INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed','retrying')) DEFAULT 'pending',
  dependencies TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  scheduled_time DATETIME,
  last_error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(queue_id) REFERENCES queues(id)
);
CREATE INDEX IF NOT EXISTS idx_items_open ON queue_items(queue_id, status, created_at);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

// NewSQLite returns a Store backed by the given sqlite database.
func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) SaveSchedule(ctx context.Context, sch domain.Schedule) error {
	recurrence, err := marshalNullable(sch.Recurrence)
	if err != nil {
		return err
	}
	destinations, err := json.Marshal(sch.Destinations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,description,scheduled_time,timezone,recurrence,destinations,audience,content,priority,status,next_execution,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, sch.ID, sch.Name, sch.Description, sch.ScheduledTime, sch.Timezone, recurrence, string(destinations),
		[]byte(sch.Audience), []byte(sch.Content), sch.Priority, string(sch.Status), sch.NextExecution,
		sch.CreatedAt, sch.UpdatedAt)
	return err
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sch domain.Schedule) error {
	recurrence, err := marshalNullable(sch.Recurrence)
	if err != nil {
		return err
	}
	destinations, err := json.Marshal(sch.Destinations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE schedules SET name=?,description=?,scheduled_time=?,timezone=?,recurrence=?,destinations=?,audience=?,content=?,priority=?,status=?,next_execution=?,updated_at=?
WHERE id=?`, sch.Name, sch.Description, sch.ScheduledTime, sch.Timezone, recurrence, string(destinations),
		[]byte(sch.Audience), []byte(sch.Content), sch.Priority, string(sch.Status), sch.NextExecution,
		sch.UpdatedAt, sch.ID)
	return err
}

func (s *sqliteStore) SaveExecution(ctx context.Context, scheduleID string, e domain.Execution) error {
	results, err := json.Marshal(e.Results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO executions (id,schedule_id,executed_at,success,results,error,duration_ms)
VALUES (?,?,?,?,?,?,?)
`, e.ID, scheduleID, e.ExecutedAt, e.Success, string(results), e.Error, e.Duration.Milliseconds())
	return err
}

func (s *sqliteStore) SaveQueue(ctx context.Context, q domain.Queue) error {
	policy, err := json.Marshal(q.Retry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO queues (id,name,item_order,max_concurrent,retry,rate_per_sec,created_at)
VALUES (?,?,?,?,?,?,?)
`, q.ID, q.Name, string(q.Order), q.MaxConcurrent, string(policy), q.RatePerSec, q.CreatedAt)
	return err
}

func (s *sqliteStore) SaveQueueItem(ctx context.Context, it domain.QueueItem) error {
	deps, err := marshalNullable(it.Dependencies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO queue_items (id,queue_id,type,payload,result,priority,status,dependencies,retry_count,scheduled_time,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, it.ID, it.QueueID, string(it.Type), []byte(it.Payload), []byte(it.Result), it.Priority, string(it.Status),
		deps, it.RetryCount, it.ScheduledTime, it.LastError, it.CreatedAt, it.UpdatedAt)
	return err
}

func (s *sqliteStore) UpdateQueueItem(ctx context.Context, it domain.QueueItem) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_items SET result=?,status=?,retry_count=?,last_error=?,updated_at=?
WHERE id=?`, []byte(it.Result), string(it.Status), it.RetryCount, it.LastError, it.UpdatedAt, it.ID)
	return err
}

func (s *sqliteStore) LoadActiveSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,name,description,scheduled_time,timezone,recurrence,destinations,audience,content,priority,status,next_execution,created_at,updated_at
FROM schedules WHERE status='active' ORDER BY scheduled_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		var (
			sch           domain.Schedule
			recurrence    sql.NullString
			destinations  string
			audience      []byte
			content       []byte
			status        string
			nextExecution sql.NullTime
		)
		if err := rows.Scan(&sch.ID, &sch.Name, &sch.Description, &sch.ScheduledTime, &sch.Timezone,
			&recurrence, &destinations, &audience, &content, &sch.Priority, &status, &nextExecution,
			&sch.CreatedAt, &sch.UpdatedAt); err != nil {
			return nil, err
		}
		if recurrence.Valid {
			var p domain.RecurringPattern
			if err := json.Unmarshal([]byte(recurrence.String), &p); err != nil {
				return nil, err
			}
			sch.Recurrence = &p
		}
		if err := json.Unmarshal([]byte(destinations), &sch.Destinations); err != nil {
			return nil, err
		}
		sch.Audience = audience
		sch.Content = content
		sch.Status = domain.ScheduleStatus(status)
		if nextExecution.Valid {
			t := nextExecution.Time
			sch.NextExecution = &t
		}
		schedules = append(schedules, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	// History loads run after the cursor is closed: with a single-writer
	// connection a nested query would block on the connection the open
	// rows still hold.
	for i := range schedules {
		history, err := s.loadExecutions(ctx, schedules[i].ID)
		if err != nil {
			return nil, err
		}
		schedules[i].History = history
	}
	return schedules, nil
}

func (s *sqliteStore) loadExecutions(ctx context.Context, scheduleID string) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,executed_at,success,results,error,duration_ms
FROM executions WHERE schedule_id=? ORDER BY executed_at`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		var (
			e          domain.Execution
			results    sql.NullString
			durationMs int64
		)
		if err := rows.Scan(&e.ID, &e.ExecutedAt, &e.Success, &results, &e.Error, &durationMs); err != nil {
			return nil, err
		}
		if results.Valid && results.String != "" {
			if err := json.Unmarshal([]byte(results.String), &e.Results); err != nil {
				return nil, err
			}
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func (s *sqliteStore) LoadQueues(ctx context.Context) ([]domain.Queue, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,name,item_order,max_concurrent,retry,rate_per_sec,created_at FROM queues ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []domain.Queue
	for rows.Next() {
		var (
			q      domain.Queue
			order  string
			policy string
		)
		if err := rows.Scan(&q.ID, &q.Name, &order, &q.MaxConcurrent, &policy, &q.RatePerSec, &q.CreatedAt); err != nil {
			return nil, err
		}
		q.Order = domain.QueueOrder(order)
		if err := json.Unmarshal([]byte(policy), &q.Retry); err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func (s *sqliteStore) LoadOpenItems(ctx context.Context) ([]domain.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,queue_id,type,payload,result,priority,status,dependencies,retry_count,scheduled_time,last_error,created_at,updated_at
FROM queue_items WHERE status IN ('pending','processing','retrying') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		var (
			it            domain.QueueItem
			payload       []byte
			result        []byte
			status        string
			deps          sql.NullString
			scheduledTime sql.NullTime
		)
		if err := rows.Scan(&it.ID, &it.QueueID, (*string)(&it.Type), &payload, &result, &it.Priority,
			&status, &deps, &it.RetryCount, &scheduledTime, &it.LastError, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		it.Payload = payload
		it.Result = result
		it.Status = domain.QueueItemStatus(status)
		if deps.Valid && deps.String != "" {
			if err := json.Unmarshal([]byte(deps.String), &it.Dependencies); err != nil {
				return nil, err
			}
		}
		if scheduledTime.Valid {
			t := scheduledTime.Time
			it.ScheduledTime = &t
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// marshalNullable returns NULL for nil values instead of the JSON literal.
func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case *domain.RecurringPattern:
		if val == nil {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
