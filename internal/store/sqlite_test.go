package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"postflow/internal/domain"
	"postflow/internal/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	return store.NewSQLite(db)
}

func TestScheduleRoundtrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	next := base.AddDate(0, 0, 1)
	sch := domain.Schedule{
		ID:            "sch_1",
		Name:          "daily digest",
		ScheduledTime: base,
		Timezone:      "UTC",
		Recurrence:    &domain.RecurringPattern{Type: domain.PatternDaily, Interval: 1, MaxOccurrences: 5},
		Destinations:  []string{"blog", "telegram"},
		Content:       json.RawMessage(`{"title":"t"}`),
		Priority:      3,
		Status:        domain.ScheduleActive,
		NextExecution: &next,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
	if err := st.SaveSchedule(ctx, sch); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveExecution(ctx, sch.ID, domain.Execution{
		ID:         "exe_1",
		ExecutedAt: base,
		Success:    true,
		Results:    []domain.DestinationResult{{Destination: "blog", Success: true, PostID: "p-1"}},
		Duration:   250 * time.Millisecond,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := st.LoadActiveSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d schedules", len(got))
	}
	g := got[0]
	if g.ID != sch.ID || g.Name != sch.Name || g.Priority != 3 {
		t.Fatalf("schedule = %+v", g)
	}
	if g.Recurrence == nil || g.Recurrence.Type != domain.PatternDaily || g.Recurrence.MaxOccurrences != 5 {
		t.Fatalf("recurrence = %+v", g.Recurrence)
	}
	if len(g.Destinations) != 2 || g.Destinations[1] != "telegram" {
		t.Fatalf("destinations = %v", g.Destinations)
	}
	if g.NextExecution == nil || !g.NextExecution.Equal(next) {
		t.Fatalf("next execution = %v", g.NextExecution)
	}
	if len(g.History) != 1 || !g.History[0].Success || g.History[0].Duration != 250*time.Millisecond {
		t.Fatalf("history = %+v", g.History)
	}
	if len(g.History[0].Results) != 1 || g.History[0].Results[0].PostID != "p-1" {
		t.Fatalf("results = %+v", g.History[0].Results)
	}
}

func TestLoadActiveSchedulesWithHistoryOnSingleConnection(t *testing.T) {
	// The store runs on one connection; loading execution history must not
	// issue a nested query while the schedule cursor is still open.
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("sch_%d", i)
		if err := st.SaveSchedule(ctx, domain.Schedule{
			ID:            id,
			Name:          id,
			ScheduledTime: base.Add(time.Duration(i) * time.Hour),
			Destinations:  []string{"blog"},
			Content:       json.RawMessage(`{}`),
			Status:        domain.ScheduleActive,
			CreatedAt:     base,
			UpdatedAt:     base,
		}); err != nil {
			t.Fatal(err)
		}
		for j := 0; j <= i; j++ {
			if err := st.SaveExecution(ctx, id, domain.Execution{
				ID:         fmt.Sprintf("exe_%d_%d", i, j),
				ExecutedAt: base,
				Success:    true,
			}); err != nil {
				t.Fatal(err)
			}
		}
	}

	got, err := st.LoadActiveSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d schedules", len(got))
	}
	for i, sch := range got {
		if len(sch.History) != i+1 {
			t.Fatalf("schedule %s history = %d, want %d", sch.ID, len(sch.History), i+1)
		}
	}
}

func TestLoadActiveSkipsSettledSchedules(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	sch := domain.Schedule{
		ID:            "sch_done",
		Name:          "done",
		ScheduledTime: base,
		Destinations:  []string{"blog"},
		Content:       json.RawMessage(`{}`),
		Status:        domain.ScheduleActive,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
	if err := st.SaveSchedule(ctx, sch); err != nil {
		t.Fatal(err)
	}
	sch.Status = domain.ScheduleCompleted
	if err := st.UpdateSchedule(ctx, sch); err != nil {
		t.Fatal(err)
	}

	got, err := st.LoadActiveSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("settled schedule still loads: %+v", got)
	}
}

func TestQueueItemRoundtrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	q := domain.Queue{
		ID:            "q_1",
		Name:          "publishing",
		Order:         domain.OrderPriority,
		MaxConcurrent: 4,
		Retry:         domain.RetryPolicy{MaxRetries: 3, Delay: 5 * time.Second, ExponentialBackoff: true},
		RatePerSec:    2,
		CreatedAt:     now,
	}
	if err := st.SaveQueue(ctx, q); err != nil {
		t.Fatal(err)
	}

	it := domain.QueueItem{
		ID:           "itm_1",
		QueueID:      q.ID,
		Type:         domain.ItemPublish,
		Payload:      json.RawMessage(`{"destinations":["blog"]}`),
		Priority:     2,
		Status:       domain.ItemProcessing,
		Dependencies: []string{"itm_0"},
		RetryCount:   1,
		LastError:    "timeout",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	done := domain.QueueItem{
		ID: "itm_2", QueueID: q.ID, Type: domain.ItemDelete,
		Payload: json.RawMessage(`{}`), Status: domain.ItemCompleted,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.SaveQueueItem(ctx, it); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveQueueItem(ctx, done); err != nil {
		t.Fatal(err)
	}

	queues, err := st.LoadQueues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(queues) != 1 {
		t.Fatalf("loaded %d queues", len(queues))
	}
	if queues[0].Order != domain.OrderPriority || queues[0].MaxConcurrent != 4 {
		t.Fatalf("queue = %+v", queues[0])
	}
	if !queues[0].Retry.ExponentialBackoff || queues[0].Retry.Delay != 5*time.Second {
		t.Fatalf("retry = %+v", queues[0].Retry)
	}

	// Completed items are settled and do not reload.
	items, err := st.LoadOpenItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("loaded %d open items", len(items))
	}
	g := items[0]
	if g.ID != it.ID || g.Status != domain.ItemProcessing || g.RetryCount != 1 || g.LastError != "timeout" {
		t.Fatalf("item = %+v", g)
	}
	if len(g.Dependencies) != 1 || g.Dependencies[0] != "itm_0" {
		t.Fatalf("dependencies = %v", g.Dependencies)
	}

	// Transition roundtrip.
	g.Status = domain.ItemCompleted
	g.Result = json.RawMessage(`{"ok":true}`)
	if err := st.UpdateQueueItem(ctx, g); err != nil {
		t.Fatal(err)
	}
	items, _ = st.LoadOpenItems(ctx)
	if len(items) != 0 {
		t.Fatalf("completed item still open: %+v", items)
	}
}
