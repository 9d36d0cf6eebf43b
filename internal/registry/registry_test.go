package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"postflow/internal/domain"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestRegistry() *Registry {
	r := New(nil)
	r.now = func() time.Time { return testNow }
	return r
}

func validOpts() CreateOptions {
	return CreateOptions{
		Name:          "launch post",
		ScheduledTime: testNow.Add(time.Hour),
		Destinations:  []string{"blog"},
		Content:       json.RawMessage(`{"title":"hello"}`),
	}
}

func TestCreateValidation(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	opts := validOpts()
	opts.Destinations = nil
	if _, err := r.Create(ctx, opts); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("empty destinations: got %v, want ErrInvalidArgument", err)
	}

	opts = validOpts()
	opts.Content = nil
	if _, err := r.Create(ctx, opts); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("empty content: got %v, want ErrInvalidArgument", err)
	}

	opts = validOpts()
	opts.Recurrence = &domain.RecurringPattern{Type: domain.PatternCustom, CronExpr: "not a cron"}
	if _, err := r.Create(ctx, opts); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("bad cron: got %v, want ErrInvalidArgument", err)
	}
}

func TestCreateOneShot(t *testing.T) {
	r := newTestRegistry()
	sch, err := r.Create(context.Background(), validOpts())
	if err != nil {
		t.Fatal(err)
	}
	if sch.Status != domain.ScheduleActive {
		t.Fatalf("status = %s, want active", sch.Status)
	}
	if sch.NextExecution == nil || !sch.NextExecution.Equal(sch.ScheduledTime) {
		t.Fatalf("next execution = %v, want scheduled time %v", sch.NextExecution, sch.ScheduledTime)
	}
}

func TestCreateRecurringArmsFirstInterval(t *testing.T) {
	r := newTestRegistry()
	opts := validOpts()
	opts.Recurrence = &domain.RecurringPattern{Type: domain.PatternDaily, Interval: 1}
	sch, err := r.Create(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	want := opts.ScheduledTime.AddDate(0, 0, 1)
	if sch.NextExecution == nil || !sch.NextExecution.Equal(want) {
		t.Fatalf("next execution = %v, want %v", sch.NextExecution, want)
	}
}

func TestRecurringAdvancesPerExecution(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	opts := validOpts()
	opts.Recurrence = &domain.RecurringPattern{Type: domain.PatternDaily, Interval: 1}
	sch, _ := r.Create(ctx, opts)

	for i := 1; i <= 3; i++ {
		err := r.CompleteExecution(ctx, sch.ID, domain.Execution{ID: "exe_test", ExecutedAt: testNow, Success: true})
		if err != nil {
			t.Fatal(err)
		}
		got, _ := r.Get(sch.ID)
		want := opts.ScheduledTime.AddDate(0, 0, i+1)
		if got.NextExecution == nil || !got.NextExecution.Equal(want) {
			t.Fatalf("after %d executions next = %v, want %v", i, got.NextExecution, want)
		}
	}
}

func TestUpdateResetsCadence(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	opts := validOpts()
	opts.Recurrence = &domain.RecurringPattern{Type: domain.PatternDaily, Interval: 1}
	sch, _ := r.Create(ctx, opts)

	// Advance twice, then move the anchor. The cadence restarts from the
	// new time as if the schedule had never run.
	r.CompleteExecution(ctx, sch.ID, domain.Execution{Success: true})
	r.CompleteExecution(ctx, sch.ID, domain.Execution{Success: true})

	newTime := testNow.Add(48 * time.Hour)
	got, err := r.Update(ctx, sch.ID, UpdateOptions{ScheduledTime: &newTime})
	if err != nil {
		t.Fatal(err)
	}
	want := newTime.AddDate(0, 0, 1)
	if got.NextExecution == nil || !got.NextExecution.Equal(want) {
		t.Fatalf("next execution after update = %v, want %v", got.NextExecution, want)
	}
	if len(got.History) != 2 {
		t.Fatalf("history length = %d, want 2 (update must not touch history)", len(got.History))
	}
}

func TestUpdateWithoutTimeChangeKeepsCadence(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	sch, _ := r.Create(ctx, validOpts())
	before, _ := r.Get(sch.ID)

	name := "renamed"
	got, err := r.Update(ctx, sch.ID, UpdateOptions{Name: &name})
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "renamed" {
		t.Fatalf("name = %q", got.Name)
	}
	if !got.NextExecution.Equal(*before.NextExecution) {
		t.Fatalf("next execution moved from %v to %v", before.NextExecution, got.NextExecution)
	}
}

func TestUpdateUnknown(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Update(context.Background(), "sch_missing", UpdateOptions{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestCancel(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	if _, err := r.Cancel(ctx, "sch_missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}

	sch, _ := r.Create(ctx, validOpts())
	ok, err := r.Cancel(ctx, sch.ID)
	if err != nil || !ok {
		t.Fatalf("cancel active: ok=%v err=%v", ok, err)
	}
	got, _ := r.Get(sch.ID)
	if got.Status != domain.ScheduleCancelled || got.NextExecution != nil {
		t.Fatalf("status=%s next=%v after cancel", got.Status, got.NextExecution)
	}

	// Cancelling again is a no-op success.
	ok, err = r.Cancel(ctx, sch.ID)
	if err != nil || !ok {
		t.Fatalf("cancel cancelled: ok=%v err=%v", ok, err)
	}

	// Same for completed schedules: the state is preserved.
	done, _ := r.Create(ctx, validOpts())
	r.CompleteExecution(ctx, done.ID, domain.Execution{Success: true})
	ok, err = r.Cancel(ctx, done.ID)
	if err != nil || !ok {
		t.Fatalf("cancel completed: ok=%v err=%v", ok, err)
	}
	got, _ = r.Get(done.ID)
	if got.Status != domain.ScheduleCompleted {
		t.Fatalf("status = %s, completed must survive cancel", got.Status)
	}
}

func TestListFilterAndOrder(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	late := validOpts()
	late.ScheduledTime = testNow.Add(3 * time.Hour)
	late.Destinations = []string{"blog", "telegram"}
	a, _ := r.Create(ctx, late)

	early := validOpts()
	early.ScheduledTime = testNow.Add(time.Hour)
	b, _ := r.Create(ctx, early)

	all := r.List(Filter{})
	if len(all) != 2 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].ID != b.ID || all[1].ID != a.ID {
		t.Fatalf("not sorted by scheduled time: %s before %s", all[0].ID, all[1].ID)
	}

	byDest := r.List(Filter{Destination: "telegram"})
	if len(byDest) != 1 || byDest[0].ID != a.ID {
		t.Fatalf("destination filter returned %d items", len(byDest))
	}

	r.Cancel(ctx, a.ID)
	active := domain.ScheduleActive
	byStatus := r.List(Filter{Status: &active})
	if len(byStatus) != 1 || byStatus[0].ID != b.ID {
		t.Fatalf("status filter returned %d items", len(byStatus))
	}
}

func TestUpcomingWindow(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	in := validOpts()
	in.ScheduledTime = testNow.Add(2 * time.Hour)
	want, _ := r.Create(ctx, in)

	out := validOpts()
	out.ScheduledTime = testNow.Add(30 * time.Hour)
	r.Create(ctx, out)

	got := r.Upcoming(24 * time.Hour)
	if len(got) != 1 || got[0].ID != want.ID {
		t.Fatalf("upcoming returned %d items", len(got))
	}
}

func TestDue(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	past := validOpts()
	past.ScheduledTime = testNow.Add(-time.Hour)
	p, _ := r.Create(ctx, past)

	future := validOpts()
	future.ScheduledTime = testNow.Add(time.Hour)
	r.Create(ctx, future)

	due := r.Due(testNow)
	if len(due) != 1 || due[0].ID != p.ID {
		t.Fatalf("due returned %d items", len(due))
	}

	r.Cancel(ctx, p.ID)
	if due := r.Due(testNow); len(due) != 0 {
		t.Fatalf("cancelled schedule still due")
	}
}

func TestCompleteExecutionOneShot(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	ok, _ := r.Create(ctx, validOpts())
	r.CompleteExecution(ctx, ok.ID, domain.Execution{Success: true})
	got, _ := r.Get(ok.ID)
	if got.Status != domain.ScheduleCompleted || got.NextExecution != nil || len(got.History) != 1 {
		t.Fatalf("success: status=%s next=%v history=%d", got.Status, got.NextExecution, len(got.History))
	}

	bad, _ := r.Create(ctx, validOpts())
	r.CompleteExecution(ctx, bad.ID, domain.Execution{Success: false, Error: "boom"})
	got, _ = r.Get(bad.ID)
	if got.Status != domain.ScheduleFailed || got.NextExecution != nil || len(got.History) != 1 {
		t.Fatalf("failure: status=%s next=%v history=%d", got.Status, got.NextExecution, len(got.History))
	}
}

func TestCompleteExecutionMaxOccurrences(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	opts := validOpts()
	opts.Recurrence = &domain.RecurringPattern{Type: domain.PatternDaily, Interval: 1, MaxOccurrences: 2}
	sch, _ := r.Create(ctx, opts)

	r.CompleteExecution(ctx, sch.ID, domain.Execution{Success: true})
	got, _ := r.Get(sch.ID)
	if got.Status != domain.ScheduleActive || got.NextExecution == nil {
		t.Fatalf("after 1 of 2: status=%s next=%v", got.Status, got.NextExecution)
	}

	r.CompleteExecution(ctx, sch.ID, domain.Execution{Success: true})
	got, _ = r.Get(sch.ID)
	if got.Status != domain.ScheduleCompleted || got.NextExecution != nil {
		t.Fatalf("after 2 of 2: status=%s next=%v", got.Status, got.NextExecution)
	}
	if len(got.History) != 2 {
		t.Fatalf("history = %d", len(got.History))
	}
}

func TestCompleteExecutionAfterCancel(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	opts := validOpts()
	opts.Recurrence = &domain.RecurringPattern{Type: domain.PatternDaily, Interval: 1}
	sch, _ := r.Create(ctx, opts)
	r.Cancel(ctx, sch.ID)

	// A publish already in flight still records its result, but the
	// schedule stays cancelled and does not re-arm.
	if err := r.CompleteExecution(ctx, sch.ID, domain.Execution{Success: true}); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(sch.ID)
	if got.Status != domain.ScheduleCancelled || got.NextExecution != nil {
		t.Fatalf("status=%s next=%v", got.Status, got.NextExecution)
	}
	if len(got.History) != 1 {
		t.Fatalf("history = %d", len(got.History))
	}
}

func TestCustomCronAdvance(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	opts := validOpts()
	opts.ScheduledTime = testNow.Add(time.Hour)
	opts.Recurrence = &domain.RecurringPattern{Type: domain.PatternCustom, CronExpr: "0 9 * * *"}
	sch, err := r.Create(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	// First fire is the first 09:00 after the scheduled time.
	want := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	if sch.NextExecution == nil || !sch.NextExecution.Equal(want) {
		t.Fatalf("next = %v, want %v", sch.NextExecution, want)
	}

	if err := r.CompleteExecution(ctx, sch.ID, domain.Execution{Success: true}); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(sch.ID)
	// Advances from now (12:00 on the 10th), so the next 09:00 is still
	// the 11th.
	if got.NextExecution == nil || !got.NextExecution.Equal(want) {
		t.Fatalf("next after execution = %v, want %v", got.NextExecution, want)
	}
}

func TestCustomWithoutCronRunsOnce(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	opts := validOpts()
	opts.Recurrence = &domain.RecurringPattern{Type: domain.PatternCustom}
	sch, _ := r.Create(ctx, opts)
	if sch.NextExecution == nil || !sch.NextExecution.Equal(sch.ScheduledTime) {
		t.Fatalf("next = %v", sch.NextExecution)
	}

	r.CompleteExecution(ctx, sch.ID, domain.Execution{Success: true})
	got, _ := r.Get(sch.ID)
	if got.Status != domain.ScheduleCompleted || got.NextExecution != nil {
		t.Fatalf("status=%s next=%v", got.Status, got.NextExecution)
	}
}
