package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	trkerrors "github.com/remediate-run/remedy/internal/errors"
	"github.com/remediate-run/remedy/internal/models"
)

func TestOpQueueRejectsEmptySelection(t *testing.T) {
	q := newOpQueue(5)
	_, err := q.Start(context.Background(), models.OperationRetry, nil, func(ctx context.Context, progress func(int, int)) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected validation error for empty selection")
	}
	if trkerrors.TypeOf(err) != trkerrors.ErrorTypeValidation {
		t.Errorf("error type = %s, want validation", trkerrors.TypeOf(err))
	}
}

func TestOpQueueSingleFlightConflict(t *testing.T) {
	q := newOpQueue(5)
	block := make(chan struct{})

	first, err := q.Start(context.Background(), models.OperationApply, []string{"i1", "i2"}, func(ctx context.Context, progress func(int, int)) error {
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	// A second mutating operation on an owned issue is rejected outright.
	_, err = q.Start(context.Background(), models.OperationRetry, []string{"i2"}, func(ctx context.Context, progress func(int, int)) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected conflict rejection")
	}
	if !errors.Is(err, trkerrors.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}

	// Non-mutating operations on the same issues are fine.
	ign, err := q.Start(context.Background(), models.OperationIgnore, []string{"i2"}, func(ctx context.Context, progress func(int, int)) error {
		return nil
	})
	if err != nil {
		t.Fatalf("non-mutating start rejected: %v", err)
	}
	<-ign.Done()

	close(block)
	<-first.Done()

	// Ownership is released on completion.
	retry, err := q.Start(context.Background(), models.OperationRetry, []string{"i1"}, func(ctx context.Context, progress func(int, int)) error {
		return nil
	})
	if err != nil {
		t.Fatalf("start after release: %v", err)
	}
	<-retry.Done()
}

func TestOperationLifecycle(t *testing.T) {
	q := newOpQueue(5)
	op, err := q.Start(context.Background(), models.OperationRetry, []string{"i1", "i2"}, func(ctx context.Context, progress func(int, int)) error {
		progress(1, 2)
		progress(2, 2)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-op.Done()

	snap := op.Snapshot()
	if snap.Status != models.OperationCompleted {
		t.Errorf("status = %s, want completed", snap.Status)
	}
	if snap.Affected != 2 {
		t.Errorf("affected = %d, want 2", snap.Affected)
	}
	if snap.Progress != 100 {
		t.Errorf("progress = %v, want 100", snap.Progress)
	}
	if snap.StartedAt == nil || snap.CompletedAt == nil {
		t.Error("timestamps missing")
	}
}

func TestOperationFailure(t *testing.T) {
	q := newOpQueue(5)
	op, _ := q.Start(context.Background(), models.OperationRollback, []string{"i1"}, func(ctx context.Context, progress func(int, int)) error {
		return errors.New("backend said no")
	})
	<-op.Done()

	snap := op.Snapshot()
	if snap.Status != models.OperationFailed {
		t.Errorf("status = %s, want failed", snap.Status)
	}
	if snap.Error != "backend said no" {
		t.Errorf("error = %q", snap.Error)
	}
}

func TestOperationCancelMidFlight(t *testing.T) {
	q := newOpQueue(5)
	started := make(chan struct{})
	op, _ := q.Start(context.Background(), models.OperationApply, []string{"i1", "i2", "i3"}, func(ctx context.Context, progress func(int, int)) error {
		close(started)
		progress(1, 3)
		<-ctx.Done()
		return ctx.Err()
	})

	<-started
	op.Cancel()
	<-op.Done()

	snap := op.Snapshot()
	if snap.Status != models.OperationCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
	if snap.Affected != 1 {
		t.Errorf("affected = %d, confirmed work before cancel must be kept", snap.Affected)
	}
	if snap.CompletedAt == nil {
		t.Error("cancel must stamp completion time")
	}

	// Cancel on a finished operation is a no-op.
	before := op.Snapshot().CompletedAt
	op.Cancel()
	if after := op.Snapshot().CompletedAt; !after.Equal(*before) {
		t.Error("second cancel rewrote the completion time")
	}
}

func TestOperationCancelWhilePending(t *testing.T) {
	// Saturate the single slot so the second operation waits on the
	// semaphore, then cancel it before it ever runs.
	q := newOpQueue(1)
	block := make(chan struct{})
	first, _ := q.Start(context.Background(), models.OperationIgnore, []string{"a"}, func(ctx context.Context, progress func(int, int)) error {
		<-block
		return nil
	})

	ran := false
	second, _ := q.Start(context.Background(), models.OperationIgnore, []string{"b"}, func(ctx context.Context, progress func(int, int)) error {
		ran = true
		return nil
	})
	second.Cancel()
	<-second.Done()

	if ran {
		t.Error("cancelled-while-pending operation must never run")
	}
	if got := second.Snapshot().Status; got != models.OperationCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}

	close(block)
	<-first.Done()
}

func TestOpQueueOwnerLookup(t *testing.T) {
	q := newOpQueue(5)
	block := make(chan struct{})
	op, _ := q.Start(context.Background(), models.OperationApply, []string{"i1"}, func(ctx context.Context, progress func(int, int)) error {
		<-block
		return nil
	})

	owner, owned := q.Owner("i1")
	if !owned || owner != op.ID() {
		t.Errorf("Owner(i1) = %q, %v", owner, owned)
	}

	close(block)
	<-op.Done()

	waitFor(t, time.Second, func() bool {
		_, owned := q.Owner("i1")
		return !owned
	})
}

func TestOpQueueGetAndList(t *testing.T) {
	q := newOpQueue(5)
	op, _ := q.Start(context.Background(), models.OperationIgnore, []string{"i1"}, func(ctx context.Context, progress func(int, int)) error {
		return nil
	})
	<-op.Done()

	if got := q.Get(op.ID()); got != op {
		t.Error("Get did not return the registered operation")
	}
	if got := q.Get("missing"); got != nil {
		t.Error("Get for unknown id must return nil")
	}
	if list := q.List(); len(list) != 1 || list[0].ID != op.ID() {
		t.Errorf("List = %+v", list)
	}
}
