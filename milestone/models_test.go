package milestone

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func ms(idx int, status Status) Milestone {
	return Milestone{
		ID:               "m" + string(rune('0'+idx)),
		DealID:           "d1",
		Index:            idx,
		Amount:           decimal.RequireFromString("100.00"),
		ReviewWindowDays: 3,
		RevisionLimit:    2,
		Status:           status,
	}
}

func TestNextUnreleased(t *testing.T) {
	if _, ok := NextUnreleased(nil); ok {
		t.Fatal("empty plan should report no active milestone")
	}

	seq := []Milestone{ms(0, StatusReleased), ms(1, StatusDelivered), ms(2, StatusPending)}
	idx, ok := NextUnreleased(seq)
	if !ok || idx != 1 {
		t.Fatalf("got (%d, %v), want (1, true)", idx, ok)
	}

	all := []Milestone{ms(0, StatusReleased), ms(1, StatusReleased)}
	if _, ok := NextUnreleased(all); ok {
		t.Fatal("fully released plan should report no active milestone")
	}

	// A disputed milestone still blocks everything behind it.
	blocked := []Milestone{ms(0, StatusDisputed), ms(1, StatusPending)}
	idx, ok = NextUnreleased(blocked)
	if !ok || idx != 0 {
		t.Fatalf("got (%d, %v), want (0, true)", idx, ok)
	}

	// released_at marks a milestone paid even when a later write put a
	// different status on the row; the sequence must move past it.
	paid := time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC)
	overwritten := []Milestone{ms(0, StatusDelivered), ms(1, StatusPending)}
	overwritten[0].ReleasedAt = &paid
	idx, ok = NextUnreleased(overwritten)
	if !ok || idx != 1 {
		t.Fatalf("got (%d, %v), want (1, true)", idx, ok)
	}
	if !overwritten[0].Released() {
		t.Fatal("milestone with released_at set should report Released")
	}
}

func TestReviewDeadline(t *testing.T) {
	m := ms(0, StatusPending)
	if _, ok := m.ReviewDeadline(); ok {
		t.Fatal("undelivered milestone has no deadline")
	}

	delivered := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.Status = StatusDelivered
	m.DeliveredAt = &delivered
	deadline, ok := m.ReviewDeadline()
	if !ok {
		t.Fatal("delivered milestone should have a deadline")
	}
	if want := delivered.AddDate(0, 0, 3); !deadline.Equal(want) {
		t.Fatalf("deadline = %s, want %s", deadline, want)
	}
}

func TestCanRequestRevision(t *testing.T) {
	delivered := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m := ms(0, StatusDelivered)
	m.DeliveredAt = &delivered

	inWindow := delivered.Add(24 * time.Hour)
	if err := m.CanRequestRevision(inWindow, 0); err != nil {
		t.Fatalf("first revision inside the window: %v", err)
	}
	if err := m.CanRequestRevision(inWindow, 1); err != nil {
		t.Fatalf("second revision inside the window: %v", err)
	}

	if err := m.CanRequestRevision(inWindow, 2); !errors.Is(err, ErrRevisionLimitExceeded) {
		t.Fatalf("got %v, want ErrRevisionLimitExceeded", err)
	}

	afterWindow := delivered.AddDate(0, 0, 3).Add(time.Minute)
	if err := m.CanRequestRevision(afterWindow, 0); !errors.Is(err, ErrReviewWindowExpired) {
		t.Fatalf("got %v, want ErrReviewWindowExpired", err)
	}

	// The deadline instant itself is still inside the window.
	atDeadline := delivered.AddDate(0, 0, 3)
	if err := m.CanRequestRevision(atDeadline, 0); err != nil {
		t.Fatalf("revision at the deadline instant: %v", err)
	}

	pending := ms(1, StatusPending)
	if err := pending.CanRequestRevision(inWindow, 0); !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("got %v, want ErrNotDelivered", err)
	}

	// Re-delivery restarts the window from the newest submission.
	redelivered := delivered.AddDate(0, 0, 5)
	m.DeliveredAt = &redelivered
	if err := m.CanRequestRevision(redelivered.Add(time.Hour), 1); err != nil {
		t.Fatalf("revision after re-delivery: %v", err)
	}
}

// Two-stage deal, first milestone delivered at T0, 3-day window: a revision at
// T0+2d succeeds, the payee re-delivers, and a second revision attempt timed
// against the original deadline is judged against the new delivery instead.
func TestRevisionWindowRecomputedFromRedelivery(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	first := ms(0, StatusDelivered)
	first.Amount = decimal.RequireFromString("100.00")
	first.DeliveredAt = &t0

	second := ms(1, StatusPending)
	second.Amount = decimal.RequireFromString("150.00")

	if idx, ok := NextUnreleased([]Milestone{first, second}); !ok || idx != 0 {
		t.Fatalf("active milestone = (%d, %v), want (0, true)", idx, ok)
	}

	if err := first.CanRequestRevision(t0.AddDate(0, 0, 2), 0); err != nil {
		t.Fatalf("revision at T0+2d: %v", err)
	}

	// Payee re-delivers right after the revision.
	redelivery := t0.AddDate(0, 0, 2).Add(time.Hour)
	first.DeliveredAt = &redelivery

	// T0+5d is past the original T0+3d deadline but inside the window of the
	// re-delivery, so the request still succeeds.
	if err := first.CanRequestRevision(t0.AddDate(0, 0, 5), 1); err != nil {
		t.Fatalf("revision inside recomputed window: %v", err)
	}

	// Past the recomputed deadline it fails, regardless of revision count.
	late := redelivery.AddDate(0, 0, 3).Add(time.Minute)
	if err := first.CanRequestRevision(late, 1); !errors.Is(err, ErrReviewWindowExpired) {
		t.Fatalf("got %v, want ErrReviewWindowExpired", err)
	}
}
