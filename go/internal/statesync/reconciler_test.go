package statesync

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tradelab/labclient/go/internal/models"
)

func item(id string) models.InventoryItem {
	return models.InventoryItem{ID: id, Shape: models.ShapeCircle}
}

func TestReconcileTimestampOrdering(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(clock)
	base := clock.Now()

	if got := r.Reconcile(FieldMoney, int64(100), base, SourceSnapshot); got != OutcomeApplied {
		t.Fatalf("first write = %v, want applied", got)
	}

	tests := []struct {
		name  string
		value int64
		ts    time.Time
		want  Outcome
	}{
		{"older timestamp", 50, base.Add(-time.Second), OutcomeStale},
		{"equal timestamp", 50, base, OutcomeStale},
		{"newer same value", 100, base.Add(time.Second), OutcomeUnchanged},
		{"newer new value", 150, base.Add(2 * time.Second), OutcomeApplied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Reconcile(FieldMoney, tt.value, tt.ts, SourceSnapshot); got != tt.want {
				t.Fatalf("outcome = %v, want %v", got, tt.want)
			}
		})
	}

	if v, _ := r.Get(FieldMoney); v.(int64) != 150 {
		t.Fatalf("money = %d, want 150", v.(int64))
	}
}

func TestReconcileMalformedValue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(clock)

	if got := r.Reconcile(FieldMoney, "not money", clock.Now(), SourcePush); got != OutcomeMalformed {
		t.Fatalf("outcome = %v, want malformed", got)
	}
	if got := r.Reconcile(Field("bogus"), int64(1), clock.Now(), SourcePush); got != OutcomeMalformed {
		t.Fatalf("unknown field outcome = %v, want malformed", got)
	}
	if _, ok := r.Get(FieldMoney); ok {
		t.Fatal("malformed write must not land")
	}
}

func TestProtectionWindowBlocksServerWrites(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(clock)

	seed := []models.InventoryItem{item("a"), item("b"), item("c")}
	r.Reconcile(FieldInventory, seed, clock.Now(), SourceSnapshot)

	local := append(append([]models.InventoryItem{}, seed...), item("local"))
	r.ApplyOptimistic(Operation{
		ID:     "production",
		Window: ProductionWindow,
		Writes: map[Field]any{FieldInventory: local},
	})

	// A same-size server copy without the optimistic item is pinned out.
	stale := []models.InventoryItem{item("a"), item("b"), item("c"), item("other")}
	if got := r.Reconcile(FieldInventory, stale, clock.Now().Add(time.Second), SourcePush); got != OutcomeProtected {
		t.Fatalf("outcome = %v, want protected", got)
	}
	if v, _ := r.Get(FieldInventory); len(v.([]models.InventoryItem)) != 4 || v.([]models.InventoryItem)[3].ID != "local" {
		t.Fatal("optimistic item lost during protection window")
	}

	// After expiry the server write lands normally.
	clock.Advance(ProductionWindow + time.Millisecond)
	if got := r.Reconcile(FieldInventory, stale, clock.Now(), SourcePush); got != OutcomeApplied {
		t.Fatalf("post-expiry outcome = %v, want applied", got)
	}
}

func TestProtectionReleasedByShrinkingCollection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(clock)

	seed := []models.InventoryItem{item("a"), item("b"), item("c"), item("d")}
	r.ApplyOptimistic(Operation{
		ID:     "order:o1",
		Window: OrderFulfilledWindow,
		Writes: map[Field]any{FieldInventory: seed},
	})

	// The server confirming consumption shrinks the collection; that wins
	// over the window.
	consumed := []models.InventoryItem{item("a"), item("b")}
	if got := r.Reconcile(FieldInventory, consumed, clock.Now().Add(time.Second), SourcePush); got != OutcomeApplied {
		t.Fatalf("outcome = %v, want applied", got)
	}
	if !r.protectionReleased(FieldInventory) {
		t.Fatal("protection should be released by the reduction")
	}
}

func TestConfirmOperationReleasesProtections(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(clock)

	r.ApplyOptimistic(Operation{
		ID:     "order:o1",
		Window: OrderFulfilledWindow,
		Writes: map[Field]any{
			FieldMoney:  int64(500),
			FieldOrders: []models.Order{},
		},
	})
	if !r.ProtectionActive(FieldMoney) || !r.ProtectionActive(FieldOrders) {
		t.Fatal("protections should be active after optimistic apply")
	}

	r.ConfirmOperation("order:o1")
	if r.ProtectionActive(FieldMoney) || r.ProtectionActive(FieldOrders) {
		t.Fatal("confirmation should release every window of the operation")
	}
}

func TestOptimisticWriteWithoutWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(clock)

	if got := r.Reconcile(FieldMoney, int64(10), time.Time{}, SourceOptimistic); got != OutcomeApplied {
		t.Fatalf("outcome = %v, want applied", got)
	}
	if r.ProtectionActive(FieldMoney) {
		t.Fatal("plain optimistic write must not install a window")
	}
}

func TestRunStatusGuard(t *testing.T) {
	clock := clockwork.NewFakeClock()
	base := clock.Now()

	tests := []struct {
		name     string
		incoming models.RunStatus
		running  bool
		want     Outcome
	}{
		{"idle while visibly running", models.RunStatusIdle, true, OutcomeStatusGuarded},
		{"idle after run ended locally", models.RunStatusIdle, false, OutcomeApplied},
		{"paused while running", models.RunStatusPaused, true, OutcomeApplied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReconciler(clock)
			r.SetRunningProbe(func() bool { return tt.running })
			r.Reconcile(FieldRunStatus, models.RunStatusRunning, base, SourcePush)

			if got := r.Reconcile(FieldRunStatus, tt.incoming, base.Add(time.Second), SourceSnapshot); got != tt.want {
				t.Fatalf("outcome = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListenersObserveAcceptedWrites(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewReconciler(clock)

	var seen []Field
	r.Subscribe(func(field Field, value any) { seen = append(seen, field) })

	r.Reconcile(FieldMoney, int64(1), clock.Now(), SourceSnapshot)
	r.Reconcile(FieldMoney, int64(1), clock.Now().Add(time.Second), SourceSnapshot) // unchanged
	r.Reconcile(FieldMoney, int64(2), clock.Now().Add(2*time.Second), SourceSnapshot)

	if len(seen) != 2 {
		t.Fatalf("listener fired %d times, want 2", len(seen))
	}
}

// protectionReleased reports the absence of a window entry, expired or not.
func (r *Reconciler) protectionReleased(field Field) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.protections[field]
	return !ok
}
