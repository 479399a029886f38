package statesync

import (
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tradelab/labclient/go/internal/models"
)

// Operation is one optimistic local mutation: a set of field writes applied
// together, pinned against server overwrite for a bounded window. The ID ties
// the protection to the logical operation so a later server confirmation can
// release it early.
type Operation struct {
	ID     string
	Window time.Duration
	Writes map[Field]any
}

// Protection windows for the two critical optimistic paths. Production is
// short because the confirming push usually lands within one poll cycle;
// order fulfillment touches money and needs the longer window.
const (
	ProductionWindow     = 3 * time.Second
	OrderFulfilledWindow = 5 * time.Second
)

type protection struct {
	opID      string
	expiresAt time.Time
}

// Reconciler owns local session state. It is the single serialization point
// for all writes: transport handlers, pollers, and optimistic UI paths all
// propose writes here and the reconciler arbitrates acceptance by source,
// timestamp, and protection window. Readers get copies, never references
// into the tree.
type Reconciler struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	values      map[Field]any
	updatedAt   map[Field]int64 // wall millis of the last accepted write
	protections map[Field]protection

	// runningProbe reports whether the timer engine currently believes the
	// run is live with time on the clock. Used to distrust stale idle
	// snapshots, see Reconcile.
	runningProbe func() bool

	listeners []func(Field, any)
}

// NewReconciler creates a reconciler around the given clock.
func NewReconciler(clock clockwork.Clock) *Reconciler {
	return &Reconciler{
		clock:       clock,
		values:      make(map[Field]any),
		updatedAt:   make(map[Field]int64),
		protections: make(map[Field]protection),
	}
}

// SetRunningProbe wires the timer engine's view of the run. Must be called
// before concurrent use.
func (r *Reconciler) SetRunningProbe(probe func() bool) {
	r.runningProbe = probe
}

// Subscribe registers a listener invoked after every accepted write. Must be
// called before concurrent use. Listeners run outside the reconciler lock.
func (r *Reconciler) Subscribe(fn func(field Field, value any)) {
	r.listeners = append(r.listeners, fn)
}

// Get returns the current value of a field and whether it has ever been set.
func (r *Reconciler) Get(field Field) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[field]
	return v, ok
}

// Timestamp returns the wall-clock millis of the last accepted write to a
// field, or zero if the field has never been written.
func (r *Reconciler) Timestamp(field Field) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatedAt[field]
}

// ProtectionActive reports whether an unexpired protection window covers the
// field.
func (r *Reconciler) ProtectionActive(field Field) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.protections[field]
	return ok && r.clock.Now().Before(p.expiresAt)
}

// Reconcile proposes a write to one field. Server-sourced writes are subject
// to protection windows, timestamp ordering, and structural-equality
// suppression. An optimistic write through this entry point applies
// unconditionally but installs no protection window; use ApplyOptimistic for
// mutations that must be pinned.
func (r *Reconciler) Reconcile(field Field, value any, ts time.Time, src Source) Outcome {
	spec, known := fieldSpecs[field]
	if !known || !spec.validate(value) {
		log.Warn().
			Str("field", string(field)).
			Str("source", src.String()).
			Msg("dropping malformed write")
		return OutcomeMalformed
	}

	r.mu.Lock()
	outcome := r.reconcileLocked(field, spec, value, ts, src)
	r.mu.Unlock()

	if outcome == OutcomeApplied {
		r.notify(field, value)
	} else if outcome == OutcomeProtected || outcome == OutcomeStale {
		log.Debug().
			Str("field", string(field)).
			Str("source", src.String()).
			Str("outcome", outcome.String()).
			Msg("write discarded")
	}
	return outcome
}

func (r *Reconciler) reconcileLocked(field Field, spec fieldSpec, value any, ts time.Time, src Source) Outcome {
	if src == SourceOptimistic {
		r.values[field] = value
		r.updatedAt[field] = r.clock.Now().UnixMilli()
		return OutcomeApplied
	}

	current, exists := r.values[field]

	// Stale snapshots sometimes report an idle status for a run that is
	// visibly still counting down. Never let that reset an active session.
	if field == FieldRunStatus && r.statusGuardLocked(value, current) {
		return OutcomeStatusGuarded
	}

	if p, ok := r.protections[field]; ok {
		if r.clock.Now().Before(p.expiresAt) {
			if spec.collection && exists && collectionLen(value) < collectionLen(current) {
				// A shrinking collection is a server-confirmed consumption
				// event; it wins over the window it would otherwise hit.
				delete(r.protections, field)
				r.values[field] = value
				r.updatedAt[field] = ts.UnixMilli()
				return OutcomeApplied
			}
			return OutcomeProtected
		}
		delete(r.protections, field)
	}

	if ts.UnixMilli() <= r.updatedAt[field] {
		return OutcomeStale
	}
	if exists && reflect.DeepEqual(current, value) {
		return OutcomeUnchanged
	}

	r.values[field] = value
	r.updatedAt[field] = ts.UnixMilli()
	return OutcomeApplied
}

// ApplyOptimistic applies an optimistic local operation: every write lands
// unconditionally and, when the operation carries a window, each touched
// field is pinned until expiry, confirmation, or a legitimate reduction.
func (r *Reconciler) ApplyOptimistic(op Operation) Outcome {
	for field, value := range op.Writes {
		spec, known := fieldSpecs[field]
		if !known || !spec.validate(value) {
			log.Warn().
				Str("field", string(field)).
				Str("op", op.ID).
				Msg("dropping malformed optimistic operation")
			return OutcomeMalformed
		}
	}

	r.mu.Lock()
	now := r.clock.Now()
	for field, value := range op.Writes {
		r.values[field] = value
		r.updatedAt[field] = now.UnixMilli()
		if op.Window > 0 {
			r.protections[field] = protection{opID: op.ID, expiresAt: now.Add(op.Window)}
		}
	}
	r.mu.Unlock()

	for field, value := range op.Writes {
		r.notify(field, value)
	}
	return OutcomeApplied
}

// ConfirmOperation releases every protection window installed by the named
// operation, typically because the server acknowledged the same logical
// change.
func (r *Reconciler) ConfirmOperation(opID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for field, p := range r.protections {
		if p.opID == opID {
			delete(r.protections, field)
		}
	}
}

func (r *Reconciler) statusGuardLocked(value, current any) bool {
	incoming, ok := value.(models.RunStatus)
	if !ok {
		return false
	}
	if incoming != models.RunStatusIdle && incoming != "" {
		return false
	}
	cur, ok := current.(models.RunStatus)
	if !ok || cur != models.RunStatusRunning {
		return false
	}
	return r.runningProbe != nil && r.runningProbe()
}

func (r *Reconciler) notify(field Field, value any) {
	for _, fn := range r.listeners {
		fn(field, value)
	}
}

func collectionLen(v any) int {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		return rv.Len()
	}
	return 0
}
