package statesync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tradelab/labclient/go/internal/models"
)

// DefaultDebounceDelay absorbs a single spurious flicker between two
// non-terminal statuses arriving out of order.
const DefaultDebounceDelay = 200 * time.Millisecond

// StatusDebouncer projects raw run-status observations into a stable value
// the view can trust. Terminal statuses latch immediately and permanently;
// a participant who has seen "session ended" must never see it reopen.
// Non-terminal changes publish only after a short delay.
type StatusDebouncer struct {
	mu    sync.Mutex
	clock clockwork.Clock
	delay time.Duration

	current models.RunStatus
	ended   bool

	pending    models.RunStatus
	pendingAt  time.Time
	hasPending bool
	timer      clockwork.Timer

	onChange func(models.RunStatus)
}

// NewStatusDebouncer creates a debouncer starting at idle.
func NewStatusDebouncer(clock clockwork.Clock, delay time.Duration) *StatusDebouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &StatusDebouncer{
		clock:   clock,
		delay:   delay,
		current: models.RunStatusIdle,
	}
}

// OnChange registers an observer of published status changes. Must be called
// before concurrent use.
func (d *StatusDebouncer) OnChange(fn func(models.RunStatus)) { d.onChange = fn }

// Observe feeds one raw status observation in.
func (d *StatusDebouncer) Observe(status models.RunStatus) {
	d.mu.Lock()
	if d.ended {
		d.mu.Unlock()
		log.Debug().Str("status", string(status)).Msg("status ignored after terminal state")
		return
	}

	if status.IsTerminal() {
		d.cancelPendingLocked()
		changed := d.current != status
		d.current = status
		d.ended = true
		fn := d.onChange
		d.mu.Unlock()
		if changed && fn != nil {
			fn(status)
		}
		return
	}

	if status == d.current && !d.hasPending {
		d.mu.Unlock()
		return
	}

	d.cancelPendingLocked()
	d.pending = status
	d.pendingAt = d.clock.Now().Add(d.delay)
	d.hasPending = true
	d.timer = d.clock.AfterFunc(d.delay, d.commitPending)
	d.mu.Unlock()
}

// Current returns the stable run status.
func (d *StatusDebouncer) Current() models.RunStatus {
	d.mu.Lock()
	status, fn, changed := d.promoteLocked()
	d.mu.Unlock()
	if changed && fn != nil {
		fn(status)
	}
	return status
}

// Close cancels any pending publication.
func (d *StatusDebouncer) Close() {
	d.mu.Lock()
	d.cancelPendingLocked()
	d.mu.Unlock()
}

func (d *StatusDebouncer) commitPending() {
	d.mu.Lock()
	status, fn, changed := d.promoteLocked()
	d.mu.Unlock()
	if changed && fn != nil {
		fn(status)
	}
}

// promoteLocked applies a pending non-terminal status once its delay has
// elapsed. Done lazily from Current as well as from the timer so the stable
// value is deterministic for readers regardless of callback scheduling.
func (d *StatusDebouncer) promoteLocked() (models.RunStatus, func(models.RunStatus), bool) {
	if d.ended || !d.hasPending || d.clock.Now().Before(d.pendingAt) {
		return d.current, nil, false
	}
	d.hasPending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.pending == d.current {
		return d.current, nil, false
	}
	d.current = d.pending
	return d.current, d.onChange, true
}

func (d *StatusDebouncer) cancelPendingLocked() {
	d.hasPending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
