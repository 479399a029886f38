package statesync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tradelab/labclient/go/internal/models"
)

// DefaultResyncThreshold is how recently an authoritative correction must
// have arrived for it to take precedence over local extrapolation.
const DefaultResyncThreshold = time.Second

// TimerEngine keeps a smooth local countdown between infrequent
// authoritative corrections. Corrections re-anchor the countdown at
// (wall clock, remaining) so extrapolation and authority agree within one
// tick; between corrections the displayed value is derived from the anchor
// on demand, which also survives background throttling of the tick itself.
type TimerEngine struct {
	mu              sync.Mutex
	clock           clockwork.Clock
	status          models.RunStatus
	anchorWall      time.Time
	anchorRemaining time.Duration
	lastCorrection  time.Time
	lastDisplayed   int
	resyncThreshold time.Duration

	// tickStop is non-nil exactly while one tick goroutine is live. A
	// dangling tick is a defect; stopping states must clear it.
	tickStop chan struct{}

	onTick        func(remainingSec int)
	onComplete    func()
	requestResync func()
}

// NewTimerEngine creates an idle engine. Callbacks must be registered before
// the first Apply.
func NewTimerEngine(clock clockwork.Clock, resyncThreshold time.Duration) *TimerEngine {
	if resyncThreshold <= 0 {
		resyncThreshold = DefaultResyncThreshold
	}
	return &TimerEngine{
		clock:           clock,
		status:          models.RunStatusIdle,
		resyncThreshold: resyncThreshold,
	}
}

// OnTick registers a 1 Hz observer of the displayed remaining time.
func (e *TimerEngine) OnTick(fn func(remainingSec int)) { e.onTick = fn }

// OnComplete registers an observer of the local terminal transition.
func (e *TimerEngine) OnComplete(fn func()) { e.onComplete = fn }

// OnResyncRequest registers the hook Resync uses to ask for one
// authoritative correction.
func (e *TimerEngine) OnResyncRequest(fn func()) { e.requestResync = fn }

// Apply feeds an authoritative (status, remaining) pair into the engine.
// Terminal states are sticky: once completed, later corrections are ignored.
func (e *TimerEngine) Apply(status models.RunStatus, remainingSec int) {
	if remainingSec < 0 {
		remainingSec = 0
	}

	e.mu.Lock()
	if e.status.IsTerminal() {
		e.mu.Unlock()
		log.Debug().
			Str("status", string(status)).
			Msg("timer correction ignored after terminal state")
		return
	}

	now := e.clock.Now()
	switch status {
	case models.RunStatusRunning:
		e.anchorWall = now
		e.anchorRemaining = time.Duration(remainingSec) * time.Second
		e.lastCorrection = now
		e.lastDisplayed = remainingSec
		e.status = models.RunStatusRunning
		e.startTickLocked()
	case models.RunStatusPaused:
		e.stopTickLocked()
		e.status = models.RunStatusPaused
		e.anchorRemaining = time.Duration(remainingSec) * time.Second
		e.lastDisplayed = remainingSec
	case models.RunStatusCompleted, models.RunStatusStopped, models.RunStatusEnded:
		e.stopTickLocked()
		e.status = status
		e.anchorRemaining = time.Duration(remainingSec) * time.Second
		e.lastDisplayed = remainingSec
	default: // idle or unknown
		e.stopTickLocked()
		e.status = models.RunStatusIdle
		e.anchorRemaining = time.Duration(remainingSec) * time.Second
		e.lastDisplayed = remainingSec
	}
	e.mu.Unlock()
}

// Remaining returns the displayed remaining seconds: extrapolated from the
// anchor while running, clamped at zero, and never increasing except by an
// authoritative correction.
func (e *TimerEngine) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remainingLocked(e.clock.Now())
}

// Status returns the run status as the engine sees it. A running countdown
// that has reached zero reports completed without waiting for the server.
func (e *TimerEngine) Status() models.RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == models.RunStatusRunning && e.remainingLocked(e.clock.Now()) == 0 {
		return models.RunStatusCompleted
	}
	return e.status
}

// Running reports whether the run is live with time still on the clock.
func (e *TimerEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == models.RunStatusRunning && e.remainingLocked(e.clock.Now()) > 0
}

// Resync recomputes the displayed time from the anchor (covering
// background-throttled ticks after a re-foreground or reconnect) and issues
// one authoritative resync request.
func (e *TimerEngine) Resync() int {
	e.mu.Lock()
	rem := e.remainingLocked(e.clock.Now())
	req := e.requestResync
	e.mu.Unlock()

	if req != nil {
		req()
	}
	return rem
}

// Stop tears the engine down, cancelling any live tick.
func (e *TimerEngine) Stop() {
	e.mu.Lock()
	e.stopTickLocked()
	e.mu.Unlock()
}

func (e *TimerEngine) remainingLocked(now time.Time) int {
	if e.status != models.RunStatusRunning {
		return int(e.anchorRemaining / time.Second)
	}

	rem := e.anchorRemaining - now.Sub(e.anchorWall)
	sec := int(rem / time.Second)
	if sec < 0 {
		sec = 0
	}
	// The countdown may only move forward unless a correction said otherwise.
	if sec > e.lastDisplayed && now.Sub(e.lastCorrection) > e.resyncThreshold {
		sec = e.lastDisplayed
	}
	e.lastDisplayed = sec
	return sec
}

func (e *TimerEngine) startTickLocked() {
	if e.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	e.tickStop = stop
	ticker := e.clock.NewTicker(time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				e.mu.Lock()
				if e.tickStop != stop || e.status != models.RunStatusRunning {
					e.mu.Unlock()
					return
				}
				rem := e.remainingLocked(e.clock.Now())
				done := rem == 0
				if done {
					e.status = models.RunStatusCompleted
					e.stopTickLocked()
				}
				onTick, onComplete := e.onTick, e.onComplete
				e.mu.Unlock()

				if onTick != nil {
					onTick(rem)
				}
				if done {
					if onComplete != nil {
						onComplete()
					}
					return
				}
			}
		}
	}()
}

func (e *TimerEngine) stopTickLocked() {
	if e.tickStop != nil {
		close(e.tickStop)
		e.tickStop = nil
	}
}
