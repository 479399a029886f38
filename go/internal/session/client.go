package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tradelab/labclient/go/internal/events"
	"github.com/tradelab/labclient/go/internal/models"
	"github.com/tradelab/labclient/go/internal/statesync"
	"github.com/tradelab/labclient/go/internal/trade"
	"github.com/tradelab/labclient/go/internal/transport"
)

// opProduction keys the optimistic production mutation so the confirming
// server push can release its protection window early.
const opProduction = "production"

// resyncDelay spaces the post-reconnect resync slightly so a flapping
// connection does not hammer the snapshot endpoint.
const resyncDelay = 100 * time.Millisecond

// API is what the client needs from the REST layer. Every response is an
// authoritative snapshot and feeds back through reconciliation.
type API interface {
	FetchSnapshot(ctx context.Context) (*models.Snapshot, error)
	ProposeTrade(ctx context.Context, offer models.TradeOffer) (*models.Snapshot, error)
	RespondToOffer(ctx context.Context, offerID string, accept bool) (*models.Snapshot, error)
	CancelOffer(ctx context.Context, offerID string) (*models.Snapshot, error)
	StartRun(ctx context.Context) (*models.Snapshot, error)
	PauseRun(ctx context.Context) (*models.Snapshot, error)
	ResetRun(ctx context.Context) (*models.Snapshot, error)
}

// Tracer records what the client applied and dropped, for post-experiment
// analysis. Implementations must not block.
type Tracer interface {
	TraceEvent(sessionID, eventID string, eventType string, accepted bool)
	TraceReconcile(sessionID, field, source, outcome string, at time.Time)
}

// Config holds configuration for a session client.
type Config struct {
	SessionID     string
	ParticipantID string
	Clock         clockwork.Clock
	Transport     transport.Transport
	API           API
	Tracer        Tracer // optional

	ResyncThreshold time.Duration
	DebounceDelay   time.Duration
	DedupCapacity   int

	// OnReset observes researcher-initiated session restarts.
	OnReset func()
}

// core is one epoch of session state. A session reset discards the whole
// core and builds a fresh one, which is how a terminal-latched status and a
// legitimate restart coexist.
type core struct {
	state  *statesync.Reconciler
	dedup  *statesync.Deduper
	timer  *statesync.TimerEngine
	status *statesync.StatusDebouncer
	trades *trade.Machine
}

// Client keeps one participant's local view of shared session state
// consistent with the authoritative server. All inbound traffic, push or
// poll, funnels through HandleEvent/ApplySnapshot into the reconciler; the
// view layer reads derived state and never mutates it.
type Client struct {
	sessionID     string
	participantID string
	clock         clockwork.Clock
	transport     transport.Transport
	api           API
	tracer        Tracer
	cfg           Config

	coreMu sync.RWMutex
	c      *core

	// listeners survive epoch resets; each fresh core re-registers them.
	listeners []func(statesync.Field, any)

	resyncMu    sync.Mutex
	resyncTimer clockwork.Timer
}

// NewClient creates a session client.
func NewClient(cfg Config) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cl := &Client{
		sessionID:     cfg.SessionID,
		participantID: cfg.ParticipantID,
		clock:         cfg.Clock,
		transport:     cfg.Transport,
		api:           cfg.API,
		tracer:        cfg.Tracer,
		cfg:           cfg,
	}
	cl.c = cl.newCore()
	return cl
}

func (cl *Client) newCore() *core {
	co := &core{
		state:  statesync.NewReconciler(cl.clock),
		dedup:  statesync.NewDeduper(cl.cfg.DedupCapacity),
		timer:  statesync.NewTimerEngine(cl.clock, cl.cfg.ResyncThreshold),
		status: statesync.NewStatusDebouncer(cl.clock, cl.cfg.DebounceDelay),
		trades: trade.NewMachine(cl.participantID, cl.clock),
	}
	co.state.SetRunningProbe(co.timer.Running)
	for _, fn := range cl.listeners {
		co.state.Subscribe(fn)
	}
	co.timer.OnComplete(func() {
		// The countdown reached zero ahead of the server; surface the local
		// terminal transition everywhere the server's own would go.
		co.status.Observe(models.RunStatusCompleted)
		cl.reconcile(co, statesync.FieldRunStatus, models.RunStatusCompleted, cl.clock.Now(), statesync.SourceOptimistic)
	})
	co.timer.OnResyncRequest(func() {
		go func() {
			if err := cl.Resync(context.Background()); err != nil {
				log.Error().Err(err).Msg("resync failed")
			}
		}()
	})
	return co
}

// Subscribe registers an observer of accepted state writes. Must be called
// before Run; observers run outside the reconciler lock and carry over
// across session resets.
func (cl *Client) Subscribe(fn func(field statesync.Field, value any)) {
	cl.listeners = append(cl.listeners, fn)
	cl.core().state.Subscribe(fn)
}

func (cl *Client) core() *core {
	cl.coreMu.RLock()
	defer cl.coreMu.RUnlock()
	return cl.c
}

// Run consumes the transport until the context is cancelled.
func (cl *Client) Run(ctx context.Context) error {
	if err := cl.transport.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			cl.Stop()
			return nil
		case <-cl.transport.Reconnects():
			cl.scheduleResync()
		case ev, ok := <-cl.transport.Events():
			if !ok {
				cl.Stop()
				return nil
			}
			cl.HandleEvent(&ev)
		}
	}
}

// Stop tears the client down.
func (cl *Client) Stop() {
	cl.resyncMu.Lock()
	if cl.resyncTimer != nil {
		cl.resyncTimer.Stop()
		cl.resyncTimer = nil
	}
	cl.resyncMu.Unlock()

	co := cl.core()
	co.timer.Stop()
	co.status.Close()
	if err := cl.transport.Close(); err != nil {
		log.Error().Err(err).Msg("transport close failed")
	}
}

// HandleEvent routes one inbound push event: dedup, typed parse, reconcile.
func (cl *Client) HandleEvent(ev *events.Envelope) {
	co := cl.core()

	if !co.dedup.Accept(ev.DedupKey()) {
		log.Debug().
			Str("event_id", ev.ID).
			Str("event_type", string(ev.Type)).
			Msg("duplicate event ignored")
		cl.traceEvent(ev, false)
		return
	}
	cl.traceEvent(ev, true)

	payload, err := events.ParsePayload(ev)
	if err != nil {
		log.Warn().
			Err(err).
			Str("event_type", string(ev.Type)).
			Msg("dropping malformed event payload")
		return
	}
	if payload == nil {
		log.Debug().Str("event_type", string(ev.Type)).Msg("unknown event type ignored")
		return
	}

	switch p := payload.(type) {
	case events.TimerUpdatePayload:
		cl.applyRunState(co, p.RunStatus, p.RemainingSec, ev.Timestamp, statesync.SourcePush)

	case events.SessionStatusPayload:
		rem := co.timer.Remaining()
		if p.RunStatus == models.RunStatusRunning && rem == 0 {
			// No countdown known yet; record the status and let the next
			// timer correction anchor the clock.
			if cl.reconcile(co, statesync.FieldRunStatus, p.RunStatus, ev.Timestamp, statesync.SourcePush).Accepted() {
				co.status.Observe(p.RunStatus)
			}
			return
		}
		cl.applyRunState(co, p.RunStatus, rem, ev.Timestamp, statesync.SourcePush)

	case *models.Snapshot:
		cl.applySnapshot(co, p, ev.Timestamp, statesync.SourcePush)

	case events.NewTradeOfferPayload:
		if co.trades.ApplyOffer(p.Offer) {
			cl.publishOffers(co)
		}

	case events.TradeOfferResponsePayload:
		res := trade.ResolutionRejected
		if p.Accepted {
			res = trade.ResolutionAccepted
		}
		if _, ok := co.trades.Settle(p.OfferID, res); ok {
			cl.publishOffers(co)
		}

	case events.TradeCompletedPayload:
		if _, ok := co.trades.Settle(p.OfferID, trade.ResolutionAccepted); ok {
			cl.publishOffers(co)
		}

	case events.ParticipantUpdatePayload:
		cl.mergeParticipant(co, p.Participant, ev.Timestamp)

	case events.ProductionCompletedPayload:
		if p.ParticipantID == cl.participantID {
			co.state.ConfirmOperation(opProduction)
		}

	case events.OrderFilledPayload:
		if p.ParticipantID == cl.participantID {
			co.state.ConfirmOperation("order:" + p.OrderID)
		}

	case events.ChatMessagePayload:
		cl.appendMessage(co, p.Message, ev.Timestamp)

	case events.SessionResetPayload:
		cl.reset()
	}
}

// ApplySnapshot feeds a polled or action-response snapshot through
// reconciliation.
func (cl *Client) ApplySnapshot(snap *models.Snapshot) {
	if snap == nil {
		return
	}
	cl.applySnapshot(cl.core(), snap, snap.TakenAt, statesync.SourceSnapshot)
}

// Resync fetches one authoritative snapshot and reconciles it. Issued on
// reconnect, re-foreground, and on demand.
func (cl *Client) Resync(ctx context.Context) error {
	snap, err := cl.api.FetchSnapshot(ctx)
	if err != nil {
		return err
	}
	cl.ApplySnapshot(snap)
	return nil
}

func (cl *Client) applySnapshot(co *core, snap *models.Snapshot, ts time.Time, src statesync.Source) {
	if ts.IsZero() {
		ts = cl.clock.Now()
	}

	if snap.Money != nil {
		cl.reconcile(co, statesync.FieldMoney, *snap.Money, ts, src)
	}
	if snap.Inventory != nil {
		cl.reconcile(co, statesync.FieldInventory, snap.Inventory, ts, src)
	}
	if snap.Orders != nil {
		cl.reconcile(co, statesync.FieldOrders, snap.Orders, ts, src)
	}
	if snap.ProductionQueue != nil {
		cl.reconcile(co, statesync.FieldProductionQueue, snap.ProductionQueue, ts, src)
	}
	if snap.Participants != nil {
		cl.reconcile(co, statesync.FieldParticipants, snap.Participants, ts, src)
	}
	if snap.Messages != nil {
		cl.reconcile(co, statesync.FieldMessages, snap.Messages, ts, src)
	}
	if snap.RunStatus != nil {
		remaining := co.timer.Remaining()
		if snap.RemainingSec != nil {
			remaining = *snap.RemainingSec
		}
		if *snap.RunStatus == models.RunStatusRunning && snap.RemainingSec == nil && remaining == 0 {
			if cl.reconcile(co, statesync.FieldRunStatus, *snap.RunStatus, ts, src).Accepted() {
				co.status.Observe(*snap.RunStatus)
			}
		} else {
			cl.applyRunState(co, *snap.RunStatus, remaining, ts, src)
		}
	} else if snap.RemainingSec != nil {
		cl.reconcile(co, statesync.FieldRemainingSec, *snap.RemainingSec, ts, src)
	}

	if snap.TradeOffers != nil {
		// The snapshot's offer list is authoritative both ways: it announces
		// offers this client missed and retires pending ones the server no
		// longer reports.
		if co.trades.SyncPending(snap.TradeOffers) {
			cl.publishOffers(co)
		}
	}
}

// applyRunState routes a (status, remaining) pair: the reconciler arbitrates
// acceptance, the timer engine re-anchors, and the debouncer publishes the
// stable status.
func (cl *Client) applyRunState(co *core, status models.RunStatus, remainingSec int, ts time.Time, src statesync.Source) {
	outcome := cl.reconcile(co, statesync.FieldRunStatus, status, ts, src)
	switch outcome {
	case statesync.OutcomeApplied, statesync.OutcomeUnchanged:
		// An unchanged status still carries a countdown correction.
		co.timer.Apply(status, remainingSec)
		co.status.Observe(status)
	default:
		return
	}
	cl.reconcile(co, statesync.FieldRemainingSec, remainingSec, ts, src)
}

func (cl *Client) mergeParticipant(co *core, p models.Participant, ts time.Time) {
	roster := cl.Participants()
	replaced := false
	for i := range roster {
		if roster[i].ID == p.ID {
			roster[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		roster = append(roster, p)
	}
	cl.reconcile(co, statesync.FieldParticipants, roster, cl.mergeStamp(co, statesync.FieldParticipants, ts), statesync.SourcePush)
}

func (cl *Client) appendMessage(co *core, msg models.Message, ts time.Time) {
	messages := append(cl.Messages(), msg)
	cl.reconcile(co, statesync.FieldMessages, messages, cl.mergeStamp(co, statesync.FieldMessages, ts), statesync.SourcePush)
}

// mergeStamp timestamps a merge-style write. Distinct events folded into the
// same field are new information whatever order they arrived in, so an event
// older than the field's last accepted write still lands, just after it.
func (cl *Client) mergeStamp(co *core, field statesync.Field, ts time.Time) time.Time {
	if last := co.state.Timestamp(field); ts.UnixMilli() <= last {
		return time.UnixMilli(last + 1)
	}
	return ts
}

// publishOffers mirrors the trade machine's pending list into local state so
// view subscribers see offer changes like any other field.
func (cl *Client) publishOffers(co *core) {
	cl.reconcile(co, statesync.FieldTradeOffers, co.trades.Pending(), cl.clock.Now(), statesync.SourceOptimistic)
}

func (cl *Client) reconcile(co *core, field statesync.Field, value any, ts time.Time, src statesync.Source) statesync.Outcome {
	outcome := co.state.Reconcile(field, value, ts, src)
	if cl.tracer != nil {
		cl.tracer.TraceReconcile(cl.sessionID, string(field), src.String(), outcome.String(), ts)
	}
	return outcome
}

func (cl *Client) traceEvent(ev *events.Envelope, accepted bool) {
	if cl.tracer != nil {
		cl.tracer.TraceEvent(cl.sessionID, ev.ID, string(ev.Type), accepted)
	}
}

// scheduleResync arms the one-shot post-reconnect resync, invalidating any
// resync still scheduled from a previous connection.
func (cl *Client) scheduleResync() {
	cl.resyncMu.Lock()
	defer cl.resyncMu.Unlock()

	if cl.resyncTimer != nil {
		cl.resyncTimer.Stop()
	}
	co := cl.core()
	cl.resyncTimer = cl.clock.AfterFunc(resyncDelay, func() {
		co.timer.Resync()
	})
}

// reset tears down the current session view and starts a fresh epoch. The
// old view's terminal latch dies with it; the restarted run arrives via the
// follow-up resync.
func (cl *Client) reset() {
	log.Info().Str("session_id", cl.sessionID).Msg("session reset, rebuilding local view")

	fresh := cl.newCore()

	cl.coreMu.Lock()
	old := cl.c
	cl.c = fresh
	cl.coreMu.Unlock()

	old.timer.Stop()
	old.status.Close()

	if cl.cfg.OnReset != nil {
		cl.cfg.OnReset()
	}
	cl.scheduleResync()
}
