package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tradelab/labclient/go/internal/events"
	"github.com/tradelab/labclient/go/internal/models"
	"github.com/tradelab/labclient/go/internal/statesync"
	"github.com/tradelab/labclient/go/internal/trade"
	"github.com/tradelab/labclient/go/internal/transport"
)

type fakeTransport struct {
	events     chan events.Envelope
	reconnects chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:     make(chan events.Envelope, 16),
		reconnects: make(chan struct{}, 1),
	}
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Events() <-chan events.Envelope  { return f.events }
func (f *fakeTransport) Reconnects() <-chan struct{}     { return f.reconnects }
func (f *fakeTransport) Close() error                    { return nil }

var _ transport.Transport = (*fakeTransport)(nil)

type fakeAPI struct {
	snapshot  *models.Snapshot
	err       error
	proposed  []models.TradeOffer
	responded []string
	cancelled []string
	fetches   int
}

func (f *fakeAPI) FetchSnapshot(ctx context.Context) (*models.Snapshot, error) {
	f.fetches++
	return f.snapshot, f.err
}

func (f *fakeAPI) ProposeTrade(ctx context.Context, offer models.TradeOffer) (*models.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.proposed = append(f.proposed, offer)
	return f.snapshot, nil
}

func (f *fakeAPI) RespondToOffer(ctx context.Context, offerID string, accept bool) (*models.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.responded = append(f.responded, offerID)
	return f.snapshot, nil
}

func (f *fakeAPI) CancelOffer(ctx context.Context, offerID string) (*models.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.cancelled = append(f.cancelled, offerID)
	return f.snapshot, nil
}

func (f *fakeAPI) StartRun(ctx context.Context) (*models.Snapshot, error) { return f.snapshot, f.err }
func (f *fakeAPI) PauseRun(ctx context.Context) (*models.Snapshot, error) { return f.snapshot, f.err }
func (f *fakeAPI) ResetRun(ctx context.Context) (*models.Snapshot, error) { return f.snapshot, f.err }

type testHarness struct {
	client    *Client
	clock     *clockwork.FakeClock
	api       *fakeAPI
	transport *fakeTransport
	seq       int
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	api := &fakeAPI{snapshot: &models.Snapshot{SessionID: "sess-1"}}
	tr := newFakeTransport()
	client := NewClient(Config{
		SessionID:     "sess-1",
		ParticipantID: "alice",
		Clock:         clock,
		Transport:     tr,
		API:           api,
	})
	t.Cleanup(client.Stop)
	return &testHarness{client: client, clock: clock, api: api, transport: tr}
}

// event wraps a payload into an envelope with a unique id and the given
// server timestamp.
func (h *testHarness) event(t *testing.T, typ events.EventType, payload any, ts time.Time) *events.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	h.seq++
	return &events.Envelope{
		ID:        fmt.Sprintf("ev-%d", h.seq),
		SessionID: "sess-1",
		Type:      typ,
		Timestamp: ts,
		Data:      data,
	}
}

func intPtr(v int) *int                              { return &v }
func int64Ptr(v int64) *int64                        { return &v }
func statusPtr(s models.RunStatus) *models.RunStatus { return &s }

func TestSnapshotEventPopulatesState(t *testing.T) {
	h := newHarness(t)
	ts := h.clock.Now().Add(time.Second)

	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{
		SessionID:    "sess-1",
		Money:        int64Ptr(2500),
		Inventory:    []models.InventoryItem{{ID: "i1", Shape: models.ShapeCircle}},
		RunStatus:    statusPtr(models.RunStatusRunning),
		RemainingSec: intPtr(120),
	}, ts))

	if got := h.client.Money(); got != 2500 {
		t.Fatalf("money = %d, want 2500", got)
	}
	if got := len(h.client.Inventory()); got != 1 {
		t.Fatalf("inventory size = %d, want 1", got)
	}
	if got := h.client.RunStatus(); got != models.RunStatusRunning {
		t.Fatalf("run status = %v, want running", got)
	}
	if got := h.client.RemainingSec(); got != 120 {
		t.Fatalf("remaining = %d, want 120", got)
	}
}

func TestDuplicateEventIgnored(t *testing.T) {
	h := newHarness(t)
	ts := h.clock.Now().Add(time.Second)

	ev := h.event(t, events.EventTypeSnapshot, models.Snapshot{Money: int64Ptr(100)}, ts)
	h.client.HandleEvent(ev)

	// Same envelope redelivered with corrupted data must be a no-op.
	dup := *ev
	dup.Data = json.RawMessage(`{"money":999}`)
	h.client.HandleEvent(&dup)

	if got := h.client.Money(); got != 100 {
		t.Fatalf("money = %d, want 100", got)
	}
}

func TestStaleSnapshotDiscarded(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{Money: int64Ptr(100)}, base.Add(2*time.Second)))
	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{Money: int64Ptr(50)}, base.Add(time.Second)))

	if got := h.client.Money(); got != 100 {
		t.Fatalf("money = %d, want stale write rejected", got)
	}
}

func TestTimerUpdateDrivesCountdown(t *testing.T) {
	h := newHarness(t)

	h.client.HandleEvent(h.event(t, events.EventTypeTimerUpdate,
		events.TimerUpdatePayload{RunStatus: models.RunStatusRunning, RemainingSec: 60},
		h.clock.Now().Add(time.Second)))

	if got := h.client.RemainingSec(); got != 60 {
		t.Fatalf("remaining = %d, want 60", got)
	}

	h.clock.Advance(10 * time.Second)
	if got := h.client.RemainingSec(); got != 50 {
		t.Fatalf("remaining after 10s = %d, want 50", got)
	}

	// The stable status lags by the debounce delay.
	if got := h.client.StableRunStatus(); got != models.RunStatusRunning {
		t.Fatalf("stable status = %v, want running after debounce", got)
	}
}

func TestStaleIdleCannotResetRunningSession(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	h.client.HandleEvent(h.event(t, events.EventTypeTimerUpdate,
		events.TimerUpdatePayload{RunStatus: models.RunStatusRunning, RemainingSec: 60},
		base.Add(time.Second)))

	// A laggy snapshot claims the session never started.
	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{
		RunStatus:    statusPtr(models.RunStatusIdle),
		RemainingSec: intPtr(0),
	}, base.Add(2*time.Second)))

	if got := h.client.RunStatus(); got != models.RunStatusRunning {
		t.Fatalf("run status = %v, want running preserved", got)
	}
	if got := h.client.RemainingSec(); got != 60 {
		t.Fatalf("remaining = %d, want 60 preserved", got)
	}
}

func TestOptimisticProductionSurvivesStalePush(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{
		Inventory: []models.InventoryItem{{ID: "i1", Shape: models.ShapeSquare}},
	}, base.Add(time.Second)))

	item := h.client.ReportProduction(models.ShapeCircle)
	if got := len(h.client.Inventory()); got != 2 {
		t.Fatalf("inventory size = %d, want 2 after optimistic add", got)
	}

	// A same-size server copy that predates the production must not erase it.
	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{
		Inventory: []models.InventoryItem{
			{ID: "i1", Shape: models.ShapeSquare},
			{ID: "i9", Shape: models.ShapeStar},
		},
	}, base.Add(2*time.Second)))

	inv := h.client.Inventory()
	found := false
	for _, it := range inv {
		if it.ID == item.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("optimistic item lost to a stale push inside the window")
	}

	// Server confirmation releases the pin; the next push wins.
	h.client.HandleEvent(h.event(t, events.EventTypeProductionCompleted,
		events.ProductionCompletedPayload{ParticipantID: "alice", Shape: models.ShapeCircle},
		base.Add(3*time.Second)))
	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{
		Inventory: []models.InventoryItem{
			{ID: "i1", Shape: models.ShapeSquare},
			{ID: item.ID, Shape: models.ShapeCircle},
		},
	}, base.Add(4*time.Second)))

	if got := len(h.client.Inventory()); got != 2 {
		t.Fatalf("inventory size = %d, want server copy applied", got)
	}
}

func TestReportOrderFilled(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{
		Money: int64Ptr(100),
		Inventory: []models.InventoryItem{
			{ID: "i1", Shape: models.ShapeCircle},
			{ID: "i2", Shape: models.ShapeCircle},
			{ID: "i3", Shape: models.ShapeSquare},
		},
		Orders: []models.Order{{ID: "o1", Shape: models.ShapeCircle, Quantity: 2, Payout: 300}},
	}, base.Add(time.Second)))

	if err := h.client.ReportOrderFilled("o1"); err != nil {
		t.Fatalf("ReportOrderFilled: %v", err)
	}

	if got := h.client.Money(); got != 400 {
		t.Fatalf("money = %d, want 400", got)
	}
	if got := len(h.client.Orders()); got != 0 {
		t.Fatalf("orders = %d, want 0", got)
	}
	inv := h.client.Inventory()
	if len(inv) != 1 || inv[0].ID != "i3" {
		t.Fatalf("inventory = %+v, want only the square left", inv)
	}
}

func TestReportOrderFilledInsufficientInventory(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{
		Money:     int64Ptr(100),
		Inventory: []models.InventoryItem{{ID: "i1", Shape: models.ShapeCircle}},
		Orders:    []models.Order{{ID: "o1", Shape: models.ShapeCircle, Quantity: 2, Payout: 300}},
	}, base.Add(time.Second)))

	if err := h.client.ReportOrderFilled("o1"); err == nil {
		t.Fatal("filling without enough inventory should error")
	}
	if got := h.client.Money(); got != 100 {
		t.Fatalf("money = %d, failed fill must not pay out", got)
	}
}

func TestRespondToSettledOfferConflicts(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	offer := models.TradeOffer{
		ID: "o-1", Kind: models.TradeKindSell, Shape: models.ShapeCircle,
		Quantity: 1, PricePerUnit: 100, Proposer: "bob", Recipient: "alice",
	}
	h.client.HandleEvent(h.event(t, events.EventTypeNewTradeOffer,
		events.NewTradeOfferPayload{Offer: offer}, base.Add(time.Second)))
	if got := len(h.client.PendingOffers()); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	// The server settles the offer before the local response goes out.
	h.client.HandleEvent(h.event(t, events.EventTypeTradeCompleted,
		events.TradeCompletedPayload{OfferID: "o-1"}, base.Add(2*time.Second)))

	err := h.client.RespondToOffer(context.Background(), "o-1", true)
	if !errors.Is(err, trade.ErrAlreadyResolved) {
		t.Fatalf("err = %v, want ErrAlreadyResolved", err)
	}
	if len(h.api.responded) != 0 {
		t.Fatal("conflicting response must not reach the server")
	}
	// Recipient of a sell offer reads the settlement as a purchase.
	hist := h.client.TradeHistory()
	if len(hist) != 1 || hist[0].Outcome != models.TradeOutcomeBought {
		t.Fatalf("history = %+v", hist)
	}
}

func TestProposeTradeRollbackOnServerError(t *testing.T) {
	h := newHarness(t)
	h.api.err = errors.New("server down")

	_, err := h.client.ProposeTrade(context.Background(), models.TradeKindSell, models.ShapeCircle, 1, 100, "bob")
	if err == nil {
		t.Fatal("expected propose error")
	}
	if got := len(h.client.PendingOffers()); got != 0 {
		t.Fatalf("pending = %d, rejected offer must be withdrawn", got)
	}
}

func TestSessionResetStartsFreshEpoch(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	resets := 0
	h.client.cfg.OnReset = func() { resets++ }

	h.client.HandleEvent(h.event(t, events.EventTypeSessionStatus,
		events.SessionStatusPayload{RunStatus: models.RunStatusEnded}, base.Add(time.Second)))
	if got := h.client.StableRunStatus(); got != models.RunStatusEnded {
		t.Fatalf("stable status = %v, want ended latched", got)
	}

	// A terminal status holds against anything except an explicit reset.
	h.client.HandleEvent(h.event(t, events.EventTypeSessionStatus,
		events.SessionStatusPayload{RunStatus: models.RunStatusRunning}, base.Add(2*time.Second)))
	if got := h.client.StableRunStatus(); got != models.RunStatusEnded {
		t.Fatalf("stable status = %v, want ended to stick", got)
	}

	h.client.HandleEvent(h.event(t, events.EventTypeSessionReset,
		events.SessionResetPayload{ResetAt: base.Add(3 * time.Second)}, base.Add(3*time.Second)))

	if got := h.client.StableRunStatus(); got != models.RunStatusIdle {
		t.Fatalf("stable status after reset = %v, want idle", got)
	}
	if resets != 1 {
		t.Fatalf("reset observer fired %d times, want 1", resets)
	}
}

func TestChatAndParticipantEvents(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	h.client.HandleEvent(h.event(t, events.EventTypeParticipantUpdate,
		events.ParticipantUpdatePayload{Participant: models.Participant{ID: "bob", Name: "Bob", Connected: true}},
		base.Add(time.Second)))
	h.client.HandleEvent(h.event(t, events.EventTypeParticipantUpdate,
		events.ParticipantUpdatePayload{Participant: models.Participant{ID: "bob", Name: "Bob", Connected: false}},
		base.Add(2*time.Second)))
	h.client.HandleEvent(h.event(t, events.EventTypeChatMessage,
		events.ChatMessagePayload{Message: models.Message{From: "bob", Text: "hello"}},
		base.Add(3*time.Second)))

	roster := h.client.Participants()
	if len(roster) != 1 || roster[0].Connected {
		t.Fatalf("roster = %+v, want single disconnected bob", roster)
	}
	msgs := h.client.Messages()
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSubscribersSurviveReset(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	var moneyWrites int
	h.client.Subscribe(func(field statesync.Field, value any) {
		if field == statesync.FieldMoney {
			moneyWrites++
		}
	})

	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{Money: int64Ptr(100)}, base.Add(time.Second)))
	h.client.HandleEvent(h.event(t, events.EventTypeSessionReset,
		events.SessionResetPayload{}, base.Add(2*time.Second)))
	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{Money: int64Ptr(200)}, base.Add(3*time.Second)))

	if moneyWrites != 2 {
		t.Fatalf("money writes observed = %d, want 2 across the reset", moneyWrites)
	}
}

func TestLateOfferAnnouncementStaysSettled(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	offer := models.TradeOffer{
		ID: "o-9", Kind: models.TradeKindSell, Shape: models.ShapeCircle,
		Quantity: 1, PricePerUnit: 100, Proposer: "bob", Recipient: "alice",
	}

	// The completion outruns the announcement on this connection.
	h.client.HandleEvent(h.event(t, events.EventTypeTradeCompleted,
		events.TradeCompletedPayload{OfferID: "o-9"}, base.Add(time.Second)))
	h.client.HandleEvent(h.event(t, events.EventTypeNewTradeOffer,
		events.NewTradeOfferPayload{Offer: offer}, base.Add(2*time.Second)))

	// A snapshot listing no open offers confirms the settlement stuck.
	h.client.HandleEvent(h.event(t, events.EventTypeSnapshot, models.Snapshot{
		TradeOffers: []models.TradeOffer{},
	}, base.Add(3*time.Second)))

	if got := len(h.client.PendingOffers()); got != 0 {
		t.Fatalf("pending = %d, settled offer must not reappear", got)
	}
	hist := h.client.TradeHistory()
	if len(hist) != 1 || hist[0].Outcome != models.TradeOutcomeBought {
		t.Fatalf("history = %+v, want one bought entry", hist)
	}
}

func TestLocalCountdownCompletion(t *testing.T) {
	h := newHarness(t)

	h.client.HandleEvent(h.event(t, events.EventTypeTimerUpdate,
		events.TimerUpdatePayload{RunStatus: models.RunStatusRunning, RemainingSec: 5},
		h.clock.Now().Add(time.Second)))

	// Two sleepers: the countdown tick and the debounce promotion.
	h.clock.BlockUntil(2)
	h.clock.Advance(6 * time.Second)

	if got := h.client.RunStatus(); got != models.RunStatusCompleted {
		t.Fatalf("run status = %v, want completed at zero", got)
	}
	// The tick goroutine delivers the terminal transition asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for h.client.StableRunStatus() != models.RunStatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("stable status = %v, want completed latched", h.client.StableRunStatus())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOutOfOrderMergeEventsAllKept(t *testing.T) {
	h := newHarness(t)
	base := h.clock.Now()

	h.client.HandleEvent(h.event(t, events.EventTypeChatMessage,
		events.ChatMessagePayload{Message: models.Message{From: "bob", Text: "second"}},
		base.Add(2*time.Second)))
	h.client.HandleEvent(h.event(t, events.EventTypeChatMessage,
		events.ChatMessagePayload{Message: models.Message{From: "carol", Text: "first"}},
		base.Add(time.Second)))

	if got := len(h.client.Messages()); got != 2 {
		t.Fatalf("messages = %d, want both kept despite inverted timestamps", got)
	}

	h.client.HandleEvent(h.event(t, events.EventTypeParticipantUpdate,
		events.ParticipantUpdatePayload{Participant: models.Participant{ID: "bob", Name: "Bob", Connected: true}},
		base.Add(4*time.Second)))
	h.client.HandleEvent(h.event(t, events.EventTypeParticipantUpdate,
		events.ParticipantUpdatePayload{Participant: models.Participant{ID: "carol", Name: "Carol", Connected: true}},
		base.Add(3*time.Second)))

	if got := len(h.client.Participants()); got != 2 {
		t.Fatalf("roster = %d, want both joins kept", got)
	}
}

func TestRunStopsOnTransportClose(t *testing.T) {
	h := newHarness(t)

	done := make(chan error, 1)
	go func() { done <- h.client.Run(context.Background()) }()

	h.transport.events <- *h.event(t, events.EventTypeTimerUpdate,
		events.TimerUpdatePayload{RunStatus: models.RunStatusRunning, RemainingSec: 60},
		h.clock.Now().Add(time.Second))
	close(h.transport.events)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the events channel closed")
	}

	// Teardown cancelled the pending debounce promotion, so the stable status
	// never picks up the in-flight running observation.
	h.clock.Advance(time.Second)
	if got := h.client.StableRunStatus(); got != models.RunStatusIdle {
		t.Fatalf("stable status = %v, want idle after teardown", got)
	}
}

func TestResyncAppliesFetchedSnapshot(t *testing.T) {
	h := newHarness(t)
	h.api.snapshot = &models.Snapshot{
		SessionID: "sess-1",
		TakenAt:   h.clock.Now().Add(time.Second),
		Money:     int64Ptr(777),
	}

	if err := h.client.Resync(context.Background()); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if got := h.client.Money(); got != 777 {
		t.Fatalf("money = %d, want 777", got)
	}
	if h.api.fetches != 1 {
		t.Fatalf("fetches = %d, want 1", h.api.fetches)
	}
}
