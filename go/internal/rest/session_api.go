package rest

import (
	"context"
	"fmt"

	"github.com/tradelab/labclient/go/internal/models"
)

// SessionAPI binds the REST client to one session. Every action response is
// an authoritative snapshot and feeds back through reconciliation.
type SessionAPI struct {
	client        *Client
	sessionID     string
	participantID string
}

// NewSessionAPI creates an API bound to a session and participant.
func NewSessionAPI(client *Client, sessionID, participantID string) *SessionAPI {
	return &SessionAPI{
		client:        client,
		sessionID:     sessionID,
		participantID: participantID,
	}
}

// FetchSnapshot retrieves the participant's current session snapshot.
func (a *SessionAPI) FetchSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var snap models.Snapshot
	endpoint := fmt.Sprintf("/api/sessions/%s/snapshot?participant_id=%s", a.sessionID, a.participantID)
	if err := a.client.GetJSON(ctx, endpoint, &snap); err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	return &snap, nil
}

// ProposeTrade submits a new trade offer.
func (a *SessionAPI) ProposeTrade(ctx context.Context, offer models.TradeOffer) (*models.Snapshot, error) {
	var snap models.Snapshot
	endpoint := fmt.Sprintf("/api/sessions/%s/trades", a.sessionID)
	if err := a.client.PostJSON(ctx, endpoint, offer, &snap); err != nil {
		return nil, fmt.Errorf("propose trade: %w", err)
	}
	return &snap, nil
}

type respondRequest struct {
	ParticipantID string `json:"participant_id"`
	Accepted      bool   `json:"accepted"`
}

// RespondToOffer submits the recipient's accept or reject.
func (a *SessionAPI) RespondToOffer(ctx context.Context, offerID string, accept bool) (*models.Snapshot, error) {
	var snap models.Snapshot
	endpoint := fmt.Sprintf("/api/sessions/%s/trades/%s/response", a.sessionID, offerID)
	req := respondRequest{ParticipantID: a.participantID, Accepted: accept}
	if err := a.client.PostJSON(ctx, endpoint, req, &snap); err != nil {
		return nil, fmt.Errorf("respond to offer: %w", err)
	}
	return &snap, nil
}

type cancelRequest struct {
	ParticipantID string `json:"participant_id"`
}

// CancelOffer withdraws a proposed offer.
func (a *SessionAPI) CancelOffer(ctx context.Context, offerID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	endpoint := fmt.Sprintf("/api/sessions/%s/trades/%s/cancel", a.sessionID, offerID)
	if err := a.client.PostJSON(ctx, endpoint, cancelRequest{ParticipantID: a.participantID}, &snap); err != nil {
		return nil, fmt.Errorf("cancel offer: %w", err)
	}
	return &snap, nil
}

// StartRun starts the session run (researcher action).
func (a *SessionAPI) StartRun(ctx context.Context) (*models.Snapshot, error) {
	return a.runAction(ctx, "start")
}

// PauseRun pauses the session run (researcher action).
func (a *SessionAPI) PauseRun(ctx context.Context) (*models.Snapshot, error) {
	return a.runAction(ctx, "pause")
}

// ResetRun resets the session run (researcher action).
func (a *SessionAPI) ResetRun(ctx context.Context) (*models.Snapshot, error) {
	return a.runAction(ctx, "reset")
}

func (a *SessionAPI) runAction(ctx context.Context, action string) (*models.Snapshot, error) {
	var snap models.Snapshot
	endpoint := fmt.Sprintf("/api/sessions/%s/run/%s", a.sessionID, action)
	if err := a.client.PostJSON(ctx, endpoint, nil, &snap); err != nil {
		return nil, fmt.Errorf("%s run: %w", action, err)
	}
	return &snap, nil
}
