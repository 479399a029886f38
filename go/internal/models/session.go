package models

import (
	"time"
)

// Shape identifies a producible good in the experiment economy.
type Shape string

const (
	ShapeCircle   Shape = "circle"
	ShapeSquare   Shape = "square"
	ShapeTriangle Shape = "triangle"
	ShapeStar     Shape = "star"
)

// RunStatus defines the status of a session run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusEnded     RunStatus = "ended"
)

// IsTerminal reports whether no further run transition is permitted.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusStopped, RunStatusEnded:
		return true
	}
	return false
}

// InventoryItem is one produced shape held by a participant.
type InventoryItem struct {
	ID         string    `json:"id"`
	Shape      Shape     `json:"shape"`
	ProducedAt time.Time `json:"produced_at"`
}

// Order is an open market order a participant can fill from inventory.
type Order struct {
	ID       string `json:"id"`
	Shape    Shape  `json:"shape"`
	Quantity int    `json:"quantity"`
	Payout   int64  `json:"payout"` // cents
}

// ProductionJob is a queued production task with its completion deadline.
type ProductionJob struct {
	ID          string    `json:"id"`
	Shape       Shape     `json:"shape"`
	CompletesAt time.Time `json:"completes_at"`
}

// Participant is one member of the session roster.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Connected bool   `json:"connected"`
}

// Message is a chat line exchanged during the session.
type Message struct {
	From   string    `json:"from"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Snapshot is an authoritative server view of session state. Nil slices and
// nil pointers mean the field was absent from the payload (partial snapshot),
// not that it is empty.
type Snapshot struct {
	SessionID       string          `json:"session_id"`
	TakenAt         time.Time       `json:"taken_at"`
	Money           *int64          `json:"money,omitempty"`
	Inventory       []InventoryItem `json:"inventory,omitempty"`
	Orders          []Order         `json:"orders,omitempty"`
	ProductionQueue []ProductionJob `json:"production_queue,omitempty"`
	Participants    []Participant   `json:"participants,omitempty"`
	RunStatus       *RunStatus      `json:"run_status,omitempty"`
	RemainingSec    *int            `json:"remaining_sec,omitempty"`
	TradeOffers     []TradeOffer    `json:"trade_offers,omitempty"`
	Messages        []Message       `json:"messages,omitempty"`
}
