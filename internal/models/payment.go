package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

type PaymentStatus string

const (
	StatusPending   PaymentStatus = "PENDING"
	StatusCompleted PaymentStatus = "COMPLETED"
	StatusExpired   PaymentStatus = "EXPIRED"
	StatusCancelled PaymentStatus = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s PaymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

// DefaultPaymentTTL is applied when a payment request arrives without an expiry.
const DefaultPaymentTTL = 24 * time.Hour

// PaymentRequest is a merchant's ask for funds at a destination address.
type PaymentRequest struct {
	ID             string
	PaymentID      string
	MerchantID     string
	Amount         decimal.Decimal
	Currency       string
	Address        string
	Status         PaymentStatus
	TransactionRef string
	CustomerEmail  string
	CustomerName   string
	Description    string
	Metadata       json.RawMessage
	CreatedAt      time.Time
	ExpiresAt      time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// ExpiredAt reports whether the request is past its expiry at now.
func (p *PaymentRequest) ExpiredAt(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

type EventType string

const (
	EventPaymentCompleted EventType = "payment.completed"
	EventPaymentExpired   EventType = "payment.expired"
	EventPaymentCancelled EventType = "payment.cancelled"
)

// PaymentEvent is emitted once per committed transition.
type PaymentEvent struct {
	Type       EventType
	Payment    PaymentRequest
	OccurredAt time.Time
}

// EventID identifies the event across retries and re-scans.
func (e PaymentEvent) EventID() string {
	return e.Payment.PaymentID + ":" + string(e.Type)
}

// StateChange is the record published to the state-change stream.
type StateChange struct {
	PaymentID      string        `json:"payment_id"`
	MerchantID     string        `json:"merchant_id"`
	State          PaymentStatus `json:"state"`
	PreviousState  PaymentStatus `json:"previous_state"`
	TransactionRef string        `json:"transaction_ref,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ForceCheckResult summarizes one bounded out-of-band scan for a payment request.
type ForceCheckResult struct {
	PaymentID     string        `json:"payment_id"`
	Status        PaymentStatus `json:"status"`
	From          uint64        `json:"from"`
	To            uint64        `json:"to"`
	BlocksScanned int           `json:"blocks_scanned"`
	Matched       bool          `json:"matched"`
	Exhausted     bool          `json:"exhausted"`
}

// ScanStatus reports the continuous scan position.
type ScanStatus struct {
	Chain     string `json:"chain"`
	Watermark uint64 `json:"watermark"`
	HasMark   bool   `json:"has_watermark"`
	Head      uint64 `json:"head"`
}
