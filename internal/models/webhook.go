package models

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// WebhookDelivery tracks delivery of one event to one merchant endpoint.
// A FAILED delivery is terminal until an operator replays it.
type WebhookDelivery struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	EventType      EventType      `json:"event_type"`
	PaymentID      string         `json:"payment_id"`
	MerchantID     string         `json:"merchant_id"`
	URL            string         `json:"url"`
	Payload        []byte         `json:"-"`
	Attempts       int            `json:"attempts"`
	Status         DeliveryStatus `json:"status"`
	NextRetryAt    time.Time      `json:"next_retry_at"`
	LastError      string         `json:"last_error,omitempty"`
	LastStatusCode int            `json:"last_status_code,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// LeaseToken identifies the claim that handed this delivery out. Outcome
	// writes are accepted only under the same token.
	LeaseToken string `json:"-"`
}

// DeliveryAttempt is the outcome of one POST, written back under the claim
// that produced it.
type DeliveryAttempt struct {
	ID         string
	LeaseToken string
	Attempts   int
	StatusCode int
	Error      string
	At         time.Time
}

// Merchant is the slice of merchant data the engine reads.
type Merchant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	WebhookURL string `json:"webhook_url"`
	SigningKey string `json:"signing_key"`
}

type WebhookConfig struct {
	MerchantID string
	Name       string
	URL        string
	SigningKey string
}

// WebhookEvent is the JSON body posted to merchant endpoints.
type WebhookEvent struct {
	Event     EventType       `json:"event"`
	Payment   WebhookPayment  `json:"payment"`
	Merchant  WebhookMerchant `json:"merchant"`
	Timestamp time.Time       `json:"timestamp"`
}

type WebhookPayment struct {
	ID             string          `json:"id"`
	Amount         string          `json:"amount"`
	Currency       string          `json:"currency"`
	Status         PaymentStatus   `json:"status"`
	TransactionRef string          `json:"transactionRef,omitempty"`
	CustomerEmail  string          `json:"customerEmail,omitempty"`
	CustomerName   string          `json:"customerName,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

type WebhookMerchant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewWebhookEvent renders ev for the merchant described by cfg.
func NewWebhookEvent(ev PaymentEvent, cfg WebhookConfig) WebhookEvent {
	p := ev.Payment
	return WebhookEvent{
		Event: ev.Type,
		Payment: WebhookPayment{
			ID:             p.PaymentID,
			Amount:         p.Amount.String(),
			Currency:       p.Currency,
			Status:         p.Status,
			TransactionRef: p.TransactionRef,
			CustomerEmail:  p.CustomerEmail,
			CustomerName:   p.CustomerName,
			Metadata:       p.Metadata,
		},
		Merchant:  WebhookMerchant{ID: cfg.MerchantID, Name: cfg.Name},
		Timestamp: ev.OccurredAt.UTC(),
	}
}
