package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	IntakePaymentCreated   = "payment.created"
	IntakePaymentCancelled = "payment.cancelled"
	IntakeMerchantUpdated  = "merchant.updated"
)

// IntakeMessage is the envelope produced by the payment-link service.
type IntakeMessage struct {
	Type     string         `json:"type"`
	Payment  *PaymentIntake `json:"payment,omitempty"`
	Merchant *Merchant      `json:"merchant,omitempty"`
}

type PaymentIntake struct {
	PaymentID     string          `json:"payment_id"`
	MerchantID    string          `json:"merchant_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Address       string          `json:"wallet_address"`
	Description   string          `json:"description"`
	CustomerEmail string          `json:"customer_email"`
	CustomerName  string          `json:"customer_name"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}
