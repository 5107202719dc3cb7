package sqlitestore

// Times are stored as UTC unix nanoseconds so range comparisons are numeric.

type paymentRow struct {
	ID             string  `gorm:"primaryKey"`
	PaymentID      string  `gorm:"uniqueIndex"`
	MerchantID     string  `gorm:"index"`
	Amount         string  `gorm:"not null"`
	Currency       string  `gorm:"not null"`
	Address        string  `gorm:"index:idx_address_status"`
	Status         string  `gorm:"index:idx_address_status"`
	TransactionRef *string `gorm:"uniqueIndex"`
	CustomerEmail  string
	CustomerName   string
	Description    string
	Metadata       []byte
	ExpiresAt      int64 `gorm:"index"`
	CompletedAt    *int64
	CreatedAt      int64 `gorm:"autoCreateTime:false"`
	UpdatedAt      int64 `gorm:"autoUpdateTime:false"`
}

func (paymentRow) TableName() string { return "payment_requests" }

type watermarkRow struct {
	Chain     string `gorm:"primaryKey"`
	Position  uint64
	UpdatedAt int64 `gorm:"autoUpdateTime:false"`
}

func (watermarkRow) TableName() string { return "scan_watermarks" }

type merchantRow struct {
	ID         string `gorm:"primaryKey"`
	Name       string
	WebhookURL string
	SigningKey string
	UpdatedAt  int64 `gorm:"autoUpdateTime:false"`
}

func (merchantRow) TableName() string { return "merchants" }

type deliveryRow struct {
	ID             string `gorm:"primaryKey"`
	EventID        string `gorm:"uniqueIndex"`
	EventType      string
	PaymentID      string `gorm:"index"`
	MerchantID     string
	URL            string
	Payload        []byte
	Attempts       int
	Status         string `gorm:"index:idx_due"`
	NextRetryAt    int64  `gorm:"index:idx_due"`
	LeaseUntil     int64
	LeaseToken     string
	LastError      string
	LastStatusCode int
	DeliveredAt    *int64
	CreatedAt      int64 `gorm:"autoCreateTime:false"`
	UpdatedAt      int64 `gorm:"autoUpdateTime:false"`
}

func (deliveryRow) TableName() string { return "webhook_deliveries" }
