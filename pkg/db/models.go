package db

import "time"

// AccountRow mirrors one accounts table row.
type AccountRow struct {
	ID                 string
	Role               string
	Venue              string
	Enabled            bool
	RiskMultiplier     float64
	MaxPositionPct     float64
	MaxOpenPositions   int
	MaxDailyLoss       float64
	SafetyBuffer       float64
	AllowStacking      bool
	AutoSync           bool
	AllowedSymbols     string // comma list or "all"
	APIKeyEncrypted    string
	APISecretEncrypted string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PositionRow is the durable form of an open position. Policy holds the
// serialized exit policy so a restart restores stop thresholds and the
// consumed take-profit steps along with the quantity.
type PositionRow struct {
	ID              string
	AccountID       string
	Symbol          string
	Side            string
	EntryPrice      float64
	Quantity        float64
	RemainingQty    float64
	ReservedCapital float64
	State           string
	StepIndex       int
	PeakPnL         float64
	Policy          string
	OpenedAt        time.Time
	UpdatedAt       time.Time
}

// ReservationRow mirrors one capital reservation.
type ReservationRow struct {
	PositionID string
	AccountID  string
	Amount     float64
	CreatedAt  time.Time
}

// SignalRow is a persisted master fill signal.
type SignalRow struct {
	ID            string
	Symbol        string
	Side          string
	Size          float64
	SizeType      string
	MasterBalance float64
	CreatedAt     time.Time
}

// OrderRow is an order audit record, written through the batch writer.
type OrderRow struct {
	ID            string
	AccountID     string
	PositionID    string
	Symbol        string
	Side          string
	RequestedSize float64
	SizeType      string
	FilledVolume  float64
	FilledPrice   float64
	Status        string
	Reason        string
	BalanceDelta  float64
	CreatedAt     time.Time
}

// DriftRow records one reconciliation difference.
type DriftRow struct {
	ID          int64
	AccountID   string
	Symbol      string
	LocalQty    float64
	ExchangeQty float64
	Difference  float64
	Synced      bool
	CreatedAt   time.Time
}

// User is an ops API login.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
