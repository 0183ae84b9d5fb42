package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types for the order_events trail.
const (
	EventCreated    = "CREATED"
	EventSubmitted  = "SUBMITTED"
	EventFilled     = "FILLED"
	EventCanceled   = "CANCELED"
	EventError      = "ERROR"
	EventReconciled = "RECONCILED"
)

// Reason codes written to order events, trade logs and config audits.
const (
	ReasonStrategySignal = "STRATEGY_SIGNAL"
	ReasonStrategyExit   = "STRATEGY_EXIT"
	ReasonTakeProfit     = "TAKE_PROFIT"
	ReasonStopLoss       = "STOP_LOSS"
	ReasonAdminHalt      = "ADMIN_HALT"
	ReasonAdminResume    = "ADMIN_RESUME"
	ReasonAdminUpdate    = "ADMIN_UPDATE_CONFIG"
	ReasonEmergencyExit  = "EMERGENCY_EXIT"
	ReasonReconcile      = "RECONCILE"
	ReasonDataSync       = "DATA_SYNC"
	ReasonSystem         = "SYSTEM"
	ReasonAISelect       = "AI_SELECT"
	ReasonAITrain        = "AI_TRAIN"
)

// Well-known system_config keys.
const (
	KeyHaltTrading       = "HALT_TRADING"
	KeyEmergencyExit     = "EMERGENCY_EXIT"
	KeyArchiveLastHKDate = "ARCHIVE_LAST_HK_DATE"
)

// Precompute task states.
const (
	TaskPending = "PENDING"
	TaskDone    = "DONE"
	TaskError   = "ERROR"
)

// Bar is one kline as stored in market_data.
type Bar struct {
	Symbol          string
	IntervalMinutes int
	OpenTimeMS      int64
	CloseTimeMS     int64
	Open            float64
	High            float64
	Low             float64
	Close           float64
	Volume          float64
}

// CacheRow is one precomputed indicator row in market_data_cache. Feature
// pointers are nil while the corresponding window is still warming up.
type CacheRow struct {
	Symbol          string
	IntervalMinutes int
	OpenTimeMS      int64
	CloseTimeMS     int64
	LastPrice       decimal.Decimal
	EMA7            *float64
	EMA25           *float64
	RSI14           *float64
	ATR14           *float64
	ADX14           *float64
	PlusDI14        *float64
	MinusDI14       *float64
	BBMid20         *float64
	BBUpper20       *float64
	BBLower20       *float64
	BBWidth20       *float64
	VolSMA20        *float64
	VolRatio        *float64
	Mom10           *float64
	Ret1            *float64
	RetStd20        *float64
}

// PrecomputeTask is one pending indicator computation unit. A failed task is
// re-queued with try_count bumped until the retry budget runs out.
type PrecomputeTask struct {
	ID              int64
	Symbol          string
	IntervalMinutes int
	OpenTimeMS      int64
	Status          string
	TryCount        int
	ErrorText       *string
	TraceID         *string
}

// OrderEvent is one append-only row in order_events.
type OrderEvent struct {
	ID              int64
	Exchange        string
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID *string
	EventType       string
	Side            *string
	Qty             *decimal.Decimal
	Price           *decimal.Decimal
	ReasonCode      *string
	Reason          *string
	TraceID         *string
	Payload         []byte
	CreatedAt       time.Time
}

// PositionSnapshot is one append-only row in position_snapshots; the latest
// row per (exchange, symbol) is the current position.
type PositionSnapshot struct {
	ID            int64
	Exchange      string
	Symbol        string
	PositionSide  string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	Leverage      int
	Meta          []byte
	TraceID       *string
	CreatedAt     time.Time
}

// TradeLog is one entry/exit lifecycle row. The entry-time decision context
// (scores, leverage, stop placement) is persisted in dedicated columns so
// closed trades can be analyzed without unpacking the features blob.
type TradeLog struct {
	ID                 int64
	Exchange           string
	Symbol             string
	Side               string
	Status             string
	Qty                decimal.Decimal
	EntryPrice         *decimal.Decimal
	ExitPrice          *decimal.Decimal
	PnL                *decimal.Decimal
	Fee                *decimal.Decimal
	Label              *int
	Leverage           *int
	StopDistPct        *float64
	StopPrice          *decimal.Decimal
	RobotScore         *float64
	AIProb             *float64
	ReasonCodeOpen     *string
	ReasonCodeClose    *string
	ClientOrderIDOpen  *string
	ClientOrderIDClose *string
	TraceID            *string
	Features           []byte
	EntryTimeMS        *int64
	ExitTimeMS         *int64
	OpenedAt           time.Time
	ClosedAt           *time.Time
}

// TradeClose carries the exit-side values written when a trade is closed.
// The row keeps the trace id of the tick that opened it.
type TradeClose struct {
	ExitPrice          decimal.Decimal
	PnL                *decimal.Decimal
	Fee                *decimal.Decimal
	ReasonCode         string
	ClientOrderIDClose string
	ExitTimeMS         int64
}

// ServiceStatus is one heartbeat row.
type ServiceStatus struct {
	ServiceName   string
	InstanceID    string
	LastHeartbeat time.Time
	StatusJSON    []byte
}

// ConfigAuditEntry describes one config_audit row to be written alongside a
// system_config change.
type ConfigAuditEntry struct {
	Actor      string
	Action     string
	Key        string
	NewValue   string
	TraceID    string
	ReasonCode string
	Reason     string
}
