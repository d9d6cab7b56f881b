package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
)

// Table names follow the original document-collection layout so dashboards
// and migrations keep working.

type User struct {
	ID           string `gorm:"primaryKey"`
	OpenID       string `gorm:"uniqueIndex"`
	HashedSecret string
	CreatedAt    time.Time
}

func (User) TableName() string { return "users" }

type UserExchange struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"index:idx_user_exchange,unique"`
	ExchangeID string `gorm:"index:idx_user_exchange,unique"`
	APIKey     string
	Secret     string
	Passphrase string
	UID        string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (UserExchange) TableName() string { return "user_exchanges" }

type InvestmentLimits struct {
	CexMaxAmount float64 `json:"cexMaxAmount"`
	DexMaxAmount float64 `json:"dexMaxAmount"`
}

type BotStrategyConfig struct {
	MaxActiveBots         int `json:"maxActiveBots"`
	MaxActiveTelegramBots int `json:"maxActiveTelegramBots"`
}

type BotWalletPolicy struct {
	Enabled             bool    `json:"enabled"`
	PerBotAllocationPct float64 `json:"perBotAllocationPct"`
	MinAllocationUSDT   float64 `json:"minAllocationUSDT"`
	MaxAllocationUSDT   float64 `json:"maxAllocationUSDT"`
}

type VirtualBalanceSeeds struct {
	Cex float64 `json:"cex"`
	Dex float64 `json:"dex"`
}

type AppConfig struct {
	ID               string              `gorm:"primaryKey"`
	UserID           string              `gorm:"uniqueIndex"`
	IsAutoEnabled    bool
	TradingMode      string
	InvestmentLimits InvestmentLimits    `gorm:"serializer:json"`
	BotStrategy      BotStrategyConfig   `gorm:"serializer:json"`
	BotWalletPolicy  BotWalletPolicy     `gorm:"serializer:json"`
	TelegramAllow    []string            `gorm:"serializer:json"`
	VirtualBalances  VirtualBalanceSeeds `gorm:"serializer:json"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (AppConfig) TableName() string { return "app_configs" }

type BotInstance struct {
	ID                string `gorm:"primaryKey"`
	UserID            string `gorm:"index"`
	Name              string
	Symbol            string
	Timeframe         string
	MarketType        string
	ExchangeID        string
	StrategyName      string
	Mode              string
	Status            string `gorm:"index"`
	Amount            float64
	Side              string
	Position          trade.PositionState `gorm:"serializer:json"`
	WalletAllocated   float64
	WalletAvailable   float64
	WalletRealizedPnl float64
	TotalPnl          float64
	LastCandleTs      time.Time
	LastExecution     time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (BotInstance) TableName() string { return "bot_instances" }

type Position struct {
	ID             string `gorm:"primaryKey"`
	BotID          string `gorm:"index:idx_position_bot_status"`
	UserID         string
	Symbol         string
	Side           string
	CurrentQty     float64
	AvgEntryPrice  float64
	InvestedAmount float64
	RealizedPnl    float64
	Roi            float64
	Status         string `gorm:"index:idx_position_bot_status"`
	ExitPrice      float64
	FinalPnl       float64
	TotalTrades    int
	OpenedAt       time.Time
	ClosedAt       *time.Time
	UpdatedAt      time.Time
}

func (Position) TableName() string { return "positions" }

type TradeRow struct {
	ID     string `gorm:"primaryKey"`
	BotID  string `gorm:"index"`
	UserID string `gorm:"index:idx_trades_user_ts"`
	Symbol string
	Side   string
	Price  float64
	Amount float64
	Pnl    float64
	Mode   string
	Ts     time.Time `gorm:"index:idx_trades_user_ts,sort:desc"`
}

func (TradeRow) TableName() string { return "trades" }

type VirtualBalance struct {
	ID         string          `gorm:"primaryKey"`
	UserID     string          `gorm:"index:idx_balance_key,unique"`
	MarketType string          `gorm:"index:idx_balance_key,unique"`
	Asset      string          `gorm:"index:idx_balance_key,unique"`
	Amount     decimal.Decimal `gorm:"type:decimal(24,8)"`
	UpdatedAt  time.Time
}

func (VirtualBalance) TableName() string { return "virtual_balances" }

type WindowCandle struct {
	Candle   market.Candle      `json:"candle"`
	Features map[string]float64 `json:"features"`
}

type BotFeatureState struct {
	ID             string `gorm:"primaryKey"`
	BotID          string `gorm:"uniqueIndex"`
	UserID         string
	StrategyName   string
	Symbol         string
	ExchangeID     string
	Timeframe      string
	MarketType     string
	Features       []string           `gorm:"serializer:json"`
	LatestFeatures map[string]float64 `gorm:"serializer:json"`
	WindowCandles  []WindowCandle     `gorm:"serializer:json"`
	LastCandleTs   time.Time
	FeatureRows    int
	InitializedAt  time.Time
	UpdatedAt      time.Time
}

func (BotFeatureState) TableName() string { return "bot_feature_states" }

type BotFeatureHistory struct {
	ID       string    `gorm:"primaryKey"`
	BotID    string    `gorm:"index:idx_feature_history,unique"`
	CandleTs time.Time `gorm:"index:idx_feature_history,unique"`
	Candle   market.Candle      `gorm:"serializer:json"`
	Features map[string]float64 `gorm:"serializer:json"`
}

func (BotFeatureHistory) TableName() string { return "bot_feature_history" }

type SignalRow struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"index:idx_signals_user_created"`
	BotID            string
	Source           string
	RawText          string
	Status           string
	Symbol           string
	MarketType       string
	Decision         string
	Direction        string
	Confidence       float64
	TradeID          string
	ExecutionMessage string
	CreatedAt        time.Time `gorm:"index:idx_signals_user_created,sort:desc"`
	UpdatedAt        time.Time
}

func (SignalRow) TableName() string { return "signals" }

type TakeProfitLevel struct {
	Price   float64 `json:"price"`
	Percent float64 `json:"percent"`
	Qty     float64 `json:"qty,omitempty"`
	Status  string  `json:"status"`
}

type TelegramBotConfig struct {
	EntryPrice  float64           `json:"entryPrice"`
	StopLoss    float64           `json:"stopLoss"`
	TakeProfits []TakeProfitLevel `json:"takeProfits"`
	Leverage    float64           `json:"leverage,omitempty"`
	Investment  float64           `json:"investment,omitempty"`
}

type TelegramBot struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"index:idx_tgbots_user_created"`
	SignalID         string
	Source           string
	ChatID           string
	Symbol           string
	Side             string
	MarketType       string
	ExchangeID       string
	Mode             string
	Status           string
	Config           TelegramBotConfig `gorm:"serializer:json"`
	ActualEntryPrice float64
	CurrentPrice     float64
	Pnl              float64
	ExitPrice        float64
	ExitReason       string
	ExpiresAt        *time.Time
	ExpiryHandledAt  *time.Time
	ExpiryDecision   map[string]any `gorm:"serializer:json"`
	ExecutedAt       *time.Time
	ClosedAt         *time.Time
	CreatedAt        time.Time `gorm:"index:idx_tgbots_user_created,sort:desc"`
	UpdatedAt        time.Time
}

func (TelegramBot) TableName() string { return "telegram_bots" }

type TelegramTradeItem struct {
	ID          string `gorm:"primaryKey"`
	BotID       string `gorm:"index"`
	UserID      string
	Kind        string
	Level       int
	TargetPrice float64
	Percent     float64
	Status      string
	HitAt       *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (TelegramTradeItem) TableName() string { return "telegram_trades" }

// Item kind / status vocabulary for telegram_trades rows.
const (
	ItemKindEntry = "entry"
	ItemKindSL    = "sl"
	ItemKindTP    = "tp"

	ItemStatusActive    = "active"
	ItemStatusPending   = "pending"
	ItemStatusHit       = "hit"
	ItemStatusCancelled = "cancelled"
)

// Telegram bot lifecycle states.
const (
	TGStatusWaitingEntry = "waiting_entry"
	TGStatusActive       = "active"
	TGStatusClosed       = "closed"
	TGStatusExpired      = "expired"
	TGStatusCancelled    = "cancelled"
)

// Signal lifecycle states.
const (
	SignalProcessing     = "processing"
	SignalAccepted       = "accepted"
	SignalRejected       = "rejected"
	SignalRejectedUnsafe = "rejected_unsafe"
	SignalExecuting      = "executing"
	SignalCompleted      = "completed"
	SignalFailed         = "failed"
	SignalCancelled      = "cancelled"
)
