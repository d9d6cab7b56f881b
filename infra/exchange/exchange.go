// Package exchange is the uniform port over heterogeneous exchange APIs.
// One public instance per exchange serves tickers and history for everyone;
// per-user instances are built lazily from the active credential.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
)

var (
	ErrSymbolNotFound      = errors.New("symbol not found on exchange")
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrNoCredential        = errors.New("no active credential for user")
)

// Kind classifies failures so callers know what to do with them: transient
// kinds are retried inside the adapter/stream layer, Auth and Market surface.
type Kind int

const (
	KindNetwork Kind = iota
	KindRateLimit
	KindAuth
	KindMarket
)

func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindMarket:
		return "market"
	}
	return "network"
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimit
}

// KindOf extracts the failure kind from any error chain, defaulting to
// network (retryable) for unclassified failures.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindNetwork
}

type MarketInfo struct {
	Symbol         string
	Active         bool
	Base           string
	Quote          string
	PricePrecision int
	QtyPrecision   int
	MinNotional    float64
}

type Order struct {
	ID           string
	Symbol       string
	Side         trade.Side
	AvgFillPrice float64
	FilledQty    float64
}

type Balance struct {
	Free  float64
	Used  float64
	Total float64
}

// Port is the single surface the rest of the system sees. Watch methods
// block until the stream fails or the context is cancelled; every delivered
// item goes through the handler on the caller's goroutine discipline.
type Port interface {
	LoadMarkets(ctx context.Context) (map[string]MarketInfo, error)
	FetchTicker(ctx context.Context, symbol string) (market.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error)
	WatchTicker(ctx context.Context, symbol string, h func(market.Ticker)) error
	WatchOHLCV(ctx context.Context, symbol, timeframe string, h func(market.Candle)) error
	CreateOrder(ctx context.Context, symbol string, side trade.Side, qty float64, price float64) (Order, error)
	FetchBalance(ctx context.Context) (map[string]Balance, error)
	Close() error
}

const (
	restTimeout  = 10 * time.Second
	watchTimeout = 30 * time.Second
)

// Credential is the decrypted active API credential of one user on one
// exchange.
type Credential struct {
	APIKey     string
	Secret     string
	Passphrase string
	UID        string
}

// CredentialSource resolves the active credential for (user, exchange);
// backed by the user_exchanges collection in production.
type CredentialSource interface {
	ActiveCredential(ctx context.Context, userID, exchangeID string) (*Credential, error)
}
