// Package venue defines the adapter contract every exchange integration
// implements, and a paper adapter that synthesizes fills without touching a
// venue. The rest of the engine treats the interface as the only source of
// truth and never branches on venue identity.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// Adapter is the per-exchange trading surface. Implementations serialize
// their own connection I/O; callers may invoke methods from any goroutine.
type Adapter interface {
	Name() string

	PlaceOrder(ctx context.Context, order model.Order) (venueOrderID string, err error)
	CancelOrder(ctx context.Context, venueOrderID string) (bool, error)
	OrderStatus(ctx context.Context, venueOrderID string) (model.OrderExecution, error)

	Balance(ctx context.Context, currency string) (model.Balance, error)
	Depth(ctx context.Context, symbol string, levels int) (model.MarketDepth, error)

	MinOrderSize(symbol string) decimal.Decimal
	MaxOrderSize(symbol string) decimal.Decimal
	PriceTick(symbol string) decimal.Decimal
	TradingFee(symbol string, maker bool) decimal.Decimal

	IsConnected() bool
	IsMarketOpen() bool
	LastError() error
}

// Permanent venue errors. These are never retried.
var (
	ErrInsufficientBalance = errors.New("venue: insufficient balance")
	ErrOrderRejected       = errors.New("venue: order rejected")
	ErrInvalidSymbol       = errors.New("venue: invalid symbol")
	ErrUnknownOrder        = errors.New("venue: unknown order id")
	ErrMarketClosed        = errors.New("venue: market closed")
)

// TransientError marks a venue failure worth retrying (network hiccup,
// upstream 5xx, rate limit).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("venue: transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the router's retry budget applies to it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is one of the never-retried venue errors.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrMarketClosed)
}
