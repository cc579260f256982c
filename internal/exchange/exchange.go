package exchange

import (
	"context"

	"adaptive-grid-bot/internal/models"
)

// Exchange 定义了与交易所交互的通用接口
// Orders are addressed by client order id so a retry can check whether an
// earlier attempt already reached the exchange.
type Exchange interface {
	// GetPrice returns the last traded price of the configured symbol.
	GetPrice(ctx context.Context) (float64, error)

	// GetBalances returns total balances keyed by asset.
	GetBalances(ctx context.Context) (map[string]float64, error)

	// CreateOrder places a market order. req.Price is the reference price.
	CreateOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)

	// CancelOrder cancels an open order. false means it was no longer open.
	CancelOrder(ctx context.Context, clientOrderID string) (bool, error)

	// GetOrder returns the exchange's view of an order, ErrOrderNotFound if unknown.
	GetOrder(ctx context.Context, clientOrderID string) (*models.OrderResult, error)

	// SymbolRules returns the lot step and minimums of the configured symbol.
	SymbolRules(ctx context.Context) (models.SymbolRules, error)
}
