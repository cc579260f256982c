package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"adaptive-grid-bot/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"go.uber.org/zap"
)

// Binance error codes that are worth retrying.
var transientCodes = map[int64]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1006: true, // UNEXPECTED_RESP
	-1007: true, // TIMEOUT
	-1008: true, // SERVER_BUSY
	-1015: true, // TOO_MANY_ORDERS
	-1021: true, // INVALID_TIMESTAMP
}

const codeNoSuchOrder = -2013

// LiveExchange 实现了 Exchange 接口，用于与真实的币安现货交易所进行交互。
type LiveExchange struct {
	client     *binance.Client
	symbol     string
	baseAsset  string
	quoteAsset string
	logger     *zap.Logger

	rulesMu sync.Mutex
	rules   *models.SymbolRules
}

// LiveConfig holds the connection settings of the live backend.
type LiveConfig struct {
	APIKey     string
	SecretKey  string
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Testnet    bool
}

// NewLiveExchange 创建一个新的 LiveExchange 实例，并与服务器同步时间。
func NewLiveExchange(ctx context.Context, cfg LiveConfig, logger *zap.Logger) (*LiveExchange, error) {
	binance.UseTestnet = cfg.Testnet
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	client.HTTPClient = &http.Client{Timeout: 10 * time.Second}

	e := &LiveExchange{
		client:     client,
		symbol:     cfg.Symbol,
		baseAsset:  cfg.BaseAsset,
		quoteAsset: cfg.QuoteAsset,
		logger:     logger,
	}

	offset, err := client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", mapError("SyncTime", err))
	}
	logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffsetMs", offset), zap.Bool("testnet", cfg.Testnet))

	if _, err := e.SymbolRules(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// GetPrice 获取交易对的当前价格。
func (e *LiveExchange) GetPrice(ctx context.Context) (float64, error) {
	prices, err := e.client.NewListPricesService().Symbol(e.symbol).Do(ctx)
	if err != nil {
		return 0, mapError("GetPrice", err)
	}
	for _, p := range prices {
		if p.Symbol == e.symbol {
			price, err := strconv.ParseFloat(p.Price, 64)
			if err != nil {
				return 0, Transient("GetPrice", fmt.Errorf("parse price %q: %w", p.Price, err))
			}
			return price, nil
		}
	}
	return 0, Transient("GetPrice", fmt.Errorf("no ticker returned for %s", e.symbol))
}

// GetBalances returns free plus locked balances of the traded assets.
func (e *LiveExchange) GetBalances(ctx context.Context) (map[string]float64, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError("GetBalances", err)
	}
	balances := map[string]float64{e.baseAsset: 0, e.quoteAsset: 0}
	for _, b := range account.Balances {
		if b.Asset != e.baseAsset && b.Asset != e.quoteAsset {
			continue
		}
		free, err1 := strconv.ParseFloat(b.Free, 64)
		locked, err2 := strconv.ParseFloat(b.Locked, 64)
		if err1 != nil || err2 != nil {
			return nil, Transient("GetBalances", fmt.Errorf("parse balance of %s: free=%q locked=%q", b.Asset, b.Free, b.Locked))
		}
		balances[b.Asset] = free + locked
	}
	return balances, nil
}

// CreateOrder places a MARKET order with a client order id.
func (e *LiveExchange) CreateOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	const op = "CreateOrder"
	rules, err := e.SymbolRules(ctx)
	if err != nil {
		return nil, err
	}

	qty := formatStep(req.Quantity, rules.StepSize)
	e.logger.Info("Placing market order",
		zap.String("symbol", e.symbol),
		zap.String("side", string(req.Side)),
		zap.String("quantity", qty),
		zap.Float64("refPrice", req.Price),
		zap.String("clientOrderId", req.ClientOrderID))

	res, err := e.client.NewCreateOrderService().
		Symbol(e.symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderTypeMarket).
		Quantity(qty).
		NewClientOrderID(req.ClientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return nil, mapError(op, err)
	}

	result := &models.OrderResult{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		Status:          mapStatus(res.Status),
	}
	result.FilledQty, _ = strconv.ParseFloat(res.ExecutedQuantity, 64)
	cumQuote, _ := strconv.ParseFloat(res.CummulativeQuoteQuantity, 64)
	if result.FilledQty > 0 {
		result.AvgFillPrice = cumQuote / result.FilledQty
	}
	for _, f := range res.Fills {
		commission, _ := strconv.ParseFloat(f.Commission, 64)
		switch f.CommissionAsset {
		case e.quoteAsset:
			result.Fee += commission
		case e.baseAsset:
			price, _ := strconv.ParseFloat(f.Price, 64)
			result.Fee += commission * price
		}
	}
	if res.Status == binance.OrderStatusTypeRejected {
		return nil, Fatal(op, 0, fmt.Errorf("order %s rejected", result.ExchangeOrderID))
	}
	return result, nil
}

// CancelOrder cancels by client order id.
func (e *LiveExchange) CancelOrder(ctx context.Context, clientOrderID string) (bool, error) {
	_, err := e.client.NewCancelOrderService().
		Symbol(e.symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		mapped := mapError("CancelOrder", err)
		if errors.Is(mapped, ErrOrderNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

// GetOrder queries an order by client order id.
func (e *LiveExchange) GetOrder(ctx context.Context, clientOrderID string) (*models.OrderResult, error) {
	o, err := e.client.NewGetOrderService().
		Symbol(e.symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, mapError("GetOrder", err)
	}
	result := &models.OrderResult{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Status:          mapStatus(o.Status),
	}
	result.FilledQty, _ = strconv.ParseFloat(o.ExecutedQuantity, 64)
	cumQuote, _ := strconv.ParseFloat(o.CummulativeQuoteQuantity, 64)
	if result.FilledQty > 0 {
		result.AvgFillPrice = cumQuote / result.FilledQty
	}
	return result, nil
}

// SymbolRules fetches and caches the symbol filters.
func (e *LiveExchange) SymbolRules(ctx context.Context) (models.SymbolRules, error) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	if e.rules != nil {
		return *e.rules, nil
	}

	info, err := e.client.NewExchangeInfoService().Symbol(e.symbol).Do(ctx)
	if err != nil {
		return models.SymbolRules{}, mapError("SymbolRules", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != e.symbol {
			continue
		}
		rules := symbolRules(s)
		e.rules = &rules
		return rules, nil
	}
	return models.SymbolRules{}, Fatal("SymbolRules", 0, fmt.Errorf("symbol %s not listed", e.symbol))
}

// symbolRules reads the LOT_SIZE, PRICE_FILTER and NOTIONAL filters.
func symbolRules(s binance.Symbol) models.SymbolRules {
	rules := models.SymbolRules{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}
	if lot := s.LotSizeFilter(); lot != nil {
		rules.StepSize, _ = strconv.ParseFloat(lot.StepSize, 64)
		rules.MinQty, _ = strconv.ParseFloat(lot.MinQuantity, 64)
	}
	if pf := s.PriceFilter(); pf != nil {
		rules.TickSize, _ = strconv.ParseFloat(pf.TickSize, 64)
	}
	if nf := s.NotionalFilter(); nf != nil {
		rules.MinNotional, _ = strconv.ParseFloat(nf.MinNotional, 64)
	}
	return rules
}

func mapStatus(s binance.OrderStatusType) models.OrderStatus {
	switch s {
	case binance.OrderStatusTypeFilled:
		return models.StatusFilled
	case binance.OrderStatusTypePartiallyFilled:
		return models.StatusPartiallyFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return models.StatusCancelled
	case binance.OrderStatusTypeRejected:
		return models.StatusFailed
	default:
		return models.StatusSubmitted
	}
}

// mapError translates go-binance and transport errors into the fault taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == codeNoSuchOrder:
			return &Error{Kind: KindNotFound, Op: op, Code: apiErr.Code, Err: apiErr}
		case apiErr.Code == 0 || transientCodes[apiErr.Code]:
			return &Error{Kind: KindTransient, Op: op, Code: apiErr.Code, Err: apiErr}
		default:
			return Fatal(op, apiErr.Code, apiErr)
		}
	}
	// Transport errors (timeouts, resets, EOF, malformed bodies) are retryable.
	return Transient(op, err)
}

// formatStep renders a quantity with as many decimals as the step size.
func formatStep(value, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	stepStr := strconv.FormatFloat(step, 'f', -1, 64)
	decimals := 0
	if i := strings.Index(stepStr, "."); i >= 0 {
		decimals = len(stepStr) - i - 1
	}
	return strconv.FormatFloat(value, 'f', decimals, 64)
}
