package ordertracker

import (
	"math"

	"adaptive-grid-bot/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// NewClientOrderID 生成一个唯一的客户端订单ID。
// base62 keeps it inside Binance's 36 character limit.
func NewClientOrderID() string {
	id := uuid.New()
	return "g" + base62.EncodeToString(id[:])
}

// Stats summarises execution results.
type Stats struct {
	TotalOrders  int     `json:"total_orders"`
	Filled       int     `json:"filled"`
	Failed       int     `json:"failed"`
	Cancelled    int     `json:"cancelled"`
	Retries      int     `json:"retries"`
	BuyFills     int     `json:"buy_fills"`
	SellFills    int     `json:"sell_fills"`
	Volume       float64 `json:"volume"` // quote notional filled
	TotalFees    float64 `json:"total_fees"`
	RealizedPnL  float64 `json:"realized_pnl"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
}

// statsAccumulator realizes PnL on sells against the average cost of
// inventory bought through the tracker.
type statsAccumulator struct {
	total, filled, failed, cancelled, retries int
	buys, sells                               int
	volume, fees                              float64

	inventoryQty  float64
	inventoryCost float64

	realized     float64
	wins, losses int
	grossProfit  float64
	grossLoss    float64
}

func (s *statsAccumulator) observe(o models.Order) {
	s.retries += o.RetryCount
	switch o.Status {
	case models.StatusFailed:
		s.failed++
		return
	case models.StatusCancelled:
		s.cancelled++
		if o.FilledQty == 0 {
			return
		}
	case models.StatusFilled:
		s.filled++
	default:
		return
	}

	notional := o.FilledQty * o.AvgFillPrice
	s.volume += notional
	s.fees += o.Fee

	switch o.Side {
	case models.Buy:
		s.buys++
		s.inventoryQty += o.FilledQty
		s.inventoryCost += notional + o.Fee
	case models.Sell:
		s.sells++
		if s.inventoryQty <= 0 {
			return
		}
		qty := math.Min(o.FilledQty, s.inventoryQty)
		avgCost := s.inventoryCost / s.inventoryQty
		pnl := qty*(o.AvgFillPrice-avgCost) - o.Fee
		s.inventoryCost -= avgCost * qty
		s.inventoryQty -= qty
		if s.inventoryQty <= 1e-12 {
			s.inventoryQty, s.inventoryCost = 0, 0
		}
		s.realized += pnl
		if pnl > 0 {
			s.wins++
			s.grossProfit += pnl
		} else {
			s.losses++
			s.grossLoss += -pnl
		}
	}
}

func (s *statsAccumulator) snapshot() Stats {
	out := Stats{
		TotalOrders: s.total,
		Filled:      s.filled,
		Failed:      s.failed,
		Cancelled:   s.cancelled,
		Retries:     s.retries,
		BuyFills:    s.buys,
		SellFills:   s.sells,
		Volume:      s.volume,
		TotalFees:   s.fees,
		RealizedPnL: s.realized,
		Wins:        s.wins,
		Losses:      s.losses,
		GrossProfit: s.grossProfit,
		GrossLoss:   s.grossLoss,
	}
	if closed := s.wins + s.losses; closed > 0 {
		out.WinRate = float64(s.wins) / float64(closed)
	}
	// left at 0 without a losing trade; +Inf does not encode as JSON
	if s.grossLoss > 0 {
		out.ProfitFactor = s.grossProfit / s.grossLoss
	}
	return out
}
