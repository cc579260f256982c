// Package reporter renders the run summary printed at shutdown.
package reporter

import (
	"fmt"
	"io"
	"time"

	"adaptive-grid-bot/internal/models"
	"adaptive-grid-bot/internal/ordertracker"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Input is everything a report is built from.
type Input struct {
	Symbol        string
	QuoteAsset    string
	BaseAsset     string
	Mode          models.TradingMode
	StartTime     time.Time
	EndTime       time.Time
	InitialEquity float64
	State         models.EngineState
	Stats         ordertracker.Stats
	EquityCurve   []float64 // equity after each fill, oldest first
}

// Metrics 存储计算出的所有性能指标
type Metrics struct {
	InitialEquity    float64
	FinalEquity      float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64 // percent
	ProfitFactor     float64
	RealizedPnL      float64
	TotalFees        float64
	MaxDrawdown      float64 // percent, from the fill equity curve
	PeakDrawdown     float64 // percent, tracked by the risk manager
	EndingCash       float64 // 期末现金
	EndingAssetValue float64 // 期末持仓市值
	TotalAssetQty    float64 // 持有资产的总数量
	FailedOrders     int
	Retries          int
}

// Calculate derives the report metrics.
func Calculate(in Input) Metrics {
	acct := in.State.Account
	m := Metrics{
		InitialEquity:    in.InitialEquity,
		FinalEquity:      acct.Equity,
		TotalTrades:      in.Stats.Filled,
		WinningTrades:    in.Stats.Wins,
		LosingTrades:     in.Stats.Losses,
		WinRate:          in.Stats.WinRate * 100,
		ProfitFactor:     in.Stats.ProfitFactor,
		RealizedPnL:      in.Stats.RealizedPnL,
		TotalFees:        in.Stats.TotalFees,
		EndingCash:       acct.QuoteBalance,
		TotalAssetQty:    acct.BaseBalance,
		EndingAssetValue: acct.BaseBalance * acct.LastPrice,
		FailedOrders:     in.Stats.Failed,
		Retries:          in.Stats.Retries,
		PeakDrawdown:     in.State.Risk.CurrentDrawdown * 100,
	}
	m.TotalProfit = m.FinalEquity - m.InitialEquity
	if m.InitialEquity != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialEquity * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(in.EquityCurve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// GenerateReport 计算并打印运行报告
func GenerateReport(w io.Writer, in Input) Metrics {
	m := Calculate(in)
	quote := in.QuoteAsset

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("运行结果报告 %s (%s)", in.Symbol, in.Mode))
	t.Style().Title.Align = text.AlignCenter
	t.AppendHeader(table.Row{"指标", "数值"})
	t.AppendRows([]table.Row{
		{"运行周期", fmt.Sprintf("%s 到 %s", in.StartTime.Format("2006-01-02 15:04"), in.EndTime.Format("2006-01-02 15:04"))},
		{"初始权益", fmt.Sprintf("%.2f %s", m.InitialEquity, quote)},
		{"最终权益", fmt.Sprintf("%.2f %s", m.FinalEquity, quote)},
		{"总利润", fmt.Sprintf("%.2f %s", m.TotalProfit, quote)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"成交次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"盈亏因子", fmt.Sprintf("%.2f", m.ProfitFactor)},
		{"已实现盈亏", fmt.Sprintf("%.4f %s", m.RealizedPnL, quote)},
		{"手续费", fmt.Sprintf("%.4f %s", m.TotalFees, quote)},
		{"失败订单", m.FailedOrders},
		{"重试次数", m.Retries},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"当前回撤", fmt.Sprintf("%.2f%%", m.PeakDrawdown)},
		{"熔断状态", string(in.State.Risk.Circuit)},
		{"网格中心价", fmt.Sprintf("%.4f", in.State.Grid.BasePrice)},
		{"网格大小", fmt.Sprintf("%.2f%%", in.State.Grid.GridSize*100)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"期末现金", fmt.Sprintf("%.2f %s", m.EndingCash, quote)},
		{"期末持仓市值", fmt.Sprintf("%.2f %s (共 %.4f %s)", m.EndingAssetValue, quote, m.TotalAssetQty, in.BaseAsset)},
	})
	t.Render()
	return m
}

// RenderOrders prints an order table, newest first as given.
func RenderOrders(w io.Writer, orders []models.Order) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Side", "Status", "Qty", "Filled", "Avg Price", "Fee", "Retries", "Updated"})
	for _, o := range orders {
		t.AppendRow(table.Row{
			o.ID, o.Side, o.Status,
			fmt.Sprintf("%.6f", o.Quantity),
			fmt.Sprintf("%.6f", o.FilledQty),
			fmt.Sprintf("%.4f", o.AvgFillPrice),
			fmt.Sprintf("%.4f", o.Fee),
			o.RetryCount,
			o.UpdatedAt.Format("01-02 15:04:05"),
		})
	}
	t.Render()
}
