package domain

import "time"

// Summarize folds a day's trade rows into a DailySummary. Only EXIT rows
// carry realized PnL; entries are ignored. Max drawdown is the largest
// peak-to-trough fall of the cumulative PnL curve, reported as a positive
// number.
func Summarize(date time.Time, trades []*TradeRecord) DailySummary {
	s := DailySummary{Date: date}
	var equity, peak, drawdown float64
	for _, tr := range trades {
		if tr.Type != TradeExit {
			continue
		}
		s.TotalTrades++
		s.NetPnL += tr.PnL
		switch {
		case tr.PnL > 0:
			s.Wins++
		case tr.PnL < 0:
			s.Losses++
		}
		equity += tr.PnL
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > drawdown {
			drawdown = dd
		}
	}
	s.MaxDrawdown = drawdown
	return s
}
