// Command report prints one trading day's trades and aggregate statistics
// from the bot's SQLite database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"optionbot/internal/adapters/logger"
	"optionbot/internal/adapters/sqlite"
	"optionbot/internal/domain"
)

func main() {
	dbPath := flag.String("db", "./data/optionbot.db", "path to the SQLite database")
	dateStr := flag.String("date", "", "day to report in YYYY-MM-DD (default: today)")
	flag.Parse()

	day := time.Now()
	if *dateStr != "" {
		parsed, err := time.Parse("2006-01-02", *dateStr)
		if err != nil {
			log.Fatalf("Invalid -date %q: expected YYYY-MM-DD", *dateStr)
		}
		day = parsed
	}

	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: *dbPath,
		Logger: logger.New(logger.Config{Level: "warn"}),
	})
	if err != nil {
		log.Fatalf("Error opening database %s: %v", *dbPath, err)
	}
	defer repo.Close()

	ctx := context.Background()
	trades, err := repo.TradesForDay(ctx, day)
	if err != nil {
		log.Fatalf("Error loading trades: %v", err)
	}

	fmt.Printf("Trade report for %s\n\n", day.Format("2006-01-02"))
	if len(trades) == 0 {
		fmt.Println("No trades recorded.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Time\tType\tSymbol\tQty\tPrice\tEntry\tExit\tPnL\tReason\t")
	for _, tr := range trades {
		if tr.Type == domain.TradeExit {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%s\t\n",
				tr.Time.Format("15:04:05"), tr.Type, tr.Symbol, tr.Quantity,
				tr.Price, tr.EntryPrice, tr.ExitPrice, tr.PnL, tr.Reason)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t\t\t\t\t\n",
			tr.Time.Format("15:04:05"), tr.Type, tr.Symbol, tr.Quantity, tr.Price)
	}
	w.Flush()

	summary := domain.Summarize(day, trades)
	fmt.Println()
	fmt.Printf("Closed trades: %d (wins %d, losses %d)\n", summary.TotalTrades, summary.Wins, summary.Losses)
	if summary.TotalTrades > 0 {
		fmt.Printf("Win rate:      %.1f%%\n", float64(summary.Wins)/float64(summary.TotalTrades)*100)
	}
	fmt.Printf("Net PnL:       %.2f\n", summary.NetPnL)
	fmt.Printf("Max drawdown:  %.2f\n", summary.MaxDrawdown)

	if pf, ok := profitFactor(trades); ok {
		fmt.Printf("Profit factor: %.2f\n", pf)
	}
}

// profitFactor is gross profit over gross loss across the day's exits; ok is
// false when there are no losing trades to divide by.
func profitFactor(trades []*domain.TradeRecord) (float64, bool) {
	var grossProfit, grossLoss float64
	for _, tr := range trades {
		if tr.Type != domain.TradeExit {
			continue
		}
		if tr.PnL > 0 {
			grossProfit += tr.PnL
		} else {
			grossLoss -= tr.PnL
		}
	}
	if grossLoss <= 0 {
		return 0, false
	}
	return grossProfit / grossLoss, true
}
