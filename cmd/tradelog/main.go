package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/internal/config"
	"github.com/web3guy0/fundingbot/internal/database"
	"github.com/web3guy0/fundingbot/types"
)

// tradelog dumps closed-trade history and aggregate stats from the trade
// store. Read-only; safe to run against a live bot's database.
func main() {
	limit := flag.Int("limit", 50, "max trades to show")
	status := flag.String("status", "CLOSED", "trade status to list")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	store, err := database.New(cfg.DatabaseDSN)
	if err != nil {
		fmt.Println("Error opening database:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	trades, err := store.ListTradesByStatus(ctx, types.TradeStatus(*status), *limit)
	if err != nil {
		fmt.Println("Error listing trades:", err)
		os.Exit(1)
	}

	fmt.Printf("📊 TRADE HISTORY - %s trades: %d\n\n", *status, len(trades))
	fmt.Println("═════════════════════════════════════════════════════════════════════════════════════")
	fmt.Println("│ SYMBOL  │ QTY      │ ENTRY APY │ FUNDING  │ FEES    │ NET PnL  │ HELD     │ REASON")
	fmt.Println("═════════════════════════════════════════════════════════════════════════════════════")

	var totalPnL, totalFunding, totalFees decimal.Decimal
	wins, losses := 0, 0
	for _, t := range trades {
		net := t.TotalPnL()
		totalPnL = totalPnL.Add(net)
		totalFunding = totalFunding.Add(t.FundingCollected)
		totalFees = totalFees.Add(t.TotalFees())

		marker := "✅"
		if net.IsNegative() {
			marker = "❌"
			losses++
		} else {
			wins++
		}

		fmt.Printf("│ %-7s │ %8s │ %8.2f%% │ %8s │ %7s │ %+8.2f │ %8s │ %s %s\n",
			t.Symbol,
			t.Leg1.FilledQty.StringFixed(4),
			t.EntryAPY.Mul(decimal.NewFromInt(100)).InexactFloat64(),
			t.FundingCollected.StringFixed(2),
			t.TotalFees().StringFixed(2),
			net.InexactFloat64(),
			t.HoldDuration().Round(time.Minute),
			marker, t.CloseReason,
		)
	}
	fmt.Println("═════════════════════════════════════════════════════════════════════════════════════")

	stats, err := store.Stats(ctx)
	if err != nil {
		fmt.Println("Error computing stats:", err)
		os.Exit(1)
	}

	fmt.Printf("\n📈 SUMMARY:\n")
	if wins+losses > 0 {
		fmt.Printf("   Wins: %d | Losses: %d | Win Rate: %.1f%%\n",
			wins, losses, float64(wins)/float64(wins+losses)*100)
	}
	fmt.Printf("   Shown PnL: %s | Funding: %s | Fees: %s\n",
		totalPnL.StringFixed(2), totalFunding.StringFixed(2), totalFees.StringFixed(2))
	fmt.Printf("   All-time: %d trades (%d open, %d closed, %d failed) | Realized: %s | Funding: %s\n",
		stats.TotalTrades, stats.OpenTrades, stats.ClosedTrades, stats.FailedTrades,
		stats.TotalRealizedPnL, stats.TotalFunding)

	if len(trades) > 0 {
		first := trades[len(trades)-1]
		last := trades[0]
		fmt.Printf("\n   Date Range: %s to %s\n",
			first.CreatedAt.Format("Jan 2 15:04"),
			last.CreatedAt.Format("Jan 2 15:04"),
		)
	}
}
