// Command list_trades prints the trades held in the agent's store. Useful for
// inspecting lifecycle state while the agent itself is offline; the store is
// opened read-mostly and never mutated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/BenFisher1984/web-execution-agent/config"
	"github.com/BenFisher1984/web-execution-agent/internal/adapters/logger"
	"github.com/BenFisher1984/web-execution-agent/internal/adapters/sqlite"
	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

func main() {
	activeOnly := flag.Bool("active", false, "show only trades with non-terminal orders")
	showOrders := flag.Bool("orders", false, "show each trade's orders")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}
	appLogger := logger.NewStdLogger(logger.LevelWarn)

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open trade store: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	var trades []*domain.Trade
	if *activeOnly {
		trades, err = repo.FindActive(ctx)
	} else {
		trades, err = repo.FindAll(ctx)
	}
	if err != nil {
		log.Fatalf("FATAL: Failed to query trades: %v", err)
	}
	if len(trades) == 0 {
		fmt.Println("No trades found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "ID\tSymbol\tDir\tStatus\tQty\tFilled\tEntry\tActiveStop\tUpdated\t")
	for _, trade := range trades {
		v := trade.View()
		stop := "-"
		if v.ActiveStop != nil {
			stop = fmt.Sprintf("%s@%.2f", v.ActiveStop.Type, v.ActiveStop.Price)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.4f\t%.4f\t%s\t%s\t%s\t\n",
			v.ID, v.Symbol, v.Direction, v.Status, v.Quantity, v.FilledQuantity,
			v.EntryStatus, stop, v.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()

	if !*showOrders {
		return
	}
	for _, trade := range trades {
		v := trade.View()
		fmt.Printf("\n## %s %s %s\n", v.ID, v.Symbol, v.Direction)
		ow := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
		fmt.Fprintln(ow, "Order\tKind\tStatus\tSide\tOCA\tReqQty\tFillQty\tFillPx\tBrokerID\t")
		for _, o := range v.Orders {
			fmt.Fprintf(ow, "%s\t%s\t%s\t%s\t%s\t%.4f\t%.4f\t%.2f\t%s\t\n",
				o.ID, o.Kind, o.Status, o.Side, o.OCAGroup, o.RequestedQty, o.FilledQty, o.FillPrice, o.BrokerOrderID)
		}
		ow.Flush()
	}
}
