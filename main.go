package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copytrade-core/internal/api"
	"copytrade-core/internal/broker"
	"copytrade-core/internal/engine"
	"copytrade-core/pkg/config"
)

// paperPrices seeds the simulated feed so dry-run mode has markets to trade.
var paperPrices = map[string]float64{
	"BTC-USD": 60000,
	"ETH-USD": 3000,
	"SOL-USD": 150,
}

func paperFactory(cfg *config.Config) broker.Factory {
	return func(_ context.Context, accountID, _ string, _ broker.Credentials) (broker.Adapter, error) {
		products := make([]string, 0, len(paperPrices))
		for sym := range paperPrices {
			products = append(products, sym)
		}
		p := broker.NewPaperAdapter(broker.PaperConfig{
			InitialBalance: cfg.PaperInitialBalance,
			FeeRate:        cfg.PaperFeeRate,
			SlippageBps:    cfg.PaperSlippageBps,
			Products:       products,
			AssetClasses:   []string{"spot"},
		})
		for sym, price := range paperPrices {
			p.SetPrice(sym, price)
		}
		log.Printf("paper venue created for %s", accountID)
		return p, nil
	}
}

// liveFactory is where real venue adapters plug in. Each venue's REST/WS
// client implements broker.Adapter behind this switch.
func liveFactory(_ context.Context, accountID, venue string, _ broker.Credentials) (broker.Adapter, error) {
	return nil, fmt.Errorf("no live adapter for venue %q (account %s); set PAPER_MODE=true or add the venue client", venue, accountID)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	factory := broker.Factory(liveFactory)
	if cfg.PaperMode {
		factory = paperFactory(cfg)
	}

	eng, err := engine.New(cfg, factory)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	srv := api.NewServer(cfg, eng)
	go func() {
		if err := srv.Run(); err != nil {
			log.Printf("⚠️ api server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ api shutdown: %v", err)
	}
	eng.Stop()
}
