package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradecore/internal/commission"
	"tradecore/internal/execution"
	"tradecore/internal/infra"
	"tradecore/internal/marketdata"
	"tradecore/internal/orders"
	"tradecore/internal/storage"
	"tradecore/internal/ws"
)

const defaultConfigPath = "config.yaml"

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; environment overrides still apply without one.
	_ = godotenv.Load()

	configPath := os.Getenv("CORE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}

	infra.SetupLogging(cfg.Logging.Level)
	slog.Info("Starting",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Commission calculator with its hourly reset sweep.
	calc, err := commission.NewCalculator(cfg.Commission.Structures)
	if err != nil {
		return err
	}
	calc.Start(ctx)
	defer calc.Stop()

	// Terminal-order archive, optional.
	var archive *storage.OrderArchive
	if cfg.Archive.Enabled {
		archive, err = storage.NewOrderArchive(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer archive.Close()
		slog.Info("Order archive ready", slog.String("path", cfg.Archive.Path))

		if cfg.Archive.RetentionDays > 0 {
			go pruneLoop(ctx, archive, cfg.Archive.RetentionDays)
		}
	}

	mgr := orders.NewManager(orders.Config{
		MaxOrderValue:   cfg.Orders.MaxOrderValue,
		MaxOrderSize:    cfg.Orders.MaxOrderSize,
		MaxOpenOrders:   cfg.Orders.MaxOpenOrders,
		OrdersPerSecond: cfg.Orders.OrdersPerSecond,
		OrderBurst:      cfg.Orders.OrderBurst,
		MetricsInterval: time.Duration(cfg.Orders.MetricsIntervalSec) * time.Second,
	}, archiverOrNil(archive))
	go mgr.ReportMetrics(ctx)

	paper := execution.NewPaperVenue("paper", mgr, calc)

	// One connection plus one router per configured endpoint. The
	// router feeds the paper venue with last trade prices.
	wsm := ws.NewManager()
	defer wsm.CloseAll()

	for _, conn := range cfg.Connections {
		router := marketdata.NewRouter(conn.ID, ws.DefaultQueueCapacity)
		router.Start(ctx)
		defer router.Stop()

		router.Subscribe("", func(ev marketdata.Event) {
			switch e := ev.(type) {
			case marketdata.TradeEvent:
				paper.UpdatePrice(e.Trade.Symbol, e.Trade.Price)
			case marketdata.TickerEvent:
				paper.UpdatePrice(e.Ticker.Symbol, e.Ticker.LastPrice)
			}
		})

		if err := wsm.CreateConnection(ctx, conn.ID, conn.URL, ws.Options{
			Compression:   conn.Compression,
			AutoReconnect: conn.AutoReconnect,
		}); err != nil {
			return err
		}

		for _, stream := range conn.Streams {
			sub := ws.Subscription{
				Stream:   stream,
				Symbol:   symbolFromStream(stream),
				Callback: router.HandlerFor(symbolFromStream(stream)),
			}
			if err := wsm.Subscribe(conn.ID, sub); err != nil {
				return err
			}
		}
		slog.Info("Connection configured",
			slog.String("id", conn.ID),
			slog.Int("streams", len(conn.Streams)))
	}

	slog.Info("Core running")
	<-ctx.Done()
	slog.Info("Shutting down")
	return nil
}

// archiverOrNil keeps a typed-nil *OrderArchive out of the interface.
func archiverOrNil(a *storage.OrderArchive) orders.Archiver {
	if a == nil {
		return nil
	}
	return a
}

// symbolFromStream extracts the symbol from stream names shaped like
// "btcusdt@trade". Venue frames carry the symbol anyway; this is only
// a routing hint.
func symbolFromStream(stream string) string {
	if i := strings.IndexByte(stream, '@'); i > 0 {
		return strings.ToUpper(stream[:i])
	}
	return ""
}

func pruneLoop(ctx context.Context, archive *storage.OrderArchive, retentionDays int) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			n, err := archive.PruneBefore(ctx, cutoff)
			if err != nil {
				slog.Warn("Archive prune failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				slog.Info("Archive pruned", slog.Int64("orders", n))
			}
		}
	}
}
