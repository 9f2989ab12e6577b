package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundflow/config"
	"fundflow/exchange/binance"
	"fundflow/logger"
	"fundflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Fundflow.Name,
		"version": cfg.Fundflow.Version,
		"env":     config.AppEnvironment(),
	}).Info("starting fundflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	rest := binance.NewClient(cfg.API.Binance, log)
	if err := rest.Init(ctx); err != nil {
		log.WithComponent("main").Warn("continuing without request weight limit")
	}

	dispatcher := binance.NewDispatcher(log)
	dispatcher.Register(&binance.MarketDataHandler{
		OnMarkPrice: func(u models.MarkPriceUpdate) {
			log.WithComponent("market_data").WithFields(logger.Fields{
				"symbol":       u.Symbol,
				"mark_price":   u.MarkPrice,
				"funding_rate": u.FundingRate,
			}).Debug("mark price update")
		},
		OnBookTicker: func(b models.BookTicker) {
			log.WithComponent("market_data").WithFields(logger.Fields{
				"symbol": b.Symbol,
				"bid":    b.BidPrice,
				"ask":    b.AskPrice,
			}).Debug("book ticker update")
		},
	})

	stream := binance.NewStreamClient(cfg.API.Binance.Websocket, dispatcher, log)
	stream.OnConnected = func() {
		log.WithComponent("main").Info("market data stream online")
	}
	stream.OnDisconnected = func(err error) {
		if err != nil {
			log.WithComponent("main").WithError(err).Warn("market data stream lost")
		}
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.API.Binance.Websocket.ConnectTimeout)
	err = stream.Connect(connectCtx)
	connectCancel()
	if err != nil {
		log.WithError(err).Error("failed to connect market data stream")
		os.Exit(1)
	}

	channels := make([]string, 0, len(cfg.Symbols)*2)
	for _, symbol := range cfg.Symbols {
		channels = append(channels,
			binance.ChannelName(symbol, "markPrice"),
			binance.ChannelName(symbol, "bookTicker"),
		)
	}
	if err := stream.SubscribeBatch(ctx, channels, nil); err != nil {
		log.WithError(err).Error("failed to register subscriptions")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	// Funding rates settle every 8 hours; a slow REST poll cross-checks the
	// stream and keeps the weight telemetry alive.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, symbol := range cfg.Symbols {
					idx, err := rest.GetPremiumIndex(ctx, symbol)
					if err != nil {
						log.WithComponent("funding_poll").WithError(err).Warn("premium index fetch failed")
						continue
					}
					log.WithComponent("funding_poll").WithFields(logger.Fields{
						"symbol":       idx.Symbol,
						"mark_price":   idx.MarkPrice,
						"funding_rate": idx.LastFundingRate,
						"next_funding": idx.NextFundingTime,
					}).Info("funding snapshot")
				}
				stream.ReportWeight()
			}
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	stream.Disconnect()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("fundflow stopped")
}
