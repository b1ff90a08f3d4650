package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dnldd/candlestream/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt, syscall.SIGTERM}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

func main() {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		log.Error().Err(err).Msg("loading config")
		return
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamCfg := service.CandleStreamConfig{
		Markets:              cfg.Markets,
		Timeframe:            cfg.Timeframe,
		BinanceURL:           cfg.BinanceURL,
		BinanceAPIKey:        cfg.BinanceAPIKey,
		BinanceSecretKey:     cfg.BinanceSecretKey,
		StreamURL:            cfg.StreamURL,
		MaxReconnects:        cfg.MaxReconnects,
		CoinGeckoURL:         cfg.CoinGeckoURL,
		CoinGeckoAPIKey:      cfg.CoinGeckoAPIKey,
		RedisAddress:         cfg.RedisAddress,
		RedisPassword:        cfg.RedisPassword,
		RedisDB:              cfg.RedisDB,
		CacheTTL:             cfg.CacheTTL,
		DBEndpoint:           cfg.DBEndpoint,
		DBUser:               cfg.DBUser,
		DBPass:               cfg.DBPass,
		HistoricDataFilepath: cfg.HistoricDataFilepath,
		Address:              cfg.Address,
		RefreshInterval:      cfg.RefreshInterval,
	}
	candleStream, err := service.NewCandleStream(ctx, &streamCfg)
	if err != nil {
		log.Error().Err(err).Msg("creating candle stream service")
		return
	}

	go handleTermination(ctx, cancel)
	candleStream.Run(ctx)
}
