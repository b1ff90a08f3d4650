package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/candlestream/api"
	"github.com/dnldd/candlestream/cache"
	"github.com/dnldd/candlestream/database"
	"github.com/dnldd/candlestream/fetch"
	"github.com/dnldd/candlestream/market"
	"github.com/dnldd/candlestream/metrics"
	"github.com/dnldd/candlestream/shared"
	"github.com/go-co-op/gocron"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// CandleStreamConfig represents the configuration struct for the candle stream service.
type CandleStreamConfig struct {
	// Markets represents the charted markets.
	Markets []string
	// Timeframe is the label of the initial timeframe of every chart.
	Timeframe string
	// BinanceURL is the binance rest api base url.
	BinanceURL string
	// BinanceAPIKey is the binance API key.
	BinanceAPIKey string
	// BinanceSecretKey is the binance secret key.
	BinanceSecretKey string
	// StreamURL is the binance websocket stream base url.
	StreamURL string
	// MaxReconnects is the number of reconnection attempts of a live subscription.
	MaxReconnects int
	// CoinGeckoURL is the coingecko api base url.
	CoinGeckoURL string
	// CoinGeckoAPIKey is the coingecko demo api key.
	CoinGeckoAPIKey string
	// RedisAddress is the address of the snapshot cache. Caching is disabled when empty.
	RedisAddress string
	// RedisPassword is the snapshot cache password.
	RedisPassword string
	// RedisDB is the snapshot cache database.
	RedisDB int
	// CacheTTL is the lifetime of cached snapshots.
	CacheTTL time.Duration
	// DBEndpoint is the candle archive endpoint. Archiving is disabled when empty.
	DBEndpoint string
	// DBUser is the candle archive user.
	DBUser string
	// DBPass is the candle archive user pass.
	DBPass string
	// HistoricDataFilepath is the filepath to historic market data. When set snapshots are
	// served from the file instead of binance.
	HistoricDataFilepath string
	// Address is the address the api server listens on.
	Address string
	// RefreshInterval is the interval charts re-poll their snapshots at.
	RefreshInterval time.Duration
}

// Validate asserts the config sane inputs.
func (cfg *CandleStreamConfig) Validate() error {
	var errs error

	if len(cfg.Markets) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no markets provided for candle stream service"))
	}
	if _, err := shared.LookupTimeframeConfig(cfg.Timeframe); err != nil {
		errs = errors.Join(errs, err)
	}
	if cfg.HistoricDataFilepath != "" && len(cfg.Markets) != 1 {
		errs = errors.Join(errs, fmt.Errorf("historic data serves exactly one market, got %d", len(cfg.Markets)))
	}
	if cfg.Address == "" {
		errs = errors.Join(errs, fmt.Errorf("address cannot be an empty string"))
	}
	if cfg.CacheTTL < 0 {
		errs = errors.Join(errs, fmt.Errorf("cache ttl cannot be negative"))
	}
	if cfg.RefreshInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("refresh interval cannot be negative"))
	}

	return errs
}

// CandleStream represents the candle stream charting service.
type CandleStream struct {
	cfg           *CandleStreamConfig
	marketManager *market.Manager
	archiver      *database.Archiver
	server        *api.Server
	redis         *redis.Client
	logger        *zerolog.Logger
	wg            sync.WaitGroup
}

// NewCandleStream initializes a new candle stream service.
func NewCandleStream(ctx context.Context, cfg *CandleStreamConfig) (*CandleStream, error) {
	var err error
	var marketMgr *market.Manager
	var archiver *database.Archiver
	var fetcher shared.HistoricalFetcher
	var redisClient *redis.Client
	var served []shared.TimeframeConfig

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating candle stream config: %w", err)
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logger := log.With().Str("service", "candlestream").Logger()

	timeframe, err := shared.LookupTimeframeConfig(cfg.Timeframe)
	if err != nil {
		return nil, err
	}

	if cfg.HistoricDataFilepath != "" {
		historicDataLogger := logger.With().Str("component", "historicdata").Logger()
		fetcher, err = fetch.NewHistoricData(&fetch.HistoricDataConfig{
			Market:   cfg.Markets[0],
			Interval: timeframe.BucketInterval,
			FilePath: cfg.HistoricDataFilepath,
			Logger:   &historicDataLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating historic data: %w", err)
		}

		// Historic data is bucketed by a single interval.
		served = []shared.TimeframeConfig{timeframe}
	} else {
		binanceLogger := logger.With().Str("component", "binance").Logger()
		fetcher, err = fetch.NewBinanceClient(&fetch.BinanceConfig{
			BaseURL:   cfg.BinanceURL,
			APIKey:    cfg.BinanceAPIKey,
			SecretKey: cfg.BinanceSecretKey,
			Logger:    &binanceLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating binance client: %w", err)
		}
	}

	if cfg.RedisAddress != "" {
		redisClient, err = cache.Connect(ctx, cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connecting to snapshot cache: %w", err)
		}
	}

	cacheLogger := logger.With().Str("component", "snapshotcache").Logger()
	snapshotCache, err := cache.NewSnapshotCache(&cache.SnapshotCacheConfig{
		Client:  redisClient,
		Fetcher: fetcher,
		TTL:     cfg.CacheTTL,
		Logger:  &cacheLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating snapshot cache: %w", err)
	}

	streamLogger := logger.With().Str("component", "klinestream").Logger()
	stream, err := fetch.NewKlineStream(&fetch.StreamConfig{
		BaseURL:       cfg.StreamURL,
		MaxReconnects: cfg.MaxReconnects,
		Logger:        &streamLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating kline stream: %w", err)
	}

	coinGeckoLogger := logger.With().Str("component", "coingecko").Logger()
	coinGecko, err := fetch.NewCoinGeckoClient(&fetch.CoinGeckoConfig{
		BaseURL: cfg.CoinGeckoURL,
		APIKey:  cfg.CoinGeckoAPIKey,
		Logger:  &coinGeckoLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating coingecko client: %w", err)
	}

	if cfg.DBEndpoint != "" {
		dbLogger := logger.With().Str("component", "database").Logger()
		db, err := database.NewDatabase(ctx, &database.DatabaseConfig{
			Endpoint: cfg.DBEndpoint,
			User:     cfg.DBUser,
			Pass:     cfg.DBPass,
			Logger:   &dbLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating database: %w", err)
		}

		archiverLogger := logger.With().Str("component", "archiver").Logger()
		archiver, err = database.NewArchiver(&database.ArchiverConfig{
			Store:  db,
			Logger: &archiverLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating archiver: %w", err)
		}
	}

	archiveFunc := func(candle shared.FinalisedCandle) {
		if archiver != nil {
			archiver.SendFinalisedCandle(candle)
		}
	}

	recorder := metrics.New()

	jobScheduler := gocron.NewScheduler(time.UTC)

	marketMgrLogger := logger.With().Str("component", "marketmanager").Logger()
	marketMgr, err = market.NewManager(&market.ManagerConfig{
		Markets:         cfg.Markets,
		Timeframe:       timeframe,
		Timeframes:      served,
		Fetcher:         snapshotCache,
		Feed:            stream,
		Archive:         archiveFunc,
		Metrics:         recorder,
		JobScheduler:    jobScheduler,
		RefreshInterval: cfg.RefreshInterval,
		Logger:          &marketMgrLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating market manager: %w", err)
	}

	serverLogger := logger.With().Str("component", "api").Logger()
	server, err := api.NewServer(&api.ServerConfig{
		Address:                    cfg.Address,
		SendSeriesRequest:          marketMgr.SendSeriesRequest,
		SendSwitchTimeframeRequest: marketMgr.SendSwitchTimeframeRequest,
		Lister:                     coinGecko,
		Metrics:                    recorder,
		Logger:                     &serverLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating api server: %w", err)
	}

	service := &CandleStream{
		cfg:           cfg,
		marketManager: marketMgr,
		archiver:      archiver,
		server:        server,
		redis:         redisClient,
		logger:        &logger,
	}

	return service, nil
}

// Run handles the lifecycle processes of the candle stream service.
func (s *CandleStream) Run(ctx context.Context) {
	s.wg.Add(2)

	go func() {
		s.marketManager.Run(ctx)
		s.wg.Done()
	}()

	go func() {
		s.server.Run(ctx)
		s.wg.Done()
	}()

	if s.archiver != nil {
		s.wg.Add(1)
		go func() {
			s.archiver.Run(ctx)
			s.wg.Done()
		}()
	}

	s.wg.Wait()

	if s.redis != nil {
		err := s.redis.Close()
		if err != nil {
			s.logger.Error().Err(err).Msg("closing snapshot cache connection")
		}
	}

	s.logger.Info().Msg("candle stream service stopped")
}
