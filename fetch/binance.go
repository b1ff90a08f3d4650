package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/dnldd/candlestream/shared"
	"github.com/rs/zerolog"
)

const (
	// binanceBaseURL is the binance spot rest api base url.
	binanceBaseURL = "https://api.binance.com"
	// requestTimeout is the maximum duration of a single historical request.
	requestTimeout = time.Second * 5
)

// BinanceConfig represents the configuration for the binance historical client.
type BinanceConfig struct {
	// BaseURL is the binance rest api base url.
	BaseURL string
	// APIKey is the binance API key. Klines are public so it can be empty.
	APIKey string
	// SecretKey is the binance secret key.
	SecretKey string
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *BinanceConfig) Validate() error {
	var errs error

	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// BinanceClient fetches historical candle snapshots from the binance klines endpoint.
type BinanceClient struct {
	cfg    *BinanceConfig
	client *binance.Client
}

// Ensure the BinanceClient implements the HistoricalFetcher interface.
var _ shared.HistoricalFetcher = (*BinanceClient)(nil)

// NewBinanceClient instantiates a new binance historical client.
func NewBinanceClient(cfg *BinanceConfig) (*BinanceClient, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating binance config: %w", err)
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	client.BaseURL = binanceBaseURL
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	client.HTTPClient = &http.Client{Timeout: requestTimeout}

	return &BinanceClient{
		cfg:    cfg,
		client: client,
	}, nil
}

// FetchHistorical fetches the most recent candles of the provided interval ending at end.
// The request window starts a full span before end, mirroring how the chart is framed.
func (c *BinanceClient) FetchHistorical(ctx context.Context, symbol string, interval time.Duration, limit int, end time.Time) ([]shared.Candle, error) {
	label, err := shared.IntervalLabel(interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrSnapshotFetchFailure, err)
	}

	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", shared.ErrSnapshotFetchFailure, limit)
	}

	start := end.Add(-interval * time.Duration(limit))

	// An aligned end yields one extra bucket, the oldest is trimmed below.
	klines, err := c.client.NewKlinesService().
		Symbol(symbol).
		Interval(label).
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(limit + 1).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: fetching %s %s klines: api error %d: %s",
				shared.ErrSnapshotFetchFailure, symbol, label, apiErr.Code, apiErr.Message)
		}

		return nil, fmt.Errorf("%w: fetching %s %s klines: %w", shared.ErrSnapshotFetchFailure, symbol, label, err)
	}

	candles := c.ParseKlines(symbol, klines)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	return candles, nil
}

// ParseKlines converts the provided klines into candles. Malformed klines are dropped.
func (c *BinanceClient) ParseKlines(symbol string, klines []*binance.Kline) []shared.Candle {
	candles := make([]shared.Candle, 0, len(klines))
	for idx := range klines {
		kline := klines[idx]
		if kline == nil {
			continue
		}

		candle, err := shared.ParseCandle(kline.OpenTime, kline.Open, kline.High, kline.Low, kline.Close)
		if err != nil {
			c.cfg.Logger.Warn().Err(err).Msgf("dropping %s kline at %d", symbol, kline.OpenTime)
			continue
		}

		candles = append(candles, candle)
	}

	return candles
}
