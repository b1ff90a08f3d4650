package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// HistoricDataConfig represents the historic data source configuration.
type HistoricDataConfig struct {
	// Market represents the historic data market.
	Market string
	// Interval is the bucket width of the historic candles.
	Interval time.Duration
	// FilePath is the filepath to the historic market data.
	FilePath string
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *HistoricDataConfig) Validate() error {
	var errs error

	if cfg.Market == "" {
		errs = errors.Join(errs, fmt.Errorf("market cannot be an empty string"))
	}
	if _, err := shared.IntervalLabel(cfg.Interval); err != nil {
		errs = errors.Join(errs, err)
	}
	if cfg.FilePath == "" {
		errs = errors.Join(errs, fmt.Errorf("file path cannot be an empty string"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// HistoricData represents historic market data replayed from a file. It serves snapshot
// requests offline, without reaching the exchange.
type HistoricData struct {
	cfg     *HistoricDataConfig
	candles []shared.Candle
}

// Ensure HistoricData implements the HistoricalFetcher interface.
var _ shared.HistoricalFetcher = (*HistoricData)(nil)

// loadHistoricData loads the historic data bytes from the provided file path.
func loadHistoricData(filepath string) ([]gjson.Result, error) {
	readb, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("reading historic data from file with path '%s': %w", filepath, err)
	}

	if !gjson.ValidBytes(readb) {
		return nil, fmt.Errorf("historic data at '%s' is not valid json", filepath)
	}

	b := gjson.GetBytes(readb, "@this").Array()

	return b, nil
}

// ParseHistoricCandles parses candles from the provided json data. Each entry holds a
// millisecond bucket start and string or numeric prices. Malformed entries are skipped.
func ParseHistoricCandles(data []gjson.Result, logger *zerolog.Logger) []shared.Candle {
	candles := make([]shared.Candle, 0, len(data))

	for idx := range data {
		entry := data[idx]
		candle, err := shared.ParseCandle(entry.Get("time").Int(), entry.Get("open").String(),
			entry.Get("high").String(), entry.Get("low").String(), entry.Get("close").String())
		if err != nil {
			logger.Warn().Err(err).Msgf("skipping historic candle at index %d", idx)
			continue
		}

		candles = append(candles, candle)
	}

	slices.SortStableFunc(candles, func(x, y shared.Candle) int {
		return x.Time.Compare(y.Time)
	})

	return candles
}

// NewHistoricData initializes a new historic data source.
func NewHistoricData(cfg *HistoricDataConfig) (*HistoricData, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating historic data config: %w", err)
	}

	b, err := loadHistoricData(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("loading historic data: %w", err)
	}

	candles := ParseHistoricCandles(b, cfg.Logger)
	if len(candles) > 0 {
		first := candles[0].Time
		last := candles[len(candles)-1].Time
		cfg.Logger.Info().Msgf("loaded %s historical data covering %.2f hours, from %s, to %s",
			cfg.Market, last.Sub(first).Hours(), first.Format(time.RFC1123), last.Format(time.RFC1123))
	}

	return &HistoricData{
		cfg:     cfg,
		candles: candles,
	}, nil
}

// FetchHistorical returns up to limit of the most recent candles starting at or before end.
func (h *HistoricData) FetchHistorical(_ context.Context, symbol string, interval time.Duration, limit int, end time.Time) ([]shared.Candle, error) {
	if !strings.EqualFold(symbol, h.cfg.Market) {
		return nil, fmt.Errorf("%w: %w: no historic data for %s", shared.ErrSnapshotFetchFailure,
			shared.ErrUnknownMarket, symbol)
	}

	if interval != h.cfg.Interval {
		return nil, fmt.Errorf("%w: historic data for %s is bucketed by %s, requested %s",
			shared.ErrSnapshotFetchFailure, symbol, h.cfg.Interval, interval)
	}

	cutoff := len(h.candles)
	if !end.IsZero() {
		cutoff, _ = slices.BinarySearchFunc(h.candles, end, func(c shared.Candle, at time.Time) int {
			if c.Time.After(at) {
				return 1
			}
			return -1
		})
	}

	from := max(cutoff-limit, 0)

	return slices.Clone(h.candles[from:cutoff]), nil
}
