package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/candlestream/aggregator"
	"github.com/dnldd/candlestream/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// ChartConfig represents the chart configuration.
type ChartConfig struct {
	// Market is the symbol of the charted market.
	Market string
	// Timeframe is the initial timeframe of the chart.
	Timeframe shared.TimeframeConfig
	// Fetcher fetches historical snapshots.
	Fetcher shared.HistoricalFetcher
	// Feed establishes live subscriptions.
	Feed shared.LiveFeed
	// SignalRefetch relays refetch signals emitted on timeframe switches.
	SignalRefetch func(signal shared.RefetchSignal)
	// Archive relays finalised candles. Optional.
	Archive func(candle shared.FinalisedCandle)
	// Metrics records chart metrics. Optional.
	Metrics shared.MetricsRecorder
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ChartConfig) Validate() error {
	var errs error

	if cfg.Market == "" {
		errs = errors.Join(errs, fmt.Errorf("market cannot be an empty string"))
	}
	if cfg.Fetcher == nil {
		errs = errors.Join(errs, fmt.Errorf("historical fetcher cannot be nil"))
	}
	if cfg.Feed == nil {
		errs = errors.Join(errs, fmt.Errorf("live feed cannot be nil"))
	}
	if cfg.SignalRefetch == nil {
		errs = errors.Join(errs, fmt.Errorf("signal refetch function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Chart couples the candle aggregator of a market with its historical and live sources.
type Chart struct {
	cfg       *ChartConfig
	agg       *aggregator.Aggregator
	loadMtx   sync.Mutex
	streaming atomic.Uint64
	pumps     sync.WaitGroup
}

// NewChart initializes a new market chart.
func NewChart(cfg *ChartConfig) (*Chart, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating chart config: %w", err)
	}

	agg, err := aggregator.New(&aggregator.Config{
		Market:          cfg.Market,
		Timeframe:       cfg.Timeframe,
		SignalRefetch:   cfg.SignalRefetch,
		SignalFinalised: cfg.Archive,
		Metrics:         cfg.Metrics,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s aggregator: %w", cfg.Market, err)
	}

	return &Chart{
		cfg: cfg,
		agg: agg,
	}, nil
}

// Market returns the charted market.
func (c *Chart) Market() string {
	return c.cfg.Market
}

// Series returns a snapshot of the charted series.
func (c *Chart) Series() shared.Series {
	return c.agg.CurrentSeries()
}

// SwitchTimeframe resets the chart to the provided timeframe. The reload is driven by the
// resulting refetch signal.
func (c *Chart) SwitchTimeframe(timeframe shared.TimeframeConfig) error {
	return c.agg.SwitchTimeframe(timeframe)
}

// Streaming returns whether a live subscription is pumping updates for the current generation.
func (c *Chart) Streaming() bool {
	gen := c.streaming.Load()
	return gen != 0 && gen == c.agg.Generation()
}

// Load fetches the historical snapshot and establishes the live subscription for the
// signalled generation. Signals for superseded generations are ignored.
func (c *Chart) Load(ctx context.Context, signal shared.RefetchSignal) error {
	c.loadMtx.Lock()
	defer c.loadMtx.Unlock()

	if signal.Generation != c.agg.Generation() {
		c.cfg.Logger.Debug().Msgf("ignoring stale %s refetch signal (generation %d)",
			c.cfg.Market, signal.Generation)
		return nil
	}

	return c.sync(ctx, signal.Generation, signal.Timeframe)
}

// Refresh re-polls the historical snapshot of the current generation and resubscribes if
// the live subscription has ended.
func (c *Chart) Refresh(ctx context.Context) error {
	c.loadMtx.Lock()
	defer c.loadMtx.Unlock()

	return c.sync(ctx, c.agg.Generation(), c.agg.Timeframe())
}

// sync loads the historical snapshot for the provided generation and subscribes to live
// updates unless a subscription is already pumping them.
func (c *Chart) sync(ctx context.Context, gen uint64, timeframe shared.TimeframeConfig) error {
	err := c.loadSnapshot(ctx, gen, timeframe)
	if err != nil {
		return err
	}

	if gen != 0 && c.streaming.Load() == gen {
		return nil
	}

	return c.subscribe(ctx, gen, timeframe)
}

// loadSnapshot fetches and loads the historical snapshot for the provided generation.
func (c *Chart) loadSnapshot(ctx context.Context, gen uint64, timeframe shared.TimeframeConfig) error {
	start := time.Now()
	candles, err := c.cfg.Fetcher.FetchHistorical(ctx, c.cfg.Market, timeframe.BucketInterval,
		timeframe.WindowLimit, start)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordSnapshotFetch(c.cfg.Market, timeframe.Label(), err, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("fetching %s %s snapshot: %w", c.cfg.Market, timeframe.Label(), err)
	}

	if !c.agg.LoadSnapshotFor(gen, candles) {
		c.cfg.Logger.Debug().Msgf("discarding stale %s snapshot (generation %d)", c.cfg.Market, gen)
		return nil
	}

	c.cfg.Logger.Info().Msgf("loaded %d %s candles for %s", len(candles), timeframe.Label(), c.cfg.Market)

	return nil
}

// subscribe establishes and binds a live subscription for the provided generation.
func (c *Chart) subscribe(ctx context.Context, gen uint64, timeframe shared.TimeframeConfig) error {
	sub, err := c.cfg.Feed.Subscribe(ctx, c.cfg.Market, timeframe.BucketInterval)
	if err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordSubscriptionFailure(c.cfg.Market)
		}
		return fmt.Errorf("subscribing to %s %s updates: %w", c.cfg.Market, timeframe.Label(), err)
	}

	if !c.agg.BindSubscription(gen, sub) {
		c.cfg.Logger.Debug().Msgf("closed stale %s subscription %s", c.cfg.Market, sub.ID())
		return nil
	}

	c.streaming.Store(gen)
	c.pumps.Add(1)
	go c.pump(gen, sub)

	return nil
}

// pump applies live updates from the provided subscription until it terminates.
func (c *Chart) pump(gen uint64, sub shared.Subscription) {
	defer c.pumps.Done()
	defer c.streaming.CAS(gen, 0)

	updates := sub.Updates()
	errs := sub.Errors()
	for {
		select {
		case candle, ok := <-updates:
			if !ok {
				c.cfg.Logger.Info().Msgf("%s subscription %s ended", c.cfg.Market, sub.ID())
				return
			}

			c.agg.ApplyLiveUpdateFor(gen, candle)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}

			c.cfg.Logger.Error().Err(err).Msgf("%s subscription %s", c.cfg.Market, sub.ID())
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordSubscriptionFailure(c.cfg.Market)
			}
		}
	}
}

// Dispose closes the live subscription of the chart and waits for its update pump to exit.
func (c *Chart) Dispose() {
	c.agg.Dispose()
	c.pumps.Wait()
}
