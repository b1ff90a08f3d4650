package aggregator

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/dnldd/candlestream/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Config represents the candle stream aggregator configuration.
type Config struct {
	// Market is the symbol of the charted market.
	Market string
	// Timeframe is the initial timeframe of the aggregator.
	Timeframe shared.TimeframeConfig
	// SignalRefetch notifies the owner a fresh snapshot and live subscription are required.
	SignalRefetch func(signal shared.RefetchSignal)
	// SignalFinalised relays candles superseded by a newer bucket. Optional.
	SignalFinalised func(candle shared.FinalisedCandle)
	// Metrics records update outcomes. Optional.
	Metrics shared.MetricsRecorder
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if cfg.Market == "" {
		errs = errors.Join(errs, fmt.Errorf("market cannot be an empty string"))
	}
	if err := cfg.Timeframe.Validate(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("invalid timeframe: %w", err))
	}
	if cfg.SignalRefetch == nil {
		errs = errors.Join(errs, fmt.Errorf("signal refetch function cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Aggregator maintains a bounded, strictly time-ordered candle series for one market and
// timeframe. It is seeded from a historical snapshot and kept current by live updates.
type Aggregator struct {
	cfg          *Config
	series       []shared.Candle
	active       shared.TimeframeConfig
	subscription io.Closer
	seriesMtx    sync.RWMutex
	generation   atomic.Uint64
	ready        atomic.Bool
	disposed     atomic.Bool
}

// New initializes a new candle stream aggregator. The aggregator starts empty; callers
// trigger the first load with SwitchTimeframe.
func New(cfg *Config) (*Aggregator, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating aggregator config: %w", err)
	}

	return &Aggregator{
		cfg:    cfg,
		series: make([]shared.Candle, 0, cfg.Timeframe.WindowLimit),
		active: cfg.Timeframe,
	}, nil
}

// Market returns the charted market.
func (a *Aggregator) Market() string {
	return a.cfg.Market
}

// Generation returns the current generation. The generation advances on every timeframe switch.
func (a *Aggregator) Generation() uint64 {
	return a.generation.Load()
}

// Ready returns whether the current series has been seeded by a snapshot.
func (a *Aggregator) Ready() bool {
	return a.ready.Load()
}

// Timeframe returns the active timeframe config.
func (a *Aggregator) Timeframe() shared.TimeframeConfig {
	a.seriesMtx.RLock()
	defer a.seriesMtx.RUnlock()

	return a.active
}

// LoadSnapshot replaces the series with the provided historical candles.
func (a *Aggregator) LoadSnapshot(candles []shared.Candle) {
	a.LoadSnapshotFor(a.generation.Load(), candles)
}

// LoadSnapshotFor replaces the series with the provided historical candles if the
// generation is still current. It returns false for stale generations.
//
// Candles are sorted ascending, malformed entries dropped, duplicate buckets collapsed to
// the later entry and the result truncated to the most recent window.
func (a *Aggregator) LoadSnapshotFor(generation uint64, candles []shared.Candle) bool {
	a.seriesMtx.Lock()
	defer a.seriesMtx.Unlock()

	if a.disposed.Load() || generation != a.generation.Load() {
		return false
	}

	set := make([]shared.Candle, 0, len(candles))
	for idx := range candles {
		err := candles[idx].Validate()
		if err != nil {
			a.cfg.Logger.Warn().Err(err).Msgf("dropping snapshot candle for %s", a.cfg.Market)
			continue
		}

		set = append(set, candles[idx])
	}

	slices.SortStableFunc(set, func(x, y shared.Candle) int {
		return x.Time.Compare(y.Time)
	})

	deduped := set[:0]
	for idx := range set {
		if len(deduped) > 0 && deduped[len(deduped)-1].Time.Equal(set[idx].Time) {
			deduped[len(deduped)-1] = set[idx]
			continue
		}

		deduped = append(deduped, set[idx])
	}

	limit := a.active.WindowLimit
	if len(deduped) > limit {
		deduped = deduped[len(deduped)-limit:]
	}

	series := make([]shared.Candle, len(deduped), limit)
	copy(series, deduped)
	a.series = series
	a.ready.Store(true)

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordSeriesLength(a.cfg.Market, a.active.Label(), len(a.series))
	}

	return true
}

// ApplyLiveUpdate merges the provided live candle into the series.
func (a *Aggregator) ApplyLiveUpdate(candle shared.Candle) shared.UpdateOutcome {
	return a.ApplyLiveUpdateFor(a.generation.Load(), candle)
}

// ApplyLiveUpdateFor merges the provided live candle into the series if the generation is
// still current.
//
// A candle for the last bucket replaces it, a candle for a newer bucket is appended with the
// oldest candle evicted once the window limit is exceeded. Candles older than the last bucket
// are discarded. Updates received before the series is seeded are dropped.
func (a *Aggregator) ApplyLiveUpdateFor(generation uint64, candle shared.Candle) shared.UpdateOutcome {
	outcome, finalised, timeframe := a.applyLiveUpdate(generation, candle)

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordUpdate(a.cfg.Market, timeframe.Label(), outcome)
	}

	if finalised != nil && a.cfg.SignalFinalised != nil {
		a.cfg.SignalFinalised(shared.FinalisedCandle{
			Market:    a.cfg.Market,
			Timeframe: timeframe,
			Candle:    *finalised,
		})
	}

	return outcome
}

// applyLiveUpdate applies the provided candle under the series lock and returns the outcome
// along with the candle finalised by the update, if any.
func (a *Aggregator) applyLiveUpdate(generation uint64, candle shared.Candle) (shared.UpdateOutcome, *shared.Candle, shared.TimeframeConfig) {
	a.seriesMtx.Lock()
	defer a.seriesMtx.Unlock()

	timeframe := a.active

	if a.disposed.Load() || generation != a.generation.Load() {
		return shared.Stale, nil, timeframe
	}

	err := candle.Validate()
	if err != nil {
		a.cfg.Logger.Debug().Err(err).Msgf("discarding live update for %s", a.cfg.Market)
		return shared.Malformed, nil, timeframe
	}

	if !a.ready.Load() {
		return shared.NotReady, nil, timeframe
	}

	if len(a.series) == 0 {
		a.series = append(a.series, candle)
		return shared.Appended, nil, timeframe
	}

	last := a.series[len(a.series)-1]
	switch {
	case candle.Time.Equal(last.Time):
		a.series[len(a.series)-1] = candle
		return shared.Replaced, nil, timeframe

	case candle.Time.After(last.Time):
		a.series = append(a.series, candle)
		if len(a.series) > timeframe.WindowLimit {
			// Evict the single oldest entry.
			a.series = slices.Delete(a.series, 0, 1)
		}

		return shared.Appended, &last, timeframe

	default:
		a.cfg.Logger.Debug().Msgf("discarding %s update for %s: %v",
			a.cfg.Market, candle.Time, shared.ErrOutOfOrderUpdate)
		return shared.OutOfOrder, nil, timeframe
	}
}

// SwitchTimeframe tears down the live subscription of the previous timeframe, clears the
// series and signals the owner to load a snapshot and subscribe for the provided timeframe.
func (a *Aggregator) SwitchTimeframe(timeframe shared.TimeframeConfig) error {
	err := timeframe.Validate()
	if err != nil {
		return fmt.Errorf("invalid timeframe: %w", err)
	}

	a.seriesMtx.Lock()
	if a.disposed.Load() {
		a.seriesMtx.Unlock()
		return fmt.Errorf("aggregator for %s is disposed", a.cfg.Market)
	}

	sub := a.subscription
	a.subscription = nil
	a.active = timeframe
	a.series = make([]shared.Candle, 0, timeframe.WindowLimit)
	a.ready.Store(false)
	generation := a.generation.Inc()
	a.seriesMtx.Unlock()

	a.closeSubscription(sub)

	a.cfg.SignalRefetch(shared.NewRefetchSignal(a.cfg.Market, timeframe, generation))

	return nil
}

// BindSubscription associates the provided live subscription with the generation. Stale
// subscriptions are closed immediately and false is returned.
func (a *Aggregator) BindSubscription(generation uint64, sub io.Closer) bool {
	a.seriesMtx.Lock()
	if a.disposed.Load() || generation != a.generation.Load() {
		a.seriesMtx.Unlock()
		a.closeSubscription(sub)
		return false
	}

	prev := a.subscription
	a.subscription = sub
	a.seriesMtx.Unlock()

	if prev != nil && prev != sub {
		a.closeSubscription(prev)
	}

	return true
}

// CurrentSeries returns a read-only snapshot of the series.
func (a *Aggregator) CurrentSeries() shared.Series {
	a.seriesMtx.RLock()
	defer a.seriesMtx.RUnlock()

	return shared.Series{
		Market:     a.cfg.Market,
		Timeframe:  a.active.Label(),
		Ready:      a.ready.Load(),
		Generation: a.generation.Load(),
		Candles:    slices.Clone(a.series),
	}
}

// Dispose releases the live subscription and clears the series. A disposed aggregator
// ignores all further updates.
func (a *Aggregator) Dispose() {
	a.seriesMtx.Lock()
	if a.disposed.Load() {
		a.seriesMtx.Unlock()
		return
	}

	a.disposed.Store(true)
	sub := a.subscription
	a.subscription = nil
	a.series = a.series[:0:0]
	a.ready.Store(false)
	a.generation.Inc()
	a.seriesMtx.Unlock()

	a.closeSubscription(sub)
}

// closeSubscription closes the provided subscription, logging failures.
func (a *Aggregator) closeSubscription(sub io.Closer) {
	if sub == nil {
		return
	}

	err := sub.Close()
	if err != nil {
		a.cfg.Logger.Error().Err(err).Msgf("closing %s live subscription", a.cfg.Market)
	}
}
