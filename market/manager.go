package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// maxWorkers is the maximum number of concurrent chart loads.
	maxWorkers = 8
	// refreshTag tags the scheduled chart refresh job.
	refreshTag = "refresh"
	// defaultRefreshInterval is the default snapshot re-poll interval.
	defaultRefreshInterval = time.Minute
)

// ManagerConfig represents the market manager configuration.
type ManagerConfig struct {
	// Markets represents the symbols of the markets to chart.
	Markets []string
	// Timeframe is the initial timeframe of every chart.
	Timeframe shared.TimeframeConfig
	// Timeframes restricts the timeframes charts can switch to. Every preset is
	// served when empty.
	Timeframes []shared.TimeframeConfig
	// Fetcher fetches historical snapshots.
	Fetcher shared.HistoricalFetcher
	// Feed establishes live subscriptions.
	Feed shared.LiveFeed
	// Archive relays finalised candles. Optional.
	Archive func(candle shared.FinalisedCandle)
	// Metrics records chart metrics. Optional.
	Metrics shared.MetricsRecorder
	// JobScheduler represents the job scheduler.
	JobScheduler *gocron.Scheduler
	// RefreshInterval is the interval charts re-poll their snapshots at.
	RefreshInterval time.Duration
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ManagerConfig) Validate() error {
	var errs error

	if len(cfg.Markets) == 0 {
		errs = errors.Join(errs, fmt.Errorf("markets cannot be empty"))
	}
	if err := cfg.Timeframe.Validate(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("invalid timeframe: %w", err))
	}
	if cfg.Fetcher == nil {
		errs = errors.Join(errs, fmt.Errorf("historical fetcher cannot be nil"))
	}
	if cfg.Feed == nil {
		errs = errors.Join(errs, fmt.Errorf("live feed cannot be nil"))
	}
	if cfg.JobScheduler == nil {
		errs = errors.Join(errs, fmt.Errorf("job scheduler cannot be nil"))
	}
	if cfg.RefreshInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("refresh interval cannot be negative"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Manager manages the lifecycle processes of all charted markets.
type Manager struct {
	cfg            *ManagerConfig
	charts         map[string]*Chart
	refetchSignals chan shared.RefetchSignal
	switchRequests chan *shared.SwitchTimeframeRequest
	seriesRequests chan *shared.SeriesRequest
	refreshSignals chan struct{}
	workers        chan struct{}
	wg             sync.WaitGroup
}

// NewManager initializes a new market manager.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating market manager config: %w", err)
	}

	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}

	mgr := &Manager{
		cfg:            cfg,
		charts:         make(map[string]*Chart, len(cfg.Markets)),
		refetchSignals: make(chan shared.RefetchSignal, bufferSize),
		switchRequests: make(chan *shared.SwitchTimeframeRequest, bufferSize),
		seriesRequests: make(chan *shared.SeriesRequest, bufferSize),
		refreshSignals: make(chan struct{}, 1),
		workers:        make(chan struct{}, maxWorkers),
	}

	for idx := range cfg.Markets {
		market := cfg.Markets[idx]
		if _, ok := mgr.charts[market]; ok {
			return nil, fmt.Errorf("duplicate market %s", market)
		}

		logger := cfg.Logger.With().Str("market", market).Logger()
		chart, err := NewChart(&ChartConfig{
			Market:        market,
			Timeframe:     cfg.Timeframe,
			Fetcher:       cfg.Fetcher,
			Feed:          cfg.Feed,
			SignalRefetch: mgr.SendRefetchSignal,
			Archive:       cfg.Archive,
			Metrics:       cfg.Metrics,
			Logger:        &logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating %s chart: %w", market, err)
		}

		mgr.charts[market] = chart
	}

	return mgr, nil
}

// Markets returns the charted markets.
func (m *Manager) Markets() []string {
	return m.cfg.Markets
}

// SendRefetchSignal relays the provided refetch signal for processing.
func (m *Manager) SendRefetchSignal(signal shared.RefetchSignal) {
	select {
	case m.refetchSignals <- signal:
		// do nothing.
	default:
		m.cfg.Logger.Error().Msgf("refetch signal channel at capacity: %d/%d",
			len(m.refetchSignals), bufferSize)
	}
}

// SendSwitchTimeframeRequest relays the provided timeframe switch request for processing.
func (m *Manager) SendSwitchTimeframeRequest(req *shared.SwitchTimeframeRequest) {
	select {
	case m.switchRequests <- req:
		// do nothing.
	default:
		m.cfg.Logger.Error().Msgf("switch timeframe request channel at capacity: %d/%d",
			len(m.switchRequests), bufferSize)
	}
}

// SendSeriesRequest relays the provided series request for processing.
func (m *Manager) SendSeriesRequest(req *shared.SeriesRequest) {
	select {
	case m.seriesRequests <- req:
		// do nothing.
	default:
		m.cfg.Logger.Error().Msgf("series request channel at capacity: %d/%d",
			len(m.seriesRequests), bufferSize)
	}
}

// signalRefresh queues a refresh of every chart, coalescing pending refreshes.
func (m *Manager) signalRefresh() {
	select {
	case m.refreshSignals <- struct{}{}:
	default:
	}
}

// handleRefetchSignal loads the signalled chart.
func (m *Manager) handleRefetchSignal(ctx context.Context, signal shared.RefetchSignal) {
	chart, ok := m.charts[signal.Market]
	if !ok {
		m.cfg.Logger.Error().Msgf("no chart found for %s refetch signal", signal.Market)
		return
	}

	err := chart.Load(ctx, signal)
	if err != nil {
		m.cfg.Logger.Error().Err(err).Msgf("loading %s chart", signal.Market)
	}
}

// handleSwitchTimeframeRequest switches the timeframe of the requested chart.
func (m *Manager) handleSwitchTimeframeRequest(req *shared.SwitchTimeframeRequest) {
	chart, ok := m.charts[req.Market]
	if !ok {
		req.Response <- fmt.Errorf("%w: %s", shared.ErrUnknownMarket, req.Market)
		return
	}

	if !m.serves(req.Timeframe) {
		req.Response <- fmt.Errorf("%w: %s is not served", shared.ErrUnknownTimeframe, req.Timeframe.Label())
		return
	}

	req.Response <- chart.SwitchTimeframe(req.Timeframe)
}

// serves returns whether charts can switch to the provided timeframe.
func (m *Manager) serves(timeframe shared.TimeframeConfig) bool {
	if len(m.cfg.Timeframes) == 0 {
		return true
	}

	for _, tf := range m.cfg.Timeframes {
		if tf.BucketInterval == timeframe.BucketInterval {
			return true
		}
	}

	return false
}

// handleSeriesRequest responds with the series of the requested chart.
func (m *Manager) handleSeriesRequest(req *shared.SeriesRequest) {
	chart, ok := m.charts[req.Market]
	if !ok {
		req.Err <- fmt.Errorf("%w: %s", shared.ErrUnknownMarket, req.Market)
		return
	}

	req.Response <- chart.Series()
}

// refresh re-polls the snapshots of all charts.
func (m *Manager) refresh(ctx context.Context) {
	for market, chart := range m.charts {
		m.dispatch(ctx, func() {
			err := chart.Refresh(ctx)
			if err != nil {
				m.cfg.Logger.Error().Err(err).Msgf("refreshing %s chart", market)
			}
		})
	}
}

// dispatch runs the provided task on a worker, blocking while all workers are busy.
func (m *Manager) dispatch(ctx context.Context, task func()) {
	select {
	case <-ctx.Done():
		return
	case m.workers <- struct{}{}:
	}

	m.wg.Add(1)
	go func() {
		defer func() {
			<-m.workers
			m.wg.Done()
		}()

		task()
	}()
}

// start schedules chart refreshes and triggers the initial load of every chart.
func (m *Manager) start() error {
	_, err := m.cfg.JobScheduler.Every(m.cfg.RefreshInterval).Tag(refreshTag).
		WaitForSchedule().Do(m.signalRefresh)
	if err != nil {
		return fmt.Errorf("scheduling chart refresh job: %w", err)
	}

	m.cfg.JobScheduler.StartAsync()

	for _, market := range m.cfg.Markets {
		err := m.charts[market].SwitchTimeframe(m.cfg.Timeframe)
		if err != nil {
			return fmt.Errorf("initializing %s chart: %w", market, err)
		}
	}

	return nil
}

// shutdown removes scheduled jobs, waits for in-flight work and disposes every chart.
func (m *Manager) shutdown() {
	err := m.cfg.JobScheduler.RemoveByTag(refreshTag)
	if err != nil {
		m.cfg.Logger.Error().Err(err).Msg("removing chart refresh job")
	}
	m.cfg.JobScheduler.Stop()

	m.wg.Wait()

	for _, chart := range m.charts {
		chart.Dispose()
	}
}

// Run manages the lifecycle processes of the market manager.
func (m *Manager) Run(ctx context.Context) {
	err := m.start()
	if err != nil {
		m.cfg.Logger.Error().Err(err).Msg("starting market manager")
	}

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return

		case signal := <-m.refetchSignals:
			m.dispatch(ctx, func() {
				m.handleRefetchSignal(ctx, signal)
			})

		case req := <-m.switchRequests:
			m.handleSwitchTimeframeRequest(req)

		case req := <-m.seriesRequests:
			m.handleSeriesRequest(req)

		case <-m.refreshSignals:
			m.refresh(ctx)
		}
	}
}
