package aggregator

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/google/go-cmp/cmp"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

var base = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

type mockCloser struct {
	closed int
	err    error
	mtx    sync.Mutex
}

func (m *mockCloser) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.closed++
	return m.err
}

func (m *mockCloser) Closed() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.closed
}

type recorder struct {
	outcomes []shared.UpdateOutcome
	lengths  []int
	mtx      sync.Mutex
}

func (r *recorder) RecordUpdate(_ string, _ string, outcome shared.UpdateOutcome) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) RecordSeriesLength(_ string, _ string, length int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.lengths = append(r.lengths, length)
}

func (r *recorder) RecordSnapshotFetch(_ string, _ string, _ error, _ time.Duration) {}

func (r *recorder) RecordSubscriptionFailure(_ string) {}

func candleAt(minutes int, price float64) shared.Candle {
	return shared.Candle{
		Time:  base.Add(time.Minute * time.Duration(minutes)),
		Open:  price,
		High:  price + 1,
		Low:   price - 1,
		Close: price,
	}
}

func ascending(from int, count int) []shared.Candle {
	candles := make([]shared.Candle, 0, count)
	for idx := range count {
		candles = append(candles, candleAt(from+idx, float64(100+from+idx)))
	}

	return candles
}

func setupAggregator(t *testing.T, timeframe shared.Timeframe) (*Aggregator, chan shared.RefetchSignal, chan shared.FinalisedCandle, *recorder) {
	t.Helper()

	tf, err := shared.TimeframeConfigFor(timeframe)
	assert.NoError(t, err)

	refetches := make(chan shared.RefetchSignal, 8)
	finalised := make(chan shared.FinalisedCandle, 256)
	rec := &recorder{}
	logger := zerolog.Nop()

	agg, err := New(&Config{
		Market:          "BTCUSDT",
		Timeframe:       tf,
		SignalRefetch:   func(signal shared.RefetchSignal) { refetches <- signal },
		SignalFinalised: func(candle shared.FinalisedCandle) { finalised <- candle },
		Metrics:         rec,
		Logger:          &logger,
	})
	assert.NoError(t, err)

	return agg, refetches, finalised, rec
}

func assertOrdered(t *testing.T, series shared.Series, limit int) {
	t.Helper()

	assert.LessThanOrEqual(t, len(series.Candles), limit)
	for idx := 1; idx < len(series.Candles); idx++ {
		assert.True(t, series.Candles[idx-1].Time.Before(series.Candles[idx].Time))
	}
}

func TestConfigValidate(t *testing.T) {
	tf, err := shared.TimeframeConfigFor(shared.OneHour)
	assert.NoError(t, err)
	logger := zerolog.Nop()
	signal := func(shared.RefetchSignal) {}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     &Config{Market: "BTCUSDT", Timeframe: tf, SignalRefetch: signal, Logger: &logger},
			wantErr: false,
		},
		{
			name:    "missing market",
			cfg:     &Config{Timeframe: tf, SignalRefetch: signal, Logger: &logger},
			wantErr: true,
		},
		{
			name:    "invalid timeframe",
			cfg:     &Config{Market: "BTCUSDT", SignalRefetch: signal, Logger: &logger},
			wantErr: true,
		},
		{
			name:    "missing refetch signal",
			cfg:     &Config{Market: "BTCUSDT", Timeframe: tf, Logger: &logger},
			wantErr: true,
		},
		{
			name:    "missing logger",
			cfg:     &Config{Market: "BTCUSDT", Timeframe: tf, SignalRefetch: signal},
			wantErr: true,
		},
	}

	for _, test := range tests {
		err := test.cfg.Validate()
		if test.wantErr {
			assert.Error(t, err)
			continue
		}

		assert.NoError(t, err)
	}

	_, err = New(&Config{})
	assert.Error(t, err)
}

func TestLoadSnapshot(t *testing.T) {
	agg, _, _, rec := setupAggregator(t, shared.FifteenMinutes)

	// Ensure a new aggregator is empty and not ready.
	series := agg.CurrentSeries()
	assert.False(t, series.Ready)
	assert.Equal(t, len(series.Candles), 0)

	// Ensure snapshots are sorted and truncated to the most recent window.
	candles := ascending(0, 20)
	shuffled := []shared.Candle{}
	for idx := len(candles) - 1; idx >= 0; idx-- {
		shuffled = append(shuffled, candles[idx])
	}

	agg.LoadSnapshot(shuffled)
	series = agg.CurrentSeries()
	assert.True(t, series.Ready)
	assert.Equal(t, series.Timeframe, "15m")
	assert.True(t, cmp.Equal(series.Candles, candles[5:]))
	assertOrdered(t, series, 15)
	assert.Equal(t, rec.lengths, []int{15})

	// Ensure loading the same snapshot twice yields the same series.
	agg.LoadSnapshot(shuffled)
	again := agg.CurrentSeries()
	assert.True(t, cmp.Equal(again.Candles, series.Candles))

	// Ensure an empty snapshot produces an empty ready series.
	agg.LoadSnapshot(nil)
	series = agg.CurrentSeries()
	assert.True(t, series.Ready)
	assert.Equal(t, len(series.Candles), 0)
}

func TestLoadSnapshotDropsMalformedAndDuplicates(t *testing.T) {
	agg, _, _, _ := setupAggregator(t, shared.FifteenMinutes)

	malformed := candleAt(2, 100)
	malformed.High = math.NaN()

	first := candleAt(1, 100)
	duplicate := candleAt(1, 200)

	agg.LoadSnapshot([]shared.Candle{candleAt(0, 90), first, malformed, duplicate, candleAt(3, 110)})

	// Ensure malformed entries are dropped and the later duplicate wins.
	series := agg.CurrentSeries()
	want := []shared.Candle{candleAt(0, 90), duplicate, candleAt(3, 110)}
	assert.True(t, cmp.Equal(series.Candles, want))
}

func TestApplyLiveUpdate(t *testing.T) {
	agg, _, finalised, rec := setupAggregator(t, shared.FifteenMinutes)

	// Ensure updates are dropped before the series is seeded.
	outcome := agg.ApplyLiveUpdate(candleAt(0, 100))
	assert.Equal(t, outcome, shared.NotReady)
	assert.Equal(t, len(agg.CurrentSeries().Candles), 0)

	agg.LoadSnapshot(ascending(0, 3))

	// Ensure a same bucket update replaces the last candle.
	replacement := candleAt(2, 250)
	outcome = agg.ApplyLiveUpdate(replacement)
	assert.Equal(t, outcome, shared.Replaced)
	series := agg.CurrentSeries()
	assert.Equal(t, len(series.Candles), 3)
	last, ok := series.Last()
	assert.True(t, ok)
	assert.Equal(t, last, replacement)

	// Ensure a newer bucket is appended and the superseded candle reported as finalised.
	next := candleAt(3, 260)
	outcome = agg.ApplyLiveUpdate(next)
	assert.Equal(t, outcome, shared.Appended)
	series = agg.CurrentSeries()
	assert.Equal(t, len(series.Candles), 4)
	last, _ = series.Last()
	assert.Equal(t, last, next)

	select {
	case candle := <-finalised:
		assert.Equal(t, candle.Market, "BTCUSDT")
		assert.Equal(t, candle.Candle, replacement)
		assert.Equal(t, candle.Timeframe.Label(), "15m")
	default:
		t.Fatal("expected a finalised candle")
	}

	// Ensure an older bucket is discarded.
	before := agg.CurrentSeries()
	outcome = agg.ApplyLiveUpdate(candleAt(1, 999))
	assert.Equal(t, outcome, shared.OutOfOrder)
	assert.True(t, cmp.Equal(agg.CurrentSeries().Candles, before.Candles))

	// Ensure malformed updates are discarded.
	malformed := candleAt(4, 100)
	malformed.Low = malformed.High + 1
	outcome = agg.ApplyLiveUpdate(malformed)
	assert.Equal(t, outcome, shared.Malformed)
	assert.True(t, cmp.Equal(agg.CurrentSeries().Candles, before.Candles))

	assert.Equal(t, rec.outcomes, []shared.UpdateOutcome{
		shared.NotReady, shared.Replaced, shared.Appended, shared.OutOfOrder, shared.Malformed})
}

func TestApplyLiveUpdateEviction(t *testing.T) {
	agg, _, _, _ := setupAggregator(t, shared.FifteenMinutes)

	snapshot := ascending(0, 15)
	agg.LoadSnapshot(snapshot)

	// Ensure appending to a full window evicts exactly the oldest candle.
	outcome := agg.ApplyLiveUpdate(candleAt(15, 500))
	assert.Equal(t, outcome, shared.Appended)
	series := agg.CurrentSeries()
	assert.Equal(t, len(series.Candles), 15)
	assert.True(t, series.Candles[0].Time.Equal(snapshot[1].Time))
	assert.True(t, cmp.Equal(series.Candles[:14], snapshot[1:]))

	// Ensure the window bound and ordering hold across many appends.
	for idx := 16; idx < 100; idx++ {
		outcome := agg.ApplyLiveUpdate(candleAt(idx, float64(idx)))
		assert.Equal(t, outcome, shared.Appended)
		assertOrdered(t, agg.CurrentSeries(), 15)
	}

	last, _ := agg.CurrentSeries().Last()
	assert.True(t, last.Time.Equal(candleAt(99, 0).Time))
}

func TestApplyLiveUpdateEmptySeries(t *testing.T) {
	agg, _, finalised, _ := setupAggregator(t, shared.FifteenMinutes)
	agg.LoadSnapshot(nil)

	// Ensure the first update for an empty ready series is appended.
	outcome := agg.ApplyLiveUpdate(candleAt(0, 100))
	assert.Equal(t, outcome, shared.Appended)
	assert.Equal(t, len(agg.CurrentSeries().Candles), 1)
	assert.Equal(t, len(finalised), 0)
}

func TestSwitchTimeframe(t *testing.T) {
	agg, refetches, _, _ := setupAggregator(t, shared.FifteenMinutes)
	agg.LoadSnapshot(ascending(0, 10))

	sub := &mockCloser{}
	assert.True(t, agg.BindSubscription(agg.Generation(), sub))
	prevGen := agg.Generation()

	tf, err := shared.TimeframeConfigFor(shared.SevenDays)
	assert.NoError(t, err)

	// Ensure switching clears the series, closes the subscription and signals a refetch.
	err = agg.SwitchTimeframe(tf)
	assert.NoError(t, err)
	assert.Equal(t, sub.Closed(), 1)
	assert.False(t, agg.Ready())
	assert.Equal(t, agg.Timeframe(), tf)

	series := agg.CurrentSeries()
	assert.Equal(t, len(series.Candles), 0)
	assert.Equal(t, series.Timeframe, "7d")

	signal := <-refetches
	assert.Equal(t, signal.Market, "BTCUSDT")
	assert.Equal(t, signal.Timeframe, tf)
	assert.Equal(t, signal.Generation, prevGen+1)
	assert.Equal(t, signal.Generation, agg.Generation())

	// Ensure late completions of the previous timeframe are ignored.
	assert.False(t, agg.LoadSnapshotFor(prevGen, ascending(0, 10)))
	assert.Equal(t, agg.ApplyLiveUpdateFor(prevGen, candleAt(11, 100)), shared.Stale)
	assert.Equal(t, len(agg.CurrentSeries().Candles), 0)

	staleSub := &mockCloser{}
	assert.False(t, agg.BindSubscription(prevGen, staleSub))
	assert.Equal(t, staleSub.Closed(), 1)

	// Ensure completions for the current generation apply.
	assert.True(t, agg.LoadSnapshotFor(signal.Generation, ascending(0, 200)))
	series = agg.CurrentSeries()
	assert.True(t, series.Ready)
	assertOrdered(t, series, tf.WindowLimit)
	assert.Equal(t, len(series.Candles), tf.WindowLimit)

	// Ensure invalid timeframes are rejected.
	err = agg.SwitchTimeframe(shared.TimeframeConfig{})
	assert.Error(t, err)
}

func TestBindSubscription(t *testing.T) {
	agg, _, _, _ := setupAggregator(t, shared.OneHour)

	first := &mockCloser{}
	second := &mockCloser{}

	// Ensure rebinding closes the previously bound subscription.
	assert.True(t, agg.BindSubscription(agg.Generation(), first))
	assert.True(t, agg.BindSubscription(agg.Generation(), second))
	assert.Equal(t, first.Closed(), 1)
	assert.Equal(t, second.Closed(), 0)

	// Ensure rebinding the same subscription does not close it.
	assert.True(t, agg.BindSubscription(agg.Generation(), second))
	assert.Equal(t, second.Closed(), 0)
}

func TestDispose(t *testing.T) {
	agg, refetches, _, _ := setupAggregator(t, shared.OneHour)
	agg.LoadSnapshot(ascending(0, 10))

	sub := &mockCloser{err: errors.New("already closed")}
	assert.True(t, agg.BindSubscription(agg.Generation(), sub))

	// Ensure disposing closes the subscription and clears the series.
	agg.Dispose()
	assert.Equal(t, sub.Closed(), 1)
	assert.False(t, agg.Ready())
	assert.Equal(t, len(agg.CurrentSeries().Candles), 0)

	// Ensure a disposed series still serialises an empty candle list.
	b, err := json.Marshal(agg.CurrentSeries())
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(b), `"candles":[]`))

	// Ensure a disposed aggregator ignores further operations.
	agg.Dispose()
	assert.Equal(t, sub.Closed(), 1)
	assert.Equal(t, agg.ApplyLiveUpdate(candleAt(20, 100)), shared.Stale)
	assert.False(t, agg.LoadSnapshotFor(agg.Generation(), ascending(0, 5)))

	late := &mockCloser{}
	assert.False(t, agg.BindSubscription(agg.Generation(), late))
	assert.Equal(t, late.Closed(), 1)

	tf, err := shared.TimeframeConfigFor(shared.OneDay)
	assert.NoError(t, err)
	err = agg.SwitchTimeframe(tf)
	assert.Error(t, err)
	assert.Equal(t, len(refetches), 0)
}

func TestConcurrentUpdates(t *testing.T) {
	agg, _, _, _ := setupAggregator(t, shared.OneHour)
	agg.LoadSnapshot(ascending(0, 60))

	// Ensure concurrent writers and readers preserve the series invariants.
	var wg sync.WaitGroup
	for worker := range 4 {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for idx := range 50 {
				agg.ApplyLiveUpdate(candleAt(60+idx, float64(offset+idx)))
			}
		}(worker)
	}

	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				assertOrdered(t, agg.CurrentSeries(), 60)
			}
		}()
	}

	wg.Wait()

	series := agg.CurrentSeries()
	assert.Equal(t, len(series.Candles), 60)
	assertOrdered(t, series, 60)
	last, _ := series.Last()
	assert.True(t, last.Time.Equal(candleAt(109, 0).Time))
}
