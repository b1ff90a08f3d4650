package shared

import (
	"context"
	"time"
)

// HistoricalFetcher defines the requirements for fetching historical candle snapshots.
type HistoricalFetcher interface {
	// FetchHistorical fetches up to limit candles of the provided interval ending at or
	// before end, ordered ascending by time.
	FetchHistorical(ctx context.Context, symbol string, interval time.Duration, limit int, end time.Time) ([]Candle, error)
}

// Subscription defines a live candle subscription.
type Subscription interface {
	// ID returns the subscription identifier.
	ID() string
	// Updates returns the channel live candles are delivered on. It is closed when the
	// subscription terminates.
	Updates() <-chan Candle
	// Errors returns the channel transport errors are delivered on.
	Errors() <-chan error
	// Close terminates the subscription.
	Close() error
}

// LiveFeed defines the requirements for subscribing to live candle updates.
type LiveFeed interface {
	// Subscribe establishes a live candle subscription for the provided symbol and interval.
	Subscribe(ctx context.Context, symbol string, interval time.Duration) (Subscription, error)
}

// CandleArchiver defines the requirements for persisting finalised candles.
type CandleArchiver interface {
	// PersistCandles stores the provided finalised candles.
	PersistCandles(ctx context.Context, candles []FinalisedCandle) error
}

// MarketLister defines the requirements for listing tradable coins.
type MarketLister interface {
	// FetchMarkets fetches coins ordered by market capitalisation.
	FetchMarkets(ctx context.Context, vsCurrency string, perPage int) ([]Coin, error)
}

// MetricsRecorder defines the requirements for recording candle stream metrics.
type MetricsRecorder interface {
	// RecordUpdate records the outcome of a live update.
	RecordUpdate(market string, timeframe string, outcome UpdateOutcome)
	// RecordSeriesLength records the current length of a series.
	RecordSeriesLength(market string, timeframe string, length int)
	// RecordSnapshotFetch records a snapshot fetch and its duration.
	RecordSnapshotFetch(market string, timeframe string, err error, elapsed time.Duration)
	// RecordSubscriptionFailure records a live subscription failure.
	RecordSubscriptionFailure(market string)
}
