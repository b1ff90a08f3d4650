package shared

import "errors"

var (
	// ErrMalformedCandle is returned when a candle payload is missing a price or holds
	// prices that violate the candle invariants.
	ErrMalformedCandle = errors.New("malformed candle")
	// ErrOutOfOrderUpdate is returned when a live update precedes the last candle of a series.
	ErrOutOfOrderUpdate = errors.New("out of order update")
	// ErrSubscriptionFailure is returned when the live feed disconnects or errors.
	ErrSubscriptionFailure = errors.New("subscription failure")
	// ErrSnapshotFetchFailure is returned when the historical snapshot fetch fails.
	ErrSnapshotFetchFailure = errors.New("snapshot fetch failure")
	// ErrUnknownMarket is returned when a request references an untracked market.
	ErrUnknownMarket = errors.New("unknown market")
	// ErrUnknownTimeframe is returned for unsupported timeframe labels or intervals.
	ErrUnknownTimeframe = errors.New("unknown timeframe")
)
