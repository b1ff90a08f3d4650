package shared

import (
	"time"
)

const (
	// TimeoutDuration is the maximum time to wait before timing out.
	TimeoutDuration = time.Second * 4
)

// SeriesRequest represents a request to fetch the current candle series of a market.
type SeriesRequest struct {
	Market   string
	Response chan Series
	Err      chan error
}

// NewSeriesRequest initializes a new series request.
func NewSeriesRequest(market string) *SeriesRequest {
	return &SeriesRequest{
		Market:   market,
		Response: make(chan Series, 1),
		Err:      make(chan error, 1),
	}
}

// SwitchTimeframeRequest represents a request to change the timeframe charted for a market.
type SwitchTimeframeRequest struct {
	Market    string
	Timeframe TimeframeConfig
	Response  chan error
}

// NewSwitchTimeframeRequest initializes a new switch timeframe request.
func NewSwitchTimeframeRequest(market string, timeframe TimeframeConfig) *SwitchTimeframeRequest {
	return &SwitchTimeframeRequest{
		Market:    market,
		Timeframe: timeframe,
		Response:  make(chan error, 1),
	}
}
