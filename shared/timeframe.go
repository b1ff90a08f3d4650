package shared

import (
	"errors"
	"fmt"
	"time"
)

// Timeframe represents a chart history preset.
type Timeframe int

const (
	FifteenMinutes Timeframe = iota
	OneHour
	FourHours
	OneDay
	SevenDays
)

// Timeframes lists all supported timeframes, shortest first.
var Timeframes = []Timeframe{FifteenMinutes, OneHour, FourHours, OneDay, SevenDays}

// String stringifies the provided timeframe.
func (t Timeframe) String() string {
	switch t {
	case FifteenMinutes:
		return "15m"
	case OneHour:
		return "1h"
	case FourHours:
		return "4h"
	case OneDay:
		return "1d"
	case SevenDays:
		return "7d"
	default:
		return "unknown"
	}
}

// ParseTimeframe returns the timeframe for the provided label.
func ParseTimeframe(label string) (Timeframe, error) {
	for _, tf := range Timeframes {
		if tf.String() == label {
			return tf, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrUnknownTimeframe, label)
}

// TimeframeConfig couples a timeframe with the bucket width each candle covers and the
// number of candles retained. The historical fetch and the live subscription of a
// timeframe are both derived from the same config.
type TimeframeConfig struct {
	Timeframe      Timeframe
	BucketInterval time.Duration
	WindowLimit    int
}

// TimeframeConfigFor returns the preset config for the provided timeframe.
func TimeframeConfigFor(t Timeframe) (TimeframeConfig, error) {
	switch t {
	case FifteenMinutes:
		return TimeframeConfig{Timeframe: t, BucketInterval: time.Minute, WindowLimit: 15}, nil
	case OneHour:
		return TimeframeConfig{Timeframe: t, BucketInterval: time.Minute, WindowLimit: 60}, nil
	case FourHours:
		return TimeframeConfig{Timeframe: t, BucketInterval: time.Minute * 5, WindowLimit: 48}, nil
	case OneDay:
		return TimeframeConfig{Timeframe: t, BucketInterval: time.Minute * 15, WindowLimit: 96}, nil
	case SevenDays:
		return TimeframeConfig{Timeframe: t, BucketInterval: time.Hour, WindowLimit: 168}, nil
	default:
		return TimeframeConfig{}, fmt.Errorf("%w: %d", ErrUnknownTimeframe, t)
	}
}

// LookupTimeframeConfig returns the preset config for the provided timeframe label.
func LookupTimeframeConfig(label string) (TimeframeConfig, error) {
	tf, err := ParseTimeframe(label)
	if err != nil {
		return TimeframeConfig{}, err
	}

	return TimeframeConfigFor(tf)
}

// Label returns the user-facing timeframe label.
func (c TimeframeConfig) Label() string {
	return c.Timeframe.String()
}

// Span returns the duration covered by a full window of candles.
func (c TimeframeConfig) Span() time.Duration {
	return c.BucketInterval * time.Duration(c.WindowLimit)
}

// Validate asserts the config sane inputs.
func (c TimeframeConfig) Validate() error {
	var errs error

	if c.BucketInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("bucket interval must be positive"))
	}
	if c.WindowLimit <= 0 {
		errs = errors.Join(errs, fmt.Errorf("window limit must be positive"))
	}
	if _, err := IntervalLabel(c.BucketInterval); c.BucketInterval > 0 && err != nil {
		errs = errors.Join(errs, err)
	}

	return errs
}

// IntervalLabel returns the exchange interval label for the provided bucket width.
func IntervalLabel(interval time.Duration) (string, error) {
	switch interval {
	case time.Minute:
		return "1m", nil
	case time.Minute * 5:
		return "5m", nil
	case time.Minute * 15:
		return "15m", nil
	case time.Hour:
		return "1h", nil
	default:
		return "", fmt.Errorf("%w: no interval label for %s", ErrUnknownTimeframe, interval)
	}
}
