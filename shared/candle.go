package shared

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Candle represents one OHLC bar for a fixed-width time bucket. Candles are values, an update
// replaces a candle wholesale.
type Candle struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// NewCandle initializes a new validated candle.
func NewCandle(at time.Time, open float64, high float64, low float64, close float64) (Candle, error) {
	candle := Candle{
		Time:  at.UTC(),
		Open:  open,
		High:  high,
		Low:   low,
		Close: close,
	}

	err := candle.Validate()
	if err != nil {
		return Candle{}, err
	}

	return candle, nil
}

// Validate asserts the candle holds sane values.
func (c Candle) Validate() error {
	var errs error

	if c.Time.IsZero() {
		errs = errors.Join(errs, fmt.Errorf("candle time cannot be zero"))
	}

	prices := []struct {
		name  string
		value float64
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
	}

	for _, price := range prices {
		switch {
		case math.IsNaN(price.value) || math.IsInf(price.value, 0):
			errs = errors.Join(errs, fmt.Errorf("%s price is not a finite number", price.name))
		case price.value < 0:
			errs = errors.Join(errs, fmt.Errorf("%s price cannot be negative: %f", price.name, price.value))
		}
	}

	if errs == nil {
		if c.Low > c.High {
			errs = errors.Join(errs, fmt.Errorf("low %f exceeds high %f", c.Low, c.High))
		}
		if c.Open < c.Low || c.Open > c.High {
			errs = errors.Join(errs, fmt.Errorf("open %f outside of range [%f, %f]", c.Open, c.Low, c.High))
		}
		if c.Close < c.Low || c.Close > c.High {
			errs = errors.Join(errs, fmt.Errorf("close %f outside of range [%f, %f]", c.Close, c.Low, c.High))
		}
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrMalformedCandle, errs)
	}

	return nil
}

// ParseCandle creates a candle from the string encoded prices and millisecond bucket start
// exchanges send over the wire.
func ParseCandle(startMillis int64, open string, high string, low string, close string) (Candle, error) {
	fields := []struct {
		name  string
		value string
	}{
		{"open", open},
		{"high", high},
		{"low", low},
		{"close", close},
	}

	prices := make([]float64, len(fields))
	for idx, field := range fields {
		price, err := strconv.ParseFloat(field.value, 64)
		if err != nil {
			return Candle{}, fmt.Errorf("%w: parsing %s price '%s': %w", ErrMalformedCandle,
				field.name, field.value, err)
		}

		prices[idx] = price
	}

	if startMillis <= 0 {
		return Candle{}, fmt.Errorf("%w: invalid bucket start %d", ErrMalformedCandle, startMillis)
	}

	return NewCandle(time.UnixMilli(startMillis), prices[0], prices[1], prices[2], prices[3])
}
