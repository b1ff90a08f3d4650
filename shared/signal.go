package shared

// RefetchSignal represents a signal to load a fresh snapshot and live subscription for a
// market after its timeframe changed.
type RefetchSignal struct {
	Market     string
	Timeframe  TimeframeConfig
	Generation uint64
}

// NewRefetchSignal initializes a new refetch signal.
func NewRefetchSignal(market string, timeframe TimeframeConfig, generation uint64) RefetchSignal {
	return RefetchSignal{
		Market:     market,
		Timeframe:  timeframe,
		Generation: generation,
	}
}

// FinalisedCandle represents a candle whose bucket was superseded by a newer bucket.
type FinalisedCandle struct {
	Market    string
	Timeframe TimeframeConfig
	Candle    Candle
}
