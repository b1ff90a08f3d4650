package shared

// Series represents a read-only snapshot of a market's candle series.
type Series struct {
	Market     string   `json:"market"`
	Timeframe  string   `json:"timeframe"`
	Ready      bool     `json:"ready"`
	Generation uint64   `json:"generation"`
	Candles    []Candle `json:"candles"`
}

// Last returns the most recent candle of the series.
func (s Series) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}

	return s.Candles[len(s.Candles)-1], true
}
