package shared

import "strings"

const (
	// QuoteAsset is the quote asset charted pairs are denominated in.
	QuoteAsset = "USDT"
)

// Coin represents a tradable coin listing.
type Coin struct {
	ID                    string    `json:"id"`
	Symbol                string    `json:"symbol"`
	Name                  string    `json:"name"`
	Image                 string    `json:"image"`
	CurrentPrice          float64   `json:"currentPrice"`
	MarketCapRank         int       `json:"marketCapRank"`
	PriceChangePercent24h float64   `json:"priceChangePercent24h"`
	Sparkline             []float64 `json:"sparkline,omitempty"`
}

// PairSymbol returns the exchange pair symbol charted for the coin.
func (c *Coin) PairSymbol() string {
	return strings.ToUpper(c.Symbol) + QuoteAsset
}
