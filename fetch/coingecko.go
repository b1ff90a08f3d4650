package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	// coinGeckoBaseURL is the coingecko api base url.
	coinGeckoBaseURL = "https://api.coingecko.com/api/v3"
)

// CoinGeckoConfig represents the configuration for the coingecko client.
type CoinGeckoConfig struct {
	// BaseURL is the coingecko api base url.
	BaseURL string
	// APIKey is the optional coingecko demo api key.
	APIKey string
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *CoinGeckoConfig) Validate() error {
	var errs error

	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// CoinGeckoClient represents the coingecko market listing client.
type CoinGeckoClient struct {
	cfg    *CoinGeckoConfig
	httpc  http.Client
	buf    *bytes.Buffer
	bufMtx sync.Mutex
}

// Ensure the CoinGeckoClient implements the MarketLister interface.
var _ shared.MarketLister = (*CoinGeckoClient)(nil)

// NewCoinGeckoClient instantiates a new coingecko client.
func NewCoinGeckoClient(cfg *CoinGeckoConfig) (*CoinGeckoClient, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating coingecko config: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = coinGeckoBaseURL
	}

	return &CoinGeckoClient{
		cfg:   cfg,
		httpc: http.Client{Timeout: time.Second * 5},
		buf:   bytes.NewBuffer(make([]byte, 0, 512)),
	}, nil
}

// formURL creates full urls including paramters for the api.
func (c *CoinGeckoClient) formURL(path string, params string) string {
	c.bufMtx.Lock()
	defer c.bufMtx.Unlock()

	c.buf.WriteString(c.cfg.BaseURL)
	c.buf.WriteString(path)
	c.buf.WriteString("?")
	c.buf.WriteString(params)
	url := c.buf.String()
	c.buf.Reset()

	return url
}

// ParseCoins parses coin listings from the provided json data. Entries missing an id,
// symbol or price are dropped.
func (c *CoinGeckoClient) ParseCoins(data []gjson.Result) []shared.Coin {
	coins := make([]shared.Coin, 0, len(data))

	for idx := range data {
		entry := data[idx]
		id := entry.Get("id")
		symbol := entry.Get("symbol")
		price := entry.Get("current_price")

		if id.String() == "" || symbol.String() == "" || price.Type != gjson.Number {
			c.cfg.Logger.Debug().Msgf("dropping incomplete coin listing at index %d", idx)
			continue
		}

		coin := shared.Coin{
			ID:                    id.String(),
			Symbol:                symbol.String(),
			Name:                  entry.Get("name").String(),
			Image:                 entry.Get("image").String(),
			CurrentPrice:          price.Float(),
			MarketCapRank:         int(entry.Get("market_cap_rank").Int()),
			PriceChangePercent24h: entry.Get("price_change_percentage_24h").Float(),
		}

		prices := entry.Get("sparkline_in_7d.price").Array()
		if len(prices) > 0 {
			coin.Sparkline = make([]float64, 0, len(prices))
			for jdx := range prices {
				coin.Sparkline = append(coin.Sparkline, prices[jdx].Float())
			}
		}

		coins = append(coins, coin)
	}

	return coins
}

// FetchMarkets fetches coins ordered by market capitalisation.
func (c *CoinGeckoClient) FetchMarkets(ctx context.Context, vsCurrency string, perPage int) ([]shared.Coin, error) {
	const marketsPath = "/coins/markets"

	params := url.Values{}
	params.Add("vs_currency", vsCurrency)
	params.Add("order", "market_cap_desc")
	params.Add("per_page", strconv.Itoa(perPage))
	params.Add("page", "1")
	params.Add("sparkline", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.formURL(marketsPath, params.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("creating markets request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.cfg.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching markets: %w", err)
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching markets: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	result := gjson.ParseBytes(body)
	if !result.IsArray() {
		return nil, fmt.Errorf("fetching markets: expected a json array")
	}

	return c.ParseCoins(result.Array()), nil
}
