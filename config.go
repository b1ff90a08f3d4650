package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	// defaultTimeframe is the default initial chart timeframe.
	defaultTimeframe = "1h"
	// defaultAddress is the default api server address.
	defaultAddress = ":8080"
	// defaultLogLevel is the default log level.
	defaultLogLevel = "info"
)

// Config is the configuration struct for the service.
type Config struct {
	// Markets represents the charted markets.
	Markets []string
	// Timeframe is the label of the initial chart timeframe.
	Timeframe string
	// BinanceURL is the binance rest api base url.
	BinanceURL string
	// BinanceAPIKey is the binance API key.
	BinanceAPIKey string
	// BinanceSecretKey is the binance secret key.
	BinanceSecretKey string
	// StreamURL is the binance websocket stream base url.
	StreamURL string
	// MaxReconnects is the number of reconnection attempts of a live subscription.
	MaxReconnects int
	// CoinGeckoURL is the coingecko api base url.
	CoinGeckoURL string
	// CoinGeckoAPIKey is the coingecko demo api key.
	CoinGeckoAPIKey string
	// RedisAddress is the address of the snapshot cache.
	RedisAddress string
	// RedisPassword is the snapshot cache password.
	RedisPassword string
	// RedisDB is the snapshot cache database.
	RedisDB int
	// CacheTTL is the lifetime of cached snapshots.
	CacheTTL time.Duration
	// DBEndpoint is the candle archive endpoint.
	DBEndpoint string
	// DBUser is the candle archive user.
	DBUser string
	// DBPass is the candle archive user pass.
	DBPass string
	// HistoricDataFilepath is the filepath to historic market data.
	HistoricDataFilepath string
	// Address is the address the api server listens on.
	Address string
	// RefreshInterval is the interval charts re-poll their snapshots at.
	RefreshInterval time.Duration
	// LogLevel is the application log level.
	LogLevel string

	registeredFlags map[string]bool
}

// applyDefaults sets defaults for unset optional fields.
func (cfg *Config) applyDefaults() {
	if cfg.Timeframe == "" {
		cfg.Timeframe = defaultTimeframe
	}
	if cfg.Address == "" {
		cfg.Address = defaultAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if len(cfg.Markets) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no markets provided for candle stream service"))
	}
	if _, err := shared.LookupTimeframeConfig(cfg.Timeframe); err != nil {
		errs = errors.Join(errs, err)
	}
	if cfg.HistoricDataFilepath != "" && len(cfg.Markets) > 1 {
		errs = errors.Join(errs, fmt.Errorf("historic data serves exactly one market"))
	}
	if cfg.MaxReconnects < 0 {
		errs = errors.Join(errs, fmt.Errorf("max reconnects cannot be negative"))
	}
	if cfg.CacheTTL < 0 {
		errs = errors.Join(errs, fmt.Errorf("cache ttl cannot be negative"))
	}
	if cfg.RefreshInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("refresh interval cannot be negative"))
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		errs = errors.Join(errs, fmt.Errorf("invalid log level: %w", err))
	}

	return errs
}

// registerFlag registers command line arguments of any type and tracks them to avoid reregistration.
func (cfg *Config) registerFlag(name string, value interface{}, usage string) error {
	if cfg.registeredFlags == nil {
		cfg.registeredFlags = make(map[string]bool)
	}

	if cfg.registeredFlags[name] {
		return nil
	}

	cfg.registeredFlags[name] = true

	defValue := os.Getenv(name)
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("%s: value must be a non-nil pointer", name)
	}

	if d, ok := value.(*time.Duration); ok {
		var def time.Duration
		if defValue != "" {
			parsed, err := time.ParseDuration(defValue)
			if err != nil {
				return fmt.Errorf("%s: parsing duration: %w", name, err)
			}
			def = parsed
		}
		flag.DurationVar(d, name, def, usage)
		return nil
	}

	switch val.Elem().Kind() {
	case reflect.String:
		flag.StringVar(value.(*string), name, defValue, usage)
	case reflect.Bool:
		var def bool
		if defValue != "" {
			def, _ = strconv.ParseBool(defValue)
		}
		flag.BoolVar(value.(*bool), name, def, usage)
	case reflect.Int:
		var def int
		if defValue != "" {
			def, _ = strconv.Atoi(defValue)
		}
		flag.IntVar(value.(*int), name, def, usage)
	case reflect.Slice:
		// Only handle []string
		if val.Elem().Type().Elem().Kind() == reflect.String {
			var def []string
			if defValue != "" {
				def = strings.Split(defValue, ",")
			}
			flag.Func(name, usage, func(s string) error {
				*value.(*[]string) = strings.Split(s, ",")
				return nil
			})
			// Set default if not provided via flag
			if len(def) > 0 {
				*value.(*[]string) = def
			}
		} else {
			return fmt.Errorf("%s: unsupported slice type", name)
		}
	default:
		return fmt.Errorf("%s: unsupported type", name)
	}

	return nil
}

// loadConfig loads the configuration from environment variables and command line flags.
func loadConfig(cfg *Config, path string) error {
	if path == "" {
		path = ".env"
	}

	// Check if the expected .env file exists before loading it.
	_, err := os.Stat(path)
	if err == nil {
		err := godotenv.Load(path)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	flags := []struct {
		name  string
		value interface{}
		usage string
	}{
		{"markets", &cfg.Markets, "the charted markets"},
		{"timeframe", &cfg.Timeframe, "the initial chart timeframe"},
		{"binanceurl", &cfg.BinanceURL, "the binance rest api base url"},
		{"binanceapikey", &cfg.BinanceAPIKey, "the binance api key"},
		{"binancesecretkey", &cfg.BinanceSecretKey, "the binance secret key"},
		{"streamurl", &cfg.StreamURL, "the binance websocket stream base url"},
		{"maxreconnects", &cfg.MaxReconnects, "the live subscription reconnection attempts"},
		{"coingeckourl", &cfg.CoinGeckoURL, "the coingecko api base url"},
		{"coingeckoapikey", &cfg.CoinGeckoAPIKey, "the coingecko demo api key"},
		{"redisaddress", &cfg.RedisAddress, "the snapshot cache address"},
		{"redispassword", &cfg.RedisPassword, "the snapshot cache password"},
		{"redisdb", &cfg.RedisDB, "the snapshot cache database"},
		{"cachettl", &cfg.CacheTTL, "the snapshot cache ttl"},
		{"dbendpoint", &cfg.DBEndpoint, "the candle archive endpoint"},
		{"dbuser", &cfg.DBUser, "the candle archive user"},
		{"dbpass", &cfg.DBPass, "the candle archive user pass"},
		{"historicdatafilepath", &cfg.HistoricDataFilepath, "the historic market data filepath"},
		{"address", &cfg.Address, "the api server address"},
		{"refreshinterval", &cfg.RefreshInterval, "the snapshot refresh interval"},
		{"loglevel", &cfg.LogLevel, "the log level"},
	}

	// Register command line arguments using loaded environment variables as defaults.
	for _, f := range flags {
		err = cfg.registerFlag(f.name, f.value, f.usage)
		if err != nil {
			return err
		}
	}

	// Parse command-line flags.
	flag.Parse()

	cfg.applyDefaults()

	return cfg.Validate()
}
