package database

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/dnldd/candlestream/shared"
	rqlitehttp "github.com/rqlite/rqlite-go-http"
	"github.com/rs/zerolog"
)

const (
	// SQL statements.
	createCandleTableSQL = "CREATE TABLE IF NOT EXISTS candle (market TEXT NOT NULL, timeframe TEXT NOT NULL, interval TEXT NOT NULL, time INTEGER NOT NULL, open REAL, high REAL, low REAL, close REAL, archivedon INTEGER, PRIMARY KEY (market, interval, time))"
	persistCandleSQL     = "INSERT OR REPLACE INTO candle(market, timeframe, interval, time, open, high, low, close, archivedon) VALUES(?,?,?,?,?,?,?,?,?)"
)

// DatabaseConfig is the configuration for the database.
type DatabaseConfig struct {
	// Endpoint represents the database connection endpoint.
	Endpoint string
	// User is the database user.
	User string
	// Pass is the database user pass.
	Pass string
	// Logger is the database logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *DatabaseConfig) Validate() error {
	var errs error

	if cfg.Endpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("endpoint cannot be an empty string"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Database represents the candle archive database connection.
type Database struct {
	cfg    *DatabaseConfig
	client *rqlitehttp.Client
}

// Ensure the database implements the CandleArchiver interface.
var _ shared.CandleArchiver = (*Database)(nil)

// NewDatabase initializes a new database connection.
func NewDatabase(ctx context.Context, cfg *DatabaseConfig) (*Database, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating database config: %w", err)
	}

	httpc := &http.Client{Timeout: time.Second * 5}
	client, err := rqlitehttp.NewClient(cfg.Endpoint, httpc)
	if err != nil {
		return nil, fmt.Errorf("creating database client: %w", err)
	}

	if cfg.User != "" {
		client.SetBasicAuth(cfg.User, cfg.Pass)
	}

	db := &Database{
		cfg:    cfg,
		client: client,
	}

	err = db.bootstrap(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}

	return db, nil
}

// bootstrap initializes the database.
func (db *Database) bootstrap(ctx context.Context) error {
	resp, err := db.client.Execute(ctx, rqlitehttp.SQLStatements{
		{SQL: createCandleTableSQL},
	}, &rqlitehttp.ExecuteOptions{
		Transaction: true,
		Timings:     true,
	})
	if err != nil {
		return err
	}

	has, idx, errStr := resp.HasError()
	if has {
		return fmt.Errorf("creating candle table: %d -> %s", idx, errStr)
	}

	return nil
}

// PersistCandles stores the provided finalised candles to the database. Candles already
// archived for the same market, interval and bucket are overwritten.
func (db *Database) PersistCandles(ctx context.Context, candles []shared.FinalisedCandle) error {
	if len(candles) == 0 {
		return nil
	}

	now := time.Now().Unix()
	stmts := make(rqlitehttp.SQLStatements, 0, len(candles))
	for idx := range candles {
		fc := candles[idx]
		interval, err := shared.IntervalLabel(fc.Timeframe.BucketInterval)
		if err != nil {
			db.cfg.Logger.Error().Msgf("unexpected finalised candle state: %s", spew.Sdump(fc))
			continue
		}

		stmts = append(stmts, rqlitehttp.SQLStatements{
			{
				SQL: persistCandleSQL,
				PositionalParams: []any{fc.Market, fc.Timeframe.Label(), interval, fc.Candle.Time.UnixMilli(),
					fc.Candle.Open, fc.Candle.High, fc.Candle.Low, fc.Candle.Close, now},
			},
		}...)
	}

	if len(stmts) == 0 {
		return nil
	}

	resp, err := db.client.Execute(ctx, stmts, &rqlitehttp.ExecuteOptions{Transaction: true, Timings: true})
	if err != nil {
		return fmt.Errorf("persisting %d candles: %w", len(stmts), err)
	}

	has, idx, errStr := resp.HasError()
	if has {
		if idx >= 0 && idx < len(stmts) {
			db.cfg.Logger.Error().Msgf("unexpected candle archive failure for: %s",
				spew.Sdump(stmts[idx].PositionalParams))
		}

		return fmt.Errorf("persisting candles: %d -> %s", idx, errStr)
	}

	return nil
}
