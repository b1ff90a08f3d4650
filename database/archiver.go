package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/rs/zerolog"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// defaultBatchSize is the default number of candles persisted per write.
	defaultBatchSize = 32
	// defaultFlushInterval is the default maximum time a candle waits before being persisted.
	defaultFlushInterval = time.Second * 5
)

// ArchiverConfig represents the candle archiver configuration.
type ArchiverConfig struct {
	// Store persists finalised candle batches.
	Store shared.CandleArchiver
	// BatchSize is the number of candles that triggers an immediate flush.
	BatchSize int
	// FlushInterval is the maximum time a candle waits before being persisted.
	FlushInterval time.Duration
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ArchiverConfig) Validate() error {
	var errs error

	if cfg.Store == nil {
		errs = errors.Join(errs, fmt.Errorf("store cannot be nil"))
	}
	if cfg.BatchSize < 0 {
		errs = errors.Join(errs, fmt.Errorf("batch size cannot be negative"))
	}
	if cfg.FlushInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("flush interval cannot be negative"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Archiver batches finalised candles and persists them to the candle store.
type Archiver struct {
	cfg       *ArchiverConfig
	finalised chan shared.FinalisedCandle
	batch     []shared.FinalisedCandle
}

// NewArchiver initializes a new candle archiver.
func NewArchiver(cfg *ArchiverConfig) (*Archiver, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating archiver config: %w", err)
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	return &Archiver{
		cfg:       cfg,
		finalised: make(chan shared.FinalisedCandle, bufferSize),
		batch:     make([]shared.FinalisedCandle, 0, cfg.BatchSize),
	}, nil
}

// SendFinalisedCandle relays the provided finalised candle for archiving.
func (a *Archiver) SendFinalisedCandle(candle shared.FinalisedCandle) {
	select {
	case a.finalised <- candle:
		// do nothing.
	default:
		a.cfg.Logger.Error().Msgf("finalised candle channel at capacity: %d/%d",
			len(a.finalised), bufferSize)
	}
}

// flush persists the pending batch.
func (a *Archiver) flush(ctx context.Context) {
	if len(a.batch) == 0 {
		return
	}

	flushCtx, cancel := context.WithTimeout(ctx, shared.TimeoutDuration)
	defer cancel()

	err := a.cfg.Store.PersistCandles(flushCtx, a.batch)
	if err != nil {
		a.cfg.Logger.Error().Err(err).Msgf("archiving %d finalised candles", len(a.batch))
	}

	a.batch = a.batch[:0]
}

// Run manages the lifecycle processes of the archiver.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain and persist pending candles before exiting.
		drain:
			for {
				select {
				case candle := <-a.finalised:
					a.batch = append(a.batch, candle)
				default:
					break drain
				}
			}

			a.flush(context.Background())
			return

		case candle := <-a.finalised:
			a.batch = append(a.batch, candle)
			if len(a.batch) >= a.cfg.BatchSize {
				a.flush(ctx)
			}

		case <-ticker.C:
			a.flush(ctx)
		}
	}
}
