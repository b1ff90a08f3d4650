package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// streamBaseURL is the binance spot websocket stream base url.
	streamBaseURL = "wss://stream.binance.com:9443/ws"
	// defaultPingInterval is the default keepalive ping interval.
	defaultPingInterval = time.Second * 30
	// defaultMaxReconnects is the default number of reconnection attempts before giving up.
	defaultMaxReconnects = 10
	// writeWait is the maximum time allowed to write a control frame.
	writeWait = time.Second * 5
)

// StreamConfig represents the configuration for the binance kline stream.
type StreamConfig struct {
	// BaseURL is the websocket stream base url.
	BaseURL string
	// PingInterval is the keepalive ping interval.
	PingInterval time.Duration
	// MaxReconnects is the number of consecutive reconnection attempts before a subscription
	// terminates.
	MaxReconnects int
	// MinBackoff is the initial reconnection delay.
	MinBackoff time.Duration
	// MaxBackoff is the maximum reconnection delay.
	MaxBackoff time.Duration
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *StreamConfig) Validate() error {
	var errs error

	if cfg.PingInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("ping interval cannot be negative"))
	}
	if cfg.MaxReconnects < 0 {
		errs = errors.Join(errs, fmt.Errorf("max reconnects cannot be negative"))
	}
	if cfg.MaxBackoff > 0 && cfg.MaxBackoff < cfg.MinBackoff {
		errs = errors.Join(errs, fmt.Errorf("max backoff cannot be less than min backoff"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// KlineStream subscribes to live binance kline updates.
type KlineStream struct {
	cfg    *StreamConfig
	dialer *websocket.Dialer
}

// Ensure the KlineStream implements the LiveFeed interface.
var _ shared.LiveFeed = (*KlineStream)(nil)

// NewKlineStream initializes a new kline stream.
func NewKlineStream(cfg *StreamConfig) (*KlineStream, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating stream config: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = streamBaseURL
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = time.Second * 30
	}

	return &KlineStream{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: time.Second * 10,
		},
	}, nil
}

// streamURL creates the kline stream url for the provided symbol and interval label.
func (s *KlineStream) streamURL(symbol string, label string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSuffix(s.cfg.BaseURL, "/"))
	sb.WriteString("/")
	sb.WriteString(strings.ToLower(symbol))
	sb.WriteString("@kline_")
	sb.WriteString(label)

	return sb.String()
}

// Subscribe establishes a live kline subscription for the provided symbol and interval.
func (s *KlineStream) Subscribe(ctx context.Context, symbol string, interval time.Duration) (shared.Subscription, error) {
	label, err := shared.IntervalLabel(interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrSubscriptionFailure, err)
	}

	url := s.streamURL(symbol, label)
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", shared.ErrSubscriptionFailure, url, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	logger := s.cfg.Logger.With().Str("subscription", id).Str("symbol", symbol).Str("interval", label).Logger()

	sub := &klineSubscription{
		id:      id,
		url:     url,
		stream:  s,
		logger:  &logger,
		conn:    conn,
		updates: make(chan shared.Candle, bufferSize),
		errs:    make(chan error, bufferSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go sub.run(subCtx)

	logger.Info().Msg("kline subscription established")

	return sub, nil
}

// klineSubscription represents a live kline subscription.
type klineSubscription struct {
	id        string
	url       string
	stream    *KlineStream
	logger    *zerolog.Logger
	conn      *websocket.Conn
	connMtx   sync.Mutex
	updates   chan shared.Candle
	errs      chan error
	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// Ensure the klineSubscription implements the Subscription interface.
var _ shared.Subscription = (*klineSubscription)(nil)

// ID returns the subscription identifier.
func (k *klineSubscription) ID() string {
	return k.id
}

// Updates returns the live candle channel.
func (k *klineSubscription) Updates() <-chan shared.Candle {
	return k.updates
}

// Errors returns the transport error channel.
func (k *klineSubscription) Errors() <-chan error {
	return k.errs
}

// Close terminates the subscription and waits for its read loop to exit.
func (k *klineSubscription) Close() error {
	var err error
	k.closeOnce.Do(func() {
		k.closed.Store(true)
		k.cancel()

		k.connMtx.Lock()
		if k.conn != nil {
			err = k.conn.Close()
		}
		k.connMtx.Unlock()

		<-k.done
		k.logger.Info().Msg("kline subscription closed")
	})

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing kline subscription %s: %w", k.id, err)
	}

	return nil
}

// sendError relays the provided transport error without blocking.
func (k *klineSubscription) sendError(err error) {
	select {
	case k.errs <- err:
		// do nothing.
	default:
		k.logger.Error().Err(err).Msgf("error channel at capacity: %d/%d", len(k.errs), bufferSize)
	}
}

// currentConn returns the active connection.
func (k *klineSubscription) currentConn() *websocket.Conn {
	k.connMtx.Lock()
	defer k.connMtx.Unlock()

	return k.conn
}

// reconnect redials the stream with exponential backoff. It returns false once the
// reconnection budget is exhausted or the subscription is closed.
func (k *klineSubscription) reconnect(ctx context.Context) bool {
	cfg := k.stream.cfg
	b := &backoff.Backoff{
		Min:    cfg.MinBackoff,
		Max:    cfg.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for int(b.Attempt()) < cfg.MaxReconnects {
		delay := b.Duration()
		k.logger.Warn().Msgf("reconnecting in %s (attempt %d/%d)", delay, int(b.Attempt()), cfg.MaxReconnects)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, _, err := k.stream.dialer.DialContext(ctx, k.url, nil)
		if err != nil {
			k.sendError(fmt.Errorf("%w: redialing %s: %w", shared.ErrSubscriptionFailure, k.url, err))
			continue
		}

		k.connMtx.Lock()
		if k.closed.Load() {
			k.connMtx.Unlock()
			_ = conn.Close()
			return false
		}
		k.conn = conn
		k.connMtx.Unlock()

		k.logger.Info().Msg("kline subscription re-established")
		return true
	}

	k.logger.Error().Msgf("giving up on kline subscription after %d reconnects", cfg.MaxReconnects)
	return false
}

// run manages the lifecycle of the subscription.
func (k *klineSubscription) run(ctx context.Context) {
	defer close(k.done)
	defer close(k.updates)

	for {
		err := k.read(ctx, k.currentConn())
		if ctx.Err() != nil || k.closed.Load() {
			return
		}

		k.sendError(fmt.Errorf("%w: %w", shared.ErrSubscriptionFailure, err))
		_ = k.currentConn().Close()

		if !k.reconnect(ctx) {
			return
		}
	}
}

// read pumps kline messages from the provided connection until it errors.
func (k *klineSubscription) read(ctx context.Context, conn *websocket.Conn) error {
	pingInterval := k.stream.cfg.PingInterval
	readWait := pingInterval * 3

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				if err != nil {
					k.logger.Debug().Err(err).Msg("writing ping")
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading kline message: %w", err)
		}

		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		candle, ok, err := ParseKlineMessage(data)
		if err != nil {
			k.logger.Warn().Err(err).Msg("discarding kline message")
			continue
		}
		if !ok {
			continue
		}

		select {
		case k.updates <- candle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ParseKlineMessage parses a candle from the provided kline stream message. It returns false
// for messages that are not kline events.
func ParseKlineMessage(data []byte) (shared.Candle, bool, error) {
	if !gjson.ValidBytes(data) {
		return shared.Candle{}, false, fmt.Errorf("%w: invalid json payload", shared.ErrMalformedCandle)
	}

	kline := gjson.GetBytes(data, "k")
	if !kline.Exists() {
		return shared.Candle{}, false, nil
	}

	candle, err := shared.ParseCandle(kline.Get("t").Int(), kline.Get("o").String(),
		kline.Get("h").String(), kline.Get("l").String(), kline.Get("c").String())
	if err != nil {
		return shared.Candle{}, false, err
	}

	return candle, true, nil
}
