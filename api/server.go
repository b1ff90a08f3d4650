package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	// defaultListingCurrency is the default currency coin listings are priced in.
	defaultListingCurrency = "usd"
	// defaultListingSize is the default number of coins listed.
	defaultListingSize = 20
	// shutdownTimeout is the maximum time allowed for in-flight requests on shutdown.
	shutdownTimeout = time.Second * 10
)

// HTTPMetrics defines the requirements for recording and exposing http metrics.
type HTTPMetrics interface {
	// RecordHTTPRequest records a served request.
	RecordHTTPRequest(route string, method string, status int, elapsed time.Duration)
	// Handler returns the handler exposing recorded metrics.
	Handler() http.Handler
}

// ServerConfig represents the api server configuration.
type ServerConfig struct {
	// Address is the address the server listens on.
	Address string
	// SendSeriesRequest relays series requests.
	SendSeriesRequest func(req *shared.SeriesRequest)
	// SendSwitchTimeframeRequest relays timeframe switch requests.
	SendSwitchTimeframeRequest func(req *shared.SwitchTimeframeRequest)
	// Lister lists tradable coins. Optional.
	Lister shared.MarketLister
	// ListingCurrency is the currency coin listings are priced in.
	ListingCurrency string
	// ListingSize is the number of coins listed.
	ListingSize int
	// Metrics records and exposes http metrics. Optional.
	Metrics HTTPMetrics
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *ServerConfig) Validate() error {
	var errs error

	if cfg.Address == "" {
		errs = errors.Join(errs, fmt.Errorf("address cannot be an empty string"))
	}
	if cfg.SendSeriesRequest == nil {
		errs = errors.Join(errs, fmt.Errorf("send series request function cannot be nil"))
	}
	if cfg.SendSwitchTimeframeRequest == nil {
		errs = errors.Join(errs, fmt.Errorf("send switch timeframe request function cannot be nil"))
	}
	if cfg.ListingSize < 0 {
		errs = errors.Join(errs, fmt.Errorf("listing size cannot be negative"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, fmt.Errorf("logger cannot be nil"))
	}

	return errs
}

// Server serves chart series and timeframe switches over http.
type Server struct {
	cfg      *ServerConfig
	echo     *echo.Echo
	validate *validator.Validate
}

// NewServer initializes a new api server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	if cfg.ListingCurrency == "" {
		cfg.ListingCurrency = defaultListingCurrency
	}
	if cfg.ListingSize == 0 {
		cfg.ListingSize = defaultListingSize
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		cfg:      cfg,
		echo:     e,
		validate: validator.New(),
	}

	e.Use(recoverer(cfg.Logger))
	e.Use(requestLogging(cfg.Logger, cfg.Metrics))

	s.registerRoutes()

	return s, nil
}

// registerRoutes registers the api routes.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.health)

	g := s.echo.Group("/api")
	g.GET("/timeframes", s.timeframes)
	g.GET("/markets", s.markets)
	g.GET("/charts/:market", s.series)
	g.PUT("/charts/:market/timeframe", s.switchTimeframe)

	if s.cfg.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.cfg.Metrics.Handler()))
	}
}

// Handler returns the http handler of the server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves requests until the provided context is cancelled.
func (s *Server) Run(ctx context.Context) {
	go func() {
		s.cfg.Logger.Info().Msgf("listening on %s", s.cfg.Address)
		err := s.echo.Start(s.cfg.Address)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.cfg.Logger.Error().Err(err).Msg("serving http")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.echo.Shutdown(shutdownCtx)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("shutting down http server")
		return
	}

	s.cfg.Logger.Info().Msg("http server stopped")
}
