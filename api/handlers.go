package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dnldd/candlestream/shared"
	"github.com/labstack/echo/v4"
)

// response is the envelope of every api response.
type response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// timeframe describes a supported timeframe preset.
type timeframe struct {
	Label          string `json:"label"`
	BucketInterval string `json:"bucketInterval"`
	WindowLimit    int    `json:"windowLimit"`
}

// switchTimeframeRequest is the body of a timeframe switch.
type switchTimeframeRequest struct {
	Timeframe string `json:"timeframe" validate:"required"`
}

// respond writes the provided data in the response envelope.
func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, response{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

// marketParam returns the normalised market path parameter.
func marketParam(c echo.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("market")))
}

// health reports the server is up.
func (s *Server) health(c echo.Context) error {
	return respond(c, http.StatusOK, map[string]string{"status": "ok"})
}

// timeframes lists the supported timeframe presets.
func (s *Server) timeframes(c echo.Context) error {
	presets := make([]timeframe, 0, len(shared.Timeframes))
	for _, tf := range shared.Timeframes {
		cfg, err := shared.TimeframeConfigFor(tf)
		if err != nil {
			return respond(c, http.StatusInternalServerError, nil)
		}

		label, err := shared.IntervalLabel(cfg.BucketInterval)
		if err != nil {
			return respond(c, http.StatusInternalServerError, nil)
		}

		presets = append(presets, timeframe{
			Label:          cfg.Label(),
			BucketInterval: label,
			WindowLimit:    cfg.WindowLimit,
		})
	}

	return respond(c, http.StatusOK, presets)
}

// markets lists tradable coins by market capitalisation.
func (s *Server) markets(c echo.Context) error {
	if s.cfg.Lister == nil {
		return respond(c, http.StatusServiceUnavailable, nil)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), shared.TimeoutDuration)
	defer cancel()

	coins, err := s.cfg.Lister.FetchMarkets(ctx, s.cfg.ListingCurrency, s.cfg.ListingSize)
	if err != nil {
		s.cfg.Logger.Error().Err(err).Msg("listing markets")
		return respond(c, http.StatusBadGateway, nil)
	}

	return respond(c, http.StatusOK, coins)
}

// series returns the current candle series of a market.
func (s *Server) series(c echo.Context) error {
	req := shared.NewSeriesRequest(marketParam(c))
	s.cfg.SendSeriesRequest(req)

	ctx, cancel := context.WithTimeout(c.Request().Context(), shared.TimeoutDuration)
	defer cancel()

	select {
	case <-ctx.Done():
		return respond(c, http.StatusGatewayTimeout, nil)

	case err := <-req.Err:
		if errors.Is(err, shared.ErrUnknownMarket) {
			return respond(c, http.StatusNotFound, []ValidationError{{Field: "market", Message: err.Error()}})
		}

		s.cfg.Logger.Error().Err(err).Msgf("fetching %s series", req.Market)
		return respond(c, http.StatusInternalServerError, nil)

	case series := <-req.Response:
		return respond(c, http.StatusOK, series)
	}
}

// switchTimeframe switches the charted timeframe of a market.
func (s *Server) switchTimeframe(c echo.Context) error {
	var body switchTimeframeRequest
	err := c.Bind(&body)
	if err != nil {
		return respond(c, http.StatusBadRequest, validationErrors(err))
	}

	err = s.validate.StructCtx(c.Request().Context(), &body)
	if err != nil {
		return respond(c, http.StatusBadRequest, validationErrors(err))
	}

	tf, err := shared.LookupTimeframeConfig(body.Timeframe)
	if err != nil {
		return respond(c, http.StatusBadRequest, []ValidationError{{Field: "Timeframe", Message: err.Error()}})
	}

	req := shared.NewSwitchTimeframeRequest(marketParam(c), tf)
	s.cfg.SendSwitchTimeframeRequest(req)

	ctx, cancel := context.WithTimeout(c.Request().Context(), shared.TimeoutDuration)
	defer cancel()

	select {
	case <-ctx.Done():
		return respond(c, http.StatusGatewayTimeout, nil)

	case err := <-req.Response:
		switch {
		case err == nil:
			return respond(c, http.StatusAccepted, map[string]string{
				"market":    req.Market,
				"timeframe": tf.Label(),
			})

		case errors.Is(err, shared.ErrUnknownMarket):
			return respond(c, http.StatusNotFound, []ValidationError{{Field: "market", Message: err.Error()}})

		case errors.Is(err, shared.ErrUnknownTimeframe):
			return respond(c, http.StatusBadRequest, []ValidationError{{Field: "Timeframe", Message: err.Error()}})

		default:
			s.cfg.Logger.Error().Err(err).Msgf("switching %s timeframe", req.Market)
			return respond(c, http.StatusConflict, []ValidationError{{Message: err.Error()}})
		}
	}
}
