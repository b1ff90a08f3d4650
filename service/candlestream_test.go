package service

import (
	"context"
	"testing"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/peterldowns/testy/assert"
)

func TestCandleStreamConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *CandleStreamConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     &CandleStreamConfig{Markets: []string{"BTCUSDT"}, Timeframe: "1h", Address: ":8080"},
			wantErr: false,
		},
		{
			name:    "no markets",
			cfg:     &CandleStreamConfig{Timeframe: "1h", Address: ":8080"},
			wantErr: true,
		},
		{
			name:    "unknown timeframe",
			cfg:     &CandleStreamConfig{Markets: []string{"BTCUSDT"}, Timeframe: "2h", Address: ":8080"},
			wantErr: true,
		},
		{
			name: "historic data for several markets",
			cfg: &CandleStreamConfig{Markets: []string{"BTCUSDT", "ETHUSDT"}, Timeframe: "1h",
				Address: ":8080", HistoricDataFilepath: "data.json"},
			wantErr: true,
		},
		{
			name:    "missing address",
			cfg:     &CandleStreamConfig{Markets: []string{"BTCUSDT"}, Timeframe: "1h"},
			wantErr: true,
		},
		{
			name: "negative durations",
			cfg: &CandleStreamConfig{Markets: []string{"BTCUSDT"}, Timeframe: "1h", Address: ":8080",
				CacheTTL: -time.Second, RefreshInterval: -time.Second},
			wantErr: true,
		},
	}

	for _, test := range tests {
		err := test.cfg.Validate()
		if test.wantErr {
			assert.Error(t, err)
			continue
		}

		assert.NoError(t, err)
	}
}

func TestCandleStreamGracefulShutdown(t *testing.T) {
	cfg := &CandleStreamConfig{
		Markets:              []string{"BTCUSDT"},
		Timeframe:            "15m",
		StreamURL:            "ws://127.0.0.1:1",
		MaxReconnects:        1,
		HistoricDataFilepath: "../fetch/testdata/btcusdt_1m.json",
		Address:              "127.0.0.1:0",
		RefreshInterval:      time.Hour,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := NewCandleStream(ctx, cfg)
	assert.NoError(t, err)

	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	// Ensure the chart is seeded from historic data even though the live feed is unreachable.
	deadline := time.After(shared.TimeoutDuration)
	for {
		req := shared.NewSeriesRequest("BTCUSDT")
		svc.marketManager.SendSeriesRequest(req)

		var series shared.Series
		select {
		case series = <-req.Response:
		case err := <-req.Err:
			t.Fatalf("unexpected series error: %v", err)
		case <-deadline:
			t.Fatal("timed out waiting for series")
		}

		if series.Ready {
			assert.Equal(t, series.Timeframe, "15m")
			assert.Equal(t, len(series.Candles), 5)
			break
		}

		time.Sleep(time.Millisecond * 10)
	}

	// Ensure the service can be gracefully terminated.
	cancel()
	select {
	case <-done:
	case <-time.After(shared.TimeoutDuration * 3):
		t.Fatal("timed out waiting for shutdown")
	}
}
