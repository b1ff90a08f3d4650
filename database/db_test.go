package database

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/candlestream/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

// fakeRqlite records executed statements and replies like an rqlite node.
type fakeRqlite struct {
	mtx        sync.Mutex
	statements [][]any
	failWith   string
	user       string
}

func (f *fakeRqlite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/db/execute" {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var raw []json.RawMessage
	err = json.Unmarshal(body, &raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Statements are either a bare sql string or an array of sql and parameters.
	stmts := make([][]any, 0, len(raw))
	for idx := range raw {
		var sql string
		if json.Unmarshal(raw[idx], &sql) == nil {
			stmts = append(stmts, []any{sql})
			continue
		}

		var stmt []any
		err = json.Unmarshal(raw[idx], &stmt)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		stmts = append(stmts, stmt)
	}

	f.mtx.Lock()
	f.statements = append(f.statements, stmts...)
	f.user, _, _ = r.BasicAuth()
	failWith := f.failWith
	f.mtx.Unlock()

	results := make([]string, 0, len(stmts))
	for range stmts {
		if failWith != "" {
			results = append(results, `{"error":"`+failWith+`"}`)
			continue
		}
		results = append(results, `{"last_insert_id":1,"rows_affected":1,"time":0.0001}`)
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"results":[` + strings.Join(results, ",") + `],"time":0.001}`))
}

func (f *fakeRqlite) User() string {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return f.user
}

func (f *fakeRqlite) Statements() [][]any {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return f.statements
}

func finalisedCandle(t *testing.T, minute int) shared.FinalisedCandle {
	t.Helper()

	tf, err := shared.TimeframeConfigFor(shared.OneHour)
	assert.NoError(t, err)

	return shared.FinalisedCandle{
		Market:    "BTCUSDT",
		Timeframe: tf,
		Candle: shared.Candle{
			Time:  time.Date(2025, time.March, 3, 10, minute, 0, 0, time.UTC),
			Open:  100,
			High:  101,
			Low:   99,
			Close: 100.5,
		},
	}
}

func TestDatabaseConfigValidate(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		name    string
		cfg     *DatabaseConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			cfg:     &DatabaseConfig{Endpoint: "http://localhost:4001", Logger: &logger},
			wantErr: false,
		},
		{
			name:    "missing endpoint",
			cfg:     &DatabaseConfig{Logger: &logger},
			wantErr: true,
		},
		{
			name:    "missing logger",
			cfg:     &DatabaseConfig{Endpoint: "http://localhost:4001"},
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

func TestDatabase(t *testing.T) {
	fake := &fakeRqlite{}
	server := httptest.NewServer(fake)
	defer server.Close()

	logger := zerolog.Nop()
	ctx := context.Background()

	// Ensure the database can be created and bootstrapped.
	db, err := NewDatabase(ctx, &DatabaseConfig{
		Endpoint: server.URL,
		User:     "user",
		Pass:     "pass",
		Logger:   &logger,
	})
	assert.NoError(t, err)

	stmts := fake.Statements()
	assert.Equal(t, len(stmts), 1)
	assert.Equal(t, stmts[0][0].(string), createCandleTableSQL)
	assert.Equal(t, fake.User(), "user")

	// Ensure persisting nothing is a no-op.
	err = db.PersistCandles(ctx, nil)
	assert.NoError(t, err)
	assert.Equal(t, len(fake.Statements()), 1)

	// Ensure finalised candles can be persisted.
	err = db.PersistCandles(ctx, []shared.FinalisedCandle{finalisedCandle(t, 1), finalisedCandle(t, 2)})
	assert.NoError(t, err)

	stmts = fake.Statements()
	assert.Equal(t, len(stmts), 3)
	assert.Equal(t, stmts[1][0].(string), persistCandleSQL)
	assert.Equal(t, stmts[1][1].(string), "BTCUSDT")
	assert.Equal(t, stmts[1][2].(string), "1h")
	assert.Equal(t, stmts[1][3].(string), "1m")
	assert.Equal(t, int64(stmts[2][4].(float64)), time.Date(2025, time.March, 3, 10, 2, 0, 0, time.UTC).UnixMilli())

	// Ensure candles with an unknown interval are skipped.
	invalid := finalisedCandle(t, 3)
	invalid.Timeframe.BucketInterval = time.Second
	err = db.PersistCandles(ctx, []shared.FinalisedCandle{invalid})
	assert.NoError(t, err)
	assert.Equal(t, len(fake.Statements()), 3)

	// Ensure statement errors are reported.
	fake.mtx.Lock()
	fake.failWith = "database is locked"
	fake.mtx.Unlock()

	err = db.PersistCandles(ctx, []shared.FinalisedCandle{finalisedCandle(t, 4)})
	assert.Error(t, err)
}

func TestDatabaseBootstrapFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	logger := zerolog.Nop()

	// Ensure bootstrap failures are reported.
	_, err := NewDatabase(context.Background(), &DatabaseConfig{Endpoint: server.URL, Logger: &logger})
	assert.Error(t, err)

	_, err = NewDatabase(context.Background(), &DatabaseConfig{Logger: &logger})
	assert.Error(t, err)
}
