package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exchangeInfo = `{"symbols":[
	{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
	{"symbol":"OLDUSDT","status":"BREAK","baseAsset":"OLD","quoteAsset":"USDT"}
]}`

func newBinanceServer(t *testing.T, order http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var infoCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		infoCalls.Add(1)
		_, _ = w.Write([]byte(exchangeInfo))
	})
	mux.HandleFunc("/api/v3/order", order)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &infoCalls
}

func newTestRegistry(t *testing.T, baseURL string) *Registry {
	t.Helper()
	r, err := NewRegistry([]Entry{{ID: "binance", Kind: "binance", BaseURL: baseURL}, {ID: "paper"}})
	require.NoError(t, err)
	return r
}

func TestBinanceMarketOrder(t *testing.T) {
	srv, infoCalls := newBinanceServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "MARKET", q.Get("type"))
		assert.Equal(t, "0.01", q.Get("quantity"))
		assert.NotEmpty(t, q.Get("timestamp"))
		assert.Len(t, q.Get("signature"), 64)
		_, _ = fmt.Fprint(w, `{"orderId":28457123456789,"status":"FILLED","symbol":"BTCUSDT"}`)
	})
	c, err := newTestRegistry(t, srv.URL).New("binance", Credentials{APIKey: "key", Secret: "sec"})
	require.NoError(t, err)
	defer c.Close()

	res, err := c.CreateMarketOrder(context.Background(), "BTC/USDT", "buy", decimal.RequireFromString("0.01"))
	require.NoError(t, err)
	assert.Equal(t, "28457123456789", res.ID)
	assert.Equal(t, "filled", res.Status)
	assert.Equal(t, "BTCUSDT", res.Raw["symbol"])

	_, err = c.CreateMarketOrder(context.Background(), "BTC/USDT", "sell", decimal.RequireFromString("0.01"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), infoCalls.Load(), "markets load once per client")
}

func TestBinanceErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"insufficient balance", 400, `{"code":-2010,"msg":"Account has insufficient balance"}`, false},
		{"bad quantity", 400, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`, false},
		{"backend timeout code", 400, `{"code":-1007,"msg":"Timeout waiting for response"}`, true},
		{"throttled", 429, `{"code":-1003,"msg":"Too many requests"}`, true},
		{"banned", 418, ``, true},
		{"server error", 503, `oops`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newBinanceServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			c, err := newTestRegistry(t, srv.URL).New("binance", Credentials{APIKey: "k", Secret: "s"})
			require.NoError(t, err)
			_, err = c.CreateMarketOrder(context.Background(), "BTC/USDT", "buy", decimal.NewFromInt(1))
			require.Error(t, err)
			assert.Equal(t, tc.transient, IsTransient(err))
			assert.Equal(t, !tc.transient, IsBusiness(err))
		})
	}
}

func TestBinanceUnreadableOrderAckIsNotRetryable(t *testing.T) {
	var posts atomic.Int32
	srv, _ := newBinanceServer(t, func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<html>gateway</html>`))
	})
	c, err := newTestRegistry(t, srv.URL).New("binance", Credentials{APIKey: "k", Secret: "s"})
	require.NoError(t, err)

	_, err = c.CreateMarketOrder(context.Background(), "BTC/USDT", "buy", decimal.NewFromInt(1))
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.True(t, IsBusiness(err))
	assert.ErrorIs(t, err, ErrOrderStatusUnknown)
	assert.Equal(t, int32(1), posts.Load())
}

func TestBinanceTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := newTestRegistry(t, url).New("binance", Credentials{APIKey: "k", Secret: "s"})
	require.NoError(t, err)
	_, err = c.LoadMarkets(context.Background())
	assert.True(t, IsTransient(err))
}

func TestBinanceRejectsUnknownAndHaltedSymbols(t *testing.T) {
	srv, _ := newBinanceServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("order endpoint must not be called")
	})
	c, err := newTestRegistry(t, srv.URL).New("binance", Credentials{APIKey: "k", Secret: "s"})
	require.NoError(t, err)

	_, err = c.CreateMarketOrder(context.Background(), "DOGE/USDT", "buy", decimal.NewFromInt(1))
	assert.True(t, IsBusiness(err))
	_, err = c.CreateMarketOrder(context.Background(), "OLD/USDT", "buy", decimal.NewFromInt(1))
	assert.True(t, IsBusiness(err))
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(DefaultEntries())
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "binanceusdm", "paper"}, r.IDs())

	_, err = r.New("kraken", Credentials{APIKey: "k", Secret: "s"})
	assert.ErrorIs(t, err, ErrUnsupportedVenue)

	_, err = r.New("paper", Credentials{APIKey: "k"})
	assert.ErrorIs(t, err, ErrMissingCredentials)

	_, err = r.New("PAPER", Credentials{APIKey: "k", Secret: "s"})
	assert.NoError(t, err)

	_, err = NewRegistry([]Entry{{ID: "x", Kind: "ftx"}})
	assert.Error(t, err)
}

func TestLoadRegistryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "venues.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
venues:
  - id: binance-testnet
    kind: binance
    base_url: https://testnet.binance.vision
    recv_window: 10s
  - id: paper
`), 0o600))
	r, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"binance-testnet", "paper"}, r.IDs())
	e, err := r.Lookup("binance-testnet")
	require.NoError(t, err)
	assert.Equal(t, "https://testnet.binance.vision", e.BaseURL)
	assert.Equal(t, "10s", e.RecvWindow.String())
	_, err = r.Lookup("binance")
	assert.ErrorIs(t, err, ErrUnsupportedVenue)
}

func TestPaperFills(t *testing.T) {
	c, err := newPaper(Credentials{}, Entry{ID: "paper"}, nil)
	require.NoError(t, err)
	res, err := c.CreateMarketOrder(context.Background(), "ETH/USDT", "sell", decimal.RequireFromString("2.5"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "2.5", res.Raw["filled"])

	require.NoError(t, c.Close())
	_, err = c.LoadMarkets(context.Background())
	assert.True(t, IsTransient(err))
}

func TestErrorFormatting(t *testing.T) {
	err := fmt.Errorf("place: %w", BusinessError("binance", "insufficient balance"))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "insufficient balance")
	assert.True(t, errors.Is(NetworkError("binance", context.DeadlineExceeded), context.DeadlineExceeded))
}
