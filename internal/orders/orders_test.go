package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lv-tradehook/internal/auth"
	"lv-tradehook/internal/events"
	"lv-tradehook/internal/model"
	"lv-tradehook/internal/replay"
	"lv-tradehook/internal/sessions"
	"lv-tradehook/internal/types"
	"lv-tradehook/internal/venue"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const secret = "test-webhook-secret"

// scriptedClient returns the queued errors in order, then succeeds.
type scriptedClient struct {
	mu       sync.Mutex
	script   []error
	attempts atomic.Int32
	closed   atomic.Bool
}

func (c *scriptedClient) LoadMarkets(context.Context) (venue.Markets, error) {
	return venue.Markets{"BTC/USDT": {Symbol: "BTC/USDT", ID: "BTCUSDT", Active: true}}, nil
}

func (c *scriptedClient) CreateMarketOrder(_ context.Context, symbol, side string, amount decimal.Decimal) (model.OrderResult, error) {
	c.attempts.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.script) > 0 {
		err := c.script[0]
		c.script = c.script[1:]
		if err != nil {
			return model.OrderResult{}, err
		}
	}
	return model.OrderResult{
		ID:     "ord-1",
		Status: "closed",
		Raw:    map[string]any{"id": "ord-1", "symbol": symbol, "side": side, "amount": amount.String()},
	}, nil
}

func (c *scriptedClient) Close() error {
	c.closed.Store(true)
	return nil
}

type stubFactory struct {
	client *scriptedClient
	news   atomic.Int32
}

func (f *stubFactory) Lookup(id string) (venue.Entry, error) {
	if id != "binance" {
		return venue.Entry{}, venue.ErrUnsupportedVenue
	}
	return venue.Entry{ID: id}, nil
}

func (f *stubFactory) New(string, venue.Credentials) (venue.Client, error) {
	f.news.Add(1)
	return f.client, nil
}

var fastRetry = RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}

func acquire(t *testing.T, c *scriptedClient) *sessions.Session {
	t.Helper()
	p := sessions.NewPool(&stubFactory{client: c}, sessions.Options{}, zaptest.NewLogger(t), nil)
	s, err := p.Acquire(context.Background(), "binance", "k", "s")
	require.NoError(t, err)
	return s
}

func TestExecutorRetriesTransientThenSucceeds(t *testing.T) {
	netErr := venue.NetworkError("binance", errors.New("connection reset"))
	c := &scriptedClient{script: []error{netErr, netErr}}
	e := NewExecutor(fastRetry, zaptest.NewLogger(t), nil)

	res, err := e.Execute(context.Background(), acquire(t, c), "BTC/USDT", "buy", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "ord-1", res.ID)
	assert.Equal(t, int32(3), c.attempts.Load())
}

func TestExecutorStopsOnBusinessError(t *testing.T) {
	c := &scriptedClient{script: []error{venue.BusinessError("binance", "insufficient balance")}}
	e := NewExecutor(fastRetry, zaptest.NewLogger(t), nil)

	_, err := e.Execute(context.Background(), acquire(t, c), "BTC/USDT", "buy", decimal.NewFromInt(1))
	require.Error(t, err)
	assert.True(t, venue.IsBusiness(err))
	assert.Equal(t, int32(1), c.attempts.Load())
}

func TestExecutorGivesUpAfterMaxAttempts(t *testing.T) {
	netErr := venue.NetworkError("binance", errors.New("timeout"))
	c := &scriptedClient{script: []error{netErr, netErr, netErr, netErr}}
	e := NewExecutor(fastRetry, zaptest.NewLogger(t), nil)

	_, err := e.Execute(context.Background(), acquire(t, c), "BTC/USDT", "buy", decimal.NewFromInt(1))
	require.Error(t, err)
	assert.True(t, venue.IsTransient(err))
	assert.Equal(t, int32(3), c.attempts.Load())
}

func TestDefaultRetryPolicyIntervals(t *testing.T) {
	b := DefaultRetryPolicy().backOff()
	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 8*time.Second, b.NextBackOff())
	assert.Equal(t, 10*time.Second, b.NextBackOff())
}

type recordingQueue struct {
	jobs []model.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job model.Job) (string, error) {
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

type fixture struct {
	srv     *httptest.Server
	factory *stubFactory
	client  *scriptedClient
	bus     *events.Bus
}

func newFixture(t *testing.T, queue Enqueuer, gwCfg ...auth.Config) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	client := &scriptedClient{}
	factory := &stubFactory{client: client}
	pool := sessions.NewPool(factory, sessions.Options{MaxIdle: 5}, log, nil)
	t.Cleanup(pool.Close)
	bus := events.NewBus()
	svc := NewService(pool, NewExecutor(fastRetry, log, nil), bus, log)
	if queue != nil {
		svc.SetEnqueuer(queue)
	}
	cfg := auth.Config{Secret: secret}
	if len(gwCfg) > 0 {
		cfg = gwCfg[0]
	}
	gw := auth.NewGateway(cfg, auth.Stores{
		Signatures: replay.NewMemoryClaims(100, 5*time.Minute),
		Nonces:     replay.NewMemoryClaims(100, 5*time.Minute),
		Rates:      replay.NewMemoryRates(100, replay.Rate{Count: 10, Per: time.Minute}),
		ShortLived: validTokens{"tok-1": true, "tok-2": true},
	}, log)
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", NewHandler(svc, gw, log, nil).Webhook)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, factory: factory, client: client, bus: bus}
}

type validTokens map[string]bool

func (v validTokens) Valid(_ context.Context, raw string) (bool, error) { return v[raw], nil }

func orderBody(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"exchange": "binance",
		"apiKey":   "key",
		"secret":   "sec",
		"symbol":   "BTC/USDT",
		"side":     "buy",
		"amount":   0.01,
		"price":    50000,
	}
	for k, v := range overrides {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func (f *fixture) post(t *testing.T, body []byte, signed bool) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/webhook", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if signed {
		req.Header.Set("X-Signature", auth.Sign(secret, body))
		req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestScenarioSignedOrderExecutes(t *testing.T) {
	f := newFixture(t, nil)
	status, out := f.post(t, orderBody(t, nil), true)
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, "success", out["status"])
	order := out["order"].(map[string]any)
	assert.Equal(t, "ord-1", order["id"])
	assert.Equal(t, "BTC/USDT", order["symbol"])
}

func TestScenarioSignedReplayRejected(t *testing.T) {
	f := newFixture(t, nil)
	body := orderBody(t, nil)
	status, _ := f.post(t, body, true)
	require.Equal(t, http.StatusOK, status)

	status, out := f.post(t, body, true)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Invalid signature", out["detail"])
	assert.Equal(t, int32(1), f.client.attempts.Load())
}

func TestScenarioNonceSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := f.post(t, orderBody(t, map[string]any{"token": "tok-1", "nonce": "n1"}), false)
	require.Equal(t, http.StatusOK, status)

	status, out := f.post(t, orderBody(t, map[string]any{"token": "tok-1", "nonce": "n1"}), false)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Unauthorized", out["detail"])

	status, _ = f.post(t, orderBody(t, map[string]any{"token": "tok-2", "nonce": "n1"}), false)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestScenarioValidationBeforeAuth(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := f.post(t, orderBody(t, map[string]any{"amount": -1}), true)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = f.post(t, orderBody(t, map[string]any{"amount": -1}), false)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = f.post(t, []byte(`{not json`), false)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, int32(0), f.factory.news.Load())
}

func TestScenarioUnsupportedVenue(t *testing.T) {
	f := newFixture(t, nil)
	status, out := f.post(t, orderBody(t, map[string]any{"exchange": "kraken"}), true)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out["detail"], "kraken")
}

func TestScenarioQueueMode(t *testing.T) {
	q := &recordingQueue{}
	f := newFixture(t, q)
	status, out := f.post(t, orderBody(t, nil), true)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "queued", out["status"])
	assert.NotEmpty(t, out["job_id"])
	assert.Equal(t, int32(0), f.factory.news.Load(), "queue mode must not touch the venue inline")
	require.Len(t, q.jobs, 1)
	assert.Equal(t, model.Job{ID: q.jobs[0].ID, Venue: "binance", APIKey: "key", Secret: "sec", Symbol: "BTC/USDT", Side: "buy", Amount: "0.01"}, q.jobs[0])
}

func TestVenueErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.client.script = []error{venue.BusinessError("binance", "insufficient balance")}
	status, out := f.post(t, orderBody(t, nil), true)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out["detail"], "Exchange error:")

	netErr := venue.NetworkError("binance", errors.New("reset"))
	f.client.script = []error{netErr, netErr, netErr}
	status, out = f.post(t, orderBody(t, map[string]any{"amount": 0.02}), true)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, out["detail"], "Network error:")
}

func TestMissingCredentialsIs401(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := f.post(t, orderBody(t, map[string]any{"apiKey": "", "secret": ""}), true)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.post(t, orderBody(t, map[string]any{"apiKey": nil}), true)
	assert.Equal(t, http.StatusUnprocessableEntity, status, "apiKey must be present even if empty")
}

func TestSessionReleasedAfterExecution(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		status, _ := f.post(t, orderBody(t, map[string]any{"amount": 0.01 + float64(i)}), true)
		require.Equal(t, http.StatusOK, status)
	}
	assert.Equal(t, int32(1), f.factory.news.Load(), "sequential requests reuse one session")
	assert.False(t, f.client.closed.Load())
}

func TestLifecycleEventsPublished(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub)

	status, _ := f.post(t, orderBody(t, nil), true)
	require.Equal(t, http.StatusOK, status)

	var states []types.ExecutionState
	for len(sub) > 0 {
		ev := <-sub
		states = append(states, ev.Data.(events.Execution).State)
	}
	assert.Equal(t, []types.ExecutionState{
		types.StateReceived, types.StateAuthenticated, types.StateExecuting, types.StateSucceeded,
	}, states)
}

func TestStaticAPIKeyCheckedBeforeBody(t *testing.T) {
	f := newFixture(t, nil, auth.Config{Secret: secret, RequireAPIKey: true, StaticAPIKey: "static"})
	send := func(body []byte, key string, signed bool) (int, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/webhook", bytes.NewReader(body))
		require.NoError(t, err)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		if signed {
			req.Header.Set("X-Signature", auth.Sign(secret, body))
			req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	status, out := send([]byte(`{"exchange":`), "", false)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid API key", out["detail"])

	status, _ = send([]byte(`{"exchange":`), "wrong", false)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = send([]byte(`{"exchange":`), "static", false)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, out = send(orderBody(t, nil), "static", true)
	assert.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, int32(1), f.client.attempts.Load())
}
