package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lv-tradehook/internal/model"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

var binanceJSON = sonic.Config{UseNumber: true}.Froze()

// Binance codes that mean the request never reached the matching engine.
var binanceTransientCodes = map[int]bool{
	-1001: true, // disconnected
	-1003: true, // too many requests
	-1007: true, // timeout waiting for backend
}

type binancePaths struct {
	exchangeInfo string
	order        string
}

var (
	binanceSpotPaths    = binancePaths{exchangeInfo: "/api/v3/exchangeInfo", order: "/api/v3/order"}
	binanceFuturesPaths = binancePaths{exchangeInfo: "/fapi/v1/exchangeInfo", order: "/fapi/v1/order"}
)

type binanceClient struct {
	id         string
	baseURL    string
	paths      binancePaths
	creds      Credentials
	recvWindow time.Duration
	http       *http.Client
	markets    Markets
	now        func() time.Time
}

func newBinanceSpot(creds Credentials, e Entry, hc *http.Client) (Client, error) {
	return newBinance(creds, e, hc, binanceSpotPaths)
}

func newBinanceFutures(creds Credentials, e Entry, hc *http.Client) (Client, error) {
	return newBinance(creds, e, hc, binanceFuturesPaths)
}

func newBinance(creds Credentials, e Entry, hc *http.Client, paths binancePaths) (*binanceClient, error) {
	if _, err := url.Parse(e.BaseURL); err != nil || e.BaseURL == "" {
		return nil, fmt.Errorf("venue %s: invalid base_url %q", e.ID, e.BaseURL)
	}
	return &binanceClient{
		id:         e.ID,
		baseURL:    strings.TrimRight(e.BaseURL, "/"),
		paths:      paths,
		creds:      creds,
		recvWindow: e.RecvWindow,
		http:       hc,
		now:        time.Now,
	}, nil
}

type binanceSymbol struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

type binanceExchangeInfo struct {
	Symbols []binanceSymbol `json:"symbols"`
}

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *binanceClient) LoadMarkets(ctx context.Context) (Markets, error) {
	var info binanceExchangeInfo
	if err := c.do(ctx, http.MethodGet, c.paths.exchangeInfo, nil, false, &info); err != nil {
		return nil, err
	}
	markets := make(Markets, len(info.Symbols))
	for _, s := range info.Symbols {
		unified := s.BaseAsset + "/" + s.QuoteAsset
		markets[unified] = Market{
			Symbol: unified,
			ID:     s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "" || s.Status == "TRADING",
		}
	}
	c.markets = markets
	return markets, nil
}

func (c *binanceClient) CreateMarketOrder(ctx context.Context, symbol, side string, amount decimal.Decimal) (model.OrderResult, error) {
	if c.markets == nil {
		if _, err := c.LoadMarkets(ctx); err != nil {
			return model.OrderResult{}, err
		}
	}
	m, ok := c.markets[symbol]
	if !ok {
		return model.OrderResult{}, BusinessError(c.id, "unknown symbol "+symbol)
	}
	if !m.Active {
		return model.OrderResult{}, BusinessError(c.id, "market "+symbol+" is not trading")
	}
	q := url.Values{}
	q.Set("symbol", m.ID)
	q.Set("side", strings.ToUpper(side))
	q.Set("type", "MARKET")
	q.Set("quantity", amount.String())
	q.Set("newOrderRespType", "RESULT")

	var raw map[string]any
	if err := c.do(ctx, http.MethodPost, c.paths.order, q, true, &raw); err != nil {
		return model.OrderResult{}, err
	}
	res := model.OrderResult{Raw: raw}
	if v, ok := raw["orderId"]; ok {
		res.ID = fmt.Sprint(v)
	}
	if v, ok := raw["status"].(string); ok {
		res.Status = strings.ToLower(v)
	}
	return res, nil
}

func (c *binanceClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *binanceClient) sign(q url.Values) string {
	q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	if c.recvWindow > 0 {
		q.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	payload := q.Encode()
	mac := hmac.New(sha256.New, []byte(c.creds.Secret))
	mac.Write([]byte(payload))
	return payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

func (c *binanceClient) do(ctx context.Context, method, path string, q url.Values, signed bool, out any) error {
	endpoint := c.baseURL + path
	var query string
	switch {
	case signed:
		query = c.sign(q)
	case q != nil:
		query = q.Encode()
	}
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.creds.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return NetworkError(c.id, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err == nil && resp.StatusCode >= 300 {
		return c.classify(resp.StatusCode, body)
	}
	if err == nil {
		err = binanceJSON.Unmarshal(body, out)
	}
	if err == nil {
		return nil
	}
	// A POST the venue answered with 2xx may already have taken effect.
	if method != http.MethodGet {
		return c.statusUnknown(path, err)
	}
	return NetworkError(c.id, fmt.Errorf("decode %s: %w", path, err))
}

func (c *binanceClient) statusUnknown(path string, err error) error {
	return &Error{
		Kind:  KindBusiness,
		Venue: c.id,
		Msg:   "order status unknown",
		Err:   fmt.Errorf("%w: %s: %v", ErrOrderStatusUnknown, path, err),
	}
}

func (c *binanceClient) classify(status int, body []byte) error {
	var apiErr binanceAPIError
	_ = binanceJSON.Unmarshal(body, &apiErr)
	msg := apiErr.Msg
	if msg == "" {
		msg = http.StatusText(status)
	}
	kind := KindBusiness
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusTeapot || binanceTransientCodes[apiErr.Code] {
		kind = KindNetwork
	}
	e := &Error{Kind: kind, Venue: c.id, Code: apiErr.Code, Msg: msg}
	if apiErr.Code == 0 {
		e.Err = errors.New("http " + strconv.Itoa(status))
	}
	return e
}
