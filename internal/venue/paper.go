package venue

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"lv-tradehook/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var paperSymbols = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "BNB/USDT", "XRP/USDT"}

// paperClient fills every order immediately. It never touches the network.
type paperClient struct {
	id     string
	closed bool
}

func newPaper(_ Credentials, e Entry, _ *http.Client) (Client, error) {
	return &paperClient{id: e.ID}, nil
}

func (p *paperClient) LoadMarkets(context.Context) (Markets, error) {
	if p.closed {
		return nil, NetworkError(p.id, errors.New("client closed"))
	}
	m := make(Markets, len(paperSymbols))
	for _, s := range paperSymbols {
		base, quote, _ := strings.Cut(s, "/")
		m[s] = Market{Symbol: s, ID: base + quote, Base: base, Quote: quote, Active: true}
	}
	return m, nil
}

func (p *paperClient) CreateMarketOrder(ctx context.Context, symbol, side string, amount decimal.Decimal) (model.OrderResult, error) {
	markets, err := p.LoadMarkets(ctx)
	if err != nil {
		return model.OrderResult{}, err
	}
	if _, ok := markets[symbol]; !ok {
		return model.OrderResult{}, BusinessError(p.id, "unknown symbol "+symbol)
	}
	id := uuid.NewString()
	return model.OrderResult{
		ID:     id,
		Status: "closed",
		Raw: map[string]any{
			"id":     id,
			"symbol": symbol,
			"side":   side,
			"type":   "market",
			"amount": amount.String(),
			"filled": amount.String(),
			"status": "closed",
		},
	}, nil
}

func (p *paperClient) Close() error {
	p.closed = true
	return nil
}
