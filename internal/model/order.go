package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"lv-tradehook/internal/types"

	"github.com/shopspring/decimal"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]+/[A-Z0-9]+$`)

// ErrValidation marks request shape violations. Callers map it to 422.
var ErrValidation = errors.New("validation failed")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// OrderRequest is an inbound trade instruction. Treat it as immutable once
// Decode has returned it.
type OrderRequest struct {
	Venue  string
	APIKey string
	Secret string
	Symbol string
	Side   types.OrderSide
	Amount decimal.Decimal
	// Price is informational; orders execute with market semantics.
	Price decimal.Decimal
	Token string
	Nonce string
}

type orderPayload struct {
	Exchange *string         `json:"exchange"`
	APIKey   *string         `json:"apiKey"`
	Secret   *string         `json:"secret"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Token    *string         `json:"token"`
	Nonce    *string         `json:"nonce"`
}

// DecodeOrderRequest parses and validates a webhook body.
func DecodeOrderRequest(body []byte) (OrderRequest, error) {
	var p orderPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return OrderRequest{}, &ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	if p.Exchange == nil {
		return OrderRequest{}, &ValidationError{Field: "exchange", Reason: "field required"}
	}
	if p.APIKey == nil {
		return OrderRequest{}, &ValidationError{Field: "apiKey", Reason: "field required"}
	}
	if p.Secret == nil {
		return OrderRequest{}, &ValidationError{Field: "secret", Reason: "field required"}
	}
	req := OrderRequest{
		Venue:  *p.Exchange,
		APIKey: *p.APIKey,
		Secret: *p.Secret,
		Symbol: p.Symbol,
		Side:   types.OrderSide(p.Side),
		Amount: p.Amount,
		Price:  p.Price,
	}
	if p.Token != nil {
		req.Token = *p.Token
	}
	if p.Nonce != nil {
		req.Nonce = *p.Nonce
	}
	if err := req.Validate(); err != nil {
		return OrderRequest{}, err
	}
	return req, nil
}

func (r OrderRequest) Validate() error {
	if !symbolPattern.MatchString(r.Symbol) {
		return &ValidationError{Field: "symbol", Reason: "must match BASE/QUOTE in uppercase alphanumerics"}
	}
	if !r.Side.Valid() {
		return &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if !r.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}
	if !r.Price.IsPositive() {
		return &ValidationError{Field: "price", Reason: "must be greater than 0"}
	}
	return nil
}

// VenueID is the normalized venue identifier used for registry and pool lookups.
func (r OrderRequest) VenueID() string {
	return strings.ToLower(strings.TrimSpace(r.Venue))
}

// OrderResult is what the venue returned for a placed order. It is logged and
// returned, never persisted.
type OrderResult struct {
	ID     string
	Status string
	Raw    map[string]any
}

// Job is a deferred execution. It is a comparable value so work queues can
// deduplicate and track it by identity.
type Job struct {
	ID     string
	Venue  string
	APIKey string
	Secret string
	Symbol string
	Side   string
	Amount string
}

func (r OrderRequest) Job(id string) Job {
	return Job{
		ID:     id,
		Venue:  r.VenueID(),
		APIKey: r.APIKey,
		Secret: r.Secret,
		Symbol: r.Symbol,
		Side:   string(r.Side),
		Amount: r.Amount.String(),
	}
}
