// Package venue is the boundary to remote trading venues. Every connector
// classifies its failures into network (worth retrying) or business (final)
// before they leave this package.
package venue

import (
	"context"
	"errors"
	"fmt"

	"lv-tradehook/internal/model"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedVenue   = errors.New("unsupported venue")
	ErrMissingCredentials = errors.New("missing venue credentials")
	// ErrOrderStatusUnknown marks an order the venue acknowledged with a
	// response that could not be read. It is never retried.
	ErrOrderStatusUnknown = errors.New("order status unknown")
)

type Market struct {
	Symbol string // BASE/QUOTE
	ID     string // venue-native symbol
	Base   string
	Quote  string
	Active bool
}

type Markets map[string]Market

type Credentials struct {
	APIKey string
	Secret string
}

// Client is one authenticated connection to a venue. Implementations need not
// be safe for concurrent use; the session pool hands each client to one
// execution at a time.
type Client interface {
	LoadMarkets(ctx context.Context) (Markets, error)
	CreateMarketOrder(ctx context.Context, symbol, side string, amount decimal.Decimal) (model.OrderResult, error)
	Close() error
}

type Kind int

const (
	KindBusiness Kind = iota
	KindNetwork
)

func (k Kind) String() string {
	if k == KindNetwork {
		return "network"
	}
	return "business"
}

type Error struct {
	Kind  Kind
	Venue string
	Code  int
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("%s %s error %d: %s", e.Venue, e.Kind, e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s %s error: %v", e.Venue, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s %s error: %s", e.Venue, e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func NetworkError(venue string, err error) *Error {
	return &Error{Kind: KindNetwork, Venue: venue, Err: err}
}

func BusinessError(venue, msg string) *Error {
	return &Error{Kind: KindBusiness, Venue: venue, Msg: msg}
}

// IsTransient reports whether err is a classified network failure.
func IsTransient(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == KindNetwork
}

// IsBusiness reports whether err is a classified venue rejection.
func IsBusiness(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == KindBusiness
}
