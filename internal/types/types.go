package types

type OrderSide string

type ExecutionState string

type AuthMode string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// Per-request lifecycle. Succeeded and Failed are terminal; Queued is terminal
// for the synchronous caller.
const (
	StateReceived      ExecutionState = "received"
	StateAuthenticated ExecutionState = "authenticated"
	StateQueued        ExecutionState = "queued"
	StateExecuting     ExecutionState = "executing"
	StateSucceeded     ExecutionState = "succeeded"
	StateFailed        ExecutionState = "failed"
)

const (
	AuthModeSignature AuthMode = "signature"
	AuthModeToken     AuthMode = "token"
)
