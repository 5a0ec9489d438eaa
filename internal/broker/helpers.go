package broker

import (
	"fmt"
	"strconv"
	"strings"
)

// dustThresholdUSD is the floor below which a holding is ignored entirely.
// Positions this small cannot be sold on any supported venue and would only
// distort the open-position count.
const dustThresholdUSD = 0.001

func atof(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// classifyReject maps a venue rejection message to a typed business error.
// Message matching is deliberately loose; venues phrase the same failure many
// ways.
func classifyReject(broker, symbol, msg string) *Error {
	lower := strings.ToLower(msg)
	code := CodeOrderRejected
	switch {
	case strings.Contains(lower, "insufficient"):
		code = CodeInsufficientFunds
	case strings.Contains(lower, "minimum") || strings.Contains(lower, "min_notional") ||
		strings.Contains(lower, "too small") || strings.Contains(lower, "min notional"):
		code = CodeMinNotional
	case strings.Contains(lower, "unknown") || strings.Contains(lower, "invalid product") ||
		strings.Contains(lower, "invalid symbol") || strings.Contains(lower, "unknown asset pair"):
		code = CodeUnknownSymbol
	case strings.Contains(lower, "nonce"):
		return NewError(broker, CodeNonceCollision, Logic, symbol, fmt.Errorf("%s", msg))
	}
	return NewError(broker, code, Business, symbol, fmt.Errorf("%s", msg))
}
