// symbols.go translates between the canonical BASE-QUOTE symbol form used
// everywhere above the adapters and each venue's native product ids.
package broker

import (
	"fmt"
	"strings"
)

// SplitSymbol breaks a canonical "BTC-USD" symbol into base and quote.
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed symbol %q, want BASE-QUOTE", symbol)
	}
	return parts[0], parts[1], nil
}

// Kraken uses XBT for BTC and XDG for DOGE, and some pairs carry legacy
// X/Z prefixes in responses.
var krakenAliases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

var krakenReverse = map[string]string{
	"XBT":  "BTC",
	"XDG":  "DOGE",
	"XXBT": "BTC",
	"XETH": "ETH",
	"ZUSD": "USD",
}

// toKrakenPair converts "BTC-USD" to "XBTUSD".
func toKrakenPair(symbol string) (string, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	if alias, ok := krakenAliases[base]; ok {
		base = alias
	}
	return base + quote, nil
}

// fromKrakenAsset normalizes a Kraken asset code to canonical form.
func fromKrakenAsset(asset string) string {
	if canon, ok := krakenReverse[asset]; ok {
		return canon
	}
	// Strip legacy single-letter class prefixes like XETC, ZEUR.
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		return asset[1:]
	}
	return asset
}

// toOKXInstID converts "BTC-USD" to OKX's "BTC-USDT" spot instrument when
// trading against USDT, otherwise passes through unchanged. OKX uses the
// same dashed form as the canonical symbol.
func toOKXInstID(symbol string) string { return symbol }

// toBinancePair converts "BTC-USD" to "BTCUSD" (Binance.US style, no dash).
func toBinancePair(symbol string) (string, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}

// toAlpacaSymbol converts "BTC-USD" to Alpaca's "BTC/USD" crypto form.
func toAlpacaSymbol(symbol string) (string, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + "/" + quote, nil
}
