package broker

import "testing"

func TestSplitSymbol(t *testing.T) {
	t.Parallel()
	base, quote, err := SplitSymbol("BTC-USD")
	if err != nil || base != "BTC" || quote != "USD" {
		t.Errorf("SplitSymbol = %q, %q, %v", base, quote, err)
	}
	for _, bad := range []string{"BTCUSD", "BTC-", "-USD", "BTC-USD-PERP"} {
		if _, _, err := SplitSymbol(bad); err == nil {
			t.Errorf("SplitSymbol(%q) should fail", bad)
		}
	}
}

func TestKrakenPairAliases(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"BTC-USD":  "XBTUSD",
		"DOGE-USD": "XDGUSD",
		"ETH-USD":  "ETHUSD",
	}
	for symbol, want := range cases {
		got, err := toKrakenPair(symbol)
		if err != nil || got != want {
			t.Errorf("toKrakenPair(%s) = %q, %v; want %q", symbol, got, err, want)
		}
	}
}

func TestFromKrakenAsset(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"XBT":  "BTC",
		"XXBT": "BTC",
		"XETH": "ETH",
		"ZUSD": "USD",
		"XETC": "ETC", // legacy class prefix stripped
		"SOL":  "SOL",
	}
	for asset, want := range cases {
		if got := fromKrakenAsset(asset); got != want {
			t.Errorf("fromKrakenAsset(%s) = %q, want %q", asset, got, want)
		}
	}
}

func TestVenueSymbolForms(t *testing.T) {
	t.Parallel()
	if got, _ := toBinancePair("BTC-USD"); got != "BTCUSD" {
		t.Errorf("toBinancePair = %q, want BTCUSD", got)
	}
	if got, _ := toAlpacaSymbol("BTC-USD"); got != "BTC/USD" {
		t.Errorf("toAlpacaSymbol = %q, want BTC/USD", got)
	}
	if got := toOKXInstID("BTC-USD"); got != "BTC-USD" {
		t.Errorf("toOKXInstID = %q, want pass-through", got)
	}
}
