// alpaca.go implements the Adapter contract for Alpaca crypto trading.
//
// Alpaca authenticates with plain key/secret headers; no request signing.
// Trading and market data live on separate hosts, so the adapter carries two
// resty clients. Alpaca resolves client_order_id natively, and its positions
// endpoint reports average entry price, the only supported venue that does.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/pkg/types"
)

const (
	alpacaTradeURL = "https://api.alpaca.markets"
	alpacaDataURL  = "https://data.alpaca.markets"
	alpacaPaperURL = "https://paper-api.alpaca.markets"
)

// Alpaca is the Alpaca crypto adapter for one account.
type Alpaca struct {
	accountID string
	apiKey    string
	apiSecret string

	trade    *resty.Client
	data     *resty.Client
	limiter  *Limiter
	cache    *TTLCache
	registry *OrderRegistry
	logger   zerolog.Logger
}

// NewAlpaca builds the adapter. paperEndpoint routes orders to Alpaca's own
// paper environment, which is distinct from the engine's in-memory paper
// broker.
func NewAlpaca(accountID, apiKey, apiSecret, dataDir string, paperEndpoint bool, logger zerolog.Logger) (*Alpaca, error) {
	reg, err := OpenOrderRegistry(dataDir, accountID)
	if err != nil {
		return nil, err
	}
	base := alpacaTradeURL
	if paperEndpoint {
		base = alpacaPaperURL
	}
	a := &Alpaca{
		accountID: accountID,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		trade:     newRestClient(base, 30*time.Second),
		data:      newRestClient(alpacaDataURL, 30*time.Second),
		limiter:   NewLimiter(20, 3, 200*time.Millisecond),
		cache:     NewTTLCache(),
		registry:  reg,
		logger:    logger.With().Str("component", "alpaca").Str("account", accountID).Logger(),
	}
	return a, nil
}

func (a *Alpaca) Name() string           { return a.accountID }
func (a *Alpaca) Kind() types.BrokerKind { return types.BrokerAlpaca }

func (a *Alpaca) Fees() FeeSchedule {
	return FeeSchedule{TakerPct: 0.0025, MakerPct: 0.0015}
}

func (a *Alpaca) MinNotional() decimal.Decimal { return decimal.NewFromInt(1) }

func (a *Alpaca) call(ctx context.Context, client *resty.Client, key, method, path string, body any, out any, symbol string) error {
	if err := a.limiter.Acquire(ctx, key); err != nil {
		return err
	}
	resp, err := retryRated(ctx, a.logger, func() (*resty.Response, error) {
		req := client.R().SetContext(ctx).
			SetHeader("APCA-API-KEY-ID", a.apiKey).
			SetHeader("APCA-API-SECRET-KEY", a.apiSecret)
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}
		return req.Execute(method, path)
	})
	if err != nil {
		return NewError("alpaca", CodeNetwork, Transient, symbol, err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusUnprocessableEntity {
			return classifyReject("alpaca", symbol, resp.String())
		}
		code, class := classifyHTTP(resp.StatusCode())
		return NewError("alpaca", code, class, symbol,
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return nil
}

func (a *Alpaca) Connect(ctx context.Context) (Identity, error) {
	var acct struct {
		ID            string `json:"id"`
		AccountNumber string `json:"account_number"`
		Status        string `json:"status"`
	}
	if err := a.call(ctx, a.trade, "account", http.MethodGet, "/v2/account", nil, &acct, ""); err != nil {
		return Identity{}, err
	}
	if acct.Status != "ACTIVE" {
		return Identity{}, NewError("alpaca", CodePermission, Fatal, "",
			fmt.Errorf("account status %s", acct.Status))
	}
	return Identity{AccountID: acct.ID, Label: acct.AccountNumber}, nil
}

func (a *Alpaca) GetBalance(ctx context.Context, quote string) (types.Balance, error) {
	var acct struct {
		Cash   string `json:"cash"`
		Equity string `json:"equity"`
	}
	if err := a.call(ctx, a.trade, "account", http.MethodGet, "/v2/account", nil, &acct, ""); err != nil {
		return types.Balance{}, err
	}
	cash, _ := decimal.NewFromString(acct.Cash)
	equity, _ := decimal.NewFromString(acct.Equity)
	return types.Balance{Currency: quote, Available: cash, Total: equity}, nil
}

func (a *Alpaca) GetPositions(ctx context.Context) ([]types.RawPosition, error) {
	var positions []struct {
		Symbol      string `json:"symbol"`
		Qty         string `json:"qty"`
		AvgEntry    string `json:"avg_entry_price"`
		MarketValue string `json:"market_value"`
		Side        string `json:"side"`
	}
	if err := a.call(ctx, a.trade, "positions", http.MethodGet, "/v2/positions", nil, &positions, ""); err != nil {
		return nil, err
	}
	var out []types.RawPosition
	for _, p := range positions {
		qty, err := decimal.NewFromString(p.Qty)
		if err != nil || qty.IsZero() {
			continue
		}
		value, _ := decimal.NewFromString(p.MarketValue)
		if value.Abs().LessThanOrEqual(decimal.NewFromFloat(dustThresholdUSD)) {
			continue
		}
		entry, _ := decimal.NewFromString(p.AvgEntry)
		side := types.LONG
		if p.Side == "short" {
			side = types.SHORT
		}
		// Alpaca reports "BTCUSD"; normalize to dashed form.
		symbol := p.Symbol
		if !strings.Contains(symbol, "-") && strings.HasSuffix(symbol, "USD") {
			symbol = symbol[:len(symbol)-3] + "-USD"
		}
		out = append(out, types.RawPosition{
			Symbol: symbol, Side: side, Qty: qty.Abs(), Entry: entry, ValueUSD: value.Abs(),
		})
	}
	return out, nil
}

var alpacaTimeframe = map[types.Timeframe]string{
	types.TF1m:  "1Min",
	types.TF5m:  "5Min",
	types.TF15m: "15Min",
	types.TF1h:  "1Hour",
	types.TF4h:  "4Hour",
	types.TF1d:  "1Day",
}

func (a *Alpaca) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	tfStr, ok := alpacaTimeframe[tf]
	if !ok {
		return nil, NewError("alpaca", CodeUnknownSymbol, Business, symbol,
			fmt.Errorf("unsupported timeframe %s", tf))
	}
	slashSym, err := toAlpacaSymbol(symbol)
	if err != nil {
		return nil, NewError("alpaca", CodeUnknownSymbol, Business, symbol, err)
	}
	cacheKey := fmt.Sprintf("candles:%s:%s:%d", symbol, tf, n)
	v, err := a.cache.GetOrFill(cacheKey, candleTTL, func() (any, error) {
		path := fmt.Sprintf("/v1beta3/crypto/us/bars?symbols=%s&timeframe=%s&limit=%d",
			strings.ReplaceAll(slashSym, "/", "%2F"), tfStr, n)
		var result struct {
			Bars map[string][]struct {
				T time.Time `json:"t"`
				O float64   `json:"o"`
				H float64   `json:"h"`
				L float64   `json:"l"`
				C float64   `json:"c"`
				V float64   `json:"v"`
			} `json:"bars"`
		}
		if err := a.call(ctx, a.data, "candles", http.MethodGet, path, nil, &result, symbol); err != nil {
			return nil, err
		}
		bars := result.Bars[slashSym]
		candles := make([]types.Candle, 0, len(bars))
		for _, bar := range bars {
			candles = append(candles, types.Candle{
				Time: bar.T, Open: bar.O, High: bar.H, Low: bar.L, Close: bar.C, Volume: bar.V,
			})
		}
		return candles, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Candle), nil
}

func (a *Alpaca) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	slashSym, err := toAlpacaSymbol(symbol)
	if err != nil {
		return decimal.Zero, NewError("alpaca", CodeUnknownSymbol, Business, symbol, err)
	}
	path := "/v1beta3/crypto/us/latest/trades?symbols=" + strings.ReplaceAll(slashSym, "/", "%2F")
	var result struct {
		Trades map[string]struct {
			P float64 `json:"p"`
		} `json:"trades"`
	}
	if err := a.call(ctx, a.data, "price", http.MethodGet, path, nil, &result, symbol); err != nil {
		return decimal.Zero, err
	}
	trade, ok := result.Trades[slashSym]
	if !ok || trade.P <= 0 {
		return decimal.Zero, NewError("alpaca", CodeUnknownSymbol, Business, symbol,
			fmt.Errorf("no trade for %s", symbol))
	}
	return decimal.NewFromFloat(trade.P), nil
}

func (a *Alpaca) GetProducts(ctx context.Context) ([]string, error) {
	v, err := a.cache.GetOrFill("products", productTTL, func() (any, error) {
		var assets []struct {
			Symbol   string `json:"symbol"`
			Status   string `json:"status"`
			Tradable bool   `json:"tradable"`
		}
		path := "/v2/assets?asset_class=crypto&status=active"
		if err := a.call(ctx, a.trade, "products", http.MethodGet, path, nil, &assets, ""); err != nil {
			return nil, err
		}
		var out []string
		for _, asset := range assets {
			if !asset.Tradable || !strings.HasSuffix(asset.Symbol, "/USD") {
				continue
			}
			out = append(out, strings.ReplaceAll(asset.Symbol, "/", "-"))
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (a *Alpaca) PlaceMarket(ctx context.Context, req MarketOrderReq) (*types.Order, error) {
	if prev, ok := a.registry.Lookup(req.ClientID); ok {
		return prev, nil
	}
	slashSym, err := toAlpacaSymbol(req.Symbol)
	if err != nil {
		return nil, NewError("alpaca", CodeUnknownSymbol, Business, req.Symbol, err)
	}

	body := map[string]any{
		"symbol":          slashSym,
		"side":            strings.ToLower(string(req.Side)),
		"type":            "market",
		"time_in_force":   "gtc",
		"client_order_id": req.ClientID,
	}
	if !req.NotionalUSD.IsZero() {
		body["notional"] = req.NotionalUSD.RoundDown(2).String()
	} else {
		body["qty"] = req.Qty.String()
	}

	var placed struct {
		ID string `json:"id"`
	}
	if err := a.call(ctx, a.trade, "orders", http.MethodPost, "/v2/orders", body, &placed, req.Symbol); err != nil {
		return nil, err
	}

	order, err := a.fetchOrder(ctx, req, placed.ID)
	if err != nil {
		return nil, err
	}
	if err := a.registry.Record(order); err != nil {
		a.logger.Error().Err(err).Msg("record order")
	}
	return order, nil
}

func (a *Alpaca) fetchOrder(ctx context.Context, req MarketOrderReq, orderID string) (*types.Order, error) {
	path := "/v2/orders/" + orderID
	for attempt := 0; attempt < 5; attempt++ {
		var result struct {
			Status      string `json:"status"`
			FilledQty   string `json:"filled_qty"`
			FilledAvgPx string `json:"filled_avg_price"`
		}
		if err := a.call(ctx, a.trade, "orders", http.MethodGet, path, nil, &result, req.Symbol); err != nil {
			return nil, err
		}
		state := types.OrderPending
		switch result.Status {
		case "filled":
			state = types.OrderFilled
		case "canceled", "expired":
			state = types.OrderCancelled
		case "rejected":
			state = types.OrderRejected
		case "partially_filled":
			state = types.OrderPartial
		}
		if state == types.OrderFilled || state == types.OrderCancelled || state == types.OrderRejected {
			filled, _ := decimal.NewFromString(result.FilledQty)
			avg, _ := decimal.NewFromString(result.FilledAvgPx)
			notional := filled.Mul(avg)
			return &types.Order{
				ID: orderID, ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
				Qty: filled, FilledQty: filled, AvgPrice: avg, Notional: notional,
				Fee:   notional.Mul(decimal.NewFromFloat(a.Fees().TakerPct)),
				State: state, CreatedAt: time.Now(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return &types.Order{
		ID: orderID, ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		State: types.OrderPending, CreatedAt: time.Now(),
	}, nil
}

func (a *Alpaca) Cancel(ctx context.Context, orderRef string) error {
	return a.call(ctx, a.trade, "orders", http.MethodDelete, "/v2/orders/"+orderRef, nil, nil, "")
}
