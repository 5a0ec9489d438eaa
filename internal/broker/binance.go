// binance.go implements the Adapter contract for Binance.US spot trading.
//
// Signed endpoints carry an HMAC-SHA256 hex signature over the query string
// plus a timestamp. Binance honors newClientOrderId, so idempotency is
// venue-side; the local registry short-circuits retries.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/pkg/types"
)

const binanceBaseURL = "https://api.binance.us"

// Binance is the Binance.US spot adapter for one account.
type Binance struct {
	accountID string
	apiKey    string
	apiSecret string

	http     *resty.Client
	limiter  *Limiter
	cache    *TTLCache
	registry *OrderRegistry
	logger   zerolog.Logger
}

func NewBinance(accountID, apiKey, apiSecret, dataDir string, logger zerolog.Logger) (*Binance, error) {
	reg, err := OpenOrderRegistry(dataDir, accountID)
	if err != nil {
		return nil, err
	}
	return &Binance{
		accountID: accountID,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      newRestClient(binanceBaseURL, 30*time.Second),
		limiter:   NewLimiter(50, 20, 100*time.Millisecond),
		cache:     NewTTLCache(),
		registry:  reg,
		logger:    logger.With().Str("component", "binance").Str("account", accountID).Logger(),
	}, nil
}

func (b *Binance) Name() string           { return b.accountID }
func (b *Binance) Kind() types.BrokerKind { return types.BrokerBinance }

func (b *Binance) Fees() FeeSchedule {
	return FeeSchedule{TakerPct: 0.001, MakerPct: 0.001}
}

func (b *Binance) MinNotional() decimal.Decimal { return decimal.NewFromInt(1) }

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *Binance) wrapError(symbol string, resp *resty.Response) error {
	var apiErr binanceAPIError
	_ = json.Unmarshal(resp.Body(), &apiErr)
	if apiErr.Msg != "" {
		switch apiErr.Code {
		case -2010:
			return classifyReject("binance", symbol, apiErr.Msg)
		case -1013:
			return NewError("binance", CodeMinNotional, Business, symbol, fmt.Errorf("%s", apiErr.Msg))
		case -1121:
			return NewError("binance", CodeUnknownSymbol, Business, symbol, fmt.Errorf("%s", apiErr.Msg))
		case -2014, -2015:
			return NewError("binance", CodeAuth, Fatal, symbol, fmt.Errorf("%s", apiErr.Msg))
		}
	}
	code, class := classifyHTTP(resp.StatusCode())
	return NewError("binance", code, class, symbol,
		fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
}

func (b *Binance) signedCall(ctx context.Context, key, method, path string, params url.Values, out any, symbol string) error {
	if err := b.limiter.Acquire(ctx, key); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	params.Set("signature", binanceSign(b.apiSecret, params))

	resp, err := retryRated(ctx, b.logger, func() (*resty.Response, error) {
		req := b.http.R().SetContext(ctx).
			SetHeader("X-MBX-APIKEY", b.apiKey).
			SetQueryParamsFromValues(params)
		if out != nil {
			req.SetResult(out)
		}
		return req.Execute(method, path)
	})
	if err != nil {
		return NewError("binance", CodeNetwork, Transient, symbol, err)
	}
	if resp.IsError() {
		return b.wrapError(symbol, resp)
	}
	return nil
}

func (b *Binance) publicCall(ctx context.Context, key, path string, params map[string]string, out any, symbol string) error {
	if err := b.limiter.Acquire(ctx, key); err != nil {
		return err
	}
	resp, err := retryRated(ctx, b.logger, func() (*resty.Response, error) {
		return b.http.R().SetContext(ctx).SetQueryParams(params).SetResult(out).Get(path)
	})
	if err != nil {
		return NewError("binance", CodeNetwork, Transient, symbol, err)
	}
	if resp.IsError() {
		return b.wrapError(symbol, resp)
	}
	return nil
}

type binanceAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (b *Binance) fetchAccount(ctx context.Context) (*binanceAccount, error) {
	v, err := b.cache.GetOrFill("account", balanceTTL, func() (any, error) {
		var acct binanceAccount
		if err := b.signedCall(ctx, "account", http.MethodGet, "/api/v3/account", nil, &acct, ""); err != nil {
			return nil, err
		}
		return &acct, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*binanceAccount), nil
}

func (b *Binance) Connect(ctx context.Context) (Identity, error) {
	if _, err := b.fetchAccount(ctx); err != nil {
		return Identity{}, err
	}
	return Identity{AccountID: b.accountID}, nil
}

func (b *Binance) GetBalance(ctx context.Context, quote string) (types.Balance, error) {
	acct, err := b.fetchAccount(ctx)
	if err != nil {
		return types.Balance{}, err
	}
	bal := types.Balance{Currency: quote}
	for _, entry := range acct.Balances {
		if entry.Asset != quote {
			continue
		}
		free, _ := decimal.NewFromString(entry.Free)
		locked, _ := decimal.NewFromString(entry.Locked)
		bal.Available = free
		bal.Total = free.Add(locked)
	}
	return bal, nil
}

func (b *Binance) GetPositions(ctx context.Context) ([]types.RawPosition, error) {
	acct, err := b.fetchAccount(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.RawPosition
	for _, entry := range acct.Balances {
		if entry.Asset == "USD" || entry.Asset == "USDT" || entry.Asset == "USDC" {
			continue
		}
		qty, err := decimal.NewFromString(entry.Free)
		if err != nil || qty.IsZero() {
			continue
		}
		symbol := entry.Asset + "-USD"
		price, err := b.GetCurrentPrice(ctx, symbol)
		if err != nil {
			b.logger.Debug().Str("symbol", symbol).Err(err).Msg("skip unpriceable holding")
			continue
		}
		value := qty.Mul(price)
		if value.LessThanOrEqual(decimal.NewFromFloat(dustThresholdUSD)) {
			continue
		}
		out = append(out, types.RawPosition{
			Symbol: symbol, Side: types.LONG, Qty: qty, ValueUSD: value,
		})
	}
	return out, nil
}

var binanceInterval = map[types.Timeframe]string{
	types.TF1m:  "1m",
	types.TF5m:  "5m",
	types.TF15m: "15m",
	types.TF1h:  "1h",
	types.TF4h:  "4h",
	types.TF1d:  "1d",
}

func (b *Binance) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	interval, ok := binanceInterval[tf]
	if !ok {
		return nil, NewError("binance", CodeUnknownSymbol, Business, symbol,
			fmt.Errorf("unsupported timeframe %s", tf))
	}
	pair, err := toBinancePair(symbol)
	if err != nil {
		return nil, NewError("binance", CodeUnknownSymbol, Business, symbol, err)
	}
	cacheKey := fmt.Sprintf("candles:%s:%s:%d", symbol, tf, n)
	v, err := b.cache.GetOrFill(cacheKey, candleTTL, func() (any, error) {
		var rows [][]any
		params := map[string]string{
			"symbol":   pair,
			"interval": interval,
			"limit":    strconv.Itoa(n),
		}
		if err := b.publicCall(ctx, "candles", "/api/v3/klines", params, &rows, symbol); err != nil {
			return nil, err
		}
		candles := make([]types.Candle, 0, len(rows))
		for _, row := range rows {
			if len(row) < 6 {
				continue
			}
			tsMs, _ := row[0].(float64)
			candles = append(candles, types.Candle{
				Time:   time.UnixMilli(int64(tsMs)),
				Open:   anyToFloat(row[1]),
				High:   anyToFloat(row[2]),
				Low:    anyToFloat(row[3]),
				Close:  anyToFloat(row[4]),
				Volume: anyToFloat(row[5]),
			})
		}
		return candles, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Candle), nil
}

func (b *Binance) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pair, err := toBinancePair(symbol)
	if err != nil {
		return decimal.Zero, NewError("binance", CodeUnknownSymbol, Business, symbol, err)
	}
	var result struct {
		Price string `json:"price"`
	}
	if err := b.publicCall(ctx, "price", "/api/v3/ticker/price", map[string]string{"symbol": pair}, &result, symbol); err != nil {
		return decimal.Zero, err
	}
	price, perr := decimal.NewFromString(result.Price)
	if perr != nil || price.Sign() <= 0 {
		return decimal.Zero, NewError("binance", CodeUnknownSymbol, Business, symbol,
			fmt.Errorf("no price for %s", symbol))
	}
	return price, nil
}

func (b *Binance) GetProducts(ctx context.Context) ([]string, error) {
	v, err := b.cache.GetOrFill("products", productTTL, func() (any, error) {
		var result struct {
			Symbols []struct {
				BaseAsset  string `json:"baseAsset"`
				QuoteAsset string `json:"quoteAsset"`
				Status     string `json:"status"`
			} `json:"symbols"`
		}
		if err := b.publicCall(ctx, "products", "/api/v3/exchangeInfo", nil, &result, ""); err != nil {
			return nil, err
		}
		var out []string
		for _, s := range result.Symbols {
			if s.QuoteAsset == "USD" && s.Status == "TRADING" {
				out = append(out, s.BaseAsset+"-USD")
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (b *Binance) PlaceMarket(ctx context.Context, req MarketOrderReq) (*types.Order, error) {
	if prev, ok := b.registry.Lookup(req.ClientID); ok {
		return prev, nil
	}
	pair, err := toBinancePair(req.Symbol)
	if err != nil {
		return nil, NewError("binance", CodeUnknownSymbol, Business, req.Symbol, err)
	}

	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", string(req.Side))
	params.Set("type", "MARKET")
	params.Set("newClientOrderId", strings.ReplaceAll(req.ClientID, "-", ""))
	params.Set("newOrderRespType", "FULL")
	if !req.NotionalUSD.IsZero() {
		params.Set("quoteOrderQty", req.NotionalUSD.RoundDown(2).String())
	} else {
		params.Set("quantity", req.Qty.String())
	}

	var result struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		CumQuote    string `json:"cummulativeQuoteQty"`
		Fills       []struct {
			Price      string `json:"price"`
			Qty        string `json:"qty"`
			Commission string `json:"commission"`
		} `json:"fills"`
	}
	if err := b.signedCall(ctx, "orders", http.MethodPost, "/api/v3/order", params, &result, req.Symbol); err != nil {
		return nil, err
	}

	filled, _ := decimal.NewFromString(result.ExecutedQty)
	notional, _ := decimal.NewFromString(result.CumQuote)
	fee := decimal.Zero
	for _, f := range result.Fills {
		c, _ := decimal.NewFromString(f.Commission)
		fee = fee.Add(c)
	}
	avg := decimal.Zero
	if !filled.IsZero() {
		avg = notional.Div(filled)
	}
	state := types.OrderPending
	switch result.Status {
	case "FILLED":
		state = types.OrderFilled
	case "PARTIALLY_FILLED":
		state = types.OrderPartial
	case "REJECTED", "EXPIRED":
		state = types.OrderRejected
	}

	order := &types.Order{
		ID:       strconv.FormatInt(result.OrderID, 10),
		ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		Qty: filled, FilledQty: filled, AvgPrice: avg,
		Notional: notional, Fee: fee, State: state, CreatedAt: time.Now(),
	}
	b.cache.Invalidate("account")
	if err := b.registry.Record(order); err != nil {
		b.logger.Error().Err(err).Msg("record order")
	}
	return order, nil
}

func (b *Binance) Cancel(ctx context.Context, orderRef string) error {
	parts := strings.SplitN(orderRef, "|", 2)
	params := url.Values{}
	if len(parts) == 2 {
		pair, err := toBinancePair(parts[0])
		if err != nil {
			return NewError("binance", CodeUnknownSymbol, Business, parts[0], err)
		}
		params.Set("symbol", pair)
		params.Set("orderId", parts[1])
	} else {
		params.Set("orderId", parts[0])
	}
	return b.signedCall(ctx, "orders", http.MethodDelete, "/api/v3/order", params, nil, "")
}
