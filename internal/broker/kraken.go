// kraken.go implements the Adapter contract for Kraken Pro.
//
// Kraken's private API requires a strictly increasing nonce per key. All
// private calls for one account are serialized behind a mutex and each nonce
// is persisted before use (see nonce.go), so restarts and concurrent
// goroutines can never replay one. Kraken has no client order id on the
// order itself, so idempotency relies on the persisted OrderRegistry.
package broker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/pkg/types"
)

const krakenBaseURL = "https://api.kraken.com"

// Kraken is the Kraken Pro adapter for one account.
type Kraken struct {
	accountID string
	apiKey    string
	apiSecret string

	privateMu sync.Mutex // serializes nonce issue + private HTTP call
	nonces    *NonceStore

	http     *resty.Client
	limiter  *Limiter
	cache    *TTLCache
	registry *OrderRegistry
	logger   zerolog.Logger
}

// NewKraken builds the adapter. dataDir hosts the nonce file and the
// idempotency registry.
func NewKraken(accountID, apiKey, apiSecret, dataDir string, logger zerolog.Logger) (*Kraken, error) {
	nonces, err := OpenNonceStore(dataDir, accountID)
	if err != nil {
		return nil, err
	}
	reg, err := OpenOrderRegistry(dataDir, accountID)
	if err != nil {
		return nil, err
	}
	return &Kraken{
		accountID: accountID,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		nonces:    nonces,
		http:      newRestClient(krakenBaseURL, 30*time.Second),
		limiter:   NewLimiter(15, 1, 500*time.Millisecond),
		cache:     NewTTLCache(),
		registry:  reg,
		logger:    logger.With().Str("component", "kraken").Str("account", accountID).Logger(),
	}, nil
}

func (k *Kraken) Name() string           { return k.accountID }
func (k *Kraken) Kind() types.BrokerKind { return types.BrokerKraken }

func (k *Kraken) Fees() FeeSchedule {
	return FeeSchedule{TakerPct: 0.0036, MakerPct: 0.0016}
}

func (k *Kraken) MinNotional() decimal.Decimal { return decimal.NewFromFloat(0.5) }

// krakenResp is the common envelope of every Kraken response.
type krakenResp struct {
	Error  []string       `json:"error"`
	Result map[string]any `json:"result"`
}

func (k *Kraken) checkEnvelope(symbol string, env *krakenResp) error {
	if len(env.Error) == 0 {
		return nil
	}
	msg := strings.Join(env.Error, "; ")
	switch {
	case strings.Contains(msg, "Invalid nonce"):
		return NewError("kraken", CodeNonceCollision, Logic, symbol, fmt.Errorf("%s", msg))
	case strings.Contains(msg, "Rate limit"):
		return NewError("kraken", CodeRateLimited, Transient, symbol, fmt.Errorf("%s", msg))
	case strings.Contains(msg, "Invalid key") || strings.Contains(msg, "Permission denied"):
		return NewError("kraken", CodeAuth, Fatal, symbol, fmt.Errorf("%s", msg))
	}
	return classifyReject("kraken", symbol, msg)
}

// private performs a signed POST to a private endpoint. The nonce is issued
// and flushed inside the same critical section as the HTTP call.
func (k *Kraken) private(ctx context.Context, key, path string, form url.Values, out *krakenResp) error {
	if err := k.limiter.Acquire(ctx, key); err != nil {
		return err
	}

	k.privateMu.Lock()
	defer k.privateMu.Unlock()

	nonce, err := k.nonces.Next()
	if err != nil {
		return NewError("kraken", CodeInvariant, Fatal, "", err)
	}
	nonceStr := strconv.FormatInt(nonce, 10)
	if form == nil {
		form = url.Values{}
	}
	form.Set("nonce", nonceStr)
	postData := form.Encode()

	sig, err := krakenSign(k.apiSecret, path, nonceStr, postData)
	if err != nil {
		return NewError("kraken", CodeAuth, Fatal, "", err)
	}

	resp, err := retryRated(ctx, k.logger, func() (*resty.Response, error) {
		return k.http.R().SetContext(ctx).
			SetHeader("API-Key", k.apiKey).
			SetHeader("API-Sign", sig).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(postData).
			SetResult(out).
			Post(path)
	})
	if err != nil {
		return NewError("kraken", CodeNetwork, Transient, "", err)
	}
	if resp.IsError() {
		code, class := classifyHTTP(resp.StatusCode())
		return NewError("kraken", code, class, "", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return nil
}

func (k *Kraken) public(ctx context.Context, key, path string, params map[string]string, out *krakenResp) error {
	if err := k.limiter.Acquire(ctx, key); err != nil {
		return err
	}
	resp, err := retryRated(ctx, k.logger, func() (*resty.Response, error) {
		return k.http.R().SetContext(ctx).SetQueryParams(params).SetResult(out).Get(path)
	})
	if err != nil {
		return NewError("kraken", CodeNetwork, Transient, "", err)
	}
	if resp.IsError() {
		code, class := classifyHTTP(resp.StatusCode())
		return NewError("kraken", code, class, "", fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return nil
}

func (k *Kraken) Connect(ctx context.Context) (Identity, error) {
	var env krakenResp
	if err := k.private(ctx, "balance", "/0/private/Balance", nil, &env); err != nil {
		return Identity{}, err
	}
	if err := k.checkEnvelope("", &env); err != nil {
		return Identity{}, err
	}
	return Identity{AccountID: k.accountID}, nil
}

func (k *Kraken) fetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	v, err := k.cache.GetOrFill("balances", balanceTTL, func() (any, error) {
		var env krakenResp
		if err := k.private(ctx, "balance", "/0/private/Balance", nil, &env); err != nil {
			return nil, err
		}
		if err := k.checkEnvelope("", &env); err != nil {
			return nil, err
		}
		out := make(map[string]decimal.Decimal, len(env.Result))
		for asset, raw := range env.Result {
			s, ok := raw.(string)
			if !ok {
				continue
			}
			d, err := decimal.NewFromString(s)
			if err != nil || d.IsZero() {
				continue
			}
			out[fromKrakenAsset(asset)] = d
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]decimal.Decimal), nil
}

func (k *Kraken) GetBalance(ctx context.Context, quote string) (types.Balance, error) {
	balances, err := k.fetchBalances(ctx)
	if err != nil {
		return types.Balance{}, err
	}
	amount := balances[quote]
	return types.Balance{Currency: quote, Available: amount, Total: amount}, nil
}

func (k *Kraken) GetPositions(ctx context.Context) ([]types.RawPosition, error) {
	balances, err := k.fetchBalances(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.RawPosition
	for asset, qty := range balances {
		if asset == "USD" || asset == "USDT" || asset == "USDC" {
			continue
		}
		symbol := asset + "-USD"
		price, err := k.GetCurrentPrice(ctx, symbol)
		if err != nil {
			k.logger.Debug().Str("symbol", symbol).Err(err).Msg("skip unpriceable holding")
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

func (k *Kraken) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	pair, err := toKrakenPair(symbol)
	if err != nil {
		return nil, NewError("kraken", CodeUnknownSymbol, Business, symbol, err)
	}
	cacheKey := fmt.Sprintf("candles:%s:%s:%d", symbol, tf, n)
	v, err := k.cache.GetOrFill(cacheKey, candleTTL, func() (any, error) {
		var env krakenResp
		params := map[string]string{
			"pair":     pair,
			"interval": strconv.Itoa(tf.Minutes()),
		}
		if err := k.public(ctx, "candles", "/0/public/OHLC", params, &env); err != nil {
			return nil, err
		}
		if err := k.checkEnvelope(symbol, &env); err != nil {
			return nil, err
		}

		var candles []types.Candle
		for key, raw := range env.Result {
			if key == "last" {
				continue
			}
			rows, ok := raw.([]any)
			if !ok {
				continue
			}
			for _, rowAny := range rows {
				row, ok := rowAny.([]any)
				if !ok || len(row) < 7 {
					continue
				}
				ts, _ := row[0].(float64)
				candles = append(candles, types.Candle{
					Time:   time.Unix(int64(ts), 0),
					Open:   anyToFloat(row[1]),
					High:   anyToFloat(row[2]),
					Low:    anyToFloat(row[3]),
					Close:  anyToFloat(row[4]),
					Volume: anyToFloat(row[6]),
				})
			}
		}
		if len(candles) > n {
			candles = candles[len(candles)-n:]
		}
		return candles, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Candle), nil
}

func (k *Kraken) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pair, err := toKrakenPair(symbol)
	if err != nil {
		return decimal.Zero, NewError("kraken", CodeUnknownSymbol, Business, symbol, err)
	}
	var env krakenResp
	if err := k.public(ctx, "price", "/0/public/Ticker", map[string]string{"pair": pair}, &env); err != nil {
		return decimal.Zero, err
	}
	if err := k.checkEnvelope(symbol, &env); err != nil {
		return decimal.Zero, err
	}
	for _, raw := range env.Result {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		last, ok := entry["c"].([]any)
		if !ok || len(last) == 0 {
			continue
		}
		s, _ := last[0].(string)
		price, perr := decimal.NewFromString(s)
		if perr == nil && price.Sign() > 0 {
			return price, nil
		}
	}
	return decimal.Zero, NewError("kraken", CodeUnknownSymbol, Business, symbol,
		fmt.Errorf("no ticker for %s", symbol))
}

func (k *Kraken) GetProducts(ctx context.Context) ([]string, error) {
	v, err := k.cache.GetOrFill("products", productTTL, func() (any, error) {
		var env krakenResp
		if err := k.public(ctx, "products", "/0/public/AssetPairs", nil, &env); err != nil {
			return nil, err
		}
		if err := k.checkEnvelope("", &env); err != nil {
			return nil, err
		}
		var out []string
		for _, raw := range env.Result {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			wsname, _ := entry["wsname"].(string)
			parts := strings.Split(wsname, "/")
			if len(parts) != 2 || parts[1] != "USD" {
				continue
			}
			base := parts[0]
			if canon, ok := krakenReverse[base]; ok {
				base = canon
			}
			out = append(out, base+"-USD")
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (k *Kraken) PlaceMarket(ctx context.Context, req MarketOrderReq) (*types.Order, error) {
	if prev, ok := k.registry.Lookup(req.ClientID); ok {
		return prev, nil
	}

	pair, err := toKrakenPair(req.Symbol)
	if err != nil {
		return nil, NewError("kraken", CodeUnknownSymbol, Business, req.Symbol, err)
	}

	qty := req.Qty
	price, err := k.GetCurrentPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if qty.IsZero() {
		// Kraken sizes market orders in base volume only.
		qty = req.NotionalUSD.Div(price).RoundDown(8)
	}

	form := url.Values{}
	form.Set("pair", pair)
	form.Set("type", strings.ToLower(string(req.Side)))
	form.Set("ordertype", "market")
	form.Set("volume", qty.String())

	var env krakenResp
	if err := k.private(ctx, "orders", "/0/private/AddOrder", form, &env); err != nil {
		return nil, err
	}
	if err := k.checkEnvelope(req.Symbol, &env); err != nil {
		return nil, err
	}

	var txid string
	if raw, ok := env.Result["txid"].([]any); ok && len(raw) > 0 {
		txid, _ = raw[0].(string)
	}
	if txid == "" {
		return nil, NewError("kraken", CodeOrderRejected, Business, req.Symbol,
			fmt.Errorf("AddOrder returned no txid"))
	}

	order := &types.Order{
		ID: txid, ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		Qty: qty, FilledQty: qty, AvgPrice: price, Notional: qty.Mul(price),
		Fee:   qty.Mul(price).Mul(decimal.NewFromFloat(k.Fees().TakerPct)),
		State: types.OrderFilled, CreatedAt: time.Now(),
	}
	if detail, err := k.queryOrder(ctx, txid); err == nil && detail != nil {
		order.FilledQty = detail.FilledQty
		order.AvgPrice = detail.AvgPrice
		order.Notional = detail.Notional
		order.Fee = detail.Fee
		order.State = detail.State
	}
	k.cache.Invalidate("balances")
	if err := k.registry.Record(order); err != nil {
		k.logger.Error().Err(err).Msg("record order")
	}
	return order, nil
}

// queryOrder fetches fill details for a placed order. Failures are soft; the
// caller already has a conservative estimate.
func (k *Kraken) queryOrder(ctx context.Context, txid string) (*types.Order, error) {
	form := url.Values{}
	form.Set("txid", txid)
	var env krakenResp
	if err := k.private(ctx, "orders", "/0/private/QueryOrders", form, &env); err != nil {
		return nil, err
	}
	if err := k.checkEnvelope("", &env); err != nil {
		return nil, err
	}
	raw, ok := env.Result[txid].(map[string]any)
	if !ok {
		return nil, nil
	}
	filled := decimal.NewFromFloat(anyToFloat(raw["vol_exec"]))
	avg := decimal.NewFromFloat(anyToFloat(raw["price"]))
	fee := decimal.NewFromFloat(anyToFloat(raw["fee"]))
	status, _ := raw["status"].(string)
	state := types.OrderPending
	switch status {
	case "closed":
		state = types.OrderFilled
	case "canceled", "expired":
		state = types.OrderCancelled
	}
	return &types.Order{
		ID: txid, FilledQty: filled, AvgPrice: avg,
		Notional: filled.Mul(avg), Fee: fee, State: state,
	}, nil
}

func (k *Kraken) Cancel(ctx context.Context, orderRef string) error {
	form := url.Values{}
	form.Set("txid", orderRef)
	var env krakenResp
	if err := k.private(ctx, "orders", "/0/private/CancelOrder", form, &env); err != nil {
		return err
	}
	return k.checkEnvelope("", &env)
}

func anyToFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return atof(t)
	}
	return 0
}
