// okx.go implements the Adapter contract for OKX spot trading.
//
// Auth is HMAC-SHA256 over timestamp+method+path+body, base64-encoded, plus
// the API passphrase header. OKX supports client order ids natively
// (clOrdId), which carries the idempotency guarantee; the local registry
// short-circuits retries.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/pkg/types"
)

const okxBaseURL = "https://www.okx.com"

// OKX is the OKX spot adapter for one account.
type OKX struct {
	accountID  string
	apiKey     string
	apiSecret  string
	passphrase string

	http     *resty.Client
	limiter  *Limiter
	cache    *TTLCache
	registry *OrderRegistry
	logger   zerolog.Logger
}

func NewOKX(accountID, apiKey, apiSecret, passphrase, dataDir string, logger zerolog.Logger) (*OKX, error) {
	reg, err := OpenOrderRegistry(dataDir, accountID)
	if err != nil {
		return nil, err
	}
	return &OKX{
		accountID:  accountID,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		http:       newRestClient(okxBaseURL, 30*time.Second),
		limiter:    NewLimiter(20, 10, 150*time.Millisecond),
		cache:      NewTTLCache(),
		registry:   reg,
		logger:     logger.With().Str("component", "okx").Str("account", accountID).Logger(),
	}, nil
}

func (o *OKX) Name() string           { return o.accountID }
func (o *OKX) Kind() types.BrokerKind { return types.BrokerOKX }

func (o *OKX) Fees() FeeSchedule {
	return FeeSchedule{TakerPct: 0.001, MakerPct: 0.0008}
}

func (o *OKX) MinNotional() decimal.Decimal { return decimal.NewFromInt(1) }

// okxResp is the common envelope of every OKX response.
type okxResp struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (o *OKX) call(ctx context.Context, key, method, path, body, symbol string, signed bool) (*okxResp, error) {
	if err := o.limiter.Acquire(ctx, key); err != nil {
		return nil, err
	}

	var env okxResp
	resp, err := retryRated(ctx, o.logger, func() (*resty.Response, error) {
		req := o.http.R().SetContext(ctx).SetResult(&env)
		if signed {
			ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
			req.SetHeader("OK-ACCESS-KEY", o.apiKey).
				SetHeader("OK-ACCESS-SIGN", okxSign(o.apiSecret, ts, method, path, body)).
				SetHeader("OK-ACCESS-TIMESTAMP", ts).
				SetHeader("OK-ACCESS-PASSPHRASE", o.passphrase)
		}
		if body != "" {
			req.SetBody(body)
		}
		return req.Execute(method, path)
	})
	if err != nil {
		return nil, NewError("okx", CodeNetwork, Transient, symbol, err)
	}
	if resp.IsError() {
		code, class := classifyHTTP(resp.StatusCode())
		return nil, NewError("okx", code, class, symbol,
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if env.Code != "0" {
		msg := env.Msg
		if msg == "" {
			msg = "code " + env.Code
		}
		if strings.Contains(msg, "Invalid OK-ACCESS") || env.Code == "50111" {
			return nil, NewError("okx", CodeAuth, Fatal, symbol, fmt.Errorf("%s", msg))
		}
		return nil, classifyReject("okx", symbol, msg)
	}
	return &env, nil
}

func (o *OKX) Connect(ctx context.Context) (Identity, error) {
	path := "/api/v5/account/config"
	env, err := o.call(ctx, "account", http.MethodGet, path, "", "", true)
	if err != nil {
		return Identity{}, err
	}
	var data []struct {
		UID string `json:"uid"`
	}
	_ = json.Unmarshal(env.Data, &data)
	id := Identity{AccountID: o.accountID}
	if len(data) > 0 {
		id.AccountID = data[0].UID
	}
	return id, nil
}

type okxBalanceDetail struct {
	Ccy      string `json:"ccy"`
	AvailBal string `json:"availBal"`
	Bal      string `json:"bal"`
	EqUsd    string `json:"eqUsd"`
}

func (o *OKX) fetchBalances(ctx context.Context) ([]okxBalanceDetail, error) {
	v, err := o.cache.GetOrFill("balances", balanceTTL, func() (any, error) {
		path := "/api/v5/account/balance"
		env, err := o.call(ctx, "account", http.MethodGet, path, "", "", true)
		if err != nil {
			return nil, err
		}
		var data []struct {
			Details []okxBalanceDetail `json:"details"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, NewError("okx", CodeNetwork, Transient, "", err)
		}
		if len(data) == 0 {
			return []okxBalanceDetail{}, nil
		}
		return data[0].Details, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]okxBalanceDetail), nil
}

func (o *OKX) GetBalance(ctx context.Context, quote string) (types.Balance, error) {
	details, err := o.fetchBalances(ctx)
	if err != nil {
		return types.Balance{}, err
	}
	bal := types.Balance{Currency: quote}
	for _, d := range details {
		if d.Ccy != quote {
			continue
		}
		avail, _ := decimal.NewFromString(d.AvailBal)
		total, _ := decimal.NewFromString(d.Bal)
		bal.Available = avail
		bal.Total = total
	}
	return bal, nil
}

func (o *OKX) GetPositions(ctx context.Context) ([]types.RawPosition, error) {
	details, err := o.fetchBalances(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.RawPosition
	for _, d := range details {
		if d.Ccy == "USD" || d.Ccy == "USDT" || d.Ccy == "USDC" {
			continue
		}
		qty, err := decimal.NewFromString(d.AvailBal)
		if err != nil || qty.IsZero() {
			continue
		}
		value, _ := decimal.NewFromString(d.EqUsd)
		if value.LessThanOrEqual(decimal.NewFromFloat(dustThresholdUSD)) {
			continue
		}
		out = append(out, types.RawPosition{
			Symbol: d.Ccy + "-USD", Side: types.LONG, Qty: qty, ValueUSD: value,
		})
	}
	return out, nil
}

var okxBar = map[types.Timeframe]string{
	types.TF1m:  "1m",
	types.TF5m:  "5m",
	types.TF15m: "15m",
	types.TF1h:  "1H",
	types.TF4h:  "4H",
	types.TF1d:  "1D",
}

func (o *OKX) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	bar, ok := okxBar[tf]
	if !ok {
		return nil, NewError("okx", CodeUnknownSymbol, Business, symbol,
			fmt.Errorf("unsupported timeframe %s", tf))
	}
	cacheKey := fmt.Sprintf("candles:%s:%s:%d", symbol, tf, n)
	v, err := o.cache.GetOrFill(cacheKey, candleTTL, func() (any, error) {
		path := fmt.Sprintf("/api/v5/market/candles?instId=%s&bar=%s&limit=%d", toOKXInstID(symbol), bar, n)
		env, err := o.call(ctx, "candles", http.MethodGet, path, "", symbol, false)
		if err != nil {
			return nil, err
		}
		var rows [][]string
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, NewError("okx", CodeNetwork, Transient, symbol, err)
		}
		candles := make([]types.Candle, 0, len(rows))
		for _, row := range rows {
			if len(row) < 6 {
				continue
			}
			tsMs := int64(atof(row[0]))
			candles = append(candles, types.Candle{
				Time:   time.UnixMilli(tsMs),
				Open:   atof(row[1]),
				High:   atof(row[2]),
				Low:    atof(row[3]),
				Close:  atof(row[4]),
				Volume: atof(row[5]),
			})
		}
		// OKX returns newest first.
		sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
		return candles, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Candle), nil
}

func (o *OKX) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	path := "/api/v5/market/ticker?instId=" + toOKXInstID(symbol)
	env, err := o.call(ctx, "price", http.MethodGet, path, "", symbol, false)
	if err != nil {
		return decimal.Zero, err
	}
	var data []struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || len(data) == 0 {
		return decimal.Zero, NewError("okx", CodeUnknownSymbol, Business, symbol,
			fmt.Errorf("no ticker for %s", symbol))
	}
	price, perr := decimal.NewFromString(data[0].Last)
	if perr != nil || price.Sign() <= 0 {
		return decimal.Zero, NewError("okx", CodeUnknownSymbol, Business, symbol,
			fmt.Errorf("no price for %s", symbol))
	}
	return price, nil
}

func (o *OKX) GetProducts(ctx context.Context) ([]string, error) {
	v, err := o.cache.GetOrFill("products", productTTL, func() (any, error) {
		path := "/api/v5/public/instruments?instType=SPOT"
		env, err := o.call(ctx, "products", http.MethodGet, path, "", "", false)
		if err != nil {
			return nil, err
		}
		var data []struct {
			InstID   string `json:"instId"`
			QuoteCcy string `json:"quoteCcy"`
			State    string `json:"state"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, NewError("okx", CodeNetwork, Transient, "", err)
		}
		var out []string
		for _, inst := range data {
			if inst.QuoteCcy == "USD" && inst.State == "live" {
				out = append(out, inst.InstID)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (o *OKX) PlaceMarket(ctx context.Context, req MarketOrderReq) (*types.Order, error) {
	if prev, ok := o.registry.Lookup(req.ClientID); ok {
		return prev, nil
	}

	// OKX clOrdId allows alphanumerics only, max 32 chars.
	clOrdID := strings.ReplaceAll(req.ClientID, "-", "")
	if len(clOrdID) > 32 {
		clOrdID = clOrdID[:32]
	}

	order := map[string]string{
		"instId":  toOKXInstID(req.Symbol),
		"tdMode":  "cash",
		"side":    strings.ToLower(string(req.Side)),
		"ordType": "market",
		"clOrdId": clOrdID,
	}
	if !req.NotionalUSD.IsZero() {
		order["sz"] = req.NotionalUSD.RoundDown(2).String()
		order["tgtCcy"] = "quote_ccy"
	} else {
		order["sz"] = req.Qty.String()
		order["tgtCcy"] = "base_ccy"
	}
	body, _ := json.Marshal(order)

	path := "/api/v5/trade/order"
	env, err := o.call(ctx, "orders", http.MethodPost, path, string(body), req.Symbol, true)
	if err != nil {
		return nil, err
	}
	var data []struct {
		OrdID string `json:"ordId"`
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || len(data) == 0 {
		return nil, NewError("okx", CodeOrderRejected, Business, req.Symbol,
			fmt.Errorf("empty order response"))
	}
	if data[0].SCode != "0" {
		return nil, classifyReject("okx", req.Symbol, data[0].SMsg)
	}

	result, err := o.fetchOrder(ctx, req, data[0].OrdID)
	if err != nil {
		return nil, err
	}
	o.cache.Invalidate("balances")
	if err := o.registry.Record(result); err != nil {
		o.logger.Error().Err(err).Msg("record order")
	}
	return result, nil
}

func (o *OKX) fetchOrder(ctx context.Context, req MarketOrderReq, ordID string) (*types.Order, error) {
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", toOKXInstID(req.Symbol), ordID)
	for attempt := 0; attempt < 5; attempt++ {
		env, err := o.call(ctx, "orders", http.MethodGet, path, "", req.Symbol, true)
		if err != nil {
			return nil, err
		}
		var data []struct {
			State   string `json:"state"`
			AccFill string `json:"accFillSz"`
			AvgPx   string `json:"avgPx"`
			Fee     string `json:"fee"`
		}
		if err := json.Unmarshal(env.Data, &data); err == nil && len(data) > 0 {
			state := types.OrderPending
			switch data[0].State {
			case "filled":
				state = types.OrderFilled
			case "canceled":
				state = types.OrderCancelled
			case "partially_filled":
				state = types.OrderPartial
			}
			if state == types.OrderFilled || state == types.OrderCancelled {
				filled, _ := decimal.NewFromString(data[0].AccFill)
				avg, _ := decimal.NewFromString(data[0].AvgPx)
				fee, _ := decimal.NewFromString(data[0].Fee)
				return &types.Order{
					ID: ordID, ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
					Qty: filled, FilledQty: filled, AvgPrice: avg,
					Notional: filled.Mul(avg), Fee: fee.Abs(),
					State: state, CreatedAt: time.Now(),
				}, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return &types.Order{
		ID: ordID, ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		State: types.OrderPending, CreatedAt: time.Now(),
	}, nil
}

func (o *OKX) Cancel(ctx context.Context, orderRef string) error {
	parts := strings.SplitN(orderRef, "|", 2)
	body := map[string]string{"ordId": parts[len(parts)-1]}
	if len(parts) == 2 {
		body["instId"] = parts[0]
	}
	raw, _ := json.Marshal(body)
	_, err := o.call(ctx, "orders", http.MethodPost, "/api/v5/trade/cancel-order", string(raw), "", true)
	return err
}
