// coinbase.go implements the Adapter contract for Coinbase Advanced Trade.
//
// Auth is a per-request ES256 JWT (see sign.go). Coinbase has native client
// order ids, so idempotency is enforced venue-side; the local registry is
// still consulted first to short-circuit retries without an HTTP call.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/pkg/types"
)

const coinbaseBaseURL = "https://api.coinbase.com"

// Coinbase is the Coinbase Advanced Trade adapter for one account.
type Coinbase struct {
	accountID string
	keyName   string
	keyPEM    string

	http     *resty.Client
	limiter  *Limiter
	cache    *TTLCache
	registry *OrderRegistry
	logger   zerolog.Logger

	allowConsumerUSD bool
}

// NewCoinbase builds the adapter. dataDir hosts the idempotency registry.
func NewCoinbase(accountID, keyName, keyPEM, dataDir string, allowConsumerUSD bool, logger zerolog.Logger) (*Coinbase, error) {
	reg, err := OpenOrderRegistry(dataDir, accountID)
	if err != nil {
		return nil, err
	}
	return &Coinbase{
		accountID:        accountID,
		keyName:          keyName,
		keyPEM:           keyPEM,
		http:             newRestClient(coinbaseBaseURL, 30*time.Second),
		limiter:          NewLimiter(30, 25, 100*time.Millisecond),
		cache:            NewTTLCache(),
		registry:         reg,
		logger:           logger.With().Str("component", "coinbase").Str("account", accountID).Logger(),
		allowConsumerUSD: allowConsumerUSD,
	}, nil
}

func (c *Coinbase) Name() string           { return c.accountID }
func (c *Coinbase) Kind() types.BrokerKind { return types.BrokerCoinbase }

func (c *Coinbase) Fees() FeeSchedule {
	return FeeSchedule{TakerPct: 0.008, MakerPct: 0.006}
}

func (c *Coinbase) MinNotional() decimal.Decimal { return decimal.NewFromInt(1) }

func (c *Coinbase) request(ctx context.Context, key, method, path string) (*resty.Request, error) {
	if err := c.limiter.Acquire(ctx, key); err != nil {
		return nil, err
	}
	jwt, err := coinbaseJWT(c.keyName, c.keyPEM, method+" api.coinbase.com"+path)
	if err != nil {
		return nil, NewError("coinbase", CodeAuth, Fatal, "", err)
	}
	return c.http.R().SetContext(ctx).SetAuthToken(jwt), nil
}

func (c *Coinbase) do(ctx context.Context, req *resty.Request, method, path, symbol string) (*resty.Response, error) {
	resp, err := retryRated(ctx, c.logger, func() (*resty.Response, error) {
		return req.Execute(method, path)
	})
	if err != nil {
		return nil, NewError("coinbase", CodeNetwork, Transient, symbol, err)
	}
	if resp.IsError() {
		code, class := classifyHTTP(resp.StatusCode())
		return nil, NewError("coinbase", code, class, symbol,
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	return resp, nil
}

// Connect verifies the key by listing accounts.
func (c *Coinbase) Connect(ctx context.Context) (Identity, error) {
	var result struct {
		Accounts []struct {
			UUID string `json:"uuid"`
			Name string `json:"name"`
		} `json:"accounts"`
	}
	req, err := c.request(ctx, "accounts", http.MethodGet, "/api/v3/brokerage/accounts")
	if err != nil {
		return Identity{}, err
	}
	req.SetResult(&result)
	if _, err := c.do(ctx, req, http.MethodGet, "/api/v3/brokerage/accounts", ""); err != nil {
		return Identity{}, err
	}
	id := Identity{AccountID: c.accountID}
	if len(result.Accounts) > 0 {
		id.AccountID = result.Accounts[0].UUID
		id.Label = result.Accounts[0].Name
	}
	return id, nil
}

type cbAccount struct {
	Currency  string `json:"currency"`
	Type      string `json:"type"`
	Platform  string `json:"platform"`
	Available struct {
		Value string `json:"value"`
	} `json:"available_balance"`
	Hold struct {
		Value string `json:"value"`
	} `json:"hold"`
}

func (c *Coinbase) fetchAccounts(ctx context.Context) ([]cbAccount, error) {
	v, err := c.cache.GetOrFill("accounts", balanceTTL, func() (any, error) {
		var result struct {
			Accounts []cbAccount `json:"accounts"`
		}
		req, err := c.request(ctx, "accounts", http.MethodGet, "/api/v3/brokerage/accounts?limit=250")
		if err != nil {
			return nil, err
		}
		req.SetResult(&result)
		if _, err := c.do(ctx, req, http.MethodGet, "/api/v3/brokerage/accounts?limit=250", ""); err != nil {
			return nil, err
		}
		return result.Accounts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]cbAccount), nil
}

func (c *Coinbase) GetBalance(ctx context.Context, quote string) (types.Balance, error) {
	accounts, err := c.fetchAccounts(ctx)
	if err != nil {
		return types.Balance{}, err
	}
	bal := types.Balance{Currency: quote}
	for _, a := range accounts {
		if a.Currency != quote {
			continue
		}
		// Consumer-platform USD wallets cannot always settle Advanced
		// Trade orders, so they are excluded unless explicitly allowed.
		if a.Platform == "ACCOUNT_PLATFORM_CONSUMER" && !c.allowConsumerUSD {
			continue
		}
		avail, _ := decimal.NewFromString(a.Available.Value)
		hold, _ := decimal.NewFromString(a.Hold.Value)
		bal.Available = bal.Available.Add(avail)
		bal.Total = bal.Total.Add(avail).Add(hold)
	}
	return bal, nil
}

func (c *Coinbase) GetPositions(ctx context.Context) ([]types.RawPosition, error) {
	accounts, err := c.fetchAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.RawPosition
	for _, a := range accounts {
		if a.Currency == "USD" || a.Currency == "USDC" {
			continue
		}
		qty, err := decimal.NewFromString(a.Available.Value)
		if err != nil || qty.IsZero() {
			continue
		}
		symbol := a.Currency + "-USD"
		price, err := c.GetCurrentPrice(ctx, symbol)
		if err != nil {
			c.logger.Debug().Str("symbol", symbol).Err(err).Msg("skip unpriceable holding")
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

var cbGranularity = map[types.Timeframe]string{
	types.TF1m:  "ONE_MINUTE",
	types.TF5m:  "FIVE_MINUTE",
	types.TF15m: "FIFTEEN_MINUTE",
	types.TF1h:  "ONE_HOUR",
	types.TF1d:  "ONE_DAY",
}

func (c *Coinbase) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	gran, ok := cbGranularity[tf]
	if !ok {
		return nil, NewError("coinbase", CodeUnknownSymbol, Business, symbol,
			fmt.Errorf("unsupported timeframe %s", tf))
	}
	cacheKey := fmt.Sprintf("candles:%s:%s:%d", symbol, tf, n)
	v, err := c.cache.GetOrFill(cacheKey, candleTTL, func() (any, error) {
		end := time.Now()
		start := end.Add(-time.Duration(n*tf.Minutes()) * time.Minute)
		path := fmt.Sprintf("/api/v3/brokerage/products/%s/candles", symbol)

		var result struct {
			Candles []struct {
				Start  string `json:"start"`
				Open   string `json:"open"`
				High   string `json:"high"`
				Low    string `json:"low"`
				Close  string `json:"close"`
				Volume string `json:"volume"`
			} `json:"candles"`
		}
		req, err := c.request(ctx, "candles", http.MethodGet, path)
		if err != nil {
			return nil, err
		}
		req.SetQueryParams(map[string]string{
			"granularity": gran,
			"start":       strconv.FormatInt(start.Unix(), 10),
			"end":         strconv.FormatInt(end.Unix(), 10),
		}).SetResult(&result)
		if _, err := c.do(ctx, req, http.MethodGet, path, symbol); err != nil {
			return nil, err
		}

		candles := make([]types.Candle, 0, len(result.Candles))
		for _, k := range result.Candles {
			ts, _ := strconv.ParseInt(k.Start, 10, 64)
			candles = append(candles, types.Candle{
				Time:   time.Unix(ts, 0),
				Open:   atof(k.Open),
				High:   atof(k.High),
				Low:    atof(k.Low),
				Close:  atof(k.Close),
				Volume: atof(k.Volume),
			})
		}
		// Coinbase returns newest first.
		sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
		return candles, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Candle), nil
}

func (c *Coinbase) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	path := "/api/v3/brokerage/products/" + symbol
	var result struct {
		Price string `json:"price"`
	}
	req, err := c.request(ctx, "price", http.MethodGet, path)
	if err != nil {
		return decimal.Zero, err
	}
	req.SetResult(&result)
	if _, err := c.do(ctx, req, http.MethodGet, path, symbol); err != nil {
		return decimal.Zero, err
	}
	price, perr := decimal.NewFromString(result.Price)
	if perr != nil || price.Sign() <= 0 {
		return decimal.Zero, NewError("coinbase", CodeUnknownSymbol, Business, symbol,
			fmt.Errorf("no price for %s", symbol))
	}
	return price, nil
}

func (c *Coinbase) GetProducts(ctx context.Context) ([]string, error) {
	v, err := c.cache.GetOrFill("products", productTTL, func() (any, error) {
		path := "/api/v3/brokerage/products"
		var result struct {
			Products []struct {
				ProductID       string `json:"product_id"`
				QuoteCurrencyID string `json:"quote_currency_id"`
				Status          string `json:"status"`
				TradingDisabled bool   `json:"trading_disabled"`
			} `json:"products"`
		}
		req, err := c.request(ctx, "products", http.MethodGet, path)
		if err != nil {
			return nil, err
		}
		req.SetQueryParam("product_type", "SPOT").SetResult(&result)
		if _, err := c.do(ctx, req, http.MethodGet, path, ""); err != nil {
			return nil, err
		}
		var out []string
		for _, p := range result.Products {
			if p.QuoteCurrencyID == "USD" && p.Status == "online" && !p.TradingDisabled {
				out = append(out, p.ProductID)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (c *Coinbase) PlaceMarket(ctx context.Context, req MarketOrderReq) (*types.Order, error) {
	if prev, ok := c.registry.Lookup(req.ClientID); ok {
		return prev, nil
	}

	ioc := map[string]string{}
	if !req.NotionalUSD.IsZero() {
		ioc["quote_size"] = req.NotionalUSD.RoundDown(2).String()
	} else {
		ioc["base_size"] = req.Qty.String()
	}
	body := map[string]any{
		"client_order_id": req.ClientID,
		"product_id":      req.Symbol,
		"side":            string(req.Side),
		"order_configuration": map[string]any{
			"market_market_ioc": ioc,
		},
	}

	path := "/api/v3/brokerage/orders"
	var result struct {
		Success bool `json:"success"`
		Order   struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		Err struct {
			Error        string `json:"error"`
			ErrorDetails string `json:"error_details"`
		} `json:"error_response"`
	}
	r, err := c.request(ctx, "orders", http.MethodPost, path)
	if err != nil {
		return nil, err
	}
	r.SetBody(body).SetResult(&result)
	if _, err := c.do(ctx, r, http.MethodPost, path, req.Symbol); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, classifyReject("coinbase", req.Symbol, result.Err.Error+" "+result.Err.ErrorDetails)
	}

	order, err := c.fetchOrder(ctx, result.Order.OrderID, req)
	if err != nil {
		return nil, err
	}
	c.cache.Invalidate("accounts")
	if err := c.registry.Record(order); err != nil {
		c.logger.Error().Err(err).Msg("record order")
	}
	return order, nil
}

// fetchOrder polls the placed order briefly until it reaches a terminal
// state, then normalizes it. Market IOC orders settle within a second or two.
func (c *Coinbase) fetchOrder(ctx context.Context, orderID string, req MarketOrderReq) (*types.Order, error) {
	path := "/api/v3/brokerage/orders/historical/" + orderID
	for attempt := 0; attempt < 5; attempt++ {
		var result struct {
			Order struct {
				Status         string `json:"status"`
				FilledSize     string `json:"filled_size"`
				AvgFilledPrice string `json:"average_filled_price"`
				FilledValue    string `json:"filled_value"`
				TotalFees      string `json:"total_fees"`
			} `json:"order"`
		}
		r, err := c.request(ctx, "orders", http.MethodGet, path)
		if err != nil {
			return nil, err
		}
		r.SetResult(&result)
		if _, err := c.do(ctx, r, http.MethodGet, path, req.Symbol); err != nil {
			return nil, err
		}

		state := types.OrderPending
		switch result.Order.Status {
		case "FILLED":
			state = types.OrderFilled
		case "CANCELLED", "EXPIRED":
			state = types.OrderCancelled
		case "FAILED":
			state = types.OrderRejected
		}
		if state != types.OrderPending {
			filled, _ := decimal.NewFromString(result.Order.FilledSize)
			avg, _ := decimal.NewFromString(result.Order.AvgFilledPrice)
			notional, _ := decimal.NewFromString(result.Order.FilledValue)
			fee, _ := decimal.NewFromString(result.Order.TotalFees)
			return &types.Order{
				ID: orderID, ClientID: req.ClientID, Symbol: req.Symbol,
				Side: req.Side, Qty: filled, FilledQty: filled, AvgPrice: avg,
				Notional: notional, Fee: fee, State: state, CreatedAt: time.Now(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return &types.Order{
		ID: orderID, ClientID: req.ClientID, Symbol: req.Symbol,
		Side: req.Side, State: types.OrderPending, CreatedAt: time.Now(),
	}, nil
}

func (c *Coinbase) Cancel(ctx context.Context, orderRef string) error {
	path := "/api/v3/brokerage/orders/batch_cancel"
	r, err := c.request(ctx, "orders", http.MethodPost, path)
	if err != nil {
		return err
	}
	r.SetBody(map[string]any{"order_ids": []string{orderRef}})
	_, err = c.do(ctx, r, http.MethodPost, path, "")
	return err
}
