package exchange

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
)

// BinanceSpot adapts the go-binance spot client to the Port contract.
// Symbols cross the boundary in "BASE/QUOTE" form and are flattened to the
// exchange's bare form at the call site.
type BinanceSpot struct {
	client  *binance.Client
	limiter *rate.Limiter
	log     *logrus.Entry
}

func NewBinanceSpot(cred *Credential) *BinanceSpot {
	var apiKey, secret string
	if cred != nil {
		apiKey = cred.APIKey
		secret = cred.Secret
	}
	c := binance.NewClient(apiKey, secret)
	c.HTTPClient.Timeout = restTimeout
	return &BinanceSpot{
		client:  c,
		limiter: rate.NewLimiter(rate.Limit(8), 16),
		log:     logrus.WithField("exchange", "binance"),
	}
}

func flatSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1022, -2008, -2014, -2015:
			return &Error{Kind: KindAuth, Op: op, Err: err}
		case -1003, -1015:
			return &Error{Kind: KindRateLimit, Op: op, Err: err}
		case -1121, -1100:
			return &Error{Kind: KindMarket, Op: op, Err: err}
		}
		return &Error{Kind: KindMarket, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func (b *BinanceSpot) LoadMarkets(ctx context.Context) (map[string]MarketInfo, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classify("load_markets", err)
	}
	markets := make(map[string]MarketInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		sym := s.BaseAsset + "/" + s.QuoteAsset
		markets[sym] = MarketInfo{
			Symbol:         sym,
			Active:         s.Status == "TRADING",
			Base:           s.BaseAsset,
			Quote:          s.QuoteAsset,
			PricePrecision: s.QuotePrecision,
			QtyPrecision:   s.BaseAssetPrecision,
		}
	}
	return markets, nil
}

func (b *BinanceSpot) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return market.Ticker{}, err
	}
	prices, err := b.client.NewListPricesService().Symbol(flatSymbol(symbol)).Do(ctx)
	if err != nil {
		return market.Ticker{}, classify("fetch_ticker", err)
	}
	if len(prices) == 0 {
		return market.Ticker{}, &Error{Kind: KindMarket, Op: "fetch_ticker", Err: ErrSymbolNotFound}
	}
	last, _ := strconv.ParseFloat(prices[0].Price, 64)
	return market.Ticker{Last: last, Ts: time.Now().UTC()}, nil
}

func (b *BinanceSpot) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	klines, err := b.client.NewKlinesService().
		Symbol(flatSymbol(symbol)).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify("fetch_ohlcv", err)
	}
	candles := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, market.Candle{
			Ts:     time.UnixMilli(k.OpenTime).UTC(),
			Open:   parseF(k.Open),
			High:   parseF(k.High),
			Low:    parseF(k.Low),
			Close:  parseF(k.Close),
			Volume: parseF(k.Volume),
		})
	}
	return candles, nil
}

func (b *BinanceSpot) WatchTicker(ctx context.Context, symbol string, h func(market.Ticker)) error {
	handler := func(event *binance.WsMarketStatEvent) {
		last := parseF(event.LastPrice)
		if last <= 0 {
			return
		}
		h(market.Ticker{Last: last, Ts: time.UnixMilli(event.Time).UTC()})
	}
	var wsErr error
	errHandler := func(err error) {
		wsErr = err
	}
	doneC, stopC, err := binance.WsMarketStatServe(flatSymbol(symbol), handler, errHandler)
	if err != nil {
		return classify("watch_ticker", err)
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		if wsErr != nil {
			return classify("watch_ticker", wsErr)
		}
		return &Error{Kind: KindNetwork, Op: "watch_ticker", Err: errors.New("stream closed by server")}
	}
}

func (b *BinanceSpot) WatchOHLCV(ctx context.Context, symbol, timeframe string, h func(market.Candle)) error {
	handler := func(event *binance.WsKlineEvent) {
		k := event.Kline
		h(market.Candle{
			Ts:     time.UnixMilli(k.StartTime).UTC(),
			Open:   parseF(k.Open),
			High:   parseF(k.High),
			Low:    parseF(k.Low),
			Close:  parseF(k.Close),
			Volume: parseF(k.Volume),
		})
	}
	var wsErr error
	errHandler := func(err error) {
		wsErr = err
	}
	doneC, stopC, err := binance.WsKlineServe(flatSymbol(symbol), timeframe, handler, errHandler)
	if err != nil {
		return classify("watch_ohlcv", err)
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		if wsErr != nil {
			return classify("watch_ohlcv", wsErr)
		}
		return &Error{Kind: KindNetwork, Op: "watch_ohlcv", Err: errors.New("stream closed by server")}
	}
}

func (b *BinanceSpot) CreateOrder(ctx context.Context, symbol string, side trade.Side, qty float64, price float64) (Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return Order{}, err
	}
	sideType := binance.SideTypeBuy
	if side == trade.SideSell {
		sideType = binance.SideTypeSell
	}
	res, err := b.client.NewCreateOrderService().
		Symbol(flatSymbol(symbol)).
		Side(sideType).
		Type(binance.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return Order{}, classify("create_order", err)
	}

	filled := parseF(res.ExecutedQuantity)
	avg := price
	if len(res.Fills) > 0 {
		var notional, fillQty float64
		for _, f := range res.Fills {
			p, q := parseF(f.Price), parseF(f.Quantity)
			notional += p * q
			fillQty += q
		}
		if fillQty > 0 {
			avg = notional / fillQty
		}
	}
	return Order{
		ID:           strconv.FormatInt(res.OrderID, 10),
		Symbol:       symbol,
		Side:         side,
		AvgFillPrice: avg,
		FilledQty:    filled,
	}, nil
}

func (b *BinanceSpot) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify("fetch_balance", err)
	}
	balances := make(map[string]Balance, len(account.Balances))
	for _, bal := range account.Balances {
		free, locked := parseF(bal.Free), parseF(bal.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		balances[bal.Asset] = Balance{Free: free, Used: locked, Total: free + locked}
	}
	return balances, nil
}

func (b *BinanceSpot) Close() error { return nil }

// BinanceFutures is the USD-M futures variant of the same port.
type BinanceFutures struct {
	client  *futures.Client
	limiter *rate.Limiter
	log     *logrus.Entry
}

func NewBinanceFutures(cred *Credential) *BinanceFutures {
	var apiKey, secret string
	if cred != nil {
		apiKey = cred.APIKey
		secret = cred.Secret
	}
	c := futures.NewClient(apiKey, secret)
	c.HTTPClient.Timeout = restTimeout
	return &BinanceFutures{
		client:  c,
		limiter: rate.NewLimiter(rate.Limit(8), 16),
		log:     logrus.WithField("exchange", "binance-futures"),
	}
}

func (b *BinanceFutures) LoadMarkets(ctx context.Context) (map[string]MarketInfo, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classify("load_markets", err)
	}
	markets := make(map[string]MarketInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		sym := s.BaseAsset + "/" + s.QuoteAsset
		markets[sym] = MarketInfo{
			Symbol:         sym,
			Active:         s.Status == "TRADING",
			Base:           s.BaseAsset,
			Quote:          s.QuoteAsset,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
		}
	}
	return markets, nil
}

func (b *BinanceFutures) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return market.Ticker{}, err
	}
	prices, err := b.client.NewListPricesService().Symbol(flatSymbol(symbol)).Do(ctx)
	if err != nil {
		return market.Ticker{}, classify("fetch_ticker", err)
	}
	if len(prices) == 0 {
		return market.Ticker{}, &Error{Kind: KindMarket, Op: "fetch_ticker", Err: ErrSymbolNotFound}
	}
	last, _ := strconv.ParseFloat(prices[0].Price, 64)
	return market.Ticker{Last: last, Ts: time.Now().UTC()}, nil
}

func (b *BinanceFutures) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	klines, err := b.client.NewKlinesService().
		Symbol(flatSymbol(symbol)).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classify("fetch_ohlcv", err)
	}
	candles := make([]market.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, market.Candle{
			Ts:     time.UnixMilli(k.OpenTime).UTC(),
			Open:   parseF(k.Open),
			High:   parseF(k.High),
			Low:    parseF(k.Low),
			Close:  parseF(k.Close),
			Volume: parseF(k.Volume),
		})
	}
	return candles, nil
}

func (b *BinanceFutures) WatchTicker(ctx context.Context, symbol string, h func(market.Ticker)) error {
	handler := func(event *futures.WsMarketTickerEvent) {
		last := parseF(event.ClosePrice)
		if last <= 0 {
			return
		}
		h(market.Ticker{Last: last, Ts: time.UnixMilli(event.Time).UTC()})
	}
	var wsErr error
	errHandler := func(err error) {
		wsErr = err
	}
	doneC, stopC, err := futures.WsMarketTickerServe(flatSymbol(symbol), handler, errHandler)
	if err != nil {
		return classify("watch_ticker", err)
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		if wsErr != nil {
			return classify("watch_ticker", wsErr)
		}
		return &Error{Kind: KindNetwork, Op: "watch_ticker", Err: errors.New("stream closed by server")}
	}
}

func (b *BinanceFutures) WatchOHLCV(ctx context.Context, symbol, timeframe string, h func(market.Candle)) error {
	handler := func(event *futures.WsKlineEvent) {
		k := event.Kline
		h(market.Candle{
			Ts:     time.UnixMilli(k.StartTime).UTC(),
			Open:   parseF(k.Open),
			High:   parseF(k.High),
			Low:    parseF(k.Low),
			Close:  parseF(k.Close),
			Volume: parseF(k.Volume),
		})
	}
	var wsErr error
	errHandler := func(err error) {
		wsErr = err
	}
	doneC, stopC, err := futures.WsKlineServe(flatSymbol(symbol), timeframe, handler, errHandler)
	if err != nil {
		return classify("watch_ohlcv", err)
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		if wsErr != nil {
			return classify("watch_ohlcv", wsErr)
		}
		return &Error{Kind: KindNetwork, Op: "watch_ohlcv", Err: errors.New("stream closed by server")}
	}
}

func (b *BinanceFutures) CreateOrder(ctx context.Context, symbol string, side trade.Side, qty float64, price float64) (Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return Order{}, err
	}
	sideType := futures.SideTypeBuy
	if side == trade.SideSell {
		sideType = futures.SideTypeSell
	}
	res, err := b.client.NewCreateOrderService().
		Symbol(flatSymbol(symbol)).
		Side(sideType).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return Order{}, classify("create_order", err)
	}
	avg := parseF(res.AvgPrice)
	if avg <= 0 {
		avg = price
	}
	return Order{
		ID:           strconv.FormatInt(res.OrderID, 10),
		Symbol:       symbol,
		Side:         side,
		AvgFillPrice: avg,
		FilledQty:    parseF(res.ExecutedQuantity),
	}, nil
}

func (b *BinanceFutures) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	list, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, classify("fetch_balance", err)
	}
	balances := make(map[string]Balance, len(list))
	for _, bal := range list {
		total := parseF(bal.Balance)
		free := parseF(bal.AvailableBalance)
		if total == 0 {
			continue
		}
		balances[bal.Asset] = Balance{Free: free, Used: total - free, Total: total}
	}
	return balances, nil
}

func (b *BinanceFutures) Close() error { return nil }

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
