package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// BinanceBridge streams the binance 24h ticker over websocket and publishes
// it into the processor, for deployments that want one venue wired directly
// instead of through the redis ingress.
type BinanceBridge struct {
	logger    *slog.Logger
	processor *Processor
	symbol    string // engine symbol, e.g. "BTC/USDT"
}

// NewBinanceBridge creates a bridge for one symbol.
func NewBinanceBridge(logger *slog.Logger, processor *Processor, symbol string) *BinanceBridge {
	return &BinanceBridge{logger: logger, processor: processor, symbol: symbol}
}

// binanceTicker is the subset of the stream payload the engine needs.
type binanceTicker struct {
	Bid    string `json:"b"`
	Ask    string `json:"a"`
	Last   string `json:"c"`
	Volume string `json:"v"`
	High   string `json:"h"`
	Low    string `json:"l"`
	EventT int64  `json:"E"`
}

// Run connects and streams until the context is canceled, reconnecting with
// a capped backoff on any failure.
func (b *BinanceBridge) Run(ctx context.Context) error {
	stream := strings.ToLower(strings.ReplaceAll(b.symbol, "/", ""))
	wsURL := fmt.Sprintf("wss://stream.binance.com:9443/ws/%s@ticker", stream)
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("binance bridge shutting down")
			return nil
		default:
		}

		b.logger.Info("binance bridge connecting", "url", wsURL, "backoff", backoff)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			b.logger.Error("binance bridge connection failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > 16*time.Second {
					backoff = 16 * time.Second
				}
			}
			continue
		}

		backoff = time.Second
		b.logger.Info("binance bridge connected")
		b.readLoop(ctx, conn)
		_ = conn.Close()
	}
}

func (b *BinanceBridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("binance bridge read failed", "error", err)
			}
			return
		}

		var bt binanceTicker
		if err := json.Unmarshal(message, &bt); err != nil {
			b.logger.Warn("binance bridge bad payload", "error", err)
			continue
		}
		t, err := bt.toTicker(b.symbol)
		if err != nil {
			b.logger.Warn("binance bridge bad prices", "error", err)
			continue
		}
		_ = b.processor.Submit(t)
	}
}

func (bt binanceTicker) toTicker(symbol string) (model.Ticker, error) {
	bid, err := decimal.NewFromString(bt.Bid)
	if err != nil {
		return model.Ticker{}, fmt.Errorf("bid: %w", err)
	}
	ask, err := decimal.NewFromString(bt.Ask)
	if err != nil {
		return model.Ticker{}, fmt.Errorf("ask: %w", err)
	}
	last, err := decimal.NewFromString(bt.Last)
	if err != nil {
		return model.Ticker{}, fmt.Errorf("last: %w", err)
	}
	volume, err := decimal.NewFromString(bt.Volume)
	if err != nil {
		return model.Ticker{}, fmt.Errorf("volume: %w", err)
	}
	high, _ := decimal.NewFromString(bt.High)
	low, _ := decimal.NewFromString(bt.Low)

	at := time.UnixMilli(bt.EventT)
	if bt.EventT == 0 {
		at = time.Now()
	}
	return model.Ticker{
		Venue:     "binance",
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Last:      last,
		Volume24h: volume,
		High:      high,
		Low:       low,
		At:        at,
	}, nil
}
