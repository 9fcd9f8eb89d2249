package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"arbiter/internal/model"
	"arbiter/internal/stats"
)

// tickerFrame is the wire format published on the price channels.
type tickerFrame struct {
	Symbol        string  `json:"symbol"`
	Exchange      string  `json:"exchange"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	Last          float64 `json:"last"`
	Volume        float64 `json:"volume"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Open          float64 `json:"open"`
	Close         float64 `json:"close"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Timestamp     int64   `json:"timestamp"` // milliseconds since epoch
}

// RedisSubscriber consumes ticker frames from the pub/sub channels
// price:{venue}:{symbol}, ticker:{venue}, and market:* and feeds them into
// the processor.
type RedisSubscriber struct {
	logger    *slog.Logger
	client    *redis.Client
	processor *Processor
	stats     *stats.Statistics
	channels  []string
}

// NewRedisSubscriber wires a subscriber onto an existing client. Channel
// patterns default to the full price/ticker/market set when none are given.
func NewRedisSubscriber(logger *slog.Logger, client *redis.Client, processor *Processor, st *stats.Statistics, channels []string) *RedisSubscriber {
	if len(channels) == 0 {
		channels = []string{"price:*", "ticker:*", "market:*"}
	}
	return &RedisSubscriber{
		logger:    logger,
		client:    client,
		processor: processor,
		stats:     st,
		channels:  channels,
	}
}

// Run subscribes and pumps messages until the context is canceled. Connection
// drops are retried with a capped backoff.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("redis subscriber shutting down")
			return nil
		default:
		}

		sub := s.client.PSubscribe(ctx, s.channels...)
		s.logger.Info("redis subscriber connected", "channels", s.channels)
		err := s.consume(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Error("redis subscription lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 16*time.Second {
				backoff = 16 * time.Second
			}
		}
	}
}

func (s *RedisSubscriber) consume(ctx context.Context, sub *redis.PubSub) error {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			s.handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (s *RedisSubscriber) handle(channel string, payload []byte) {
	var frame tickerFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		s.stats.ParseError()
		s.logger.Warn("invalid ticker frame", "channel", channel, "error", err)
		return
	}
	if frame.Symbol == "" || frame.Exchange == "" {
		s.stats.ParseError()
		s.logger.Warn("ticker frame missing required fields", "channel", channel)
		return
	}

	t := model.Ticker{
		Venue:     frame.Exchange,
		Symbol:    frame.Symbol,
		Bid:       decimal.NewFromFloat(frame.Bid),
		Ask:       decimal.NewFromFloat(frame.Ask),
		Last:      decimal.NewFromFloat(frame.Last),
		Volume24h: decimal.NewFromFloat(frame.Volume),
		High:      decimal.NewFromFloat(frame.High),
		Low:       decimal.NewFromFloat(frame.Low),
		At:        time.UnixMilli(frame.Timestamp),
	}
	if frame.Timestamp == 0 {
		t.At = time.Now()
	}

	// Validation failures are already counted by the processor.
	_ = s.processor.Submit(t)
}
