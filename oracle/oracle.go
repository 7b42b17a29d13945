// Package oracle polls an external price feed and pushes marks into the
// engine. The feed is advisory for risk only; trade prices never come from
// here.
package oracle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/go-resty/resty/v2"

	"github.com/openalpha/simperp/events"
)

// staleAfter is how many consecutive failed polls mark a feed stale.
const staleAfter = 3

// PriceSink receives fresh marks. Implemented by the perp keeper.
type PriceSink interface {
	SetOraclePrice(symbol string, price math.LegacyDec, ts time.Time) error
}

// Config points the poller at a feed.
type Config struct {
	BaseURL  string
	APIKey   string
	Interval time.Duration     // poll period, default 15s
	Symbols  map[string]string // market symbol -> feed instrument id
}

// quoteResponse is the feed's wire format.
type quoteResponse struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// Poller fetches quotes for every configured market on a fixed period. A
// failed poll keeps the previous mark; after staleAfter consecutive failures
// the feed is flagged stale to subscribers.
type Poller struct {
	logger   log.Logger
	http     *resty.Client
	sink     PriceSink
	events   events.Publisher
	cfg      Config
	failures map[string]int
}

// NewPoller creates a poller. Symbols with an empty instrument id are
// skipped.
func NewPoller(logger log.Logger, cfg Config, sink PriceSink, pub events.Publisher) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Poller{
		logger:   logger.With("module", "oracle"),
		http:     client,
		sink:     sink,
		events:   pub,
		cfg:      cfg,
		failures: make(map[string]int),
	}
}

// Run polls until ctx is done. The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	for symbol, instrument := range p.cfg.Symbols {
		if instrument == "" {
			continue
		}
		if err := p.poll(ctx, symbol, instrument); err != nil {
			p.failures[symbol]++
			p.logger.Warn("oracle poll failed", "symbol", symbol, "failures", p.failures[symbol], "err", err)
			if p.failures[symbol] == staleAfter {
				p.events.Publish(events.PriceTopic(symbol), events.TypeOracleStale, map[string]any{
					"symbol":    symbol,
					"timestamp": time.Now().UnixMilli(),
				})
			}
			continue
		}
		p.failures[symbol] = 0
	}
}

func (p *Poller) poll(ctx context.Context, symbol, instrument string) error {
	var quote quoteResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", instrument).
		SetResult(&quote).
		Get("/v1/quote")
	if err != nil {
		return fmt.Errorf("get quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("get quote: status %d: %s", resp.StatusCode(), resp.String())
	}
	price, err := math.LegacyNewDecFromStr(quote.Price)
	if err != nil {
		return fmt.Errorf("parse price %q: %w", quote.Price, err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("non-positive price %s", price)
	}
	ts := time.Now()
	if quote.Timestamp > 0 {
		ts = time.UnixMilli(quote.Timestamp)
	}
	return p.sink.SetOraclePrice(symbol, price, ts)
}
