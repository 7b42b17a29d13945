package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	sdkerrors "cosmossdk.io/errors"
	"cosmossdk.io/math"

	"github.com/openalpha/simperp/candle"
	clobkeeper "github.com/openalpha/simperp/clob/keeper"
	clobtypes "github.com/openalpha/simperp/clob/types"
	perptypes "github.com/openalpha/simperp/perp/types"
)

// ============ auth ============

type loginRequest struct {
	Address string `json:"address"`
	ChainID int64  `json:"chainId"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "address is required")
		return
	}
	token, expires, err := s.auth.IssueToken(req.Address, req.ChainID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}
	s.perp.GetOrCreateUser(req.Address, req.ChainID)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"address":    req.Address,
		"expires_at": expires.UnixMilli(),
	})
}

// ============ market data ============

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.perp.ListMarkets()
	out := make([]map[string]any, 0, len(markets))
	for _, m := range markets {
		out = append(out, marketPayload(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, "/v1/markets/")
	m := s.perp.GetMarket(symbol)
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown market "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, marketPayload(m))
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, "/v1/orderbook/")
	levels := queryInt(r, "levels", 50)
	snap := s.clob.Depth(symbol, levels)
	if snap == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown market "+symbol)
		return
	}
	bids := make([][2]string, len(snap.Bids))
	for i, l := range snap.Bids {
		bids[i] = [2]string{l.Price.String(), l.Quantity.String()}
	}
	asks := make([][2]string, len(snap.Asks))
	for i, l := range snap.Asks {
		asks[i] = [2]string{l.Price.String(), l.Quantity.String()}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    snap.MarketSymbol,
		"bids":      bids,
		"asks":      asks,
		"timestamp": snap.Timestamp.UnixMilli(),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, "/v1/trades/")
	limit := queryInt(r, "limit", 100)
	trades := s.clob.RecentTrades(symbol, limit)
	out := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]any{
			"trade_id":  t.TradeID,
			"price":     t.Price.String(),
			"quantity":  t.Quantity.String(),
			"side":      t.Side.String(),
			"timestamp": t.Timestamp.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "trades": out})
}

// handleCandles serves /v1/candles/{symbol}/{interval}?from=&to=&limit=.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/candles/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, "invalid_request", "use /v1/candles/{symbol}/{interval}")
		return
	}
	symbol := parts[0]
	iv, ok := candle.ParseInterval(parts[1])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_interval", "unsupported interval "+parts[1])
		return
	}
	var from, to time.Time
	if v := queryInt64(r, "from", 0); v > 0 {
		from = time.Unix(v, 0).UTC()
	}
	if v := queryInt64(r, "to", 0); v > 0 {
		to = time.Unix(v, 0).UTC()
	}
	limit := queryInt(r, "limit", 500)

	candles := s.candles.History(symbol, iv, from, to, limit)
	out := make([][]any, 0, len(candles))
	for _, c := range candles {
		out = append(out, []any{
			c.BucketStart.Unix(), c.Open.String(), c.High.String(),
			c.Low.String(), c.Close.String(), c.Volume.String(), c.Trades,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":   symbol,
		"interval": string(iv),
		"candles":  out,
	})
}

// handleTicker aggregates a 24h rolling summary from the 1m series.
func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimPrefix(r.URL.Path, "/v1/ticker/")
	m := s.perp.GetMarket(symbol)
	if m == nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown market "+symbol)
		return
	}
	now := time.Now()
	window := s.candles.History(symbol, candle.Interval1m, now.Add(-24*time.Hour), time.Time{}, 0)

	last := math.LegacyZeroDec()
	high := math.LegacyZeroDec()
	low := math.LegacyZeroDec()
	volume := math.LegacyZeroDec()
	open := math.LegacyZeroDec()
	for i, c := range window {
		if i == 0 {
			open = c.Open
			low = c.Low
		}
		if c.High.GT(high) {
			high = c.High
		}
		if c.Low.LT(low) {
			low = c.Low
		}
		volume = volume.Add(c.Volume)
		last = c.Close
	}
	change := math.LegacyZeroDec()
	if open.IsPositive() {
		change = last.Sub(open).Quo(open)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":       symbol,
		"last_price":   last.String(),
		"oracle_price": m.OraclePrice.String(),
		"high_24h":     high.String(),
		"low_24h":      low.String(),
		"volume_24h":   volume.String(),
		"change_24h":   change.String(),
		"timestamp":    now.UnixMilli(),
	})
}

// ============ trading ============

type submitOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity"`
	Leverage      string `json:"leverage"`
	PostOnly      bool   `json:"postOnly,omitempty"`
	ReduceOnly    bool   `json:"reduceOnly,omitempty"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request, address string) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitOrder(w, r, address)
	case http.MethodGet:
		symbol := r.URL.Query().Get("symbol")
		orders := s.clob.OpenOrders(address, symbol)
		out := make([]map[string]any, 0, len(orders))
		for _, o := range orders {
			out = append(out, orderResponse(o))
		}
		writeJSON(w, http.StatusOK, map[string]any{"orders": out})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or POST")
	}
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request, address string) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	price := math.LegacyZeroDec()
	if req.Price != "" {
		p, err := math.LegacyNewDecFromStr(req.Price)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_price", "cannot parse price")
			return
		}
		price = p
	}
	quantity, err := math.LegacyNewDecFromStr(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_quantity", "cannot parse quantity")
		return
	}
	leverage := math.LegacyOneDec()
	if req.Leverage != "" {
		l, err := math.LegacyNewDecFromStr(req.Leverage)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_leverage", "cannot parse leverage")
			return
		}
		leverage = l
	}

	result, err := s.clob.SubmitOrder(clobkeeper.SubmitRequest{
		Address:       address,
		ClientOrderID: req.ClientOrderID,
		MarketSymbol:  req.Symbol,
		Side:          clobtypes.SideFromString(req.Side),
		OrderType:     clobtypes.OrderTypeFromString(req.Type),
		Price:         price,
		Quantity:      quantity,
		Leverage:      leverage,
		PostOnly:      req.PostOnly,
		ReduceOnly:    req.ReduceOnly,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.collector.OrdersTotal.WithLabelValues(req.Symbol, req.Side, req.Type, result.Order.Status.String()).Inc()

	trades := make([]map[string]any, 0, len(result.Trades))
	for _, t := range result.Trades {
		trades = append(trades, map[string]any{
			"trade_id": t.TradeID,
			"price":    t.Price.String(),
			"quantity": t.Quantity.String(),
		})
		s.collector.TradesTotal.WithLabelValues(t.MarketSymbol).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":              orderResponse(result.Order),
		"trades":             trades,
		"residual_cancelled": result.ResidualCancelled,
	})
}

func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request, address string) {
	orderID := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
	switch r.Method {
	case http.MethodGet:
		o := s.clob.GetOrder(orderID)
		if o == nil || o.Address != address {
			writeError(w, http.StatusNotFound, "not_found", "unknown order")
			return
		}
		writeJSON(w, http.StatusOK, orderResponse(o))
	case http.MethodDelete:
		o, err := s.clob.CancelOrder(address, orderID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, orderResponse(o))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
	}
}

// handleOrderHistory serves the caller's settled orders from the store,
// newest first.
func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request, address string) {
	out := make([]map[string]any, 0)
	if s.history != nil {
		orders, err := s.history.LoadOrderHistory(address, r.URL.Query().Get("symbol"), queryInt(r, "limit", 100))
		if err != nil {
			s.logger.Error("load order history", "address", address, "err", err)
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "history unavailable")
			return
		}
		for _, o := range orders {
			out = append(out, orderResponse(o))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// handleTradeHistory serves trades the caller took part in on either side.
func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request, address string) {
	out := make([]map[string]any, 0)
	if s.history != nil {
		trades, err := s.history.LoadTradeHistory(address, r.URL.Query().Get("symbol"), queryInt(r, "limit", 100))
		if err != nil {
			s.logger.Error("load trade history", "address", address, "err", err)
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "history unavailable")
			return
		}
		for _, t := range trades {
			role := "taker"
			if t.MakerAddress == address {
				role = "maker"
			}
			out = append(out, map[string]any{
				"trade_id":  t.TradeID,
				"symbol":    t.MarketSymbol,
				"price":     t.Price.String(),
				"quantity":  t.Quantity.String(),
				"side":      t.Side.String(),
				"role":      role,
				"timestamp": t.Timestamp.UnixMilli(),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": out})
}

// ============ account ============

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request, address string) {
	positions := s.perp.ListPositions(address)
	out := make([]map[string]any, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// handlePositionBySymbol serves GET /v1/positions/{symbol} and
// POST /v1/positions/{symbol}/close.
func (s *Server) handlePositionBySymbol(w http.ResponseWriter, r *http.Request, address string) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/positions/")
	if symbol, ok := strings.CutSuffix(rest, "/close"); ok {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		result, err := s.clob.ClosePosition(address, symbol)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		trades := make([]map[string]any, 0, len(result.Trades))
		for _, t := range result.Trades {
			trades = append(trades, map[string]any{
				"trade_id": t.TradeID,
				"price":    t.Price.String(),
				"quantity": t.Quantity.String(),
			})
			s.collector.TradesTotal.WithLabelValues(t.MarketSymbol).Inc()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"order":              orderResponse(result.Order),
			"trades":             trades,
			"residual_cancelled": result.ResidualCancelled,
		})
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	p := s.perp.GetPosition(address, rest)
	if p == nil {
		writeError(w, http.StatusNotFound, "not_found", "no open position in "+rest)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse(p))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, address string) {
	b := s.perp.GetBalance(address)
	writeJSON(w, http.StatusOK, map[string]any{
		"address":       b.Address,
		"free":          b.Free.String(),
		"locked":        b.Locked.String(),
		"equity":        b.Equity().String(),
		"total_credits": b.TotalCredits.String(),
		"total_debits":  b.TotalDebits.String(),
		"updated_at":    b.UpdatedAt.UnixMilli(),
	})
}

func (s *Server) handleFaucetClaim(w http.ResponseWriter, r *http.Request, address string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	change, status, err := s.perp.Claim(address)
	if err != nil {
		if sdkerrors.IsOf(err, perptypes.ErrRateLimited) && status != nil {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":            "rate_limited",
				"message":          "faucet cooldown active",
				"next_eligible_at": status.NextEligibleAt.UnixMilli(),
			})
			return
		}
		s.writeEngineError(w, err)
		return
	}
	s.collector.FaucetClaims.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"amount":     change.Amount.String(),
		"free_after": change.FreeAfter.String(),
		"claims":     status.ClaimsUsed,
		"allowed":    status.ClaimsAllowed,
	})
}

func (s *Server) handleFaucetStatus(w http.ResponseWriter, r *http.Request, address string) {
	st := s.perp.FaucetStatusFor(address)
	writeJSON(w, http.StatusOK, map[string]any{
		"eligible":         st.Eligible,
		"amount":           st.Amount.String(),
		"next_eligible_at": st.NextEligibleAt.UnixMilli(),
		"claims_used":      st.ClaimsUsed,
		"claims_allowed":   st.ClaimsAllowed,
	})
}

// ============ helpers ============

// writeEngineError maps keeper errors to HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case sdkerrors.IsOf(err, clobtypes.ErrOrderNotFound, perptypes.ErrMarketNotFound, perptypes.ErrPositionNotFound, perptypes.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case sdkerrors.IsOf(err, clobtypes.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case sdkerrors.IsOf(err, perptypes.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case sdkerrors.IsOf(err, perptypes.ErrMarketPaused):
		writeError(w, http.StatusServiceUnavailable, "market_paused", err.Error())
	case sdkerrors.IsOf(err, perptypes.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "rejected", err.Error())
	}
}

func marketPayload(m *perptypes.Market) map[string]any {
	return map[string]any{
		"symbol":            m.Symbol,
		"base_asset":        m.BaseAsset,
		"quote_asset":       m.QuoteAsset,
		"tick_size":         m.TickSize.String(),
		"lot_size":          m.LotSize.String(),
		"min_order_size":    m.MinOrderSize.String(),
		"max_order_size":    m.MaxOrderSize.String(),
		"max_leverage":      m.MaxLeverage.String(),
		"initial_margin":    m.InitialMarginRate.String(),
		"maintenance_margin": m.MaintenanceMarginRate.String(),
		"status":            m.Status.String(),
		"oracle_price":      m.OraclePrice.String(),
		"oracle_updated_at": m.OracleUpdatedAt.UnixMilli(),
	}
}

func orderResponse(o *clobtypes.Order) map[string]any {
	return map[string]any{
		"order_id":        o.OrderID,
		"client_order_id": o.ClientOrderID,
		"symbol":          o.MarketSymbol,
		"side":            o.Side.String(),
		"type":            o.OrderType.String(),
		"price":           o.Price.String(),
		"quantity":        o.Quantity.String(),
		"filled":          o.FilledQty.String(),
		"avg_fill_price":  o.AvgFillPrice.String(),
		"leverage":        o.Leverage.String(),
		"post_only":       o.PostOnly,
		"reduce_only":     o.ReduceOnly,
		"status":          o.Status.String(),
		"margin_locked":   o.MarginLocked.String(),
		"created_at":      o.CreatedAt.UnixMilli(),
		"updated_at":      o.UpdatedAt.UnixMilli(),
	}
}

func positionResponse(p *perptypes.Position) map[string]any {
	return map[string]any{
		"position_id":       p.PositionID,
		"symbol":            p.MarketSymbol,
		"side":              p.Side.String(),
		"size":              p.Size.String(),
		"entry_price":       p.AvgEntryPrice.String(),
		"margin":            p.Margin.String(),
		"leverage":          p.Leverage.String(),
		"realized_pnl":      p.RealizedPnl.String(),
		"unrealized_pnl":    p.UnrealizedPnl.String(),
		"liquidation_price": p.LiquidationPrice.String(),
		"status":            p.Status.String(),
		"opened_at":         p.OpenedAt.UnixMilli(),
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func queryInt64(r *http.Request, key string, fallback int64) int64 {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
