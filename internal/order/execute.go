package order

import (
	"context"
	"fmt"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/observability/metrics"
	"MCP-Trader/internal/storage"
	"MCP-Trader/internal/trading"
	"MCP-Trader/pkg/logger"
)

// SimulationPrice is used when a simulated order cannot be quoted.
const SimulationPrice = 1000.0

const simPrefix = "sim-"

// Execute runs one request through validation and then either the
// simulator or the live submit/confirm path. Failures come back as an error
// Result, never as a Go error.
func (m *Manager) Execute(ctx context.Context, conversationID string, req Request) Result {
	if err := m.Validate(ctx, req); err != nil {
		m.logger.Info().Err(err).Str("conversation_id", conversationID).Str("ticker", req.Ticker).Msg("trade request rejected")
		return errorResult(err, m.now())
	}
	if req.Action == ActionHold {
		return Result{Status: ResultHold, Message: "no trade requested", Timestamp: stamp(m.now())}
	}
	if m.opts.SimulationMode {
		return m.Simulate(ctx, conversationID, req)
	}
	res, err := m.Submit(ctx, conversationID, req)
	if err != nil {
		m.alert(ctx, err, conversationID, "")
		return errorResult(err, m.now())
	}
	return res
}

// Simulate fills the order against the current quote without touching the
// venue. Limit orders that would not cross stay pending.
func (m *Manager) Simulate(ctx context.Context, conversationID string, req Request) Result {
	orderID := simPrefix + m.newID()
	price := SimulationPrice
	if m.api != nil {
		if q, err := m.api.Quote(ctx, req.Ticker); err == nil && q.Price.Current > 0 {
			price = q.Price.Current
		} else if err != nil {
			m.logger.Debug().Err(err).Str("ticker", req.Ticker).Msg("simulation quote failed, using fixed price")
		}
	}
	now := m.now()

	execPrice := price
	if req.IsLimit() {
		limit := *req.LimitPrice
		var msg string
		switch {
		case req.Action == ActionBuy && limit < price:
			msg = "Buy limit order price is below current market price"
		case req.Action == ActionSell && limit > price:
			msg = "Sell limit order price is above current market price"
		}
		if msg != "" {
			res := Result{
				Status:       ResultPending,
				Message:      msg,
				OrderID:      orderID,
				CurrentPrice: floatPtr(price),
				LimitPrice:   floatPtr(limit),
				Simulation:   true,
				Timestamp:    stamp(now),
			}
			m.record(ctx, conversationID, orderID, req, StatusPending, res.Map(), true)
			return res
		}
		execPrice = limit
	}

	res := Result{
		Status:         ResultSuccess,
		OrderID:        orderID,
		Action:         req.Action,
		Ticker:         req.Ticker,
		Quantity:       req.Quantity,
		ExecutionPrice: floatPtr(execPrice),
		TotalAmount:    floatPtr(execPrice * float64(req.Quantity)),
		Simulation:     true,
		Timestamp:      stamp(now),
	}
	m.record(ctx, conversationID, orderID, req, StatusExecuted, res.Map(), true)
	logger.Audit().Info().
		Str("conversation_id", conversationID).
		Str("order_id", orderID).
		Str("action", req.Action).
		Str("ticker", req.Ticker).
		Int64("quantity", req.Quantity).
		Float64("execution_price", execPrice).
		Bool("simulation", true).
		Msg("order executed")
	return res
}

// Submit places a live order. It needs a current quote, then tries
// MaxRetries times with RetryDelay between attempts. An accepted order is
// confirmed, persisted and, unless settled for good, kept active.
func (m *Manager) Submit(ctx context.Context, conversationID string, req Request) (Result, error) {
	quote, err := m.api.Quote(ctx, req.Ticker)
	if err != nil || quote.Price.Current <= 0 {
		return Result{}, xerrors.Wrap(xerrors.CodeQuoteUnavailable, err,
			fmt.Sprintf("Could not fetch current price for %s", req.Ticker))
	}

	side := trading.SideSell
	if req.Action == ActionBuy {
		side = trading.SideBuy
	}
	orderReq := trading.OrderRequest{
		Ticker:        req.Ticker,
		Quantity:      float64(req.Quantity),
		Side:          side,
		OrderType:     trading.TypeMarket,
		ClientOrderID: m.newID(),
	}
	if req.IsLimit() {
		orderReq.OrderType = trading.TypeLimit
		orderReq.LimitPrice = req.LimitPrice
	}

	var placed trading.PlaceResult
	for attempt := 1; ; attempt++ {
		placed, err = m.api.PlaceOrder(ctx, orderReq)
		if err == nil {
			metrics.SubmitAttempts.WithLabelValues("accepted").Inc()
			break
		}
		outcome := "error"
		if xerrors.HasCode(err, xerrors.CodeOrderRejected) {
			outcome = "rejected"
		}
		metrics.SubmitAttempts.WithLabelValues(outcome).Inc()
		m.logger.Warn().Err(err).
			Str("conversation_id", conversationID).
			Str("ticker", req.Ticker).
			Int("attempt", attempt).
			Int("max_retries", m.opts.MaxRetries).
			Msg("order placement failed")

		if attempt >= m.opts.MaxRetries {
			if outcome == "rejected" {
				return Result{}, err
			}
			if !xerrors.HasCode(err, xerrors.CodeTransport) {
				err = xerrors.Wrap(xerrors.CodeTransport, err, "place order")
			}
			return Result{}, err
		}
		if werr := m.sleep(ctx, m.opts.RetryDelay); werr != nil {
			return Result{}, xerrors.Wrap(xerrors.CodeTransport, werr, "place order interrupted")
		}
	}

	status := m.Confirm(ctx, placed.OrderID)
	st := Status(status.Status)
	m.record(ctx, conversationID, placed.OrderID, req, st, status.Raw, false)
	if !st.Terminal() {
		m.active.add(placed.OrderID, conversationID, st)
		metrics.ActiveOrders.Set(float64(m.active.len()))
	}
	logger.Audit().Info().
		Str("conversation_id", conversationID).
		Str("order_id", placed.OrderID).
		Str("client_order_id", orderReq.ClientOrderID).
		Str("action", req.Action).
		Str("ticker", req.Ticker).
		Int64("quantity", req.Quantity).
		Str("order_status", status.Status).
		Msg("order placed")

	res := Result{
		Status:      ResultSuccess,
		OrderID:     placed.OrderID,
		OrderStatus: status.Raw,
		Timestamp:   stamp(m.now()),
	}
	if status.ExecutionPrice > 0 {
		res.ExecutionPrice = floatPtr(status.ExecutionPrice)
		res.TotalAmount = floatPtr(status.ExecutionPrice * float64(req.Quantity))
	}
	return res, nil
}

// Confirm polls the order up to ConfirmChecks times, stopping early once it
// is settled, then does one final fetch. If that fails the status is
// unknown.
func (m *Manager) Confirm(ctx context.Context, orderID string) trading.OrderStatus {
	for i := 0; i < m.opts.ConfirmChecks; i++ {
		st, err := m.api.OrderStatus(ctx, orderID)
		if err == nil && trading.Settled(st.Status) {
			return withRaw(st)
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("order_id", orderID).Msg("order status check failed")
		}
		if i < m.opts.ConfirmChecks-1 {
			if werr := m.sleep(ctx, m.opts.ConfirmInterval); werr != nil {
				break
			}
		}
	}
	st, err := m.api.OrderStatus(ctx, orderID)
	if err != nil {
		m.logger.Warn().Err(err).Str("order_id", orderID).Msg("final order status check failed")
		return trading.OrderStatus{
			OrderID: orderID,
			Status:  string(StatusUnknown),
			Raw:     map[string]any{"status": string(StatusUnknown), "order_id": orderID},
		}
	}
	return withRaw(st)
}

func withRaw(st trading.OrderStatus) trading.OrderStatus {
	if st.Raw == nil {
		st.Raw = map[string]any{"status": st.Status, "order_id": st.OrderID}
		if st.ExecutionPrice > 0 {
			st.Raw["execution_price"] = st.ExecutionPrice
		}
	}
	return st
}

func (m *Manager) record(ctx context.Context, conversationID, orderID string, req Request, st Status, result map[string]any, simulation bool) {
	metrics.OrdersByStatus.WithLabelValues(string(st), mode(simulation)).Inc()
	now := m.now()
	err := m.records.PutOrder(ctx, storage.OrderRecord{
		OrderID:        orderID,
		ConversationID: conversationID,
		Request:        req.Map(),
		Status:         string(st),
		Result:         result,
		Simulation:     simulation,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		m.storageFailed(ctx, "put_order", err, conversationID, orderID)
	}
}
