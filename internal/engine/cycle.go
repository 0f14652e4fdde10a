// cycle.go runs one bot's active cycle as a single goroutine.
//
// All cycle state lives inside the runner goroutine; the outside world talks
// to it through the mailbox channel. Execution reports, price ticks, stop
// requests and reconcile triggers are all messages, so the state machine
// never needs a lock.
//
// Lifecycle of a long cycle:
//
//	place base (market) -> base filled -> plan ladder, place active safety
//	rungs + take-profit -> each safety fill re-averages the entry and rotates
//	the take-profit -> take-profit fill cancels the remaining ladder and
//	completes the cycle.
//
// Failures that leave the position unmanageable (take-profit cannot be
// placed after its retry budget) fail the cycle and hand the position to the
// supervisor for liquidation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/internal/config"
	"dcabot/internal/exchange"
	"dcabot/internal/metrics"
	"dcabot/internal/store"
	"dcabot/pkg/types"
)

type phase int

const (
	phaseWaitingEntry phase = iota // price limits gate the base order
	phaseAwaitingBase
	phaseHolding
	phaseClosing
	phaseDone
)

// stopRequest asks the runner to cancel its open orders and shut down.
// Liquidate additionally market-closes the accumulated position.
type stopRequest struct {
	liquidate bool
	abort     bool // mark the cycle aborted (bot stop) vs leaving it active (process shutdown)
	reply     chan StopResult
}

// StopResult summarizes what a stop did.
type StopResult struct {
	CancelledOrders int
	LiquidatedQty   decimal.Decimal
	LiquidatedQuote decimal.Decimal
	Err             error
}

type runnerMsg struct {
	report *types.ExecutionReport
	tick   *types.TickerUpdate
	stop   *stopRequest
}

// hooks are the manager callbacks a runner fires from its own goroutine.
type hooks struct {
	onComplete func(cycle *types.Cycle)
	onFail     func(cycle *types.Cycle, reason string)
	onAbort    func(cycle *types.Cycle, reason string)
}

// Runner owns one active cycle.
type Runner struct {
	bot     *types.Bot
	cycle   *types.Cycle
	gw      Gateway
	store   store.Store
	sink    EventSink
	cfg     config.EngineConfig
	logger  *slog.Logger
	hooks   hooks
	mailbox chan runnerMsg
	resync  chan struct{} // level-triggered reconcile request
	done    chan struct{}

	// Goroutine-private state.
	phase    phase
	filters  types.SymbolFilters
	rungs    []Rung
	tpSeq    int
	tpActive string // client order ID of the resting take-profit, "" if none
	rotating bool   // a take-profit cancel we initiated is in flight

	// Trailing take-profit state.
	armed bool
	peak  decimal.Decimal
}

func newRunner(bot *types.Bot, cycle *types.Cycle, gw Gateway, st store.Store, sink EventSink,
	cfg config.EngineConfig, logger *slog.Logger, h hooks) *Runner {
	size := cfg.MailboxSize
	if size <= 0 {
		size = 64
	}
	return &Runner{
		bot:     bot,
		cycle:   cycle,
		gw:      gw,
		store:   st,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With("component", "cycle", "bot", bot.ID, "cycle", cycle.ID),
		hooks:   h,
		mailbox: make(chan runnerMsg, size),
		resync:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Deliver queues an execution report. Never blocks; the mailbox is sized for
// the worst realistic burst, and a dropped report queues a reconcile so the
// lost state is recovered from the exchange.
func (r *Runner) Deliver(report types.ExecutionReport) {
	select {
	case r.mailbox <- runnerMsg{report: &report}:
	case <-r.done:
	default:
		r.logger.Error("mailbox full, report dropped", "client_order_id", report.ClientOrderID)
		r.Reconcile()
	}
}

// Tick queues a price update. Ticks are droppable by design.
func (r *Runner) Tick(tick types.TickerUpdate) {
	select {
	case r.mailbox <- runnerMsg{tick: &tick}:
	case <-r.done:
	default:
	}
}

// Reconcile requests a state resync against the exchange. Level-triggered:
// one pending resync absorbs any number of requests, and the request channel
// never fills, so a resync survives even a flooded mailbox.
func (r *Runner) Reconcile() {
	select {
	case r.resync <- struct{}{}:
	default:
	}
}

// Stop synchronously stops the runner. Safe to call once.
func (r *Runner) Stop(ctx context.Context, liquidate, abort bool) StopResult {
	req := &stopRequest{liquidate: liquidate, abort: abort, reply: make(chan StopResult, 1)}
	select {
	case r.mailbox <- runnerMsg{stop: req}:
	case <-r.done:
		return StopResult{}
	case <-ctx.Done():
		return StopResult{Err: ctx.Err()}
	}
	select {
	case res := <-req.reply:
		return res
	case <-ctx.Done():
		return StopResult{Err: ctx.Err()}
	}
}

// run is the runner goroutine. fresh is true when the cycle has no orders
// yet; recovered cycles skip the opening sequence and reconcile instead.
func (r *Runner) run(ctx context.Context, fresh bool) {
	defer close(r.done)

	filters, err := r.gw.SymbolFilters(ctx, r.bot.Symbol)
	if err != nil {
		r.fail(ctx, fmt.Sprintf("symbol filters: %v", err))
		return
	}
	r.filters = filters

	if fresh {
		if r.entryGated() {
			r.phase = phaseWaitingEntry
			r.logger.Info("waiting for price inside entry limits")
		} else if !r.placeBase(ctx) {
			return
		}
	} else {
		r.phase = phaseHolding
		r.reconcile(ctx)
		if r.phase == phaseDone {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.resync:
			r.reconcile(ctx)
		case msg := <-r.mailbox:
			switch {
			case msg.report != nil:
				r.handleReport(ctx, *msg.report)
			case msg.tick != nil:
				r.handleTick(ctx, *msg.tick)
			case msg.stop != nil:
				msg.stop.reply <- r.handleStop(ctx, msg.stop)
				return
			}
		}
		if r.phase == phaseDone {
			return
		}
	}
}

func (r *Runner) clientID(suffix string) string {
	return fmt.Sprintf("dca-%d-%d-%s", r.bot.ID, r.cycle.ID, suffix)
}

// entryGated reports whether configured price limits must gate the base
// order. Without limits the base order goes out immediately.
func (r *Runner) entryGated() bool {
	p := r.bot.Params
	return p.LowerPriceLimit.IsPositive() || p.UpperPriceLimit.IsPositive()
}

func (r *Runner) priceInLimits(price decimal.Decimal) bool {
	p := r.bot.Params
	if p.LowerPriceLimit.IsPositive() && price.LessThan(p.LowerPriceLimit) {
		return false
	}
	if p.UpperPriceLimit.IsPositive() && price.GreaterThan(p.UpperPriceLimit) {
		return false
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Opening
// ————————————————————————————————————————————————————————————————————————

// placeBase records and submits the market base order. Returns false when
// the cycle failed and the runner must exit.
func (r *Runner) placeBase(ctx context.Context) bool {
	side := types.BUY
	if r.bot.Direction == types.Short {
		side = types.SELL
	}
	order := &types.Order{
		CycleID:       r.cycle.ID,
		BotID:         r.bot.ID,
		Role:          types.RoleBase,
		Side:          side,
		Type:          types.OrderTypeMarket,
		Symbol:        r.bot.Symbol,
		IntendedQty:   decimal.Zero,
		Status:        types.OrderPendingPlacement,
		ClientOrderID: r.clientID("base"),
	}
	if err := r.store.CreateOrder(ctx, order); err != nil {
		r.fail(ctx, fmt.Sprintf("record base order: %v", err))
		return false
	}

	ack, err := r.gw.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:        r.bot.Symbol,
		Side:          side,
		Type:          types.OrderTypeMarket,
		QuoteQty:      r.bot.Params.BaseOrderAmount,
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		if exchange.IsNetwork(err) {
			// The order may have reached the exchange; park it and resolve
			// through reconciliation.
			r.store.SetOrderStatus(ctx, order.ClientOrderID, types.OrderUnknown, err.Error())
			r.phase = phaseAwaitingBase
			r.Reconcile()
			return true
		}
		r.store.SetOrderStatus(ctx, order.ClientOrderID, types.OrderFailed, err.Error())
		r.fail(ctx, fmt.Sprintf("base order: %v", err))
		return false
	}

	metrics.OrdersPlaced.WithLabelValues(string(types.RoleBase)).Inc()
	r.phase = phaseAwaitingBase
	r.applyAck(ctx, order.ClientOrderID, ack)
	return r.phase != phaseDone
}

// applyAck folds a REST acknowledgement into the store through the same
// idempotent path stream reports take, so whichever arrives first wins and
// the other is a no-op.
func (r *Runner) applyAck(ctx context.Context, clientOrderID string, ack *exchange.OrderAck) {
	report := types.ExecutionReport{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
		Symbol:          r.bot.Symbol,
		Status:          ack.Status,
		ExecutedQty:     ack.ExecutedQty,
		CumulativeQuote: ack.CumQuote,
		EventTime:       time.Now().UnixMilli(),
	}
	r.handleReport(ctx, report)
}

// ————————————————————————————————————————————————————————————————————————
// Report handling
// ————————————————————————————————————————————————————————————————————————

func (r *Runner) handleReport(ctx context.Context, report types.ExecutionReport) {
	order, applied, err := r.store.ApplyExecutionReport(ctx, report)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("report for unknown order", "client_order_id", report.ClientOrderID)
		} else {
			r.logger.Error("apply report", "error", err, "client_order_id", report.ClientOrderID)
		}
		return
	}
	if !applied {
		return
	}

	r.sink.OrderUpdate(order)
	if report.LastFillQty.IsPositive() || (order.Status == types.OrderFilled && order.FilledQty.IsPositive()) {
		r.sink.OrderFill(order, report)
	}
	if order.Status == types.OrderFilled {
		metrics.OrdersFilled.WithLabelValues(string(order.Role)).Inc()
	}

	switch order.Role {
	case types.RoleBase:
		if order.Status == types.OrderFilled {
			r.onBaseFilled(ctx, order)
		} else if order.Status.Terminal() {
			r.fail(ctx, fmt.Sprintf("base order ended %s: %s", order.Status, order.FailReason))
		}
	case types.RoleSafety:
		if order.Status == types.OrderFilled {
			r.onSafetyFilled(ctx, order)
		}
	case types.RoleTakeProfit:
		switch order.Status {
		case types.OrderFilled:
			r.onTakeProfitFilled(ctx, order)
		case types.OrderCancelled:
			if r.rotating {
				r.rotating = false
			} else if r.phase == phaseHolding {
				// Cancelled out from under us (manually on the exchange).
				r.logger.Warn("take-profit cancelled externally, re-placing")
				r.placeTakeProfit(ctx)
			}
		}
	case types.RoleLiquidation:
		if order.Status == types.OrderFilled {
			r.reducePosition(order.FilledQty)
			r.persistCycle(ctx)
			r.logger.Info("liquidation filled", "qty", order.FilledQty)
		}
	}
}

func (r *Runner) onBaseFilled(ctx context.Context, order *types.Order) {
	r.cycle.BaseFillPrice = order.FilledPrice
	r.cycle.AverageEntryPrice = order.FilledPrice
	r.cycle.TotalBaseQuantity = order.FilledQty
	r.cycle.TotalQuoteInvest = order.FilledQuote
	r.persistCycle(ctx)

	rungs, err := ComputeLadder(r.bot.Params, r.bot.Direction, order.FilledPrice, r.filters)
	if err != nil {
		r.fail(ctx, fmt.Sprintf("ladder: %v", err))
		return
	}
	r.rungs = rungs
	r.phase = phaseHolding

	// Record every rung up front; only the first active ones go to the
	// exchange now, the rest wait as pending_placement and are promoted as
	// earlier rungs fill.
	side := types.BUY
	if r.bot.Direction == types.Short {
		side = types.SELL
	}
	for _, rung := range rungs {
		safety := &types.Order{
			CycleID:       r.cycle.ID,
			BotID:         r.bot.ID,
			Role:          types.RoleSafety,
			Side:          side,
			Type:          types.OrderTypeLimit,
			Symbol:        r.bot.Symbol,
			IntendedPrice: rung.Price,
			IntendedQty:   rung.Qty,
			Status:        types.OrderPendingPlacement,
			ClientOrderID: r.clientID(fmt.Sprintf("s%d", rung.Index)),
			SafetyIndex:   rung.Index,
		}
		if err := r.store.CreateOrder(ctx, safety); err != nil {
			r.logger.Error("record safety order", "error", err, "rung", rung.Index)
		}
	}
	r.topUpSafeties(ctx)
	r.placeTakeProfit(ctx)
}

func (r *Runner) onSafetyFilled(ctx context.Context, order *types.Order) {
	r.cycle.TotalBaseQuantity = r.cycle.TotalBaseQuantity.Add(order.FilledQty)
	r.cycle.TotalQuoteInvest = r.cycle.TotalQuoteInvest.Add(order.FilledQuote)
	if r.cycle.TotalBaseQuantity.IsPositive() {
		r.cycle.AverageEntryPrice = r.cycle.TotalQuoteInvest.Div(r.cycle.TotalBaseQuantity)
	}
	r.persistCycle(ctx)

	if r.phase != phaseHolding {
		// A fill racing the close: recorded with the totals updated, but the
		// cycle is already shutting down, so nothing new goes out.
		r.logger.Info("safety filled during close", "rung", order.SafetyIndex)
		return
	}

	r.logger.Info("safety filled, rotating take-profit",
		"rung", order.SafetyIndex, "avg_entry", r.cycle.AverageEntryPrice)

	r.rotateTakeProfit(ctx)
	if r.phase != phaseHolding {
		// The rotation found the old take-profit already filled and closed
		// the cycle; no more rungs go out.
		return
	}
	r.topUpSafeties(ctx)
}

// ————————————————————————————————————————————————————————————————————————
// Safety ladder management
// ————————————————————————————————————————————————————————————————————————

// topUpSafeties promotes virtual rungs until the configured number of safety
// orders rest on the exchange or the ladder is exhausted. A rung that
// exhausts its placement retries is failed and the next one takes its slot.
func (r *Runner) topUpSafeties(ctx context.Context) {
	orders, err := r.store.ListOrders(ctx, r.cycle.ID)
	if err != nil {
		r.logger.Error("list orders", "error", err)
		return
	}
	resting := 0
	var virtual []*types.Order
	for _, o := range orders {
		if o.Role != types.RoleSafety {
			continue
		}
		switch o.Status {
		case types.OrderOpen, types.OrderPartiallyFilled:
			resting++
		case types.OrderPendingPlacement:
			virtual = append(virtual, o)
		}
	}

	for _, o := range virtual {
		if resting >= r.bot.Params.ActiveSafetyOrders {
			return
		}
		if r.placeSafety(ctx, o) {
			resting++
		}
	}
}

// placeSafety submits one recorded safety order with the configured retry
// budget. Returns true when the order rests on the exchange.
func (r *Runner) placeSafety(ctx context.Context, order *types.Order) bool {
	var lastErr error
	attempts := r.cfg.SafetyRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		ack, err := r.gw.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			Symbol:        r.bot.Symbol,
			Side:          order.Side,
			Type:          types.OrderTypeLimit,
			Price:         order.IntendedPrice,
			Qty:           order.IntendedQty,
			ClientOrderID: order.ClientOrderID,
		})
		if err == nil {
			metrics.OrdersPlaced.WithLabelValues(string(types.RoleSafety)).Inc()
			r.applyAck(ctx, order.ClientOrderID, ack)
			return true
		}
		lastErr = err
		if exchange.IsNetwork(err) {
			r.store.SetOrderStatus(ctx, order.ClientOrderID, types.OrderUnknown, err.Error())
			r.Reconcile()
			return true // assume resting until reconcile says otherwise
		}
		if errors.Is(err, exchange.ErrInsufficientBalance) {
			break // retrying won't conjure funds
		}
		if errors.Is(err, exchange.ErrFilterViolation) {
			r.requantize(ctx, order)
		}
		r.logger.Warn("safety placement failed",
			"rung", order.SafetyIndex, "attempt", attempt, "error", err)
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(r.cfg.SafetyRetryDelay):
			}
		}
	}

	r.logger.Error("safety rung abandoned", "rung", order.SafetyIndex, "error", lastErr)
	if _, err := r.store.SetOrderStatus(ctx, order.ClientOrderID, types.OrderFailed, lastErr.Error()); err != nil {
		r.logger.Error("mark safety failed", "error", err)
	}
	return false
}

// requantize refetches the symbol filters after a server-side filter
// rejection and snaps the order's intended price and quantity to the new
// grid. The exchange is authoritative: if it rejected on LOT_SIZE or
// MIN_NOTIONAL, the cached filters have drifted.
func (r *Runner) requantize(ctx context.Context, order *types.Order) bool {
	r.gw.RefreshFilters(r.bot.Symbol)
	filters, err := r.gw.SymbolFilters(ctx, r.bot.Symbol)
	if err != nil {
		r.logger.Warn("filter refresh failed", "error", err)
		return false
	}
	r.filters = filters

	price, qty, err := exchange.QuantizeOrder(order.IntendedPrice, order.IntendedQty, filters)
	if err != nil {
		r.logger.Warn("requantize failed", "client_order_id", order.ClientOrderID, "error", err)
		return false
	}
	order.IntendedPrice = price
	order.IntendedQty = qty
	r.logger.Info("order requantized on refreshed filters",
		"client_order_id", order.ClientOrderID, "price", price, "qty", qty)
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Take-profit
// ————————————————————————————————————————————————————————————————————————

// rotateTakeProfit cancels the resting take-profit and places a fresh one at
// the re-averaged price covering the full position. The replacement always
// gets a new client order ID so late reports for the old one can never be
// confused with the new.
func (r *Runner) rotateTakeProfit(ctx context.Context) {
	if r.tpActive != "" {
		r.rotating = true
		err := r.gw.CancelOrder(ctx, r.bot.Symbol, r.tpActive)
		switch {
		case err == nil:
			r.store.SetOrderStatus(ctx, r.tpActive, types.OrderCancelled, "rotated")
		case errors.Is(err, exchange.ErrUnknownOrder):
			// The take-profit went terminal on the exchange before our
			// cancel. If it filled, the cycle is closing, not rotating.
			if o, gerr := r.store.GetOrderByClientID(ctx, r.tpActive); gerr == nil {
				r.resolveGone(ctx, o)
			}
			r.rotating = false
			if r.phase != phaseHolding {
				return
			}
		case exchange.IsNetwork(err):
			r.rotating = false
			r.store.SetOrderStatus(ctx, r.tpActive, types.OrderUnknown, err.Error())
			r.Reconcile()
		default:
			r.rotating = false
			r.logger.Error("cancel take-profit", "error", err)
		}
		r.tpActive = ""
	}
	r.placeTakeProfit(ctx)
}

// placeTakeProfit submits the exit order for the current position. In
// trailing mode no resting order is used; the runner watches ticks instead.
func (r *Runner) placeTakeProfit(ctx context.Context) {
	if r.bot.Params.Mode() == types.TakeProfitTrailing {
		r.armed = false
		r.peak = decimal.Zero
		return
	}
	if !r.cycle.TotalBaseQuantity.IsPositive() {
		return
	}

	price := TakeProfitPrice(r.bot.Params, r.bot.Direction, r.cycle.AverageEntryPrice, r.filters)
	qty := exchange.QuantizeQty(r.cycle.TotalBaseQuantity, r.filters)
	if !qty.IsPositive() {
		r.fail(ctx, "take-profit quantity quantized to zero")
		return
	}

	r.tpSeq++
	order := &types.Order{
		CycleID:       r.cycle.ID,
		BotID:         r.bot.ID,
		Role:          types.RoleTakeProfit,
		Side:          r.exitSide(),
		Type:          types.OrderTypeLimit,
		Symbol:        r.bot.Symbol,
		IntendedPrice: price,
		IntendedQty:   qty,
		Status:        types.OrderPendingPlacement,
		ClientOrderID: r.clientID(fmt.Sprintf("tp%d", r.tpSeq)),
	}
	if err := r.store.CreateOrder(ctx, order); err != nil {
		r.fail(ctx, fmt.Sprintf("record take-profit: %v", err))
		return
	}

	attempts := r.cfg.TakeProfitRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ack, err := r.gw.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			Symbol:        r.bot.Symbol,
			Side:          order.Side,
			Type:          types.OrderTypeLimit,
			Price:         price,
			Qty:           qty,
			ClientOrderID: order.ClientOrderID,
		})
		if err == nil {
			metrics.OrdersPlaced.WithLabelValues(string(types.RoleTakeProfit)).Inc()
			r.tpActive = order.ClientOrderID
			r.applyAck(ctx, order.ClientOrderID, ack)
			return
		}
		lastErr = err
		if exchange.IsNetwork(err) {
			r.store.SetOrderStatus(ctx, order.ClientOrderID, types.OrderUnknown, err.Error())
			r.tpActive = order.ClientOrderID
			r.Reconcile()
			return
		}
		if errors.Is(err, exchange.ErrFilterViolation) && r.requantize(ctx, order) {
			price = order.IntendedPrice
			qty = order.IntendedQty
		}
		r.logger.Warn("take-profit placement failed", "attempt", attempt, "error", err)
	}

	// A position without an exit order is unmanaged. Escalate.
	r.store.SetOrderStatus(ctx, order.ClientOrderID, types.OrderFailed, lastErr.Error())
	r.fail(ctx, fmt.Sprintf("take-profit unplaceable after %d attempts: %v", attempts, lastErr))
}

func (r *Runner) exitSide() types.Side {
	if r.bot.Direction == types.Short {
		return types.BUY
	}
	return types.SELL
}

func (r *Runner) onTakeProfitFilled(ctx context.Context, order *types.Order) {
	if order.ClientOrderID == r.tpActive {
		r.tpActive = ""
	}
	r.phase = phaseClosing
	r.cancelOpenOrders(ctx)
	r.reducePosition(order.FilledQty)

	profit, err := r.realizedProfit(ctx)
	if err != nil {
		r.logger.Error("realized profit from order rows", "error", err)
		profit = order.FilledQuote.Sub(r.cycle.TotalQuoteInvest)
		if r.bot.Direction == types.Short {
			profit = r.cycle.TotalQuoteInvest.Sub(order.FilledQuote)
		}
	}
	now := time.Now().UTC()
	r.cycle.Status = types.CycleCompleted
	r.cycle.CompletedAt = &now
	r.cycle.RealizedProfit = profit
	r.persistCycle(ctx)

	metrics.CyclesCompleted.Inc()
	r.logger.Info("cycle completed", "profit", profit, "cycles", r.cycle.CycleNumber)
	r.phase = phaseDone
	r.hooks.onComplete(r.cycle)
}

// ————————————————————————————————————————————————————————————————————————
// Ticks: entry gating and trailing take-profit
// ————————————————————————————————————————————————————————————————————————

func (r *Runner) handleTick(ctx context.Context, tick types.TickerUpdate) {
	if tick.Symbol != r.bot.Symbol || !tick.Price.IsPositive() {
		return
	}

	if r.phase == phaseWaitingEntry {
		if r.priceInLimits(tick.Price) {
			r.logger.Info("price inside entry limits, starting cycle", "price", tick.Price)
			r.placeBase(ctx)
		}
		return
	}

	if r.phase != phaseHolding {
		return
	}

	// A breach of the configured price range is an emergency stop: the
	// strategy's assumptions no longer hold, so get flat instead of averaging
	// further down.
	if !r.priceInLimits(tick.Price) {
		r.abortOnBreach(ctx, tick.Price)
		return
	}

	if r.bot.Params.Mode() != types.TakeProfitTrailing {
		return
	}
	if !r.cycle.TotalBaseQuantity.IsPositive() {
		return
	}
	r.trail(ctx, tick.Price)
}

// trail implements the trailing exit: once price reaches the take-profit
// target the trail arms, follows the best price seen, and closes the
// position at market when price retraces by trailing_pct from that extreme.
func (r *Runner) trail(ctx context.Context, price decimal.Decimal) {
	target := TakeProfitPrice(r.bot.Params, r.bot.Direction, r.cycle.AverageEntryPrice, r.filters)
	long := r.bot.Direction != types.Short

	if !r.armed {
		if (long && price.GreaterThanOrEqual(target)) || (!long && price.LessThanOrEqual(target)) {
			r.armed = true
			r.peak = price
			r.logger.Info("trailing take-profit armed", "price", price, "target", target)
		}
		return
	}

	if long && price.GreaterThan(r.peak) {
		r.peak = price
		return
	}
	if !long && price.LessThan(r.peak) {
		r.peak = price
		return
	}

	retrace := r.bot.Params.TrailingPct.Div(hundred)
	var fire bool
	if long {
		fire = price.LessThanOrEqual(r.peak.Mul(decimal.NewFromInt(1).Sub(retrace)))
	} else {
		fire = price.GreaterThanOrEqual(r.peak.Mul(decimal.NewFromInt(1).Add(retrace)))
	}
	if !fire {
		return
	}

	r.logger.Info("trailing retrace hit, closing position", "peak", r.peak, "price", price)
	r.closeAtMarket(ctx, types.RoleTakeProfit)
}

// closeAtMarket sells (or buys back) the whole position at market.
func (r *Runner) closeAtMarket(ctx context.Context, role types.OrderRole) (*exchange.OrderAck, error) {
	qty := exchange.QuantizeQty(r.cycle.TotalBaseQuantity, r.filters)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("position quantized to zero")
	}
	suffix := "liq"
	if role == types.RoleTakeProfit {
		r.tpSeq++
		suffix = fmt.Sprintf("tp%d", r.tpSeq)
	}
	order := &types.Order{
		CycleID:       r.cycle.ID,
		BotID:         r.bot.ID,
		Role:          role,
		Side:          r.exitSide(),
		Type:          types.OrderTypeMarket,
		Symbol:        r.bot.Symbol,
		IntendedQty:   qty,
		Status:        types.OrderPendingPlacement,
		ClientOrderID: r.clientID(suffix),
	}
	if err := r.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	ack, err := r.gw.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:        r.bot.Symbol,
		Side:          order.Side,
		Type:          types.OrderTypeMarket,
		Qty:           qty,
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		r.store.SetOrderStatus(ctx, order.ClientOrderID, types.OrderFailed, err.Error())
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues(string(role)).Inc()
	r.applyAck(ctx, order.ClientOrderID, ack)
	return ack, nil
}

// ————————————————————————————————————————————————————————————————————————
// Stop, fail, reconcile
// ————————————————————————————————————————————————————————————————————————

// cancelOpenOrders cancels every resting order of this cycle on the
// exchange. A cancel the exchange bounces as unknown means the order went
// terminal there first — usually a fill racing this close — so the real
// outcome is queried and folded in instead of being overwritten with a
// cancelled status it never had. Only confirmed cancels are counted.
func (r *Runner) cancelOpenOrders(ctx context.Context) int {
	orders, err := r.store.OpenOrders(ctx, r.cycle.ID)
	if err != nil {
		r.logger.Error("list open orders", "error", err)
		return 0
	}
	cancelled := 0
	for _, o := range orders {
		err := r.gw.CancelOrder(ctx, o.Symbol, o.ClientOrderID)
		if errors.Is(err, exchange.ErrUnknownOrder) {
			r.resolveGone(ctx, o)
			continue
		}
		if err != nil {
			r.logger.Warn("cancel order", "client_order_id", o.ClientOrderID, "error", err)
			continue
		}
		if _, err := r.store.SetOrderStatus(ctx, o.ClientOrderID, types.OrderCancelled, "cycle closed"); err != nil && !errors.Is(err, store.ErrConflict) {
			r.logger.Warn("mark cancelled", "client_order_id", o.ClientOrderID, "error", err)
		}
		cancelled++
	}
	return cancelled
}

// resolveGone learns the fate of an order whose cancel bounced as unknown
// and folds it in through the idempotent report path. An order the exchange
// never saw is failed; a racing fill lands in the record as a fill.
func (r *Runner) resolveGone(ctx context.Context, o *types.Order) {
	ack, err := r.gw.QueryOrder(ctx, o.Symbol, o.ClientOrderID)
	if err != nil {
		if errors.Is(err, exchange.ErrUnknownOrder) {
			r.store.SetOrderStatus(ctx, o.ClientOrderID, types.OrderFailed, "not found on exchange")
			return
		}
		r.logger.Warn("query order after unknown cancel", "client_order_id", o.ClientOrderID, "error", err)
		return
	}
	r.applyAck(ctx, o.ClientOrderID, ack)
}

func (r *Runner) handleStop(ctx context.Context, req *stopRequest) StopResult {
	res := StopResult{CancelledOrders: r.cancelOpenOrders(ctx)}
	r.tpActive = ""

	if req.liquidate && r.cycle.TotalBaseQuantity.IsPositive() {
		ack, err := r.closeAtMarket(ctx, types.RoleLiquidation)
		if err != nil {
			res.Err = fmt.Errorf("liquidate: %w", err)
		} else {
			res.LiquidatedQty = ack.ExecutedQty
			res.LiquidatedQuote = ack.CumQuote
		}
	}

	if req.abort && r.cycle.Status == types.CycleActive {
		now := time.Now().UTC()
		r.cycle.Status = types.CycleAborted
		r.cycle.CompletedAt = &now
		if profit, err := r.realizedProfit(ctx); err != nil {
			r.logger.Error("realized profit from order rows", "error", err)
		} else {
			r.cycle.RealizedProfit = profit
		}
		r.persistCycle(ctx)
		metrics.CyclesFailed.WithLabelValues("aborted").Inc()
	}
	r.phase = phaseDone
	return res
}

// abortOnBreach runs the stop sequence when price leaves the configured
// range: cancel everything resting, liquidate the position at market, mark
// the cycle aborted and hand the bot back to the manager as inactive.
func (r *Runner) abortOnBreach(ctx context.Context, price decimal.Decimal) {
	r.logger.Warn("price limit breached, stopping cycle", "price", price,
		"lower", r.bot.Params.LowerPriceLimit, "upper", r.bot.Params.UpperPriceLimit)

	r.cancelOpenOrders(ctx)
	r.tpActive = ""
	if r.cycle.TotalBaseQuantity.IsPositive() {
		if _, err := r.closeAtMarket(ctx, types.RoleLiquidation); err != nil {
			r.logger.Error("breach liquidation failed", "error", err)
		}
	}

	now := time.Now().UTC()
	r.cycle.Status = types.CycleAborted
	r.cycle.CompletedAt = &now
	r.cycle.FailureReason = fmt.Sprintf("price %s outside configured limits", price)
	if profit, err := r.realizedProfit(ctx); err != nil {
		r.logger.Error("realized profit from order rows", "error", err)
	} else {
		r.cycle.RealizedProfit = profit
	}
	r.persistCycle(ctx)
	metrics.CyclesFailed.WithLabelValues("aborted").Inc()
	r.phase = phaseDone
	r.hooks.onAbort(r.cycle, "price limit breached")
}

// fail marks the cycle failed, cancels what is still resting, and escalates
// to the manager. The position, if any, is left for the supervisor to
// liquidate under operator control.
func (r *Runner) fail(ctx context.Context, reason string) {
	metrics.CyclesFailed.WithLabelValues("failed").Inc()
	r.logger.Error("cycle failed", "reason", reason)
	r.cancelOpenOrders(ctx)
	now := time.Now().UTC()
	r.cycle.Status = types.CycleFailed
	r.cycle.CompletedAt = &now
	r.cycle.FailureReason = reason
	r.persistCycle(ctx)
	r.phase = phaseDone
	r.hooks.onFail(r.cycle, reason)
}

// reconcile resolves local state against the exchange after a stream gap or
// an ambiguous network error. Orders the exchange no longer knows were never
// placed; everything else is folded in through the idempotent report path,
// oldest event first.
func (r *Runner) reconcile(ctx context.Context) {
	orders, err := r.store.ListOrders(ctx, r.cycle.ID)
	if err != nil {
		r.logger.Error("reconcile: list orders", "error", err)
		return
	}

	var reports []types.ExecutionReport
	for _, o := range orders {
		if o.Status.Terminal() || o.Status == types.OrderPendingPlacement {
			continue
		}
		ack, err := r.gw.QueryOrder(ctx, o.Symbol, o.ClientOrderID)
		if err != nil {
			if errors.Is(err, exchange.ErrUnknownOrder) {
				// Never reached the exchange: the submission that parked it
				// in unknown genuinely failed.
				r.store.SetOrderStatus(ctx, o.ClientOrderID, types.OrderFailed, "not found on exchange")
				if o.ClientOrderID == r.tpActive {
					r.tpActive = ""
					r.placeTakeProfit(ctx)
				}
				continue
			}
			r.logger.Warn("reconcile: query order", "client_order_id", o.ClientOrderID, "error", err)
			continue
		}
		reports = append(reports, types.ExecutionReport{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: ack.ExchangeOrderID,
			Symbol:          o.Symbol,
			Status:          ack.Status,
			ExecutedQty:     ack.ExecutedQty,
			CumulativeQuote: ack.CumQuote,
			EventTime:       time.Now().UnixMilli(),
		})
	}

	sortReports(reports)
	for _, rep := range reports {
		r.handleReport(ctx, rep)
		if r.phase == phaseDone {
			return
		}
	}
	r.logger.Info("reconcile complete", "orders_checked", len(reports))
}

// reducePosition subtracts an exit fill from the running position. Residue
// below the step size is untradeable dust, so the position is flat.
func (r *Runner) reducePosition(qty decimal.Decimal) {
	r.cycle.TotalBaseQuantity = r.cycle.TotalBaseQuantity.Sub(qty)
	if !r.cycle.TotalBaseQuantity.IsPositive() || r.cycle.TotalBaseQuantity.LessThan(r.filters.StepSize) {
		r.cycle.TotalBaseQuantity = decimal.Zero
	}
}

// realizedProfit sums the cycle's quote flow from the repository's filled
// rows: quote received by sells minus quote spent by buys. Summing the rows
// rather than the running totals keeps the figure honest across partial
// fills and exits that raced a close.
func (r *Runner) realizedProfit(ctx context.Context) (decimal.Decimal, error) {
	orders, err := r.store.ListOrders(ctx, r.cycle.ID)
	if err != nil {
		return decimal.Zero, err
	}
	var buys, sells decimal.Decimal
	for _, o := range orders {
		if !o.FilledQuote.IsPositive() {
			continue
		}
		if o.Side == types.BUY {
			buys = buys.Add(o.FilledQuote)
		} else {
			sells = sells.Add(o.FilledQuote)
		}
	}
	return sells.Sub(buys), nil
}

func (r *Runner) persistCycle(ctx context.Context) {
	if err := r.store.UpdateCycle(ctx, r.cycle); err != nil {
		r.logger.Error("persist cycle", "error", err)
	}
	r.sink.CycleUpdate(r.cycle)
}
