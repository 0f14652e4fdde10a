// transition.go encodes the order-status rules shared by every backend.
//
// Statuses only move forward. A terminal status is immutable: once an order
// is filled, cancelled, rejected or failed, no report can change it. Within
// partially_filled, progress is measured by cumulative executed quantity, so
// a redelivered report (same cumulative total) is a no-op rather than a
// double-count.
package store

import (
	"dcabot/pkg/types"
)

// statusRank orders the forward progression of non-terminal statuses.
// unknown sits beside open: an order parked in unknown after a network error
// can resolve to any later state once reconciliation learns the truth.
func statusRank(s types.OrderStatus) int {
	switch s {
	case types.OrderPendingPlacement:
		return 0
	case types.OrderOpen, types.OrderUnknown:
		return 1
	case types.OrderPartiallyFilled:
		return 2
	case types.OrderFilled, types.OrderCancelled, types.OrderRejected, types.OrderFailed:
		return 3
	}
	return -1
}

// canTransition reports whether an order may move from one status to another.
// Same-status "transitions" are allowed here; whether they change anything is
// decided by the caller from cumulative quantities.
func canTransition(from, to types.OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	if statusRank(to) < 0 {
		return false
	}
	return statusRank(to) >= statusRank(from)
}

// applyReport folds a report into a copy of the order, returning the updated
// order and whether anything changed. The caller persists the result only
// when applied is true.
func applyReport(order types.Order, report types.ExecutionReport) (types.Order, bool) {
	if !canTransition(order.Status, report.Status) {
		return order, false
	}
	// Same status and no new cumulative quantity: redelivery.
	if report.Status == order.Status && !report.ExecutedQty.GreaterThan(order.FilledQty) {
		return order, false
	}
	// Stale partial: a report carrying less cumulative quantity than we have
	// recorded arrived out of order.
	if report.ExecutedQty.LessThan(order.FilledQty) && !report.Status.Terminal() {
		return order, false
	}

	order.Status = report.Status
	if report.ExchangeOrderID != 0 {
		order.ExchangeOrderID = report.ExchangeOrderID
	}
	if report.ExecutedQty.GreaterThan(order.FilledQty) {
		order.FilledQty = report.ExecutedQty
		order.FilledQuote = report.CumulativeQuote
		if order.FilledQty.IsPositive() {
			order.FilledPrice = order.FilledQuote.Div(order.FilledQty)
		}
	}
	return order, true
}
