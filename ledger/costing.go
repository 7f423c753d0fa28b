package ledger

import "github.com/shopspring/decimal"

// WeightedAverage blends the current average cost with an inbound quantity:
//
//	(curQty*curCost + qty*unitCost) / (curQty + qty)
//
// The result is rounded to CostPlaces. A resulting quantity of zero (or less)
// yields zero.
func WeightedAverage(curQty, curCost, qty, unitCost decimal.Decimal) decimal.Decimal {
	newQty := curQty.Add(qty)
	if !newQty.IsPositive() {
		return decimal.Zero
	}
	total := curQty.Mul(curCost).Add(qty.Mul(unitCost))
	return total.DivRound(newQty, CostPlaces)
}

// nextBalance computes the balance after applying delta (and, for inbound
// movements with a cost, blending the average). ok is false when the
// movement would take on-hand below zero.
func nextBalance(cur Balance, delta decimal.Decimal, unitCost *decimal.Decimal) (next Balance, ok bool) {
	next = cur
	next.OnHand = cur.OnHand.Add(delta)
	if next.OnHand.IsNegative() {
		return cur, false
	}
	if delta.IsPositive() && unitCost != nil {
		next.AvgCost = WeightedAverage(cur.OnHand, cur.AvgCost, delta, *unitCost)
	}
	return next, true
}
