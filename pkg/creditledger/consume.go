package creditledger

import "fmt"

// planLotDeductions computes the FIFO-by-expiry consumption plan for amount
// against lots, which must already be in canonical consumption order
// (expires_at ascending, then created_at ascending) as returned by
// Store.ListConsumableLots.
//
// The walk is a prefix sum: each lot contributes
// clamp(amount-cumulative, 0, remaining) and the walk stops once the
// cumulative deduction reaches amount. BalanceAfter on each debit is the true
// balance immediately after that lot's decrement, so every audit row written
// from the plan replays independently. startingBalance must be the balance
// rule sum at nowUnixUTC; deductions drawn from expired-but-open lots do not
// move it because those lots are already outside the balance rule.
//
// Returns ErrIntegrityViolation when the lots cannot cover amount. Callers
// must treat that as a fatal accounting bug, not a user error: a hold that
// validated at reserve time can always be covered unless the ledger drifted.
func planLotDeductions(lots []Lot, amount int64, startingBalance int64, nowUnixUTC int64) ([]LotDebit, int64, error) {
	if amount <= 0 {
		return nil, startingBalance, fmt.Errorf("%w: deduction must be positive", ErrInvalidAmount)
	}
	debits := make([]LotDebit, 0, len(lots))
	cumulative := int64(0)
	runningBalance := startingBalance
	for _, lot := range lots {
		if cumulative >= amount {
			break
		}
		if lot.Remaining <= 0 {
			continue
		}
		deduct := amount - cumulative
		if deduct > lot.Remaining {
			deduct = lot.Remaining
		}
		cumulative += deduct
		if lot.CountsTowardBalance(nowUnixUTC) {
			runningBalance -= deduct
		}
		if runningBalance < 0 {
			runningBalance = 0
		}
		debits = append(debits, LotDebit{
			LotID:            lot.LotID,
			Amount:           deduct,
			NewRemaining:     lot.Remaining - deduct,
			BalanceAfter:     runningBalance,
			ExpiresAtUnixUTC: lot.ExpiresAtUnixUTC,
		})
	}
	if cumulative < amount {
		return nil, startingBalance, WrapError(operationCapture, "lots", "shortfall", ErrIntegrityViolation)
	}
	return debits, runningBalance, nil
}
