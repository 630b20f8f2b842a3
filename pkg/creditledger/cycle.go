package creditledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AddCredits grants a discrete one-off lot of credit to the user, recomputes
// the cached balance from the lot table, and appends a positive audit row.
func (service *Service) AddCredits(ctx context.Context, userID UserID, amount CreditAmount, options GrantOptions) (GrantResult, error) {
	var result GrantResult
	var event BalanceEvent
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, err := txStore.LockUser(ctx, userID.String()); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		source := options.Source
		if source == "" {
			source = LotSourceOneOff
		}
		if _, err := ParseLotSource(source.String()); err != nil {
			return err
		}
		metadata, err := NewMetadataJSON(options.Metadata)
		if err != nil {
			return err
		}
		lifetimeSeconds := options.ExpiresInSeconds
		if lifetimeSeconds == 0 {
			lifetimeSeconds = defaultLotLifetimeSeconds
		}
		lot := Lot{
			LotID:            uuid.NewString(),
			UserID:           userID.String(),
			Source:           source,
			Amount:           amount.Int64(),
			Remaining:        amount.Int64(),
			ExpiresAtUnixUTC: nowUnixUTC + lifetimeSeconds,
			CreatedAtUnixUTC: nowUnixUTC,
		}
		lotID, err := txStore.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		newBalance, err := txStore.SumOpenLotRemaining(ctx, userID.String(), nowUnixUTC)
		if err != nil {
			return err
		}
		if err := txStore.UpdateUserCredits(ctx, userID.String(), newBalance); err != nil {
			return err
		}
		description := options.Description
		if description == "" {
			description = fmt.Sprintf(descriptionPurchasedFormat, source)
		}
		transaction := CreditTransaction{
			TransactionID:    uuid.NewString(),
			UserID:           userID.String(),
			Description:      description,
			Amount:           amount.Int64(),
			BalanceAfter:     newBalance,
			LotID:            lotID,
			Metadata:         metadata,
			ExpiresAtUnixUTC: lot.ExpiresAtUnixUTC,
			CreatedAtUnixUTC: nowUnixUTC,
		}
		if err := txStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		reserved, err := txStore.SumActiveReservations(ctx, userID.String(), nowUnixUTC)
		if err != nil {
			return err
		}
		result = GrantResult{LotID: lotID, Balance: newBalance}
		event = BalanceEvent{
			UserID:          userID.String(),
			Balance:         newBalance,
			Available:       clampNonNegative(newBalance - reserved),
			Reserved:        reserved,
			Event:           BalanceEventGranted,
			Delta:           amount.Int64(),
			OccurredUnixUTC: nowUnixUTC,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		UserID:    userID.String(),
		LotID:     result.LotID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	if operationError != nil {
		return GrantResult{}, operationError
	}
	service.publishBalanceChanged(ctx, event)
	return result, nil
}

// AddSubscriptionCredits grants the new cycle's allowance and expires the
// prior cycle's unused credit. The call is idempotent on
// (user, subscription, cycleStart): repeated delivery of the same renewal
// event is a no-op that reports LotCreated=false and the current balance.
// One-off lots are untouched; they persist on their own expiry regardless of
// cycle boundaries.
func (service *Service) AddSubscriptionCredits(ctx context.Context, userID UserID, amount CreditAmount, planKey string, cycleStartUnixUTC int64, cycleEndUnixUTC int64) (CycleGrantResult, error) {
	var result CycleGrantResult
	var event BalanceEvent
	var renewed bool
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, err := txStore.LockUser(ctx, userID.String()); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if cycleStartUnixUTC == 0 {
			cycleStartUnixUTC = nowUnixUTC
		}
		if _, found, err := txStore.FindSubscriptionLot(ctx, userID.String(), cycleStartUnixUTC); err != nil {
			return err
		} else if found {
			balance, err := txStore.SumOpenLotRemaining(ctx, userID.String(), nowUnixUTC)
			if err != nil {
				return err
			}
			result = CycleGrantResult{Balance: balance, LotCreated: false}
			return nil
		}

		previousLots, err := txStore.ListOpenSubscriptionLotsForUpdate(ctx, userID.String())
		if err != nil {
			return err
		}
		runningBalance, err := txStore.SumOpenLotRemaining(ctx, userID.String(), nowUnixUTC)
		if err != nil {
			return err
		}
		for _, lot := range previousLots {
			if lot.Remaining <= 0 {
				continue
			}
			if lot.CountsTowardBalance(nowUnixUTC) {
				runningBalance = clampNonNegative(runningBalance - lot.Remaining)
			}
			transaction := CreditTransaction{
				TransactionID:    uuid.NewString(),
				UserID:           userID.String(),
				Description:      descriptionExpiredOnRenew,
				Amount:           -lot.Remaining,
				BalanceAfter:     runningBalance,
				LotID:            lot.LotID,
				ExpiresAtUnixUTC: lot.ExpiresAtUnixUTC,
				CreatedAtUnixUTC: nowUnixUTC,
			}
			if err := txStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
		}
		if err := txStore.CloseSubscriptionLots(ctx, userID.String(), nowUnixUTC); err != nil {
			return err
		}

		expiresAtUnixUTC := cycleEndUnixUTC
		if expiresAtUnixUTC == 0 {
			expiresAtUnixUTC = nowUnixUTC + defaultLotLifetimeSeconds
		}
		lot := Lot{
			LotID:             uuid.NewString(),
			UserID:            userID.String(),
			Source:            LotSourceSubscription,
			PlanKey:           planKey,
			Amount:            amount.Int64(),
			Remaining:         amount.Int64(),
			ExpiresAtUnixUTC:  expiresAtUnixUTC,
			CycleStartUnixUTC: cycleStartUnixUTC,
			CreatedAtUnixUTC:  nowUnixUTC,
		}
		lotCreated := true
		lotID, err := txStore.InsertLot(ctx, lot)
		if errors.Is(err, ErrCycleLotExists) {
			lotCreated = false
			lotID = ""
		} else if err != nil {
			return err
		}

		newBalance, err := txStore.SumOpenLotRemaining(ctx, userID.String(), nowUnixUTC)
		if err != nil {
			return err
		}
		if err := txStore.UpdateUserCredits(ctx, userID.String(), newBalance); err != nil {
			return err
		}
		if lotCreated {
			planLabel := planKey
			if planLabel == "" {
				planLabel = defaultPlanLabel
			}
			transaction := CreditTransaction{
				TransactionID:    uuid.NewString(),
				UserID:           userID.String(),
				Description:      fmt.Sprintf(descriptionCycleFormat, planLabel),
				Amount:           amount.Int64(),
				BalanceAfter:     newBalance,
				LotID:            lotID,
				CreatedAtUnixUTC: nowUnixUTC,
			}
			if err := txStore.InsertTransaction(ctx, transaction); err != nil {
				return err
			}
		}
		reserved, err := txStore.SumActiveReservations(ctx, userID.String(), nowUnixUTC)
		if err != nil {
			return err
		}
		result = CycleGrantResult{Balance: newBalance, LotID: lotID, LotCreated: lotCreated}
		renewed = true
		event = BalanceEvent{
			UserID:          userID.String(),
			Balance:         newBalance,
			Available:       clampNonNegative(newBalance - reserved),
			Reserved:        reserved,
			Event:           BalanceEventRenewed,
			Delta:           amount.Int64(),
			OccurredUnixUTC: nowUnixUTC,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCycleGrant,
		UserID:    userID.String(),
		LotID:     result.LotID,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	if operationError != nil {
		return CycleGrantResult{}, operationError
	}
	if renewed {
		service.publishBalanceChanged(ctx, event)
	}
	return result, nil
}
