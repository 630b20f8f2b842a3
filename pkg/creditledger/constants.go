package creditledger

const (
	operationReserve     = "reserve"
	operationCapture     = "capture"
	operationRelease     = "release"
	operationDebit       = "debit"
	operationGrant       = "grant"
	operationCycleGrant  = "cycle_grant"
	operationSweepHolds  = "sweep_holds"
	operationSweepLots   = "sweep_lots"
	operationFallback    = "fallback_capture"
	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultReservationTTLSeconds = 3600
	fallbackDebitTTLSeconds      = 60
	defaultLotLifetimeSeconds    = 32 * 24 * 3600

	descriptionCreditUsage     = "Credit usage"
	descriptionExpiredCredits  = "Expired credits"
	descriptionExpiredOnRenew  = "Expired credits (renewal)"
	descriptionPurchasedFormat = "Credits purchased (%s)"
	descriptionCycleFormat     = "Subscription credits (%s)"
	defaultPlanLabel           = "plan"
)
