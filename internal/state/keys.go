package state

// Keys of the persisted mapping. Per-meter keys hold a JSON object keyed by meter number.
const (
	KeyMeterNumber          = "meterNumber"
	KeyMeters               = "meters"
	KeyInitialBalances      = "initialTokenBalances"
	KeyLastBalanceUpdate    = "lastBalanceUpdate"
	KeyManualBalance        = "manualBalance"
	KeyTokensAdded          = "tokensAdded"
	KeyLearningFactor       = "learningFactor"
	KeyAvgRatePerMinute     = "avgRatePerMinute"
	KeyNotificationsEnabled = "notificationsEnabled"
	KeyLastNotifiedLevel    = "lastNotifiedLevel"
	KeyCachedPowerData      = "cachedPowerData"
	KeyMeterLabels          = "meterLabels"
	KeyManualAdjustments    = "manualAdjustments"
	KeyCurrentBalance       = "currentBalance"
	KeyLastBackgroundUpdate = "lastBackgroundUpdate"
)
