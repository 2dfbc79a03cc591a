package vault

import "errors"

// Errors returned by the vault core. Every operation either fully
// succeeds and emits its events, or returns one of these with no state
// change; retries are the caller's responsibility.
var (
	ErrAccessDenied      = errors.New("vault: access denied")
	ErrZeroAddress       = errors.New("vault: zero address")
	ErrInvalidFeePercent = errors.New("vault: fee percent above 100%")

	ErrNotCollateralized = errors.New("vault: pool is not collateralized")
	ErrNotHarvested      = errors.New("vault: state update required before this operation")
	ErrCapacityExceeded  = errors.New("vault: deposit exceeds capacity")

	ErrInvalidAssets      = errors.New("vault: asset amount is zero or invalid")
	ErrInvalidShares      = errors.New("vault: share amount is zero or invalid")
	ErrInsufficientAssets = errors.New("vault: not enough withdrawable assets")
	ErrInsufficientShares = errors.New("vault: not enough shares")
	ErrSharesLocked       = errors.New("vault: shares locked as collateral")

	// ErrAmountTooLarge and ErrNegativeTotalAssets are arithmetic
	// guards: they signal states the dead-share floor and bounded
	// reward magnitudes make unreachable, and must abort rather than
	// wrap.
	ErrAmountTooLarge      = errors.New("vault: amount exceeds 128-bit accounting range")
	ErrNegativeTotalAssets = errors.New("vault: penalty exceeds total assets")

	ErrInvalidPosition         = errors.New("exit queue: unknown ticket or wrong checkpoint index")
	ErrExitRequestNotProcessed = errors.New("exit queue: no checkpoint covers the ticket yet")
	ErrClaimTooEarly           = errors.New("exit queue: claim before the exit delay elapsed")
)
