package keeper

import "errors"

// Errors returned by the rewards consensus. All are fatal to the
// attempted operation; no partial state survives a failed call.
var (
	ErrAccessDenied              = errors.New("keeper: access denied")
	ErrTooEarlyUpdate            = errors.New("keeper: rewards update before minimum delay")
	ErrInvalidTimestamp          = errors.New("keeper: update timestamp not monotonic")
	ErrInvalidAvgRewardPerSecond = errors.New("keeper: avg reward per second above ceiling")
	ErrInvalidOracle             = errors.New("keeper: signer is not a registered oracle")
	ErrNotEnoughSignatures       = errors.New("keeper: not enough oracle signatures")
	ErrInvalidSignature          = errors.New("keeper: malformed oracle signature")
	ErrInvalidProof              = errors.New("keeper: merkle proof does not match rewards root")
	ErrInvalidRewardsRoot        = errors.New("keeper: rewards root is neither current nor previous")
	ErrUnknownVault              = errors.New("keeper: vault is not registered")
	ErrHarvestUnderflow          = errors.New("keeper: cumulative unlocked mev reward decreased")

	ErrOracleSetFull     = errors.New("keeper: oracle set at capacity")
	ErrOracleExists      = errors.New("keeper: oracle already registered")
	ErrOracleUnknown     = errors.New("keeper: oracle not registered")
	ErrInvalidMinOracles = errors.New("keeper: invalid minimum oracle count")
)
