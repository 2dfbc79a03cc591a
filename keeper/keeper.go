// Package keeper implements the multi-oracle rewards consensus: a
// process-wide object that aggregates oracle-committee signatures into
// an agreed rewards snapshot (a Merkle root over per-vault reward
// leaves) and arbitrates each vault's harvest against that snapshot.
//
// The root history is two slots deep (current + previous). A vault may
// prove its leaf against either slot, giving it exactly one generation
// of grace to catch up; the harvest-required predicate flips once a
// vault falls more than one generation behind.
package keeper

import (
	"bytes"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/ethvault/ethvault/events"
	"github.com/ethvault/ethvault/log"
	"github.com/ethvault/ethvault/merkle"
	"github.com/ethvault/ethvault/metrics"
)

// Default consensus parameters.
const (
	// DefaultRewardsDelay is the minimum spacing between rewards
	// updates: 12 hours.
	DefaultRewardsDelay uint64 = 12 * 60 * 60

	// DefaultMaxAvgRewardPerSecond caps the published average reward
	// rate at roughly 20% APY on a 1e18 basis.
	DefaultMaxAvgRewardPerSecond uint64 = 6_342_000_000

	// DefaultMinOracles is the default signature quorum.
	DefaultMinOracles = 3

	signatureLength = 65
)

// Config holds keeper construction parameters.
type Config struct {
	// ChainID and VerifyingContract pin the EIP-712 signing domain.
	ChainID           uint64
	VerifyingContract common.Address

	// Authority may mutate the oracle set and register vaults
	// (the registry boundary).
	Authority common.Address

	// MinOracles is the signature quorum for a rewards update.
	MinOracles int

	// RewardsDelay is the minimum seconds between rewards updates.
	RewardsDelay uint64

	// MaxAvgRewardPerSecond is the hard ceiling on the published rate.
	MaxAvgRewardPerSecond uint64

	// Now supplies the logical clock (defaults to wall time in
	// seconds). Tests inject a controlled clock.
	Now func() uint64

	Logger  *log.Logger
	Bus     *events.Bus
	Metrics *metrics.Registry
}

// DefaultConfig returns a config with production consensus parameters.
// ChainID, VerifyingContract and Authority must still be set.
func DefaultConfig() Config {
	return Config{
		MinOracles:            DefaultMinOracles,
		RewardsDelay:          DefaultRewardsDelay,
		MaxAvgRewardPerSecond: DefaultMaxAvgRewardPerSecond,
	}
}

// RewardsUpdateParams is one oracle-committee snapshot submission.
type RewardsUpdateParams struct {
	RewardsRoot        common.Hash
	RewardsIPFSHash    string
	AvgRewardPerSecond uint64
	UpdateTimestamp    uint64

	// Signatures are 65-byte compact signatures (R || S || V) over the
	// EIP-712 digest, ordered by ascending signer address.
	Signatures [][]byte
}

// HarvestParams carries a vault's Merkle-proven leaf of one snapshot.
type HarvestParams struct {
	RewardsRoot       common.Hash
	Reward            *big.Int
	UnlockedMevReward *uint256.Int
	Proof             []common.Hash
}

// HarvestDelta is what a harvest attributed to the vault: the signed
// reward change and the newly unlocked MEV portion to pull from escrow.
type HarvestDelta struct {
	Reward      *big.Int
	UnlockedMev *uint256.Int
}

// Zero reports whether the harvest was a no-op (already at the target
// nonce).
func (d HarvestDelta) Zero() bool {
	return d.Reward.Sign() == 0 && d.UnlockedMev.IsZero()
}

// HarvestRecord tracks the last nonce a vault harvested and the
// cumulative amounts already attributed. Deltas are always computed
// against these cumulative values, never applied twice.
type HarvestRecord struct {
	Nonce             uint64
	RewardAssets      *big.Int
	UnlockedMevAssets *uint256.Int
}

// FeeAccrualConsumer receives the average reward rate on every
// successful rewards update (the out-of-scope osToken fee-accrual
// collaborator).
type FeeAccrualConsumer interface {
	SetAvgRewardPerSecond(avgRewardPerSecond uint64)
}

// Keeper is the process-wide rewards consensus serving all vaults.
// All methods are safe for concurrent use.
type Keeper struct {
	mu  sync.Mutex
	cfg Config

	oracles    *OracleSet
	minOracles int

	rewardsRoot          common.Hash
	prevRewardsRoot      common.Hash
	rewardsNonce         uint64
	lastRewardsTimestamp uint64
	avgRewardPerSecond   uint64

	vaults  map[common.Address]struct{}
	records map[common.Address]*HarvestRecord

	consumers []FeeAccrualConsumer

	logger  *log.Logger
	bus     *events.Bus
	metrics *metrics.Registry
}

// New creates a Keeper.
func New(cfg Config) *Keeper {
	if cfg.MinOracles <= 0 {
		cfg.MinOracles = DefaultMinOracles
	}
	if cfg.RewardsDelay == 0 {
		cfg.RewardsDelay = DefaultRewardsDelay
	}
	if cfg.MaxAvgRewardPerSecond == 0 {
		cfg.MaxAvgRewardPerSecond = DefaultMaxAvgRewardPerSecond
	}
	if cfg.Now == nil {
		cfg.Now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultRegistry
	}
	return &Keeper{
		cfg:        cfg,
		oracles:    NewOracleSet(),
		minOracles: cfg.MinOracles,
		vaults:     make(map[common.Address]struct{}),
		records:    make(map[common.Address]*HarvestRecord),
		logger:     cfg.Logger.Module("keeper"),
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
	}
}

// --- oracle set administration (authority-gated) ---

// AddOracle registers an oracle. Only the authority may call.
func (k *Keeper) AddOracle(caller, oracle common.Address) error {
	if caller != k.cfg.Authority {
		return ErrAccessDenied
	}
	if err := k.oracles.Add(oracle); err != nil {
		return err
	}
	k.logger.Info("oracle added", "oracle", oracle.Hex())
	k.publish(events.TypeOracleAdded, events.OracleAdded{Oracle: oracle})
	return nil
}

// RemoveOracle deregisters an oracle. Only the authority may call.
func (k *Keeper) RemoveOracle(caller, oracle common.Address) error {
	if caller != k.cfg.Authority {
		return ErrAccessDenied
	}
	if err := k.oracles.Remove(oracle); err != nil {
		return err
	}
	k.logger.Info("oracle removed", "oracle", oracle.Hex())
	k.publish(events.TypeOracleRemoved, events.OracleRemoved{Oracle: oracle})
	return nil
}

// SetMinOracles adjusts the signature quorum. Only the authority may
// call; the quorum must stay within (0, MaxOracles].
func (k *Keeper) SetMinOracles(caller common.Address, minOracles int) error {
	if caller != k.cfg.Authority {
		return ErrAccessDenied
	}
	if minOracles <= 0 || minOracles > MaxOracles {
		return ErrInvalidMinOracles
	}
	k.mu.Lock()
	k.minOracles = minOracles
	k.mu.Unlock()
	return nil
}

// Oracles returns the committee membership in ascending address order.
// The slice is a copy; mutating it does not touch the set, which only
// the authority may change through AddOracle and RemoveOracle.
func (k *Keeper) Oracles() []common.Address {
	return k.oracles.Members()
}

// --- registry boundary ---

// RegisterVault marks an address as a known vault. Vault membership is
// validated externally by the registry; the keeper trusts this boolean
// input. Only the authority may call.
func (k *Keeper) RegisterVault(caller, vault common.Address) error {
	if caller != k.cfg.Authority {
		return ErrAccessDenied
	}
	k.mu.Lock()
	k.vaults[vault] = struct{}{}
	k.mu.Unlock()
	return nil
}

// IsRegistered reports whether the address is a known vault.
func (k *Keeper) IsRegistered(vault common.Address) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.vaults[vault]
	return ok
}

// RegisterFeeAccrualConsumer subscribes a consumer to average-reward-rate
// publications.
func (k *Keeper) RegisterFeeAccrualConsumer(c FeeAccrualConsumer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.consumers = append(k.consumers, c)
}

// --- rewards consensus ---

// CanUpdateRewards reports whether enough time has passed since the
// last accepted update.
func (k *Keeper) CanUpdateRewards() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.canUpdateRewards()
}

func (k *Keeper) canUpdateRewards() bool {
	return k.lastRewardsTimestamp == 0 ||
		k.lastRewardsTimestamp+k.cfg.RewardsDelay <= k.cfg.Now()
}

// UpdateRewards verifies an oracle-committee snapshot submission and,
// on success, advances the consensus: the current root shifts into the
// previous slot, the nonce increments, and the new rate is published to
// the fee-accrual consumers.
func (k *Keeper) UpdateRewards(caller common.Address, params RewardsUpdateParams) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.canUpdateRewards() {
		return ErrTooEarlyUpdate
	}
	if params.UpdateTimestamp <= k.lastRewardsTimestamp {
		return ErrInvalidTimestamp
	}
	if params.AvgRewardPerSecond > k.cfg.MaxAvgRewardPerSecond {
		return ErrInvalidAvgRewardPerSecond
	}

	digest := RewardsUpdateDigest(
		k.cfg.ChainID,
		k.cfg.VerifyingContract,
		params.RewardsRoot,
		params.RewardsIPFSHash,
		params.AvgRewardPerSecond,
		params.UpdateTimestamp,
		k.rewardsNonce,
	)
	if err := k.verifySignatures(digest, params.Signatures); err != nil {
		k.metrics.Counter("keeper_rejected_updates").Inc()
		return err
	}

	k.prevRewardsRoot = k.rewardsRoot
	k.rewardsRoot = params.RewardsRoot
	k.rewardsNonce++
	k.lastRewardsTimestamp = params.UpdateTimestamp
	k.avgRewardPerSecond = params.AvgRewardPerSecond

	for _, c := range k.consumers {
		c.SetAvgRewardPerSecond(params.AvgRewardPerSecond)
	}

	k.logger.Info("rewards updated",
		"root", params.RewardsRoot.Hex(),
		"nonce", k.rewardsNonce,
		"avgRewardPerSecond", params.AvgRewardPerSecond,
	)
	k.metrics.Counter("keeper_rewards_updates").Inc()
	k.publish(events.TypeRewardsUpdated, events.RewardsUpdated{
		Caller:             caller,
		RewardsRoot:        params.RewardsRoot,
		AvgRewardPerSecond: params.AvgRewardPerSecond,
		UpdateTimestamp:    params.UpdateTimestamp,
		Nonce:              k.rewardsNonce,
		RewardsIPFSHash:    params.RewardsIPFSHash,
	})
	return nil
}

// verifySignatures recovers each signer from the digest and requires a
// quorum of distinct, registered oracles in strictly ascending address
// order. Ascending order makes duplicate detection O(1) per signature,
// so one oracle can never be double-counted toward the quorum.
func (k *Keeper) verifySignatures(digest common.Hash, sigs [][]byte) error {
	if len(sigs) < k.minOracles {
		return ErrNotEnoughSignatures
	}

	var prev common.Address
	for i, sig := range sigs {
		if len(sig) != signatureLength {
			return ErrInvalidSignature
		}
		normalized := make([]byte, signatureLength)
		copy(normalized, sig)
		if normalized[64] >= 27 {
			normalized[64] -= 27
		}
		pub, err := crypto.SigToPub(digest.Bytes(), normalized)
		if err != nil {
			return ErrInvalidSignature
		}
		signer := crypto.PubkeyToAddress(*pub)
		if i > 0 && bytes.Compare(signer[:], prev[:]) <= 0 {
			return ErrInvalidOracle
		}
		if !k.oracles.Contains(signer) {
			return ErrInvalidOracle
		}
		prev = signer
	}
	return nil
}

// --- harvest arbitration ---

// Harvest validates a vault's leaf against the current or previous
// rewards root and returns the delta to apply. Only a registered vault
// address may harvest its leaf. Idempotent per target nonce: repeating
// a harvest yields zero deltas.
//
// The harvest record is advanced before the deltas are returned, so a
// reentrant caller observes the new nonce and cannot double-apply.
func (k *Keeper) Harvest(caller common.Address, params HarvestParams) (HarvestDelta, error) {
	zero := HarvestDelta{Reward: new(big.Int), UnlockedMev: uint256.NewInt(0)}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.vaults[caller]; !ok {
		return zero, ErrUnknownVault
	}
	if params.Reward == nil || params.UnlockedMevReward == nil {
		return zero, ErrInvalidProof
	}

	var targetNonce uint64
	switch {
	case k.rewardsRoot != (common.Hash{}) && params.RewardsRoot == k.rewardsRoot:
		targetNonce = k.rewardsNonce
	case k.prevRewardsRoot != (common.Hash{}) && params.RewardsRoot == k.prevRewardsRoot:
		targetNonce = k.rewardsNonce - 1
	default:
		return zero, ErrInvalidRewardsRoot
	}

	leaf := merkle.HashRewardsLeaf(caller, params.Reward, params.UnlockedMevReward)
	if !merkle.VerifyProof(params.RewardsRoot, leaf, params.Proof) {
		return zero, ErrInvalidProof
	}

	rec, ok := k.records[caller]
	if !ok {
		// First harvest collateralizes the vault.
		rec = &HarvestRecord{
			RewardAssets:      new(big.Int),
			UnlockedMevAssets: uint256.NewInt(0),
		}
		k.records[caller] = rec
	}
	if ok && rec.Nonce >= targetNonce {
		// Already harvested this generation.
		return zero, nil
	}

	rewardDelta := new(big.Int).Sub(params.Reward, rec.RewardAssets)
	unlockedDelta := new(uint256.Int)
	if _, underflow := unlockedDelta.SubOverflow(params.UnlockedMevReward, rec.UnlockedMevAssets); underflow {
		return zero, ErrHarvestUnderflow
	}

	rec.Nonce = targetNonce
	rec.RewardAssets = new(big.Int).Set(params.Reward)
	rec.UnlockedMevAssets = params.UnlockedMevReward.Clone()

	k.logger.Debug("vault harvested",
		"vault", caller.Hex(),
		"nonce", targetNonce,
		"rewardDelta", rewardDelta.String(),
	)
	k.metrics.Counter("keeper_harvests").Inc()
	k.publish(events.TypeHarvested, events.Harvested{
		Vault:            caller,
		RewardsRoot:      params.RewardsRoot,
		RewardDelta:      new(big.Int).Set(rewardDelta),
		UnlockedMevDelta: unlockedDelta.Clone(),
	})

	return HarvestDelta{Reward: rewardDelta, UnlockedMev: unlockedDelta}, nil
}

// HarvestRequired reports whether the vault missed its one-generation
// grace window and must update state before accepting deposits, exits
// or fee-recipient changes. Uncollateralized vaults (never harvested)
// are never stale.
func (k *Keeper) HarvestRequired(vault common.Address) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[vault]
	if !ok {
		return false
	}
	return k.rewardsNonce > rec.Nonce+1
}

// IsCollateralized reports whether the vault has harvested at least
// once.
func (k *Keeper) IsCollateralized(vault common.Address) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.records[vault]
	return ok
}

// Record returns a copy of the vault's harvest record, and whether one
// exists.
func (k *Keeper) Record(vault common.Address) (HarvestRecord, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[vault]
	if !ok {
		return HarvestRecord{}, false
	}
	return HarvestRecord{
		Nonce:             rec.Nonce,
		RewardAssets:      new(big.Int).Set(rec.RewardAssets),
		UnlockedMevAssets: rec.UnlockedMevAssets.Clone(),
	}, true
}

// RewardsRoot returns the current root.
func (k *Keeper) RewardsRoot() common.Hash {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rewardsRoot
}

// PrevRewardsRoot returns the one-generation-stale root.
func (k *Keeper) PrevRewardsRoot() common.Hash {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.prevRewardsRoot
}

// RewardsNonce returns the current consensus nonce.
func (k *Keeper) RewardsNonce() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rewardsNonce
}

// AvgRewardPerSecond returns the last published average reward rate.
func (k *Keeper) AvgRewardPerSecond() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.avgRewardPerSecond
}

// LastRewardsTimestamp returns the timestamp of the last accepted
// update.
func (k *Keeper) LastRewardsTimestamp() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastRewardsTimestamp
}

func (k *Keeper) publish(t events.Type, data interface{}) {
	if k.bus != nil {
		k.bus.Publish(t, data)
	}
}
