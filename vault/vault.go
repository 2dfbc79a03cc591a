// Package vault implements the share-accounting ledger, the deferred
// exit queue and the vault orchestration of the liquid-staking core.
// A Vault pools deposits into shares, defers redemptions through a
// checkpointed exit queue when instant liquidity is unavailable, and
// applies oracle-consensus reward deltas through the keeper.
//
// Every externally observable operation runs to completion under the
// vault mutex, the in-process analogue of the host chain's serialized
// transaction execution.
package vault

import (
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ethvault/ethvault/events"
	"github.com/ethvault/ethvault/keeper"
	"github.com/ethvault/ethvault/log"
	"github.com/ethvault/ethvault/metrics"
)

// DefaultExitingAssetsClaimDelay is the anti-frontrunning window
// between an exit-queue entry and its claim: 24 hours. Assets backing a
// freshly created checkpoint may be proceeds of the same state update,
// so claims wait out one full oracle cycle.
const DefaultExitingAssetsClaimDelay uint64 = 24 * 60 * 60

// SharesLockedFunc is the boundary hook to the (out-of-scope) synthetic
// -debt subsystem: it reports whether burning the given shares would
// break a collateral lock.
type SharesLockedFunc func(owner common.Address, shares *uint256.Int) bool

// Config holds vault construction parameters.
type Config struct {
	// Address identifies the vault with the keeper and the escrow.
	Address common.Address

	// Admin may rotate the fee recipient and move liquidity to the
	// staking boundary.
	Admin common.Address

	// Capacity bounds total assets (zero means unlimited).
	Capacity *uint256.Int

	// FeePercent (bps) of every positive reward delta is minted to
	// FeeRecipient as shares at the pre-reward price.
	FeePercent   uint16
	FeeRecipient common.Address

	// ExitingAssetsClaimDelay overrides the default claim delay.
	ExitingAssetsClaimDelay uint64

	// SharesLocked is the optional collateral-lock boundary hook.
	SharesLocked SharesLockedFunc

	// Now supplies the logical clock (defaults to wall time in
	// seconds).
	Now func() uint64

	Logger  *log.Logger
	Bus     *events.Bus
	Metrics *metrics.Registry
}

// Vault ties the ledger, the exit queue, the keeper and the MEV escrow
// together. All methods are safe for concurrent use.
type Vault struct {
	mu  sync.Mutex
	cfg Config

	ledger *ShareLedger
	queue  *ExitQueue
	keeper *keeper.Keeper
	escrow MevEscrow

	// liquidAssets models the vault's unstaked balance: deposits,
	// validator-exit proceeds and pulled MEV accumulate here; claims,
	// redemptions and stake delegations drain it.
	liquidAssets *uint256.Int

	logger  *log.Logger
	bus     *events.Bus
	metrics *metrics.Registry
}

// New creates a collateralized vault. The dead-share floor is minted
// immediately, so share-price manipulation through an empty pool is
// impossible from the first block.
func New(cfg Config, k *keeper.Keeper, escrow MevEscrow) (*Vault, error) {
	if cfg.Address == (common.Address{}) || cfg.Admin == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if cfg.ExitingAssetsClaimDelay == 0 {
		cfg.ExitingAssetsClaimDelay = DefaultExitingAssetsClaimDelay
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

	ledger, err := NewShareLedger(cfg.Capacity, cfg.FeePercent, cfg.FeeRecipient)
	if err != nil {
		return nil, err
	}
	ledger.Collateralize()

	return &Vault{
		cfg:          cfg,
		ledger:       ledger,
		queue:        NewExitQueue(),
		keeper:       k,
		escrow:       escrow,
		liquidAssets: uint256.NewInt(SecurityDeposit),
		logger:       cfg.Logger.Module("vault").With("vault", cfg.Address.Hex()),
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
	}, nil
}

// Address returns the vault's identity.
func (v *Vault) Address() common.Address { return v.cfg.Address }

// Deposit pools assets and mints shares to receiver. Rejected while a
// consensus update is pending for this vault.
func (v *Vault) Deposit(caller common.Address, assets *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keeper.HarvestRequired(v.cfg.Address) {
		return nil, ErrNotHarvested
	}
	shares, err := v.ledger.Deposit(assets, receiver)
	if err != nil {
		return nil, err
	}
	v.liquidAssets.Add(v.liquidAssets, assets)

	v.logger.Debug("deposit", "assets", assets.String(), "shares", shares.String())
	v.metrics.Counter("vault_deposits").Inc()
	v.publish(events.TypeDeposited, events.Deposited{
		Vault:    v.cfg.Address,
		Caller:   caller,
		Receiver: receiver,
		Assets:   assets.Clone(),
		Shares:   shares.Clone(),
	})
	return shares, nil
}

// Redeem burns shares for an instant asset payout when withdrawable
// liquidity covers it; otherwise the caller must use the exit queue.
func (v *Vault) Redeem(owner common.Address, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keeper.HarvestRequired(v.cfg.Address) {
		return nil, ErrNotHarvested
	}
	if v.cfg.SharesLocked != nil && v.cfg.SharesLocked(owner, shares) {
		return nil, ErrSharesLocked
	}

	assets, err := v.ledger.ConvertToAssets(shares)
	if err != nil {
		return nil, err
	}
	if assets.IsZero() {
		return nil, ErrInvalidShares
	}
	if assets.Gt(v.withdrawableAssets()) {
		return nil, ErrInsufficientAssets
	}
	if err := v.ledger.DebitShares(owner, shares); err != nil {
		return nil, err
	}
	if err := v.ledger.Retire(shares, assets); err != nil {
		return nil, err
	}
	v.liquidAssets.Sub(v.liquidAssets, assets)

	v.metrics.Counter("vault_redeems").Inc()
	v.publish(events.TypeRedeemed, events.Redeemed{
		Vault:    v.cfg.Address,
		Owner:    owner,
		Receiver: receiver,
		Assets:   assets.Clone(),
		Shares:   shares.Clone(),
	})
	return assets, nil
}

// EnterExitQueue burns shares from owner's circulating balance into the
// deferred exit queue and returns the redemption ticket.
func (v *Vault) EnterExitQueue(owner common.Address, shares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.keeper.HarvestRequired(v.cfg.Address) {
		return nil, ErrNotHarvested
	}
	if v.cfg.SharesLocked != nil && v.cfg.SharesLocked(owner, shares) {
		return nil, ErrSharesLocked
	}
	if receiver == (common.Address{}) {
		return nil, ErrZeroAddress
	}

	if err := v.ledger.DebitShares(owner, shares); err != nil {
		return nil, err
	}
	now := v.cfg.Now()
	ticket, err := v.queue.Enter(receiver, shares, now)
	if err != nil {
		return nil, err
	}

	v.logger.Debug("exit queue entered", "ticket", ticket.String(), "shares", shares.String())
	v.metrics.Counter("vault_exit_entries").Inc()
	v.metrics.Gauge("vault_queued_shares_gwei").Set(gaugeGwei(v.queue.QueuedShares()))
	v.publish(events.TypeExitQueueEntered, events.ExitQueueEntered{
		Vault:    v.cfg.Address,
		Owner:    owner,
		Receiver: receiver,
		Ticket:   ticket.Clone(),
		Shares:   shares.Clone(),
	})
	return ticket, nil
}

// UpdateState is the vault's consensus entry point: it harvests the
// Merkle-proven reward delta from the keeper, applies it to the ledger,
// pulls unlocked MEV from the escrow, and runs a checkpoint pass over
// the exit queue — atomically under the vault mutex. The keeper
// advances the harvest nonce before any value moves, so a reentrant
// observer cannot replay the same generation.
//
// A zero-delta harvest still runs the checkpoint pass: fresh liquidity
// may retire queued shares even when rewards did not change.
func (v *Vault) UpdateState(params keeper.HarvestParams) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	delta, err := v.keeper.Harvest(v.cfg.Address, params)
	if err != nil {
		return err
	}

	if !delta.Zero() {
		feeShares, err := v.ledger.ApplyRewardDelta(delta.Reward, delta.UnlockedMev)
		if err != nil {
			return err
		}
		if !feeShares.IsZero() {
			v.logger.Debug("fee shares minted", "shares", feeShares.String())
		}
	}

	// Pull only what the snapshot attributed: escrow proceeds beyond
	// the unlocked delta are not yet part of ledger accounting.
	if v.escrow != nil && !delta.UnlockedMev.IsZero() {
		pulled, err := v.escrow.Harvest(v.cfg.Address, delta.UnlockedMev)
		if err != nil {
			return err
		}
		v.liquidAssets.Add(v.liquidAssets, pulled)
	}

	retiredShares, retiredAssets, err := v.queue.ProcessCheckpoint(v.ledger, v.withdrawableAssets())
	if err != nil {
		return err
	}
	if !retiredShares.IsZero() {
		v.metrics.Counter("vault_checkpoints").Inc()
		v.publish(events.TypeCheckpointCreated, events.CheckpointCreated{
			Vault:  v.cfg.Address,
			Shares: retiredShares.Clone(),
			Assets: retiredAssets.Clone(),
		})
	}

	v.metrics.Counter("vault_state_updates").Inc()
	v.metrics.Gauge("vault_total_assets_gwei").Set(gaugeGwei(v.ledger.TotalAssets()))
	return nil
}

// gaugeGwei scales a wei amount to gwei for gauge export, clamping at
// the int64 range instead of truncating. Amounts are bounded to 128
// bits, so only the clamp loses precision.
func gaugeGwei(wei *uint256.Int) int64 {
	g := new(uint256.Int).Div(wei, uint256.NewInt(1_000_000_000))
	if !g.IsUint64() || g.Uint64() > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(g.Uint64())
}

// ClaimExitedAssets pays out the checkpoint-covered portion of a queued
// redemption after the exit delay. Returns the paid assets and, for
// partial claims, the shifted ticket of the remainder.
func (v *Vault) ClaimExitedAssets(
	caller common.Address,
	ticket *uint256.Int,
	requestTimestamp uint64,
	index int,
) (*uint256.Int, *uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	assets, newTicket, err := v.queue.Claim(
		caller, ticket, requestTimestamp, index,
		v.cfg.Now(), v.cfg.ExitingAssetsClaimDelay,
	)
	if err != nil {
		return nil, nil, err
	}
	v.liquidAssets.Sub(v.liquidAssets, assets)

	v.metrics.Counter("vault_exit_claims").Inc()
	v.publish(events.TypeExitedAssetsClaimed, events.ExitedAssetsClaimed{
		Vault:      v.cfg.Address,
		Receiver:   caller,
		PrevTicket: ticket.Clone(),
		NewTicket:  newTicket,
		Assets:     assets.Clone(),
	})
	return assets, newTicket, nil
}

// GetExitQueueIndex returns the checkpoint index covering ticket, or
// -1 while the request is unprocessed.
func (v *Vault) GetExitQueueIndex(ticket *uint256.Int) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.queue.GetExitQueueIndex(ticket)
}

// IsStateUpdateRequired proxies the keeper's staleness predicate.
func (v *Vault) IsStateUpdateRequired() bool {
	return v.keeper.HarvestRequired(v.cfg.Address)
}

// SetFeeRecipient rotates the fee recipient. Admin-only, and gated on
// the harvested state so stale fee accounting cannot be redirected.
func (v *Vault) SetFeeRecipient(caller, recipient common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.cfg.Admin {
		return ErrAccessDenied
	}
	if v.keeper.HarvestRequired(v.cfg.Address) {
		return ErrNotHarvested
	}
	if err := v.ledger.SetFeeRecipient(recipient); err != nil {
		return err
	}
	v.publish(events.TypeFeeRecipientUpdated, events.FeeRecipientUpdated{
		Vault:        v.cfg.Address,
		FeeRecipient: recipient,
	})
	return nil
}

// StakeAssets moves withdrawable liquidity to the external staking
// boundary (the protocol deposit contract). Admin-only.
func (v *Vault) StakeAssets(caller common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.cfg.Admin {
		return ErrAccessDenied
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAssets
	}
	if amount.Gt(v.withdrawableAssets()) {
		return ErrInsufficientAssets
	}
	v.liquidAssets.Sub(v.liquidAssets, amount)
	return nil
}

// ReceiveStakingWithdrawal credits validator-exit proceeds arriving
// from the staking boundary back into vault liquidity.
func (v *Vault) ReceiveStakingWithdrawal(amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	v.mu.Lock()
	v.liquidAssets.Add(v.liquidAssets, amount)
	v.mu.Unlock()
}

// WithdrawableAssets returns liquidity available to retire queued
// shares or serve instant redemptions: the unstaked balance minus the
// assets already escrowed for unclaimed exits.
func (v *Vault) WithdrawableAssets() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.withdrawableAssets()
}

func (v *Vault) withdrawableAssets() *uint256.Int {
	unclaimed := v.queue.UnclaimedAssets()
	if unclaimed.Gt(v.liquidAssets) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(v.liquidAssets, unclaimed)
}

// --- read-only views ---

// TotalShares returns the pool's total shares.
func (v *Vault) TotalShares() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.TotalShares()
}

// TotalAssets returns the pool's total assets.
func (v *Vault) TotalAssets() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.TotalAssets()
}

// SharesOf returns a holder's circulating share balance.
func (v *Vault) SharesOf(addr common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.SharesOf(addr)
}

// QueuedShares returns the unretired queued shares.
func (v *Vault) QueuedShares() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.queue.QueuedShares()
}

// ConvertToShares converts assets to shares at the current price.
func (v *Vault) ConvertToShares(assets *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.ConvertToShares(assets)
}

// ConvertToAssets converts shares to assets at the current price.
func (v *Vault) ConvertToAssets(shares *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.ConvertToAssets(shares)
}

// FeeRecipient returns the current fee recipient.
func (v *Vault) FeeRecipient() common.Address {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledger.FeeRecipient()
}

// Ledger exposes the underlying ledger for invariant checks in tests
// and off-chain tooling. Callers must not mutate through it.
func (v *Vault) Ledger() *ShareLedger { return v.ledger }

// Queue exposes the underlying exit queue for invariant checks.
func (v *Vault) Queue() *ExitQueue { return v.queue }

func (v *Vault) publish(t events.Type, data interface{}) {
	if v.bus != nil {
		v.bus.Publish(t, data)
	}
}
