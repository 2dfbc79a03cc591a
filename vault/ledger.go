// Share-accounting ledger: total shares, total assets and per-holder
// balances, with proportional share<->asset conversion and reward/fee
// application. Amounts are carried in 256-bit words but bounded to 128
// bits, so the x*y/d conversion can never overflow. Rounding is always
// floor on amounts leaving the pool, so rounding error favors the pool.
//
// The ledger is not self-locking; the owning Vault serializes access,
// mirroring the host chain's one-transaction-at-a-time execution.
package vault

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// FeeBasisPoints is the fee denominator (10_000 bps = 100%).
	FeeBasisPoints = 10_000

	// SecurityDeposit is the dead-share floor minted at first
	// collateralization: 1 gwei of shares and assets credited to an
	// unrecoverable address, defeating the first-depositor
	// share-price inflation attack.
	SecurityDeposit = 1_000_000_000
)

// DeadAddress receives the dead-share floor; nothing can spend from it.
var DeadAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// fitsUint128 reports whether x is within the 128-bit accounting range.
func fitsUint128(x *uint256.Int) bool {
	return x.BitLen() <= 128
}

// ShareLedger owns the pool aggregates and per-holder share balances.
type ShareLedger struct {
	totalShares *uint256.Int
	totalAssets *uint256.Int
	balances    map[common.Address]*uint256.Int

	capacity     *uint256.Int // zero means unlimited
	feePercent   uint16       // bps
	feeRecipient common.Address
}

// NewShareLedger creates an empty, uncollateralized ledger.
func NewShareLedger(capacity *uint256.Int, feePercent uint16, feeRecipient common.Address) (*ShareLedger, error) {
	if feePercent > FeeBasisPoints {
		return nil, ErrInvalidFeePercent
	}
	if feePercent > 0 && feeRecipient == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if capacity == nil {
		capacity = new(uint256.Int)
	}
	return &ShareLedger{
		totalShares:  new(uint256.Int),
		totalAssets:  new(uint256.Int),
		balances:     make(map[common.Address]*uint256.Int),
		capacity:     capacity.Clone(),
		feePercent:   feePercent,
		feeRecipient: feeRecipient,
	}, nil
}

// Collateralize mints the dead-share floor. Idempotent: once the pool
// holds any shares the floor exists and the call is a no-op.
func (l *ShareLedger) Collateralize() {
	if !l.totalShares.IsZero() {
		return
	}
	floor := uint256.NewInt(SecurityDeposit)
	l.totalShares.Set(floor)
	l.totalAssets.Set(floor)
	l.balances[DeadAddress] = floor.Clone()
}

// IsCollateralized reports whether the dead-share floor exists.
func (l *ShareLedger) IsCollateralized() bool {
	return !l.totalShares.IsZero()
}

// ConvertToShares converts an asset amount to shares at the current
// price, rounding down. Fails on an uncollateralized pool: division by
// zero here is a state the floor makes unreachable.
func (l *ShareLedger) ConvertToShares(assets *uint256.Int) (*uint256.Int, error) {
	if l.totalAssets.IsZero() {
		return nil, ErrNotCollateralized
	}
	z := new(uint256.Int).Mul(assets, l.totalShares)
	return z.Div(z, l.totalAssets), nil
}

// ConvertToAssets converts a share amount to assets at the current
// price, rounding down.
func (l *ShareLedger) ConvertToAssets(shares *uint256.Int) (*uint256.Int, error) {
	if l.totalShares.IsZero() {
		return nil, ErrNotCollateralized
	}
	z := new(uint256.Int).Mul(shares, l.totalAssets)
	return z.Div(z, l.totalShares), nil
}

// Deposit mints shares for assets at the current price. The caller has
// already passed the freshness gate; the ledger enforces capacity and
// the 128-bit range.
func (l *ShareLedger) Deposit(assets *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	if assets == nil || assets.IsZero() {
		return nil, ErrInvalidAssets
	}
	if receiver == (common.Address{}) {
		return nil, ErrZeroAddress
	}

	newTotal := new(uint256.Int).Add(l.totalAssets, assets)
	if !l.capacity.IsZero() && newTotal.Gt(l.capacity) {
		return nil, ErrCapacityExceeded
	}
	if !fitsUint128(newTotal) {
		return nil, ErrAmountTooLarge
	}

	shares, err := l.ConvertToShares(assets)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, ErrInvalidAssets
	}

	l.totalAssets.Set(newTotal)
	l.totalShares.Add(l.totalShares, shares)
	l.credit(receiver, shares)
	return shares.Clone(), nil
}

// ApplyRewardDelta applies one harvested consensus delta. A positive
// reward first mints fee shares to the fee recipient at the pre-reward
// share price, then adds the full delta to total assets; the share
// price captures the remainder. A negative reward (slashing penalty)
// reduces total assets with no share burn: the loss is socialized
// pro-rata through the lower share price. unlockedMev is added
// unconditionally and generates no additional fee.
//
// Returns the fee shares minted (zero on penalties).
func (l *ShareLedger) ApplyRewardDelta(reward *big.Int, unlockedMev *uint256.Int) (*uint256.Int, error) {
	if !l.IsCollateralized() {
		return nil, ErrNotCollateralized
	}

	feeShares := new(uint256.Int)
	switch {
	case reward.Sign() > 0:
		rewardU, overflow := uint256.FromBig(reward)
		if overflow || !fitsUint128(rewardU) {
			return nil, ErrAmountTooLarge
		}
		if l.feePercent > 0 {
			feeAssets := new(uint256.Int).Mul(rewardU, uint256.NewInt(uint64(l.feePercent)))
			feeAssets.Div(feeAssets, uint256.NewInt(FeeBasisPoints))
			shares, err := l.ConvertToShares(feeAssets)
			if err != nil {
				return nil, err
			}
			feeShares = shares
		}
		l.totalAssets.Add(l.totalAssets, rewardU)
		if !feeShares.IsZero() {
			l.totalShares.Add(l.totalShares, feeShares)
			l.credit(l.feeRecipient, feeShares)
		}

	case reward.Sign() < 0:
		penalty, overflow := uint256.FromBig(new(big.Int).Neg(reward))
		if overflow || !fitsUint128(penalty) {
			return nil, ErrAmountTooLarge
		}
		if penalty.Gt(l.totalAssets) {
			return nil, ErrNegativeTotalAssets
		}
		l.totalAssets.Sub(l.totalAssets, penalty)
	}

	if unlockedMev != nil && !unlockedMev.IsZero() {
		l.totalAssets.Add(l.totalAssets, unlockedMev)
	}
	if !fitsUint128(l.totalAssets) || !fitsUint128(l.totalShares) {
		return nil, ErrAmountTooLarge
	}
	return feeShares.Clone(), nil
}

// DebitShares removes shares from a holder's circulating balance
// without touching the pool aggregates (exit-queue entry: the shares
// keep accruing until a checkpoint retires them).
func (l *ShareLedger) DebitShares(owner common.Address, shares *uint256.Int) error {
	if shares == nil || shares.IsZero() {
		return ErrInvalidShares
	}
	bal, ok := l.balances[owner]
	if !ok || bal.Lt(shares) {
		return ErrInsufficientShares
	}
	bal.Sub(bal, shares)
	if bal.IsZero() {
		delete(l.balances, owner)
	}
	return nil
}

// Retire removes shares and their asset value from the pool aggregates
// (checkpoint retirement and instant redemption).
func (l *ShareLedger) Retire(shares, assets *uint256.Int) error {
	if shares.Gt(l.totalShares) || assets.Gt(l.totalAssets) {
		return ErrInsufficientShares
	}
	l.totalShares.Sub(l.totalShares, shares)
	l.totalAssets.Sub(l.totalAssets, assets)
	return nil
}

func (l *ShareLedger) credit(addr common.Address, shares *uint256.Int) {
	if bal, ok := l.balances[addr]; ok {
		bal.Add(bal, shares)
		return
	}
	l.balances[addr] = shares.Clone()
}

// SharesOf returns the holder's circulating share balance.
func (l *ShareLedger) SharesOf(addr common.Address) *uint256.Int {
	if bal, ok := l.balances[addr]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

// CirculatingShares returns the sum of all holder balances (used by the
// conservation invariant: circulating + queued == total).
func (l *ShareLedger) CirculatingShares() *uint256.Int {
	sum := new(uint256.Int)
	for _, bal := range l.balances {
		sum.Add(sum, bal)
	}
	return sum
}

// TotalShares returns the pool's total shares.
func (l *ShareLedger) TotalShares() *uint256.Int { return l.totalShares.Clone() }

// TotalAssets returns the pool's total assets.
func (l *ShareLedger) TotalAssets() *uint256.Int { return l.totalAssets.Clone() }

// Capacity returns the deposit capacity (zero means unlimited).
func (l *ShareLedger) Capacity() *uint256.Int { return l.capacity.Clone() }

// FeePercent returns the fee in basis points.
func (l *ShareLedger) FeePercent() uint16 { return l.feePercent }

// FeeRecipient returns the current fee recipient.
func (l *ShareLedger) FeeRecipient() common.Address { return l.feeRecipient }

// SetFeeRecipient rotates the fee recipient. The Vault gates this on
// admin identity and harvested state.
func (l *ShareLedger) SetFeeRecipient(recipient common.Address) error {
	if recipient == (common.Address{}) {
		return ErrZeroAddress
	}
	l.feeRecipient = recipient
	return nil
}
