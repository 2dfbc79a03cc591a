// MEV escrow collaborator: accumulates a vault's unlocked block-proposer
// proceeds until the vault pulls them during a state update.
package vault

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ethvault/ethvault/events"
)

// MevEscrow is the narrow interface the vault pulls MEV proceeds
// through.
type MevEscrow interface {
	// Harvest transfers up to max of the escrowed balance to the
	// calling vault and returns the amount moved. Proceeds above max
	// stay escrowed until a later consensus snapshot unlocks them.
	Harvest(caller common.Address, max *uint256.Int) (*uint256.Int, error)

	// Balance returns the currently escrowed amount.
	Balance() *uint256.Int
}

// OwnMevEscrow is a single-vault escrow. All methods are safe for
// concurrent use.
type OwnMevEscrow struct {
	mu      sync.Mutex
	vault   common.Address
	balance *uint256.Int
	bus     *events.Bus
}

// NewOwnMevEscrow creates an escrow owned by the given vault.
func NewOwnMevEscrow(vault common.Address, bus *events.Bus) *OwnMevEscrow {
	return &OwnMevEscrow{
		vault:   vault,
		balance: new(uint256.Int),
		bus:     bus,
	}
}

// Deposit credits incoming proposer proceeds to the escrow.
func (e *OwnMevEscrow) Deposit(amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	e.mu.Lock()
	e.balance.Add(e.balance, amount)
	e.mu.Unlock()
}

// Harvest implements MevEscrow. Only the owning vault may pull.
func (e *OwnMevEscrow) Harvest(caller common.Address, max *uint256.Int) (*uint256.Int, error) {
	if caller != e.vault {
		return nil, ErrAccessDenied
	}
	if max == nil || max.IsZero() {
		return new(uint256.Int), nil
	}
	e.mu.Lock()
	out := e.balance.Clone()
	if out.Gt(max) {
		out = max.Clone()
	}
	e.balance.Sub(e.balance, out)
	e.mu.Unlock()

	if e.bus != nil && !out.IsZero() {
		e.bus.Publish(events.TypeMevEscrowHarvested, events.MevEscrowHarvested{
			Vault:  caller,
			Assets: out.Clone(),
		})
	}
	return out, nil
}

// Balance implements MevEscrow.
func (e *OwnMevEscrow) Balance() *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance.Clone()
}
