// Event payload structs. These are the binding contract for off-chain
// indexers; field sets mirror the on-chain event ABI one to one.
package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RewardsUpdated is published when the oracle committee's snapshot is
// accepted and the global rewards root advances.
type RewardsUpdated struct {
	Caller             common.Address
	RewardsRoot        common.Hash
	AvgRewardPerSecond uint64
	UpdateTimestamp    uint64
	Nonce              uint64
	RewardsIPFSHash    string
}

// Harvested is published when a vault claims its reward delta from the
// consensus snapshot. RewardDelta may be negative (penalty).
type Harvested struct {
	Vault            common.Address
	RewardsRoot      common.Hash
	RewardDelta      *big.Int
	UnlockedMevDelta *uint256.Int
}

// OracleAdded is published when an oracle joins the committee.
type OracleAdded struct {
	Oracle common.Address
}

// OracleRemoved is published when an oracle leaves the committee.
type OracleRemoved struct {
	Oracle common.Address
}

// Deposited is published when assets are pooled and shares minted.
type Deposited struct {
	Vault    common.Address
	Caller   common.Address
	Receiver common.Address
	Assets   *uint256.Int
	Shares   *uint256.Int
}

// Redeemed is published on an instant share-for-assets redemption.
type Redeemed struct {
	Vault    common.Address
	Owner    common.Address
	Receiver common.Address
	Assets   *uint256.Int
	Shares   *uint256.Int
}

// ExitQueueEntered is published when shares enter the deferred exit
// queue. Ticket is the cumulative-counter value identifying the request;
// indexers track it to resolve the later claim.
type ExitQueueEntered struct {
	Vault    common.Address
	Owner    common.Address
	Receiver common.Address
	Ticket   *uint256.Int
	Shares   *uint256.Int
}

// ExitedAssetsClaimed is published when a queued redemption is paid out.
// NewTicket is non-nil when the claim was partial and a remainder stays
// queued under the new ticket.
type ExitedAssetsClaimed struct {
	Vault      common.Address
	Receiver   common.Address
	PrevTicket *uint256.Int
	NewTicket  *uint256.Int
	Assets     *uint256.Int
}

// CheckpointCreated is published when available liquidity retires queued
// shares during a state update.
type CheckpointCreated struct {
	Vault  common.Address
	Shares *uint256.Int
	Assets *uint256.Int
}

// MevEscrowHarvested is published when a vault pulls accumulated MEV
// proceeds from its escrow.
type MevEscrowHarvested struct {
	Vault  common.Address
	Assets *uint256.Int
}

// FeeRecipientUpdated is published when the vault admin rotates the fee
// recipient.
type FeeRecipientUpdated struct {
	Vault        common.Address
	FeeRecipient common.Address
}
