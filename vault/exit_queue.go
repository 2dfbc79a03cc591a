// Deferred exit queue. A redemption request is identified by a ticket:
// the cumulative queued-shares counter at the moment of entry. State
// updates retire queued shares against available liquidity and append
// checkpoints of cumulative retired shares and paid assets; a claim
// binary-searches the checkpoint array for the first checkpoint whose
// cumulative shares exceed the ticket and pays the proportional slice.
//
// Per-ticket state is a ticket -> {owner, remaining shares, entry
// timestamp} map; everything else derives from the cumulative sums.
// Partial-claim payouts round floor-to-pool on the final wei.
package vault

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Checkpoint is one cumulative snapshot of retired queued shares and
// the assets escrowed for them. Both fields are non-decreasing across
// the append-only checkpoint array.
type Checkpoint struct {
	CumulativeShares *uint256.Int
	CumulativeAssets *uint256.Int
}

// exitRequest is the mutable remainder of one queued redemption.
type exitRequest struct {
	owner     common.Address
	shares    *uint256.Int
	timestamp uint64
}

// ExitQueue holds pending redemption tickets and their checkpoints.
// Not self-locking; the owning Vault serializes access.
type ExitQueue struct {
	queuedShares  *uint256.Int
	ticketCounter *uint256.Int

	checkpoints []Checkpoint

	// requests is keyed by the ticket's 32-byte representation.
	requests map[common.Hash]*exitRequest

	// unclaimedAssets tracks assets escrowed by checkpoints but not
	// yet claimed; the vault excludes them from withdrawable
	// liquidity.
	unclaimedAssets *uint256.Int
}

// NewExitQueue creates an empty queue.
func NewExitQueue() *ExitQueue {
	return &ExitQueue{
		queuedShares:    new(uint256.Int),
		ticketCounter:   new(uint256.Int),
		unclaimedAssets: new(uint256.Int),
		requests:        make(map[common.Hash]*exitRequest),
	}
}

func ticketKey(ticket *uint256.Int) common.Hash {
	return common.Hash(ticket.Bytes32())
}

// Enter queues shares for deferred redemption and returns the ticket.
// The caller has already debited the shares from the holder's balance.
func (q *ExitQueue) Enter(owner common.Address, shares *uint256.Int, timestamp uint64) (*uint256.Int, error) {
	if shares == nil || shares.IsZero() {
		return nil, ErrInvalidShares
	}
	if owner == (common.Address{}) {
		return nil, ErrZeroAddress
	}

	ticket := q.ticketCounter.Clone()
	q.ticketCounter.Add(q.ticketCounter, shares)
	q.queuedShares.Add(q.queuedShares, shares)
	q.requests[ticketKey(ticket)] = &exitRequest{
		owner:     owner,
		shares:    shares.Clone(),
		timestamp: timestamp,
	}
	return ticket, nil
}

// ProcessCheckpoint retires up to availableAssets worth of queued
// shares at the current share price and appends a checkpoint. No
// checkpoint is appended when nothing retires, so inactivity never
// grows the array. Returns the retired shares and assets.
func (q *ExitQueue) ProcessCheckpoint(ledger *ShareLedger, availableAssets *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	zero := new(uint256.Int)
	if q.queuedShares.IsZero() || availableAssets == nil || availableAssets.IsZero() {
		return zero, zero.Clone(), nil
	}

	retiredShares, err := ledger.ConvertToShares(availableAssets)
	if err != nil {
		return nil, nil, err
	}
	if retiredShares.Gt(q.queuedShares) {
		retiredShares = q.queuedShares.Clone()
	}
	if retiredShares.IsZero() {
		return zero, zero.Clone(), nil
	}
	retiredAssets, err := ledger.ConvertToAssets(retiredShares)
	if err != nil {
		return nil, nil, err
	}
	if err := ledger.Retire(retiredShares, retiredAssets); err != nil {
		return nil, nil, err
	}

	var prev Checkpoint
	if n := len(q.checkpoints); n > 0 {
		prev = q.checkpoints[n-1]
	} else {
		prev = Checkpoint{
			CumulativeShares: new(uint256.Int),
			CumulativeAssets: new(uint256.Int),
		}
	}
	q.checkpoints = append(q.checkpoints, Checkpoint{
		CumulativeShares: new(uint256.Int).Add(prev.CumulativeShares, retiredShares),
		CumulativeAssets: new(uint256.Int).Add(prev.CumulativeAssets, retiredAssets),
	})

	q.queuedShares.Sub(q.queuedShares, retiredShares)
	q.unclaimedAssets.Add(q.unclaimedAssets, retiredAssets)
	return retiredShares.Clone(), retiredAssets.Clone(), nil
}

// GetExitQueueIndex returns the index of the first checkpoint covering
// the ticket, or -1 while no checkpoint does (the request is still
// fully queued or liquidity never arrived).
func (q *ExitQueue) GetExitQueueIndex(ticket *uint256.Int) int {
	i := sort.Search(len(q.checkpoints), func(i int) bool {
		return q.checkpoints[i].CumulativeShares.Gt(ticket)
	})
	if i == len(q.checkpoints) {
		return -1
	}
	return i
}

// Claim pays out the portion of the request that checkpoints have
// covered. caller must own the request; requestTimestamp must match
// the entry (it is part of the request's identity); index must be the
// exact checkpoint index GetExitQueueIndex reports. now gates the
// anti-frontrunning exit delay.
//
// Supports partial claims: when checkpoints cover only part of the
// request, the remainder is re-recorded under a shifted ticket
// (original ticket plus claimed shares) and returned as newTicket.
func (q *ExitQueue) Claim(
	caller common.Address,
	ticket *uint256.Int,
	requestTimestamp uint64,
	index int,
	now uint64,
	claimDelay uint64,
) (*uint256.Int, *uint256.Int, error) {
	rec, ok := q.requests[ticketKey(ticket)]
	if !ok || rec.owner != caller || rec.timestamp != requestTimestamp {
		return nil, nil, ErrInvalidPosition
	}
	if now < requestTimestamp+claimDelay {
		return nil, nil, ErrClaimTooEarly
	}

	proper := q.GetExitQueueIndex(ticket)
	if proper == -1 {
		return nil, nil, ErrExitRequestNotProcessed
	}
	if index != proper {
		return nil, nil, ErrInvalidPosition
	}

	payout := new(uint256.Int)
	position := ticket.Clone()
	remaining := rec.shares.Clone()

	for i := index; i < len(q.checkpoints) && !remaining.IsZero(); i++ {
		cp := q.checkpoints[i]
		if !cp.CumulativeShares.Gt(position) {
			break
		}
		prevShares := new(uint256.Int)
		prevAssets := new(uint256.Int)
		if i > 0 {
			prevShares = q.checkpoints[i-1].CumulativeShares
			prevAssets = q.checkpoints[i-1].CumulativeAssets
		}
		cpShares := new(uint256.Int).Sub(cp.CumulativeShares, prevShares)
		cpAssets := new(uint256.Int).Sub(cp.CumulativeAssets, prevAssets)

		sliceShares := new(uint256.Int).Sub(cp.CumulativeShares, position)
		if remaining.Lt(sliceShares) {
			sliceShares = remaining.Clone()
		}

		// Proportional slice of the checkpoint's assets, floored to
		// the pool.
		sliceAssets := new(uint256.Int).Mul(sliceShares, cpAssets)
		sliceAssets.Div(sliceAssets, cpShares)

		payout.Add(payout, sliceAssets)
		position.Add(position, sliceShares)
		remaining.Sub(remaining, sliceShares)
	}

	// Guard before any mutation: a rejected claim must leave the
	// request record and the escrow untouched.
	if payout.Gt(q.unclaimedAssets) {
		return nil, nil, ErrInsufficientAssets
	}

	delete(q.requests, ticketKey(ticket))

	var newTicket *uint256.Int
	if !remaining.IsZero() {
		newTicket = position.Clone()
		q.requests[ticketKey(newTicket)] = &exitRequest{
			owner:     rec.owner,
			shares:    remaining,
			timestamp: rec.timestamp,
		}
	}

	// Claimed floor dust stays escrowed with the pool.
	q.unclaimedAssets.Sub(q.unclaimedAssets, payout)
	return payout, newTicket, nil
}

// QueuedShares returns shares burned from holders but not yet retired
// by a checkpoint.
func (q *ExitQueue) QueuedShares() *uint256.Int { return q.queuedShares.Clone() }

// TicketCounter returns the cumulative queued-shares counter (the next
// ticket value).
func (q *ExitQueue) TicketCounter() *uint256.Int { return q.ticketCounter.Clone() }

// UnclaimedAssets returns assets escrowed by checkpoints but unclaimed.
func (q *ExitQueue) UnclaimedAssets() *uint256.Int { return q.unclaimedAssets.Clone() }

// NumCheckpoints returns the checkpoint count.
func (q *ExitQueue) NumCheckpoints() int { return len(q.checkpoints) }

// CheckpointAt returns a copy of the checkpoint at index i.
func (q *ExitQueue) CheckpointAt(i int) (Checkpoint, bool) {
	if i < 0 || i >= len(q.checkpoints) {
		return Checkpoint{}, false
	}
	cp := q.checkpoints[i]
	return Checkpoint{
		CumulativeShares: cp.CumulativeShares.Clone(),
		CumulativeAssets: cp.CumulativeAssets.Clone(),
	}, true
}
