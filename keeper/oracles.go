// Oracle committee membership. The set is bounded and evaluated at
// signature-verification time, so membership changes between signing
// and submission are handled by re-checking each recovered signer
// against the current set rather than baking the set into the digest.
package keeper

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MaxOracles bounds the committee size.
const MaxOracles = 30

// OracleSet is a bounded set of oracle addresses. All methods are safe
// for concurrent use.
type OracleSet struct {
	mu      sync.RWMutex
	members map[common.Address]struct{}
	max     int
}

// NewOracleSet creates an empty set bounded by MaxOracles.
func NewOracleSet() *OracleSet {
	return &OracleSet{
		members: make(map[common.Address]struct{}),
		max:     MaxOracles,
	}
}

// Add inserts an oracle address.
func (s *OracleSet) Add(oracle common.Address) error {
	if oracle == (common.Address{}) {
		return ErrOracleUnknown
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[oracle]; ok {
		return ErrOracleExists
	}
	if len(s.members) >= s.max {
		return ErrOracleSetFull
	}
	s.members[oracle] = struct{}{}
	return nil
}

// Remove deletes an oracle address.
func (s *OracleSet) Remove(oracle common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[oracle]; !ok {
		return ErrOracleUnknown
	}
	delete(s.members, oracle)
	return nil
}

// Contains reports membership.
func (s *OracleSet) Contains(oracle common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[oracle]
	return ok
}

// Len returns the committee size.
func (s *OracleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Members returns the committee in ascending address order.
func (s *OracleSet) Members() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Address, 0, len(s.members))
	for addr := range s.members {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
