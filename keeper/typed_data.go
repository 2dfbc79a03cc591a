// EIP-712 typed-data digest for oracle rewards updates. The digest binds
// the snapshot root, its IPFS payload hash, the average reward rate, the
// update timestamp and the consensus nonce to a fixed domain
// (name, version, chain id, verifying contract), so a signature can be
// neither replayed across deployments nor across nonces.
package keeper

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP-712 domain constants for the rewards consensus.
const (
	DomainName    = "KeeperOracles"
	DomainVersion = "1"
)

var (
	eip712DomainTypeHash = crypto.Keccak256Hash(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	rewardsUpdateTypeHash = crypto.Keccak256Hash(
		[]byte("KeeperRewards(bytes32 rewardsRoot,string rewardsIpfsHash,uint256 avgRewardPerSecond,uint64 updateTimestamp,uint64 nonce)"),
	)
)

// uint64Word encodes v as a 32-byte big-endian word.
func uint64Word(v uint64) []byte {
	var word [32]byte
	new(big.Int).SetUint64(v).FillBytes(word[:])
	return word[:]
}

// addressWord encodes an address as a left-padded 32-byte word.
func addressWord(a common.Address) []byte {
	var word [32]byte
	copy(word[12:], a.Bytes())
	return word[:]
}

// DomainSeparator computes the EIP-712 domain separator for the given
// chain and verifying-contract address.
func DomainSeparator(chainID uint64, verifyingContract common.Address) common.Hash {
	return crypto.Keccak256Hash(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256([]byte(DomainName)),
		crypto.Keccak256([]byte(DomainVersion)),
		uint64Word(chainID),
		addressWord(verifyingContract),
	)
}

// RewardsUpdateDigest computes the digest every oracle signs for one
// rewards update. Dynamic fields (the IPFS hash) are hashed per EIP-712
// struct encoding rules.
func RewardsUpdateDigest(
	chainID uint64,
	verifyingContract common.Address,
	rewardsRoot common.Hash,
	rewardsIPFSHash string,
	avgRewardPerSecond uint64,
	updateTimestamp uint64,
	nonce uint64,
) common.Hash {
	structHash := crypto.Keccak256Hash(
		rewardsUpdateTypeHash.Bytes(),
		rewardsRoot.Bytes(),
		crypto.Keccak256([]byte(rewardsIPFSHash)),
		uint64Word(avgRewardPerSecond),
		uint64Word(updateTimestamp),
		uint64Word(nonce),
	)
	domain := DomainSeparator(chainID, verifyingContract)
	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		domain.Bytes(),
		structHash.Bytes(),
	)
}
