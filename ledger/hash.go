package ledger

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/actuation-gate/interfaces"
)

var transactionArguments = func() abi.Arguments {
	stringTy, _ := abi.NewType("string", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	bytesTy, _ := abi.NewType("bytes", "", nil)
	uint64Ty, _ := abi.NewType("uint64", "", nil)
	int64Ty, _ := abi.NewType("int64", "", nil)
	boolTy, _ := abi.NewType("bool", "", nil)

	return abi.Arguments{
		{Type: stringTy},  // id
		{Type: bytes32Ty}, // command hash
		{Type: bytesTy},   // sender signature
		{Type: int64Ty},   // timestamp, unix nanoseconds
		{Type: uint64Ty},  // block number
		{Type: bytes32Ty}, // previous hash
		{Type: bytes32Ty}, // merkle root
		{Type: boolTy},    // bypass
	}
}()

// TransactionHash computes the hash of a transaction. The consensus
// signature, validator set and confirmation flag are excluded so that
// endorsement and confirmation do not change a block's identity.
func TransactionHash(tx interfaces.Transaction) (interfaces.Hash, error) {
	packed, err := transactionArguments.Pack(
		tx.ID,
		[32]byte(tx.CommandHash),
		tx.SenderSignature,
		tx.Timestamp.UnixNano(),
		tx.BlockNumber,
		[32]byte(tx.PreviousHash),
		[32]byte(tx.MerkleRoot),
		tx.Bypass,
	)
	if err != nil {
		return interfaces.Hash{}, err
	}
	return interfaces.Hash(crypto.Keccak256Hash(packed)), nil
}

// MerkleRoot computes a binary Keccak-256 Merkle root over leaves. An odd
// node at any level is paired with itself; a single leaf is its own root.
func MerkleRoot(leaves []interfaces.Hash) interfaces.Hash {
	if len(leaves) == 0 {
		return interfaces.Hash{}
	}

	level := append([]interfaces.Hash(nil), leaves...)
	for len(level) > 1 {
		next := make([]interfaces.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, interfaces.Hash(crypto.Keccak256Hash(level[i][:], right[:])))
		}
		level = next
	}
	return level[0]
}
