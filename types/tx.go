package types

import (
	"fmt"
	"math/bits"
)

// Tx is an arbitrary byte array. The core never interprets transactions; it
// only carries them to the ledger collaborator.
type Tx []byte

// Hash computes the SHA-256 hash of the transaction bytes.
func (tx Tx) Hash() Hash { return checksum(tx) }

// String returns the hex-encoded transaction as a string.
func (tx Tx) String() string { return fmt.Sprintf("Tx{%X}", []byte(tx)) }

// Txs is a slice of Tx.
type Txs []Tx

// Hash returns the Merkle root of the transaction hashes.
func (txs Txs) Hash() Hash {
	leaves := make([][]byte, len(txs))
	for i, tx := range txs {
		h := tx.Hash()
		leaves[i] = h[:]
	}
	return merkleRoot(leaves)
}

var (
	leafPrefix  = []byte{0}
	innerPrefix = []byte{1}
)

// merkleRoot follows RFC 6962: leaves and inner nodes are domain separated and
// the tree is split at the largest power of two below the item count.
func merkleRoot(items [][]byte) Hash {
	switch len(items) {
	case 0:
		return checksum(nil)
	case 1:
		return checksum(append(append([]byte{}, leafPrefix...), items[0]...))
	default:
		k := splitPoint(len(items))
		left := merkleRoot(items[:k])
		right := merkleRoot(items[k:])
		buf := make([]byte, 0, 1+2*HashSize)
		buf = append(buf, innerPrefix...)
		buf = append(buf, left[:]...)
		buf = append(buf, right[:]...)
		return checksum(buf)
	}
}

func splitPoint(length int) int {
	if length < 1 {
		panic("trying to split a tree with size < 1")
	}
	k := 1 << uint(bits.Len(uint(length))-1)
	if k == length {
		k >>= 1
	}
	return k
}
