package types

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Header is the part of a block that links it into a chain.
type Header struct {
	PrevHash   Hash   `json:"prev_hash"`
	MerkleRoot Hash   `json:"merkle_root"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Height     int64  `json:"height"`
	TxCount    uint32 `json:"tx_count"`
	Signature  []byte `json:"signature"`
	Extend     []byte `json:"extend"`
}

// ValidateBasic performs stateless checks on the header.
func (h Header) ValidateBasic() error {
	if h.Height <= 0 {
		return fmt.Errorf("non-positive height %d", h.Height)
	}
	if h.Height > 1 && h.PrevHash.IsZero() {
		return errors.New("missing previous hash")
	}
	return nil
}

// Hash returns the header hash. The signature is not part of the preimage,
// so re-signing a header does not change its identity.
func (h *Header) Hash() Hash {
	bz, err := h.encodeUnsigned()
	if err != nil {
		panic(fmt.Errorf("encoding header: %w", err))
	}
	return checksum(bz)
}

// Block is an immutable header plus its ordered transactions.
type Block struct {
	mtx sync.Mutex

	Header `json:"header"`
	Txs    Txs `json:"txs"`

	// cached on first use
	hash *Hash
}

// MakeBlock returns a new block on top of prev with the header fields that are
// a function of the block data filled in.
func MakeBlock(height int64, prev Hash, timestamp int64, txs []Tx) *Block {
	b := &Block{
		Header: Header{
			PrevHash:  prev,
			Timestamp: timestamp,
			Height:    height,
		},
		Txs: txs,
	}
	b.fillHeader()
	return b
}

func (b *Block) fillHeader() {
	b.TxCount = uint32(len(b.Txs))
	b.MerkleRoot = b.Txs.Hash()
}

// ValidateBasic performs stateless checks on the block. Semantic validation
// belongs to the consensus collaborator.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if err := b.Header.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	if int(b.TxCount) != len(b.Txs) {
		return fmt.Errorf("tx count mismatch: header says %d, block has %d", b.TxCount, len(b.Txs))
	}
	if got := b.Txs.Hash(); got != b.MerkleRoot {
		return fmt.Errorf("wrong merkle root: expected %v, got %v", b.MerkleRoot, got)
	}
	return nil
}

// Hash computes and returns the block hash. The value is computed once and
// cached; later header mutations are not reflected.
func (b *Block) Hash() Hash {
	if b == nil {
		return Hash{}
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.hash == nil {
		h := b.Header.Hash()
		b.hash = &h
	}
	return *b.hash
}

// Size returns the size of the encoded block in bytes.
func (b *Block) Size() int {
	if b == nil {
		return 0
	}

	bz, err := b.Marshal()
	if err != nil {
		return 0
	}
	return len(bz)
}

// String returns a short description of the block.
func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block#%v{%d txs}", b.Hash().Short(), len(b.Txs))
}

// StringIndented returns an indented String.
func (b *Block) StringIndented(indent string) string {
	if b == nil {
		return "nil-Block"
	}

	lines := []string{
		fmt.Sprintf("Hash:       %v", b.Hash()),
		fmt.Sprintf("Height:     %d", b.Height),
		fmt.Sprintf("PrevHash:   %v", b.PrevHash),
		fmt.Sprintf("MerkleRoot: %v", b.MerkleRoot),
		fmt.Sprintf("Timestamp:  %d", b.Timestamp),
		fmt.Sprintf("Txs:        %d", len(b.Txs)),
	}
	return "Block{\n" + indent + "  " + strings.Join(lines, "\n"+indent+"  ") + "\n" + indent + "}"
}

// Blocks is a height-sortable slice of blocks.
type Blocks []*Block

func (bs Blocks) Len() int           { return len(bs) }
func (bs Blocks) Less(i, j int) bool { return bs[i].Height < bs[j].Height }
func (bs Blocks) Swap(i, j int)      { bs[i], bs[j] = bs[j], bs[i] }
