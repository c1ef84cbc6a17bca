package types

import (
	"errors"
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// codecVersion prefixes every encoded header so the layout can evolve.
const codecVersion = 1

// ErrUnknownCodecVersion is returned when decoding bytes written by a newer
// layout.
var ErrUnknownCodecVersion = errors.New("unknown codec version")

// encodeUnsigned writes the header fields that make up its identity. The
// fields are varint or length-delimited protobuf primitives in a fixed order.
func (h *Header) encodeUnsigned() ([]byte, error) {
	buf := proto.NewBuffer(make([]byte, 0, 2*HashSize+32+len(h.Extend)))
	if err := h.writeUnsigned(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (h *Header) writeUnsigned(buf *proto.Buffer) error {
	if err := buf.EncodeVarint(codecVersion); err != nil {
		return err
	}
	if err := buf.EncodeRawBytes(h.PrevHash[:]); err != nil {
		return err
	}
	if err := buf.EncodeRawBytes(h.MerkleRoot[:]); err != nil {
		return err
	}
	if err := buf.EncodeZigzag64(uint64(h.Timestamp)); err != nil {
		return err
	}
	if err := buf.EncodeZigzag64(uint64(h.Height)); err != nil {
		return err
	}
	if err := buf.EncodeVarint(uint64(h.TxCount)); err != nil {
		return err
	}
	return buf.EncodeRawBytes(h.Extend)
}

func (h *Header) write(buf *proto.Buffer) error {
	if err := h.writeUnsigned(buf); err != nil {
		return err
	}
	return buf.EncodeRawBytes(h.Signature)
}

func (h *Header) read(buf *proto.Buffer) error {
	version, err := buf.DecodeVarint()
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}
	if version != codecVersion {
		return fmt.Errorf("%w: %d", ErrUnknownCodecVersion, version)
	}

	if h.PrevHash, err = readHash(buf); err != nil {
		return fmt.Errorf("prev hash: %w", err)
	}
	if h.MerkleRoot, err = readHash(buf); err != nil {
		return fmt.Errorf("merkle root: %w", err)
	}

	ts, err := buf.DecodeZigzag64()
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	h.Timestamp = int64(ts)

	height, err := buf.DecodeZigzag64()
	if err != nil {
		return fmt.Errorf("height: %w", err)
	}
	h.Height = int64(height)

	count, err := buf.DecodeVarint()
	if err != nil {
		return fmt.Errorf("tx count: %w", err)
	}
	h.TxCount = uint32(count)

	if h.Extend, err = buf.DecodeRawBytes(true); err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	if h.Signature, err = buf.DecodeRawBytes(true); err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	return nil
}

func readHash(buf *proto.Buffer) (Hash, error) {
	bz, err := buf.DecodeRawBytes(false)
	if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(bz)
}

// Marshal encodes the block for storage and transport.
func (b *Block) Marshal() ([]byte, error) {
	if b == nil {
		return nil, errors.New("nil block")
	}

	buf := proto.NewBuffer(nil)
	if err := b.Header.write(buf); err != nil {
		return nil, err
	}
	if err := buf.EncodeVarint(uint64(len(b.Txs))); err != nil {
		return nil, err
	}
	for _, tx := range b.Txs {
		if err := buf.EncodeRawBytes(tx); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// BlockFromBytes decodes a block written by Marshal. Truncated input and a
// transaction count that disagrees with the header are rejected.
func BlockFromBytes(bz []byte) (*Block, error) {
	if len(bz) == 0 {
		return nil, errors.New("empty block bytes")
	}

	buf := proto.NewBuffer(bz)
	b := new(Block)
	if err := b.Header.read(buf); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}

	n, err := buf.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("decoding tx count: %w", err)
	}
	if n != uint64(b.TxCount) {
		return nil, fmt.Errorf("tx count mismatch: header says %d, body has %d", b.TxCount, n)
	}

	if n > 0 {
		b.Txs = make(Txs, 0, n)
	}
	for i := uint64(0); i < n; i++ {
		tx, err := buf.DecodeRawBytes(true)
		if err != nil {
			return nil, fmt.Errorf("decoding tx %d: %w", i, err)
		}
		b.Txs = append(b.Txs, Tx(tx))
	}
	return b, nil
}
