package kvdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/wallet/internal/db"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeAmount   tlv.Type = 0
	typePkScript tlv.Type = 1
	typeKeychain tlv.Type = 2
	typeIndex    tlv.Type = 3
	typeHeight   tlv.Type = 4
	typePrevTx   tlv.Type = 5

	// outPointKeyLen is the length of a serialized outpoint key.
	outPointKeyLen = chainhash.HashSize + 4
)

// utxoRecord is the TLV encoded value stored under an outpoint key.
type utxoRecord struct {
	amount   uint64
	pkScript []byte
	keychain uint8
	index    uint32
	height   uint32
	prevTx   []byte
}

func newUtxoRecord(info db.UtxoInfo) utxoRecord {
	return utxoRecord{
		amount:   uint64(info.Amount),
		pkScript: info.PkScript,
		keychain: uint8(info.Keychain),
		index:    info.Index,
		height:   uint32(info.Height),
		prevTx:   info.PrevTx,
	}
}

// EncodeRecords returns the records to write. The funding transaction is
// omitted when unknown.
func (u *utxoRecord) EncodeRecords() []tlv.Record {
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeAmount, &u.amount),
		tlv.MakePrimitiveRecord(typePkScript, &u.pkScript),
		tlv.MakePrimitiveRecord(typeKeychain, &u.keychain),
		tlv.MakePrimitiveRecord(typeIndex, &u.index),
		tlv.MakePrimitiveRecord(typeHeight, &u.height),
	}

	if len(u.prevTx) > 0 {
		records = append(records,
			tlv.MakePrimitiveRecord(typePrevTx, &u.prevTx))
	}

	return records
}

// DecodeRecords returns every record known for a stored UTXO.
func (u *utxoRecord) DecodeRecords() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeAmount, &u.amount),
		tlv.MakePrimitiveRecord(typePkScript, &u.pkScript),
		tlv.MakePrimitiveRecord(typeKeychain, &u.keychain),
		tlv.MakePrimitiveRecord(typeIndex, &u.index),
		tlv.MakePrimitiveRecord(typeHeight, &u.height),
		tlv.MakePrimitiveRecord(typePrevTx, &u.prevTx),
	}
}

// Encode writes the record as a TLV stream.
func (u *utxoRecord) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(u.EncodeRecords()...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads the record from a TLV stream.
func (u *utxoRecord) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(u.DecodeRecords()...)
	if err != nil {
		return err
	}

	return stream.Decode(r)
}

func (u *utxoRecord) info(op wire.OutPoint) (db.UtxoInfo, error) {
	if u.keychain > uint8(db.KeychainInternal) {
		return db.UtxoInfo{}, db.NewError(db.ErrCorruptRecord,
			fmt.Sprintf("utxo %v keychain %d", op, u.keychain), nil)
	}

	return db.UtxoInfo{
		OutPoint: op,
		Amount:   btcutil.Amount(u.amount),
		PkScript: u.pkScript,
		Keychain: db.Keychain(u.keychain),
		Index:    u.index,
		Height:   int32(u.height),
		PrevTx:   u.prevTx,
	}, nil
}

func serializeUtxo(info db.UtxoInfo) ([]byte, error) {
	record := newUtxoRecord(info)

	var b bytes.Buffer
	if err := record.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func deserializeUtxo(op wire.OutPoint, v []byte) (db.UtxoInfo, error) {
	var record utxoRecord
	if err := record.Decode(bytes.NewReader(v)); err != nil {
		return db.UtxoInfo{}, db.NewError(db.ErrCorruptRecord,
			fmt.Sprintf("decode utxo %v", op), err)
	}

	return record.info(op)
}

// outPointKey serializes an outpoint as txid followed by the big-endian
// output index so cursor order matches (txid, vout) order.
func outPointKey(op wire.OutPoint) []byte {
	k := make([]byte, outPointKeyLen)
	copy(k, op.Hash[:])
	binary.BigEndian.PutUint32(k[chainhash.HashSize:], op.Index)

	return k
}

func readOutPointKey(k []byte) (wire.OutPoint, error) {
	if len(k) != outPointKeyLen {
		return wire.OutPoint{}, db.NewError(db.ErrCorruptRecord,
			fmt.Sprintf("outpoint key length %d", len(k)), nil)
	}

	var op wire.OutPoint
	copy(op.Hash[:], k[:chainhash.HashSize])
	op.Index = binary.BigEndian.Uint32(k[chainhash.HashSize:])

	return op, nil
}
