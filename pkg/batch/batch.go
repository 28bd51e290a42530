// Package batch implements the write batch: an ordered, length-prefixed
// sequence of mutation records that the write coordinator commits as a unit.
//
// Both RocksDB and Pebble route every mutation, even a single Put, through a
// batch so there is exactly one encode/apply path. This package follows the
// same approach: Put/Delete/etc. on the coordinator all build a one-record
// Batch and hand it to Write.
package batch

import (
	"encoding/binary"
	"errors"

	"boulder/internal/base"
)

// headerLen is the fixed-size batch header: 8-byte base sequence number + 4-byte
// record count, per §3 of the write-path data model.
const headerLen = 12

var (
	// ErrCorrupted is returned when a batch's encoded contents cannot be
	// decoded back into records.
	ErrCorrupted = errors.New("batch: corrupted record")
)

// Batch is an ordered, length-prefixed sequence of mutation records. Once
// handed to the coordinator it is treated as immutable; the coordinator only
// ever reads its contents and stamps the base sequence number into the
// header via SetSeqNum.
type Batch struct {
	// data is the encoded representation: headerLen bytes of header followed
	// by back-to-back records, each `kind(1) | keyLen(varint) | key |
	// [valLen(varint) | val]`.
	data []byte

	// count is the number of records encoded in data. Mirrors the 4-byte
	// count field in the header once Commit-size is known, kept separately
	// so callers can query it before the header is finalized.
	count uint32

	// hasTruncationPoint marks a batch that was built up incrementally with
	// an intermediate save/rollback point (e.g. via column-family write
	// batches merged together upstream). The WAL appender's single-writer
	// fast path (§4.4) requires this to be false.
	hasTruncationPoint bool

	// hasMerge marks a batch containing at least one Merge record, which
	// forces the write coordinator onto its serial (non-parallel) memtable
	// apply path.
	hasMerge bool
}

// New returns an empty batch with its header pre-allocated.
func New() *Batch {
	b := &Batch{data: make([]byte, headerLen)}
	return b
}

// Empty reports whether the batch carries no records.
func (b *Batch) Empty() bool {
	return b.count == 0
}

// Count returns the number of records in the batch.
func (b *Batch) Count() uint32 {
	return b.count
}

// HasTruncationPoint reports whether the batch was assembled with an
// intermediate save point, disqualifying it from the WAL appender's
// single-writer in-place fast path.
func (b *Batch) HasTruncationPoint() bool {
	return b.hasTruncationPoint
}

// HasMerge reports whether the batch contains at least one Merge record.
func (b *Batch) HasMerge() bool {
	return b.hasMerge
}

// Len returns the encoded length in bytes, including the header.
func (b *Batch) Len() int {
	return len(b.data)
}

// Data returns the encoded batch bytes, including the header. The returned
// slice must not be modified.
func (b *Batch) Data() []byte {
	return b.data
}

func (b *Batch) appendRecord(kind base.InternalKeyKind, key, val []byte) {
	var buf [binary.MaxVarintLen64]byte

	b.data = append(b.data, byte(kind))
	n := binary.PutUvarint(buf[:], uint64(len(key)))
	b.data = append(b.data, buf[:n]...)
	b.data = append(b.data, key...)

	switch kind {
	case base.InternalKeyKindSet, base.InternalKeyKindMerge, base.InternalKeyKindRangeDelete:
		n = binary.PutUvarint(buf[:], uint64(len(val)))
		b.data = append(b.data, buf[:n]...)
		b.data = append(b.data, val...)
	}

	if kind == base.InternalKeyKindMerge {
		b.hasMerge = true
	}
	b.count++
}

// Put appends a Set record.
func (b *Batch) Put(key, value []byte) {
	b.appendRecord(base.InternalKeyKindSet, key, value)
}

// Delete appends a Delete record.
func (b *Batch) Delete(key []byte) {
	b.appendRecord(base.InternalKeyKindDelete, key, nil)
}

// SingleDelete appends a SingleDelete record.
func (b *Batch) SingleDelete(key []byte) {
	b.appendRecord(base.InternalKeyKindSingleDelete, key, nil)
}

// DeleteRange appends a DeleteRange record. The end key is stored as the
// record's value.
func (b *Batch) DeleteRange(start, end []byte) {
	b.appendRecord(base.InternalKeyKindRangeDelete, start, end)
}

// Merge appends a Merge record.
func (b *Batch) Merge(key, operand []byte) {
	b.appendRecord(base.InternalKeyKindMerge, key, operand)
}

// SetSeqNum stamps the batch's base sequence number into its header. Per
// §3, every record's effective sequence is base + its index among records
// successfully admitted.
func (b *Batch) SetSeqNum(seq base.SeqNum) {
	binary.LittleEndian.PutUint64(b.data[0:8], uint64(seq))
	binary.LittleEndian.PutUint32(b.data[8:12], b.count)
}

// SeqNum returns the batch's base sequence number, as most recently set by
// SetSeqNum.
func (b *Batch) SeqNum() base.SeqNum {
	return base.SeqNum(binary.LittleEndian.Uint64(b.data[0:8]))
}

// Record is a single decoded mutation, stamped with its absolute sequence
// number by Reader.Next.
type Record struct {
	Kind  base.InternalKeyKind
	Key   []byte
	Value []byte
	Seq   base.SeqNum
}

// Reader decodes the records of an encoded batch in order, stamping each
// with its absolute sequence number (base + index).
type Reader struct {
	data []byte
	base base.SeqNum
	idx  uint32
}

// NewReader returns a Reader over b's current encoded contents.
func NewReader(b *Batch) *Reader {
	return &Reader{
		data: b.data[headerLen:],
		base: b.SeqNum(),
	}
}

// Next decodes the next record, or returns (nil, false) at the end of the
// batch. It returns an error only on malformed encoding.
func (r *Reader) Next() (*Record, bool, error) {
	if len(r.data) == 0 {
		return nil, false, nil
	}
	if len(r.data) < 1 {
		return nil, false, ErrCorrupted
	}

	kind := base.InternalKeyKind(r.data[0])
	rest := r.data[1:]

	keyLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(n)+keyLen > uint64(len(rest)) {
		return nil, false, ErrCorrupted
	}
	rest = rest[n:]
	key := rest[:keyLen]
	rest = rest[keyLen:]

	var val []byte
	switch kind {
	case base.InternalKeyKindSet, base.InternalKeyKindMerge, base.InternalKeyKindRangeDelete:
		valLen, n := binary.Uvarint(rest)
		if n <= 0 || uint64(n)+valLen > uint64(len(rest)) {
			return nil, false, ErrCorrupted
		}
		rest = rest[n:]
		val = rest[:valLen]
		rest = rest[valLen:]
	}

	rec := &Record{Kind: kind, Key: key, Value: val, Seq: r.base + base.SeqNum(r.idx)}
	r.idx++
	r.data = rest
	return rec, true, nil
}

// Merge copies every record of src, in order, onto the end of dst. Used by the
// WAL appender's batch-merge path (§4.4) to flatten a write group's
// constituent batches into a single scratch batch.
func Merge(dst *Batch, src *Batch) error {
	reader := NewReader(src)
	for {
		rec, ok, err := reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		switch rec.Kind {
		case base.InternalKeyKindSet:
			dst.Put(rec.Key, rec.Value)
		case base.InternalKeyKindDelete:
			dst.Delete(rec.Key)
		case base.InternalKeyKindSingleDelete:
			dst.SingleDelete(rec.Key)
		case base.InternalKeyKindRangeDelete:
			dst.DeleteRange(rec.Key, rec.Value)
		case base.InternalKeyKindMerge:
			dst.Merge(rec.Key, rec.Value)
		default:
			return ErrCorrupted
		}
	}
	return nil
}
