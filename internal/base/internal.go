package base

// SeqNum is a sequence number defining precedence among identical keys. A key
// with a higher sequence number takes precedence over a key with an equal
// logical key of a lower sequence number. Sequence numbers are stored
// durably within the internal key "trailer" as a 7-byte (uint56) uint, and
// the maximum sequence number is 2^56-1. As keys are committed to the
// database, they're assigned increasing sequence numbers. Readers use
// sequence numbers to read a consistent database state, ignoring keys with
// sequence numbers larger than the readers' "visible sequence number."
//
// The database maintains an invariant that no two point keys with equal
// logical keys may have equal sequence numbers. Keys with differing logical
// keys may have equal sequence numbers. A key's sequence number may be
// changed to zero during compactions when it can be proven that no
// identical keys with lower sequence numbers exist.
type SeqNum uint64

const (
	// SeqNumZero is the zero sequence number, set by compactions if they can
	// guarantee there are no keys underneath an internal key.
	SeqNumZero SeqNum = 0
	// SeqNumStart is the first sequence number assigned to a key.
	SeqNumStart SeqNum = 1
	// SeqNumMax is the largest valid sequence number.
	SeqNumMax SeqNum = 1<<56 - 1
	// SeqNumBatchBit is set on batch sequence numbers which prevents those
	// entries from being excluded from iteration.
	SeqNumBatchBit SeqNum = 1 << 55
)

type InternalKeyKind uint8

const (
	InternalKeyKindDelete       InternalKeyKind = 0
	InternalKeyKindSet          InternalKeyKind = 1
	InternalKeyKindMerge        InternalKeyKind = 2
	InternalKeyKindLogData      InternalKeyKind = 3
	InternalKeyKindSingleDelete InternalKeyKind = 7
	InternalKeyKindRangeDelete  InternalKeyKind = 15

	// InternalKeyKindSeparator is a key used for separator / successor keys
	// written to sstable block indexes.
	InternalKeyKindSeparator InternalKeyKind = 17

	// InternalKeyKindRangeKeyDelete removes all range keys within a key range.
	InternalKeyKindRangeKeyDelete InternalKeyKind = 19

	// InternalKeyKindRangeKeyUnset / InternalKeyKindRangeKeySet represent
	// keys that set and unset values associated with ranges of key space.
	InternalKeyKindRangeKeyUnset InternalKeyKind = 20
	InternalKeyKindRangeKeySet   InternalKeyKind = 21

	InternalKeyKindRangeKeyMin InternalKeyKind = InternalKeyKindRangeKeyDelete
	InternalKeyKindRangeKeyMax InternalKeyKind = InternalKeyKindRangeKeySet

	// InternalKeyKindIngestSST distinguishes a batch that corresponds to the
	// WAL entry for ingested sstables added to the flushable queue.
	InternalKeyKindIngestSST InternalKeyKind = 22

	// InternalKeyKindMax isn't part of the file format; it sorts 'less than
	// or equal to' any other valid InternalKeyKind and is used to build
	// search keys.
	InternalKeyKindMax InternalKeyKind = 23

	// InternalKeyZeroSeqNumMaxTrailer is the largest trailer with a zero
	// sequence number.
	InternalKeyZeroSeqNumMaxTrailer InternalKeyTrailer = 255

	// InternalKeyRangeDeleteSentinel is the marker for a range delete
	// sentinel key, used as the upper stable boundary when a range deletion
	// tombstone is the largest key in an sstable.
	InternalKeyRangeDeleteSentinel = (InternalKeyTrailer(SeqNumMax) << 8) | InternalKeyTrailer(InternalKeyKindRangeDelete)

	// InternalKeyBoundaryRangeKey is the marker for a range key boundary.
	InternalKeyBoundaryRangeKey = (InternalKeyTrailer(SeqNumMax) << 8) | InternalKeyTrailer(InternalKeyKindRangeKeySet)
)

type InternalKeyTrailer uint64

// MakeTrailer constructs an internal key trailer from the specified sequence
// number and kind.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return (InternalKeyTrailer(seqNum) << 8) | InternalKeyTrailer(kind)
}

// SeqNum returns the sequence number component of the trailer.
func (t InternalKeyTrailer) SeqNum() SeqNum {
	return SeqNum(t >> 8)
}

// Kind returns the key kind component of the trailer.
func (t InternalKeyTrailer) Kind() InternalKeyKind {
	return InternalKeyKind(t & 0xff)
}

// InternalKey is a key used for the in-memory and on-disk partial DBs that
// make up the store.
//
// It consists of the logical key (as given by the code above this package)
// followed by 8-bytes of metadata:
//   - 1 byte for the type of internal key,
//   - 7 bytes for a uint56 sequence number, in little-endian format.
type InternalKey struct {
	LogicalKey []byte
	Trailer    InternalKeyTrailer
}

// MakeInternalKey constructs an internal key from a specified logical key,
// sequence number and kind.
func MakeInternalKey(logicalKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{
		LogicalKey: logicalKey,
		Trailer:    MakeTrailer(seqNum, kind),
	}
}

// MakeSearchKey constructs an internal key appropriate for searching for the
// specified logical key. The search key carries the maximal sequence number
// and kind, ensuring it sorts before any other internal key for the same
// logical key.
func MakeSearchKey(logicalKey []byte) InternalKey {
	return MakeInternalKey(logicalKey, SeqNumMax, InternalKeyKindMax)
}

// MakeRangeDeleteSentinelKey constructs an internal key that is a range
// deletion sentinel key, used as the upper boundary for an sstable when a
// range deletion is the largest key in an sstable.
func MakeRangeDeleteSentinelKey(logicalKey []byte) InternalKey {
	return InternalKey{
		LogicalKey: logicalKey,
		Trailer:    InternalKeyRangeDeleteSentinel,
	}
}

// MakeExclusiveSentinelKey constructs an internal key that is an exclusive
// sentinel key, used as the upper boundary for an sstable when a ranged key
// is the largest key in an sstable.
func MakeExclusiveSentinelKey(kind InternalKeyKind, logicalKey []byte) InternalKey {
	return MakeInternalKey(logicalKey, SeqNumMax, kind)
}
