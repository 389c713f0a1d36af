package model

import (
	"fmt"
	"strconv"

	"github.com/devrev/pairdb/promoter/internal/util"
)

// Handle identifies a committed transaction within a partition. Handles are
// totally ordered and unique per partition; two records with the same handle
// are the same logical transaction.
type Handle uint64

// NoHandle is the zero handle. A replica reporting NoHandle has applied nothing.
const NoHandle Handle = 0

// Less reports whether h orders strictly before other
func (h Handle) Less(other Handle) bool {
	return h < other
}

// String returns the decimal form of the handle
func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// PartitionID identifies an independently ordered shard of the transaction stream
type PartitionID int32

// String returns the decimal form of the partition id
func (p PartitionID) String() string {
	return strconv.FormatInt(int64(p), 10)
}

// ParsePartitionID parses a partition id from its decimal form
func ParsePartitionID(s string) (PartitionID, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid partition id %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid partition id %q: must not be negative", s)
	}
	return PartitionID(v), nil
}

// ReplicaID identifies one replica of a partition. Replica ids are ordered
// lexically wherever a deterministic order is needed, so "r10" sorts before
// "r2"; zero-pad numeric suffixes when numeric order matters.
type ReplicaID string

// Epoch is the promotion generation of a partition. Every leader promotion
// allocates a strictly larger epoch.
type Epoch uint64

// TransactionRecord is a replayable unit of committed work. It is immutable
// once received.
type TransactionRecord struct {
	Handle   Handle `json:"handle"`
	Payload  []byte `json:"payload"`
	Checksum uint32 `json:"checksum"` // CRC32 of Payload
}

// NewTransactionRecord builds a record and computes its payload checksum
func NewTransactionRecord(handle Handle, payload []byte) *TransactionRecord {
	return &TransactionRecord{
		Handle:   handle,
		Payload:  payload,
		Checksum: util.ComputeChecksum(payload),
	}
}

// Verify checks the payload against the stored checksum
func (r *TransactionRecord) Verify() bool {
	return util.ValidateChecksum(r.Payload, r.Checksum)
}
