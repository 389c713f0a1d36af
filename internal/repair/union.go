package repair

import (
	"github.com/google/btree"

	"github.com/devrev/pairdb/promoter/internal/model"
)

const unionDegree = 32

// RepairLogUnion is the set of transaction records gathered from all
// repair log responses, ordered by handle with at most one record per handle
type RepairLogUnion struct {
	tree *btree.BTreeG[*model.TransactionRecord]
}

func recordLess(a, b *model.TransactionRecord) bool {
	return a.Handle.Less(b.Handle)
}

// NewRepairLogUnion creates an empty union
func NewRepairLogUnion() *RepairLogUnion {
	return &RepairLogUnion{
		tree: btree.NewG(unionDegree, recordLess),
	}
}

// Add inserts a record. A record whose handle is already present is
// discarded and Add returns false.
func (u *RepairLogUnion) Add(record *model.TransactionRecord) bool {
	if u.tree.Has(record) {
		return false
	}
	u.tree.ReplaceOrInsert(record)
	return true
}

// Contains reports whether a record with the given handle is present
func (u *RepairLogUnion) Contains(handle model.Handle) bool {
	return u.tree.Has(&model.TransactionRecord{Handle: handle})
}

// Size returns the number of distinct handles in the union
func (u *RepairLogUnion) Size() int {
	return u.tree.Len()
}

// Ascend calls fn for each record in ascending handle order until fn returns false
func (u *RepairLogUnion) Ascend(fn func(record *model.TransactionRecord) bool) {
	u.tree.Ascend(fn)
}

// Records returns the records in ascending handle order
func (u *RepairLogUnion) Records() []*model.TransactionRecord {
	records := make([]*model.TransactionRecord, 0, u.tree.Len())
	u.tree.Ascend(func(r *model.TransactionRecord) bool {
		records = append(records, r)
		return true
	})
	return records
}
