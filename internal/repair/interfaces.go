package repair

import (
	"context"

	"github.com/devrev/pairdb/promoter/internal/model"
)

// Mailbox is the send side of the repair protocol. Both operations are fire
// and forget: responses to RequestRepairLog arrive later through
// Term.OnRepairLogResponse, and repair acknowledgements are not awaited.
type Mailbox interface {
	RequestRepairLog(ctx context.Context, replicaID model.ReplicaID, req *model.RepairLogRequest) error
	RepairReplicasWith(ctx context.Context, replicaIDs []model.ReplicaID, record *model.TransactionRecord) error
}

// Membership yields the replicas participating in a partition
type Membership interface {
	Replicas(ctx context.Context, partition model.PartitionID) ([]model.ReplicaID, error)
}
