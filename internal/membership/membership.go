package membership

import (
	"context"
	"errors"

	"github.com/devrev/pairdb/promoter/internal/model"
)

// ErrUnknownReplica is returned by Address for replicas the source has never seen
var ErrUnknownReplica = errors.New("unknown replica")

// Source is the coordination service view used during promotion: who hosts
// a partition, and how to reach them
type Source interface {
	Replicas(ctx context.Context, partition model.PartitionID) ([]model.ReplicaID, error)
	Address(replicaID model.ReplicaID) (string, error)
}
