package model

// RepairLogRequest asks a replica for its tail of committed transactions
// since its last durable checkpoint
type RepairLogRequest struct {
	RequestID   string      `json:"request_id"`
	PartitionID PartitionID `json:"partition_id"`
	Epoch       Epoch       `json:"epoch"`
	LeaderID    ReplicaID   `json:"leader_id"`
}

// RepairLogResponse is one chunk of a replica's repair log. A replica may
// answer a single request with several chunks; Sequence numbers them from 0
// and OfTotal carries the total chunk count.
type RepairLogResponse struct {
	RequestID   string               `json:"request_id"`
	PartitionID PartitionID          `json:"partition_id"`
	Epoch       Epoch                `json:"epoch"`
	ReplicaID   ReplicaID            `json:"replica_id"`
	Sequence    int                  `json:"sequence"`
	OfTotal     int                  `json:"of_total"`
	MaxHandle   Handle               `json:"max_handle"` // highest handle the replica has applied
	Records     []*TransactionRecord `json:"records"`
}

// RepairCommand instructs a lagging replica to apply a missing record.
// PrevHandle is the handle the replica must already hold before Record may
// be applied; NoHandle places no requirement.
type RepairCommand struct {
	PartitionID PartitionID        `json:"partition_id"`
	Epoch       Epoch              `json:"epoch"`
	PrevHandle  Handle             `json:"prev_handle"`
	Record      *TransactionRecord `json:"record"`
}

// RepairAck is a replica's answer to a RepairCommand. Applied is false when
// the replica already had the record.
type RepairAck struct {
	ReplicaID ReplicaID `json:"replica_id"`
	Handle    Handle    `json:"handle"`
	Applied   bool      `json:"applied"`
	MaxHandle Handle    `json:"max_handle"`
}
