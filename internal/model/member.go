package model

// ReplicaInfo describes one replica node as seen by the coordination service
type ReplicaInfo struct {
	ReplicaID  ReplicaID     `json:"replica_id" yaml:"id"`
	Address    string        `json:"rpc_address" yaml:"address"`
	Partitions []PartitionID `json:"partitions" yaml:"partitions"`
}

// Hosts reports whether the replica hosts the given partition
func (r *ReplicaInfo) Hosts(partition PartitionID) bool {
	for _, p := range r.Partitions {
		if p == partition {
			return true
		}
	}
	return false
}
