package membership

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/devrev/pairdb/promoter/internal/model"
)

// StaticMembership serves a fixed replica layout, usually loaded from YAML:
//
//	replicas:
//	  - id: replica-1
//	    address: 10.0.0.1:9090
//	    partitions: [0, 1]
type StaticMembership struct {
	replicas map[model.ReplicaID]model.ReplicaInfo
}

type staticFile struct {
	Replicas []model.ReplicaInfo `yaml:"replicas"`
}

// LoadStaticMembership reads a replica layout file
func LoadStaticMembership(path string) (*StaticMembership, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read membership file: %w", err)
	}

	var file staticFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse membership file: %w", err)
	}
	return NewStaticMembership(file.Replicas)
}

// NewStaticMembership builds a membership from an explicit replica list
func NewStaticMembership(replicas []model.ReplicaInfo) (*StaticMembership, error) {
	m := &StaticMembership{replicas: make(map[model.ReplicaID]model.ReplicaInfo, len(replicas))}
	for _, r := range replicas {
		if r.ReplicaID == "" {
			return nil, fmt.Errorf("replica entry with address %q has no id", r.Address)
		}
		if r.Address == "" {
			return nil, fmt.Errorf("replica %s has no address", r.ReplicaID)
		}
		if _, dup := m.replicas[r.ReplicaID]; dup {
			return nil, fmt.Errorf("duplicate replica id %s", r.ReplicaID)
		}
		m.replicas[r.ReplicaID] = r
	}
	return m, nil
}

// Replicas returns the replicas hosting partition, sorted by id
func (m *StaticMembership) Replicas(ctx context.Context, partition model.PartitionID) ([]model.ReplicaID, error) {
	ids := make([]model.ReplicaID, 0)
	for id, r := range m.replicas {
		if r.Hosts(partition) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Address returns the RPC address of a replica
func (m *StaticMembership) Address(replicaID model.ReplicaID) (string, error) {
	r, ok := m.replicas[replicaID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownReplica, replicaID)
	}
	return r.Address, nil
}
