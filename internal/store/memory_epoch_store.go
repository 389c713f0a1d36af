package store

import (
	"context"
	"sync"

	"github.com/devrev/pairdb/promoter/internal/model"
)

// MemoryEpochStore implements EpochStore in process memory. Epochs are only
// unique within one process.
type MemoryEpochStore struct {
	mu     sync.Mutex
	epochs map[model.PartitionID]model.Epoch
}

// NewMemoryEpochStore creates an empty in-memory epoch store
func NewMemoryEpochStore() *MemoryEpochStore {
	return &MemoryEpochStore{
		epochs: make(map[model.PartitionID]model.Epoch),
	}
}

// NextEpoch increments and returns the partition's epoch
func (s *MemoryEpochStore) NextEpoch(ctx context.Context, partition model.PartitionID) (model.Epoch, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[partition]++
	return s.epochs[partition], nil
}

// CurrentEpoch returns the latest allocated epoch
func (s *MemoryEpochStore) CurrentEpoch(ctx context.Context, partition model.PartitionID) (model.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[partition], nil
}

// Ping always succeeds
func (s *MemoryEpochStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryEpochStore) Close() error { return nil }
