package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/pairdb/promoter/internal/model"
)

// MemoryEpisodeStore implements EpisodeStore in process memory
type MemoryEpisodeStore struct {
	mu       sync.RWMutex
	episodes map[string]*model.Episode
}

// NewMemoryEpisodeStore creates an empty in-memory episode store
func NewMemoryEpisodeStore() *MemoryEpisodeStore {
	return &MemoryEpisodeStore{
		episodes: make(map[string]*model.Episode),
	}
}

func cloneEpisode(e *model.Episode) *model.Episode {
	c := *e
	c.Replicas = append([]model.ReplicaID(nil), e.Replicas...)
	c.Outstanding = append([]model.ReplicaID(nil), e.Outstanding...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CreateEpisode stores a new episode
func (s *MemoryEpisodeStore) CreateEpisode(ctx context.Context, episode *model.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.episodes[episode.EpisodeID]; exists {
		return fmt.Errorf("episode %s already exists", episode.EpisodeID)
	}
	s.episodes[episode.EpisodeID] = cloneEpisode(episode)
	return nil
}

// UpdateEpisode replaces a stored episode
func (s *MemoryEpisodeStore) UpdateEpisode(ctx context.Context, episode *model.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.episodes[episode.EpisodeID]; !exists {
		return ErrNotFound
	}
	s.episodes[episode.EpisodeID] = cloneEpisode(episode)
	return nil
}

// GetEpisode returns a copy of a stored episode
func (s *MemoryEpisodeStore) GetEpisode(ctx context.Context, episodeID string) (*model.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.episodes[episodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEpisode(e), nil
}

// ListEpisodes returns up to limit episodes of a partition, newest first
func (s *MemoryEpisodeStore) ListEpisodes(ctx context.Context, partition model.PartitionID, limit int) ([]*model.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Episode, 0)
	for _, e := range s.episodes {
		if e.PartitionID == partition {
			out = append(out, cloneEpisode(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Epoch != out[j].Epoch {
			return out[i].Epoch > out[j].Epoch
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds
func (s *MemoryEpisodeStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryEpisodeStore) Close() error { return nil }
