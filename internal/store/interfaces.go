package store

import (
	"context"
	"errors"

	"github.com/devrev/pairdb/promoter/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// EpochStore allocates promotion epochs. Epochs for a partition are strictly
// increasing across every promoter sharing the store.
type EpochStore interface {
	NextEpoch(ctx context.Context, partition model.PartitionID) (model.Epoch, error)
	CurrentEpoch(ctx context.Context, partition model.PartitionID) (model.Epoch, error)
	Ping(ctx context.Context) error
	Close() error
}

// EpisodeStore keeps the audit trail of promotion episodes
type EpisodeStore interface {
	CreateEpisode(ctx context.Context, episode *model.Episode) error
	UpdateEpisode(ctx context.Context, episode *model.Episode) error
	GetEpisode(ctx context.Context, episodeID string) (*model.Episode, error)
	// ListEpisodes returns the partition's episodes, newest first
	ListEpisodes(ctx context.Context, partition model.PartitionID, limit int) ([]*model.Episode, error)
	Ping(ctx context.Context) error
	Close() error
}
