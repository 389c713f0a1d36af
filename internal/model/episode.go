package model

import "time"

// EpisodeStatus represents the state of a promotion episode
type EpisodeStatus string

const (
	// EpisodeStatusInProgress indicates repair logs are still being collected
	EpisodeStatusInProgress EpisodeStatus = "in_progress"
	// EpisodeStatusCompleted indicates every replica was dispatched its repairs
	EpisodeStatusCompleted EpisodeStatus = "completed"
	// EpisodeStatusFailed indicates the episode was abandoned
	EpisodeStatusFailed EpisodeStatus = "failed"
	// EpisodeStatusSuperseded indicates a newer promotion of the partition replaced this one
	EpisodeStatusSuperseded EpisodeStatus = "superseded"
)

// Episode records one leader promotion of one partition
type Episode struct {
	EpisodeID      string        `json:"episode_id"`
	PartitionID    PartitionID   `json:"partition_id"`
	Epoch          Epoch         `json:"epoch"`
	LeaderID       ReplicaID     `json:"leader_id"`
	Status         EpisodeStatus `json:"status"`
	Replicas       []ReplicaID   `json:"replicas"`
	Outstanding    []ReplicaID   `json:"outstanding,omitempty"`
	UnionSize      int           `json:"union_size"`
	RepairCommands int           `json:"repair_commands"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// Finished reports whether the episode reached a terminal status
func (e *Episode) Finished() bool {
	return e.Status != EpisodeStatusInProgress
}
