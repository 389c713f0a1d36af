package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/promoter/internal/model"
)

const episodesSchema = `
	CREATE TABLE IF NOT EXISTS promotion_episodes (
		episode_id      TEXT PRIMARY KEY,
		partition_id    INTEGER NOT NULL,
		epoch           BIGINT NOT NULL,
		leader_id       TEXT NOT NULL,
		status          TEXT NOT NULL,
		replicas        TEXT[] NOT NULL DEFAULT '{}',
		outstanding     TEXT[] NOT NULL DEFAULT '{}',
		union_size      INTEGER NOT NULL DEFAULT 0,
		repair_commands INTEGER NOT NULL DEFAULT 0,
		started_at      TIMESTAMPTZ NOT NULL,
		completed_at    TIMESTAMPTZ,
		error_message   TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS promotion_episodes_partition_idx
		ON promotion_episodes (partition_id, epoch DESC);
`

const episodeColumns = `
	episode_id, partition_id, epoch, leader_id, status, replicas, outstanding,
	union_size, repair_commands, started_at, completed_at, error_message
`

// PostgresEpisodeStore implements EpisodeStore using PostgreSQL
type PostgresEpisodeStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresEpisodeStore connects to PostgreSQL and ensures the episodes table exists
func NewPostgresEpisodeStore(
	ctx context.Context,
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresEpisodeStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)
	return NewPostgresEpisodeStoreFromURL(ctx, connString, logger)
}

// NewPostgresEpisodeStoreFromURL connects using a pgx connection string
func NewPostgresEpisodeStoreFromURL(ctx context.Context, connString string, logger *zap.Logger) (*PostgresEpisodeStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresEpisodeStore{
		pool:   pool,
		logger: logger,
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the episodes table if it does not exist
func (s *PostgresEpisodeStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, episodesSchema); err != nil {
		return fmt.Errorf("failed to create promotion_episodes table: %w", err)
	}
	return nil
}

func replicaStrings(ids []model.ReplicaID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func replicaIDs(ss []string) []model.ReplicaID {
	out := make([]model.ReplicaID, len(ss))
	for i, s := range ss {
		out[i] = model.ReplicaID(s)
	}
	return out
}

// CreateEpisode inserts a new episode
func (s *PostgresEpisodeStore) CreateEpisode(ctx context.Context, e *model.Episode) error {
	query := `
		INSERT INTO promotion_episodes (` + episodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.pool.Exec(ctx, query,
		e.EpisodeID,
		int32(e.PartitionID),
		int64(e.Epoch),
		string(e.LeaderID),
		string(e.Status),
		replicaStrings(e.Replicas),
		replicaStrings(e.Outstanding),
		e.UnionSize,
		e.RepairCommands,
		e.StartedAt,
		e.CompletedAt,
		e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to create episode: %w", err)
	}
	return nil
}

// UpdateEpisode updates the mutable columns of an episode
func (s *PostgresEpisodeStore) UpdateEpisode(ctx context.Context, e *model.Episode) error {
	query := `
		UPDATE promotion_episodes
		SET status = $2, replicas = $3, outstanding = $4, union_size = $5,
		    repair_commands = $6, completed_at = $7, error_message = $8
		WHERE episode_id = $1
	`

	result, err := s.pool.Exec(ctx, query,
		e.EpisodeID,
		string(e.Status),
		replicaStrings(e.Replicas),
		replicaStrings(e.Outstanding),
		e.UnionSize,
		e.RepairCommands,
		e.CompletedAt,
		e.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to update episode: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEpisode(row pgx.Row) (*model.Episode, error) {
	var (
		e           model.Episode
		partition   int32
		epoch       int64
		leader      string
		status      string
		replicas    []string
		outstanding []string
		completedAt *time.Time
	)
	if err := row.Scan(
		&e.EpisodeID,
		&partition,
		&epoch,
		&leader,
		&status,
		&replicas,
		&outstanding,
		&e.UnionSize,
		&e.RepairCommands,
		&e.StartedAt,
		&completedAt,
		&e.ErrorMessage,
	); err != nil {
		return nil, err
	}

	e.PartitionID = model.PartitionID(partition)
	e.Epoch = model.Epoch(epoch)
	e.LeaderID = model.ReplicaID(leader)
	e.Status = model.EpisodeStatus(status)
	e.Replicas = replicaIDs(replicas)
	e.Outstanding = replicaIDs(outstanding)
	e.CompletedAt = completedAt
	return &e, nil
}

// GetEpisode retrieves one episode
func (s *PostgresEpisodeStore) GetEpisode(ctx context.Context, episodeID string) (*model.Episode, error) {
	query := `SELECT ` + episodeColumns + ` FROM promotion_episodes WHERE episode_id = $1`

	e, err := scanEpisode(s.pool.QueryRow(ctx, query, episodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	return e, nil
}

// ListEpisodes lists a partition's episodes, newest first
func (s *PostgresEpisodeStore) ListEpisodes(ctx context.Context, partition model.PartitionID, limit int) ([]*model.Episode, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + episodeColumns + `
		FROM promotion_episodes
		WHERE partition_id = $1
		ORDER BY epoch DESC, started_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, int32(partition), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()

	episodes := make([]*model.Episode, 0)
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}

// Ping checks the database connection
func (s *PostgresEpisodeStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresEpisodeStore) Close() error {
	s.pool.Close()
	return nil
}
