package replica

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/promoter/internal/errors"
	"github.com/devrev/pairdb/promoter/internal/metrics"
	"github.com/devrev/pairdb/promoter/internal/model"
	"github.com/devrev/pairdb/promoter/internal/validation"
)

// Log is the durable per-partition transaction log a replica serves from
type Log interface {
	Append(partition model.PartitionID, record *model.TransactionRecord) (bool, error)
	MaxHandle(partition model.PartitionID) (model.Handle, error)
	Checkpoint(partition model.PartitionID) (model.Handle, error)
	SetCheckpoint(partition model.PartitionID, handle model.Handle) error
	Tail(partition model.PartitionID) ([]*model.TransactionRecord, model.Handle, error)
	ObserveEpoch(partition model.PartitionID, epoch model.Epoch) (bool, model.Epoch, error)
}

// Config holds replica service configuration
type Config struct {
	ReplicaID model.ReplicaID
	// ChunkSize is the maximum number of records per repair log chunk
	ChunkSize int
}

// SendFunc delivers one repair log chunk to the requesting leader
type SendFunc func(*model.RepairLogResponse) error

// Service answers repair log requests and applies repair commands on a replica
type Service struct {
	config    *Config
	log       Log
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewService creates a new replica service. metrics may be nil.
func NewService(cfg *Config, log Log, m *metrics.Metrics, logger *zap.Logger) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512
	}
	return &Service{
		config:    cfg,
		log:       log,
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger.With(zap.String("replica_id", string(cfg.ReplicaID))),
	}
}

// ReplicaID returns the id this replica reports in its responses
func (s *Service) ReplicaID() model.ReplicaID {
	return s.config.ReplicaID
}

func (s *Service) fence(partition model.PartitionID, epoch model.Epoch) error {
	ok, current, err := s.log.ObserveEpoch(partition, epoch)
	if err != nil {
		return errors.LogFailed("failed to record epoch", err)
	}
	if !ok {
		s.logger.Warn("Rejecting request from stale epoch",
			zap.Int32("partition_id", int32(partition)),
			zap.Uint64("epoch", uint64(epoch)),
			zap.Uint64("current_epoch", uint64(current)))
		return errors.StaleEpoch(uint64(epoch), uint64(current))
	}
	return nil
}

// RepairLog streams the partition's tail since its checkpoint to send, in
// chunks of at most ChunkSize records. An empty tail is sent as one empty
// chunk so the leader still learns the replica's max handle.
func (s *Service) RepairLog(ctx context.Context, req *model.RepairLogRequest, send SendFunc) error {
	if err := s.validator.ValidateRepairLogRequest(req); err != nil {
		return err
	}
	if err := s.fence(req.PartitionID, req.Epoch); err != nil {
		return err
	}

	records, maxHandle, err := s.log.Tail(req.PartitionID)
	if err != nil {
		return errors.LogFailed("failed to read repair log", err)
	}

	chunks := (len(records) + s.config.ChunkSize - 1) / s.config.ChunkSize
	if chunks == 0 {
		chunks = 1
	}

	s.logger.Info("Serving repair log",
		zap.String("request_id", req.RequestID),
		zap.String("leader_id", string(req.LeaderID)),
		zap.Int32("partition_id", int32(req.PartitionID)),
		zap.Uint64("epoch", uint64(req.Epoch)),
		zap.Int("records", len(records)),
		zap.Int("chunks", chunks),
		zap.Uint64("max_handle", uint64(maxHandle)))

	for seq := 0; seq < chunks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lo := seq * s.config.ChunkSize
		hi := lo + s.config.ChunkSize
		if hi > len(records) {
			hi = len(records)
		}

		resp := &model.RepairLogResponse{
			RequestID:   req.RequestID,
			PartitionID: req.PartitionID,
			Epoch:       req.Epoch,
			ReplicaID:   s.config.ReplicaID,
			Sequence:    seq,
			OfTotal:     chunks,
			MaxHandle:   maxHandle,
			Records:     records[lo:hi],
		}
		if err := send(resp); err != nil {
			return fmt.Errorf("failed to send repair log chunk %d/%d: %w", seq+1, chunks, err)
		}
	}
	return nil
}

// Repair applies a missing record. A record at or below the replica's max
// handle is acknowledged with Applied false. A command whose PrevHandle is
// above the max handle is rejected with a repair gap error.
func (s *Service) Repair(ctx context.Context, cmd *model.RepairCommand) (*model.RepairAck, error) {
	if err := s.validator.ValidateRepairCommand(cmd); err != nil {
		return nil, err
	}
	if err := s.fence(cmd.PartitionID, cmd.Epoch); err != nil {
		return nil, err
	}

	// records apply on top of their predecessor, never past a gap
	current, err := s.log.MaxHandle(cmd.PartitionID)
	if err != nil {
		return nil, errors.LogFailed("failed to read max handle", err)
	}
	if current < cmd.PrevHandle {
		return nil, errors.RepairGap(uint64(cmd.Record.Handle), uint64(cmd.PrevHandle), uint64(current))
	}

	applied, err := s.log.Append(cmd.PartitionID, cmd.Record)
	if err != nil {
		return nil, errors.LogFailed("failed to apply repair", err)
	}
	maxHandle, err := s.log.MaxHandle(cmd.PartitionID)
	if err != nil {
		return nil, errors.LogFailed("failed to read max handle", err)
	}

	s.metrics.RecordReplicaRepair(applied)
	s.logger.Debug("Repair command handled",
		zap.Int32("partition_id", int32(cmd.PartitionID)),
		zap.Uint64("handle", uint64(cmd.Record.Handle)),
		zap.Bool("applied", applied))

	return &model.RepairAck{
		ReplicaID: s.config.ReplicaID,
		Handle:    cmd.Record.Handle,
		Applied:   applied,
		MaxHandle: maxHandle,
	}, nil
}

// Append writes a locally committed record. It reports false when the
// handle is already applied.
func (s *Service) Append(ctx context.Context, partition model.PartitionID, record *model.TransactionRecord) (bool, error) {
	if err := s.validator.ValidatePartitionID(partition); err != nil {
		return false, err
	}
	if err := s.validator.ValidateRecord(record); err != nil {
		return false, err
	}
	applied, err := s.log.Append(partition, record)
	if err != nil {
		return false, errors.LogFailed("failed to append record", err)
	}
	return applied, nil
}

// Checkpoint marks every record up to handle as durable, dropping it from
// future repair logs
func (s *Service) Checkpoint(ctx context.Context, partition model.PartitionID, handle model.Handle) error {
	if err := s.validator.ValidatePartitionID(partition); err != nil {
		return err
	}
	if err := s.log.SetCheckpoint(partition, handle); err != nil {
		return errors.InvalidArgument(fmt.Sprintf("failed to checkpoint partition %d at %d", partition, handle), err)
	}
	s.logger.Info("Checkpointed partition",
		zap.Int32("partition_id", int32(partition)),
		zap.Uint64("handle", uint64(handle)))
	return nil
}

// MaxHandle returns the highest applied handle of a partition
func (s *Service) MaxHandle(ctx context.Context, partition model.PartitionID) (model.Handle, error) {
	return s.log.MaxHandle(partition)
}
