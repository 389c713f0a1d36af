package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/promoter/internal/errors"
	"github.com/devrev/pairdb/promoter/internal/model"
	"github.com/devrev/pairdb/promoter/internal/replica"
	"github.com/devrev/pairdb/promoter/internal/transport"
)

// ReplicaHandler implements the gRPC replica service
type ReplicaHandler struct {
	replicaService *replica.Service
	logger         *zap.Logger
}

var _ transport.ReplicaServer = (*ReplicaHandler)(nil)

// NewReplicaHandler creates a new replica handler
func NewReplicaHandler(replicaSvc *replica.Service, logger *zap.Logger) *ReplicaHandler {
	return &ReplicaHandler{
		replicaService: replicaSvc,
		logger:         logger,
	}
}

// RepairLog handles repair log requests
func (h *ReplicaHandler) RepairLog(req *model.RepairLogRequest, stream transport.RepairLogServerStream) error {
	err := h.replicaService.RepairLog(stream.Context(), req, stream.Send)
	if err != nil {
		h.logger.Error("RepairLog failed",
			zap.String("request_id", req.RequestID),
			zap.Int32("partition_id", int32(req.PartitionID)),
			zap.Uint64("epoch", uint64(req.Epoch)),
			zap.Error(err))
		return errors.ToGRPCError(err)
	}
	return nil
}

// Repair handles repair commands
func (h *ReplicaHandler) Repair(ctx context.Context, cmd *model.RepairCommand) (*model.RepairAck, error) {
	ack, err := h.replicaService.Repair(ctx, cmd)
	if err != nil {
		fields := []zap.Field{
			zap.Int32("partition_id", int32(cmd.PartitionID)),
			zap.Uint64("epoch", uint64(cmd.Epoch)),
			zap.Error(err),
		}
		if cmd.Record != nil {
			fields = append(fields, zap.Uint64("handle", uint64(cmd.Record.Handle)))
		}
		h.logger.Error("Repair failed", fields...)
		return nil, errors.ToGRPCError(err)
	}
	return ack, nil
}
