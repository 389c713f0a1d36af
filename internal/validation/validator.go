package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/promoter/internal/errors"
	"github.com/devrev/pairdb/promoter/internal/model"
)

const (
	// Size limits
	MaxPayloadSize   = 10 * 1024 * 1024 // 10 MB
	MaxReplicaIDSize = 128
	MaxRecordsPerLog = 100000
)

// Validator validates repair protocol messages
type Validator struct {
	maxPayloadSize   int
	maxReplicaIDSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxPayloadSize:   MaxPayloadSize,
		maxReplicaIDSize: MaxReplicaIDSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxPayloadSize, maxReplicaIDSize int) *Validator {
	return &Validator{
		maxPayloadSize:   maxPayloadSize,
		maxReplicaIDSize: maxReplicaIDSize,
	}
}

// ValidateReplicaID validates a replica id
func (v *Validator) ValidateReplicaID(id model.ReplicaID) error {
	if id == "" {
		return errors.InvalidArgument("replica ID cannot be empty", nil)
	}
	if len(id) > v.maxReplicaIDSize {
		return errors.InvalidArgument(fmt.Sprintf("replica ID exceeds maximum size of %d bytes", v.maxReplicaIDSize), nil)
	}
	for _, r := range string(id) {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.InvalidArgument(fmt.Sprintf("replica ID %q contains whitespace or control characters", id), nil)
		}
	}
	return nil
}

// ValidatePartitionID validates a partition id
func (v *Validator) ValidatePartitionID(p model.PartitionID) error {
	if p < 0 {
		return errors.InvalidArgument(fmt.Sprintf("partition ID %d cannot be negative", p), nil)
	}
	return nil
}

// ValidateEpoch validates a promotion epoch
func (v *Validator) ValidateEpoch(e model.Epoch) error {
	if e == 0 {
		return errors.InvalidArgument("epoch must be positive", nil)
	}
	return nil
}

// ValidateRecord checks a record's handle, size, and checksum
func (v *Validator) ValidateRecord(r *model.TransactionRecord) error {
	if r == nil {
		return errors.InvalidArgument("record cannot be nil", nil)
	}
	if r.Handle == model.NoHandle {
		return errors.InvalidArgument("record handle must be positive", nil)
	}
	if len(r.Payload) > v.maxPayloadSize {
		return errors.InvalidArgument(fmt.Sprintf("payload size %d exceeds maximum %d", len(r.Payload), v.maxPayloadSize), nil)
	}
	if !r.Verify() {
		return errors.CorruptedData(
			fmt.Sprintf("record %d failed checksum validation", r.Handle),
			errors.ChecksumFailed(uint64(r.Handle), r.Checksum, model.NewTransactionRecord(r.Handle, r.Payload).Checksum))
	}
	return nil
}

// ValidateRepairLogRequest validates a repair log request
func (v *Validator) ValidateRepairLogRequest(req *model.RepairLogRequest) error {
	if req == nil {
		return errors.InvalidArgument("request cannot be nil", nil)
	}
	if err := v.ValidatePartitionID(req.PartitionID); err != nil {
		return err
	}
	if err := v.ValidateEpoch(req.Epoch); err != nil {
		return err
	}
	if strings.TrimSpace(string(req.LeaderID)) != "" {
		if err := v.ValidateReplicaID(req.LeaderID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateRepairCommand validates a repair command
func (v *Validator) ValidateRepairCommand(cmd *model.RepairCommand) error {
	if cmd == nil {
		return errors.InvalidArgument("command cannot be nil", nil)
	}
	if err := v.ValidatePartitionID(cmd.PartitionID); err != nil {
		return err
	}
	if err := v.ValidateEpoch(cmd.Epoch); err != nil {
		return err
	}
	if err := v.ValidateRecord(cmd.Record); err != nil {
		return err
	}
	if cmd.PrevHandle >= cmd.Record.Handle {
		return errors.InvalidArgument(fmt.Sprintf("prev handle %d must precede handle %d", cmd.PrevHandle, cmd.Record.Handle), nil)
	}
	return nil
}
