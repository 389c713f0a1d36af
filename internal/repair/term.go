package repair

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	perrors "github.com/devrev/pairdb/promoter/internal/errors"
	"github.com/devrev/pairdb/promoter/internal/metrics"
	"github.com/devrev/pairdb/promoter/internal/model"
	"github.com/devrev/pairdb/promoter/internal/util"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("term already started")
	// ErrMembershipUnavailable is returned by Start when the replica set cannot be resolved
	ErrMembershipUnavailable = errors.New("membership unavailable")

	// ErrStaleEpoch matches responses from an episode other than this term's
	ErrStaleEpoch = perrors.NewPromoterError(perrors.ErrCodeStaleEpoch, "stale epoch", nil)
	// ErrWrongPartition matches responses for another partition
	ErrWrongPartition = perrors.NewPromoterError(perrors.ErrCodeWrongPartition, "wrong partition", nil)
	// ErrUnknownReplica matches responses from a replica outside the term's replica set
	ErrUnknownReplica = perrors.NewPromoterError(perrors.ErrCodeUnknownReplica, "unknown replica", nil)
	// ErrHandleRegression matches a replica reporting a max handle below one it reported earlier
	ErrHandleRegression = perrors.NewPromoterError(perrors.ErrCodeHandleRegression, "handle regression", nil)
	// ErrCorruptedRecord matches a record whose checksum does not match its payload
	ErrCorruptedRecord = perrors.NewPromoterError(perrors.ErrCodeCorruptedData, "corrupted record", nil)
)

// Response results reported to metrics
const (
	resultAccepted   = "accepted"
	resultDuplicate  = "duplicate"
	resultStale      = "stale"
	resultRejected   = "rejected"
	resultRegression = "regression"
)

// TermConfig identifies the promotion episode a Term drives
type TermConfig struct {
	PartitionID model.PartitionID
	Epoch       model.Epoch
	LeaderID    model.ReplicaID
	// ExcludeLeader keeps the new leader out of the repair log fan-out.
	// By default the leader reports and is repaired like any other replica.
	ExcludeLeader bool
}

// Term drives one leader promotion episode for one partition
type Term struct {
	cfg        TermConfig
	mailbox    Mailbox
	membership Membership
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu       sync.Mutex
	started  bool
	union    *RepairLogUnion
	replicas map[model.ReplicaID]*ReplicaRepairState
}

// NewTerm creates a Term for one episode. metrics may be nil.
func NewTerm(
	cfg TermConfig,
	mailbox Mailbox,
	membership Membership,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Term {
	return &Term{
		cfg:        cfg,
		mailbox:    mailbox,
		membership: membership,
		metrics:    m,
		logger: logger.With(
			zap.Int32("partition_id", int32(cfg.PartitionID)),
			zap.Uint64("epoch", uint64(cfg.Epoch))),
		union:    NewRepairLogUnion(),
		replicas: make(map[model.ReplicaID]*ReplicaRepairState),
	}
}

// PartitionID returns the partition this term reconciles
func (t *Term) PartitionID() model.PartitionID { return t.cfg.PartitionID }

// Epoch returns the promotion epoch of this term
func (t *Term) Epoch() model.Epoch { return t.cfg.Epoch }

// Start snapshots the partition's replicas, registers each one as expecting
// a single response, and asks each for its repair log. It does not wait for
// responses. A failed request leaves that replica outstanding; the failures
// are returned joined.
func (t *Term) Start(ctx context.Context) error {
	ids, err := t.membership.Replicas(ctx, t.cfg.PartitionID)
	if err != nil {
		return fmt.Errorf("%w: partition %d: %w", ErrMembershipUnavailable, t.cfg.PartitionID, err)
	}

	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true

	participants := make([]model.ReplicaID, 0, len(ids))
	for _, id := range ids {
		if t.cfg.ExcludeLeader && id == t.cfg.LeaderID {
			continue
		}
		if _, ok := t.replicas[id]; ok {
			continue
		}
		t.replicas[id] = newReplicaRepairState(1)
		participants = append(participants, id)
	}
	t.mu.Unlock()

	sortReplicaIDs(participants)

	t.logger.Info("Requesting repair logs",
		zap.String("leader_id", string(t.cfg.LeaderID)),
		zap.Int("replicas", len(participants)))

	var errs []error
	for _, id := range participants {
		req := &model.RepairLogRequest{
			RequestID:   uuid.New().String(),
			PartitionID: t.cfg.PartitionID,
			Epoch:       t.cfg.Epoch,
			LeaderID:    t.cfg.LeaderID,
		}
		if err := t.mailbox.RequestRepairLog(ctx, id, req); err != nil {
			t.logger.Warn("Failed to request repair log",
				zap.String("replica_id", string(id)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("replica %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// OnRepairLogResponse folds one repair log chunk from replicaID into the term.
//
// Responses for another epoch or partition, from replicas outside the term,
// or carrying a record that fails its checksum are rejected without changing
// any state. A chunk delivered twice contributes its records but is counted
// once. A response reporting a lower max handle than already recorded is
// applied except for the max handle, and ErrHandleRegression is returned.
func (t *Term) OnRepairLogResponse(replicaID model.ReplicaID, resp *model.RepairLogResponse) error {
	if resp == nil {
		return perrors.InvalidArgument("nil repair log response", nil)
	}
	if resp.ReplicaID != "" && resp.ReplicaID != replicaID {
		t.metrics.RecordRepairLogResponse(resultRejected)
		return perrors.InvalidArgument(
			fmt.Sprintf("response from replica %s delivered as %s", resp.ReplicaID, replicaID), nil)
	}
	if resp.Epoch != t.cfg.Epoch {
		t.metrics.RecordRepairLogResponse(resultStale)
		return perrors.StaleEpoch(uint64(resp.Epoch), uint64(t.cfg.Epoch))
	}
	if resp.PartitionID != t.cfg.PartitionID {
		t.metrics.RecordRepairLogResponse(resultRejected)
		return perrors.WrongPartition(int32(resp.PartitionID), int32(t.cfg.PartitionID))
	}
	if resp.Sequence < 0 || (resp.OfTotal > 0 && resp.Sequence >= resp.OfTotal) {
		t.metrics.RecordRepairLogResponse(resultRejected)
		return perrors.InvalidArgument(
			fmt.Sprintf("chunk sequence %d out of range for %d chunks", resp.Sequence, resp.OfTotal), nil)
	}

	reported := resp.MaxHandle
	for _, record := range resp.Records {
		if record == nil {
			t.metrics.RecordRepairLogResponse(resultRejected)
			return perrors.InvalidArgument("nil record in repair log response", nil)
		}
		if !record.Verify() {
			t.metrics.RecordRepairLogResponse(resultRejected)
			t.logger.Warn("Rejecting repair log with corrupted record",
				zap.String("replica_id", string(replicaID)),
				zap.Uint64("handle", uint64(record.Handle)))
			return perrors.CorruptedData(
				fmt.Sprintf("repair log from replica %s", replicaID),
				perrors.ChecksumFailed(uint64(record.Handle), record.Checksum, util.ComputeChecksum(record.Payload)))
		}
		if record.Handle > reported {
			reported = record.Handle
		}
	}

	t.mu.Lock()
	state, ok := t.replicas[replicaID]
	if !ok {
		t.mu.Unlock()
		t.metrics.RecordRepairLogResponse(resultRejected)
		return perrors.UnknownReplica(string(replicaID))
	}

	for _, record := range resp.Records {
		t.union.Add(record)
	}
	unionSize := t.union.Size()

	if !state.observe(resp.Sequence, resp.OfTotal) {
		t.mu.Unlock()
		t.metrics.RecordRepairLogResponse(resultDuplicate)
		t.metrics.UpdateUnionRecords(unionSize)
		t.logger.Debug("Duplicate repair log chunk",
			zap.String("replica_id", string(replicaID)),
			zap.Int("sequence", resp.Sequence))
		return nil
	}

	recorded := state.MaxHandleSeen
	advanced := state.advance(reported)
	outstanding := state.Outstanding()
	t.mu.Unlock()

	t.metrics.UpdateUnionRecords(unionSize)

	if !advanced {
		t.metrics.RecordRepairLogResponse(resultRegression)
		t.metrics.RecordHandleRegression()
		t.logger.Warn("Replica reported a max handle below the recorded one",
			zap.String("replica_id", string(replicaID)),
			zap.Uint64("reported", uint64(reported)),
			zap.Uint64("recorded", uint64(recorded)))
		return perrors.HandleRegression(string(replicaID), uint64(reported), uint64(recorded))
	}

	t.metrics.RecordRepairLogResponse(resultAccepted)
	t.logger.Debug("Accepted repair log chunk",
		zap.String("replica_id", string(replicaID)),
		zap.Int("sequence", resp.Sequence),
		zap.Int("of_total", resp.OfTotal),
		zap.Int("records", len(resp.Records)),
		zap.Uint64("max_handle", uint64(reported)),
		zap.Int("outstanding", outstanding))
	return nil
}

// AreRepairLogsComplete reports whether every tracked replica has delivered
// all expected responses. A term tracking no replicas is complete.
func (t *Term) AreRepairLogsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, state := range t.replicas {
		if !state.Complete() {
			return false
		}
	}
	return true
}

// Outstanding returns the ids of replicas still owing responses, sorted
func (t *Term) Outstanding() []model.ReplicaID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []model.ReplicaID
	for id, state := range t.replicas {
		if !state.Complete() {
			ids = append(ids, id)
		}
	}
	sortReplicaIDs(ids)
	return ids
}

// Replicas returns a copy of the per-replica state
func (t *Term) Replicas() map[model.ReplicaID]ReplicaRepairState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[model.ReplicaID]ReplicaRepairState, len(t.replicas))
	for id, state := range t.replicas {
		out[id] = state.snapshot()
	}
	return out
}

// UnionRecords returns the union in ascending handle order
func (t *Term) UnionRecords() []*model.TransactionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.union.Records()
}

// UnionSize returns the number of distinct records collected so far
func (t *Term) UnionSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.union.Size()
}

type replicaMax struct {
	id  model.ReplicaID
	max model.Handle
}

// RepairSurvivors walks the union in ascending handle order and, for every
// record some replica lacks, sends one repair command naming the replicas
// whose max handle is below the record's, in ascending id order.
//
// Membership of each command is computed from the max handles as they stand
// when RepairSurvivors is called; dispatching a repair does not advance them.
// It returns the number of commands the mailbox accepted for every named
// replica and the joined errors of the rest.
func (t *Term) RepairSurvivors(ctx context.Context) (int, error) {
	t.mu.Lock()
	records := t.union.Records()
	maxes := make([]replicaMax, 0, len(t.replicas))
	for id, state := range t.replicas {
		maxes = append(maxes, replicaMax{id: id, max: state.MaxHandleSeen})
	}
	t.mu.Unlock()

	sort.Slice(maxes, func(i, j int) bool { return maxes[i].id < maxes[j].id })

	t.logger.Info("Repairing survivors",
		zap.Int("union_size", len(records)),
		zap.Int("replicas", len(maxes)))

	dispatched := 0
	var errs []error
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var missing []model.ReplicaID
		for _, rm := range maxes {
			if rm.max < record.Handle {
				missing = append(missing, rm.id)
			}
		}
		if len(missing) == 0 {
			continue
		}

		if err := t.mailbox.RepairReplicasWith(ctx, missing, record); err != nil {
			t.logger.Warn("Failed to dispatch repair",
				zap.Uint64("handle", uint64(record.Handle)),
				zap.Int("replicas", len(missing)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("handle %d: %w", record.Handle, err))
			continue
		}
		dispatched++
	}

	t.metrics.RecordRepairCommands(dispatched)
	t.logger.Info("Repair commands dispatched",
		zap.Int("commands", dispatched),
		zap.Int("failed", len(errs)))
	return dispatched, errors.Join(errs...)
}

func sortReplicaIDs(ids []model.ReplicaID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
