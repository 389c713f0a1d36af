package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/promoter/internal/model"
	"github.com/devrev/pairdb/promoter/internal/util/workerpool"
)

// AddressResolver maps a replica to its RPC address
type AddressResolver interface {
	Address(replicaID model.ReplicaID) (string, error)
}

// Inbound is one message delivered to an episode's inbox: either a repair
// log chunk or the error that ended a replica's stream
type Inbound struct {
	ReplicaID model.ReplicaID
	Response  *model.RepairLogResponse
	Err       error
}

// RepairStats summarizes the acknowledgements of a mailbox's repair commands
type RepairStats struct {
	Sent    int
	Applied int
	Skipped int
	Failed  int
}

// DispatcherConfig holds repair dispatch configuration
type DispatcherConfig struct {
	RequestTimeout time.Duration
	// RepairsPerSecond throttles repair commands across all episodes; zero disables throttling
	RepairsPerSecond float64
	RepairBurst      int
	Workers          int
	QueueSize        int
	InboxSize        int
}

// Dispatcher owns the process-wide transport resources and hands out one
// Mailbox per promotion episode
type Dispatcher struct {
	config   *DispatcherConfig
	pool     *ClientPool
	resolver AddressResolver
	workers  *workerpool.WorkerPool
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher and starts its repair workers
func NewDispatcher(cfg *DispatcherConfig, pool *ClientPool, resolver AddressResolver, logger *zap.Logger) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}

	limit := rate.Inf
	if cfg.RepairsPerSecond > 0 {
		limit = rate.Limit(cfg.RepairsPerSecond)
	}
	burst := cfg.RepairBurst
	if burst <= 0 {
		burst = 1
	}

	return &Dispatcher{
		config:   cfg,
		pool:     pool,
		resolver: resolver,
		workers: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "repair-dispatch",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		}),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// NewMailbox creates the mailbox for one episode of partition at epoch
func (d *Dispatcher) NewMailbox(partition model.PartitionID, epoch model.Epoch) *Mailbox {
	return &Mailbox{
		dispatcher: d,
		partition:  partition,
		epoch:      epoch,
		inbox:      make(chan Inbound, d.config.InboxSize),
		lastQueued: make(map[model.ReplicaID]model.Handle),
		broken:     make(map[model.ReplicaID]error),
		logger: d.logger.With(
			zap.Int32("partition_id", int32(partition)),
			zap.Uint64("epoch", uint64(epoch))),
	}
}

// Stop stops the repair workers
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.workers.Stop(timeout)
}

// Mailbox sends repair log requests and repair commands for one episode.
// Repair log chunks arrive on Inbox; repair acknowledgements are tallied
// and reported by Wait.
type Mailbox struct {
	dispatcher *Dispatcher
	partition  model.PartitionID
	epoch      model.Epoch
	inbox      chan Inbound
	logger     *zap.Logger

	streams sync.WaitGroup
	repairs sync.WaitGroup

	// mu guards the per-replica repair chain
	mu sync.Mutex
	// lastQueued is the handle of the last repair queued for each replica
	lastQueued map[model.ReplicaID]model.Handle
	// broken holds the first failure of each replica; later repairs to it are not sent
	broken map[model.ReplicaID]error

	sent    int64
	applied int64
	skipped int64
	failed  int64
}

// Inbox delivers repair log chunks in arrival order
func (m *Mailbox) Inbox() <-chan Inbound {
	return m.inbox
}

func (m *Mailbox) client(replicaID model.ReplicaID) (*ReplicaClient, error) {
	addr, err := m.dispatcher.resolver.Address(replicaID)
	if err != nil {
		return nil, err
	}
	return m.dispatcher.pool.Get(addr)
}

// RequestRepairLog opens a repair log stream to the replica and forwards
// its chunks to the inbox in the background. It returns once the request is
// on its way. The stream lives as long as ctx.
func (m *Mailbox) RequestRepairLog(ctx context.Context, replicaID model.ReplicaID, req *model.RepairLogRequest) error {
	client, err := m.client(replicaID)
	if err != nil {
		return fmt.Errorf("failed to resolve replica %s: %w", replicaID, err)
	}

	m.streams.Add(1)
	go func() {
		defer m.streams.Done()
		m.pumpRepairLog(ctx, client, replicaID, req)
	}()
	return nil
}

func (m *Mailbox) pumpRepairLog(ctx context.Context, client *ReplicaClient, replicaID model.ReplicaID, req *model.RepairLogRequest) {
	stream, err := client.RepairLog(ctx, req)
	if err != nil {
		m.deliver(ctx, Inbound{ReplicaID: replicaID, Err: err})
		return
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			m.deliver(ctx, Inbound{ReplicaID: replicaID, Err: err})
			return
		}
		if !m.deliver(ctx, Inbound{ReplicaID: replicaID, Response: resp}) {
			return
		}
	}
}

func (m *Mailbox) deliver(ctx context.Context, in Inbound) bool {
	select {
	case m.inbox <- in:
		return true
	case <-ctx.Done():
		return false
	}
}

// ErrReplicaAbandoned fails the repairs queued behind a replica's first
// failed repair in the same episode
var ErrReplicaAbandoned = errors.New("earlier repair to replica failed")

// RepairReplicasWith queues one repair command per named replica. Commands
// for the same replica are sent one at a time in the order they were queued,
// each naming the previously queued handle as its predecessor. After one
// repair to a replica fails, the rest queued for it fail without being sent.
func (m *Mailbox) RepairReplicasWith(ctx context.Context, replicaIDs []model.ReplicaID, record *model.TransactionRecord) error {
	var errs []error
	for _, id := range replicaIDs {
		id := id
		cmd := &model.RepairCommand{
			PartitionID: m.partition,
			Epoch:       m.epoch,
			PrevHandle:  m.chain(id, record.Handle),
			Record:      record,
		}

		m.repairs.Add(1)
		err := m.dispatcher.workers.SubmitWithContext(ctx, workerpool.Task{
			ID:      fmt.Sprintf("repair-%d-%s-%d", m.partition, id, record.Handle),
			Key:     string(id),
			Context: ctx,
			Fn: func(ctx context.Context) error {
				defer m.repairs.Done()
				return m.sendRepair(ctx, id, cmd)
			},
			Dropped: func(err error) {
				defer m.repairs.Done()
				m.fail(id, cmd, err)
			},
		})
		if err != nil {
			m.repairs.Done()
			m.fail(id, cmd, err)
			errs = append(errs, fmt.Errorf("replica %s: %w", id, err))
			continue
		}
		atomic.AddInt64(&m.sent, 1)
	}
	return errors.Join(errs...)
}

// chain records handle as the latest repair queued for the replica and
// returns the one queued before it
func (m *Mailbox) chain(replicaID model.ReplicaID, handle model.Handle) model.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.lastQueued[replicaID]
	m.lastQueued[replicaID] = handle
	return prev
}

func (m *Mailbox) brokenErr(replicaID model.ReplicaID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broken[replicaID]
}

// fail counts a repair as failed and marks its replica broken for the rest
// of the episode
func (m *Mailbox) fail(replicaID model.ReplicaID, cmd *model.RepairCommand, err error) {
	atomic.AddInt64(&m.failed, 1)

	m.mu.Lock()
	_, already := m.broken[replicaID]
	if !already {
		m.broken[replicaID] = err
	}
	m.mu.Unlock()

	if !already {
		m.logger.Warn("Repair command failed, abandoning replica for this episode",
			zap.String("replica_id", string(replicaID)),
			zap.Uint64("handle", uint64(cmd.Record.Handle)),
			zap.Error(err))
	}
}

func (m *Mailbox) sendRepair(ctx context.Context, replicaID model.ReplicaID, cmd *model.RepairCommand) error {
	if cause := m.brokenErr(replicaID); cause != nil {
		atomic.AddInt64(&m.failed, 1)
		return fmt.Errorf("%w: %v", ErrReplicaAbandoned, cause)
	}

	if err := m.dispatcher.limiter.Wait(ctx); err != nil {
		m.fail(replicaID, cmd, err)
		return err
	}

	client, err := m.client(replicaID)
	if err != nil {
		m.fail(replicaID, cmd, err)
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.dispatcher.config.RequestTimeout)
	defer cancel()

	ack, err := client.Repair(callCtx, cmd)
	if err != nil {
		m.fail(replicaID, cmd, err)
		return err
	}

	if ack.Applied {
		atomic.AddInt64(&m.applied, 1)
	} else {
		atomic.AddInt64(&m.skipped, 1)
	}
	return nil
}

// Wait blocks until every queued repair command has been answered or ctx is done
func (m *Mailbox) Wait(ctx context.Context) (RepairStats, error) {
	done := make(chan struct{})
	go func() {
		m.repairs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return m.stats(), ctx.Err()
	}
	return m.stats(), nil
}

func (m *Mailbox) stats() RepairStats {
	return RepairStats{
		Sent:    int(atomic.LoadInt64(&m.sent)),
		Applied: int(atomic.LoadInt64(&m.applied)),
		Skipped: int(atomic.LoadInt64(&m.skipped)),
		Failed:  int(atomic.LoadInt64(&m.failed)),
	}
}
