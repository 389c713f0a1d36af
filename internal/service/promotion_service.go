package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	perrors "github.com/devrev/pairdb/promoter/internal/errors"
	"github.com/devrev/pairdb/promoter/internal/metrics"
	"github.com/devrev/pairdb/promoter/internal/model"
	"github.com/devrev/pairdb/promoter/internal/repair"
	"github.com/devrev/pairdb/promoter/internal/store"
	"github.com/devrev/pairdb/promoter/internal/transport"
	"github.com/devrev/pairdb/promoter/internal/validation"
)

var (
	// ErrPromotionTimeout is returned when replicas did not report before the episode timeout
	ErrPromotionTimeout = perrors.NewPromoterError(perrors.ErrCodeTimeout, "promotion timed out", nil)
	// ErrSuperseded is returned when a newer promotion of the same partition replaced the episode
	ErrSuperseded = errors.New("promotion superseded")
	// ErrRepairIncomplete is returned when some repair commands could not be delivered
	ErrRepairIncomplete = perrors.NewPromoterError(perrors.ErrCodeUnavailable, "repair incomplete", nil)
	// ErrShuttingDown is returned for episodes abandoned by Close
	ErrShuttingDown = errors.New("promotion service shutting down")
)

// Episode outcomes reported to metrics
const (
	outcomeCompleted  = "completed"
	outcomeTimeout    = "timeout"
	outcomeSuperseded = "superseded"
	outcomeFailed     = "failed"
)

// EpisodeMailbox is the transport for one episode: the send side the Term
// drives, the inbox its responses arrive on, and a barrier for repair acks
type EpisodeMailbox interface {
	repair.Mailbox
	Inbox() <-chan transport.Inbound
	Wait(ctx context.Context) (transport.RepairStats, error)
}

// MailboxFactory creates the mailbox of one episode
type MailboxFactory func(partition model.PartitionID, epoch model.Epoch) EpisodeMailbox

// DispatcherMailboxes adapts a transport.Dispatcher to a MailboxFactory
func DispatcherMailboxes(d *transport.Dispatcher) MailboxFactory {
	return func(partition model.PartitionID, epoch model.Epoch) EpisodeMailbox {
		return d.NewMailbox(partition, epoch)
	}
}

// PromotionConfig holds promotion configuration
type PromotionConfig struct {
	// LeaderID is the replica this process promotes to leader
	LeaderID       model.ReplicaID
	ExcludeLeader  bool
	EpisodeTimeout time.Duration
	HistoryLimit   int
}

// PromotionService runs leader promotion episodes. Each episode allocates a
// fresh epoch, reconciles the partition's replicas through a repair.Term, and
// records its outcome in the episode store.
type PromotionService struct {
	config     *PromotionConfig
	epochs     store.EpochStore
	episodes   store.EpisodeStore
	membership repair.Membership
	mailboxes  MailboxFactory
	validator  *validation.Validator
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu     sync.Mutex
	active map[model.PartitionID]*activeEpisode
	closed bool
}

type activeEpisode struct {
	episodeID string
	cancel    context.CancelCauseFunc
}

// NewPromotionService creates a new promotion service
func NewPromotionService(
	cfg *PromotionConfig,
	epochs store.EpochStore,
	episodes store.EpisodeStore,
	membership repair.Membership,
	mailboxes MailboxFactory,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PromotionService {
	if cfg.EpisodeTimeout <= 0 {
		cfg.EpisodeTimeout = 30 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &PromotionService{
		config:     cfg,
		epochs:     epochs,
		episodes:   episodes,
		membership: membership,
		mailboxes:  mailboxes,
		validator:  validation.NewValidator(),
		metrics:    m,
		logger:     logger,
		active:     make(map[model.PartitionID]*activeEpisode),
	}
}

// register makes episodeID the partition's active episode, superseding any
// episode already running
func (s *PromotionService) register(partition model.PartitionID, episodeID string, cancel context.CancelCauseFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShuttingDown
	}
	if prev, ok := s.active[partition]; ok {
		s.logger.Info("Superseding running promotion",
			zap.Int32("partition_id", int32(partition)),
			zap.String("episode_id", prev.episodeID))
		prev.cancel(ErrSuperseded)
	}
	s.active[partition] = &activeEpisode{episodeID: episodeID, cancel: cancel}
	return nil
}

func (s *PromotionService) unregister(partition model.PartitionID, episodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.active[partition]; ok && cur.episodeID == episodeID {
		delete(s.active, partition)
	}
}

// Promote runs one promotion episode for partition and blocks until every
// lagging replica has acknowledged its repairs, the episode times out, or a
// newer Promote of the same partition supersedes it. The recorded episode
// is returned in every case where one was created.
func (s *PromotionService) Promote(ctx context.Context, partition model.PartitionID) (*model.Episode, error) {
	if err := s.validator.ValidatePartitionID(partition); err != nil {
		return nil, err
	}

	episodeID := uuid.New().String()
	epCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := s.register(partition, episodeID, cancel); err != nil {
		return nil, err
	}
	defer s.unregister(partition, episodeID)

	epCtx, cancelTimeout := context.WithTimeout(epCtx, s.config.EpisodeTimeout)
	defer cancelTimeout()

	epoch, err := s.epochs.NextEpoch(epCtx, partition)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate epoch: %w", err)
	}

	episode := &model.Episode{
		EpisodeID:   episodeID,
		PartitionID: partition,
		Epoch:       epoch,
		LeaderID:    s.config.LeaderID,
		Status:      model.EpisodeStatusInProgress,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.episodes.CreateEpisode(epCtx, episode); err != nil {
		return nil, fmt.Errorf("failed to record episode: %w", err)
	}

	logger := s.logger.With(
		zap.String("episode_id", episodeID),
		zap.Int32("partition_id", int32(partition)),
		zap.Uint64("epoch", uint64(epoch)))
	logger.Info("Starting promotion", zap.String("leader_id", string(s.config.LeaderID)))

	mailbox := s.mailboxes(partition, epoch)
	term := repair.NewTerm(repair.TermConfig{
		PartitionID:   partition,
		Epoch:         epoch,
		LeaderID:      s.config.LeaderID,
		ExcludeLeader: s.config.ExcludeLeader,
	}, mailbox, s.membership, s.metrics, logger)

	if err := term.Start(epCtx); err != nil {
		if errors.Is(err, repair.ErrMembershipUnavailable) {
			return s.finish(ctx, logger, episode, term, outcomeFailed, err)
		}
		// unreachable replicas stay outstanding until the timeout
		logger.Warn("Some repair log requests failed", zap.Error(err))
	}
	episode.Replicas = sortedReplicas(term)

	if err := s.collect(epCtx, logger, term, mailbox); err != nil {
		return s.finish(ctx, logger, episode, term, s.outcomeOf(epCtx), s.errorOf(epCtx, err))
	}

	commands, dispatchErr := term.RepairSurvivors(epCtx)
	episode.RepairCommands = commands
	if err := epCtx.Err(); err != nil {
		return s.finish(ctx, logger, episode, term, s.outcomeOf(epCtx), s.errorOf(epCtx, err))
	}

	stats, waitErr := mailbox.Wait(epCtx)
	if waitErr != nil {
		return s.finish(ctx, logger, episode, term, s.outcomeOf(epCtx), s.errorOf(epCtx, waitErr))
	}
	if dispatchErr != nil || stats.Failed > 0 {
		err := fmt.Errorf("%w: %d of %d repair sends failed", ErrRepairIncomplete, stats.Failed, stats.Sent)
		if dispatchErr != nil {
			err = fmt.Errorf("%w: %w", err, dispatchErr)
		}
		return s.finish(ctx, logger, episode, term, outcomeFailed, err)
	}

	logger.Info("Repair acknowledged",
		zap.Int("sent", stats.Sent),
		zap.Int("applied", stats.Applied),
		zap.Int("skipped", stats.Skipped))
	return s.finish(ctx, logger, episode, term, outcomeCompleted, nil)
}

// collect feeds inbox responses to the term, one at a time, until every
// replica has reported or ctx ends
func (s *PromotionService) collect(ctx context.Context, logger *zap.Logger, term *repair.Term, mailbox EpisodeMailbox) error {
	for !term.AreRepairLogsComplete() {
		select {
		case in := <-mailbox.Inbox():
			if in.Err != nil {
				logger.Warn("Repair log stream failed",
					zap.String("replica_id", string(in.ReplicaID)),
					zap.Error(in.Err))
				continue
			}
			if err := term.OnRepairLogResponse(in.ReplicaID, in.Response); err != nil {
				// the term has already logged regressions and corrupted records
				logger.Debug("Repair log response not accepted",
					zap.String("replica_id", string(in.ReplicaID)),
					zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *PromotionService) outcomeOf(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrSuperseded):
		return outcomeSuperseded
	case errors.Is(cause, context.DeadlineExceeded):
		return outcomeTimeout
	default:
		return outcomeFailed
	}
}

func (s *PromotionService) errorOf(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrSuperseded):
		return ErrSuperseded
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrPromotionTimeout, s.config.EpisodeTimeout)
	case cause != nil:
		return cause
	default:
		return err
	}
}

// finish records the episode's outcome. It uses parent rather than the
// episode context, which may already be canceled.
func (s *PromotionService) finish(
	parent context.Context,
	logger *zap.Logger,
	episode *model.Episode,
	term *repair.Term,
	outcome string,
	cause error,
) (*model.Episode, error) {
	now := time.Now().UTC()
	episode.CompletedAt = &now
	episode.UnionSize = term.UnionSize()
	episode.Outstanding = term.Outstanding()

	switch outcome {
	case outcomeCompleted:
		episode.Status = model.EpisodeStatusCompleted
	case outcomeSuperseded:
		episode.Status = model.EpisodeStatusSuperseded
	default:
		episode.Status = model.EpisodeStatusFailed
	}
	if cause != nil {
		episode.ErrorMessage = cause.Error()
	}

	duration := now.Sub(episode.StartedAt)
	s.metrics.RecordEpisode(outcome, duration)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
	defer cancel()
	if err := s.episodes.UpdateEpisode(ctx, episode); err != nil {
		logger.Error("Failed to record episode outcome", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("status", string(episode.Status)),
		zap.Int("union_size", episode.UnionSize),
		zap.Int("repair_commands", episode.RepairCommands),
		zap.Duration("duration", duration),
	}
	if cause != nil {
		fields = append(fields,
			zap.Strings("outstanding", replicaStrings(episode.Outstanding)),
			zap.Error(cause))
		logger.Warn("Promotion did not complete", fields...)
		return episode, cause
	}
	logger.Info("Promotion completed", fields...)
	return episode, nil
}

// Episode returns a recorded episode
func (s *PromotionService) Episode(ctx context.Context, episodeID string) (*model.Episode, error) {
	e, err := s.episodes.GetEpisode(ctx, episodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perrors.NotFound("episode", episodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	return e, nil
}

// Episodes returns the partition's most recent episodes, newest first
func (s *PromotionService) Episodes(ctx context.Context, partition model.PartitionID) ([]*model.Episode, error) {
	if err := s.validator.ValidatePartitionID(partition); err != nil {
		return nil, err
	}
	list, err := s.episodes.ListEpisodes(ctx, partition, s.config.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	return list, nil
}

// Close abandons running episodes and rejects new ones
func (s *PromotionService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for partition, a := range s.active {
		a.cancel(ErrShuttingDown)
		delete(s.active, partition)
	}
}

func sortedReplicas(term *repair.Term) []model.ReplicaID {
	states := term.Replicas()
	ids := make([]model.ReplicaID, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func replicaStrings(ids []model.ReplicaID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
