package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/promoter/internal/model"
	"github.com/devrev/pairdb/promoter/internal/repair"
	"github.com/devrev/pairdb/promoter/internal/store"
	"github.com/devrev/pairdb/promoter/internal/transport"
)

// fakeMailbox answers repair log requests from canned replica logs and
// records repair commands
type fakeMailbox struct {
	partition model.PartitionID
	epoch     model.Epoch
	logs      map[model.ReplicaID][]model.Handle
	silent    map[model.ReplicaID]bool
	failSends bool
	inbox     chan transport.Inbound

	mu      sync.Mutex
	repairs map[model.ReplicaID][]model.Handle
}

func (f *fakeMailbox) RequestRepairLog(ctx context.Context, replicaID model.ReplicaID, req *model.RepairLogRequest) error {
	if f.silent[replicaID] {
		return nil
	}
	handles, ok := f.logs[replicaID]
	if !ok {
		return errors.New("unreachable")
	}
	records := make([]*model.TransactionRecord, 0, len(handles))
	var max model.Handle
	for _, h := range handles {
		records = append(records, model.NewTransactionRecord(h, []byte("txn-"+h.String())))
		if h > max {
			max = h
		}
	}
	f.inbox <- transport.Inbound{ReplicaID: replicaID, Response: &model.RepairLogResponse{
		RequestID:   req.RequestID,
		PartitionID: req.PartitionID,
		Epoch:       req.Epoch,
		ReplicaID:   replicaID,
		Sequence:    0,
		OfTotal:     1,
		MaxHandle:   max,
		Records:     records,
	}}
	return nil
}

func (f *fakeMailbox) RepairReplicasWith(ctx context.Context, replicaIDs []model.ReplicaID, record *model.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range replicaIDs {
		f.repairs[id] = append(f.repairs[id], record.Handle)
	}
	return nil
}

func (f *fakeMailbox) Inbox() <-chan transport.Inbound { return f.inbox }

func (f *fakeMailbox) Wait(ctx context.Context) (transport.RepairStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.repairs {
		n += len(hs)
	}
	if f.failSends {
		return transport.RepairStats{Sent: n, Failed: n}, nil
	}
	return transport.RepairStats{Sent: n, Applied: n}, nil
}

type staticReplicas []model.ReplicaID

func (s staticReplicas) Replicas(ctx context.Context, partition model.PartitionID) ([]model.ReplicaID, error) {
	return s, nil
}

type failingMembership struct{}

func (failingMembership) Replicas(ctx context.Context, partition model.PartitionID) ([]model.ReplicaID, error) {
	return nil, errors.New("coordination service down")
}

type harness struct {
	svc       *PromotionService
	episodes  *store.MemoryEpisodeStore
	mu        sync.Mutex
	mailboxes []*fakeMailbox
}

func newHarness(t *testing.T, membership repair.Membership, timeout time.Duration, configure func(*fakeMailbox)) *harness {
	t.Helper()
	h := &harness{episodes: store.NewMemoryEpisodeStore()}
	factory := func(partition model.PartitionID, epoch model.Epoch) EpisodeMailbox {
		mb := &fakeMailbox{
			partition: partition,
			epoch:     epoch,
			logs:      map[model.ReplicaID][]model.Handle{},
			silent:    map[model.ReplicaID]bool{},
			inbox:     make(chan transport.Inbound, 16),
			repairs:   map[model.ReplicaID][]model.Handle{},
		}
		configure(mb)
		h.mu.Lock()
		h.mailboxes = append(h.mailboxes, mb)
		h.mu.Unlock()
		return mb
	}
	h.svc = NewPromotionService(&PromotionConfig{
		LeaderID:       "leader",
		EpisodeTimeout: timeout,
	}, store.NewMemoryEpochStore(), h.episodes, membership, factory, nil, zap.NewNop())
	t.Cleanup(h.svc.Close)
	return h
}

func TestPromote_RepairsLaggingReplicas(t *testing.T) {
	h := newHarness(t, staticReplicas{"leader", "r1", "r2"}, 5*time.Second, func(mb *fakeMailbox) {
		mb.logs["leader"] = []model.Handle{3, 4}
		mb.logs["r1"] = []model.Handle{3, 4, 5}
		mb.logs["r2"] = []model.Handle{3}
	})

	episode, err := h.svc.Promote(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, model.EpisodeStatusCompleted, episode.Status)
	assert.Equal(t, model.Epoch(1), episode.Epoch)
	assert.Equal(t, []model.ReplicaID{"leader", "r1", "r2"}, episode.Replicas)
	assert.Empty(t, episode.Outstanding)
	assert.Equal(t, 3, episode.UnionSize)
	assert.Equal(t, 2, episode.RepairCommands)
	require.NotNil(t, episode.CompletedAt)

	mb := h.mailboxes[0]
	assert.Equal(t, []model.Handle{5}, mb.repairs["leader"])
	assert.Equal(t, []model.Handle{4, 5}, mb.repairs["r2"])
	assert.Empty(t, mb.repairs["r1"])

	stored, err := h.svc.Episode(context.Background(), episode.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, model.EpisodeStatusCompleted, stored.Status)
}

func TestPromote_EpochsIncrease(t *testing.T) {
	h := newHarness(t, staticReplicas{"leader"}, 5*time.Second, func(mb *fakeMailbox) {
		mb.logs["leader"] = nil
	})

	first, err := h.svc.Promote(context.Background(), 2)
	require.NoError(t, err)
	second, err := h.svc.Promote(context.Background(), 2)
	require.NoError(t, err)
	assert.Less(t, first.Epoch, second.Epoch)

	list, err := h.svc.Episodes(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.EpisodeID, list[0].EpisodeID)
}

func TestPromote_TimesOutWithoutRepairing(t *testing.T) {
	h := newHarness(t, staticReplicas{"leader", "r1"}, 100*time.Millisecond, func(mb *fakeMailbox) {
		mb.logs["leader"] = []model.Handle{1, 2}
		mb.silent["r1"] = true
	})

	episode, err := h.svc.Promote(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPromotionTimeout)
	require.NotNil(t, episode)
	assert.Equal(t, model.EpisodeStatusFailed, episode.Status)
	assert.Equal(t, []model.ReplicaID{"r1"}, episode.Outstanding)
	assert.Zero(t, episode.RepairCommands)
	assert.Empty(t, h.mailboxes[0].repairs)
}

func TestPromote_NewerPromotionSupersedes(t *testing.T) {
	var calls int
	var mu sync.Mutex
	h := newHarness(t, staticReplicas{"leader", "r1"}, 5*time.Second, func(mb *fakeMailbox) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		mb.logs["leader"] = []model.Handle{1}
		mb.logs["r1"] = []model.Handle{1}
		if calls == 1 {
			mb.silent["r1"] = true
		}
	})

	type result struct {
		episode *model.Episode
		err     error
	}
	done := make(chan result, 1)
	go func() {
		e, err := h.svc.Promote(context.Background(), 1)
		done <- result{e, err}
	}()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.mailboxes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	second, err := h.svc.Promote(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.EpisodeStatusCompleted, second.Status)

	first := <-done
	assert.ErrorIs(t, first.err, ErrSuperseded)
	assert.Equal(t, model.EpisodeStatusSuperseded, first.episode.Status)
	assert.Less(t, first.episode.Epoch, second.Epoch)
}

func TestPromote_MembershipFailure(t *testing.T) {
	h := newHarness(t, failingMembership{}, 5*time.Second, func(mb *fakeMailbox) {})

	episode, err := h.svc.Promote(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, repair.ErrMembershipUnavailable)
	assert.Equal(t, model.EpisodeStatusFailed, episode.Status)
}

func TestPromote_RepairSendFailuresFailEpisode(t *testing.T) {
	h := newHarness(t, staticReplicas{"leader", "r1"}, 5*time.Second, func(mb *fakeMailbox) {
		mb.logs["leader"] = []model.Handle{1, 2}
		mb.logs["r1"] = []model.Handle{1}
		mb.failSends = true
	})

	episode, err := h.svc.Promote(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRepairIncomplete)
	assert.Equal(t, model.EpisodeStatusFailed, episode.Status)
	assert.Equal(t, 1, episode.RepairCommands)
}

func TestPromote_RejectsAfterClose(t *testing.T) {
	h := newHarness(t, staticReplicas{"leader"}, time.Second, func(mb *fakeMailbox) {})
	h.svc.Close()

	_, err := h.svc.Promote(context.Background(), 1)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestEpisode_NotFound(t *testing.T) {
	h := newHarness(t, staticReplicas{"leader"}, time.Second, func(mb *fakeMailbox) {})

	_, err := h.svc.Episode(context.Background(), "missing")
	require.Error(t, err)
}

// MockEpochStore is a mock implementation of store.EpochStore
type MockEpochStore struct {
	mock.Mock
}

func (m *MockEpochStore) NextEpoch(ctx context.Context, partition model.PartitionID) (model.Epoch, error) {
	args := m.Called(ctx, partition)
	return args.Get(0).(model.Epoch), args.Error(1)
}

func (m *MockEpochStore) CurrentEpoch(ctx context.Context, partition model.PartitionID) (model.Epoch, error) {
	args := m.Called(ctx, partition)
	return args.Get(0).(model.Epoch), args.Error(1)
}

func (m *MockEpochStore) Ping(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *MockEpochStore) Close() error { return m.Called().Error(0) }

// MockEpisodeStore is a mock implementation of store.EpisodeStore
type MockEpisodeStore struct {
	mock.Mock
}

func (m *MockEpisodeStore) CreateEpisode(ctx context.Context, episode *model.Episode) error {
	return m.Called(ctx, episode).Error(0)
}

func (m *MockEpisodeStore) UpdateEpisode(ctx context.Context, episode *model.Episode) error {
	return m.Called(ctx, episode).Error(0)
}

func (m *MockEpisodeStore) GetEpisode(ctx context.Context, episodeID string) (*model.Episode, error) {
	args := m.Called(ctx, episodeID)
	if e := args.Get(0); e != nil {
		return e.(*model.Episode), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEpisodeStore) ListEpisodes(ctx context.Context, partition model.PartitionID, limit int) ([]*model.Episode, error) {
	args := m.Called(ctx, partition, limit)
	if e := args.Get(0); e != nil {
		return e.([]*model.Episode), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEpisodeStore) Ping(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *MockEpisodeStore) Close() error { return m.Called().Error(0) }

func TestPromote_EpochAllocationFailure(t *testing.T) {
	epochs := new(MockEpochStore)
	epochs.On("NextEpoch", mock.Anything, model.PartitionID(1)).Return(model.Epoch(0), errors.New("redis down"))
	episodes := new(MockEpisodeStore)

	svc := NewPromotionService(&PromotionConfig{LeaderID: "leader"}, epochs, episodes,
		staticReplicas{"leader"}, func(model.PartitionID, model.Epoch) EpisodeMailbox {
			t.Fatal("no mailbox expected without an epoch")
			return nil
		}, nil, zap.NewNop())

	episode, err := svc.Promote(context.Background(), 1)
	require.Error(t, err)
	assert.Nil(t, episode)
	episodes.AssertNotCalled(t, "CreateEpisode", mock.Anything, mock.Anything)
}

func TestPromote_RecordsOutcomeDespiteCanceledCaller(t *testing.T) {
	epochs := new(MockEpochStore)
	epochs.On("NextEpoch", mock.Anything, model.PartitionID(1)).Return(model.Epoch(4), nil)
	episodes := new(MockEpisodeStore)
	episodes.On("CreateEpisode", mock.Anything, mock.Anything).Return(nil)
	episodes.On("UpdateEpisode", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.MatchedBy(func(e *model.Episode) bool {
		return e.Status == model.EpisodeStatusFailed && e.Epoch == 4
	})).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	svc := NewPromotionService(&PromotionConfig{LeaderID: "leader", EpisodeTimeout: 5 * time.Second}, epochs, episodes,
		staticReplicas{"leader"}, func(model.PartitionID, model.Epoch) EpisodeMailbox {
			// the caller goes away before any replica answers
			cancel()
			return &fakeMailbox{
				silent:  map[model.ReplicaID]bool{"leader": true},
				inbox:   make(chan transport.Inbound),
				repairs: map[model.ReplicaID][]model.Handle{},
			}
		}, nil, zap.NewNop())

	episode, err := svc.Promote(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.EpisodeStatusFailed, episode.Status)
	episodes.AssertExpectations(t)
}
