package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	perrors "github.com/devrev/pairdb/promoter/internal/errors"
	"github.com/devrev/pairdb/promoter/internal/health"
	"github.com/devrev/pairdb/promoter/internal/metrics"
	"github.com/devrev/pairdb/promoter/internal/model"
	"github.com/devrev/pairdb/promoter/internal/service"
)

type fakePromoter struct {
	episodes  map[string]*model.Episode
	promoteFn func(partition model.PartitionID) (*model.Episode, error)
}

func (f *fakePromoter) Promote(ctx context.Context, partition model.PartitionID) (*model.Episode, error) {
	return f.promoteFn(partition)
}

func (f *fakePromoter) Episode(ctx context.Context, episodeID string) (*model.Episode, error) {
	e, ok := f.episodes[episodeID]
	if !ok {
		return nil, perrors.NotFound("episode", episodeID)
	}
	return e, nil
}

func (f *fakePromoter) Episodes(ctx context.Context, partition model.PartitionID) ([]*model.Episode, error) {
	var out []*model.Episode
	for _, e := range f.episodes {
		if e.PartitionID == partition {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, p *fakePromoter, cfg *Config) (*Server, *prometheus.Registry) {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.RecordEpisode("completed", time.Second)
	return NewServer(cfg, p, health.NewHealthChecker(zap.NewNop()), reg, zap.NewNop()), reg
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestPromoteEndpoint(t *testing.T) {
	p := &fakePromoter{promoteFn: func(partition model.PartitionID) (*model.Episode, error) {
		return &model.Episode{EpisodeID: "ep-1", PartitionID: partition, Epoch: 9, Status: model.EpisodeStatusCompleted}, nil
	}}
	s, _ := newTestServer(t, p, nil)

	rec := do(s, http.MethodPost, "/v1/partitions/3/promote")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var episode model.Episode
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&episode))
	assert.Equal(t, model.PartitionID(3), episode.PartitionID)
	assert.Equal(t, model.EpisodeStatusCompleted, episode.Status)
}

func TestPromoteEndpoint_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"bad partition", "/v1/partitions/abc/promote", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"timeout", "/v1/partitions/1/promote", fmt.Errorf("%w after 1s", service.ErrPromotionTimeout), http.StatusGatewayTimeout, "TIMEOUT"},
		{"superseded", "/v1/partitions/1/promote", service.ErrSuperseded, http.StatusConflict, "SUPERSEDED"},
		{"shutting down", "/v1/partitions/1/promote", service.ErrShuttingDown, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{"repair incomplete", "/v1/partitions/1/promote", service.ErrRepairIncomplete, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePromoter{promoteFn: func(partition model.PartitionID) (*model.Episode, error) {
				return &model.Episode{EpisodeID: "ep", Status: model.EpisodeStatusFailed}, tt.err
			}}
			s, _ := newTestServer(t, p, nil)

			rec := do(s, http.MethodPost, tt.path)
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantErr, resp.ErrorCode)
			assert.NotEmpty(t, resp.RequestID)
			if tt.err != nil {
				require.NotNil(t, resp.Episode)
				assert.Equal(t, "ep", resp.Episode.EpisodeID)
			}
		})
	}
}

func TestPromoteEndpoint_RateLimited(t *testing.T) {
	p := &fakePromoter{promoteFn: func(partition model.PartitionID) (*model.Episode, error) {
		return &model.Episode{EpisodeID: "ep"}, nil
	}}
	s, _ := newTestServer(t, p, &Config{PromoteRPS: 0.001, PromoteBurst: 1})

	assert.Equal(t, http.StatusOK, do(s, http.MethodPost, "/v1/partitions/1/promote").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodPost, "/v1/partitions/1/promote").Code)
	// other routes are not limited
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/v1/partitions/1/episodes").Code)
}

func TestEpisodeEndpoints(t *testing.T) {
	p := &fakePromoter{episodes: map[string]*model.Episode{
		"ep-1": {EpisodeID: "ep-1", PartitionID: 2, Epoch: 1, Status: model.EpisodeStatusCompleted},
	}}
	s, _ := newTestServer(t, p, nil)

	rec := do(s, http.MethodGet, "/v1/episodes/ep-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var episode model.Episode
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&episode))
	assert.Equal(t, "ep-1", episode.EpisodeID)

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/v1/episodes/missing").Code)

	rec = do(s, http.MethodGet, "/v1/partitions/2/episodes")
	require.Equal(t, http.StatusOK, rec.Code)
	var list episodesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list.Episodes, 1)

	rec = do(s, http.MethodGet, "/v1/partitions/5/episodes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"episodes":[]`)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	s, _ := newTestServer(t, &fakePromoter{}, nil)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/ready").Code)

	rec := do(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "promoter_episodes_total")

	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/nope").Code)
}
