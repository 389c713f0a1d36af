package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	perrors "github.com/devrev/pairdb/promoter/internal/errors"
	"github.com/devrev/pairdb/promoter/internal/model"
)

// Promoter runs and reports promotion episodes
type Promoter interface {
	Promote(ctx context.Context, partition model.PartitionID) (*model.Episode, error)
	Episode(ctx context.Context, episodeID string) (*model.Episode, error)
	Episodes(ctx context.Context, partition model.PartitionID) ([]*model.Episode, error)
}

// AdminHandler serves the promotion admin API
type AdminHandler struct {
	promoter Promoter
	logger   *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(promoter Promoter, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		promoter: promoter,
		logger:   logger,
	}
}

type episodesResponse struct {
	PartitionID model.PartitionID `json:"partition_id"`
	Episodes    []*model.Episode  `json:"episodes"`
}

func partitionFromPath(r *http.Request) (model.PartitionID, error) {
	p, err := model.ParsePartitionID(mux.Vars(r)["partition_id"])
	if err != nil {
		return 0, perrors.InvalidArgument("invalid partition_id", err)
	}
	return p, nil
}

// Promote handles POST /v1/partitions/{partition_id}/promote. It blocks
// until the episode finishes.
func (h *AdminHandler) Promote(w http.ResponseWriter, r *http.Request) {
	partition, err := partitionFromPath(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	episode, err := h.promoter.Promote(r.Context(), partition)
	if err != nil {
		writeError(w, r, err, episode)
		return
	}
	writeJSON(w, http.StatusOK, episode)
}

// GetEpisode handles GET /v1/episodes/{episode_id}
func (h *AdminHandler) GetEpisode(w http.ResponseWriter, r *http.Request) {
	episode, err := h.promoter.Episode(r.Context(), mux.Vars(r)["episode_id"])
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, episode)
}

// ListEpisodes handles GET /v1/partitions/{partition_id}/episodes
func (h *AdminHandler) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	partition, err := partitionFromPath(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	episodes, err := h.promoter.Episodes(r.Context(), partition)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if episodes == nil {
		episodes = []*model.Episode{}
	}
	writeJSON(w, http.StatusOK, episodesResponse{PartitionID: partition, Episodes: episodes})
}
