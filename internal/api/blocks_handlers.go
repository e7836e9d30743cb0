package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/activity"
	"github.com/JakeFAU/searchguard/internal/engine"
)

const (
	defaultBlocksLimit = 50
	maxBlocksLimit     = 500
	blocksTimeout      = 3 * time.Second
)

// BlockCounter reads the persisted block log.
type BlockCounter interface {
	Count(ctx context.Context) (int64, error)
	Recent(ctx context.Context, limit, offset int) ([]activity.Event, error)
}

// BlocksHandler exposes read-only block log endpoints.
type BlocksHandler struct {
	repo    BlockCounter
	timeout time.Duration
	logger  *zap.Logger
}

// NewBlocksHandler wires the repository and logger. repo may be nil, in which
// case every request answers 503.
func NewBlocksHandler(repo BlockCounter, logger *zap.Logger) *BlocksHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlocksHandler{
		repo:    repo,
		timeout: blocksTimeout,
		logger:  logger,
	}
}

// Count handles GET /v1/activity/blocks?limit=&offset=. It returns
// {"total": n, "blocks": [...]} on success, 400 for invalid paging, 503 when
// no block log is configured, or 500 if the repository call fails.
func (h *BlocksHandler) Count(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "block log unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultBlocksLimit, maxBlocksLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	total, err := h.repo.Count(ctx)
	if err != nil {
		h.logger.Error("count blocks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count blocks")
		return
	}
	blocks, err := h.repo.Recent(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list blocks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list blocks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  total,
		"blocks": toBlockDTOs(blocks),
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type blockDTO struct {
	ID          string    `json:"id"`
	BlockedAt   time.Time `json:"blocked_at"`
	TabID       string    `json:"tab_id,omitempty"`
	Host        string    `json:"host"`
	Engine      string    `json:"engine"`
	Source      string    `json:"source,omitempty"`
	MatchedTerm string    `json:"matched_term"`
}

func toBlockDTOs(in []activity.Event) []blockDTO {
	out := make([]blockDTO, 0, len(in))
	for _, evt := range in {
		out = append(out, blockDTO{
			ID:          evt.UUID().String(),
			BlockedAt:   evt.TS,
			TabID:       evt.TabID,
			Host:        evt.Host,
			Engine:      engine.FriendlyName(evt.Host),
			Source:      evt.Source,
			MatchedTerm: evt.MatchedTerm,
		})
	}
	return out
}
