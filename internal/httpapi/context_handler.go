package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/cache"
	"github.com/connexus-ai/ragcore/internal/compaction"
	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/store"
)

// Compactor is the context maintenance contract; implemented by
// compaction.Compactor.
type Compactor interface {
	Compact(ctx context.Context, conversationID, userID, trigger string) compaction.Result
	ShouldCompact(ctx context.Context, conversationID string) (bool, string)
	Status(ctx context.Context, conversationID string) (*compaction.WindowStatus, error)
	OfferRecovery(ctx context.Context, conversationID string) ([]compaction.RecoveryOffer, error)
	AcknowledgeRecovery(ctx context.Context, checkpointID uuid.UUID) error
	Restore(ctx context.Context, conversationID string, checkpointID uuid.UUID) (compaction.Result, error)
}

// ContextWriter appends to conversation windows; implemented by
// store.ContextStore.
type ContextWriter interface {
	EnsureContext(ctx context.Context, conversationID, userID string, maxTokens, thresholdPercent int) (*store.ConversationContext, error)
	AppendMessage(ctx context.Context, contextID uuid.UUID, role, content string, tokenCount int, isProtected bool) (*store.ContextMessage, error)
}

// CheckpointLister reads a conversation's snapshots; implemented by
// store.CheckpointStore.
type CheckpointLister interface {
	List(ctx context.Context, conversationID string) ([]store.SessionCheckpoint, error)
}

// ContextHandler serves the chat context and checkpoint endpoints
type ContextHandler struct {
	compactor   Compactor
	contexts    ContextWriter
	checkpoints CheckpointLister
	counter     *compaction.Counter
	l1          *cache.L1Cache
	cfg         config.CompactionConfig
	logger      *zap.Logger
}

// NewContextHandler wires the chat context API surface
func NewContextHandler(compactor Compactor, contexts ContextWriter, checkpoints CheckpointLister, l1 *cache.L1Cache, cfg config.CompactionConfig, logger *zap.Logger) *ContextHandler {
	return &ContextHandler{
		compactor:   compactor,
		contexts:    contexts,
		checkpoints: checkpoints,
		counter:     compaction.NewCounter(cfg.SummaryModel),
		l1:          l1,
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterRoutes mounts the chat context endpoints on mux
func (h *ContextHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /context-window/{id}", h.handleStatus)
	mux.HandleFunc("POST /context-window/{id}/messages", h.handleAppendMessage)
	mux.HandleFunc("POST /context-window/{id}/compact", h.handleCompact)
	mux.HandleFunc("GET /checkpoints/{id}", h.handleListCheckpoints)
	mux.HandleFunc("POST /checkpoints/{id}/restore/{cid}", h.handleRestore)
	mux.HandleFunc("GET /checkpoints/{id}/recovery", h.handleRecoveryOffers)
	mux.HandleFunc("POST /checkpoints/{id}/recovery/{cid}/ack", h.handleRecoveryAck)
}

func (h *ContextHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	status, err := h.compactor.Status(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, status)
}

type appendMessageRequest struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	UserID      string `json:"user_id,omitempty"`
	IsProtected bool   `json:"is_protected,omitempty"`
}

type appendMessageResponse struct {
	MessageID           uuid.UUID              `json:"message_id"`
	TokenCount          int                    `json:"token_count"`
	ContextStatus       compaction.UsageStatus `json:"context_status"`
	CompactionTriggered bool                   `json:"compaction_triggered"`
}

func (h *ContextHandler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" || req.Content == "" {
		writeError(w, h.logger, http.StatusBadRequest, "role and content are required")
		return
	}

	ctx := r.Context()
	cc, err := h.contexts.EnsureContext(ctx, conversationID, req.UserID, h.cfg.MaxTokens, h.cfg.ThresholdPercent)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}

	tokens := h.counter.CountMessage(req.Role, req.Content)
	msg, err := h.contexts.AppendMessage(ctx, cc.ID, req.Role, req.Content, tokens, req.IsProtected)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}

	percent := compaction.UsagePercent(cc.TotalTokens+tokens, cc.MaxTokens)

	triggered := false
	if ok, _ := h.compactor.ShouldCompact(ctx, conversationID); ok {
		triggered = true
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			h.compactor.Compact(bg, conversationID, req.UserID, "auto")
		}()
	}

	writeJSON(w, h.logger, http.StatusOK, appendMessageResponse{
		MessageID:           msg.ID,
		TokenCount:          msg.TokenCount,
		ContextStatus:       compaction.StatusFor(percent),
		CompactionTriggered: triggered,
	})
}

type compactRequest struct {
	Trigger string `json:"trigger,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

// handleCompact runs a compaction. When the client accepts
// text/event-stream, progress stages are streamed as SSE events and the
// final result arrives as a terminal "result" event; otherwise the call
// blocks and returns the result as plain JSON.
func (h *ContextHandler) handleCompact(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req compactRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Trigger == "" {
		req.Trigger = "manual"
	}

	flusher, canStream := w.(http.Flusher)
	if !canStream || r.Header.Get("Accept") != "text/event-stream" {
		res := h.compactor.Compact(r.Context(), conversationID, req.UserID, req.Trigger)
		writeJSON(w, h.logger, http.StatusOK, res)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resultCh := make(chan compaction.Result, 1)
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		resultCh <- h.compactor.Compact(bg, conversationID, req.UserID, req.Trigger)
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	lastStage := ""
	for {
		select {
		case <-r.Context().Done():
			// Client went away; the compaction finishes in background
			return
		case res := <-resultCh:
			h.writeEvent(w, flusher, "result", res)
			return
		case <-ticker.C:
			if h.l1 == nil {
				continue
			}
			if p, ok := compaction.ReadProgress(r.Context(), h.l1, conversationID); ok && p.Stage != lastStage {
				lastStage = p.Stage
				h.writeEvent(w, flusher, "progress", p)
			}
		}
	}
}

func (h *ContextHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to encode SSE event", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	flusher.Flush()
}

type checkpointSummary struct {
	ID              uuid.UUID `json:"id"`
	Label           string    `json:"label,omitempty"`
	AutoTag         string    `json:"auto_tag,omitempty"`
	TokenCount      int       `json:"token_count"`
	IsAbnormalClose bool      `json:"is_abnormal_close"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (h *ContextHandler) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	cps, err := h.checkpoints.List(r.Context(), conversationID)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]checkpointSummary, 0, len(cps))
	for _, cp := range cps {
		summary := checkpointSummary{
			ID:              cp.ID,
			Label:           cp.Label,
			TokenCount:      cp.TokenCount,
			IsAbnormalClose: cp.IsAbnormalClose,
			CreatedAt:       cp.CreatedAt,
			ExpiresAt:       cp.ExpiresAt,
		}
		if cp.AutoTag.Valid {
			summary.AutoTag = cp.AutoTag.String
		}
		out = append(out, summary)
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{"checkpoints": out})
}

func (h *ContextHandler) handleRestore(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	checkpointID, err := uuid.Parse(r.PathValue("cid"))
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid checkpoint id")
		return
	}

	res, err := h.compactor.Restore(r.Context(), conversationID, checkpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "checkpoint not found")
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, res)
}

func (h *ContextHandler) handleRecoveryOffers(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	offers, err := h.compactor.OfferRecovery(r.Context(), conversationID)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}
	if offers == nil {
		offers = []compaction.RecoveryOffer{}
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{"offers": offers})
}

func (h *ContextHandler) handleRecoveryAck(w http.ResponseWriter, r *http.Request) {
	checkpointID, err := uuid.Parse(r.PathValue("cid"))
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid checkpoint id")
		return
	}

	if err := h.compactor.AcknowledgeRecovery(r.Context(), checkpointID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "checkpoint not found")
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "acknowledged"})
}
