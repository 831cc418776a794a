package api

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/relaypost/relaypost/internal/engine"
	"github.com/relaypost/relaypost/internal/repository"
)

// MessageHandler handles queue submission and inspection endpoints.
type MessageHandler struct {
	engine   *engine.Engine
	validate *validator.Validate
	logger   *slog.Logger
}

// NewMessageHandler creates a new MessageHandler instance.
func NewMessageHandler(eng *engine.Engine, logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandler{
		engine:   eng,
		validate: validator.New(),
		logger:   logger,
	}
}

// Submit handles POST /api/v1/messages.
func (h *MessageHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid submission", validationDetails(err))
		return
	}

	batch := make([]*repository.Message, 0, len(req.Messages))
	for i := range req.Messages {
		batch = append(batch, req.Messages[i].toMessage(req.TenantID, req.DefaultPriority))
	}

	accepted, rejected, err := h.engine.Submit(r.Context(), batch)
	if err != nil {
		h.logger.Error("Failed to submit messages", "error", err, "count", len(batch))
		writeStoreError(w, err)
		return
	}

	if rejected == nil {
		rejected = []repository.Rejection{}
	}
	h.logger.Info("Messages submitted", "queued", len(accepted), "rejected", len(rejected))
	writeSuccess(w, http.StatusOK, SubmitResponse{
		Queued:   len(accepted),
		Rejected: rejected,
	})
}

// List handles GET /api/v1/messages. Query parameters: tenant_id scopes
// the listing, active_only=true hides terminal messages.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	var tenantID *string
	if v := r.URL.Query().Get("tenant_id"); v != "" {
		tenantID = &v
	}
	activeOnly := r.URL.Query().Get("active_only") == "true"

	messages, err := h.engine.ListMessages(r.Context(), tenantID, activeOnly)
	if err != nil {
		h.logger.Error("Failed to list messages", "error", err)
		writeStoreError(w, err)
		return
	}

	out := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, ToMessageResponse(m))
	}
	writeSuccess(w, http.StatusOK, out)
}

// Delete handles DELETE /api/v1/messages.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req DeleteMessagesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "ids is required", validationDetails(err))
		return
	}

	removed, notFound, err := h.engine.DeleteMessages(r.Context(), req.TenantID, req.IDs)
	if err != nil {
		h.logger.Error("Failed to delete messages", "error", err)
		writeStoreError(w, err)
		return
	}

	if notFound == nil {
		notFound = []string{}
	}
	writeSuccess(w, http.StatusOK, DeleteMessagesResponse{
		Removed:  removed,
		NotFound: notFound,
	})
}
