package api

import (
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/relaypost/relaypost/internal/engine"
	"github.com/relaypost/relaypost/internal/repository"
)

// CommandHandler handles engine control endpoints: suspension, wake
// signals and the pause switch.
type CommandHandler struct {
	engine   *engine.Engine
	store    repository.Store
	validate *validator.Validate
	logger   *slog.Logger
}

// NewCommandHandler creates a new CommandHandler instance.
func NewCommandHandler(eng *engine.Engine, store repository.Store, logger *slog.Logger) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		engine:   eng,
		store:    store,
		validate: validator.New(),
		logger:   logger,
	}
}

// Suspend handles POST /api/v1/commands/suspend. Without a batch the
// whole tenant is suspended; with one, that batch joins the suspended set.
func (h *CommandHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSuspendRequest(w, r)
	if !ok {
		return
	}

	if err := h.engine.Suspend(r.Context(), req.TenantID, req.Batch); err != nil {
		h.logger.Error("Failed to suspend", "error", err, "tenant", req.TenantID)
		writeStoreError(w, err)
		return
	}

	h.logger.Info("Suspension applied", "tenant", req.TenantID, "batch", req.Batch)
	h.writeSnapshot(w, r, req.TenantID)
}

// Activate handles POST /api/v1/commands/activate. Without a batch the
// suspended set is cleared; activating a single batch while the whole
// tenant is suspended is refused.
func (h *CommandHandler) Activate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSuspendRequest(w, r)
	if !ok {
		return
	}

	if err := h.engine.Activate(r.Context(), req.TenantID, req.Batch); err != nil {
		h.logger.Warn("Failed to activate", "error", err, "tenant", req.TenantID)
		writeStoreError(w, err)
		return
	}

	h.logger.Info("Activation applied", "tenant", req.TenantID, "batch", req.Batch)
	h.writeSnapshot(w, r, req.TenantID)
}

// RunNow handles POST /api/v1/commands/run-now. The call only signals
// the loops; it does not wait for a cycle to complete.
func (h *CommandHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	var req RunNowRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
			return
		}
	}

	if err := h.engine.RunNow(req.TenantID); err != nil {
		writeStoreError(w, err)
		return
	}

	writeSuccess(w, http.StatusAccepted, map[string]string{"status": "signalled"})
}

// Pause handles POST /api/v1/commands/pause.
func (h *CommandHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.engine.Pause()
	h.logger.Info("Dispatch paused")
	writeSuccess(w, http.StatusOK, map[string]bool{"active": false})
}

// Resume handles POST /api/v1/commands/resume.
func (h *CommandHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.engine.Resume()
	h.logger.Info("Dispatch resumed")
	writeSuccess(w, http.StatusOK, map[string]bool{"active": true})
}

// Status handles GET /api/v1/status.
func (h *CommandHandler) Status(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.CountPending(r.Context(), nil, nil)
	if err != nil {
		h.logger.Error("Failed to count pending messages", "error", err)
		writeStoreError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, EngineStatus{
		Running: h.engine.Running(),
		Active:  h.engine.Active(),
		Pending: pending,
	})
}

func (h *CommandHandler) decodeSuspendRequest(w http.ResponseWriter, r *http.Request) (SuspendRequest, bool) {
	var req SuspendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return req, false
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "tenant_id is required", validationDetails(err))
		return req, false
	}
	return req, true
}

// writeSnapshot responds with the tenant's suspension state and pending
// message count after a successful command.
func (h *CommandHandler) writeSnapshot(w http.ResponseWriter, r *http.Request, tenantID string) {
	tenant, err := h.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	pending, err := h.store.CountPending(r.Context(), &tenantID, nil)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, SuspensionSnapshot{
		TenantID:         tenantID,
		SuspendedBatches: suspendedList(tenant),
		PendingMessages:  pending,
	})
}
