package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/relaypost/relaypost/internal/repository"
)

// TenantHandler handles tenant management endpoints.
type TenantHandler struct {
	store    repository.Store
	validate *validator.Validate
	logger   *slog.Logger
}

// NewTenantHandler creates a new TenantHandler instance.
func NewTenantHandler(store repository.Store, logger *slog.Logger) *TenantHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantHandler{
		store:    store,
		validate: validator.New(),
		logger:   logger,
	}
}

// Upsert handles PUT /api/v1/tenants/{id}. Suspension state and stored
// credentials survive an upsert that omits them.
func (h *TenantHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, CodeValidationError, "tenant id is required", nil)
		return
	}

	var req TenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid tenant", validationDetails(err))
		return
	}

	tenant := &repository.Tenant{
		ID:               id,
		Name:             req.Name,
		BaseURL:          req.BaseURL,
		SyncPath:         req.SyncPath,
		AttachmentPath:   req.AttachmentPath,
		AuthMethod:       req.AuthMethod,
		AuthToken:        req.AuthToken,
		AuthUser:         req.AuthUser,
		AuthPassword:     req.AuthPassword,
		Active:           true,
		RetentionSeconds: req.RetentionSeconds,
	}
	if req.Active != nil {
		tenant.Active = *req.Active
	}
	if existing, err := h.store.GetTenant(r.Context(), id); err == nil {
		tenant.SuspendedBatches = existing.SuspendedBatches
		if tenant.AuthToken == "" {
			tenant.AuthToken = existing.AuthToken
		}
		if tenant.AuthPassword == "" {
			tenant.AuthPassword = existing.AuthPassword
		}
	}

	if err := h.store.UpsertTenant(r.Context(), tenant); err != nil {
		h.logger.Error("Failed to upsert tenant", "error", err, "tenant", id)
		writeStoreError(w, err)
		return
	}

	h.logger.Info("Tenant upserted", "tenant", id, "name", tenant.Name)
	writeSuccess(w, http.StatusOK, ToTenantResponse(tenant))
}

// Get handles GET /api/v1/tenants/{id}.
func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tenant, err := h.store.GetTenant(r.Context(), id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.logger.Error("Failed to get tenant", "error", err, "tenant", id)
		}
		writeStoreError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, ToTenantResponse(tenant))
}

// List handles GET /api/v1/tenants. active_only=true hides inactive rows.
func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"

	tenants, err := h.store.ListTenants(r.Context(), activeOnly)
	if err != nil {
		h.logger.Error("Failed to list tenants", "error", err)
		writeStoreError(w, err)
		return
	}

	out := make([]TenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, ToTenantResponse(t))
	}
	writeSuccess(w, http.StatusOK, out)
}

// Delete handles DELETE /api/v1/tenants/{id}.
func (h *TenantHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteTenant(r.Context(), id); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.logger.Error("Failed to delete tenant", "error", err, "tenant", id)
		}
		writeStoreError(w, err)
		return
	}

	h.logger.Info("Tenant deleted", "tenant", id)
	writeSuccess(w, http.StatusOK, map[string]string{"id": id})
}
