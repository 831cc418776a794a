package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/relaypost/relaypost/internal/repository"
)

// AccountHandler handles SMTP account management endpoints.
type AccountHandler struct {
	store    repository.Store
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAccountHandler creates a new AccountHandler instance.
func NewAccountHandler(store repository.Store, logger *slog.Logger) *AccountHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountHandler{
		store:    store,
		validate: validator.New(),
		logger:   logger,
	}
}

// Upsert handles PUT /api/v1/accounts/{id}. An existing account keeps its
// stored password when the request omits one.
func (h *AccountHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, CodeValidationError, "account id is required", nil)
		return
	}

	var req AccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid account", validationDetails(err))
		return
	}

	account := &repository.Account{
		ID:             id,
		TenantID:       req.TenantID,
		Host:           req.Host,
		Port:           req.Port,
		TLSMode:        req.TLSMode,
		Username:       req.Username,
		Password:       req.Password,
		LimitPerMinute: req.LimitPerMinute,
		LimitPerHour:   req.LimitPerHour,
		LimitPerDay:    req.LimitPerDay,
		OverLimit:      req.OverLimit,
		BatchSize:      req.BatchSize,
		SessionTTL:     req.SessionTTL,
	}
	if account.TLSMode == "" {
		account.TLSMode = repository.TLSStartTLS
	}
	if account.OverLimit == "" {
		account.OverLimit = repository.PolicyDefer
	}
	if account.Password == "" {
		if existing, err := h.store.GetAccount(r.Context(), id); err == nil {
			account.Password = existing.Password
		}
	}

	if err := h.store.UpsertAccount(r.Context(), account); err != nil {
		h.logger.Error("Failed to upsert account", "error", err, "account", id)
		writeStoreError(w, err)
		return
	}

	h.logger.Info("Account upserted", "account", id, "host", account.Host)
	writeSuccess(w, http.StatusOK, ToAccountResponse(account))
}

// Get handles GET /api/v1/accounts/{id}.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	account, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.logger.Error("Failed to get account", "error", err, "account", id)
		}
		writeStoreError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, ToAccountResponse(account))
}

// List handles GET /api/v1/accounts.
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		h.logger.Error("Failed to list accounts", "error", err)
		writeStoreError(w, err)
		return
	}

	out := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, ToAccountResponse(a))
	}
	writeSuccess(w, http.StatusOK, out)
}

// Delete handles DELETE /api/v1/accounts/{id}.
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteAccount(r.Context(), id); err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			h.logger.Error("Failed to delete account", "error", err, "account", id)
		}
		writeStoreError(w, err)
		return
	}

	h.logger.Info("Account deleted", "account", id)
	writeSuccess(w, http.StatusOK, map[string]string{"id": id})
}
