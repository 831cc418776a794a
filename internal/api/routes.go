package api

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the control-plane endpoints under the given
// router, normally rooted at /api/v1.
func RegisterRoutes(r chi.Router, mh *MessageHandler, ah *AccountHandler, th *TenantHandler, ch *CommandHandler) {
	r.Route("/messages", func(r chi.Router) {
		// POST /api/v1/messages - Submit a batch of messages
		r.Post("/", mh.Submit)

		// GET /api/v1/messages - List queued messages
		r.Get("/", mh.List)

		// DELETE /api/v1/messages - Delete messages by client id
		r.Delete("/", mh.Delete)
	})

	r.Route("/accounts", func(r chi.Router) {
		// GET /api/v1/accounts - List SMTP accounts
		r.Get("/", ah.List)

		// PUT /api/v1/accounts/:id - Create or replace an account
		r.Put("/{id}", ah.Upsert)

		// GET /api/v1/accounts/:id - Get account details
		r.Get("/{id}", ah.Get)

		// DELETE /api/v1/accounts/:id - Delete an account
		r.Delete("/{id}", ah.Delete)
	})

	r.Route("/tenants", func(r chi.Router) {
		// GET /api/v1/tenants - List tenants
		r.Get("/", th.List)

		// PUT /api/v1/tenants/:id - Create or replace a tenant
		r.Put("/{id}", th.Upsert)

		// GET /api/v1/tenants/:id - Get tenant details
		r.Get("/{id}", th.Get)

		// DELETE /api/v1/tenants/:id - Delete a tenant
		r.Delete("/{id}", th.Delete)
	})

	r.Route("/commands", func(r chi.Router) {
		// POST /api/v1/commands/suspend - Suspend a tenant or batch
		r.Post("/suspend", ch.Suspend)

		// POST /api/v1/commands/activate - Lift a suspension
		r.Post("/activate", ch.Activate)

		// POST /api/v1/commands/run-now - Wake the dispatch and report loops
		r.Post("/run-now", ch.RunNow)

		// POST /api/v1/commands/pause - Stop claiming new messages
		r.Post("/pause", ch.Pause)

		// POST /api/v1/commands/resume - Resume dispatch
		r.Post("/resume", ch.Resume)
	})

	// GET /api/v1/status - Engine state and queue depth
	r.Get("/status", ch.Status)
}
