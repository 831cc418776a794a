package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/relaypost/relaypost/internal/report"
	"github.com/relaypost/relaypost/internal/repository"
)

func (e *Engine) reportLoop(stop <-chan struct{}) {
	defer e.wg.Done()
	e.logger.Debug("report loop started")

	for {
		if !waitOrWake(stop, e.reportWake, e.cfg.ReportInterval) {
			return
		}
		if _, err := e.reportOnce(context.Background()); err != nil {
			e.logger.Error("report cycle failed", "error", err)
		}
	}
}

// reportOnce pushes one batch per tenant. A failing sink only holds back
// its own tenant's batch; everyone else still gets reported. A run-now
// scope restricts this single cycle to one tenant.
func (e *Engine) reportOnce(ctx context.Context) (int, error) {
	scope := e.takeReportScope()
	pending, err := e.store.ListTerminalUnreported(ctx, e.reportBatch*8, scope)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	tenants, err := e.tenantsByID(ctx)
	if err != nil {
		return 0, err
	}

	groups := make(map[string][]*repository.Message)
	var order []string
	for _, m := range pending {
		key := ""
		if m.TenantID != nil {
			key = *m.TenantID
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	acked := 0
	for _, key := range order {
		group := groups[key]
		// Per-tenant batch cap so one tenant cannot starve the rest.
		if len(group) > e.reportBatch {
			group = group[:e.reportBatch]
		}

		var tenant *repository.Tenant
		if key != "" {
			tenant = tenants[key]
		}

		entries := make([]report.Entry, len(group))
		pks := make([]uuid.UUID, len(group))
		for i, m := range group {
			entries[i] = report.FromMessage(m)
			pks[i] = m.PK
		}

		if err := e.sink.Push(ctx, tenant, entries); err != nil {
			e.logger.Warn("report push failed",
				"tenant", key, "messages", len(entries), "error", err)
			continue
		}
		if err := e.store.MarkReported(ctx, pks, e.now()); err != nil {
			e.logger.Error("mark reported failed", "tenant", key, "error", err)
			continue
		}
		acked += len(group)
		e.logger.Debug("delivery reports acknowledged",
			"tenant", key, "messages", len(group))
	}
	return acked, nil
}
