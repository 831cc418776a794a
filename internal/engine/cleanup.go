package engine

import (
	"context"
	"time"
)

// sendLogMargin keeps send-log rows slightly past the widest rate window
// so a limiter read racing the truncation never sees a short window.
const sendLogMargin = time.Hour

func (e *Engine) cleanupLoop(stop <-chan struct{}) {
	defer e.wg.Done()
	e.logger.Debug("cleanup loop started")

	for {
		if !waitOrWake(stop, e.cleanupWake, e.cfg.CleanupInterval) {
			return
		}
		if err := e.cleanupOnce(context.Background()); err != nil {
			e.logger.Error("cleanup cycle failed", "error", err)
		}
	}
}

// cleanupOnce applies retention to reported messages, truncates the send
// log past the widest rate window, and sweeps expired cache entries.
func (e *Engine) cleanupOnce(ctx context.Context) error {
	now := e.now()
	defaultWindow := int64(e.cfg.RetentionWindow.Seconds())

	tenants, err := e.store.ListTenants(ctx, false)
	if err != nil {
		return err
	}

	// The global purge uses the widest window in force so no tenant with
	// a longer override loses rows early; shorter overrides are applied
	// per tenant below.
	maxWindow := defaultWindow
	for _, t := range tenants {
		if t.RetentionSeconds != nil && *t.RetentionSeconds > maxWindow {
			maxWindow = *t.RetentionSeconds
		}
	}
	removed, err := e.store.DeleteReportedBefore(ctx, now-maxWindow)
	if err != nil {
		return err
	}

	for _, t := range tenants {
		window := defaultWindow
		if t.RetentionSeconds != nil {
			window = *t.RetentionSeconds
		}
		if window >= maxWindow {
			continue
		}
		n, err := e.purgeTenantReported(ctx, t.ID, now-window)
		if err != nil {
			e.logger.Warn("tenant retention purge failed", "tenant", t.ID, "error", err)
			continue
		}
		removed += n
	}

	if removed > 0 {
		e.logger.Info("retention purge complete", "removed", removed)
		e.refreshQueueGauge(ctx)
	}

	cutoff := now - int64((24*time.Hour + sendLogMargin).Seconds())
	if _, err := e.store.DeleteSendLogBefore(ctx, cutoff); err != nil {
		return err
	}

	e.cache.EvictExpired()
	return nil
}

func (e *Engine) purgeTenantReported(ctx context.Context, tenantID string, cutoff int64) (int64, error) {
	msgs, err := e.store.ListMessages(ctx, &tenantID, false)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, m := range msgs {
		if m.ReportedTS != nil && *m.ReportedTS < cutoff {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	removed, _, err := e.store.DeleteMessages(ctx, &tenantID, ids)
	return int64(removed), err
}
