package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relaypost/relaypost/internal/compose"
	"github.com/relaypost/relaypost/internal/metrics"
	"github.com/relaypost/relaypost/internal/ratelimit"
	"github.com/relaypost/relaypost/internal/repository"
	"github.com/relaypost/relaypost/internal/retry"
)

const reasonRateLimited = "rate_limited"

func (e *Engine) dispatchLoop(stop <-chan struct{}) {
	defer e.wg.Done()
	e.logger.Debug("dispatch loop started")

	sendSem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrent))
	for {
		processed, err := e.dispatchOnce(context.Background(), sendSem)
		if err != nil {
			e.logger.Error("dispatch cycle failed", "error", err)
		}
		if processed {
			// Completed work means fresh terminal rows to report.
			e.wakeReport()
			continue
		}
		if !waitOrWake(stop, e.dispatchWake, e.cfg.DispatchInterval) {
			return
		}
	}
}

// dispatchOnce runs a single claim-and-send cycle. It reports whether any
// message was processed so the loop can run hot while the queue drains.
func (e *Engine) dispatchOnce(ctx context.Context, sendSem *semaphore.Weighted) (bool, error) {
	if !e.active.Load() {
		return false, nil
	}
	now := e.now()

	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return false, err
	}
	accountsByID := make(map[string]*repository.Account, len(accounts))
	quotas := make(map[string]int, len(accounts))
	for _, acc := range accounts {
		accountsByID[acc.ID] = acc
		ok, err := e.limiter.HasCapacity(ctx, acc, now)
		if err != nil {
			return false, err
		}
		if ok {
			quotas[acc.ID] = e.accountBatch(acc)
		}
	}

	claimed, err := e.store.ClaimReady(ctx, now, quotas, e.cfg.DispatchBatchSize)
	if err != nil {
		return false, err
	}
	e.refreshQueueGauge(ctx)
	if len(claimed) == 0 {
		return false, nil
	}

	tenants, err := e.tenantsByID(ctx)
	if err != nil {
		return false, err
	}

	byAccount := make(map[string][]*repository.Message)
	for _, msg := range claimed {
		byAccount[msg.AccountID] = append(byAccount[msg.AccountID], msg)
	}

	var outer errgroup.Group
	for accountID, group := range byAccount {
		account := accountsByID[accountID]
		msgs := group
		outer.Go(func() error {
			if account == nil {
				e.failUnknownAccount(ctx, msgs, accountID)
				return nil
			}
			var inner errgroup.Group
			inner.SetLimit(e.cfg.MaxPerAccount)
			// Claim order is priority-first; SetLimit blocks Go so
			// higher-priority sends start first within the account.
			for _, msg := range msgs {
				m := msg
				inner.Go(func() error {
					if err := sendSem.Acquire(ctx, 1); err != nil {
						return nil
					}
					defer sendSem.Release(1)
					e.processMessage(ctx, m, account, tenants)
					return nil
				})
			}
			return inner.Wait()
		})
	}
	_ = outer.Wait()
	e.refreshQueueGauge(ctx)
	return true, nil
}

func (e *Engine) accountBatch(acc *repository.Account) int {
	if acc.BatchSize != nil && *acc.BatchSize > 0 {
		return *acc.BatchSize
	}
	return e.cfg.AccountBatchSize
}

func (e *Engine) tenantsByID(ctx context.Context) (map[string]*repository.Tenant, error) {
	tenants, err := e.store.ListTenants(ctx, false)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*repository.Tenant, len(tenants))
	for _, t := range tenants {
		byID[t.ID] = t
	}
	return byID, nil
}

func (e *Engine) failUnknownAccount(ctx context.Context, msgs []*repository.Message, accountID string) {
	now := e.now()
	for _, m := range msgs {
		e.logger.Error("message references missing account", "id", m.ID, "account", accountID)
		if err := e.store.MarkError(ctx, m.PK, now, "account "+accountID+" not configured", nil, m.RetryCount); err != nil {
			e.logger.Error("mark error failed", "id", m.ID, "error", err)
		}
	}
}

// processMessage drives one delivery attempt end to end: admission,
// attachment resolution, composition, the SMTP transaction and the
// outcome write.
func (e *Engine) processMessage(ctx context.Context, msg *repository.Message, account *repository.Account, tenants map[string]*repository.Tenant) {
	now := e.now()

	decision, err := e.limiter.Reserve(ctx, account, now)
	if err != nil {
		e.logger.Error("rate limit check failed", "id", msg.ID, "error", err)
		return
	}
	switch decision.Verdict {
	case ratelimit.Defer:
		metrics.MessagesRateLimited.WithLabelValues(account.ID).Inc()
		metrics.MessagesDeferred.WithLabelValues(account.ID).Inc()
		if err := e.store.Defer(ctx, msg.PK, decision.NextTry, reasonRateLimited); err != nil {
			e.logger.Error("defer failed", "id", msg.ID, "error", err)
		}
		e.logger.Debug("message rate limited",
			"id", msg.ID, "account", account.ID, "next_try", decision.NextTry)
		return
	case ratelimit.Reject:
		metrics.MessagesRateLimited.WithLabelValues(account.ID).Inc()
		metrics.MessagesErrored.WithLabelValues(account.ID).Inc()
		if err := e.store.MarkError(ctx, msg.PK, now, reasonRateLimited, nil, msg.RetryCount); err != nil {
			e.logger.Error("mark error failed", "id", msg.ID, "error", err)
		}
		e.logger.Info("message rejected by rate limit policy",
			"id", msg.ID, "account", account.ID)
		return
	}

	// Admitted: the reservation stands in for the send-log row until that
	// row is written or the attempt is abandoned.
	defer e.limiter.Release(account.ID)

	var tenant *repository.Tenant
	if msg.TenantID != nil {
		tenant = tenants[*msg.TenantID]
	}

	atts, err := e.resolver.ResolveAll(ctx, msg.Payload.Attachments, tenant)
	if err != nil {
		// Resolution failures are transient and count against retries.
		e.recordFailure(ctx, msg, account, retry.Outcome{Kind: retry.Transient, Reason: err.Error()}, false)
		return
	}

	raw, env, err := compose.Build(msg, atts, time.Unix(now, 0).UTC())
	if err != nil {
		e.recordFailure(ctx, msg, account, retry.Outcome{Kind: retry.Permanent, Reason: err.Error()}, false)
		return
	}

	lease, err := e.pool.Lease(ctx, account)
	if err != nil {
		e.recordFailure(ctx, msg, account, retry.Classify(err), false)
		return
	}

	start := time.Now()
	sendErr := lease.Send(ctx, env, raw)
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	outcome := retry.Classify(sendErr)
	if outcome.Kind == retry.Success {
		lease.Release(true)
		sentAt := e.now()
		if err := e.store.AppendSendLog(ctx, account.ID, sentAt); err != nil {
			e.logger.Error("send log append failed", "account", account.ID, "error", err)
		}
		if err := e.store.MarkSent(ctx, msg.PK, sentAt); err != nil {
			e.logger.Error("mark sent failed", "id", msg.ID, "error", err)
		}
		metrics.MessagesSent.WithLabelValues(account.ID).Inc()
		e.logger.Info("message sent", "id", msg.ID, "account", account.ID)
		return
	}
	lease.Release(false)
	e.recordFailure(ctx, msg, account, outcome, true)
}

// recordFailure writes the failure outcome: transient failures with budget
// left are re-deferred with an incremented retry count, everything else is
// terminal.
func (e *Engine) recordFailure(ctx context.Context, msg *repository.Message, account *repository.Account, outcome retry.Outcome, transport bool) {
	now := e.now()

	if outcome.Kind == retry.Transient {
		if next, ok := e.schedule.Next(msg.RetryCount, now); ok {
			metrics.MessagesDeferred.WithLabelValues(account.ID).Inc()
			if err := e.store.MarkError(ctx, msg.PK, now, outcome.Reason, &next, msg.RetryCount+1); err != nil {
				e.logger.Error("mark error failed", "id", msg.ID, "error", err)
			}
			e.logger.Warn("delivery deferred",
				"id", msg.ID,
				"account", account.ID,
				"attempt", msg.RetryCount+1,
				"max_retries", e.schedule.MaxRetries(),
				"next_try", next,
				"reason", outcome.Reason)
			return
		}
		outcome.Reason = retry.MaxRetriesReason + ": " + outcome.Reason
	}

	metrics.MessagesErrored.WithLabelValues(account.ID).Inc()
	if err := e.store.MarkError(ctx, msg.PK, now, outcome.Reason, nil, msg.RetryCount); err != nil {
		e.logger.Error("mark error failed", "id", msg.ID, "error", err)
	}
	e.logger.Error("delivery failed",
		"id", msg.ID,
		"account", account.ID,
		"transport", transport,
		"reason", outcome.Reason)
}

func (e *Engine) refreshQueueGauge(ctx context.Context) {
	count, err := e.store.CountPending(ctx, nil, nil)
	if err != nil {
		e.logger.Debug("queue gauge refresh failed", "error", err)
		return
	}
	metrics.MessagesPending.Set(float64(count))
}
