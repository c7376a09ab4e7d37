package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// reconciler periodically compares the local domain inventory against the
// authoritative upstream list and repairs drift in both directions: zones
// the upstream no longer has are deleted (orphans), zones missing from a
// backend are re-queued from stored zone data (healing).
type reconciler struct {
	cfg      reconciliationConfig
	store    *dataStore
	queues   *queueSet
	registry *backendRegistry
	clients  []*upstreamClient
	log      zerolog.Logger

	mu      sync.Mutex
	lastRun *reconcilerRun
}

func newReconciler(cfg reconciliationConfig, store *dataStore, queues *queueSet, registry *backendRegistry, logger zerolog.Logger) *reconciler {
	clients := make([]*upstreamClient, 0, len(cfg.Upstreams))
	for _, up := range cfg.Upstreams {
		clients = append(clients, newUpstreamClient(up, cfg.VerifySSL))
	}
	return &reconciler{
		cfg:      cfg,
		store:    store,
		queues:   queues,
		registry: registry,
		clients:  clients,
		log:      componentLogger(logger, "reconciler"),
	}
}

func (r *reconciler) run(ctx context.Context) {
	if !r.cfg.Enabled {
		return
	}

	delay := time.Duration(r.cfg.InitialDelayMinutes) * time.Minute
	interval := time.Duration(r.cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	r.log.Info().Str("initial_delay", delay.String()).Str("interval", interval.String()).
		Bool("dry_run", r.cfg.DryRun).Msg("reconciler started")

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	for {
		r.reconcile(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (r *reconciler) status() *reconcilerRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRun == nil {
		return nil
	}
	run := *r.lastRun
	return &run
}

func (r *reconciler) setRun(run *reconcilerRun) {
	r.mu.Lock()
	r.lastRun = run
	r.mu.Unlock()
}

func (r *reconciler) reconcile(ctx context.Context) {
	run := &reconcilerRun{
		Status:    "running",
		StartedAt: time.Now().UTC(),
		DryRun:    r.cfg.DryRun,
	}
	r.setRun(run)

	finish := func(status string) {
		done := *run
		done.Status = status
		done.CompletedAt = time.Now().UTC()
		done.DurationSeconds = done.CompletedAt.Sub(done.StartedAt).Seconds()
		r.setRun(&done)
		metricReconcilerRuns.WithLabelValues(status).Inc()
		r.log.Info().Str("status", status).Float64("duration", done.DurationSeconds).
			Int("orphans", done.OrphansFound).Int("healed", done.ZonesHealed).
			Msg("reconciliation finished")
	}

	// Poll every upstream. A server that cannot be listed is skipped
	// entirely: deletions are never derived from partial data.
	upstreamOwner := map[string]string{}
	polled := map[string]bool{}
	for _, client := range r.clients {
		domains, err := client.ListDomains(ctx, r.cfg.IPP)
		if err != nil {
			run.UpstreamsUnreachable++
			r.log.Warn().Err(err).Str("upstream", client.hostname).Msg("upstream unreachable, skipping")
			continue
		}
		run.UpstreamsPolled++
		polled[client.hostname] = true
		for domain := range domains {
			if _, ok := upstreamOwner[domain]; !ok {
				upstreamOwner[domain] = client.hostname
			}
		}
	}
	run.ZonesUpstream = len(upstreamOwner)

	rows, err := r.store.listDomains()
	if err != nil {
		r.log.Error().Err(err).Msg("datastore list failed")
		finish("failed")
		return
	}
	run.ZonesLocal = len(rows)

	for _, row := range rows {
		if ctx.Err() != nil {
			finish("aborted")
			return
		}
		owner, upstream := upstreamOwner[row.ZoneName]

		if upstream {
			switch {
			case row.UpstreamServerHostname == "":
				run.HostnamesBackfilled++
				if !r.cfg.DryRun {
					if err := r.store.updateOwnership(row.ZoneName, owner, row.UpstreamUsername); err != nil {
						r.log.Error().Err(err).Str("zone", row.ZoneName).Msg("hostname backfill failed")
					}
				}
				r.log.Info().Str("zone", row.ZoneName).Str("hostname", owner).Msg("backfilled upstream hostname")
			case row.UpstreamServerHostname != owner && polled[row.UpstreamServerHostname]:
				// Recorded owner answered and no longer lists the zone,
				// but another upstream does: the account moved.
				run.HostnamesMigrated++
				if !r.cfg.DryRun {
					if err := r.store.updateOwnership(row.ZoneName, owner, row.UpstreamUsername); err != nil {
						r.log.Error().Err(err).Str("zone", row.ZoneName).Msg("hostname migration failed")
					}
				}
				r.log.Info().Str("zone", row.ZoneName).
					Str("from", row.UpstreamServerHostname).Str("to", owner).
					Msg("[migration] zone moved between upstreams")
			}
			continue
		}

		// Not listed by any polled upstream. Only an orphan when the
		// recorded owner was actually polled; otherwise we may simply be
		// missing its data.
		if !polled[row.UpstreamServerHostname] {
			continue
		}
		run.OrphansFound++
		r.log.Warn().Str("zone", row.ZoneName).
			Str("hostname", row.UpstreamServerHostname).Msg("orphan zone detected")
		if r.cfg.DryRun {
			continue
		}
		err := r.queues.del.Enqueue(deleteItem{
			Domain:   row.ZoneName,
			Hostname: row.UpstreamServerHostname,
			Source:   "reconciler",
		})
		if err != nil {
			r.log.Error().Err(err).Str("zone", row.ZoneName).Msg("orphan delete enqueue failed")
			continue
		}
		run.OrphansQueued++
	}

	r.healBackends(ctx, run, rows)
	finish("completed")
}

// healBackends re-queues zones that an enabled backend is missing, scoped to
// the missing backends and fed from stored zone data.
func (r *reconciler) healBackends(ctx context.Context, run *reconcilerRun, rows []domainRecord) {
	for _, row := range rows {
		if ctx.Err() != nil {
			return
		}
		if row.ZoneData == "" {
			continue
		}
		var missing []string
		for _, backend := range r.registry.All() {
			exists, err := backend.ZoneExists(ctx, row.ZoneName)
			if err != nil {
				r.log.Warn().Err(err).Str("zone", row.ZoneName).
					Str("backend", backend.Name()).Msg("existence check failed")
				continue
			}
			if !exists {
				missing = append(missing, backend.Name())
			}
		}
		if len(missing) == 0 {
			continue
		}

		run.ZonesHealed++
		r.log.Warn().Str("zone", row.ZoneName).Strs("backends", missing).Msg("zone missing from backends, healing")
		if r.cfg.DryRun {
			continue
		}
		err := r.queues.save.Enqueue(saveItem{
			Domain:         row.ZoneName,
			ZoneFile:       row.ZoneData,
			Hostname:       row.UpstreamServerHostname,
			Username:       row.UpstreamUsername,
			TargetBackends: missing,
			Source:         "reconciler_heal",
			ZoneUpdatedAt:  row.ZoneUpdatedAt,
		})
		if err != nil {
			r.log.Error().Err(err).Str("zone", row.ZoneName).Msg("heal enqueue failed")
		}
	}
}
