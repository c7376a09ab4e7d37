package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// dispatcher fans queued zone operations out to the enabled backends and
// verifies the result. It is shared by the save drainer, the delete drainer
// and the retry drainer.
type dispatcher struct {
	store    *dataStore
	registry *backendRegistry
	queues   *queueSet
	log      zerolog.Logger
}

type backendFailure struct {
	Backend string
	Err     error
}

func failureNames(failures []backendFailure) []string {
	names := make([]string, 0, len(failures))
	for _, f := range failures {
		names = append(names, f.Backend)
	}
	return names
}

func failureCause(failures []backendFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Backend, f.Err))
	}
	return strings.Join(parts, "; ")
}

// dispatchSave writes the zone to the targeted backends in parallel and
// verifies each backend's record count against the parsed reference.
func (d *dispatcher) dispatchSave(ctx context.Context, item saveItem) []backendFailure {
	backends := d.registry.Select(item.TargetBackends)
	if len(backends) == 0 {
		return nil
	}

	expected, err := countZoneRecords(item.ZoneFile, item.Domain)
	if err != nil {
		// Zone text was validated at ingress; a parse failure here means
		// corrupt queue data. Fail every target so it dead-letters.
		failures := make([]backendFailure, 0, len(backends))
		for _, backend := range backends {
			failures = append(failures, backendFailure{Backend: backend.Name(), Err: err})
		}
		return failures
	}

	if len(backends) == 1 {
		backend := backends[0]
		if err := d.applySave(ctx, backend, item, expected); err != nil {
			return []backendFailure{{Backend: backend.Name(), Err: err}}
		}
		return nil
	}

	var (
		mu       sync.Mutex
		failures []backendFailure
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, backend := range backends {
		backend := backend
		group.Go(func() error {
			if err := d.applySave(groupCtx, backend, item, expected); err != nil {
				mu.Lock()
				failures = append(failures, backendFailure{Backend: backend.Name(), Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return failures
}

func (d *dispatcher) applySave(ctx context.Context, backend dnsBackend, item saveItem, expected int) error {
	if err := backend.WriteZone(ctx, item.Domain, item.ZoneFile); err != nil {
		metricBackendWrites.WithLabelValues(backend.Name(), "error").Inc()
		return err
	}

	count, err := backend.CountRecords(ctx, item.Domain)
	if err != nil {
		metricBackendWrites.WithLabelValues(backend.Name(), "error").Inc()
		return fmt.Errorf("verify: %w", err)
	}
	if count != expected {
		d.log.Warn().Str("zone", item.Domain).Str("backend", backend.Name()).
			Int("expected", expected).Int("actual", count).
			Msg("record count mismatch, reconciling")
		removed, err := backend.Reconcile(ctx, item.Domain, item.ZoneFile)
		if err != nil {
			metricBackendWrites.WithLabelValues(backend.Name(), "error").Inc()
			return fmt.Errorf("reconcile: %w", err)
		}
		if removed > 0 {
			d.log.Info().Str("zone", item.Domain).Str("backend", backend.Name()).
				Int("removed", removed).Msg("removed stale records")
		}
		count, err = backend.CountRecords(ctx, item.Domain)
		if err != nil {
			metricBackendWrites.WithLabelValues(backend.Name(), "error").Inc()
			return fmt.Errorf("verify after reconcile: %w", err)
		}
		if count != expected {
			metricBackendWrites.WithLabelValues(backend.Name(), "error").Inc()
			return fmt.Errorf("record count mismatch after reconcile: expected %d, got %d", expected, count)
		}
	}

	metricBackendWrites.WithLabelValues(backend.Name(), "ok").Inc()
	return nil
}

// dispatchDelete removes the zone from the targeted backends and verifies it
// is gone.
func (d *dispatcher) dispatchDelete(ctx context.Context, item deleteItem) []backendFailure {
	backends := d.registry.Select(item.TargetBackends)

	var (
		mu       sync.Mutex
		failures []backendFailure
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, backend := range backends {
		backend := backend
		group.Go(func() error {
			if err := d.applyDelete(groupCtx, backend, item.Domain); err != nil {
				mu.Lock()
				failures = append(failures, backendFailure{Backend: backend.Name(), Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return failures
}

func (d *dispatcher) applyDelete(ctx context.Context, backend dnsBackend, domain string) error {
	if err := backend.DeleteZone(ctx, domain); err != nil {
		return err
	}
	exists, err := backend.ZoneExists(ctx, domain)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if exists {
		return fmt.Errorf("zone still present after delete")
	}
	return nil
}

// saveDrainer consumes the save queue. Items are acked only after the
// datastore update and any retry enqueue are committed, so a crash
// mid-dispatch replays the item. Batches are tracked for throughput logging:
// a batch opens on the first dequeue and closes when the queue is observed
// empty.
func (d *dispatcher) saveDrainer(ctx context.Context) {
	log := componentLogger(d.log, "save_worker")
	log.Info().Msg("save worker started")

	for {
		key, data, err := d.queues.save.PeekWait(ctx)
		if err != nil {
			return
		}

		start := time.Now()
		processed, failed := 0, 0

		for {
			if d.processSave(ctx, log, data) {
				processed++
			} else {
				failed++
			}
			if err := d.queues.save.Ack(key); err != nil {
				log.Error().Err(err).Msg("ack failed")
			}
			metricQueueDepth.WithLabelValues("save").Set(float64(d.queues.save.Len()))

			if ctx.Err() != nil {
				return
			}
			var ok bool
			key, data, ok, err = d.queues.save.Peek()
			if err != nil {
				log.Error().Err(err).Msg("queue peek failed")
				break
			}
			if !ok {
				break
			}
		}

		elapsed := time.Since(start)
		total := processed + failed
		rate := float64(total) / elapsed.Seconds()
		log.Info().Int("ok", processed).Int("total", total).
			Str("elapsed", elapsed.Round(time.Millisecond).String()).
			Float64("rate", rate).
			Msgf("%d/%d zone(s) processed in %.1fs (%.1f zones/sec)",
				processed, total, elapsed.Seconds(), rate)
	}
}

// processSave returns true when every targeted backend accepted the zone.
func (d *dispatcher) processSave(ctx context.Context, log zerolog.Logger, data []byte) bool {
	var item saveItem
	if err := json.Unmarshal(data, &item); err != nil {
		log.Error().Err(err).Msg("dropping undecodable save item")
		return false
	}

	targets := item.TargetBackends
	if len(targets) == 0 {
		targets = d.registry.Names()
	}
	failures := d.dispatchSave(ctx, item)

	// Partial success still records the zone: at least one backend serves
	// it, and the failed ones are retried separately. With no backends
	// enabled the zone is stored outright.
	if len(failures) < len(targets) || len(targets) == 0 {
		d.recordSave(log, item)
	}

	if len(failures) > 0 {
		d.scheduleRetry(log, retryItem{
			Kind:         retryKindSave,
			Save:         &item,
			Backends:     failureNames(failures),
			Attempt:      1,
			NotBefore:    time.Now().Add(retryBackoff[0]),
			FirstFailure: time.Now().UTC(),
			Cause:        failureCause(failures),
		})
		log.Warn().Str("zone", item.Domain).Strs("backends", failureNames(failures)).
			Str("source", item.Source).Msg("zone save failed on some backends, retry scheduled")
		return false
	}

	log.Info().Str("zone", item.Domain).Str("source", item.Source).Msg("zone saved")
	return true
}

// recordSave upserts the domain row for a zone that at least one backend
// now serves. Items that re-apply existing data (peer sync, healing) carry
// the data's original timestamp so the row does not look newer than it is;
// fresh pushes are stamped here.
func (d *dispatcher) recordSave(log zerolog.Logger, item saveItem) {
	at := item.ZoneUpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := d.store.upsertZone(item.Domain, item.Hostname, item.Username, item.ZoneFile, at); err != nil {
		log.Error().Err(err).Str("zone", item.Domain).Msg("datastore upsert failed after backend write")
	}
}

func (d *dispatcher) scheduleRetry(log zerolog.Logger, item retryItem) {
	if err := d.queues.retry.Enqueue(item); err != nil {
		log.Error().Err(err).Msg("retry enqueue failed")
		return
	}
	metricRetriesScheduled.Inc()
	metricQueueDepth.WithLabelValues("retry").Set(float64(d.queues.retry.Len()))
}

// deleteDrainer consumes the delete queue.
func (d *dispatcher) deleteDrainer(ctx context.Context) {
	log := componentLogger(d.log, "delete_worker")
	log.Info().Msg("delete worker started")

	for {
		key, data, err := d.queues.del.PeekWait(ctx)
		if err != nil {
			return
		}
		d.processDelete(ctx, log, data)
		if err := d.queues.del.Ack(key); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
		metricQueueDepth.WithLabelValues("delete").Set(float64(d.queues.del.Len()))
	}
}

func (d *dispatcher) processDelete(ctx context.Context, log zerolog.Logger, data []byte) {
	var item deleteItem
	if err := json.Unmarshal(data, &item); err != nil {
		log.Error().Err(err).Msg("dropping undecodable delete item")
		return
	}

	rec, err := d.store.getDomain(item.Domain)
	if err != nil {
		log.Error().Err(err).Str("zone", item.Domain).Msg("datastore lookup failed")
	}
	if rec == nil && len(item.TargetBackends) == 0 {
		log.Warn().Str("zone", item.Domain).Msg("delete for unknown zone, dropping")
		return
	}

	failures := d.dispatchDelete(ctx, item)
	if len(failures) > 0 {
		d.scheduleRetry(log, retryItem{
			Kind:         retryKindDelete,
			Delete:       &item,
			Backends:     failureNames(failures),
			Attempt:      1,
			NotBefore:    time.Now().Add(retryBackoff[0]),
			FirstFailure: time.Now().UTC(),
			Cause:        failureCause(failures),
		})
		log.Warn().Str("zone", item.Domain).Strs("backends", failureNames(failures)).
			Msg("zone delete failed on some backends, retry scheduled")
	}

	// The row goes away once every targeted backend dropped the zone; a
	// scoped retry keeps working off the stored metadata until then.
	if len(failures) == 0 && len(item.TargetBackends) == 0 {
		if err := d.store.deleteDomain(item.Domain); err != nil {
			log.Error().Err(err).Str("zone", item.Domain).Msg("datastore delete failed")
			return
		}
	}
	if len(failures) == 0 {
		log.Info().Str("zone", item.Domain).Msg("zone deleted")
	}
}
