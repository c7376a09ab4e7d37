package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	retryKindSave   = "save"
	retryKindDelete = "delete"

	maxAttempts        = 5
	retryDrainInterval = 30 * time.Second
)

// retryBackoff[n-1] is how long attempt n waits after the previous failure.
var retryBackoff = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// retryDrainer periodically scans the retry queue and re-dispatches items
// whose backoff has elapsed. Backends that succeed are dropped from the item;
// the rest are re-queued with the next delay, or dead-lettered after the
// final attempt.
func (d *dispatcher) retryDrainer(ctx context.Context) {
	log := componentLogger(d.log, "retry_drain")
	log.Info().Msg("retry drainer started")

	ticker := time.NewTicker(retryDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.drainRetries(ctx, log)
	}
}

func (d *dispatcher) drainRetries(ctx context.Context, log zerolog.Logger) {
	entries, err := d.queues.retry.Snapshot()
	if err != nil {
		log.Error().Err(err).Msg("retry queue scan failed")
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		var item retryItem
		if err := json.Unmarshal(entry.Data, &item); err != nil {
			log.Error().Err(err).Msg("dropping undecodable retry item")
			_ = d.queues.retry.Ack(entry.Key)
			continue
		}
		if now.Before(item.NotBefore) {
			continue
		}

		d.attemptRetry(ctx, log, item)

		// Requeue-then-ack: a crash in between replays the attempt, which
		// backends tolerate because writes are idempotent.
		if err := d.queues.retry.Ack(entry.Key); err != nil {
			log.Error().Err(err).Msg("retry ack failed")
		}
	}
	metricQueueDepth.WithLabelValues("retry").Set(float64(d.queues.retry.Len()))
}

func (d *dispatcher) attemptRetry(ctx context.Context, log zerolog.Logger, item retryItem) {
	var failures []backendFailure
	switch item.Kind {
	case retryKindSave:
		if item.Save == nil {
			log.Error().Msg("retry item missing save payload, dropping")
			return
		}
		save := *item.Save
		save.TargetBackends = item.Backends
		failures = d.dispatchSave(ctx, save)
	case retryKindDelete:
		if item.Delete == nil {
			log.Error().Msg("retry item missing delete payload, dropping")
			return
		}
		del := *item.Delete
		del.TargetBackends = item.Backends
		failures = d.dispatchDelete(ctx, del)
	default:
		log.Error().Str("kind", item.Kind).Msg("retry item with unknown kind, dropping")
		return
	}

	zone := item.zoneName()

	// A save retry that reached any of its backends makes the zone served,
	// so the row is recorded just as the initial dispatch would have.
	if item.Kind == retryKindSave && len(failures) < len(item.Backends) {
		d.recordSave(log, *item.Save)
	}

	if len(failures) == 0 {
		if item.Kind == retryKindDelete {
			if err := d.store.deleteDomain(zone); err != nil {
				log.Error().Err(err).Str("zone", zone).Msg("datastore delete failed")
			}
		}
		log.Info().Str("zone", zone).Int("attempt", item.Attempt).
			Strs("backends", item.Backends).Msg("retry succeeded")
		return
	}

	if item.Attempt >= maxAttempts {
		d.deadLetter(log, item, failures)
		return
	}

	next := retryItem{
		Kind:         item.Kind,
		Save:         item.Save,
		Delete:       item.Delete,
		Backends:     failureNames(failures),
		Attempt:      item.Attempt + 1,
		NotBefore:    time.Now().Add(retryBackoff[item.Attempt]),
		FirstFailure: item.FirstFailure,
		Cause:        failureCause(failures),
	}
	if err := d.queues.retry.Enqueue(next); err != nil {
		log.Error().Err(err).Str("zone", zone).Msg("retry requeue failed")
		return
	}
	log.Warn().Str("zone", zone).Int("attempt", item.Attempt).
		Strs("backends", next.Backends).
		Str("next_in", retryBackoff[item.Attempt].String()).
		Msg("retry failed, rescheduled")
}

func (d *dispatcher) deadLetter(log zerolog.Logger, item retryItem, failures []backendFailure) {
	payload, _ := json.Marshal(item)
	dl := deadLetter{
		ID:           uuid.NewString(),
		Kind:         item.Kind,
		ZoneName:     item.zoneName(),
		Payload:      string(payload),
		Backends:     strings.Join(failureNames(failures), ","),
		Cause:        failureCause(failures),
		Attempts:     item.Attempt,
		FirstFailure: item.FirstFailure,
		LastFailure:  time.Now().UTC(),
	}
	if err := d.store.insertDeadLetter(dl); err != nil {
		log.Error().Err(err).Str("zone", dl.ZoneName).Msg("dead letter insert failed")
	}
	metricDeadLetters.Inc()
	log.Error().Str("zone", dl.ZoneName).Str("kind", dl.Kind).
		Strs("backends", failureNames(failures)).Str("cause", dl.Cause).
		Msg("retries exhausted, item dead-lettered")
}

func (item retryItem) zoneName() string {
	switch {
	case item.Save != nil:
		return item.Save.Domain
	case item.Delete != nil:
		return item.Delete.Domain
	}
	return ""
}
