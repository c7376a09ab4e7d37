package main

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// workerManager owns the background goroutines: the save and delete
// drainers, the retry drainer, the reconciler and the peer syncer. It also
// aggregates the /status document.
type workerManager struct {
	dispatcher *dispatcher
	reconciler *reconciler
	peerSyncer *peerSyncer
	store      *dataStore
	queues     *queueSet
	hostname   string
	log        zerolog.Logger

	wg          sync.WaitGroup
	saveAlive   atomic.Bool
	deleteAlive atomic.Bool
	retryAlive  atomic.Bool
}

func newWorkerManager(d *dispatcher, rec *reconciler, ps *peerSyncer, store *dataStore, queues *queueSet, hostname string, logger zerolog.Logger) *workerManager {
	return &workerManager{
		dispatcher: d,
		reconciler: rec,
		peerSyncer: ps,
		store:      store,
		queues:     queues,
		hostname:   hostname,
		log:        logger,
	}
}

func (m *workerManager) Start(ctx context.Context) {
	m.spawn(ctx, &m.saveAlive, m.dispatcher.saveDrainer)
	m.spawn(ctx, &m.deleteAlive, m.dispatcher.deleteDrainer)
	m.spawn(ctx, &m.retryAlive, m.dispatcher.retryDrainer)
	m.spawn(ctx, nil, m.reconciler.run)
	m.spawn(ctx, nil, m.peerSyncer.run)
}

func (m *workerManager) spawn(ctx context.Context, alive *atomic.Bool, fn func(context.Context)) {
	if alive != nil {
		alive.Store(true)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if alive != nil {
			defer alive.Store(false)
		}
		fn(ctx)
	}()
}

func (m *workerManager) Wait() {
	m.wg.Wait()
}

func (m *workerManager) statusDoc() statusDoc {
	deadLetters, err := m.store.countDeadLetters()
	if err != nil {
		m.log.Error().Err(err).Msg("dead letter count failed")
	}
	zones, err := m.store.countDomains()
	if err != nil {
		m.log.Error().Err(err).Msg("domain count failed")
	}

	doc := statusDoc{
		Hostname: m.hostname,
		Queues: queueStatus{
			Save:        m.queues.save.Len(),
			Delete:      m.queues.del.Len(),
			Retry:       m.queues.retry.Len(),
			DeadLetters: int(deadLetters),
		},
		Workers: workerStatus{
			SaveWorker:   m.saveAlive.Load(),
			DeleteWorker: m.deleteAlive.Load(),
			RetryDrain:   m.retryAlive.Load(),
		},
		Reconciler: m.reconciler.status(),
		PeerSync:   m.peerSyncer.status(),
		Zones:      zoneCount{Total: zones},
	}

	switch {
	case !doc.Workers.SaveWorker || !doc.Workers.DeleteWorker:
		doc.Status = "error"
	case doc.Queues.Retry > 0 || doc.Queues.DeadLetters > 0 || m.peerSyncer.degraded():
		doc.Status = "degraded"
	default:
		doc.Status = "ok"
	}
	return doc
}
