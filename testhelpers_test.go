package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *dataStore {
	t.Helper()

	store, err := newDataStore(datastoreConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "bridge-test.db"),
	})
	if err != nil {
		t.Fatalf("newDataStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestQueues(t *testing.T) *queueSet {
	t.Helper()

	queues, err := openQueues(t.TempDir())
	if err != nil {
		t.Fatalf("openQueues: %v", err)
	}
	t.Cleanup(queues.Close)
	return queues
}

// fakeBackend is an in-memory dnsBackend with switchable failure modes.
type fakeBackend struct {
	name        string
	failWrites  bool
	failDeletes bool

	mu    sync.Mutex
	zones map[string]string
	extra map[string]int // phantom records, to force count mismatches
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, zones: map[string]string{}, extra: map[string]int{}}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) WriteZone(_ context.Context, zoneName, zoneData string) error {
	if f.failWrites {
		return errTestBackend
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zones[normalizeDomain(zoneName)] = zoneData
	return nil
}

func (f *fakeBackend) DeleteZone(_ context.Context, zoneName string) error {
	if f.failDeletes {
		return errTestBackend
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.zones, normalizeDomain(zoneName))
	return nil
}

func (f *fakeBackend) ZoneExists(_ context.Context, zoneName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.zones[normalizeDomain(zoneName)]
	return ok, nil
}

func (f *fakeBackend) CountRecords(_ context.Context, zoneName string) (int, error) {
	f.mu.Lock()
	data, ok := f.zones[normalizeDomain(zoneName)]
	phantom := f.extra[normalizeDomain(zoneName)]
	f.mu.Unlock()
	if !ok {
		return 0, errTestBackend
	}
	n, err := countZoneRecords(data, zoneName)
	return n + phantom, err
}

func (f *fakeBackend) Reconcile(_ context.Context, zoneName, zoneData string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := f.extra[normalizeDomain(zoneName)]
	f.extra[normalizeDomain(zoneName)] = 0
	f.zones[normalizeDomain(zoneName)] = zoneData
	return removed, nil
}

type testError string

func (e testError) Error() string { return string(e) }

const errTestBackend = testError("backend unavailable")

const testZone = "$ORIGIN example.com.\n$TTL 300\n" +
	"@ IN SOA ns1.example.com. admin.example.com. 2024010101 7200 3600 1209600 300\n" +
	"@ IN NS ns1.example.com.\n" +
	"@ IN A 192.0.2.10\n" +
	"mail IN MX 10 mail.example.com.\n"

func newTestDispatcher(t *testing.T, backends ...dnsBackend) (*dispatcher, *dataStore, *queueSet) {
	t.Helper()

	store := newTestStore(t)
	queues := newTestQueues(t)
	d := &dispatcher{
		store:    store,
		registry: &backendRegistry{backends: backends},
		queues:   queues,
		log:      zerolog.Nop(),
	}
	return d, store, queues
}

func newTestServer(t *testing.T, backends ...dnsBackend) *server {
	t.Helper()

	store := newTestStore(t)
	queues := newTestQueues(t)
	registry := &backendRegistry{backends: backends}
	logger := zerolog.Nop()

	cfg := appSettings{
		App: appConfig{
			ListenAddr:     ":0",
			AuthUsername:   "da_admin",
			AuthPassword:   "secret",
			ServerHostname: "bridge1.example.net",
		},
		PeerSync: peerSyncConfig{
			AuthUsername: "peer",
			AuthPassword: "peer-secret",
		},
	}

	disp := &dispatcher{store: store, registry: registry, queues: queues, log: logger}
	rec := newReconciler(reconciliationConfig{}, store, queues, registry, logger)
	ps := newPeerSyncer(cfg.PeerSync, cfg.App.ServerHostname, store, queues, logger)
	workers := newWorkerManager(disp, rec, ps, store, queues, cfg.App.ServerHostname, logger)

	return &server{
		cfg:     cfg,
		store:   store,
		queues:  queues,
		workers: workers,
		log:     logger,
		start:   time.Now().Add(-time.Second),
	}
}
