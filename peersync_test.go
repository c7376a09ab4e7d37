package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestPeerSyncer(t *testing.T, peers ...string) (*peerSyncer, *dataStore, *queueSet) {
	t.Helper()

	store := newTestStore(t)
	queues := newTestQueues(t)
	s := newPeerSyncer(peerSyncConfig{
		Enabled:      true,
		AuthUsername: "peer",
		AuthPassword: "peer-secret",
		Peers:        peers,
	}, "bridge1.example.net", store, queues, zerolog.Nop())
	return s, store, queues
}

func peerHandler(t *testing.T, zones []peerZone, peerList []string) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/zones", func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "peer" || pass != "peer-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, zones)
	})
	mux.HandleFunc("/internal/zone", func(w http.ResponseWriter, r *http.Request) {
		domain := r.URL.Query().Get("domain")
		for _, z := range zones {
			if z.Domain == domain {
				full := z
				full.ZoneData = testZone
				writeJSON(w, http.StatusOK, full)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/internal/peers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, peerList)
	})
	return mux
}

func TestSyncFromPeerAppliesNewerZones(t *testing.T) {
	zones := []peerZone{{
		Domain:        "fresh.com",
		ZoneData:      testZone,
		Hostname:      "panel2.example.net",
		Username:      "alice",
		ZoneUpdatedAt: time.Now().UTC(),
	}}
	s, _, queues := newTestPeerSyncer(t)
	ts := httptest.NewServer(peerHandler(t, zones, nil))
	defer ts.Close()

	if err := s.syncFromPeer(context.Background(), ts.URL); err != nil {
		t.Fatalf("syncFromPeer: %v", err)
	}

	_, data, ok, err := queues.save.Peek()
	if err != nil || !ok {
		t.Fatalf("save not queued: ok=%v err=%v", ok, err)
	}
	var item saveItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if item.Domain != "fresh.com" || item.Source != "peer_sync" {
		t.Fatalf("unexpected item: %+v", item)
	}
	// Re-applied locally under this node's identity, not the peer's upstream.
	if item.Hostname != "bridge1.example.net" {
		t.Fatalf("unexpected owner hostname: %q", item.Hostname)
	}
	if item.Username != "alice" {
		t.Fatalf("username not carried over: %q", item.Username)
	}
}

func TestSyncFromPeerSkipsOlderAndEqual(t *testing.T) {
	at := time.Now().UTC().Truncate(time.Second)
	s, store, queues := newTestPeerSyncer(t)
	if err := store.upsertZone("stable.com", "bridge1.example.net", "bob", testZone, at); err != nil {
		t.Fatalf("upsertZone: %v", err)
	}

	zones := []peerZone{
		{Domain: "stable.com", ZoneData: testZone, ZoneUpdatedAt: at},
		{Domain: "stable.com", ZoneData: testZone, ZoneUpdatedAt: at.Add(-time.Hour)},
	}
	ts := httptest.NewServer(peerHandler(t, zones, nil))
	defer ts.Close()

	if err := s.syncFromPeer(context.Background(), ts.URL); err != nil {
		t.Fatalf("syncFromPeer: %v", err)
	}
	if queues.save.Len() != 0 {
		t.Fatal("equal or older peer copies must be ignored")
	}
}

func TestSyncFromPeerQuiesces(t *testing.T) {
	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	zones := []peerZone{{
		Domain:        "shared.com",
		ZoneData:      testZone,
		Username:      "alice",
		ZoneUpdatedAt: at,
	}}
	s, store, queues := newTestPeerSyncer(t)
	backend := newFakeBackend("bind1")
	d := &dispatcher{
		store:    store,
		registry: &backendRegistry{backends: []dnsBackend{backend}},
		queues:   queues,
		log:      zerolog.Nop(),
	}
	ts := httptest.NewServer(peerHandler(t, zones, nil))
	defer ts.Close()

	if err := s.syncFromPeer(context.Background(), ts.URL); err != nil {
		t.Fatalf("syncFromPeer: %v", err)
	}
	key, data, ok, err := queues.save.Peek()
	if err != nil || !ok {
		t.Fatalf("save not queued: ok=%v err=%v", ok, err)
	}
	var item saveItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !item.ZoneUpdatedAt.Equal(at) {
		t.Fatalf("peer timestamp not carried: %v", item.ZoneUpdatedAt)
	}
	if !d.processSave(context.Background(), zerolog.Nop(), data) {
		t.Fatal("processSave failed")
	}
	if err := queues.save.Ack(key); err != nil {
		t.Fatalf("ack: %v", err)
	}

	rec, err := store.getDomain("shared.com")
	if err != nil || rec == nil {
		t.Fatalf("row missing after sync: %+v err=%v", rec, err)
	}
	if !rec.ZoneUpdatedAt.Equal(at) {
		t.Fatalf("row stamped %v, want the peer's %v", rec.ZoneUpdatedAt, at)
	}

	// Timestamps now match, so the next cycle has nothing to apply.
	if err := s.syncFromPeer(context.Background(), ts.URL); err != nil {
		t.Fatalf("syncFromPeer: %v", err)
	}
	if queues.save.Len() != 0 {
		t.Fatal("sync must reach a fixpoint once timestamps match")
	}
}

func TestSyncFromPeerFetchesZoneBody(t *testing.T) {
	zones := []peerZone{{
		Domain:        "lazy.com",
		ZoneData:      "",
		ZoneUpdatedAt: time.Now().UTC(),
	}}
	s, _, queues := newTestPeerSyncer(t)
	ts := httptest.NewServer(peerHandler(t, zones, nil))
	defer ts.Close()

	if err := s.syncFromPeer(context.Background(), ts.URL); err != nil {
		t.Fatalf("syncFromPeer: %v", err)
	}
	_, data, ok, err := queues.save.Peek()
	if err != nil || !ok {
		t.Fatalf("save not queued: ok=%v err=%v", ok, err)
	}
	var item saveItem
	_ = json.Unmarshal(data, &item)
	if item.ZoneFile != testZone {
		t.Fatal("zone body not fetched from /internal/zone")
	}
}

func TestAddPeerDedupAndSelf(t *testing.T) {
	s, _, _ := newTestPeerSyncer(t)
	s.cfg.SelfURL = "http://10.0.0.1:2222"

	if !s.addPeer("http://10.0.0.2:2222/") {
		t.Fatal("new peer should be added")
	}
	if s.addPeer("http://10.0.0.2:2222") {
		t.Fatal("duplicate peer must be ignored")
	}
	if s.addPeer("http://10.0.0.1:2222/") {
		t.Fatal("own URL must be ignored")
	}
	urls := s.peerURLs()
	if len(urls) != 1 || urls[0] != "http://10.0.0.2:2222" {
		t.Fatalf("unexpected peers: %v", urls)
	}
}

func TestPeerHealthThreshold(t *testing.T) {
	s, _, _ := newTestPeerSyncer(t, "http://10.0.0.2:2222")

	for i := 0; i < peerFailureThreshold-1; i++ {
		s.recordFailure("http://10.0.0.2:2222", errTestBackend)
	}
	if s.degraded() {
		t.Fatal("below threshold must not degrade")
	}
	s.recordFailure("http://10.0.0.2:2222", errTestBackend)
	if !s.degraded() {
		t.Fatal("threshold reached, should be degraded")
	}

	s.recordSuccess("http://10.0.0.2:2222")
	if s.degraded() {
		t.Fatal("success must reset peer health")
	}
	st := s.status()
	if len(st.Peers) != 1 || st.Peers[0].ConsecutiveFailures != 0 || !st.Peers[0].Healthy {
		t.Fatalf("unexpected status: %+v", st.Peers)
	}
}

func TestDiscoverPeers(t *testing.T) {
	s, _, _ := newTestPeerSyncer(t)
	ts := httptest.NewServer(peerHandler(t, nil, []string{
		"http://10.0.0.3:2222",
		"http://10.0.0.3:2222",
	}))
	defer ts.Close()

	s.discoverPeers(context.Background(), ts.URL)

	urls := s.peerURLs()
	if len(urls) != 1 || urls[0] != "http://10.0.0.3:2222" {
		t.Fatalf("gossip merge failed: %v", urls)
	}
}
