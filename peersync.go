package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const peerFailureThreshold = 3

type peerState struct {
	url       string
	failures  int
	lastSeen  time.Time
	lastError string
}

func (p *peerState) healthy() bool {
	return p.failures < peerFailureThreshold
}

// peerSyncer keeps this node eventually consistent with its peers: on every
// interval it pulls each peer's zone inventory, applies strictly newer zones
// through the save queue, and merges peer lists learned from reachable peers
// (gossip). Peer health is in-memory only.
type peerSyncer struct {
	cfg      peerSyncConfig
	selfHost string
	store    *dataStore
	queues   *queueSet
	client   *http.Client
	log      zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peerState
}

func newPeerSyncer(cfg peerSyncConfig, selfHost string, store *dataStore, queues *queueSet, logger zerolog.Logger) *peerSyncer {
	s := &peerSyncer{
		cfg:      cfg,
		selfHost: selfHost,
		store:    store,
		queues:   queues,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      componentLogger(logger, "peer_sync"),
		peers:    map[string]*peerState{},
	}
	for _, raw := range cfg.Peers {
		s.addPeer(raw)
	}
	return s
}

// addPeer registers a peer URL if it is new and not this node itself.
func (s *peerSyncer) addPeer(raw string) bool {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" || raw == strings.TrimRight(s.cfg.SelfURL, "/") {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[raw]; ok {
		return false
	}
	s.peers[raw] = &peerState{url: raw}
	return true
}

func (s *peerSyncer) peerURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.peers))
	for u := range s.peers {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

func (s *peerSyncer) status() peerSyncStatus {
	st := peerSyncStatus{Enabled: s.cfg.Enabled}
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.peers))
	for u := range s.peers {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		p := s.peers[u]
		st.Peers = append(st.Peers, peerStatus{
			URL:                 p.url,
			Healthy:             p.healthy(),
			ConsecutiveFailures: p.failures,
			LastSeen:            p.lastSeen,
			LastError:           p.lastError,
		})
	}
	return st
}

func (s *peerSyncer) degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if !p.healthy() {
			return true
		}
	}
	return false
}

func (s *peerSyncer) recordSuccess(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[url]
	if !ok {
		return
	}
	if !p.healthy() {
		s.log.Info().Str("peer", url).Msg("peer recovered")
	}
	p.failures = 0
	p.lastSeen = time.Now().UTC()
	p.lastError = ""
}

func (s *peerSyncer) recordFailure(url string, err error) {
	metricPeerSyncFailures.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[url]
	if !ok {
		return
	}
	p.failures++
	p.lastError = err.Error()
	if p.failures == peerFailureThreshold {
		s.log.Error().Str("peer", url).Int("failures", p.failures).Err(err).
			Msg("peer marked unhealthy")
	}
}

func (s *peerSyncer) run(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	interval := time.Duration(s.cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	s.log.Info().Int("peers", len(s.peerURLs())).Str("interval", interval.String()).
		Msg("peer sync started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.syncAll(ctx)
	}
}

func (s *peerSyncer) syncAll(ctx context.Context) {
	for _, peer := range s.peerURLs() {
		if ctx.Err() != nil {
			return
		}
		if err := s.syncFromPeer(ctx, peer); err != nil {
			s.log.Warn().Err(err).Str("peer", peer).Msg("peer sync failed")
			s.recordFailure(peer, err)
			continue
		}
		s.recordSuccess(peer)
		s.discoverPeers(ctx, peer)
	}
}

func (s *peerSyncer) getPeer(ctx context.Context, peer, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.cfg.AuthUsername, s.cfg.AuthPassword)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp, nil
}

func (s *peerSyncer) syncFromPeer(ctx context.Context, peer string) error {
	resp, err := s.getPeer(ctx, peer, "/internal/zones")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var zones []peerZone
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&zones); err != nil {
		return fmt.Errorf("decode zones: %w", err)
	}

	applied := 0
	for _, pz := range zones {
		newer, err := s.isNewer(pz)
		if err != nil {
			s.log.Error().Err(err).Str("zone", pz.Domain).Msg("datastore lookup failed")
			continue
		}
		if !newer {
			continue
		}
		zoneData := pz.ZoneData
		if zoneData == "" {
			zoneData, err = s.fetchZone(ctx, peer, pz.Domain)
			if err != nil {
				s.log.Warn().Err(err).Str("zone", pz.Domain).Str("peer", peer).Msg("zone fetch failed")
				continue
			}
		}
		// Re-applying locally: the owner recorded is this node, not the
		// peer's upstream identity. The peer's timestamp is kept so the
		// local copy does not look newer than the peer's and sync reaches
		// a fixpoint.
		err = s.queues.save.Enqueue(saveItem{
			Domain:        pz.Domain,
			ZoneFile:      zoneData,
			Hostname:      s.selfHost,
			Username:      pz.Username,
			Source:        "peer_sync",
			ZoneUpdatedAt: pz.ZoneUpdatedAt,
		})
		if err != nil {
			s.log.Error().Err(err).Str("zone", pz.Domain).Msg("peer sync enqueue failed")
			continue
		}
		applied++
	}
	if applied > 0 {
		s.log.Info().Str("peer", peer).Int("zones", applied).Msg("queued newer zones from peer")
	}
	return nil
}

// isNewer reports whether the peer's copy is strictly newer than ours.
// Equal timestamps are a no-op.
func (s *peerSyncer) isNewer(pz peerZone) (bool, error) {
	local, err := s.store.getDomain(pz.Domain)
	if err != nil {
		return false, err
	}
	if local == nil || local.ZoneData == "" {
		return true, nil
	}
	return local.ZoneUpdatedAt.Before(pz.ZoneUpdatedAt), nil
}

func (s *peerSyncer) fetchZone(ctx context.Context, peer, domain string) (string, error) {
	resp, err := s.getPeer(ctx, peer, "/internal/zone?domain="+url.QueryEscape(domain))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var pz peerZone
	if err := decodeJSON(resp.Body, &pz); err != nil {
		return "", fmt.Errorf("decode zone: %w", err)
	}
	return pz.ZoneData, nil
}

// discoverPeers merges the peer list a reachable peer advertises.
// Discovered peers share the cluster-wide peer credentials.
func (s *peerSyncer) discoverPeers(ctx context.Context, peer string) {
	resp, err := s.getPeer(ctx, peer, "/internal/peers")
	if err != nil {
		s.log.Debug().Err(err).Str("peer", peer).Msg("peer discovery failed")
		return
	}
	defer resp.Body.Close()

	var urls []string
	if err := decodeJSON(resp.Body, &urls); err != nil {
		s.log.Debug().Err(err).Str("peer", peer).Msg("peer discovery decode failed")
		return
	}
	for _, u := range urls {
		if s.addPeer(u) {
			s.log.Info().Str("peer", u).Str("via", peer).Msg("discovered new peer")
		}
	}
}
