package main

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const version = "1.2.0"

type server struct {
	cfg     appSettings
	store   *dataStore
	queues  *queueSet
	workers *workerManager
	log     zerolog.Logger
	start   time.Time
}

func (s *server) runHTTP(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.App.ListenAddr,
		Handler:           s.newRouter(),
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	return httpServer.ListenAndServe()
}

func (s *server) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.appAuthMiddleware)
		r.Get("/CMD_API_DNS_ADMIN", s.handleDNSAdminGet)
		r.Post("/CMD_API_DNS_ADMIN", s.handleDNSAdminPost)
		r.Get("/CMD_API_LOGIN_TEST", s.handleLoginTest)
		r.Post("/CMD_API_LOGIN_TEST", s.handleLoginTest)
		r.Get("/status", s.handleStatus)
		r.Get("/dead_letters", s.handleDeadLetters)
		r.Handle("/metrics", promhttp.Handler())
	})

	r.Group(func(r chi.Router) {
		r.Use(s.peerAuthMiddleware)
		r.Get("/internal/zones", s.handleInternalZones)
		r.Get("/internal/zone", s.handleInternalZone)
		r.Get("/internal/peers", s.handleInternalPeers)
	})
	return r
}

func credentialsMatch(user, pass, wantUser, wantPass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) != 1 {
		return false
	}
	// Hashed passwords are supported alongside plaintext: a stored value
	// with a bcrypt prefix is treated as a hash.
	if strings.HasPrefix(wantPass, "$2a$") || strings.HasPrefix(wantPass, "$2b$") || strings.HasPrefix(wantPass, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(wantPass), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1
}

func basicAuth(realm, wantUser, wantPass string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || wantUser == "" || !credentialsMatch(user, pass, wantUser, wantPass) {
				w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
				writeForm(w, http.StatusUnauthorized, formError("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *server) appAuthMiddleware(next http.Handler) http.Handler {
	return basicAuth("dns-bridge", s.cfg.App.AuthUsername, s.cfg.App.AuthPassword)(next)
}

func (s *server) peerAuthMiddleware(next http.Handler) http.Handler {
	return basicAuth("dns-bridge-internal", s.cfg.PeerSync.AuthUsername, s.cfg.PeerSync.AuthPassword)(next)
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"version":    version,
		"hostname":   s.cfg.App.ServerHostname,
		"uptime_sec": int(time.Since(s.start).Seconds()),
	})
}

func (s *server) handleLoginTest(w http.ResponseWriter, _ *http.Request) {
	writeForm(w, http.StatusOK, formOK("text", "Login OK"))
}

// handleDNSAdminGet serves action=exists, the probe the upstream issues
// before creating an account for a domain.
func (s *server) handleDNSAdminGet(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("action") != "exists" {
		writeForm(w, http.StatusBadRequest, formError("Unsupported GET action: "+query.Get("action")))
		return
	}
	domain := normalizeDomain(query.Get("domain"))
	if domain == "" {
		writeForm(w, http.StatusBadRequest, formError("Missing 'domain' parameter"))
		return
	}

	rec, err := s.store.getDomain(domain)
	if err != nil {
		s.log.Error().Err(err).Str("zone", domain).Msg("exists lookup failed")
		writeForm(w, http.StatusInternalServerError, formError("lookup failed"))
		return
	}
	if rec != nil {
		writeForm(w, http.StatusOK, formOK(
			"exists", "1",
			"details", "Domain exists on "+rec.UpstreamServerHostname,
		))
		return
	}

	if query.Get("check_for_parent_domain") != "" {
		if parent := s.lookupParent(domain); parent != nil {
			// exists=2 is the basic parent check; exists=3 carries the
			// owner so the upstream can validate the requesting user
			// (cluster_domainowners, DirectAdmin 1.59+).
			if s.cfg.App.CheckSubdomainOwnerInClusterDomainowners >= 1 {
				writeForm(w, http.StatusOK, formOK(
					"exists", "3",
					"hostname", parent.UpstreamServerHostname,
					"username", parent.UpstreamUsername,
				))
				return
			}
			writeForm(w, http.StatusOK, formOK(
				"exists", "2",
				"details", "Parent Domain exists on "+parent.UpstreamServerHostname,
			))
			return
		}
	}

	writeForm(w, http.StatusOK, formOK("exists", "0"))
}

func (s *server) lookupParent(domain string) *domainRecord {
	for parent := parentDomain(domain); parent != ""; parent = parentDomain(parent) {
		rec, err := s.store.getDomain(parent)
		if err != nil {
			s.log.Error().Err(err).Str("zone", parent).Msg("parent lookup failed")
			return nil
		}
		if rec != nil {
			return rec
		}
	}
	return nil
}

// handleDNSAdminPost accepts rawsave and delete. Parameters arrive in the
// query string and the urlencoded body (body wins); some upstream versions
// ship the zone text as the raw request body instead.
func (s *server) handleDNSAdminPost(w http.ResponseWriter, r *http.Request) {
	params := url.Values{}
	for key, vals := range r.URL.Query() {
		params[key] = vals
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeForm(w, http.StatusBadRequest, formError("failed to read body"))
		return
	}
	contentType := r.Header.Get("Content-Type")
	rawBody := true
	if strings.Contains(contentType, "application/x-www-form-urlencoded") {
		if form, err := url.ParseQuery(string(body)); err == nil {
			rawBody = false
			for key, vals := range form {
				params[key] = vals
			}
		}
	}
	if params.Get("zone_file") == "" && rawBody && len(body) > 0 {
		params.Set("zone_file", string(body))
	}

	action := params.Get("action")
	if action == "" {
		// The upstream probes connectivity with an action-less request.
		writeForm(w, http.StatusOK, formOK("text", "OK"))
		return
	}

	domain := normalizeDomain(params.Get("domain"))
	if domain == "" {
		writeForm(w, http.StatusBadRequest, formError("Missing 'domain' parameter"))
		return
	}

	switch action {
	case "rawsave":
		s.handleRawSave(w, domain, params)
	case "delete":
		s.handleDelete(w, domain, params)
	default:
		writeForm(w, http.StatusBadRequest, formError("Unsupported action: "+action))
	}
}

func (s *server) handleRawSave(w http.ResponseWriter, domain string, params url.Values) {
	zoneData := params.Get("zone_file")
	if zoneData == "" {
		writeForm(w, http.StatusBadRequest, formError("Missing zone file content"))
		return
	}
	hostname := strings.TrimSpace(params.Get("hostname"))
	username := strings.TrimSpace(params.Get("username"))

	normalized, err := validateAndNormalizeZone(zoneData, domain)
	if err != nil {
		s.log.Warn().Err(err).Str("zone", domain).Msg("rejected invalid zone push")
		writeForm(w, http.StatusBadRequest, formError("Invalid zone data: "+err.Error()))
		return
	}

	rec, err := s.store.getDomain(domain)
	if err != nil {
		s.log.Error().Err(err).Str("zone", domain).Msg("ownership lookup failed")
		writeForm(w, http.StatusInternalServerError, formError("storage failure"))
		return
	}
	if rec != nil && hostname != "" && rec.UpstreamServerHostname != "" && rec.UpstreamServerHostname != hostname {
		if err := s.store.updateOwnership(domain, hostname, username); err != nil {
			s.log.Error().Err(err).Str("zone", domain).Msg("ownership transfer failed")
			writeForm(w, http.StatusInternalServerError, formError("storage failure"))
			return
		}
		s.log.Info().Str("zone", domain).
			Str("from", rec.UpstreamServerHostname).Str("to", hostname).
			Msg("[migration] zone ownership transferred")
	}

	err = s.queues.save.Enqueue(saveItem{
		Domain:   domain,
		ZoneFile: normalized,
		Hostname: hostname,
		Username: username,
		Source:   "ingress",
	})
	if err != nil {
		s.log.Error().Err(err).Str("zone", domain).Msg("save enqueue failed")
		writeForm(w, http.StatusInternalServerError, formError("queue failure"))
		return
	}
	metricZonesPushed.Inc()
	metricQueueDepth.WithLabelValues("save").Set(float64(s.queues.save.Len()))
	s.log.Info().Str("zone", domain).Str("hostname", hostname).Msg("queued zone update")
	writeForm(w, http.StatusOK, formOK())
}

func (s *server) handleDelete(w http.ResponseWriter, domain string, params url.Values) {
	hostname := strings.TrimSpace(params.Get("hostname"))

	rec, err := s.store.getDomain(domain)
	if err != nil {
		s.log.Error().Err(err).Str("zone", domain).Msg("delete lookup failed")
		writeForm(w, http.StatusInternalServerError, formError("storage failure"))
		return
	}
	if rec != nil && rec.UpstreamServerHostname != "" && rec.UpstreamServerHostname != hostname {
		// A non-owner asked for the delete, typically an account removed
		// on an old server after its DNS moved (Keep-DNS). Refuse.
		s.log.Warn().Str("zone", domain).
			Str("owner", rec.UpstreamServerHostname).Str("requester", hostname).
			Msg("non-owner delete rejected (Keep-DNS scenario)")
		writeForm(w, http.StatusForbidden,
			formError("Delete rejected: zone is owned by "+rec.UpstreamServerHostname))
		return
	}

	err = s.queues.del.Enqueue(deleteItem{
		Domain:   domain,
		Hostname: hostname,
		Source:   "ingress",
	})
	if err != nil {
		s.log.Error().Err(err).Str("zone", domain).Msg("delete enqueue failed")
		writeForm(w, http.StatusInternalServerError, formError("queue failure"))
		return
	}
	metricZonesDeleted.Inc()
	metricQueueDepth.WithLabelValues("delete").Set(float64(s.queues.del.Len()))
	s.log.Info().Str("zone", domain).Str("hostname", hostname).Msg("queued zone deletion")
	writeForm(w, http.StatusOK, formOK())
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.workers.statusDoc())
}

func (s *server) handleDeadLetters(w http.ResponseWriter, _ *http.Request) {
	dls, err := s.store.listDeadLetters(200)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	// The backends column is a comma-joined string in the table; the API
	// serves it as a list.
	type deadLetterView struct {
		deadLetter
		Backends []string `json:"backends"`
	}
	views := make([]deadLetterView, 0, len(dls))
	for _, dl := range dls {
		views = append(views, deadLetterView{deadLetter: dl, Backends: splitCSV(dl.Backends)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": views})
}

func (s *server) handleInternalZones(w http.ResponseWriter, _ *http.Request) {
	rows, err := s.store.listDomains()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	zones := make([]peerZone, 0, len(rows))
	for _, row := range rows {
		zones = append(zones, peerZone{
			Domain:        row.ZoneName,
			ZoneData:      row.ZoneData,
			Hostname:      row.UpstreamServerHostname,
			Username:      row.UpstreamUsername,
			ZoneUpdatedAt: row.ZoneUpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *server) handleInternalZone(w http.ResponseWriter, r *http.Request) {
	domain := normalizeDomain(r.URL.Query().Get("domain"))
	if domain == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing domain parameter"})
		return
	}
	rec, err := s.store.getDomain(domain)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown zone"})
		return
	}
	writeJSON(w, http.StatusOK, peerZone{
		Domain:        rec.ZoneName,
		ZoneData:      rec.ZoneData,
		Hostname:      rec.UpstreamServerHostname,
		Username:      rec.UpstreamUsername,
		ZoneUpdatedAt: rec.ZoneUpdatedAt,
	})
}

func (s *server) handleInternalPeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.workers.peerSyncer.peerURLs())
}
