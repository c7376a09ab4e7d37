package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func doRequest(t *testing.T, handler http.Handler, method, target, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if auth {
		req.SetBasicAuth("da_admin", "secret")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func parseForm(t *testing.T, w *httptest.ResponseRecorder) url.Values {
	t.Helper()
	values, err := url.ParseQuery(w.Body.String())
	if err != nil {
		t.Fatalf("parse response form: %v", err)
	}
	return values
}

func TestHealthUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s.newRouter(), "GET", "/health", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["ok"] != true || doc["hostname"] != "bridge1.example.net" {
		t.Fatalf("unexpected health doc: %v", doc)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	router := s.newRouter()

	w := doRequest(t, router, "GET", "/CMD_API_DNS_ADMIN?action=exists&domain=a.com", "", false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("WWW-Authenticate"), "dns-bridge") {
		t.Fatalf("missing auth challenge: %q", w.Header().Get("WWW-Authenticate"))
	}
	if parseForm(t, w).Get("error") != "1" {
		t.Fatalf("expected urlencoded error body: %q", w.Body.String())
	}
}

func TestCredentialsMatchBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if !credentialsMatch("u", "secret", "u", string(hash)) {
		t.Fatal("bcrypt hash should match")
	}
	if credentialsMatch("u", "wrong", "u", string(hash)) {
		t.Fatal("wrong password should fail")
	}
	if !credentialsMatch("u", "plain", "u", "plain") {
		t.Fatal("plaintext comparison should match")
	}
}

func TestLoginTest(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s.newRouter(), "GET", "/CMD_API_LOGIN_TEST", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	values := parseForm(t, w)
	if values.Get("error") != "0" || values.Get("text") != "Login OK" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
}

func TestExistsUnknownDomain(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s.newRouter(), "GET", "/CMD_API_DNS_ADMIN?action=exists&domain=nope.com", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if parseForm(t, w).Get("exists") != "0" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
}

func TestExistsKnownDomain(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.upsertZone("known.com", "panel1.example.net", "bob", testZone, time.Now().UTC()); err != nil {
		t.Fatalf("upsertZone: %v", err)
	}

	w := doRequest(t, s.newRouter(), "GET", "/CMD_API_DNS_ADMIN?action=exists&domain=Known.COM", "", true)
	values := parseForm(t, w)
	if values.Get("exists") != "1" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
	if !strings.Contains(values.Get("details"), "panel1.example.net") {
		t.Fatalf("details missing owner: %q", values.Get("details"))
	}
}

func TestExistsParentDomain(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.upsertZone("example.com", "panel1.example.net", "bob", testZone, time.Now().UTC()); err != nil {
		t.Fatalf("upsertZone: %v", err)
	}
	router := s.newRouter()

	// Without the parent flag the subdomain simply does not exist.
	w := doRequest(t, router, "GET", "/CMD_API_DNS_ADMIN?action=exists&domain=sub.example.com", "", true)
	if parseForm(t, w).Get("exists") != "0" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}

	w = doRequest(t, router, "GET",
		"/CMD_API_DNS_ADMIN?action=exists&domain=sub.example.com&check_for_parent_domain=yes", "", true)
	if parseForm(t, w).Get("exists") != "2" {
		t.Fatalf("expected exists=2: %q", w.Body.String())
	}
}

func TestExistsParentDomainWithOwnerCheck(t *testing.T) {
	s := newTestServer(t)
	s.cfg.App.CheckSubdomainOwnerInClusterDomainowners = 1
	if err := s.store.upsertZone("example.com", "panel1.example.net", "bob", testZone, time.Now().UTC()); err != nil {
		t.Fatalf("upsertZone: %v", err)
	}

	w := doRequest(t, s.newRouter(), "GET",
		"/CMD_API_DNS_ADMIN?action=exists&domain=deep.sub.example.com&check_for_parent_domain=yes", "", true)
	values := parseForm(t, w)
	if values.Get("exists") != "3" {
		t.Fatalf("expected exists=3: %q", w.Body.String())
	}
	if values.Get("hostname") != "panel1.example.net" || values.Get("username") != "bob" {
		t.Fatalf("owner fields missing: %q", w.Body.String())
	}
}

func TestRawSaveQueuesZone(t *testing.T) {
	s := newTestServer(t)
	form := url.Values{
		"action":    {"rawsave"},
		"domain":    {"example.com"},
		"hostname":  {"panel1.example.net"},
		"username":  {"bob"},
		"zone_file": {testZone},
	}
	w := doRequest(t, s.newRouter(), "POST", "/CMD_API_DNS_ADMIN", form.Encode(), true)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%q", w.Code, w.Body.String())
	}
	if parseForm(t, w).Get("error") != "0" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}

	_, data, ok, err := s.queues.save.Peek()
	if err != nil || !ok {
		t.Fatalf("save not queued: ok=%v err=%v", ok, err)
	}
	var item saveItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if item.Domain != "example.com" || item.Hostname != "panel1.example.net" || item.Source != "ingress" {
		t.Fatalf("unexpected item: %+v", item)
	}
}

func TestRawSaveRejectsInvalidZone(t *testing.T) {
	s := newTestServer(t)
	form := url.Values{
		"action":    {"rawsave"},
		"domain":    {"example.com"},
		"zone_file": {"@ IN A not-an-ip\n"},
	}
	w := doRequest(t, s.newRouter(), "POST", "/CMD_API_DNS_ADMIN", form.Encode(), true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if s.queues.save.Len() != 0 {
		t.Fatal("invalid zone must not be queued")
	}
}

func TestRawSaveRawBodyFallback(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST",
		"/CMD_API_DNS_ADMIN?action=rawsave&domain=example.com&hostname=panel1.example.net",
		strings.NewReader(testZone))
	req.SetBasicAuth("da_admin", "secret")
	w := httptest.NewRecorder()
	s.newRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%q", w.Code, w.Body.String())
	}
	if s.queues.save.Len() != 1 {
		t.Fatal("raw body zone not queued")
	}
}

func TestRawSaveOwnershipTransfer(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.upsertZone("example.com", "old.panel.net", "bob", testZone, time.Now().UTC()); err != nil {
		t.Fatalf("upsertZone: %v", err)
	}

	form := url.Values{
		"action":    {"rawsave"},
		"domain":    {"example.com"},
		"hostname":  {"new.panel.net"},
		"username":  {"alice"},
		"zone_file": {testZone},
	}
	w := doRequest(t, s.newRouter(), "POST", "/CMD_API_DNS_ADMIN", form.Encode(), true)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}

	rec, err := s.store.getDomain("example.com")
	if err != nil || rec == nil {
		t.Fatalf("getDomain: %v", err)
	}
	if rec.UpstreamServerHostname != "new.panel.net" || rec.UpstreamUsername != "alice" {
		t.Fatalf("ownership not transferred: %+v", rec)
	}
}

func TestDeleteKeepDNSRejected(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.upsertZone("kept.com", "owner.panel.net", "bob", testZone, time.Now().UTC()); err != nil {
		t.Fatalf("upsertZone: %v", err)
	}

	form := url.Values{
		"action":   {"delete"},
		"domain":   {"kept.com"},
		"hostname": {"other.panel.net"},
	}
	w := doRequest(t, s.newRouter(), "POST", "/CMD_API_DNS_ADMIN", form.Encode(), true)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if !strings.Contains(parseForm(t, w).Get("text"), "owner.panel.net") {
		t.Fatalf("rejection must name the owner: %q", w.Body.String())
	}
	if s.queues.del.Len() != 0 {
		t.Fatal("rejected delete must not be queued")
	}
}

func TestDeleteByOwnerQueued(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.upsertZone("gone.com", "owner.panel.net", "bob", testZone, time.Now().UTC()); err != nil {
		t.Fatalf("upsertZone: %v", err)
	}

	form := url.Values{
		"action":   {"delete"},
		"domain":   {"gone.com"},
		"hostname": {"owner.panel.net"},
	}
	w := doRequest(t, s.newRouter(), "POST", "/CMD_API_DNS_ADMIN", form.Encode(), true)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%q", w.Code, w.Body.String())
	}
	if s.queues.del.Len() != 1 {
		t.Fatal("delete not queued")
	}
}

func TestConnectivityProbe(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s.newRouter(), "POST", "/CMD_API_DNS_ADMIN", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	values := parseForm(t, w)
	if values.Get("error") != "0" || values.Get("text") != "OK" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
}

func TestStatusDocument(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s.newRouter(), "GET", "/status", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	var doc statusDoc
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// Workers were never started, which the document must surface.
	if doc.Status != "error" {
		t.Fatalf("expected error status without workers, got %q", doc.Status)
	}
	if doc.Hostname != "bridge1.example.net" {
		t.Fatalf("unexpected hostname: %q", doc.Hostname)
	}
}

func TestDeadLettersListsBackends(t *testing.T) {
	s := newTestServer(t)
	dl := deadLetter{
		ID:           "0b6f2c1e-0000-4000-8000-000000000001",
		Kind:         retryKindSave,
		ZoneName:     "doomed.com",
		Payload:      "{}",
		Backends:     "bind1,pdns1",
		Cause:        "backend unavailable",
		Attempts:     maxAttempts,
		FirstFailure: time.Now().UTC().Add(-time.Hour),
		LastFailure:  time.Now().UTC(),
	}
	if err := s.store.insertDeadLetter(dl); err != nil {
		t.Fatalf("insertDeadLetter: %v", err)
	}

	w := doRequest(t, s.newRouter(), "GET", "/dead_letters", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	var body struct {
		DeadLetters []struct {
			ZoneName string   `json:"zone_name"`
			Backends []string `json:"backends"`
		} `json:"dead_letters"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.DeadLetters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(body.DeadLetters))
	}
	got := body.DeadLetters[0]
	if got.ZoneName != "doomed.com" {
		t.Fatalf("unexpected zone: %q", got.ZoneName)
	}
	if len(got.Backends) != 2 || got.Backends[0] != "bind1" || got.Backends[1] != "pdns1" {
		t.Fatalf("backends not served as a list: %v", got.Backends)
	}
}

func TestInternalZonesPeerAuth(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.upsertZone("shared.com", "panel1.example.net", "bob", testZone, time.Now().UTC()); err != nil {
		t.Fatalf("upsertZone: %v", err)
	}
	router := s.newRouter()

	// App credentials do not open the peer surface.
	w := doRequest(t, router, "GET", "/internal/zones", "", true)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with app creds, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/internal/zones", nil)
	req.SetBasicAuth("peer", "peer-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var zones []peerZone
	if err := json.Unmarshal(rec.Body.Bytes(), &zones); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(zones) != 1 || zones[0].Domain != "shared.com" || zones[0].ZoneData != testZone {
		t.Fatalf("unexpected zones: %+v", zones)
	}
}

func TestInternalZoneLookup(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.upsertZone("shared.com", "panel1.example.net", "bob", testZone, time.Now().UTC()); err != nil {
		t.Fatalf("upsertZone: %v", err)
	}
	router := s.newRouter()

	req := httptest.NewRequest("GET", "/internal/zone?domain=shared.com", nil)
	req.SetBasicAuth("peer", "peer-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/internal/zone?domain=missing.com", nil)
	req.SetBasicAuth("peer", "peer-secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown zone, got %d", rec.Code)
	}
}
