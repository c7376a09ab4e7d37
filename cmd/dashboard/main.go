package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type endpoint struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type endpointStore struct {
	mu        sync.RWMutex
	path      string
	endpoints []endpoint
}

type server struct {
	store      *endpointStore
	httpClient *http.Client
	tpl        *template.Template
}

type nodeStatus struct {
	Endpoint string
	Success  bool
	Error    string

	Status   string
	Hostname string
	Zones    int64
	Save     int
	Delete   int
	Retry    int
	Dead     int
	Workers  string
	Peers    []peerRow
	RecRun   string
}

type peerRow struct {
	URL      string
	Healthy  bool
	Failures int
}

type pageData struct {
	Endpoints []endpoint
	Nodes     []nodeStatus
	Message   string
	Now       string
}

func main() {
	listen := envOrDefault("DASHBOARD_LISTEN", ":8090")
	storePath := envOrDefault("DASHBOARD_STORE", "dashboard-endpoints.json")

	st, err := newEndpointStore(storePath)
	if err != nil {
		log.Fatalf("failed to initialize endpoint store: %v", err)
	}

	tpl, err := template.New("index").Parse(indexHTML)
	if err != nil {
		log.Fatalf("failed to parse template: %v", err)
	}

	s := &server{
		store: st,
		httpClient: &http.Client{
			Timeout: 4 * time.Second,
		},
		tpl: tpl,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/endpoints", s.handleAddEndpoint)
	mux.HandleFunc("/endpoints/delete", s.handleDeleteEndpoint)
	mux.HandleFunc("/refresh", s.handleRefresh)

	log.Printf("dashboard listening on %s", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Fatalf("dashboard server failed: %v", err)
	}
}

func newEndpointStore(path string) (*endpointStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	st := &endpointStore{path: absPath, endpoints: make([]endpoint, 0)}
	if err := st.load(); err != nil {
		return nil, err
	}

	return st, nil
}

func (s *endpointStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var items []endpoint
	if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}

	s.endpoints = sanitizeEndpoints(items)
	return nil
}

func (s *endpointStore) saveLocked() error {
	data, err := json.MarshalIndent(s.endpoints, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *endpointStore) list() []endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

func (s *endpointStore) add(e endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cur := range s.endpoints {
		if cur.BaseURL == e.BaseURL {
			return fmt.Errorf("endpoint already exists: %s", e.BaseURL)
		}
	}

	s.endpoints = append(s.endpoints, e)
	sort.Slice(s.endpoints, func(i, j int) bool { return s.endpoints[i].Name < s.endpoints[j].Name })

	return s.saveLocked()
}

func (s *endpointStore) delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, e := range s.endpoints {
		if e.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("endpoint not found")
	}

	s.endpoints = append(s.endpoints[:idx], s.endpoints[idx+1:]...)
	return s.saveLocked()
}

func sanitizeEndpoints(items []endpoint) []endpoint {
	out := make([]endpoint, 0, len(items))
	seen := map[string]struct{}{}
	for _, e := range items {
		e.Name = strings.TrimSpace(e.Name)
		e.ID = strings.TrimSpace(e.ID)
		e.BaseURL = sanitizeURL(e.BaseURL)
		e.Username = strings.TrimSpace(e.Username)
		if e.ID == "" || e.Name == "" || e.BaseURL == "" {
			continue
		}
		if _, ok := seen[e.BaseURL]; ok {
			continue
		}
		seen[e.BaseURL] = struct{}{}
		out = append(out, e)
	}
	return out
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := strings.TrimSpace(r.URL.Query().Get("msg"))
	if err := s.tpl.Execute(w, pageData{
		Endpoints: s.store.list(),
		Message:   msg,
		Now:       time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *server) handleAddEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	baseURL := sanitizeURL(r.FormValue("base_url"))
	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")

	if name == "" || baseURL == "" {
		http.Redirect(w, r, "/?msg=Name+and+base+URL+are+required", http.StatusSeeOther)
		return
	}

	err := s.store.add(endpoint{
		ID:       fmt.Sprintf("%d", time.Now().UnixNano()),
		Name:     name,
		BaseURL:  baseURL,
		Username: username,
		Password: password,
	})
	if err != nil {
		http.Redirect(w, r, "/?msg="+url.QueryEscape(err.Error()), http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, "/?msg=Endpoint+added", http.StatusSeeOther)
}

func (s *server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimSpace(r.FormValue("id"))
	if id == "" {
		http.Redirect(w, r, "/?msg=Missing+endpoint+id", http.StatusSeeOther)
		return
	}

	if err := s.store.delete(id); err != nil {
		http.Redirect(w, r, "/?msg="+url.QueryEscape(err.Error()), http.StatusSeeOther)
		return
	}

	http.Redirect(w, r, "/?msg=Endpoint+deleted", http.StatusSeeOther)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.tpl.Execute(w, pageData{
		Endpoints: s.store.list(),
		Nodes:     s.pollAll(),
		Message:   "Refreshed",
		Now:       time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *server) pollAll() []nodeStatus {
	eps := s.store.list()
	if len(eps) == 0 {
		return []nodeStatus{{Error: "no endpoints configured"}}
	}

	out := make([]nodeStatus, len(eps))
	var wg sync.WaitGroup
	for i, ep := range eps {
		wg.Add(1)
		go func(i int, ep endpoint) {
			defer wg.Done()
			out[i] = s.pollNode(ep)
		}(i, ep)
	}
	wg.Wait()
	return out
}

func (s *server) pollNode(ep endpoint) nodeStatus {
	st := nodeStatus{Endpoint: ep.Name}

	var doc struct {
		Status   string `json:"status"`
		Hostname string `json:"hostname"`
		Queues   struct {
			Save        int `json:"save"`
			Delete      int `json:"delete"`
			Retry       int `json:"retry"`
			DeadLetters int `json:"dead_letters"`
		} `json:"queues"`
		Workers struct {
			SaveWorker   bool `json:"save_worker"`
			DeleteWorker bool `json:"delete_worker"`
			RetryDrain   bool `json:"retry_drain"`
		} `json:"workers"`
		Reconciler *struct {
			Status        string  `json:"status"`
			OrphansQueued int     `json:"orphans_queued"`
			ZonesHealed   int     `json:"zones_healed"`
			Duration      float64 `json:"duration_seconds"`
		} `json:"reconciler"`
		PeerSync struct {
			Peers []struct {
				URL                 string `json:"url"`
				Healthy             bool   `json:"healthy"`
				ConsecutiveFailures int    `json:"consecutive_failures"`
			} `json:"peers"`
		} `json:"peer_sync"`
		Zones struct {
			Total int64 `json:"total"`
		} `json:"zones"`
	}
	if err := s.fetchJSON(ep, "/status", &doc); err != nil {
		st.Error = "status fetch failed: " + err.Error()
		return st
	}

	st.Success = true
	st.Status = doc.Status
	st.Hostname = doc.Hostname
	st.Zones = doc.Zones.Total
	st.Save = doc.Queues.Save
	st.Delete = doc.Queues.Delete
	st.Retry = doc.Queues.Retry
	st.Dead = doc.Queues.DeadLetters
	st.Workers = fmt.Sprintf("save=%v delete=%v retry=%v",
		doc.Workers.SaveWorker, doc.Workers.DeleteWorker, doc.Workers.RetryDrain)
	if doc.Reconciler != nil {
		st.RecRun = fmt.Sprintf("%s (orphans=%d healed=%d %.1fs)",
			doc.Reconciler.Status, doc.Reconciler.OrphansQueued,
			doc.Reconciler.ZonesHealed, doc.Reconciler.Duration)
	}
	for _, p := range doc.PeerSync.Peers {
		st.Peers = append(st.Peers, peerRow{URL: p.URL, Healthy: p.Healthy, Failures: p.ConsecutiveFailures})
	}
	return st
}

func (s *server) fetchJSON(ep endpoint, path string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if ep.Username != "" {
		req.SetBasicAuth(ep.Username, ep.Password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}

func sanitizeURL(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimRight(v, "/")
	return v
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

const indexHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>dns-bridge Dashboard</title>
  <style>
    :root { --bg:#f5f7fa; --card:#fff; --txt:#1f2937; --muted:#6b7280; --accent:#0f766e; --ok:#166534; --warn:#b45309; --bad:#b91c1c; }
    * { box-sizing:border-box; }
    body { margin:0; font-family: ui-sans-serif,system-ui,-apple-system,Segoe UI,Roboto,Arial; color:var(--txt); background:var(--bg); }
    .wrap { max-width:1100px; margin:0 auto; padding:20px; }
    .grid { display:grid; gap:16px; grid-template-columns: repeat(auto-fit,minmax(320px,1fr)); }
    .card { background:var(--card); border-radius:12px; padding:16px; box-shadow:0 1px 6px rgba(0,0,0,.07); }
    h1,h2 { margin:0 0 10px; }
    h1 { font-size:24px; }
    h2 { font-size:18px; }
    label { display:block; font-size:13px; margin:8px 0 4px; color:var(--muted); }
    input,button { width:100%; padding:10px; border-radius:8px; border:1px solid #d1d5db; }
    button { background:var(--accent); border:none; color:white; font-weight:600; margin-top:10px; cursor:pointer; }
    table { width:100%; border-collapse:collapse; font-size:13px; }
    th,td { padding:8px; border-bottom:1px solid #e5e7eb; text-align:left; vertical-align:top; }
    .status-ok { color:var(--ok); font-weight:600; }
    .status-degraded { color:var(--warn); font-weight:600; }
    .status-bad { color:var(--bad); font-weight:600; }
    .mono { font-family: ui-monospace,SFMono-Regular,Menlo,Consolas,monospace; }
    .small { color:var(--muted); font-size:12px; }
  </style>
</head>
<body>
  <div class="wrap">
    <h1>dns-bridge Fleet Dashboard</h1>
    <p class="small">Queue depths, worker health and sync state across all nodes. Time: {{.Now}}</p>
    {{if .Message}}<p><strong>{{.Message}}</strong></p>{{end}}

    <div class="grid">
      <section class="card">
        <h2>Add Node</h2>
        <form method="post" action="/endpoints">
          <label>Name</label><input name="name" placeholder="dns1" required>
          <label>Base URL</label><input name="base_url" placeholder="http://10.1.0.2:2222" required>
          <label>Username</label><input name="username" placeholder="app realm user">
          <label>Password</label><input name="password" type="password">
          <button type="submit">Add Node</button>
        </form>
      </section>

      <section class="card">
        <h2>Configured Nodes</h2>
        {{if .Endpoints}}
        <table>
          <thead><tr><th>Name</th><th>URL</th><th></th></tr></thead>
          <tbody>
            {{range .Endpoints}}
            <tr>
              <td>{{.Name}}</td>
              <td class="mono">{{.BaseURL}}</td>
              <td>
                <form method="post" action="/endpoints/delete">
                  <input type="hidden" name="id" value="{{.ID}}">
                  <button type="submit">Delete</button>
                </form>
              </td>
            </tr>
            {{end}}
          </tbody>
        </table>
        {{else}}
        <p>No nodes yet.</p>
        {{end}}
        <form method="post" action="/refresh">
          <button type="submit">Refresh Status</button>
        </form>
      </section>
    </div>

    {{if .Nodes}}
    <section class="card" style="margin-top:16px;">
      <h2>Fleet Status</h2>
      <table>
        <thead><tr><th>Node</th><th>State</th><th>Zones</th><th>Save</th><th>Delete</th><th>Retry</th><th>Dead</th><th>Workers</th><th>Reconciler</th><th>Peers</th></tr></thead>
        <tbody>
          {{range .Nodes}}
          <tr>
            <td><strong>{{.Endpoint}}</strong><div class="small mono">{{.Hostname}}</div></td>
            {{if .Success}}
            <td>{{if eq .Status "ok"}}<span class="status-ok">ok</span>{{else if eq .Status "degraded"}}<span class="status-degraded">degraded</span>{{else}}<span class="status-bad">{{.Status}}</span>{{end}}</td>
            <td>{{.Zones}}</td>
            <td>{{.Save}}</td>
            <td>{{.Delete}}</td>
            <td>{{.Retry}}</td>
            <td>{{.Dead}}</td>
            <td class="mono small">{{.Workers}}</td>
            <td class="small">{{.RecRun}}</td>
            <td class="small">
              {{range .Peers}}
              <div class="mono">{{.URL}} {{if .Healthy}}<span class="status-ok">up</span>{{else}}<span class="status-bad">down ({{.Failures}})</span>{{end}}</div>
              {{end}}
            </td>
            {{else}}
            <td colspan="9"><span class="status-bad">UNREACHABLE</span> <span class="mono">{{.Error}}</span></td>
            {{end}}
          </tr>
          {{end}}
        </tbody>
      </table>
    </section>
    {{end}}
  </div>
</body>
</html>`
