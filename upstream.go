package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// upstreamClient talks to a single DirectAdmin server. Two authentication
// modes are handled transparently: Basic Auth for classic servers, and a
// CMD_LOGIN session cookie for Evolution servers that redirect Basic Auth.
// Redirects are never followed so the upgrade can be detected.
type upstreamClient struct {
	hostname string
	port     int
	username string
	password string
	scheme   string
	client   *http.Client

	mu      sync.Mutex
	cookies []*http.Cookie
}

func newUpstreamClient(cfg upstreamConfig, verifySSL bool) *upstreamClient {
	port := cfg.Port
	if port == 0 {
		port = 2222
	}
	scheme := "http"
	if cfg.SSL {
		scheme = "https"
	}
	transport := &http.Transport{}
	if !verifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &upstreamClient{
		hostname: cfg.Hostname,
		port:     port,
		username: cfg.Username,
		password: cfg.Password,
		scheme:   scheme,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *upstreamClient) commandURL(command string) string {
	return fmt.Sprintf("%s://%s:%d/%s", c.scheme, c.hostname, c.port, command)
}

func (c *upstreamClient) authorize(req *http.Request) {
	c.mu.Lock()
	cookies := c.cookies
	c.mu.Unlock()
	if len(cookies) > 0 {
		for _, cookie := range cookies {
			req.AddCookie(cookie)
		}
		return
	}
	req.SetBasicAuth(c.username, c.password)
}

// Get issues an authenticated GET to any CMD_* endpoint.
func (c *upstreamClient) Get(ctx context.Context, command string, params url.Values) (*http.Response, error) {
	target := c.commandURL(command)
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	return c.client.Do(req)
}

// Post issues an authenticated urlencoded POST to any CMD_* endpoint.
func (c *upstreamClient) Post(ctx context.Context, command string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.commandURL(command),
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req)
	return c.client.Do(req)
}

// login obtains an Evolution session cookie via CMD_LOGIN.
func (c *upstreamClient) login(ctx context.Context) error {
	form := url.Values{
		"username": {c.username},
		"password": {c.password},
		"referer":  {"/CMD_DNS_ADMIN?json=yes&page=1&ipp=500"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.commandURL("CMD_LOGIN"),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("session login: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	cookies := resp.Cookies()
	if len(cookies) == 0 {
		return fmt.Errorf("session login: no cookie returned, check credentials")
	}
	c.mu.Lock()
	c.cookies = cookies
	c.mu.Unlock()
	return nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// ListDomains returns every domain the server manages via CMD_DNS_ADMIN
// (JSON, paginated). Falls back to the legacy urlencoded list format when
// the response is not JSON.
func (c *upstreamClient) ListDomains(ctx context.Context, ipp int) (map[string]bool, error) {
	if ipp <= 0 {
		ipp = 1000
	}
	domains := map[string]bool{}
	page := 1
	totalPages := 1
	loggedIn := false

	for page <= totalPages {
		resp, err := c.Get(ctx, "CMD_DNS_ADMIN", url.Values{
			"json": {"yes"},
			"page": {strconv.Itoa(page)},
			"ipp":  {strconv.Itoa(ipp)},
		})
		if err != nil {
			return nil, fmt.Errorf("list domains: %w", err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("list domains: read: %w", err)
		}

		if isRedirect(resp.StatusCode) {
			if loggedIn {
				return nil, fmt.Errorf("still redirecting after session login, check admin access for %q", c.username)
			}
			if err := c.login(ctx); err != nil {
				return nil, err
			}
			loggedIn = true
			continue // retry this page with cookies
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("list domains: HTTP %d", resp.StatusCode)
		}
		if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
			return nil, fmt.Errorf("list domains: got HTML, check credentials and admin access")
		}

		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil {
			for domain := range parseLegacyDomainList(string(body)) {
				domains[domain] = true
			}
			return domains, nil // no paging in legacy mode
		}

		for key, raw := range doc {
			if !isDigits(key) {
				continue
			}
			var entry struct {
				Domain string `json:"domain"`
			}
			if err := json.Unmarshal(raw, &entry); err == nil && entry.Domain != "" {
				domains[normalizeDomain(entry.Domain)] = true
			}
		}
		if raw, ok := doc["info"]; ok {
			var info struct {
				TotalPages int `json:"total_pages"`
			}
			if err := json.Unmarshal(raw, &info); err == nil && info.TotalPages > 0 {
				totalPages = info.TotalPages
			}
		}
		page++
	}
	return domains, nil
}

// parseLegacyDomainList decodes the pre-JSON list[]=a.com&list[]=b.com
// format, tolerating newline separators.
func parseLegacyDomainList(body string) map[string]bool {
	normalized := strings.Trim(strings.ReplaceAll(body, "\n", "&"), "&")
	values, err := url.ParseQuery(normalized)
	if err != nil {
		return map[string]bool{}
	}
	out := map[string]bool{}
	for _, domain := range values["list[]"] {
		domain = normalizeDomain(domain)
		if domain != "" {
			out[domain] = true
		}
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type multiServerResult struct {
	Success bool                       `json:"success"`
	Result  json.RawMessage            `json:"result"`
	Servers map[string]json.RawMessage `json:"servers"`
}

func (c *upstreamClient) getExtraDNSServers(ctx context.Context) (map[string]json.RawMessage, error) {
	resp, err := c.Get(ctx, "CMD_MULTI_SERVER", url.Values{"json": {"yes"}})
	if err != nil {
		return nil, fmt.Errorf("multi server list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("multi server list: HTTP %d", resp.StatusCode)
	}
	var doc multiServerResult
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("multi server list: %w", err)
	}
	return doc.Servers, nil
}

func (c *upstreamClient) postMultiServer(ctx context.Context, form url.Values) error {
	resp, err := c.Post(ctx, "CMD_MULTI_SERVER", form)
	if err != nil {
		return fmt.Errorf("multi server save: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("multi server save: HTTP %d", resp.StatusCode)
	}
	var doc multiServerResult
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("multi server save: %w", err)
	}
	if !doc.Success {
		return fmt.Errorf("multi server save: %s", string(doc.Result))
	}
	return nil
}

// EnsureExtraDNSServer registers this node as an Extra DNS server on the
// upstream (adding it first when absent) with dns=yes and domain_check=yes,
// so zone pushes and existence checks are routed here.
func (c *upstreamClient) EnsureExtraDNSServer(ctx context.Context, ip string, port int, user, passwd string, ssl bool) error {
	servers, err := c.getExtraDNSServers(ctx)
	if err != nil {
		return err
	}
	sslStr := "no"
	if ssl {
		sslStr = "yes"
	}
	if _, ok := servers[ip]; !ok {
		err := c.postMultiServer(ctx, url.Values{
			"action": {"add"},
			"json":   {"yes"},
			"ip":     {ip},
			"port":   {strconv.Itoa(port)},
			"user":   {user},
			"passwd": {passwd},
			"ssl":    {sslStr},
		})
		if err != nil {
			return err
		}
	}
	return c.postMultiServer(ctx, url.Values{
		"action":               {"multiple"},
		"save":                 {"yes"},
		"json":                 {"yes"},
		"passwd":               {""},
		"select0":              {ip},
		"port-" + ip:           {strconv.Itoa(port)},
		"user-" + ip:           {user},
		"ssl-" + ip:            {sslStr},
		"dns-" + ip:            {"yes"},
		"domain_check-" + ip:   {"yes"},
		"user_check-" + ip:     {"no"},
		"email-" + ip:          {"no"},
		"show_all_users-" + ip: {"no"},
	})
}
