package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/miekg/dns"
)

// normalizeDomain lowercases and strips the trailing dot, the canonical form
// used for store keys and queue items.
func normalizeDomain(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(strings.ToLower(name)), ".")
}

func normalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return "."
	}
	return dns.Fqdn(name)
}

// parentDomain returns the immediate parent of a dotted name, or "" when the
// name has no parent worth checking (single label or TLD-only).
func parentDomain(name string) string {
	parts := strings.SplitN(normalizeDomain(name), ".", 2)
	if len(parts) < 2 || !strings.Contains(parts[1], ".") {
		return ""
	}
	return parts[1]
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func decodeJSON(r io.Reader, out any) error {
	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeForm answers in the urlencoded key=value format the upstream control
// panel parses (error=0&text=OK).
func writeForm(w http.ResponseWriter, code int, values url.Values) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, values.Encode())
}

func formOK(pairs ...string) url.Values {
	values := url.Values{"error": {"0"}}
	for i := 0; i+1 < len(pairs); i += 2 {
		values.Set(pairs[i], pairs[i+1])
	}
	return values
}

func formError(text string) url.Values {
	return url.Values{"error": {"1"}, "text": {text}}
}
