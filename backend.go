package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// dnsBackend is the driver contract every authoritative backend implements.
// WriteZone and DeleteZone are idempotent; CountRecords and Reconcile back
// the post-write verification step.
type dnsBackend interface {
	Name() string
	WriteZone(ctx context.Context, zoneName, zoneData string) error
	DeleteZone(ctx context.Context, zoneName string) error
	ZoneExists(ctx context.Context, zoneName string) (bool, error)
	CountRecords(ctx context.Context, zoneName string) (int, error)
	// Reconcile removes records the backend holds that are absent from
	// zoneData. Returns the number of records removed.
	Reconcile(ctx context.Context, zoneName, zoneData string) (int, error)
}

type backendRegistry struct {
	backends []dnsBackend
}

func newBackendRegistry(cfgs map[string]backendConfig, logger zerolog.Logger) (*backendRegistry, error) {
	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := &backendRegistry{}
	for _, name := range names {
		cfg := cfgs[name]
		if !cfg.Enabled {
			logger.Info().Str("backend", name).Msg("backend disabled, skipping")
			continue
		}
		var (
			backend dnsBackend
			err     error
		)
		switch cfg.Type {
		case "bind", "nsd":
			backend, err = newFileBackend(name, cfg)
		case "powerdns_mysql":
			backend, err = newMySQLBackend(name, cfg)
		default:
			err = fmt.Errorf("unknown backend type %q", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		logger.Info().Str("backend", name).Str("type", cfg.Type).Msg("backend registered")
		reg.backends = append(reg.backends, backend)
	}
	return reg, nil
}

func (r *backendRegistry) All() []dnsBackend {
	return r.backends
}

// Select returns the backends matching names, preserving registry order.
// An empty name list selects every enabled backend.
func (r *backendRegistry) Select(names []string) []dnsBackend {
	if len(names) == 0 {
		return r.backends
	}
	var out []dnsBackend
	for _, backend := range r.backends {
		if containsString(names, backend.Name()) {
			out = append(out, backend)
		}
	}
	return out
}

func (r *backendRegistry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for _, backend := range r.backends {
		names = append(names, backend.Name())
	}
	return names
}
