package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const reloadTimeout = 30 * time.Second

// fileBackend writes RFC 1035 zone files for bind or nsd. Zone registration
// lives in a dedicated include file rebuilt from the zones directory, so the
// daemon's main configuration is never touched. Reloads go through the
// flavor's control binary; nsd supports per-zone reloads, bind reloads the
// whole server.
type fileBackend struct {
	name      string
	flavor    string
	zonesDir  string
	confFile  string
	reloadCmd string

	confMu    sync.Mutex
	zoneLocks sync.Map
}

func newFileBackend(name string, cfg backendConfig) (*fileBackend, error) {
	if cfg.ZonesDir == "" {
		return nil, fmt.Errorf("zones_dir is required")
	}
	if cfg.ConfFile == "" {
		return nil, fmt.Errorf("conf_file is required")
	}
	if err := os.MkdirAll(cfg.ZonesDir, 0o755); err != nil {
		return nil, fmt.Errorf("zones dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ConfFile), 0o755); err != nil {
		return nil, fmt.Errorf("conf dir: %w", err)
	}
	reloadCmd := cfg.ReloadCommand
	if reloadCmd == "" {
		switch cfg.Type {
		case "bind":
			reloadCmd = "rndc"
		case "nsd":
			reloadCmd = "nsd-control"
		}
	}
	if reloadCmd == "none" {
		reloadCmd = ""
	}
	return &fileBackend{
		name:      name,
		flavor:    cfg.Type,
		zonesDir:  cfg.ZonesDir,
		confFile:  cfg.ConfFile,
		reloadCmd: reloadCmd,
	}, nil
}

func (b *fileBackend) Name() string {
	return b.name
}

func (b *fileBackend) zonePath(zoneName string) string {
	return filepath.Join(b.zonesDir, normalizeDomain(zoneName)+".db")
}

func (b *fileBackend) lockZone(zoneName string) *sync.Mutex {
	mu, _ := b.zoneLocks.LoadOrStore(normalizeDomain(zoneName), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (b *fileBackend) WriteZone(ctx context.Context, zoneName, zoneData string) error {
	mu := b.lockZone(zoneName)
	mu.Lock()
	defer mu.Unlock()

	if err := b.writeZoneFile(zoneName, zoneData); err != nil {
		return err
	}
	if err := b.rebuildConf(); err != nil {
		return err
	}
	return b.reload(ctx, zoneName)
}

// writeZoneFile writes via temp file and rename so the daemon never reads a
// half-written zone.
func (b *fileBackend) writeZoneFile(zoneName, zoneData string) error {
	target := b.zonePath(zoneName)
	tmp, err := os.CreateTemp(b.zonesDir, "."+normalizeDomain(zoneName)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%s: temp zone file: %w", b.name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(zoneData); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%s: write zone file: %w", b.name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%s: close zone file: %w", b.name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%s: chmod zone file: %w", b.name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%s: rename zone file: %w", b.name, err)
	}
	return nil
}

func (b *fileBackend) DeleteZone(ctx context.Context, zoneName string) error {
	mu := b.lockZone(zoneName)
	mu.Lock()
	defer mu.Unlock()

	err := os.Remove(b.zonePath(zoneName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%s: delete zone file: %w", b.name, err)
	}
	if err := b.rebuildConf(); err != nil {
		return err
	}
	// bind and nsd both drop the zone on a full reload.
	return b.reload(ctx, "")
}

func (b *fileBackend) ZoneExists(_ context.Context, zoneName string) (bool, error) {
	_, err := os.Stat(b.zonePath(zoneName))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: stat zone file: %w", b.name, err)
	}
	return true, nil
}

func (b *fileBackend) CountRecords(_ context.Context, zoneName string) (int, error) {
	data, err := os.ReadFile(b.zonePath(zoneName))
	if err != nil {
		return 0, fmt.Errorf("%s: read zone file: %w", b.name, err)
	}
	return countZoneRecords(string(data), zoneName)
}

// Reconcile rewrites the zone file from the reference text, dropping any
// records the file holds that the reference does not.
func (b *fileBackend) Reconcile(ctx context.Context, zoneName, zoneData string) (int, error) {
	mu := b.lockZone(zoneName)
	mu.Lock()
	defer mu.Unlock()

	wanted, err := parseZoneEntries(zoneData, zoneName)
	if err != nil {
		return 0, fmt.Errorf("%s: parse reference zone: %w", b.name, err)
	}
	wantedKeys := make(map[string]bool, len(wanted))
	for _, entry := range wanted {
		wantedKeys[entryKey(entry)] = true
	}

	removed := 0
	current, err := os.ReadFile(b.zonePath(zoneName))
	if err == nil {
		entries, perr := parseZoneEntries(string(current), zoneName)
		if perr == nil {
			for _, entry := range entries {
				if !wantedKeys[entryKey(entry)] {
					removed++
				}
			}
		}
	}

	if err := b.writeZoneFile(zoneName, zoneData); err != nil {
		return 0, err
	}
	return removed, b.reload(ctx, zoneName)
}

// rebuildConf rewrites the include file from the zone files on disk, the
// single source of truth for what this backend serves.
func (b *fileBackend) rebuildConf() error {
	b.confMu.Lock()
	defer b.confMu.Unlock()

	matches, err := filepath.Glob(filepath.Join(b.zonesDir, "*.db"))
	if err != nil {
		return fmt.Errorf("%s: list zone files: %w", b.name, err)
	}
	zones := make([]string, 0, len(matches))
	for _, match := range matches {
		zones = append(zones, strings.TrimSuffix(filepath.Base(match), ".db"))
	}
	sort.Strings(zones)

	var sb strings.Builder
	for _, zone := range zones {
		zoneFile := filepath.Join(b.zonesDir, zone+".db")
		switch b.flavor {
		case "nsd":
			fmt.Fprintf(&sb, "\nzone:\n    name: %q\n    zonefile: %q\n", zone, zoneFile)
		default:
			fmt.Fprintf(&sb, "zone %q { type master; file %q; };\n", zone, zoneFile)
		}
	}

	tmp := b.confFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("%s: write conf: %w", b.name, err)
	}
	if err := os.Rename(tmp, b.confFile); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%s: rename conf: %w", b.name, err)
	}
	return nil
}

func (b *fileBackend) reload(ctx context.Context, zoneName string) error {
	if b.reloadCmd == "" {
		return nil
	}
	args := []string{"reload"}
	// bind's rndc reload <zone> fails for zones added since the last
	// config load, so bind always reloads everything.
	if b.flavor == "nsd" && zoneName != "" {
		args = append(args, normalizeDomain(zoneName))
	}

	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, b.reloadCmd, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: reload: %w: %s", b.name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
