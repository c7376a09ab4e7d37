package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "DNSBRIDGE_"

type logConfig struct {
	Level string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	JSON  bool   `koanf:"json"`
}

type appConfig struct {
	ListenAddr     string `koanf:"listen_addr" validate:"required"`
	AuthUsername   string `koanf:"auth_username" validate:"required"`
	AuthPassword   string `koanf:"auth_password" validate:"required"`
	ServerHostname string `koanf:"server_hostname" validate:"required"`

	// DirectAdmin 1.59+ subdomain-ownership cluster check (exists=3 responses).
	CheckSubdomainOwnerInClusterDomainowners int `koanf:"check_subdomain_owner_in_cluster_domainowners"`

	// Self-registration with the configured upstreams at startup.
	RegisterSelf bool   `koanf:"register_self"`
	SelfIP       string `koanf:"self_ip"`
	SelfPort     int    `koanf:"self_port"`
	SelfSSL      bool   `koanf:"self_ssl"`
}

type datastoreConfig struct {
	Type string `koanf:"type" validate:"oneof=sqlite mysql"`
	Path string `koanf:"path"`
	DSN  string `koanf:"dsn"`
}

type queueConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type backendConfig struct {
	Type    string `koanf:"type" validate:"oneof=bind nsd powerdns_mysql"`
	Enabled bool   `koanf:"enabled"`

	// bind / nsd
	ZonesDir      string `koanf:"zones_dir"`
	ConfFile      string `koanf:"conf_file"`
	ReloadCommand string `koanf:"reload_command"`

	// powerdns_mysql
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

type upstreamConfig struct {
	Hostname string `koanf:"hostname" validate:"required"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	SSL      bool   `koanf:"ssl"`
}

type reconciliationConfig struct {
	Enabled             bool             `koanf:"enabled"`
	DryRun              bool             `koanf:"dry_run"`
	IntervalMinutes     int              `koanf:"interval_minutes"`
	InitialDelayMinutes int              `koanf:"initial_delay_minutes"`
	IPP                 int              `koanf:"ipp"`
	VerifySSL           bool             `koanf:"verify_ssl"`
	Upstreams           []upstreamConfig `koanf:"upstreams"`
}

type peerSyncConfig struct {
	Enabled         bool     `koanf:"enabled"`
	IntervalMinutes int      `koanf:"interval_minutes"`
	AuthUsername    string   `koanf:"auth_username"`
	AuthPassword    string   `koanf:"auth_password"`
	SelfURL         string   `koanf:"self_url"`
	Peers           []string `koanf:"peers"`
}

type appSettings struct {
	Log            logConfig                `koanf:"log"`
	App            appConfig                `koanf:"app"`
	Datastore      datastoreConfig          `koanf:"datastore"`
	Queue          queueConfig              `koanf:"queue"`
	Backends       map[string]backendConfig `koanf:"backends"`
	Reconciliation reconciliationConfig     `koanf:"reconciliation"`
	PeerSync       peerSyncConfig           `koanf:"peer_sync"`
}

func configDefaults() map[string]any {
	return map[string]any{
		"log.level":                            "info",
		"log.json":                             false,
		"app.listen_addr":                      ":2222",
		"app.server_hostname":                  hostnameOrDefault(),
		"app.self_port":                        2222,
		"datastore.type":                       "sqlite",
		"datastore.path":                       "dns-bridge.db",
		"queue.path":                           "queues",
		"reconciliation.interval_minutes":      60,
		"reconciliation.initial_delay_minutes": 5,
		"reconciliation.ipp":                   1000,
		"reconciliation.verify_ssl":            true,
		"peer_sync.interval_minutes":           15,
	}
}

// loadSettings resolves configuration from, in order of increasing
// precedence: built-in defaults, an optional YAML file, and DNSBRIDGE_
// environment variables where __ separates nested keys
// (DNSBRIDGE_APP__LISTEN_ADDR -> app.listen_addr).
func loadSettings(configFile string) (appSettings, error) {
	var settings appSettings

	_ = godotenv.Load()

	k := koanf.New(".")
	for key, val := range configDefaults() {
		if err := k.Set(key, val); err != nil {
			return settings, fmt.Errorf("config defaults: %w", err)
		}
	}

	if configFile == "" {
		configFile = os.Getenv(envPrefix + "CONFIG")
	}
	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return settings, fmt.Errorf("config file %s: %w", configFile, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return settings, fmt.Errorf("config env: %w", err)
	}

	if err := k.Unmarshal("", &settings); err != nil {
		return settings, fmt.Errorf("config unmarshal: %w", err)
	}

	applyNumberedPeers(&settings.PeerSync)

	if err := validator.New().Struct(settings); err != nil {
		return settings, fmt.Errorf("config validate: %w", err)
	}
	if settings.Datastore.Type == "mysql" && settings.Datastore.DSN == "" {
		return settings, fmt.Errorf("config validate: datastore.dsn required for mysql")
	}
	return settings, nil
}

// applyNumberedPeers folds DNSBRIDGE_PEER_SYNC__PEER_N__URL variables into
// the peer list, the scheme some provisioning systems use instead of YAML
// arrays.
func applyNumberedPeers(cfg *peerSyncConfig) {
	for n := 1; ; n++ {
		url := os.Getenv(fmt.Sprintf("%sPEER_SYNC__PEER_%d__URL", envPrefix, n))
		if url == "" {
			return
		}
		url = strings.TrimRight(strings.TrimSpace(url), "/")
		if url != "" && !containsString(cfg.Peers, url) {
			cfg.Peers = append(cfg.Peers, url)
		}
	}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}
