package main

import (
	"time"
)

// domainRecord is one managed zone and its ownership metadata. zone_data holds
// the last zone text accepted from the owning upstream, so healing and peer
// sync can re-materialize the zone without asking the upstream again.
type domainRecord struct {
	ZoneName               string    `gorm:"primaryKey;size:255;column:zone_name" json:"zone_name"`
	UpstreamServerHostname string    `gorm:"size:255" json:"upstream_server_hostname"`
	UpstreamUsername       string    `gorm:"size:255" json:"upstream_username"`
	ManagedBy              string    `gorm:"size:64" json:"managed_by"`
	ZoneData               string    `gorm:"type:text" json:"zone_data"`
	ZoneUpdatedAt          time.Time `json:"zone_updated_at"`
}

func (domainRecord) TableName() string {
	return "domains"
}

type deadLetter struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Kind         string    `gorm:"size:16" json:"kind"`
	ZoneName     string    `gorm:"size:255" json:"zone_name"`
	Payload      string    `gorm:"type:text" json:"-"`
	Backends     string    `gorm:"size:512" json:"backends"`
	Cause        string    `gorm:"type:text" json:"cause"`
	Attempts     int       `json:"attempts"`
	FirstFailure time.Time `json:"first_failure"`
	LastFailure  time.Time `json:"last_failure"`
}

func (deadLetter) TableName() string {
	return "dead_letters"
}

// saveItem is one queued zone write. TargetBackends narrows the fan-out
// (retry and healing); empty means all enabled backends. ZoneUpdatedAt
// carries the timestamp of the data's origin (a peer's copy, a stored row
// being healed); zero means the write is new and is stamped at dispatch.
type saveItem struct {
	Domain         string    `json:"domain"`
	ZoneFile       string    `json:"zone_file"`
	Hostname       string    `json:"hostname"`
	Username       string    `json:"username"`
	TargetBackends []string  `json:"target_backends,omitempty"`
	Source         string    `json:"source,omitempty"`
	ZoneUpdatedAt  time.Time `json:"zone_updated_at,omitzero"`
}

type deleteItem struct {
	Domain         string   `json:"domain"`
	Hostname       string   `json:"hostname"`
	TargetBackends []string `json:"target_backends,omitempty"`
	Source         string   `json:"source,omitempty"`
}

type retryItem struct {
	Kind         string      `json:"kind"` // "save" or "delete"
	Save         *saveItem   `json:"save,omitempty"`
	Delete       *deleteItem `json:"delete,omitempty"`
	Backends     []string    `json:"backends"`
	Attempt      int         `json:"attempt"`
	NotBefore    time.Time   `json:"not_before"`
	FirstFailure time.Time   `json:"first_failure"`
	Cause        string      `json:"cause,omitempty"`
}

// peerZone is the wire shape served by /internal/zones and consumed by the
// peer sync worker.
type peerZone struct {
	Domain        string    `json:"domain"`
	ZoneData      string    `json:"zone_data"`
	Hostname      string    `json:"hostname"`
	Username      string    `json:"username"`
	ZoneUpdatedAt time.Time `json:"zone_updated_at"`
}

type peerStatus struct {
	URL                 string    `json:"url"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSeen            time.Time `json:"last_seen,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

type reconcilerRun struct {
	Status               string    `json:"status"`
	StartedAt            time.Time `json:"started_at,omitzero"`
	CompletedAt          time.Time `json:"completed_at,omitzero"`
	DurationSeconds      float64   `json:"duration_seconds"`
	UpstreamsPolled      int       `json:"upstreams_polled"`
	UpstreamsUnreachable int       `json:"upstreams_unreachable"`
	ZonesUpstream        int       `json:"zones_upstream"`
	ZonesLocal           int       `json:"zones_local"`
	OrphansFound         int       `json:"orphans_found"`
	OrphansQueued        int       `json:"orphans_queued"`
	HostnamesBackfilled  int       `json:"hostnames_backfilled"`
	HostnamesMigrated    int       `json:"hostnames_migrated"`
	ZonesHealed          int       `json:"zones_healed"`
	DryRun               bool      `json:"dry_run"`
}

type queueStatus struct {
	Save        int `json:"save"`
	Delete      int `json:"delete"`
	Retry       int `json:"retry"`
	DeadLetters int `json:"dead_letters"`
}

type workerStatus struct {
	SaveWorker   bool `json:"save_worker"`
	DeleteWorker bool `json:"delete_worker"`
	RetryDrain   bool `json:"retry_drain"`
}

type peerSyncStatus struct {
	Enabled bool         `json:"enabled"`
	Peers   []peerStatus `json:"peers,omitempty"`
}

type statusDoc struct {
	Status     string         `json:"status"`
	Hostname   string         `json:"hostname"`
	Queues     queueStatus    `json:"queues"`
	Workers    workerStatus   `json:"workers"`
	Reconciler *reconcilerRun `json:"reconciler,omitempty"`
	PeerSync   peerSyncStatus `json:"peer_sync"`
	Zones      zoneCount      `json:"zones"`
}

type zoneCount struct {
	Total int64 `json:"total"`
}
