package asaman

import (
	"encoding/json"
	"regexp"
	"time"
)

// SteamAppID is the Steam application id of the ASA dedicated server.
const SteamAppID = "2430930"

// ServerExecutable is the only executable the control plane ever launches.
// Older deployments referenced ShooterGameServer.exe; any startup script
// found mentioning it is regenerated before use.
const ServerExecutable = "ArkAscendedServer.exe"

// NamePattern constrains cluster and server names.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ModID is an opaque Steam workshop mod identifier (decimal digits).
type ModID string

var modIDPattern = regexp.MustCompile(`^[0-9]+$`)

// Valid reports whether the mod id is a non-empty string of decimal digits.
func (m ModID) Valid() bool {
	return modIDPattern.MatchString(string(m))
}

// Settings is a sectioned INI model: section -> key -> value.
// Values are strings, numbers, or bools as they arrived in JSON.
type Settings map[string]map[string]any

// GlobalSettings holds cluster-wide INI defaults.
type GlobalSettings struct {
	GameUserSettings Settings `json:"gameUserSettings,omitempty"`
	GameIni          Settings `json:"gameIni,omitempty"`
}

// ClusterSettings is passed through to the server command line so members
// share a ClusterId and allow character transfer.
type ClusterSettings struct {
	ClusterID          string `json:"clusterId"`
	ClusterName        string `json:"clusterName,omitempty"`
	ClusterPassword    string `json:"clusterPassword,omitempty"`
	ClusterOwner       string `json:"clusterOwner,omitempty"`
	ClusterDescription string `json:"clusterDescription,omitempty"`
}

// PortConfiguration drives sequential port allocation for a cluster.
type PortConfiguration struct {
	BasePort           int `json:"basePort"`
	PortIncrement      int `json:"portIncrement"`
	QueryPortBase      int `json:"queryPortBase"`
	QueryPortIncrement int `json:"queryPortIncrement"`
	RCONPortBase       int `json:"rconPortBase"`
	RCONPortIncrement  int `json:"rconPortIncrement"`
}

// ServerModPolicy holds per-server mod overrides within a cluster.
type ServerModPolicy struct {
	AdditionalMods    []ModID `json:"additionalMods,omitempty"`
	ExcludeSharedMods bool    `json:"excludeSharedMods,omitempty"`
}

// ModManagement describes how cluster mods are distributed to members.
type ModManagement struct {
	SharedMods      []ModID                    `json:"sharedMods,omitempty"`
	ServerMods      map[string]ServerModPolicy `json:"serverMods,omitempty"`
	ExcludedServers []string                   `json:"excludedServers,omitempty"`
}

// Cluster is a named group of servers sharing a ClusterId.
type Cluster struct {
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	GlobalSettings    GlobalSettings    `json:"globalSettings,omitempty"`
	ClusterSettings   ClusterSettings   `json:"clusterSettings"`
	PortConfiguration PortConfiguration `json:"portConfiguration"`
	Servers           []*Server         `json:"servers"`
	ModManagement     ModManagement     `json:"modManagement"`
}

// FindServer returns the member with the given name, or nil.
func (c *Cluster) FindServer(name string) *Server {
	for _, s := range c.Servers {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Server is one ASA dedicated server. ClusterName is empty for
// "individual servers" that do not belong to a cluster.
type Server struct {
	Name             string   `json:"name"`
	ClusterName      string   `json:"clusterName,omitempty"`
	Map              string   `json:"map"`
	Port             int      `json:"port"`
	QueryPort        int      `json:"queryPort"`
	RCONPort         int      `json:"rconPort"`
	MaxPlayers       int      `json:"maxPlayers"`
	AdminPassword    string   `json:"adminPassword"`
	ServerPassword   string   `json:"serverPassword,omitempty"`
	RCONPassword     string   `json:"rconPassword"`
	DisableBattlEye  bool     `json:"disableBattleEye"`
	GameUserSettings Settings `json:"gameUserSettings,omitempty"`
	GameIni          Settings `json:"gameIni,omitempty"`

	// Runtime fields maintained by the supervisor, not persisted as config.
	Status      string     `json:"status,omitempty"`
	PID         *int       `json:"pid,omitempty"`
	LastStarted *time.Time `json:"lastStarted,omitempty"`
}

// Individual reports whether the server belongs to no cluster.
func (s *Server) Individual() bool {
	return s.ClusterName == ""
}

// SharedMod is a globally shared mod row.
type SharedMod struct {
	ModID   ModID  `json:"modId"`
	ModName string `json:"modName,omitempty"`
	Enabled bool   `json:"enabled"`
}

// ServerMod is a per-server mod row.
type ServerMod struct {
	ServerName        string `json:"serverName"`
	ModID             ModID  `json:"modId"`
	ModName           string `json:"modName,omitempty"`
	Enabled           bool   `json:"enabled"`
	ExcludeSharedMods bool   `json:"excludeSharedMods"`
}

// ServerSettings holds per-server flags outside the config document.
type ServerSettings struct {
	ServerName        string `json:"serverName"`
	ExcludeSharedMods bool   `json:"excludeSharedMods"`
}

// Job is one long-running operation tracked by the job engine.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      json.RawMessage `json:"data,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *JobError       `json:"error,omitempty"`
}

// JobError is the terminal error recorded on a failed job.
type JobError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// LockStatus describes the process-wide update lock.
type LockStatus struct {
	Locked     bool       `json:"locked"`
	Reason     string     `json:"reason,omitempty"`
	AcquiredAt *time.Time `json:"acquiredAt,omitempty"`
}

// Server status constants
const (
	ServerStatusStopped  = "stopped"
	ServerStatusStarting = "starting"
	ServerStatusRunning  = "running"
	ServerStatusStopping = "stopping"
	ServerStatusFailed   = "failed"
)

// Job type constants
const (
	JobTypeInstallSteamCmd    = "install-steamcmd"
	JobTypeInstallASABinaries = "install-asa-binaries"
	JobTypeCreateCluster      = "create-cluster"
	JobTypeUpdateServer       = "update-server"
	JobTypeUpdateAll          = "update-all"
	JobTypeDeleteCluster      = "delete-cluster"
	JobTypeCreateBackup       = "create-backup"
	JobTypeStartServer        = "start-server"
	JobTypeStopServer         = "stop-server"
	JobTypeRestartServer      = "restart-server"
)

// Job status constants
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Terminal reports whether the job reached an immutable terminal state.
func (j *Job) Terminal() bool {
	return JobStatusTerminal(j.Status)
}

// JobStatusTerminal reports whether a job status is terminal.
func JobStatusTerminal(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// DefaultMaps seeds the known ASA map set. The set is data, not code:
// requests may extend it with allowCustomMaps.
var DefaultMaps = []string{
	"TheIsland",
	"TheIsland_WP",
	"ScorchedEarth_WP",
	"TheCenter_WP",
	"Aberration_WP",
	"Extinction_WP",
	"Ragnarok",
	"Ragnarok_WP",
	"Svartalfheim_WP",
	"Astraeos_WP",
}

// KnownMap reports whether name is in the seeded map set.
func KnownMap(name string) bool {
	for _, m := range DefaultMaps {
		if m == name {
			return true
		}
	}
	return false
}
