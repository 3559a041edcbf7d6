package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/layout"
	"github.com/arkops/asaman/lifecycle"
	"github.com/arkops/asaman/provision"
	"github.com/arkops/asaman/rcon"
	"github.com/arkops/asaman/resolve"
)

// serverSummary is the dashboard's server list row.
type serverSummary struct {
	Name            string `json:"name"`
	ClusterName     string `json:"clusterName,omitempty"`
	Map             string `json:"map"`
	Status          string `json:"status"`
	PID             *int   `json:"pid,omitempty"`
	Port            int    `json:"port"`
	QueryPort       int    `json:"queryPort"`
	RCONPort        int    `json:"rconPort"`
	DisableBattlEye bool   `json:"disableBattleEye"`
	ModCount        int    `json:"modCount"`
	UptimeSeconds   int64  `json:"uptimeSeconds,omitempty"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	views, err := s.sup.List()
	if err != nil {
		writeError(w, err)
		return
	}
	sharedMods, err := s.store.ListSharedMods()
	if err != nil {
		writeError(w, err)
		return
	}

	clusters := map[string]*asaman.Cluster{}
	out := make([]serverSummary, 0, len(views))
	for _, v := range views {
		srv := v.Server
		cluster := clusters[srv.ClusterName]
		if srv.ClusterName != "" && cluster == nil {
			cluster, _ = s.layout.ReadClusterFile(srv.ClusterName)
			clusters[srv.ClusterName] = cluster
		}
		serverMods, _ := s.store.ListServerMods(srv.Name)
		settings, _ := s.store.GetServerSettings(srv.Name)
		mods := resolve.Mods(cluster, srv.Name, sharedMods, serverMods, settings)

		out = append(out, serverSummary{
			Name:            srv.Name,
			ClusterName:     srv.ClusterName,
			Map:             srv.Map,
			Status:          v.State.Status,
			PID:             v.State.PID,
			Port:            srv.Port,
			QueryPort:       srv.QueryPort,
			RCONPort:        srv.RCONPort,
			DisableBattlEye: srv.DisableBattlEye,
			ModCount:        len(mods),
			UptimeSeconds:   v.State.UptimeSeconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// findServer resolves a name through the supervisor's unioned view.
func (s *Server) findServer(name string) (*asaman.Server, error) {
	views, err := s.sup.List()
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		if v.Server.Name == name {
			return v.Server, nil
		}
	}
	return nil, asaman.E(asaman.KindNotFound, "server %s not found", name)
}

func (s *Server) handleStartBat(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	srv, err := s.findServer(name)
	if err != nil {
		writeError(w, err)
		return
	}
	script, err := s.layout.ReadStartScript(srv.ClusterName, srv.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"script": script})
}

// lifecycleBody is the optional body of stop/restart.
type lifecycleBody struct {
	Graceful     *bool `json:"graceful"`
	GraceSeconds int   `json:"graceSeconds"`
}

func (s *Server) lifecycleRequest(r *http.Request, name string) lifecycle.LifecycleRequest {
	req := lifecycle.LifecycleRequest{
		ServerName:   name,
		Graceful:     true,
		GraceSeconds: int(s.stopGrace.Seconds()),
	}
	var body lifecycleBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := s.decodeBody(r, &body); err == nil {
			if body.Graceful != nil {
				req.Graceful = *body.Graceful
			}
			if body.GraceSeconds > 0 {
				req.GraceSeconds = body.GraceSeconds
			}
		}
	}
	return req
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.findServer(name); err != nil {
		writeError(w, err)
		return
	}
	s.submitJob(w, asaman.JobTypeStartServer, lifecycle.LifecycleRequest{ServerName: name})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.findServer(name); err != nil {
		writeError(w, err)
		return
	}
	s.submitJob(w, asaman.JobTypeStopServer, s.lifecycleRequest(r, name))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.findServer(name); err != nil {
		writeError(w, err)
		return
	}
	s.submitJob(w, asaman.JobTypeRestartServer, s.lifecycleRequest(r, name))
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.findServer(name); err != nil {
		writeError(w, err)
		return
	}
	s.submitJob(w, asaman.JobTypeCreateBackup, provision.BackupRequest{ServerName: name})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	infos, err := s.archiver.List(r.URL.Query().Get("server"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// --- Provisioning ---

// clusterInput is the dashboard's flat cluster creation shape.
type clusterInput struct {
	Name               string                 `json:"name" validate:"required"`
	Description        string                 `json:"description"`
	BasePort           int                    `json:"basePort" validate:"required,min=1,max=65535"`
	PortIncrement      int                    `json:"portIncrement"`
	QueryPortBase      int                    `json:"queryPortBase" validate:"required,min=1,max=65535"`
	QueryPortIncrement int                    `json:"queryPortIncrement"`
	RCONPortBase       int                    `json:"rconPortBase" validate:"required,min=1,max=65535"`
	RCONPortIncrement  int                    `json:"rconPortIncrement"`
	Servers            []serverInput          `json:"servers" validate:"required,min=1,dive"`
	ModManagement      asaman.ModManagement   `json:"modManagement"`
	ClusterSettings    asaman.ClusterSettings `json:"clusterSettings"`
	GlobalSettings     asaman.GlobalSettings  `json:"globalSettings"`
	AllowCustomMaps    bool                   `json:"allowCustomMaps"`
	Foreground         bool                   `json:"foreground"`
}

type serverInput struct {
	Name             string          `json:"name" validate:"required"`
	Map              string          `json:"map" validate:"required"`
	MaxPlayers       int             `json:"maxPlayers"`
	AdminPassword    string          `json:"adminPassword"`
	ServerPassword   string          `json:"serverPassword"`
	RCONPassword     string          `json:"rconPassword"`
	DisableBattlEye  bool            `json:"disableBattleEye"`
	Port             int             `json:"port"`
	QueryPort        int             `json:"queryPort"`
	RCONPort         int             `json:"rconPort"`
	GameUserSettings asaman.Settings `json:"gameUserSettings"`
	GameIni          asaman.Settings `json:"gameIni"`
}

func (in *clusterInput) toCluster() *asaman.Cluster {
	cluster := &asaman.Cluster{
		Name:            in.Name,
		Description:     in.Description,
		GlobalSettings:  in.GlobalSettings,
		ClusterSettings: in.ClusterSettings,
		ModManagement:   in.ModManagement,
		PortConfiguration: asaman.PortConfiguration{
			BasePort:           in.BasePort,
			PortIncrement:      in.PortIncrement,
			QueryPortBase:      in.QueryPortBase,
			QueryPortIncrement: in.QueryPortIncrement,
			RCONPortBase:       in.RCONPortBase,
			RCONPortIncrement:  in.RCONPortIncrement,
		},
	}
	for _, si := range in.Servers {
		cluster.Servers = append(cluster.Servers, &asaman.Server{
			Name:             si.Name,
			ClusterName:      in.Name,
			Map:              si.Map,
			MaxPlayers:       si.MaxPlayers,
			AdminPassword:    si.AdminPassword,
			ServerPassword:   si.ServerPassword,
			RCONPassword:     si.RCONPassword,
			DisableBattlEye:  si.DisableBattlEye,
			Port:             si.Port,
			QueryPort:        si.QueryPort,
			RCONPort:         si.RCONPort,
			GameUserSettings: si.GameUserSettings,
			GameIni:          si.GameIni,
		})
	}
	return cluster
}

// handleCreateCluster validates synchronously so malformed input is a 400,
// then provisions asynchronously.
func (s *Server) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	var in clusterInput
	if err := s.decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	cluster := in.toCluster()
	if err := resolve.ValidateCluster(cluster, in.AllowCustomMaps); err != nil {
		writeError(w, err)
		return
	}
	// Explicit per-server ports must already be unique; allocated ports
	// are verified inside the job.
	if explicit := explicitPorts(cluster); len(explicit) > 0 {
		if err := resolve.CheckPortUniqueness(explicit); err != nil {
			writeError(w, err)
			return
		}
	}
	existing, err := s.store.ListServerConfigs()
	if err != nil {
		writeError(w, err)
		return
	}
	for _, srv := range existing {
		if srv.ClusterName != cluster.Name && cluster.FindServer(srv.Name) != nil {
			writeError(w, asaman.E(asaman.KindConflict, "server name %s is already in use", srv.Name))
			return
		}
	}
	s.submitJob(w, asaman.JobTypeCreateCluster, provision.CreateClusterRequest{
		Cluster:         cluster,
		AllowCustomMaps: in.AllowCustomMaps,
		Foreground:      in.Foreground,
	})
}

func explicitPorts(cluster *asaman.Cluster) []*asaman.Server {
	var out []*asaman.Server
	for _, srv := range cluster.Servers {
		if srv.Port != 0 || srv.QueryPort != 0 || srv.RCONPort != 0 {
			out = append(out, srv)
		}
	}
	return out
}

func (s *Server) handleDeleteCluster(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "clusterName")
	if _, err := s.layout.ReadClusterFile(name); err != nil {
		writeError(w, err)
		return
	}
	s.submitJob(w, asaman.JobTypeDeleteCluster, provision.DeleteClusterRequest{ClusterName: name})
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.layout.DiscoverClusters()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

// clusterModsBody replaces a cluster's mod management block.
type clusterModsBody struct {
	SharedMods      []asaman.ModID                    `json:"sharedMods"`
	ServerMods      map[string]asaman.ServerModPolicy `json:"serverMods"`
	ExcludedServers []string                          `json:"excludedServers"`
}

func (s *Server) handlePutClusterMods(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "clusterName")
	var body clusterModsBody
	if err := s.decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	cluster, err := s.layout.ReadClusterFile(name)
	if err != nil {
		writeError(w, err)
		return
	}
	cluster.ModManagement = asaman.ModManagement{
		SharedMods:      body.SharedMods,
		ServerMods:      body.ServerMods,
		ExcludedServers: body.ExcludedServers,
	}
	if err := resolve.ValidateCluster(cluster, true); err != nil {
		writeError(w, err)
		return
	}
	if err := s.layout.WriteClusterFile(cluster); err != nil {
		writeError(w, err)
		return
	}
	if err := s.regenerateClusterScripts(cluster); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

// serverModsBody overrides one member's mods within a cluster.
type serverModsBody struct {
	AdditionalMods    []asaman.ModID `json:"additionalMods"`
	ExcludeSharedMods bool           `json:"excludeSharedMods"`
}

func (s *Server) handlePutServerMods(w http.ResponseWriter, r *http.Request) {
	clusterName := chi.URLParam(r, "clusterName")
	serverName := chi.URLParam(r, "serverName")
	var body serverModsBody
	if err := s.decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	cluster, err := s.layout.ReadClusterFile(clusterName)
	if err != nil {
		writeError(w, err)
		return
	}
	if cluster.FindServer(serverName) == nil {
		writeError(w, asaman.E(asaman.KindNotFound, "server %s not in cluster %s", serverName, clusterName))
		return
	}
	if cluster.ModManagement.ServerMods == nil {
		cluster.ModManagement.ServerMods = map[string]asaman.ServerModPolicy{}
	}
	cluster.ModManagement.ServerMods[serverName] = asaman.ServerModPolicy{
		AdditionalMods:    body.AdditionalMods,
		ExcludeSharedMods: body.ExcludeSharedMods,
	}
	if err := resolve.ValidateCluster(cluster, true); err != nil {
		writeError(w, err)
		return
	}
	if err := s.layout.WriteClusterFile(cluster); err != nil {
		writeError(w, err)
		return
	}
	if err := s.regenerateClusterScripts(cluster); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

// regenerateClusterScripts rewrites every member's start script after a
// mod change so the next start reflects the new resolution.
func (s *Server) regenerateClusterScripts(cluster *asaman.Cluster) error {
	sharedMods, err := s.store.ListSharedMods()
	if err != nil {
		return err
	}
	for _, srv := range cluster.Servers {
		serverMods, _ := s.store.ListServerMods(srv.Name)
		settings, _ := s.store.GetServerSettings(srv.Name)
		mods := resolve.Mods(cluster, srv.Name, sharedMods, serverMods, settings)
		if _, err := s.layout.WriteStartScript(layout.ScriptInput{
			Server:  srv,
			Cluster: &cluster.ClusterSettings,
			Mods:    mods,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleInstallSteamCmd(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, asaman.JobTypeInstallSteamCmd, s.installRequest(r))
}

func (s *Server) handleInstallBinaries(w http.ResponseWriter, r *http.Request) {
	s.submitJob(w, asaman.JobTypeInstallASABinaries, s.installRequest(r))
}

func (s *Server) installRequest(r *http.Request) provision.InstallRequest {
	var req provision.InstallRequest
	if r.Body != nil && r.ContentLength != 0 {
		_ = s.decodeBody(r, &req)
	}
	return req
}

// --- Shared mods ---

// sharedModBody uses a pointer so an explicit JSON null is distinguishable
// from a missing field; both are rejected.
type sharedModBody struct {
	ModID   *asaman.ModID `json:"modId"`
	ModName string        `json:"modName"`
	Enabled *bool         `json:"enabled"`
}

func (s *Server) handleUpsertSharedMod(w http.ResponseWriter, r *http.Request) {
	var body sharedModBody
	if err := s.decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ModID == nil {
		writeError(w, asaman.E(asaman.KindValidationFailed, "modId is required"))
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	if err := s.store.UpsertSharedMod(*body.ModID, body.ModName, enabled); err != nil {
		writeError(w, err)
		return
	}
	mods, err := s.store.ListSharedMods()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mods)
}

func (s *Server) handleListSharedMods(w http.ResponseWriter, r *http.Request) {
	mods, err := s.store.ListSharedMods()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mods)
}

func (s *Server) handleDeleteSharedMod(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSharedMod(asaman.ModID(chi.URLParam(r, "modId"))); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": chi.URLParam(r, "modId")})
}

// --- RCON ---

type rconBody struct {
	Command string `json:"command" validate:"required"`
}

// handleRcon executes one command synchronously; it is the only mutating
// endpoint that does not produce a job.
func (s *Server) handleRcon(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "server")
	var body rconBody
	if err := s.decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	srv, err := s.findServer(name)
	if err != nil {
		writeError(w, err)
		return
	}

	port := srv.RCONPort
	if port == 0 {
		port = s.rconPort
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	resp, err := s.rcon.Exec(ctx, rcon.Target{
		Server:   srv.Name,
		Host:     s.rconHost,
		Port:     port,
		Password: srv.RCONPassword,
	}, body.Command)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": resp})
}

// --- INI configs ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "server")
	file := r.URL.Query().Get("file")
	srv, err := s.findServer(name)
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := s.layout.IniFile(srv.ClusterName, srv.Name, file)
	if err != nil {
		writeError(w, err)
		return
	}
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		content = nil
	} else if err != nil {
		writeError(w, asaman.WrapErr(asaman.KindIOFailed, err, "read %s", file))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": file, "content": string(content)})
}

type putConfigBody struct {
	File    string `json:"file" validate:"required"`
	Content string `json:"content"`
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "server")
	var body putConfigBody
	if err := s.decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	srv, err := s.findServer(name)
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := s.layout.IniFile(srv.ClusterName, srv.Name, body.File)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := os.WriteFile(path, []byte(body.Content), 0644); err != nil {
		writeError(w, asaman.WrapErr(asaman.KindIOFailed, err, "write %s", body.File))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file": body.File})
}

// --- Update lock ---

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Lock().Status())
}

type lockBody struct {
	Reason string `json:"reason" validate:"required"`
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	if err := s.decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	grant, err := s.jobs.Lock().TryAcquire(body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	s.lockMu.Lock()
	s.manualGrant = grant
	s.lockMu.Unlock()
	writeJSON(w, http.StatusOK, s.jobs.Lock().Status())
}

// handleReleaseLock frees only a manually acquired lock. A lock held by an
// exclusive job is released by that job alone.
func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	s.lockMu.Lock()
	grant := s.manualGrant
	s.manualGrant = nil
	s.lockMu.Unlock()
	if grant == nil {
		writeError(w, asaman.E(asaman.KindConflict, "update lock is not held by a manual acquire"))
		return
	}
	grant.Release()
	writeJSON(w, http.StatusOK, s.jobs.Lock().Status())
}

// --- Jobs ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
