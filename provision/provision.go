// Package provision turns cluster definitions into directories, binaries
// and start scripts. All operations run as jobs so the dashboard can watch
// progress and cancel between checkpoints.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/backup"
	"github.com/arkops/asaman/jobs"
	"github.com/arkops/asaman/layout"
	"github.com/arkops/asaman/lifecycle"
	"github.com/arkops/asaman/logging"
	"github.com/arkops/asaman/resolve"
	"github.com/arkops/asaman/steamcmd"
	"github.com/arkops/asaman/store"
)

// SteamInstaller is the slice of the SteamCMD driver the engine uses.
type SteamInstaller interface {
	EnsureInstalled(ctx context.Context, foreground bool) (string, error)
	InstallOrUpdateASA(ctx context.Context, targetDir string, foreground bool, report steamcmd.ProgressFunc) error
}

// ServerController is the slice of the supervisor the engine uses.
type ServerController interface {
	Stop(ctx context.Context, name string, graceful bool, graceSeconds int) error
	Status(name string) lifecycle.State
}

// Engine executes provisioning job types.
type Engine struct {
	store    *store.Store
	layout   *layout.Manager
	steam    SteamInstaller
	control  ServerController
	archiver *backup.Archiver
	lock     *jobs.UpdateLock
	logger   *slog.Logger
}

// NewEngine creates a provisioning engine. lock serializes every SteamCMD
// invocation across jobs; it is the same lock exclusive jobs hold.
func NewEngine(st *store.Store, lm *layout.Manager, steam SteamInstaller, control ServerController, archiver *backup.Archiver, lock *jobs.UpdateLock) *Engine {
	return &Engine{
		store:    st,
		layout:   lm,
		steam:    steam,
		control:  control,
		archiver: archiver,
		lock:     lock,
		logger:   logging.Get("provision"),
	}
}

// RegisterHandlers wires the provisioning job types into the job engine.
// Install and update jobs are exclusive: they hold the Update Lock so
// start scripts block while binaries are being replaced.
func (p *Engine) RegisterHandlers(e *jobs.Engine) {
	e.Register(asaman.JobTypeInstallSteamCmd, true, p.installSteamCmd)
	e.Register(asaman.JobTypeInstallASABinaries, true, p.installASABinaries)
	e.Register(asaman.JobTypeUpdateServer, true, p.updateServer)
	e.Register(asaman.JobTypeUpdateAll, true, p.updateAll)
	e.Register(asaman.JobTypeCreateCluster, false, p.createCluster)
	e.Register(asaman.JobTypeDeleteCluster, false, p.deleteCluster)
	e.Register(asaman.JobTypeCreateBackup, false, p.createBackup)
}

// CreateClusterRequest is the payload of a create-cluster job.
type CreateClusterRequest struct {
	Cluster         *asaman.Cluster `json:"cluster"`
	AllowCustomMaps bool            `json:"allowCustomMaps,omitempty"`
	Foreground      bool            `json:"foreground,omitempty"`
}

// DeleteClusterRequest is the payload of a delete-cluster job.
type DeleteClusterRequest struct {
	ClusterName  string `json:"clusterName"`
	GraceSeconds int    `json:"graceSeconds,omitempty"`
}

// UpdateServerRequest is the payload of an update-server job.
type UpdateServerRequest struct {
	ServerName string `json:"serverName"`
	Foreground bool   `json:"foreground,omitempty"`
}

// InstallRequest is the payload of the install job types.
type InstallRequest struct {
	Foreground bool `json:"foreground,omitempty"`
}

// BackupRequest is the payload of a create-backup job.
type BackupRequest struct {
	ServerName string `json:"serverName"`
}

// checkpointResult records how far a provisioning pipeline got. It is the
// job result for both outcomes so a failed job names the failed step.
type checkpointResult struct {
	Checkpoint string   `json:"checkpoint"`
	Cluster    string   `json:"cluster,omitempty"`
	Servers    []string `json:"servers,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	Leftovers  []string `json:"leftovers,omitempty"`
	Archive    string   `json:"archive,omitempty"`
}

func (r checkpointResult) marshal() json.RawMessage {
	data, _ := json.Marshal(r)
	return data
}

// createCluster runs the checkpoint pipeline: validate, ports, layout,
// documents, steamcmd, install, scripts, persist. Every filesystem write
// is overwrite safe, so a retry after a mid-pipeline failure resumes from
// scratch and converges.
func (p *Engine) createCluster(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
	var req CreateClusterRequest
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return nil, asaman.WrapErr(asaman.KindValidationFailed, err, "decode create-cluster payload")
	}
	cluster := req.Cluster
	if cluster == nil {
		return nil, asaman.E(asaman.KindValidationFailed, "create-cluster payload has no cluster")
	}
	if cluster.CreatedAt.IsZero() {
		cluster.CreatedAt = time.Now().UTC()
	}
	for _, srv := range cluster.Servers {
		srv.ClusterName = cluster.Name
	}

	res := checkpointResult{Checkpoint: "validate", Cluster: cluster.Name}
	fail := func(err error) (json.RawMessage, error) { return res.marshal(), err }

	report(2, "validating cluster definition")
	if err := resolve.ValidateCluster(cluster, req.AllowCustomMaps); err != nil {
		return fail(err)
	}

	res.Checkpoint = "ports"
	report(4, "allocating ports")
	if err := resolve.AllocatePorts(cluster); err != nil {
		return fail(err)
	}
	existing, err := p.store.ListServerConfigs()
	if err != nil {
		return fail(err)
	}
	combined := append([]*asaman.Server(nil), cluster.Servers...)
	for _, srv := range existing {
		// A retry of the same cluster collides only with other clusters.
		if srv.ClusterName == cluster.Name {
			continue
		}
		if cluster.FindServer(srv.Name) != nil {
			owner := "an individual server"
			if srv.ClusterName != "" {
				owner = "cluster " + srv.ClusterName
			}
			return fail(asaman.E(asaman.KindConflict, "server name %s is already taken by %s", srv.Name, owner))
		}
		combined = append(combined, srv)
	}
	if err := resolve.CheckPortUniqueness(combined); err != nil {
		return fail(err)
	}

	res.Checkpoint = "layout"
	report(6, "creating directory layout")
	if err := p.layout.EnsureClusterTree(cluster); err != nil {
		return fail(err)
	}

	res.Checkpoint = "documents"
	report(8, "writing cluster documents")
	if err := p.layout.WriteClusterFile(cluster); err != nil {
		return fail(err)
	}
	for _, srv := range cluster.Servers {
		if err := p.layout.WriteServerConfig(srv); err != nil {
			return fail(err)
		}
		if err := p.writeServerInis(cluster, srv); err != nil {
			return fail(err)
		}
	}

	res.Checkpoint = "steamcmd"
	n := len(cluster.Servers)
	// SteamCMD must never run in two jobs at once; the binary section
	// queues on the same lock exclusive install and update jobs hold.
	err = func() error {
		report(10, "waiting for update lock")
		grant, err := p.lock.Acquire(ctx, "create-cluster "+cluster.Name)
		if err != nil {
			return err
		}
		defer grant.Release()

		report(10, "ensuring SteamCMD")
		if _, err := p.steam.EnsureInstalled(ctx, req.Foreground); err != nil {
			return err
		}

		res.Checkpoint = "install"
		for i, srv := range cluster.Servers {
			if err := ctx.Err(); err != nil {
				return asaman.WrapErr(asaman.KindConflict, err, "cancelled before installing %s", srv.Name)
			}
			err := p.steam.InstallOrUpdateASA(ctx, p.layout.BinariesDir(cluster.Name, srv.Name), req.Foreground, func(inner int, msg string) {
				overall := 10 + (i*100+inner)*80/(n*100)
				report(overall, fmt.Sprintf("installing %s (%d/%d): %s", srv.Name, i+1, n, msg))
			})
			if err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return fail(err)
	}

	res.Checkpoint = "scripts"
	report(92, "generating start scripts")
	sharedMods, err := p.store.ListSharedMods()
	if err != nil {
		return fail(err)
	}
	for _, srv := range cluster.Servers {
		mods := resolve.Mods(cluster, srv.Name, sharedMods, nil, nil)
		if _, err := p.layout.WriteStartScript(layout.ScriptInput{
			Server:  srv,
			Cluster: &cluster.ClusterSettings,
			Mods:    mods,
		}); err != nil {
			return fail(err)
		}
	}

	res.Checkpoint = "persist"
	report(96, "persisting server configs")
	for _, srv := range cluster.Servers {
		srv.Status = asaman.ServerStatusStopped
		if err := p.store.UpsertServerConfig(srv); err != nil {
			return fail(err)
		}
		res.Servers = append(res.Servers, srv.Name)
	}

	res.Checkpoint = "done"
	report(100, "cluster provisioned")
	p.logger.Info("cluster provisioned", "cluster", cluster.Name, "servers", n)
	return res.marshal(), nil
}

// writeServerInis materializes the merged INI settings for one member.
func (p *Engine) writeServerInis(cluster *asaman.Cluster, srv *asaman.Server) error {
	gus := resolve.MergeSettings(cluster.GlobalSettings.GameUserSettings, srv.GameUserSettings)
	if len(gus) > 0 {
		if err := p.layout.WriteIni(cluster.Name, srv.Name, "GameUserSettings.ini", gus); err != nil {
			return err
		}
	}
	game := resolve.MergeSettings(cluster.GlobalSettings.GameIni, srv.GameIni)
	if len(game) > 0 {
		if err := p.layout.WriteIni(cluster.Name, srv.Name, "Game.ini", game); err != nil {
			return err
		}
	}
	return nil
}

// deleteCluster stops members, removes their store rows, then removes the
// cluster directory best-effort. Paths that survive removal are reported
// in the job result instead of failing the job.
func (p *Engine) deleteCluster(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
	var req DeleteClusterRequest
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return nil, asaman.WrapErr(asaman.KindValidationFailed, err, "decode delete-cluster payload")
	}
	if req.GraceSeconds <= 0 {
		req.GraceSeconds = 30
	}

	res := checkpointResult{Checkpoint: "members", Cluster: req.ClusterName}
	fail := func(err error) (json.RawMessage, error) { return res.marshal(), err }

	members, err := p.clusterMembers(req.ClusterName)
	if err != nil {
		return fail(err)
	}

	res.Checkpoint = "stop"
	for i, name := range members {
		report(5+i*45/max(len(members), 1), "stopping "+name)
		if err := p.control.Stop(ctx, name, true, req.GraceSeconds); err != nil {
			return fail(err)
		}
	}

	res.Checkpoint = "store"
	report(60, "removing server configs")
	for _, name := range members {
		if err := p.store.DeleteServerConfig(name); err != nil && !asaman.IsKind(err, asaman.KindNotFound) {
			return fail(err)
		}
	}

	res.Checkpoint = "filesystem"
	report(80, "removing cluster directory")
	res.Leftovers = p.layout.RemoveClusterTree(req.ClusterName)
	if len(res.Leftovers) > 0 {
		p.logger.Warn("cluster directory not fully removed", "cluster", req.ClusterName, "leftovers", len(res.Leftovers))
	}

	res.Checkpoint = "done"
	res.Servers = members
	report(100, "cluster deleted")
	p.logger.Info("cluster deleted", "cluster", req.ClusterName, "servers", len(members))
	return res.marshal(), nil
}

// clusterMembers unions the cluster file and store rows, so deletion works
// even when one side is already gone.
func (p *Engine) clusterMembers(clusterName string) ([]string, error) {
	seen := map[string]bool{}
	var members []string

	cluster, err := p.layout.ReadClusterFile(clusterName)
	switch {
	case err == nil:
		for _, srv := range cluster.Servers {
			if !seen[srv.Name] {
				seen[srv.Name] = true
				members = append(members, srv.Name)
			}
		}
	case asaman.IsKind(err, asaman.KindNotFound):
	default:
		return nil, err
	}

	stored, err := p.store.ListServerConfigs()
	if err != nil {
		return nil, err
	}
	for _, srv := range stored {
		if srv.ClusterName == clusterName && !seen[srv.Name] {
			seen[srv.Name] = true
			members = append(members, srv.Name)
		}
	}

	if len(members) == 0 {
		return nil, asaman.E(asaman.KindNotFound, "cluster %s not found", clusterName)
	}
	return members, nil
}

// updateServer re-runs app_update for one server's binaries.
func (p *Engine) updateServer(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
	var req UpdateServerRequest
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return nil, asaman.WrapErr(asaman.KindValidationFailed, err, "decode update-server payload")
	}
	srv, err := p.findServer(req.ServerName)
	if err != nil {
		return nil, err
	}
	if st := p.control.Status(srv.Name); st.Status == asaman.ServerStatusRunning || st.Status == asaman.ServerStatusStarting {
		return nil, asaman.E(asaman.KindPreconditionFailed, "server %s is %s; stop it before updating", srv.Name, st.Status)
	}

	report(2, "ensuring SteamCMD")
	if _, err := p.steam.EnsureInstalled(ctx, req.Foreground); err != nil {
		return nil, err
	}
	err = p.steam.InstallOrUpdateASA(ctx, p.layout.BinariesDir(srv.ClusterName, srv.Name), req.Foreground, func(inner int, msg string) {
		report(5+inner*95/100, msg)
	})
	if err != nil {
		return nil, err
	}
	report(100, "update complete")
	return checkpointResult{Checkpoint: "done", Servers: []string{srv.Name}}.marshal(), nil
}

// updateAll re-runs app_update for every known stopped server in turn.
// Running servers are skipped and reported in the result.
func (p *Engine) updateAll(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
	var req InstallRequest
	if len(job.Data) > 0 {
		if err := json.Unmarshal(job.Data, &req); err != nil {
			return nil, asaman.WrapErr(asaman.KindValidationFailed, err, "decode update-all payload")
		}
	}
	servers, err := p.listAllServers()
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		report(100, "no servers to update")
		return checkpointResult{Checkpoint: "done"}.marshal(), nil
	}

	report(2, "ensuring SteamCMD")
	if _, err := p.steam.EnsureInstalled(ctx, req.Foreground); err != nil {
		return nil, err
	}

	res := checkpointResult{Checkpoint: "install"}
	n := len(servers)
	for i, srv := range servers {
		if err := ctx.Err(); err != nil {
			return res.marshal(), asaman.WrapErr(asaman.KindConflict, err, "cancelled before updating %s", srv.Name)
		}
		if st := p.control.Status(srv.Name); st.Status == asaman.ServerStatusRunning || st.Status == asaman.ServerStatusStarting {
			p.logger.Warn("skipping running server during update-all", "server", srv.Name)
			res.Skipped = append(res.Skipped, srv.Name)
			continue
		}
		err := p.steam.InstallOrUpdateASA(ctx, p.layout.BinariesDir(srv.ClusterName, srv.Name), req.Foreground, func(inner int, msg string) {
			overall := 5 + (i*100+inner)*95/(n*100)
			report(overall, fmt.Sprintf("updating %s (%d/%d): %s", srv.Name, i+1, n, msg))
		})
		if err != nil {
			return res.marshal(), err
		}
		res.Servers = append(res.Servers, srv.Name)
	}

	res.Checkpoint = "done"
	report(100, "update complete")
	return res.marshal(), nil
}

func (p *Engine) installSteamCmd(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
	var req InstallRequest
	if len(job.Data) > 0 {
		if err := json.Unmarshal(job.Data, &req); err != nil {
			return nil, asaman.WrapErr(asaman.KindValidationFailed, err, "decode install-steamcmd payload")
		}
	}
	report(10, "installing SteamCMD")
	path, err := p.steam.EnsureInstalled(ctx, req.Foreground)
	if err != nil {
		return nil, err
	}
	report(100, "SteamCMD ready")
	return json.RawMessage(fmt.Sprintf(`{"path":%q}`, path)), nil
}

// installASABinaries installs or updates the shared binary tree used by
// servers that launch from shared-binaries.
func (p *Engine) installASABinaries(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
	var req InstallRequest
	if len(job.Data) > 0 {
		if err := json.Unmarshal(job.Data, &req); err != nil {
			return nil, asaman.WrapErr(asaman.KindValidationFailed, err, "decode install-asa-binaries payload")
		}
	}
	report(2, "ensuring SteamCMD")
	if _, err := p.steam.EnsureInstalled(ctx, req.Foreground); err != nil {
		return nil, err
	}
	err := p.steam.InstallOrUpdateASA(ctx, p.layout.SharedBinariesDir(), req.Foreground, func(inner int, msg string) {
		report(5+inner*95/100, msg)
	})
	if err != nil {
		return nil, err
	}
	report(100, "binaries installed")
	return checkpointResult{Checkpoint: "done"}.marshal(), nil
}

func (p *Engine) createBackup(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
	var req BackupRequest
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return nil, asaman.WrapErr(asaman.KindValidationFailed, err, "decode create-backup payload")
	}
	srv, err := p.findServer(req.ServerName)
	if err != nil {
		return nil, err
	}
	report(10, "archiving saves")
	path, err := p.archiver.Create(srv.Name, p.layout.SavesDir(srv.ClusterName, srv.Name))
	if err != nil {
		return nil, err
	}
	report(100, "backup complete")
	return checkpointResult{Checkpoint: "done", Archive: path}.marshal(), nil
}

// findServer resolves a name through the store first, then on-disk
// cluster and individual-server documents.
func (p *Engine) findServer(name string) (*asaman.Server, error) {
	srv, err := p.store.GetServerConfig(name)
	if err == nil {
		return srv, nil
	}
	if !asaman.IsKind(err, asaman.KindNotFound) {
		return nil, err
	}

	clusters, err := p.layout.DiscoverClusters()
	if err != nil {
		return nil, err
	}
	for _, cluster := range clusters {
		if srv := cluster.FindServer(name); srv != nil {
			return srv, nil
		}
	}
	if srv, err := p.layout.ReadServerConfig("", name); err == nil {
		return srv, nil
	}
	return nil, asaman.E(asaman.KindNotFound, "server %s not found", name)
}

// listAllServers unions store rows with disk-only discoveries, store wins.
func (p *Engine) listAllServers() ([]*asaman.Server, error) {
	stored, err := p.store.ListServerConfigs()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, srv := range stored {
		seen[srv.Name] = true
	}
	out := stored

	clusters, err := p.layout.DiscoverClusters()
	if err != nil {
		return nil, err
	}
	for _, cluster := range clusters {
		for _, srv := range cluster.Servers {
			if !seen[srv.Name] {
				seen[srv.Name] = true
				out = append(out, srv)
			}
		}
	}
	return out, nil
}
