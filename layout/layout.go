// Package layout owns the on-disk tree under baseDir: directory creation,
// cluster and server config documents, INI files, and the generated
// startup script.
//
//	baseDir/
//	  steamcmd/
//	  shared-binaries/
//	  update.lock                 # advisory sentinel, written by the job engine
//	  clusters/<clusterName>/
//	    cluster.json
//	    <serverName>/{binaries, configs, saves, logs, start.bat, server-config.json}
//	  servers/<individualName>/   # same per-server tree, no cluster
//	  backups/
package layout

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/logging"
)

// Manager resolves paths and writes the per-server tree.
type Manager struct {
	baseDir string
	logger  *slog.Logger
}

// NewManager creates a Manager rooted at baseDir. The root is created if
// missing; failure to create it is fatal to the caller.
func NewManager(baseDir string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, asaman.WrapErr(asaman.KindIOFailed, err, "create base directory %s", baseDir)
	}
	return &Manager{baseDir: baseDir, logger: logging.Get("layout")}, nil
}

// BaseDir returns the layout root.
func (m *Manager) BaseDir() string { return m.baseDir }

// SteamCmdDir is where the SteamCMD tree lives.
func (m *Manager) SteamCmdDir() string { return filepath.Join(m.baseDir, "steamcmd") }

// SharedBinariesDir is the optional ASA install shared across servers.
func (m *Manager) SharedBinariesDir() string { return filepath.Join(m.baseDir, "shared-binaries") }

// BackupsDir holds generated save backups.
func (m *Manager) BackupsDir() string { return filepath.Join(m.baseDir, "backups") }

// LockSentinel is the advisory marker polled by generated start scripts
// while the Update Lock is held.
func (m *Manager) LockSentinel() string { return filepath.Join(m.baseDir, "update.lock") }

// ClustersDir returns the root of all cluster trees.
func (m *Manager) ClustersDir() string { return filepath.Join(m.baseDir, "clusters") }

// ClusterDir returns the root of one cluster's tree.
func (m *Manager) ClusterDir(clusterName string) string {
	return filepath.Join(m.baseDir, "clusters", clusterName)
}

// ClusterFile returns the path of a cluster's cluster.json.
func (m *Manager) ClusterFile(clusterName string) string {
	return filepath.Join(m.ClusterDir(clusterName), "cluster.json")
}

// ServerDir returns the per-server root. Individual servers live under
// servers/, cluster members under their cluster.
func (m *Manager) ServerDir(clusterName, serverName string) string {
	if clusterName == "" {
		return filepath.Join(m.baseDir, "servers", serverName)
	}
	return filepath.Join(m.ClusterDir(clusterName), serverName)
}

// BinariesDir returns the ASA install tree for one server.
func (m *Manager) BinariesDir(clusterName, serverName string) string {
	return filepath.Join(m.ServerDir(clusterName, serverName), "binaries")
}

// ConfigsDir returns the INI directory for one server.
func (m *Manager) ConfigsDir(clusterName, serverName string) string {
	return filepath.Join(m.ServerDir(clusterName, serverName), "configs")
}

// SavesDir returns the save-game directory for one server.
func (m *Manager) SavesDir(clusterName, serverName string) string {
	return filepath.Join(m.ServerDir(clusterName, serverName), "saves")
}

// LogsDir returns the log directory for one server.
func (m *Manager) LogsDir(clusterName, serverName string) string {
	return filepath.Join(m.ServerDir(clusterName, serverName), "logs")
}

// StartScript returns the path of the generated startup script.
func (m *Manager) StartScript(clusterName, serverName string) string {
	return filepath.Join(m.ServerDir(clusterName, serverName), "start.bat")
}

// ServerConfigFile returns the path of the per-server config document.
func (m *Manager) ServerConfigFile(clusterName, serverName string) string {
	return filepath.Join(m.ServerDir(clusterName, serverName), "server-config.json")
}

// IniFile returns the path of one INI file inside a server's configs dir.
// The file name must be one of the known INI names.
func (m *Manager) IniFile(clusterName, serverName, file string) (string, error) {
	switch file {
	case "GameUserSettings.ini", "Game.ini", "Engine.ini":
		return filepath.Join(m.ConfigsDir(clusterName, serverName), file), nil
	default:
		return "", asaman.E(asaman.KindValidationFailed, "unknown config file %q", file)
	}
}

// EnsureServerTree creates the full per-server directory layout. Existing
// directories are left alone; the call is overwrite-safe for retries.
func (m *Manager) EnsureServerTree(clusterName, serverName string) error {
	dirs := []string{
		m.BinariesDir(clusterName, serverName),
		m.ConfigsDir(clusterName, serverName),
		m.SavesDir(clusterName, serverName),
		m.LogsDir(clusterName, serverName),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return asaman.WrapErr(asaman.KindIOFailed, err, "create %s", dir)
		}
	}
	return nil
}

// EnsureClusterTree creates the cluster root and every member's tree.
func (m *Manager) EnsureClusterTree(cluster *asaman.Cluster) error {
	if err := os.MkdirAll(m.ClusterDir(cluster.Name), 0755); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "create cluster dir for %s", cluster.Name)
	}
	for _, srv := range cluster.Servers {
		if err := m.EnsureServerTree(cluster.Name, srv.Name); err != nil {
			return err
		}
	}
	return nil
}

// RemoveClusterTree deletes a cluster directory. Best effort: returns the
// paths that could not be removed instead of stopping at the first one.
func (m *Manager) RemoveClusterTree(clusterName string) []string {
	root := m.ClusterDir(clusterName)
	var failed []string
	err := os.RemoveAll(root)
	if err != nil {
		// Walk what is left so the caller can report specifics.
		_ = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
			if walkErr == nil && !info.IsDir() {
				if rmErr := os.Remove(path); rmErr != nil {
					failed = append(failed, path)
				}
			}
			return nil
		})
		if len(failed) == 0 {
			failed = append(failed, root)
		}
		m.logger.Warn("cluster directory not fully removed", "cluster", clusterName, "remaining", len(failed))
	}
	return failed
}
