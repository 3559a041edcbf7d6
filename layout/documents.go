package layout

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/arkops/asaman"
)

// WriteClusterFile writes cluster.json pretty-printed. Field order follows
// the Cluster struct, so identical inputs produce identical bytes.
func (m *Manager) WriteClusterFile(cluster *asaman.Cluster) error {
	if err := os.MkdirAll(m.ClusterDir(cluster.Name), 0755); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "create cluster dir for %s", cluster.Name)
	}
	data, err := json.MarshalIndent(cluster, "", "  ")
	if err != nil {
		return asaman.WrapErr(asaman.KindInternal, err, "marshal cluster %s", cluster.Name)
	}
	path := m.ClusterFile(cluster.Name)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "write %s", path)
	}
	return nil
}

// legacyCluster covers the historical cluster.json shape where shared mods
// lived in a top-level globalMods array.
type legacyCluster struct {
	GlobalMods []asaman.ModID `json:"globalMods"`
}

// ReadClusterFile loads cluster.json, upgrading legacy shapes in memory.
// The file on disk is not rewritten; the next write persists the new shape.
func (m *Manager) ReadClusterFile(clusterName string) (*asaman.Cluster, error) {
	path := m.ClusterFile(clusterName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, asaman.E(asaman.KindNotFound, "cluster %q has no cluster.json", clusterName)
		}
		return nil, asaman.WrapErr(asaman.KindIOFailed, err, "read %s", path)
	}

	var cluster asaman.Cluster
	if err := json.Unmarshal(data, &cluster); err != nil {
		return nil, asaman.WrapErr(asaman.KindIOFailed, err, "parse %s", path)
	}

	if len(cluster.ModManagement.SharedMods) == 0 {
		var legacy legacyCluster
		if err := json.Unmarshal(data, &legacy); err == nil && len(legacy.GlobalMods) > 0 {
			cluster.ModManagement.SharedMods = legacy.GlobalMods
			m.logger.Info("upgraded legacy globalMods shape", "cluster", clusterName, "mods", len(legacy.GlobalMods))
		}
	}

	if cluster.Name == "" {
		cluster.Name = clusterName
	}
	return &cluster, nil
}

// DiscoverClusters walks clusters/*/cluster.json and loads every cluster
// found on disk. Unreadable entries are skipped with a warning so one
// corrupt file cannot hide the rest.
func (m *Manager) DiscoverClusters() ([]*asaman.Cluster, error) {
	entries, err := os.ReadDir(m.ClustersDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, asaman.WrapErr(asaman.KindIOFailed, err, "read clusters dir")
	}

	var clusters []*asaman.Cluster
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cluster, err := m.ReadClusterFile(entry.Name())
		if err != nil {
			if asaman.IsKind(err, asaman.KindNotFound) {
				continue
			}
			m.logger.Warn("skipping unreadable cluster", "cluster", entry.Name(), "error", err)
			continue
		}
		clusters = append(clusters, cluster)
	}
	return clusters, nil
}

// WriteServerConfig writes server-config.json for one server.
func (m *Manager) WriteServerConfig(srv *asaman.Server) error {
	dir := m.ServerDir(srv.ClusterName, srv.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "create %s", dir)
	}
	data, err := json.MarshalIndent(srv, "", "  ")
	if err != nil {
		return asaman.WrapErr(asaman.KindInternal, err, "marshal server %s", srv.Name)
	}
	path := m.ServerConfigFile(srv.ClusterName, srv.Name)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "write %s", path)
	}
	return nil
}

// ReadServerConfig loads server-config.json from a known server directory.
func (m *Manager) ReadServerConfig(clusterName, serverName string) (*asaman.Server, error) {
	path := m.ServerConfigFile(clusterName, serverName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, asaman.E(asaman.KindNotFound, "server %q has no server-config.json", serverName)
		}
		return nil, asaman.WrapErr(asaman.KindIOFailed, err, "read %s", path)
	}
	var srv asaman.Server
	if err := json.Unmarshal(data, &srv); err != nil {
		return nil, asaman.WrapErr(asaman.KindIOFailed, err, "parse %s", path)
	}
	return &srv, nil
}

// ReadIni loads one of a server's INI files. A missing file is an empty
// document, not an error: ASA creates them lazily.
func (m *Manager) ReadIni(clusterName, serverName, file string) (asaman.Settings, error) {
	path, err := m.IniFile(clusterName, serverName, file)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return asaman.Settings{}, nil
		}
		return nil, asaman.WrapErr(asaman.KindIOFailed, err, "read %s", path)
	}
	return ParseIni(string(data)), nil
}

// WriteIni stringifies and writes one of a server's INI files.
func (m *Manager) WriteIni(clusterName, serverName, file string, settings asaman.Settings) error {
	path, err := m.IniFile(clusterName, serverName, file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "create %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, []byte(StringifyIni(settings)), 0644); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "write %s", path)
	}
	return nil
}
