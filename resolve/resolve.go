// Package resolve computes effective server configuration from cluster
// documents and store rows: mod lists, merged INI settings, and port
// assignments. Everything here is pure; failures are input validation.
package resolve

import (
	"strings"

	"github.com/arkops/asaman"
)

// Mods resolves the effective mod list for one server as an ordered set.
//
// Order of introduction:
//  1. cluster shared mods, unless the server is excluded or opts out
//  2. cluster per-server additional mods
//  3. global shared mods (enabled only), unless the server opts out
//  4. per-server store mods (enabled only)
//
// cluster may be nil for individual servers; only steps 3 and 4 apply.
func Mods(cluster *asaman.Cluster, serverName string, sharedMods []*asaman.SharedMod, serverMods []*asaman.ServerMod, settings *asaman.ServerSettings) []asaman.ModID {
	var out []asaman.ModID
	seen := make(map[asaman.ModID]bool)
	add := func(id asaman.ModID) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	excludeShared := settings != nil && settings.ExcludeSharedMods

	if cluster != nil {
		policy, hasPolicy := cluster.ModManagement.ServerMods[serverName]
		excluded := false
		for _, name := range cluster.ModManagement.ExcludedServers {
			if name == serverName {
				excluded = true
				break
			}
		}
		clusterOptOut := hasPolicy && policy.ExcludeSharedMods
		if !excluded && !clusterOptOut {
			for _, id := range cluster.ModManagement.SharedMods {
				add(id)
			}
		}
		if hasPolicy {
			for _, id := range policy.AdditionalMods {
				add(id)
			}
		}
	}

	if !excludeShared {
		for _, m := range sharedMods {
			if m.Enabled {
				add(m.ModID)
			}
		}
	}
	for _, m := range serverMods {
		if m.Enabled {
			add(m.ModID)
		}
	}

	return out
}

// MergeSettings merges cluster-wide INI defaults with per-server overrides.
// The merge is two-level: sections union, keys union, server value wins
// whole. Inputs are never mutated.
func MergeSettings(global, server asaman.Settings) asaman.Settings {
	merged := make(asaman.Settings, len(global)+len(server))
	for section, kv := range global {
		out := make(map[string]any, len(kv))
		for k, v := range kv {
			out[k] = v
		}
		merged[section] = out
	}
	for section, kv := range server {
		out, ok := merged[section]
		if !ok {
			out = make(map[string]any, len(kv))
			merged[section] = out
		}
		for k, v := range kv {
			out[k] = v
		}
	}
	return merged
}

// AllocatePorts assigns game, query, and RCON ports to every server in the
// cluster by position, then verifies the assignment is collision-free.
func AllocatePorts(cluster *asaman.Cluster) error {
	pc := cluster.PortConfiguration
	for i, srv := range cluster.Servers {
		srv.Port = pc.BasePort + i*pc.PortIncrement
		srv.QueryPort = pc.QueryPortBase + i*pc.QueryPortIncrement
		srv.RCONPort = pc.RCONPortBase + i*pc.RCONPortIncrement
	}
	return CheckPortUniqueness(cluster.Servers)
}

// CheckPortUniqueness verifies that the union of all game, query, and RCON
// ports across the given servers has no collisions.
func CheckPortUniqueness(servers []*asaman.Server) error {
	used := make(map[int]string, 3*len(servers))
	claim := func(port int, owner string) error {
		if port <= 0 || port > 65535 {
			return asaman.E(asaman.KindValidationFailed, "%s: port %d out of range", owner, port)
		}
		if prev, ok := used[port]; ok {
			return asaman.E(asaman.KindValidationFailed, "port %d assigned to both %s and %s", port, prev, owner)
		}
		used[port] = owner
		return nil
	}
	for _, srv := range servers {
		if err := claim(srv.Port, srv.Name); err != nil {
			return err
		}
		if err := claim(srv.QueryPort, srv.Name); err != nil {
			return err
		}
		if err := claim(srv.RCONPort, srv.Name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCluster checks a cluster input document before any filesystem or
// store write happens. knownMaps extends the built-in map set; pass nil to
// allow only the defaults.
func ValidateCluster(cluster *asaman.Cluster, allowCustomMaps bool) error {
	if cluster == nil {
		return asaman.E(asaman.KindValidationFailed, "cluster input is required")
	}
	if !asaman.NamePattern.MatchString(cluster.Name) {
		return asaman.E(asaman.KindValidationFailed, "cluster name %q: letters, digits, dot, dash, underscore only", cluster.Name)
	}
	if len(cluster.Servers) == 0 {
		return asaman.E(asaman.KindValidationFailed, "cluster %q has no servers", cluster.Name)
	}

	names := make(map[string]bool, len(cluster.Servers))
	for _, srv := range cluster.Servers {
		if !asaman.NamePattern.MatchString(srv.Name) {
			return asaman.E(asaman.KindValidationFailed, "server name %q: letters, digits, dot, dash, underscore only", srv.Name)
		}
		if names[srv.Name] {
			return asaman.E(asaman.KindValidationFailed, "duplicate server name %q", srv.Name)
		}
		names[srv.Name] = true
		if srv.Map == "" {
			return asaman.E(asaman.KindValidationFailed, "server %q has no map", srv.Name)
		}
		if !allowCustomMaps && !asaman.KnownMap(srv.Map) {
			return asaman.E(asaman.KindValidationFailed, "server %q: unknown map %q (set allowCustomMaps to use it)", srv.Name, srv.Map)
		}
		if err := checkNoSpaces(srv.Name, map[string]string{
			"serverPassword": srv.ServerPassword,
			"adminPassword":  srv.AdminPassword,
			"rconPassword":   srv.RCONPassword,
		}); err != nil {
			return err
		}
	}

	for _, id := range cluster.ModManagement.SharedMods {
		if !id.Valid() {
			return asaman.E(asaman.KindValidationFailed, "shared mod id %q is not numeric", id)
		}
	}
	for name, policy := range cluster.ModManagement.ServerMods {
		if !names[name] {
			return asaman.E(asaman.KindValidationFailed, "serverMods references unknown server %q", name)
		}
		for _, id := range policy.AdditionalMods {
			if !id.Valid() {
				return asaman.E(asaman.KindValidationFailed, "server %q: mod id %q is not numeric", name, id)
			}
		}
	}
	for _, name := range cluster.ModManagement.ExcludedServers {
		if !names[name] {
			return asaman.E(asaman.KindValidationFailed, "excludedServers references unknown server %q", name)
		}
	}

	cs := cluster.ClusterSettings
	return checkNoSpaces(cluster.Name, map[string]string{
		"clusterId":       cs.ClusterID,
		"clusterName":     cs.ClusterName,
		"clusterPassword": cs.ClusterPassword,
	})
}

// checkNoSpaces rejects values containing spaces. The startup command uses
// ?-delimited parameters with no escape syntax, so such values cannot be
// passed through safely.
func checkNoSpaces(owner string, fields map[string]string) error {
	for field, value := range fields {
		if strings.Contains(value, " ") {
			return asaman.E(asaman.KindValidationFailed, "%s: %s must not contain spaces", owner, field)
		}
	}
	return nil
}

// ValidateModID returns a classified error for a malformed mod id.
func ValidateModID(id asaman.ModID) error {
	if !id.Valid() {
		return asaman.E(asaman.KindValidationFailed, "mod id %q must be a non-empty string of digits", id)
	}
	return nil
}
