package layout

import (
	"fmt"
	"os"
	"strings"

	"github.com/arkops/asaman"
)

// ScriptInput is everything the startup script generator needs. The
// generator is deterministic: equal inputs produce byte-identical output.
type ScriptInput struct {
	Server      *asaman.Server
	Cluster     *asaman.ClusterSettings // nil for individual servers
	Mods        []asaman.ModID          // resolved, ordered
	ExtraParams []string                // pre-ordered ?key=value fragments
	BinariesDir string
	LockFile    string
}

// GenerateStartScript renders the batch script that is the sole launch
// path for an ASA server. The script blocks while the update sentinel
// exists, then launches ArkAscendedServer.exe with a single compound
// ?-delimited argument followed by flags.
func GenerateStartScript(in ScriptInput) string {
	srv := in.Server

	params := []string{
		srv.Map,
		"listen",
		"SessionName=" + srv.Name,
	}
	if srv.ServerPassword != "" {
		params = append(params, "ServerPassword="+srv.ServerPassword)
	}
	params = append(params,
		"ServerAdminPassword="+srv.AdminPassword,
		fmt.Sprintf("MaxPlayers=%d", srv.MaxPlayers),
		fmt.Sprintf("Port=%d", srv.Port),
		fmt.Sprintf("QueryPort=%d", srv.QueryPort),
		"RCONEnabled=True",
		fmt.Sprintf("RCONPort=%d", srv.RCONPort),
	)
	params = append(params, in.ExtraParams...)
	if in.Cluster != nil && in.Cluster.ClusterID != "" {
		params = append(params, "ClusterId="+in.Cluster.ClusterID)
		if in.Cluster.ClusterName != "" {
			params = append(params, "ClusterName="+in.Cluster.ClusterName)
		}
		if in.Cluster.ClusterPassword != "" {
			params = append(params, "ClusterPassword="+in.Cluster.ClusterPassword)
		}
	}
	params = append(params, "AltSaveDirectoryName="+srv.Name)

	flags := []string{"-server", "-log"}
	if srv.DisableBattlEye {
		flags = append(flags, "-NoBattleEye")
	}
	if len(in.Mods) > 0 {
		ids := make([]string, len(in.Mods))
		for i, id := range in.Mods {
			ids[i] = string(id)
		}
		flags = append(flags, "-mods="+strings.Join(ids, ","))
	}

	workDir := in.BinariesDir + `\ShooterGame\Binaries\Win64`

	var b strings.Builder
	b.WriteString("@echo off\r\n")
	fmt.Fprintf(&b, "rem Generated for %s. Do not edit; regenerated on every start.\r\n", srv.Name)
	fmt.Fprintf(&b, "cd /d \"%s\"\r\n", workDir)
	b.WriteString(":waitlock\r\n")
	fmt.Fprintf(&b, "if exist \"%s\" (\r\n", in.LockFile)
	b.WriteString("    echo Update in progress, waiting 30 seconds...\r\n")
	b.WriteString("    timeout /t 30 /nobreak >nul\r\n")
	b.WriteString("    goto waitlock\r\n")
	b.WriteString(")\r\n")
	fmt.Fprintf(&b, "start \"%s\" %s \"%s\" %s\r\n",
		srv.Name, asaman.ServerExecutable, strings.Join(params, "?"), strings.Join(flags, " "))
	return b.String()
}

// WriteStartScript regenerates a server's start.bat. Called on every start
// and on every config write, so a stale or legacy script never launches.
func (m *Manager) WriteStartScript(in ScriptInput) (string, error) {
	if in.BinariesDir == "" {
		in.BinariesDir = m.BinariesDir(in.Server.ClusterName, in.Server.Name)
	}
	if in.LockFile == "" {
		in.LockFile = m.LockSentinel()
	}
	script := GenerateStartScript(in)
	path := m.StartScript(in.Server.ClusterName, in.Server.Name)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return "", asaman.WrapErr(asaman.KindIOFailed, err, "write %s", path)
	}
	return path, nil
}

// ReadStartScript returns the current script text.
func (m *Manager) ReadStartScript(clusterName, serverName string) (string, error) {
	path := m.StartScript(clusterName, serverName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", asaman.E(asaman.KindNotFound, "server %q has no start script yet", serverName)
		}
		return "", asaman.WrapErr(asaman.KindIOFailed, err, "read %s", path)
	}
	return string(data), nil
}

// ScriptNeedsRegeneration reports whether an existing script references the
// legacy executable name and must be replaced before launch.
func ScriptNeedsRegeneration(script string) bool {
	return strings.Contains(script, "ShooterGameServer.exe")
}
