// Package steamcmd drives Valve's SteamCMD: locating or installing the
// tool itself, and installing or updating the ASA dedicated server
// binaries with progress reporting.
package steamcmd

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/logging"
)

const (
	// installerURL is the Steam CDN location of the SteamCMD installer.
	installerURL = "https://steamcdn-a.akamaihd.net/client/installer/steamcmd.zip"

	executable = "steamcmd.exe"

	lineWatchdog  = 5 * time.Minute
	totalWatchdog = 60 * time.Minute
)

// progressPattern captures the percentage from SteamCMD's update state
// lines, e.g. "Update state (0x61) downloading, progress: 42.17 (…)".
var progressPattern = regexp.MustCompile(`Update state \(0x[0-9a-fA-F]+\) \w+, progress: ([0-9]+(?:\.[0-9]+)?)`)

// Driver locates and runs SteamCMD.
type Driver struct {
	dir        string   // baseDir/steamcmd, owned by this driver
	searchPath []string // candidate existing installs, tried in order
	runner     CommandRunner
	client     *http.Client
	logger     *slog.Logger
}

// NewDriver creates a driver that keeps its SteamCMD tree under dir.
// extraSearch lists pre-existing installs (e.g. STEAMCMD_PATH) tried
// before downloading anything.
func NewDriver(dir string, extraSearch []string, runner CommandRunner) *Driver {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Driver{
		dir:        dir,
		searchPath: extraSearch,
		runner:     runner,
		client:     &http.Client{Timeout: 5 * time.Minute},
		logger:     logging.Get("steamcmd"),
	}
}

// Executable returns the path SteamCMD is expected at inside the driver's
// own tree.
func (d *Driver) Executable() string {
	return filepath.Join(d.dir, executable)
}

// EnsureInstalled returns the path of a working SteamCMD, downloading and
// extracting the installer if none is found. The fresh install is run once
// so it can self-update.
func (d *Driver) EnsureInstalled(ctx context.Context, foreground bool) (string, error) {
	for _, candidate := range append(append([]string{}, d.searchPath...), d.Executable()) {
		if candidate == "" {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			d.logger.Debug("using existing steamcmd", "path", candidate)
			return candidate, nil
		}
	}

	d.logger.Info("steamcmd not found, downloading installer", "url", installerURL)
	if err := d.download(ctx); err != nil {
		return "", err
	}

	path := d.Executable()
	if _, err := os.Stat(path); err != nil {
		return "", asaman.E(asaman.KindSteamCmdFailed, "installer zip did not contain %s", executable)
	}

	// First run lets SteamCMD update itself. Exit codes are unreliable
	// here (it restarts itself), so only spawn failures are fatal.
	_, err := d.runner.Run(ctx, path, []string{"+quit"}, RunOptions{
		Dir:         d.dir,
		Foreground:  foreground,
		LineTimeout: lineWatchdog,
		OnLine: func(line string) {
			d.logger.Debug("steamcmd self-update", "line", line)
		},
	})
	if err != nil && ctx.Err() != nil {
		return "", asaman.WrapErr(asaman.KindSteamCmdFailed, err, "steamcmd self-update interrupted")
	}

	d.logger.Info("steamcmd installed", "path", path)
	return path, nil
}

// download fetches and extracts the installer zip, retrying transient
// network failures.
func (d *Driver) download(ctx context.Context) error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "create %s", d.dir)
	}
	zipPath := filepath.Join(d.dir, "steamcmd.zip")

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return asaman.WrapErr(asaman.KindSteamCmdFailed, ctx.Err(), "download cancelled")
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		lastErr = d.fetch(ctx, zipPath)
		if lastErr == nil {
			break
		}
		d.logger.Warn("installer download failed", "attempt", attempt, "error", lastErr)
	}
	if lastErr != nil {
		return asaman.WrapErr(asaman.KindSteamCmdFailed, lastErr, "download steamcmd installer")
	}

	if err := extractZip(zipPath, d.dir); err != nil {
		return asaman.WrapErr(asaman.KindSteamCmdFailed, err, "extract steamcmd installer")
	}
	os.Remove(zipPath)
	return nil
}

func (d *Driver) fetch(ctx context.Context, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, installerURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("zip entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode()|0644)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// ProgressFunc receives install progress 0..100 with a status line.
type ProgressFunc func(percent int, message string)

// InstallOrUpdateASA installs or updates the ASA dedicated server into
// targetDir. SteamCMD's app_update is idempotent, so retries resume.
// Callers serialize invocations; concurrent installs corrupt Steam state.
func (d *Driver) InstallOrUpdateASA(ctx context.Context, targetDir string, foreground bool, report ProgressFunc) error {
	path, err := d.EnsureInstalled(ctx, foreground)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "create %s", targetDir)
	}

	runCtx, cancel := context.WithTimeout(ctx, totalWatchdog)
	defer cancel()

	args := []string{
		"+force_install_dir", targetDir,
		"+login", "anonymous",
		"+app_update", asaman.SteamAppID, "validate",
		"+quit",
	}
	d.logger.Info("installing ASA binaries", "target", targetDir, "app_id", asaman.SteamAppID)

	var lastLines []string
	exitCode, runErr := d.runner.Run(runCtx, path, args, RunOptions{
		Dir:         d.dir,
		Foreground:  foreground,
		LineTimeout: lineWatchdog,
		OnLine: func(line string) {
			lastLines = append(lastLines, line)
			if len(lastLines) > 20 {
				lastLines = lastLines[1:]
			}
			if pct, ok := parseProgress(line); ok && report != nil {
				report(pct, strings.TrimSpace(line))
			}
		},
	})

	if ctx.Err() != nil {
		return asaman.WrapErr(asaman.KindSteamCmdFailed, ctx.Err(), "install cancelled")
	}
	if runErr != nil || exitCode != 0 {
		tail := strings.Join(lastLines, "\n")
		err := asaman.E(asaman.KindSteamCmdFailed, "app_update %s exited %d", asaman.SteamAppID, exitCode)
		if runErr != nil {
			err = asaman.WrapErr(asaman.KindSteamCmdFailed, runErr, "app_update %s exited %d", asaman.SteamAppID, exitCode)
		}
		d.logger.Error("ASA install failed", "exit_code", exitCode, "tail", tail)
		return err
	}

	if report != nil {
		report(100, "install complete")
	}
	d.logger.Info("ASA binaries installed", "target", targetDir)
	return nil
}

// parseProgress extracts a 0..100 percentage from a SteamCMD output line.
func parseProgress(line string) (int, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if f < 0 {
		f = 0
	}
	if f > 100 {
		f = 100
	}
	return int(f), true
}
