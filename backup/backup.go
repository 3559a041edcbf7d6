// Package backup archives server save data into timestamped tarballs.
package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/logging"
)

// Archiver writes tar.gz snapshots of a server's saves directory and
// prunes old ones.
type Archiver struct {
	backupsDir string
	keep       int
	logger     *slog.Logger
	now        func() time.Time
}

// Info describes one backup on disk.
type Info struct {
	Name      string    `json:"name"`
	Server    string    `json:"server"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewArchiver creates an Archiver writing under backupsDir. keep <= 0
// disables pruning.
func NewArchiver(backupsDir string, keep int) *Archiver {
	return &Archiver{
		backupsDir: backupsDir,
		keep:       keep,
		logger:     logging.Get("backup"),
		now:        time.Now,
	}
}

// Create archives savesDir into backups/<server>-<timestamp>.tar.gz and
// returns the archive path. An empty saves tree still produces a valid
// (empty) archive.
func (a *Archiver) Create(serverName, savesDir string) (string, error) {
	if err := os.MkdirAll(a.backupsDir, 0755); err != nil {
		return "", asaman.WrapErr(asaman.KindIOFailed, err, "create backups dir")
	}
	if _, err := os.Stat(savesDir); err != nil {
		return "", asaman.WrapErr(asaman.KindNotFound, err, "saves dir for %s", serverName)
	}

	stamp := a.now().UTC().Format("20060102-150405")
	name := fmt.Sprintf("%s-%s.tar.gz", serverName, stamp)
	path := filepath.Join(a.backupsDir, name)

	if err := writeArchive(path, savesDir); err != nil {
		os.Remove(path)
		return "", err
	}

	a.logger.Info("backup created", "server", serverName, "archive", name)
	a.prune(serverName)
	return path, nil
}

// List returns backups newest first, optionally filtered to one server.
func (a *Archiver) List(serverName string) ([]Info, error) {
	entries, err := os.ReadDir(a.backupsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, asaman.WrapErr(asaman.KindIOFailed, err, "read backups dir")
	}

	var out []Info
	for _, e := range entries {
		srv, created, ok := parseName(e.Name())
		if !ok {
			continue
		}
		if serverName != "" && srv != serverName {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Name: e.Name(), Server: srv, SizeBytes: fi.Size(), CreatedAt: created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// prune removes the oldest archives of a server beyond the keep count.
func (a *Archiver) prune(serverName string) {
	if a.keep <= 0 {
		return
	}
	infos, err := a.List(serverName)
	if err != nil {
		a.logger.Warn("backup prune skipped", "server", serverName, "error", err)
		return
	}
	for _, old := range infos[min(a.keep, len(infos)):] {
		if err := os.Remove(filepath.Join(a.backupsDir, old.Name)); err != nil {
			a.logger.Warn("failed to prune backup", "archive", old.Name, "error", err)
			continue
		}
		a.logger.Info("pruned old backup", "archive", old.Name)
	}
}

func writeArchive(path, savesDir string) error {
	f, err := os.Create(path)
	if err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "create archive")
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(savesDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(savesDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if walkErr != nil {
		return asaman.WrapErr(asaman.KindIOFailed, walkErr, "archive saves")
	}
	if err := tw.Close(); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "finalize tar")
	}
	if err := gz.Close(); err != nil {
		return asaman.WrapErr(asaman.KindIOFailed, err, "finalize gzip")
	}
	return f.Close()
}

// parseName splits <server>-<yyyymmdd>-<hhmmss>.tar.gz.
func parseName(name string) (server string, created time.Time, ok bool) {
	base, found := strings.CutSuffix(name, ".tar.gz")
	if !found {
		return "", time.Time{}, false
	}
	parts := strings.Split(base, "-")
	if len(parts) < 3 {
		return "", time.Time{}, false
	}
	stamp := parts[len(parts)-2] + "-" + parts[len(parts)-1]
	created, err := time.Parse("20060102-150405", stamp)
	if err != nil {
		return "", time.Time{}, false
	}
	return strings.Join(parts[:len(parts)-2], "-"), created.UTC(), true
}
