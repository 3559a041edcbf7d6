// Package arklog streams game server log files to dashboard subscribers.
// Tails are started and stopped by WebSocket messages; the tailer polls
// for appended bytes because ASA rewrites files without notification
// semantics worth relying on.
package arklog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/events"
	"github.com/arkops/asaman/logging"
)

const pollInterval = time.Second

// PathResolver maps a server and file name to the absolute log path.
type PathResolver func(serverName, fileName string) (string, error)

// Tailer manages active log tails keyed by server and file.
type Tailer struct {
	resolve PathResolver
	hub     *events.Hub
	logger  *slog.Logger

	mu    sync.Mutex
	tails map[string]context.CancelFunc
}

// NewTailer creates a Tailer.
func NewTailer(resolve PathResolver, hub *events.Hub) *Tailer {
	return &Tailer{
		resolve: resolve,
		hub:     hub,
		logger:  logging.Get("arklog"),
		tails:   make(map[string]context.CancelFunc),
	}
}

// Start begins tailing one log file. File names with path separators are
// rejected so subscribers cannot walk out of the log directory.
func (t *Tailer) Start(serverName, fileName string) error {
	if fileName == "" || strings.ContainsAny(fileName, `/\`) || strings.Contains(fileName, "..") {
		return asaman.E(asaman.KindValidationFailed, "invalid log file name %q", fileName)
	}
	path, err := t.resolve(serverName, fileName)
	if err != nil {
		return err
	}

	key := serverName + "/" + fileName
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if prev, ok := t.tails[key]; ok {
		prev()
	}
	t.tails[key] = cancel
	t.mu.Unlock()

	go t.loop(ctx, serverName, fileName, path)
	t.logger.Debug("log tail started", "server", serverName, "file", fileName)
	return nil
}

// Stop ends one tail. Unknown tails are ignored.
func (t *Tailer) Stop(serverName, fileName string) {
	key := serverName + "/" + fileName
	t.mu.Lock()
	cancel, ok := t.tails[key]
	delete(t.tails, key)
	t.mu.Unlock()
	if ok {
		cancel()
		t.logger.Debug("log tail stopped", "server", serverName, "file", fileName)
	}
}

// Close stops every tail.
func (t *Tailer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, cancel := range t.tails {
		cancel()
		delete(t.tails, key)
	}
}

func (t *Tailer) loop(ctx context.Context, serverName, fileName, path string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var offset int64
	var carry string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			continue // file not created yet
		}
		if info.Size() < offset {
			// Rotated or truncated; start over.
			offset = 0
			carry = ""
		}
		if info.Size() == offset {
			continue
		}

		chunk, err := readFrom(path, offset)
		if err != nil {
			t.logger.Debug("log read failed", "server", serverName, "file", fileName, "error", err)
			continue
		}
		offset += int64(len(chunk))

		text := carry + chunk
		lines := strings.Split(text, "\n")
		carry = lines[len(lines)-1] // incomplete trailing line waits for more bytes
		for _, line := range lines[:len(lines)-1] {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			t.hub.Publish(events.New(events.ChannelArkLog, map[string]any{
				"server": serverName,
				"file":   fileName,
				"line":   line,
			}))
		}
	}
}

func readFrom(path string, offset int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
