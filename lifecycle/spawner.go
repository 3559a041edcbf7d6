package lifecycle

import (
	"os/exec"
	"runtime"
	"sync"

	"github.com/arkops/asaman"
)

// Spawner abstracts process control so the supervisor can be tested
// without launching game servers.
type Spawner interface {
	// Spawn launches the startup script detached and returns its PID.
	Spawn(scriptPath, workDir string) (int, error)
	// Alive reports whether the process is still running.
	Alive(pid int) bool
	// ExitCode returns the exit code once the process has ended.
	ExitCode(pid int) (int, bool)
	// Kill terminates the process without ceremony.
	Kill(pid int) error
}

// OSSpawner runs real processes. Exit detection works by retaining the
// process handle and waiting on it in a goroutine.
type OSSpawner struct {
	mu    sync.Mutex
	procs map[int]*procHandle
}

type procHandle struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

// NewOSSpawner creates an empty spawner.
func NewOSSpawner() *OSSpawner {
	return &OSSpawner{procs: make(map[int]*procHandle)}
}

func (s *OSSpawner) Spawn(scriptPath, workDir string) (int, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/C", scriptPath)
	} else {
		cmd = exec.Command("sh", scriptPath)
	}
	cmd.Dir = workDir
	if err := cmd.Start(); err != nil {
		return 0, asaman.WrapErr(asaman.KindProcessFailed, err, "spawn %s", scriptPath)
	}

	pid := cmd.Process.Pid
	h := &procHandle{cmd: cmd, done: make(chan struct{}), exitCode: -1}
	s.mu.Lock()
	s.procs[pid] = h
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if cmd.ProcessState != nil {
			h.exitCode = cmd.ProcessState.ExitCode()
		} else if err != nil {
			h.exitCode = -1
		} else {
			h.exitCode = 0
		}
		s.mu.Unlock()
		close(h.done)
	}()
	return pid, nil
}

func (s *OSSpawner) handle(pid int) *procHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[pid]
}

func (s *OSSpawner) Alive(pid int) bool {
	h := s.handle(pid)
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (s *OSSpawner) ExitCode(pid int) (int, bool) {
	h := s.handle(pid)
	if h == nil {
		return 0, false
	}
	select {
	case <-h.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return h.exitCode, true
	default:
		return 0, false
	}
}

func (s *OSSpawner) Kill(pid int) error {
	h := s.handle(pid)
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := h.cmd.Process.Kill(); err != nil {
		return asaman.WrapErr(asaman.KindProcessFailed, err, "kill pid %d", pid)
	}
	return nil
}
