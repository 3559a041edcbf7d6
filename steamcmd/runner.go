package steamcmd

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/arkops/asaman"
)

// RunOptions controls how a subprocess's output is routed.
type RunOptions struct {
	Dir        string
	Foreground bool              // inherit the operator terminal's stdio
	OnLine     func(line string) // called per captured output line (background only)

	// LineTimeout kills the process if no output arrives for this long.
	// Zero disables the watchdog.
	LineTimeout time.Duration
}

// CommandRunner spawns subprocesses. Abstracted so tests can script
// SteamCMD output without a real binary.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, opts RunOptions) (exitCode int, err error)
}

// ExecRunner runs real processes via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, opts RunOptions) (int, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if opts.LineTimeout > 0 && !opts.Foreground {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = opts.Dir

	if opts.Foreground {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		err := cmd.Run()
		return exitCodeOf(cmd, err), err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return -1, err
	}

	lastOutput := make(chan struct{}, 1)
	if opts.LineTimeout > 0 {
		go func() {
			timer := time.NewTimer(opts.LineTimeout)
			defer timer.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case _, ok := <-lastOutput:
					if !ok {
						return
					}
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(opts.LineTimeout)
				case <-timer.C:
					cancel()
					return
				}
			}
		}()
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if opts.LineTimeout > 0 {
			select {
			case lastOutput <- struct{}{}:
			default:
			}
		}
		if opts.OnLine != nil {
			opts.OnLine(scanner.Text())
		}
	}
	close(lastOutput)

	err = cmd.Wait()
	code := exitCodeOf(cmd, err)
	if runCtx.Err() != nil && ctx.Err() == nil {
		return code, asaman.E(asaman.KindSteamCmdFailed, "%s produced no output for %s", name, opts.LineTimeout)
	}
	return code, err
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
