package steamcmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkops/asaman"
)

// fakeRunner scripts SteamCMD output without a real binary.
type fakeRunner struct {
	lines    []string
	exitCode int
	err      error

	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, opts RunOptions) (int, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	for _, line := range f.lines {
		if opts.OnLine != nil {
			opts.OnLine(line)
		}
	}
	return f.exitCode, f.err
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		pct  int
		ok   bool
	}{
		{"Update state (0x61) downloading, progress: 42.17 (5344234 / 12672491)", 42, true},
		{"Update state (0x81) verifying update, progress: 99.90 (x / y)", 99, true},
		{"Update state (0x5) validating, progress: 0.01", 0, true},
		{"Logging in user 'anonymous' to Steam Public...OK", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		pct, ok := parseProgress(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.pct, pct, tt.line)
	}
}

func TestEnsureInstalledFindsExisting(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "steamcmd.exe")
	require.NoError(t, os.WriteFile(existing, []byte("bin"), 0755))

	runner := &fakeRunner{}
	d := NewDriver(dir, nil, runner)

	path, err := d.EnsureInstalled(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, existing, path)
	assert.Empty(t, runner.calls, "existing install needs no self-update run")
}

func TestEnsureInstalledPrefersSearchPath(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(t.TempDir(), "steamcmd.exe")
	require.NoError(t, os.WriteFile(custom, []byte("bin"), 0755))

	d := NewDriver(dir, []string{custom}, &fakeRunner{})
	path, err := d.EnsureInstalled(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, custom, path)
}

func TestInstallOrUpdateASAReportsProgress(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "steamcmd.exe"), []byte("bin"), 0755))

	runner := &fakeRunner{lines: []string{
		"Logging in user 'anonymous' to Steam Public...OK",
		"Update state (0x61) downloading, progress: 10.00 (a / b)",
		"Update state (0x61) downloading, progress: 55.50 (a / b)",
		"Success! App '2430930' fully installed.",
	}}
	d := NewDriver(dir, nil, runner)

	var reports []int
	target := filepath.Join(t.TempDir(), "binaries")
	err := d.InstallOrUpdateASA(context.Background(), target, false, func(pct int, msg string) {
		reports = append(reports, pct)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 55, 100}, reports)

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Contains(t, call, "+force_install_dir")
	assert.Contains(t, call, target)
	assert.Contains(t, call, "anonymous")
	assert.Contains(t, call, asaman.SteamAppID)
	assert.Contains(t, call, "validate")

	_, err = os.Stat(target)
	assert.NoError(t, err, "target dir created")
}

func TestInstallOrUpdateASAClassifiesFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "steamcmd.exe"), []byte("bin"), 0755))

	runner := &fakeRunner{
		lines:    []string{"Error! App '2430930' state is 0x602 after update job."},
		exitCode: 8,
	}
	d := NewDriver(dir, nil, runner)

	err := d.InstallOrUpdateASA(context.Background(), t.TempDir(), false, nil)
	require.Error(t, err)
	assert.True(t, asaman.IsKind(err, asaman.KindSteamCmdFailed))
	assert.Contains(t, err.Error(), "exited 8")
}

func TestInstallOrUpdateASACancelled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "steamcmd.exe"), []byte("bin"), 0755))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDriver(dir, nil, &fakeRunner{})
	err := d.InstallOrUpdateASA(ctx, t.TempDir(), false, nil)
	require.Error(t, err)
	assert.True(t, asaman.IsKind(err, asaman.KindSteamCmdFailed))
}
