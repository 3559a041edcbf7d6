package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkops/asaman"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServerConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)

	srv := &asaman.Server{
		Name:        "C1-Isle",
		ClusterName: "C1",
		Map:         "TheIsland",
		Port:        7777,
		QueryPort:   27015,
		RCONPort:    32330,
	}
	require.NoError(t, s.UpsertServerConfig(srv))

	got, err := s.GetServerConfig("C1-Isle")
	require.NoError(t, err)
	assert.Equal(t, "TheIsland", got.Map)
	assert.Equal(t, 7777, got.Port)

	list, err := s.ListServerConfigs()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteServerConfig("C1-Isle"))
	_, err = s.GetServerConfig("C1-Isle")
	assert.True(t, asaman.IsKind(err, asaman.KindNotFound))
}

func TestUpsertServerConfigRejectsEmptyName(t *testing.T) {
	s := openTestStore(t)

	err := s.UpsertServerConfig(&asaman.Server{Name: ""})
	assert.True(t, asaman.IsKind(err, asaman.KindValidationFailed))
}

func TestSharedModRejectsInvalidID(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []asaman.ModID{"", "abc", "12x"} {
		err := s.UpsertSharedMod(id, "bad", true)
		assert.True(t, asaman.IsKind(err, asaman.KindValidationFailed), string(id))
	}

	mods, err := s.ListSharedMods()
	require.NoError(t, err)
	assert.Empty(t, mods, "rejected inserts must not change the table")
}

func TestSharedModsKeepInsertionOrder(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertSharedMod("333", "third-first", true))
	require.NoError(t, s.UpsertSharedMod("111", "one", true))
	require.NoError(t, s.UpsertSharedMod("222", "two", false))

	// Updating an existing row must not move it.
	require.NoError(t, s.UpsertSharedMod("333", "renamed", false))

	mods, err := s.ListSharedMods()
	require.NoError(t, err)
	require.Len(t, mods, 3)
	assert.Equal(t, asaman.ModID("333"), mods[0].ModID)
	assert.Equal(t, "renamed", mods[0].ModName)
	assert.Equal(t, asaman.ModID("111"), mods[1].ModID)
	assert.Equal(t, asaman.ModID("222"), mods[2].ModID)
}

func TestServerModsScopedByServer(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertServerMod("C1-Rag", "222", "", true, false))
	require.NoError(t, s.UpsertServerMod("C1-Isle", "111", "", true, false))
	require.NoError(t, s.UpsertServerMod("C1-Rag", "444", "", true, false))

	mods, err := s.ListServerMods("C1-Rag")
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, asaman.ModID("222"), mods[0].ModID)
	assert.Equal(t, asaman.ModID("444"), mods[1].ModID)

	err = s.UpsertServerMod("", "111", "", true, false)
	assert.True(t, asaman.IsKind(err, asaman.KindValidationFailed))
	err = s.UpsertServerMod("C1-Rag", "", "", true, false)
	assert.True(t, asaman.IsKind(err, asaman.KindValidationFailed))
}

func TestDeleteServerConfigRemovesPerServerRows(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertServerConfig(&asaman.Server{Name: "solo", Map: "Ragnarok"}))
	require.NoError(t, s.UpsertServerMod("solo", "555", "", true, false))
	require.NoError(t, s.UpsertServerSettings(&asaman.ServerSettings{ServerName: "solo", ExcludeSharedMods: true}))

	require.NoError(t, s.DeleteServerConfig("solo"))

	mods, err := s.ListServerMods("solo")
	require.NoError(t, err)
	assert.Empty(t, mods)

	settings, err := s.GetServerSettings("solo")
	require.NoError(t, err)
	assert.Nil(t, settings)
}

func TestServerSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	settings, err := s.GetServerSettings("unknown")
	require.NoError(t, err)
	assert.Nil(t, settings, "missing settings are nil, not an error")

	require.NoError(t, s.UpsertServerSettings(&asaman.ServerSettings{ServerName: "C1-Isle", ExcludeSharedMods: true}))
	settings, err = s.GetServerSettings("C1-Isle")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.True(t, settings.ExcludeSharedMods)
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	job := &asaman.Job{
		ID:        "job-1",
		Type:      asaman.JobTypeCreateCluster,
		Status:    asaman.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateJob(job))

	err := s.CreateJob(job)
	assert.True(t, asaman.IsKind(err, asaman.KindConflict))

	running := asaman.JobStatusRunning
	progress := 40
	updated, err := s.UpdateJob("job-1", JobUpdate{Status: &running, Progress: &progress})
	require.NoError(t, err)
	assert.Equal(t, 40, updated.Progress)

	done := asaman.JobStatusSucceeded
	_, err = s.UpdateJob("job-1", JobUpdate{Status: &done})
	require.NoError(t, err)

	// Terminal jobs are immutable.
	failed := asaman.JobStatusFailed
	_, err = s.UpdateJob("job-1", JobUpdate{Status: &failed})
	assert.True(t, asaman.IsKind(err, asaman.KindPreconditionFailed))

	got, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, asaman.JobStatusSucceeded, got.Status)
}

func TestPurgeJobsRemovesOnlyOldTerminal(t *testing.T) {
	s := openTestStore(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.CreateJob(&asaman.Job{ID: "old-done", Type: asaman.JobTypeUpdateServer, Status: asaman.JobStatusSucceeded, CreatedAt: old, UpdatedAt: old}))
	require.NoError(t, s.CreateJob(&asaman.Job{ID: "old-running", Type: asaman.JobTypeUpdateServer, Status: asaman.JobStatusRunning, CreatedAt: old, UpdatedAt: old}))
	require.NoError(t, s.CreateJob(&asaman.Job{ID: "fresh-done", Type: asaman.JobTypeUpdateServer, Status: asaman.JobStatusFailed, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}))

	purged, err := s.PurgeJobs(time.Now().UTC().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestCompactionSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.UpsertServerConfig(&asaman.Server{Name: "keep", Map: "TheIsland"}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	list, err := s.ListServerConfigs()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
