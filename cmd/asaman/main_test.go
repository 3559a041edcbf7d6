package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/layout"
	"github.com/arkops/asaman/store"
)

func TestLookupServerFallsBackToDiskDiscovery(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	lm, err := layout.NewManager(t.TempDir())
	require.NoError(t, err)

	cluster := &asaman.Cluster{
		Name: "atoll",
		Servers: []*asaman.Server{
			{Name: "atoll-island", ClusterName: "atoll", Map: "TheIsland_WP"},
		},
	}
	require.NoError(t, lm.EnsureClusterTree(cluster))
	require.NoError(t, lm.WriteClusterFile(cluster))

	// Disk-only servers resolve even without a store row.
	srv := lookupServer(st, lm, "atoll-island")
	require.NotNil(t, srv)
	assert.Equal(t, "atoll", srv.ClusterName)

	// The store wins once a row exists.
	require.NoError(t, st.UpsertServerConfig(&asaman.Server{
		Name: "atoll-island", ClusterName: "moved", Map: "TheIsland_WP",
	}))
	srv = lookupServer(st, lm, "atoll-island")
	require.NotNil(t, srv)
	assert.Equal(t, "moved", srv.ClusterName)

	assert.Nil(t, lookupServer(st, lm, "ghost"))
}
