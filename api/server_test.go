package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/backup"
	"github.com/arkops/asaman/events"
	"github.com/arkops/asaman/jobs"
	"github.com/arkops/asaman/layout"
	"github.com/arkops/asaman/lifecycle"
	"github.com/arkops/asaman/rcon"
	"github.com/arkops/asaman/store"
)

// fakeSup serves a static server list and records lifecycle calls.
type fakeSup struct {
	mu      sync.Mutex
	servers []*asaman.Server
	states  map[string]string
	calls   []string
}

func (f *fakeSup) Start(ctx context.Context, name string) error {
	f.record("start " + name)
	return nil
}

func (f *fakeSup) Stop(ctx context.Context, name string, graceful bool, graceSeconds int) error {
	f.record("stop " + name)
	return nil
}

func (f *fakeSup) Restart(ctx context.Context, name string, graceful bool, graceSeconds int) error {
	f.record("restart " + name)
	return nil
}

func (f *fakeSup) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSup) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSup) Status(name string) lifecycle.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.states[name]
	if status == "" {
		status = asaman.ServerStatusStopped
	}
	return lifecycle.State{Name: name, Status: status}
}

func (f *fakeSup) List() ([]lifecycle.ServerView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []lifecycle.ServerView
	for _, srv := range f.servers {
		status := f.states[srv.Name]
		if status == "" {
			status = asaman.ServerStatusStopped
		}
		out = append(out, lifecycle.ServerView{Server: srv, State: lifecycle.State{Name: srv.Name, Status: status}})
	}
	return out, nil
}

type fakeRcon struct {
	mu       sync.Mutex
	response string
	commands []string
	targets  []rcon.Target
}

func (f *fakeRcon) Exec(ctx context.Context, target rcon.Target, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	f.targets = append(f.targets, target)
	return f.response, nil
}

type fakeTailer struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeTailer) Start(serverName, fileName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, serverName+"/"+fileName)
	return nil
}

func (f *fakeTailer) Stop(serverName, fileName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, serverName+"/"+fileName)
}

type fixture struct {
	srv    *Server
	ts     *httptest.Server
	store  *store.Store
	layout *layout.Manager
	sup    *fakeSup
	rcon   *fakeRcon
	tailer *fakeTailer
	hub    *events.Hub
	jobs   *jobs.Engine
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	lm, err := layout.NewManager(t.TempDir())
	require.NoError(t, err)

	hub := events.NewHub()
	engine := jobs.NewEngine(st, hub, jobs.NewUpdateLock(lm.LockSentinel()), 2)
	t.Cleanup(engine.Shutdown)

	sup := &fakeSup{states: map[string]string{}}
	lifecycleStub := func(jobType string) jobs.HandlerFunc {
		return func(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
			var req lifecycle.LifecycleRequest
			if err := json.Unmarshal(job.Data, &req); err != nil {
				return nil, err
			}
			switch jobType {
			case asaman.JobTypeStartServer:
				return nil, sup.Start(ctx, req.ServerName)
			case asaman.JobTypeStopServer:
				return nil, sup.Stop(ctx, req.ServerName, req.Graceful, req.GraceSeconds)
			default:
				return nil, sup.Restart(ctx, req.ServerName, req.Graceful, req.GraceSeconds)
			}
		}
	}
	engine.Register(asaman.JobTypeStartServer, false, lifecycleStub(asaman.JobTypeStartServer))
	engine.Register(asaman.JobTypeStopServer, false, lifecycleStub(asaman.JobTypeStopServer))
	engine.Register(asaman.JobTypeRestartServer, false, lifecycleStub(asaman.JobTypeRestartServer))
	engine.Register(asaman.JobTypeCreateCluster, false, func(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(`{"checkpoint":"done"}`), nil
	})
	engine.Register(asaman.JobTypeCreateBackup, false, func(ctx context.Context, job *asaman.Job, report jobs.ProgressFunc) (json.RawMessage, error) {
		return nil, nil
	})

	rc := &fakeRcon{response: "pong"}
	tailer := &fakeTailer{}
	server := New(Options{
		Store:        st,
		Layout:       lm,
		Supervisor:   sup,
		Rcon:         rc,
		Jobs:         engine,
		Hub:          hub,
		Tailer:       tailer,
		Archiver:     backup.NewArchiver(lm.BackupsDir(), 0),
		JWTSecret:    secret,
		RateLimitMax: 0,
	})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &fixture{srv: server, ts: ts, store: st, layout: lm, sup: sup, rcon: rc, tailer: tailer, hub: hub, jobs: engine}
}

func (fx *fixture) addServer(t *testing.T, name string) *asaman.Server {
	t.Helper()
	srv := &asaman.Server{
		Name: name, Map: "TheIsland", Port: 7777, QueryPort: 27015, RCONPort: 32330,
		MaxPlayers: 70, AdminPassword: "adm", RCONPassword: "rc",
	}
	fx.sup.mu.Lock()
	fx.sup.servers = append(fx.sup.servers, srv)
	fx.sup.mu.Unlock()
	require.NoError(t, fx.layout.EnsureServerTree("", name))
	return srv
}

// do performs a request and decodes the envelope.
func (fx *fixture) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, fx.ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func jobID(t *testing.T, env envelope) string {
	t.Helper()
	data, ok := env.Data.(map[string]any)
	require.True(t, ok, "expected object data, got %#v", env.Data)
	id, _ := data["jobId"].(string)
	require.NotEmpty(t, id)
	return id
}

func (fx *fixture) waitJob(t *testing.T, id string) *asaman.Job {
	t.Helper()
	var job *asaman.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = fx.jobs.Get(id)
		return err == nil && asaman.JobStatusTerminal(job.Status)
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	fx := newFixture(t, "sekrit-sekrit-sekrit-sekrit-0123")
	status, env := fx.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	fx := newFixture(t, "sekrit-sekrit-sekrit-sekrit-0123")

	status, env := fx.do(t, http.MethodGet, "/api/native-servers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, env.Success)
	assert.Equal(t, string(asaman.KindUnauthorized), env.Code)

	token, err := fx.srv.auth.IssueToken("alice", RoleViewer, time.Hour)
	require.NoError(t, err)
	status, _ = fx.do(t, http.MethodGet, "/api/native-servers", token, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRoleGates(t *testing.T) {
	fx := newFixture(t, "sekrit-sekrit-sekrit-sekrit-0123")
	fx.addServer(t, "solo")

	viewer, err := fx.srv.auth.IssueToken("v", RoleViewer, time.Hour)
	require.NoError(t, err)
	operator, err := fx.srv.auth.IssueToken("o", RoleOperator, time.Hour)
	require.NoError(t, err)

	status, env := fx.do(t, http.MethodPost, "/api/native-servers/solo/start", viewer, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, string(asaman.KindForbidden), env.Code)

	status, _ = fx.do(t, http.MethodPost, "/api/native-servers/solo/start", operator, nil)
	assert.Equal(t, http.StatusAccepted, status)

	// Cluster creation is admin-only.
	status, _ = fx.do(t, http.MethodPost, "/api/provisioning/clusters", operator, map[string]any{"name": "x"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestExpiredTokenRejected(t *testing.T) {
	fx := newFixture(t, "sekrit-sekrit-sekrit-sekrit-0123")
	token, err := fx.srv.auth.IssueToken("alice", RoleAdmin, -5*time.Minute)
	require.NoError(t, err)
	status, _ := fx.do(t, http.MethodGet, "/api/native-servers", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestListServers(t *testing.T) {
	fx := newFixture(t, "")
	fx.addServer(t, "solo")
	fx.sup.states["solo"] = asaman.ServerStatusRunning

	status, env := fx.do(t, http.MethodGet, "/api/native-servers", "", nil)
	require.Equal(t, http.StatusOK, status)

	rows, ok := env.Data.([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "solo", row["name"])
	assert.Equal(t, "running", row["status"])
	assert.Equal(t, float64(7777), row["port"])
}

func TestStartSubmitsJob(t *testing.T) {
	fx := newFixture(t, "")
	fx.addServer(t, "solo")

	status, env := fx.do(t, http.MethodPost, "/api/native-servers/solo/start", "", nil)
	require.Equal(t, http.StatusAccepted, status)

	job := fx.waitJob(t, jobID(t, env))
	assert.Equal(t, asaman.JobStatusSucceeded, job.Status)
	assert.Contains(t, fx.sup.callList(), "start solo")
}

func TestStartUnknownServer(t *testing.T) {
	fx := newFixture(t, "")
	status, env := fx.do(t, http.MethodPost, "/api/native-servers/ghost/start", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(asaman.KindNotFound), env.Code)
}

func TestStopPassesGraceOptions(t *testing.T) {
	fx := newFixture(t, "")
	fx.addServer(t, "solo")

	status, env := fx.do(t, http.MethodPost, "/api/native-servers/solo/stop", "", map[string]any{
		"graceful": true, "graceSeconds": 30,
	})
	require.Equal(t, http.StatusAccepted, status)
	fx.waitJob(t, jobID(t, env))
	assert.Contains(t, fx.sup.callList(), "stop solo")
}

func TestCreateClusterRejectsExplicitPortCollision(t *testing.T) {
	fx := newFixture(t, "")

	body := map[string]any{
		"name": "C1", "basePort": 7777, "portIncrement": 1,
		"queryPortBase": 27015, "queryPortIncrement": 1,
		"rconPortBase": 32330, "rconPortIncrement": 1,
		"servers": []map[string]any{
			{"name": "C1-Isle", "map": "TheIsland", "port": 7000, "queryPort": 27100, "rconPort": 32400},
			{"name": "C1-Rag", "map": "Ragnarok", "port": 7000, "queryPort": 27101, "rconPort": 32401},
		},
	}
	status, env := fx.do(t, http.MethodPost, "/api/provisioning/clusters", "", body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(asaman.KindValidationFailed), env.Code)

	// No job was created.
	list, err := fx.jobs.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateClusterSubmitsJob(t *testing.T) {
	fx := newFixture(t, "")

	body := map[string]any{
		"name": "C1", "basePort": 7777, "portIncrement": 1,
		"queryPortBase": 27015, "queryPortIncrement": 1,
		"rconPortBase": 32330, "rconPortIncrement": 1,
		"servers": []map[string]any{
			{"name": "C1-Isle", "map": "TheIsland"},
			{"name": "C1-Rag", "map": "Ragnarok"},
		},
		"modManagement":   map[string]any{"sharedMods": []string{"111"}},
		"clusterSettings": map[string]any{"clusterId": "C1"},
	}
	status, env := fx.do(t, http.MethodPost, "/api/provisioning/clusters", "", body)
	require.Equal(t, http.StatusAccepted, status)
	job := fx.waitJob(t, jobID(t, env))
	assert.Equal(t, asaman.JobStatusSucceeded, job.Status)
	assert.Equal(t, asaman.JobTypeCreateCluster, job.Type)
}

func TestSharedModNullRejected(t *testing.T) {
	fx := newFixture(t, "")

	status, env := fx.do(t, http.MethodPost, "/api/provisioning/shared-mods", "", map[string]any{"modId": nil})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(asaman.KindValidationFailed), env.Code)

	mods, err := fx.store.ListSharedMods()
	require.NoError(t, err)
	assert.Empty(t, mods, "no row inserted")
}

func TestSharedModLifecycle(t *testing.T) {
	fx := newFixture(t, "")

	status, _ := fx.do(t, http.MethodPost, "/api/provisioning/shared-mods", "", map[string]any{"modId": "12345", "modName": "Structures"})
	require.Equal(t, http.StatusOK, status)

	status, env := fx.do(t, http.MethodGet, "/api/provisioning/shared-mods", "", nil)
	require.Equal(t, http.StatusOK, status)
	rows := env.Data.([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "12345", rows[0].(map[string]any)["modId"])

	status, _ = fx.do(t, http.MethodDelete, "/api/provisioning/shared-mods/12345", "", nil)
	require.Equal(t, http.StatusOK, status)
	mods, err := fx.store.ListSharedMods()
	require.NoError(t, err)
	assert.Empty(t, mods)
}

func TestRconSynchronous(t *testing.T) {
	fx := newFixture(t, "")
	fx.addServer(t, "solo")

	status, env := fx.do(t, http.MethodPost, "/api/rcon/solo", "", map[string]string{"command": "ListPlayers"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pong", env.Data.(map[string]any)["response"])
	assert.Equal(t, []string{"ListPlayers"}, fx.rcon.commands)
}

func TestRconMissingCommand(t *testing.T) {
	fx := newFixture(t, "")
	fx.addServer(t, "solo")
	status, _ := fx.do(t, http.MethodPost, "/api/rcon/solo", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestConfigRoundTrip(t *testing.T) {
	fx := newFixture(t, "")
	fx.addServer(t, "solo")

	content := "[ServerSettings]\r\nXPMultiplier=2.0\r\n"
	status, _ := fx.do(t, http.MethodPut, "/api/configs/solo", "", map[string]string{
		"file": "GameUserSettings.ini", "content": content,
	})
	require.Equal(t, http.StatusOK, status)

	status, env := fx.do(t, http.MethodGet, "/api/configs/solo?file=GameUserSettings.ini", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, content, env.Data.(map[string]any)["content"])
}

func TestConfigRejectsUnknownFile(t *testing.T) {
	fx := newFixture(t, "")
	fx.addServer(t, "solo")
	status, _ := fx.do(t, http.MethodGet, "/api/configs/solo?file=../../secrets.ini", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLockEndpoints(t *testing.T) {
	fx := newFixture(t, "")

	status, env := fx.do(t, http.MethodGet, "/api/lock-status", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, env.Data.(map[string]any)["locked"])

	status, env = fx.do(t, http.MethodPost, "/api/lock-status", "", map[string]string{"reason": "maintenance"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, env.Data.(map[string]any)["locked"])
	assert.Equal(t, "maintenance", env.Data.(map[string]any)["reason"])

	// Second manual acquire conflicts.
	status, _ = fx.do(t, http.MethodPost, "/api/lock-status", "", map[string]string{"reason": "again"})
	assert.Equal(t, http.StatusConflict, status)

	status, env = fx.do(t, http.MethodDelete, "/api/lock-status", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, env.Data.(map[string]any)["locked"])
}

func TestManualReleaseCannotFreeJobHeldLock(t *testing.T) {
	fx := newFixture(t, "")
	hold, err := fx.jobs.Lock().Acquire(context.Background(), "update in flight")
	require.NoError(t, err)

	status, env := fx.do(t, http.MethodDelete, "/api/lock-status", "", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(asaman.KindConflict), env.Code)

	st := fx.jobs.Lock().Status()
	assert.True(t, st.Locked)
	assert.Equal(t, "update in flight", st.Reason)
	hold.Release()
}

func TestRconDefaultPortFallback(t *testing.T) {
	fx := newFixture(t, "")
	fx.sup.mu.Lock()
	fx.sup.servers = append(fx.sup.servers, &asaman.Server{
		Name: "bare", Map: "TheIsland", Port: 7800, QueryPort: 27800, RCONPassword: "rc",
	})
	fx.sup.mu.Unlock()

	status, _ := fx.do(t, http.MethodPost, "/api/rcon/bare", "", map[string]string{"command": "ListPlayers"})
	require.Equal(t, http.StatusOK, status)

	fx.rcon.mu.Lock()
	defer fx.rcon.mu.Unlock()
	require.Len(t, fx.rcon.targets, 1)
	assert.Equal(t, 27020, fx.rcon.targets[0].Port)
}

func TestCreateClusterRejectsNameInUse(t *testing.T) {
	fx := newFixture(t, "")
	require.NoError(t, fx.store.UpsertServerConfig(&asaman.Server{
		Name: "C1-Isle", ClusterName: "older", Map: "TheIsland",
		Port: 7000, QueryPort: 27100, RCONPort: 32400,
	}))

	body := map[string]any{
		"name": "C1", "basePort": 7777, "portIncrement": 1,
		"queryPortBase": 27015, "queryPortIncrement": 1,
		"rconPortBase": 32330, "rconPortIncrement": 1,
		"servers": []map[string]any{
			{"name": "C1-Isle", "map": "TheIsland"},
		},
	}
	status, env := fx.do(t, http.MethodPost, "/api/provisioning/clusters", "", body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(asaman.KindConflict), env.Code)

	list, err := fx.jobs.List()
	require.NoError(t, err)
	assert.Empty(t, list, "no job on name conflict")
}

func TestJobEndpoints(t *testing.T) {
	fx := newFixture(t, "")
	fx.addServer(t, "solo")

	_, env := fx.do(t, http.MethodPost, "/api/native-servers/solo/start", "", nil)
	id := jobID(t, env)
	fx.waitJob(t, id)

	status, env := fx.do(t, http.MethodGet, "/api/jobs/"+id, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, env.Data.(map[string]any)["id"])

	status, env = fx.do(t, http.MethodGet, "/api/jobs", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, env.Data)

	status, env = fx.do(t, http.MethodGet, "/api/jobs/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(asaman.KindNotFound), env.Code)

	// Cancelling a terminal job is a 412.
	status, _ = fx.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", "", nil)
	assert.Equal(t, http.StatusPreconditionFailed, status)
}

func TestBackupEndpoint(t *testing.T) {
	fx := newFixture(t, "")
	fx.addServer(t, "solo")

	status, env := fx.do(t, http.MethodPost, "/api/native-servers/solo/backup", "", nil)
	require.Equal(t, http.StatusAccepted, status)
	job := fx.waitJob(t, jobID(t, env))
	assert.Equal(t, asaman.JobStatusSucceeded, job.Status)
}

func TestRateLimit(t *testing.T) {
	fx := newFixture(t, "")
	fx.srv.limiter = newRateLimiter(2, time.Minute)
	ts := httptest.NewServer(fx.srv.Router())
	defer ts.Close()

	var last int
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/api/lock-status")
		require.NoError(t, err)
		resp.Body.Close()
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusConflict, last)
}

func TestErrorEnvelopeShape(t *testing.T) {
	fx := newFixture(t, "")
	resp, err := http.Get(fx.ts.URL + "/api/jobs/missing")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, false, raw["success"])
	assert.Equal(t, "NotFound", raw["code"])
	msg, _ := raw["message"].(string)
	assert.True(t, strings.Contains(msg, "missing"))
}
