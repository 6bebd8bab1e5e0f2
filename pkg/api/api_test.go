package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-fleet/pkg/auth"
	"relay-fleet/pkg/deploy"
	"relay-fleet/pkg/health"
	"relay-fleet/pkg/keys"
	"relay-fleet/pkg/logger"
	"relay-fleet/pkg/model"
	"relay-fleet/pkg/panel"
	"relay-fleet/pkg/panel/paneltest"
	"relay-fleet/pkg/placement"
	"relay-fleet/pkg/provision"
	"relay-fleet/pkg/registry"
	"relay-fleet/pkg/remote"
	"relay-fleet/pkg/store"
)

// gateDialer holds every dial until release is closed, then fails it.
type gateDialer struct {
	release chan struct{}
}

func (d gateDialer) Dial(ctx context.Context, _ remote.Target) (remote.Session, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	return nil, errors.New("host unreachable")
}

type env struct {
	srv     *httptest.Server
	st      *store.MemoryStore
	conn    *paneltest.Connector
	reg     *registry.Registry
	orch    *deploy.Orchestrator
	release chan struct{}
	token   string
}

func newEnv(t *testing.T, configure func(*Deps)) *env {
	t.Helper()
	lg := logger.Discard()
	st := store.NewMemoryStore()
	conn := paneltest.NewConnector()
	reg := registry.New(st, conn, lg)
	eng := placement.New(reg, st, nil, lg)
	reg.SetMigrator(eng)
	prov := provision.New(conn, reg, lg)
	mon := health.New(reg, conn, eng, health.Options{}, lg)
	release := make(chan struct{})
	orch := deploy.New(gateDialer{release: release}, keys.NewGenerator(nil, lg), reg, prov, nil, deploy.Options{}, lg)

	d := Deps{Registry: reg, Placement: eng, Provisioner: prov, Monitor: mon, Deployer: orch, Log: lg}
	if configure != nil {
		configure(&d)
	}
	mux := http.NewServeMux()
	NewServer(d).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		orch.Wait()
		srv.Close()
	})
	return &env{srv: srv, st: st, conn: conn, reg: reg, orch: orch, release: release, token: d.Token}
}

func (e *env) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *env) createNode(t *testing.T, name, region string, capacity int) model.Node {
	t.Helper()
	var n model.Node
	code := e.do(t, http.MethodPost, "/api/v1/nodes", registry.NodeSpec{
		Name: name, Region: region, PanelURL: "http://" + name + ":2053/", PanelUsername: "admin", PanelPassword: "pw", MaxUsers: capacity,
	}, &n)
	require.Equal(t, http.StatusCreated, code)
	return n
}

func TestStaticToken(t *testing.T) {
	e := newEnv(t, func(d *Deps) { d.Token = "s3cret" })

	e.token = ""
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/v1/nodes", nil, nil))
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil, nil))

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/nodes", nil)
	req.Header.Set("X-Auth-Token", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	e.token = "s3cret"
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/nodes", nil, nil))
}

func TestRegisterAndLogin(t *testing.T) {
	e := newEnv(t, func(d *Deps) {
		d.Users = store.NewMemoryUsers()
		d.Signer = auth.NewSigner("test-secret", time.Hour)
	})
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/v1/nodes", nil, nil))

	var tok map[string]string
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/auth/register", authRequest{Username: "ops", Password: "long-password"}, &tok))
	require.NotEmpty(t, tok["token"])
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/api/v1/auth/register", authRequest{Username: "x", Password: "another-one"}, nil))

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/api/v1/auth/login", authRequest{Username: "ops", Password: "wrong-password"}, nil))
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/auth/login", authRequest{Username: "ops", Password: "long-password"}, &tok))

	e.token = tok["token"]
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/nodes", nil, nil))
}

func TestNodeLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	n := e.createNode(t, "de-1", "de", 100)
	assert.Equal(t, "DE", n.Region)
	assert.Equal(t, "http://de-1:2053", n.PanelURL)

	var raw map[string]interface{}
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/nodes/"+n.ID, nil, &raw))
	_, leaked := raw["panelPassword"]
	assert.False(t, leaked)

	limit := 10
	var updated model.Node
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/api/v1/nodes/"+n.ID, registry.NodePatch{MaxUsers: &limit}, &updated))
	assert.Equal(t, 10, updated.MaxUsers)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/nodes/"+n.ID+"/test", nil, nil))
	var stats registry.NodeStats
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/nodes/"+n.ID+"/stats", nil, &stats))
	assert.Equal(t, 1, stats.Inbounds)

	var prov map[string]bool
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/nodes/"+n.ID+"/provision", nil, &prov))
	assert.False(t, prov["created"], "seeded reality inbound is reused")

	e.conn.Panel(n.PanelURL).SetLoginErr(panel.ErrUnauthorized)
	assert.Equal(t, http.StatusBadGateway, e.do(t, http.MethodPost, "/api/v1/nodes/"+n.ID+"/test", nil, nil))

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/nodes", registry.NodeSpec{Name: "x", PanelURL: "ftp://x"}, nil))
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodDelete, "/api/v1/nodes/"+n.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/nodes/"+n.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/api/v1/nodes/"+n.ID, nil, nil))
}

func TestPlacementFlow(t *testing.T) {
	e := newEnv(t, nil)
	full := e.createNode(t, "de-1", "DE", 1)
	free := e.createNode(t, "de-2", "DE", 10)
	_, err := e.st.ReplaceAssignment(99, model.Assignment{NodeID: full.ID, Region: "DE"})
	require.NoError(t, err)
	_, err = e.reg.RecomputeStats(full.ID)
	require.NoError(t, err)
	_, err = e.reg.SeedCountries([]model.Country{{Code: "DE", Name: "Germany", Active: true, Priority: 80}}, false)
	require.NoError(t, err)

	var sel placement.Selection
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/placement", map[string]interface{}{"userId": 1, "region": "de"}, &sel))
	assert.Equal(t, free.ID, sel.Node.ID)

	var a model.Assignment
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/placement/1", nil, &a))
	assert.Equal(t, free.ID, a.NodeID)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/placement/2", nil, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/placement/abc", nil, nil))

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/placement", map[string]interface{}{"userId": 3, "region": "ZZ"}, nil))

	var access provision.Access
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/api/v1/clients", map[string]interface{}{"userId": 1}, &access))
	assert.Equal(t, free.ID, access.NodeID)
	assert.True(t, strings.HasPrefix(access.URI, "vless://"))
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodDelete,
		fmt.Sprintf("/api/v1/nodes/%s/clients/%s?inboundId=%d", free.ID, access.ClientID, access.InboundID), nil, nil))

	var logs []model.SwitchLogEntry
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/switch-log?userId=1", nil, &logs))
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)

	var countries []model.Country
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/countries", nil, &countries))
	require.Len(t, countries, 1)
	var avail map[string]interface{}
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/countries/de", nil, &avail))
	assert.Equal(t, true, avail["available"])

	var rep placement.MigrationReport
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/nodes/"+full.ID+"/migrate", nil, &rep))
	assert.Equal(t, 1, rep.Migrated)
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	n := e.createNode(t, "nl-1", "NL", 10)

	var results []model.HealthResult
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/health/check", nil, &results))
	require.Len(t, results, 1)
	assert.True(t, results[0].Healthy)

	var one model.HealthResult
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/nodes/"+n.ID+"/check", nil, &one))
	assert.Equal(t, n.ID, one.NodeID)

	var rep model.FleetReport
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/health", nil, &rep))
	assert.Equal(t, 1, rep.HealthyNodes)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/load", nil, nil))
}

func TestDeploymentEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/deployments", deploy.DeploySpec{Host: "10.0.0.5"}, nil))

	var started map[string]string
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/v1/deployments",
		deploy.DeploySpec{Host: "10.0.0.5", SSHPassword: "pw", Region: "NL"}, &started))
	id := started["jobId"]
	require.NotEmpty(t, id)

	var job model.Job
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/deployments/"+id, nil, &job))
	assert.False(t, job.Status.Finished())

	close(e.release)
	e.orch.Wait()
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/deployments/"+id, nil, &job))
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, "host unreachable")

	var jobs []model.Job
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/deployments", nil, &jobs))
	assert.Len(t, jobs, 1)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/deployments/nope", nil, nil))
}

func TestDeploymentWebsocket(t *testing.T) {
	e := newEnv(t, nil)
	id, err := e.orch.Start(deploy.DeploySpec{Host: "10.0.0.9", SSHPassword: "pw", Region: "DE"})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/deployments/" + id + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first WSMessage
	require.NoError(t, c.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, id, first.JobID)

	close(e.release)
	for {
		var msg struct {
			Type    string       `json:"type"`
			Payload deploy.Event `json:"payload"`
		}
		require.NoError(t, c.ReadJSON(&msg))
		if msg.Type == "event" && msg.Payload.Status == model.JobFailed {
			assert.Contains(t, msg.Payload.Line, "host unreachable")
			break
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{registry.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", deploy.ErrInvalidSpec), http.StatusBadRequest},
		{placement.ErrNoNodes, http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", panel.ErrUnavailable), http.StatusBadGateway},
		{fmt.Errorf("x: %w", remote.ErrTimeout), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}
