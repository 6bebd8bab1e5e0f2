package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-fleet/pkg/logger"
	"relay-fleet/pkg/model"
	"relay-fleet/pkg/panel"
	"relay-fleet/pkg/panel/paneltest"
	"relay-fleet/pkg/placement"
	"relay-fleet/pkg/registry"
	"relay-fleet/pkg/store"
)

type fleet struct {
	st   *store.MemoryStore
	conn *paneltest.Connector
	reg  *registry.Registry
	eng  *placement.Engine
	mon  *Monitor
}

func newFleet(t *testing.T, opts Options) *fleet {
	t.Helper()
	st := store.NewMemoryStore()
	conn := paneltest.NewConnector()
	reg := registry.New(st, conn, logger.Discard())
	eng := placement.New(reg, st, nil, logger.Discard())
	reg.SetMigrator(eng)
	return &fleet{st: st, conn: conn, reg: reg, eng: eng, mon: New(reg, conn, eng, opts, logger.Discard())}
}

func (f *fleet) add(t *testing.T, name, region string) model.Node {
	t.Helper()
	n, err := f.reg.Create(context.Background(), registry.NodeSpec{
		Name: name, Region: region, PanelURL: "http://" + name + ":2053", PanelUsername: "admin", PanelPassword: "pw", MaxUsers: 100,
	})
	require.NoError(t, err)
	return n
}

func TestCheckNode(t *testing.T) {
	f := newFleet(t, Options{})
	n := f.add(t, "de-1", "DE")

	res := f.mon.CheckNode(context.Background(), n)
	assert.True(t, res.Healthy)
	assert.Equal(t, 1, res.Inbounds)
	assert.Equal(t, 1, res.ActiveInbounds)
	assert.False(t, res.CheckedAt.IsZero())

	fake := f.conn.Panel(n.PanelURL)
	fake.Inbounds[0].Enable = false
	res = f.mon.CheckNode(context.Background(), n)
	assert.False(t, res.Healthy)
	assert.Equal(t, "no enabled inbounds", res.Error)

	fake.SetLoginErr(panel.ErrUnauthorized)
	res = f.mon.CheckNode(context.Background(), n)
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Error, "login")
}

func TestCheckNodeLoginOnly(t *testing.T) {
	f := newFleet(t, Options{LoginOnly: true})
	n := f.add(t, "de-1", "DE")
	fake := f.conn.Panel(n.PanelURL)
	fake.ListErr = errors.New("boom")

	res := f.mon.CheckNode(context.Background(), n)
	assert.True(t, res.Healthy)
}

// slowPanel blocks every call until its context ends.
type slowPanel struct {
	panel.API
	calls atomic.Int32
}

func (s *slowPanel) Login(ctx context.Context) error {
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

type mixedConnector struct {
	*paneltest.Connector
	slow    *slowPanel
	slowURL string
}

func (c mixedConnector) For(n model.Node) panel.API {
	if n.PanelURL == c.slowURL {
		return c.slow
	}
	return c.Connector.For(n)
}

func TestCheckAllAppliesPerNodeTimeout(t *testing.T) {
	f := newFleet(t, Options{})
	good := f.add(t, "de-1", "DE")
	hung := f.add(t, "de-2", "DE")
	conn := mixedConnector{Connector: f.conn, slow: &slowPanel{}, slowURL: hung.PanelURL}
	mon := New(f.reg, conn, f.eng, Options{Timeout: 50 * time.Millisecond}, logger.Discard())

	start := time.Now()
	results, err := mon.CheckAll(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, results, 2)

	byID := map[string]model.HealthResult{}
	for _, r := range results {
		byID[r.NodeID] = r
	}
	assert.True(t, byID[good.ID].Healthy)
	assert.False(t, byID[hung.ID].Healthy)
	assert.GreaterOrEqual(t, byID[hung.ID].ResponseTimeMs, 50)

	stored, _ := f.reg.Get(hung.ID)
	assert.Equal(t, model.HealthUnhealthy, stored.HealthStatus)
	stored, _ = f.reg.Get(good.ID)
	assert.Equal(t, model.HealthHealthy, stored.HealthStatus)
}

func TestThreeStrikesRetireAndMigrate(t *testing.T) {
	f := newFleet(t, Options{})
	bad := f.add(t, "de-1", "DE")
	spare := f.add(t, "de-2", "DE")
	for uid := int64(1); uid <= 4; uid++ {
		_, err := f.st.ReplaceAssignment(uid, model.Assignment{NodeID: bad.ID, Region: "DE"})
		require.NoError(t, err)
	}
	_, err := f.reg.RecomputeStats(bad.ID)
	require.NoError(t, err)
	f.conn.Panel(bad.PanelURL).SetLoginErr(panel.ErrUnavailable)

	for i := 1; i <= 2; i++ {
		require.NoError(t, f.mon.Cycle(context.Background()))
		assert.Equal(t, i, f.mon.Failures(bad.ID))
		n, _ := f.reg.Get(bad.ID)
		assert.Equal(t, model.StatusActive, n.Status)
		assert.Equal(t, model.HealthUnhealthy, n.HealthStatus)
	}

	require.NoError(t, f.mon.Cycle(context.Background()))
	n, _ := f.reg.Get(bad.ID)
	assert.Equal(t, model.StatusInactive, n.Status)
	assert.Equal(t, model.HealthUnhealthy, n.HealthStatus)
	assert.Zero(t, n.CurrentUsers)

	moved, _ := f.st.ListAssignmentsByNode(spare.ID)
	assert.Len(t, moved, 4)
	logs, _ := f.st.ListSwitchLog(0, 0)
	require.Len(t, logs, 4)
	for _, e := range logs {
		assert.True(t, e.Success)
		assert.Equal(t, bad.ID, e.FromNodeID)
		assert.Equal(t, spare.ID, e.ToNodeID)
		assert.Equal(t, model.ReasonRetire, e.Reason)
	}

	// a retired node is not retired twice
	require.NoError(t, f.mon.Cycle(context.Background()))
	logs, _ = f.st.ListSwitchLog(0, 0)
	assert.Len(t, logs, 4)
}

func TestStrandedUsersMigrateOnceCapacityAppears(t *testing.T) {
	f := newFleet(t, Options{})
	only := f.add(t, "de-1", "DE")
	for uid := int64(1); uid <= 3; uid++ {
		_, err := f.st.ReplaceAssignment(uid, model.Assignment{NodeID: only.ID, Region: "DE"})
		require.NoError(t, err)
	}
	f.conn.Panel(only.PanelURL).SetLoginErr(panel.ErrUnavailable)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.mon.Cycle(context.Background()))
	}
	n, _ := f.reg.Get(only.ID)
	require.Equal(t, model.StatusInactive, n.Status)
	stuck, _ := f.st.ListAssignmentsByNode(only.ID)
	require.Len(t, stuck, 3)

	spare := f.add(t, "de-2", "DE")
	require.NoError(t, f.mon.Cycle(context.Background()))

	stuck, _ = f.st.ListAssignmentsByNode(only.ID)
	assert.Empty(t, stuck)
	moved, _ := f.st.ListAssignmentsByNode(spare.ID)
	assert.Len(t, moved, 3)
}

func TestMigrationAvoidsNodeFailingInSameCycle(t *testing.T) {
	f := newFleet(t, Options{})
	bad := f.add(t, "de-1", "DE")
	other := f.add(t, "de-2", "DE")
	_, err := f.st.ReplaceAssignment(1, model.Assignment{NodeID: bad.ID, Region: "DE"})
	require.NoError(t, err)

	f.conn.Panel(bad.PanelURL).SetLoginErr(panel.ErrUnavailable)
	require.NoError(t, f.mon.Cycle(context.Background()))
	require.NoError(t, f.mon.Cycle(context.Background()))

	f.conn.Panel(other.PanelURL).SetLoginErr(panel.ErrUnavailable)
	require.NoError(t, f.mon.Cycle(context.Background()))

	a, ok, _ := f.st.GetActiveAssignment(1)
	require.True(t, ok)
	assert.Equal(t, bad.ID, a.NodeID)

	f.conn.Panel(other.PanelURL).SetLoginErr(nil)
	require.NoError(t, f.mon.Cycle(context.Background()))
	a, _, _ = f.st.GetActiveAssignment(1)
	assert.Equal(t, other.ID, a.NodeID)
}

func TestHealthyPollResetsCounter(t *testing.T) {
	f := newFleet(t, Options{})
	n := f.add(t, "de-1", "DE")
	fake := f.conn.Panel(n.PanelURL)

	fake.SetLoginErr(panel.ErrUnavailable)
	require.NoError(t, f.mon.Cycle(context.Background()))
	require.NoError(t, f.mon.Cycle(context.Background()))
	assert.Equal(t, 2, f.mon.Failures(n.ID))

	fake.SetLoginErr(nil)
	require.NoError(t, f.mon.Cycle(context.Background()))
	assert.Zero(t, f.mon.Failures(n.ID))
	got, _ := f.reg.Get(n.ID)
	assert.Equal(t, model.HealthHealthy, got.HealthStatus)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestStartRunsImmediately(t *testing.T) {
	f := newFleet(t, Options{Interval: time.Hour})
	n := f.add(t, "de-1", "DE")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.mon.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, _ := f.reg.Get(n.ID)
		return got.HealthStatus == model.HealthHealthy
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestReport(t *testing.T) {
	f := newFleet(t, Options{})
	a := f.add(t, "de-1", "DE")
	b := f.add(t, "nl-1", "NL")
	for uid := int64(1); uid <= 50; uid++ {
		_, err := f.st.ReplaceAssignment(uid, model.Assignment{NodeID: a.ID, Region: "DE"})
		require.NoError(t, err)
	}
	_, err := f.reg.RecomputeStats(a.ID)
	require.NoError(t, err)
	f.conn.Panel(b.PanelURL).SetLoginErr(panel.ErrUnavailable)
	require.NoError(t, f.mon.Cycle(context.Background()))

	rep, err := f.mon.Report()
	require.NoError(t, err)
	assert.Equal(t, 2, rep.TotalNodes)
	assert.Equal(t, 2, rep.ActiveNodes)
	assert.Equal(t, 1, rep.HealthyNodes)
	assert.Equal(t, 1, rep.UnhealthyNodes)
	assert.Equal(t, 200, rep.TotalCapacity)
	assert.Equal(t, 50, rep.TotalUsers)
	assert.InDelta(t, 25.0, rep.SystemLoadPct, 1e-9)
	assert.Len(t, rep.Nodes, 2)
	require.Len(t, rep.LastCycleErrors, 1)
	assert.Contains(t, rep.LastCycleErrors[0], "nl-1")
}

func TestCheckOne(t *testing.T) {
	f := newFleet(t, Options{})
	n := f.add(t, "de-1", "DE")
	res, err := f.mon.CheckOne(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, res.Healthy)

	_, err = f.mon.CheckOne(context.Background(), "missing")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
