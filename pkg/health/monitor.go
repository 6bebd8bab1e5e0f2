// Package health polls node panels on a fixed interval, records the outcome
// through the registry and retires nodes that keep failing.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/model"
	"relay-fleet/pkg/panel"
	"relay-fleet/pkg/placement"
)

const (
	DefaultInterval         = 5 * time.Minute
	DefaultTimeout          = 20 * time.Second
	DefaultFailureThreshold = 3
)

// Registry is where poll results and retirements are written.
type Registry interface {
	Get(id string) (model.Node, error)
	List(model.NodeFilter) ([]model.Node, error)
	RecordHealth(nodeID string, res model.HealthResult) error
	Retire(nodeID string) error
}

// Migrator moves every user off a node.
type Migrator interface {
	MigrateNode(ctx context.Context, nodeID, reason string) placement.MigrationReport
}

type Options struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	// LoginOnly treats a successful login as healthy without listing inbounds.
	LoginOnly bool
}

func (o *Options) applyDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
}

type Monitor struct {
	reg      Registry
	panels   panel.Connector
	migrator Migrator
	opts     Options
	log      *log.Logger

	mu         sync.Mutex
	failures   map[string]int
	lastErrors []string
}

func New(reg Registry, panels panel.Connector, migrator Migrator, opts Options, logger *log.Logger) *Monitor {
	opts.applyDefaults()
	return &Monitor{
		reg:      reg,
		panels:   panels,
		migrator: migrator,
		opts:     opts,
		log:      logger,
		failures: make(map[string]int),
	}
}

// CheckNode polls one panel. It never returns an error; failures are
// reported in the result.
func (m *Monitor) CheckNode(ctx context.Context, n model.Node) model.HealthResult {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	res := model.HealthResult{NodeID: n.ID}
	start := time.Now()
	finish := func() model.HealthResult {
		res.ResponseTimeMs = int(time.Since(start).Milliseconds())
		res.CheckedAt = time.Now()
		return res
	}

	api := m.panels.For(n)
	if err := api.Login(ctx); err != nil {
		res.Error = "login: " + err.Error()
		return finish()
	}
	if m.opts.LoginOnly {
		res.Healthy = true
		return finish()
	}
	items, err := api.ListInbounds(ctx)
	if err != nil {
		res.Error = "list inbounds: " + err.Error()
		return finish()
	}
	res.Inbounds = len(items)
	for _, in := range items {
		if in.Enable {
			res.ActiveInbounds++
		}
	}
	if res.ActiveInbounds == 0 {
		res.Error = "no enabled inbounds"
		return finish()
	}
	res.Healthy = true
	return finish()
}

// CheckAll polls every node concurrently and records the results.
func (m *Monitor) CheckAll(ctx context.Context) ([]model.HealthResult, error) {
	_, results, err := m.checkAll(ctx)
	return results, err
}

func (m *Monitor) checkAll(ctx context.Context) ([]model.Node, []model.HealthResult, error) {
	nodes, err := m.reg.List(model.NodeFilter{})
	if err != nil {
		return nil, nil, fmt.Errorf("list nodes: %w", err)
	}
	results := make([]model.HealthResult, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n model.Node) {
			defer wg.Done()
			res := m.CheckNode(ctx, n)
			if err := m.reg.RecordHealth(n.ID, res); err != nil {
				m.log.Warnf("record health for %s: %v", n.Name, err)
			}
			results[i] = res
		}(i, n)
	}
	wg.Wait()
	return nodes, results, nil
}

// CheckOne polls a single node by id and records the result.
func (m *Monitor) CheckOne(ctx context.Context, nodeID string) (model.HealthResult, error) {
	n, err := m.reg.Get(nodeID)
	if err != nil {
		return model.HealthResult{}, err
	}
	res := m.CheckNode(ctx, n)
	return res, m.reg.RecordHealth(n.ID, res)
}

// Cycle polls the fleet once. Active nodes that failed FailureThreshold polls
// in a row are retired. Users still bound to any inactive node are migrated
// on every cycle, so a batch that could not be placed earlier is retried.
func (m *Monitor) Cycle(ctx context.Context) error {
	nodes, results, err := m.checkAll(ctx)
	if err != nil {
		m.setErrors([]string{err.Error()})
		return err
	}

	var errs []string
	var retire, drain []model.Node
	m.mu.Lock()
	seen := make(map[string]bool, len(nodes))
	for i, res := range results {
		n := nodes[i]
		seen[n.ID] = true
		if n.Status != model.StatusActive {
			drain = append(drain, n)
		}
		if res.Healthy {
			delete(m.failures, n.ID)
			continue
		}
		m.failures[n.ID]++
		errs = append(errs, fmt.Sprintf("%s: %s", n.Name, res.Error))
		if m.failures[n.ID] >= m.opts.FailureThreshold && n.Status == model.StatusActive {
			retire = append(retire, n)
		}
	}
	for id := range m.failures {
		if !seen[id] {
			delete(m.failures, id)
		}
	}
	m.mu.Unlock()

	for _, n := range retire {
		m.log.Warnf("node %s failed %d consecutive checks, retiring", n.Name, m.opts.FailureThreshold)
		if err := m.reg.Retire(n.ID); err != nil {
			errs = append(errs, fmt.Sprintf("%s: retire: %v", n.Name, err))
			continue
		}
		drain = append(drain, n)
	}

	if m.migrator != nil {
		for _, n := range drain {
			rep := m.migrator.MigrateNode(ctx, n.ID, model.ReasonRetire)
			if rep.Failed > 0 {
				errs = append(errs, fmt.Sprintf("%s: %d of %d users not migrated", n.Name, rep.Failed, rep.Total))
			}
		}
	}

	m.setErrors(errs)
	m.log.Infof("health cycle: %d nodes checked, %d failing, %d retired", len(nodes), len(errs), len(retire))
	return nil
}

func (m *Monitor) setErrors(errs []string) {
	m.mu.Lock()
	m.lastErrors = errs
	m.mu.Unlock()
}

// Failures returns the consecutive failure count of a node.
func (m *Monitor) Failures(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[nodeID]
}

// Start runs a cycle now and then every Interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		m.safeCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("health cycle panicked: %v", r)
		}
	}()
	if err := m.Cycle(ctx); err != nil {
		m.log.Errorf("health cycle failed: %v", err)
	}
}

// Report summarizes the fleet from the stored node records.
func (m *Monitor) Report() (model.FleetReport, error) {
	nodes, err := m.reg.List(model.NodeFilter{})
	if err != nil {
		return model.FleetReport{}, err
	}
	rep := model.FleetReport{TotalNodes: len(nodes), GeneratedAt: time.Now(), Nodes: make([]model.NodeLoad, 0, len(nodes))}
	for _, n := range nodes {
		if n.Status == model.StatusActive {
			rep.ActiveNodes++
			rep.TotalCapacity += n.MaxUsers
		} else {
			rep.InactiveNodes++
		}
		switch n.HealthStatus {
		case model.HealthHealthy:
			rep.HealthyNodes++
		case model.HealthUnhealthy:
			rep.UnhealthyNodes++
		}
		rep.TotalUsers += n.CurrentUsers
		rep.Nodes = append(rep.Nodes, model.NodeLoad{
			ID: n.ID, Name: n.Name, Region: n.Region, Status: n.Status, HealthStatus: n.HealthStatus,
			CurrentUsers: n.CurrentUsers, MaxUsers: n.MaxUsers, LoadPercentage: n.LoadPercentage(),
		})
	}
	if rep.TotalCapacity > 0 {
		rep.SystemLoadPct = float64(rep.TotalUsers) / float64(rep.TotalCapacity) * 100
	}
	m.mu.Lock()
	rep.LastCycleErrors = append([]string(nil), m.lastErrors...)
	m.mu.Unlock()
	return rep, nil
}
