// Package deploy turns a fresh host into a registered reality node: it installs
// 3x-ui over SSH, generates the node's keys, checks that the panel answers and
// finally registers the node and its inbound.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/keys"
	"relay-fleet/pkg/model"
	"relay-fleet/pkg/provision"
	"relay-fleet/pkg/registry"
	"relay-fleet/pkg/remote"
)

var (
	ErrInstallFailed = errors.New("install script failed")
	ErrPanelNotReady = errors.New("panel did not become ready")
)

const (
	probeCmd     = `echo 'OS:' $(uname -s) 'ARCH:' $(uname -m)`
	restartedMsg = "controller restarted during deployment"

	// stdout kept in a failed install's error
	outputTailLen = 1000
	// streamed lines advance the percentage up to this value
	installPercentCap = 79
)

// Registry stores the finished node.
type Registry interface {
	Create(ctx context.Context, spec registry.NodeSpec) (model.Node, error)
}

// Provisioner creates the node's reality inbound.
type Provisioner interface {
	Create(ctx context.Context, node model.Node, req provision.Request) (int, error)
}

type Options struct {
	ProbeTimeout   time.Duration
	InstallTimeout time.Duration
	HealthAttempts int
	HealthDelay    time.Duration
	HealthTimeout  time.Duration
	MaxLogLines    int
	HTTPClient     *http.Client
}

func (o *Options) applyDefaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 60 * time.Second
	}
	if o.InstallTimeout <= 0 {
		o.InstallTimeout = 30 * time.Minute
	}
	if o.HealthAttempts <= 0 {
		o.HealthAttempts = 10
	}
	if o.HealthDelay <= 0 {
		o.HealthDelay = 3 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.MaxLogLines <= 0 {
		o.MaxLogLines = 200
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
}

// Event is published for every change of a job.
type Event struct {
	JobID   string          `json:"jobId"`
	Status  model.JobStatus `json:"status"`
	Percent int             `json:"percent"`
	Line    string          `json:"line,omitempty"`
}

// Probe is what Validate learned about a host.
type Probe struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

type Orchestrator struct {
	dialer  remote.Dialer
	keys    *keys.Generator
	nodes   Registry
	prov    Provisioner
	journal *Journal
	opts    Options
	log     *log.Logger

	mu        sync.RWMutex
	jobs      map[string]*model.Job
	observers []func(Event)
	running   sync.WaitGroup
}

// New builds an orchestrator. journal may be nil.
func New(dialer remote.Dialer, gen *keys.Generator, nodes Registry, prov Provisioner, journal *Journal, opts Options, logger *log.Logger) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		dialer:  dialer,
		keys:    gen,
		nodes:   nodes,
		prov:    prov,
		journal: journal,
		opts:    opts,
		log:     logger,
		jobs:    make(map[string]*model.Job),
	}
}

// OnUpdate registers fn for every job event. fn runs on the job's goroutine
// and must not block.
func (o *Orchestrator) OnUpdate(fn func(Event)) {
	o.mu.Lock()
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
}

// Start validates spec and runs the deployment in the background.
func (o *Orchestrator) Start(spec DeploySpec) (string, error) {
	if err := spec.normalize(); err != nil {
		return "", err
	}
	job := &model.Job{
		ID:          uuid.NewString(),
		Host:        spec.Host,
		NodeName:    spec.NodeName,
		Status:      model.JobPending,
		CurrentStep: "queued",
		StartedAt:   time.Now(),
	}
	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()
	o.persist(job.Tail(0))
	o.log.Infof("deployment %s started for %s (%s)", job.ID, spec.Host, spec.NodeName)

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		o.run(job.ID, spec)
	}()
	return job.ID, nil
}

// Wait blocks until every started job has finished.
func (o *Orchestrator) Wait() { o.running.Wait() }

func (o *Orchestrator) Progress(jobID string) (model.Job, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return model.Job{}, false
	}
	return j.Tail(0), true
}

// Jobs lists all known jobs, newest first.
func (o *Orchestrator) Jobs() []model.Job {
	o.mu.RLock()
	out := make([]model.Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.Tail(0))
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// Prune forgets finished jobs older than olderThan and reports how many.
func (o *Orchestrator) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	var gone []string
	o.mu.Lock()
	for id, j := range o.jobs {
		if j.Status.Finished() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(o.jobs, id)
			gone = append(gone, id)
		}
	}
	o.mu.Unlock()
	if o.journal != nil {
		for _, id := range gone {
			if err := o.journal.Delete(id); err != nil {
				o.log.Warnf("journal delete %s: %v", id, err)
			}
		}
	}
	return len(gone)
}

// Recover loads journaled jobs. Jobs that were still running when the
// controller stopped are marked failed; it returns how many.
func (o *Orchestrator) Recover() (int, error) {
	if o.journal == nil {
		return 0, nil
	}
	jobs, err := o.journal.Load()
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}
	marked := 0
	for i := range jobs {
		j := jobs[i]
		if !j.Status.Finished() {
			now := time.Now()
			j.Status = model.JobFailed
			j.Error = restartedMsg
			j.FinishedAt = &now
			o.persist(j)
			marked++
		}
		o.mu.Lock()
		if _, exists := o.jobs[j.ID]; !exists {
			o.jobs[j.ID] = &j
		}
		o.mu.Unlock()
	}
	if marked > 0 {
		o.log.Warnf("%d deployments were interrupted by a restart", marked)
	}
	return marked, nil
}

// Validate checks that the host is reachable over SSH and reports its platform.
func (o *Orchestrator) Validate(ctx context.Context, spec DeploySpec) (Probe, error) {
	if err := spec.normalize(); err != nil {
		return Probe{}, err
	}
	sess, err := o.dialer.Dial(ctx, target(spec))
	if err != nil {
		return Probe{}, err
	}
	defer sess.Close()
	return probe(ctx, sess, o.opts.ProbeTimeout)
}

func target(spec DeploySpec) remote.Target {
	return remote.Target{Host: spec.Host, Port: spec.SSHPort, User: spec.SSHUser, Password: spec.SSHPassword}
}

func probe(ctx context.Context, sess remote.Session, timeout time.Duration) (Probe, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := sess.Run(ctx, probeCmd)
	if err != nil {
		return Probe{}, fmt.Errorf("probe: %w", err)
	}
	if res.ExitCode != 0 {
		return Probe{}, fmt.Errorf("probe exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	var p Probe
	f := strings.Fields(res.Stdout)
	for i := 0; i+1 < len(f); i++ {
		switch f[i] {
		case "OS:":
			p.OS = f[i+1]
		case "ARCH:":
			p.Arch = f[i+1]
		}
	}
	if p.OS == "" || p.Arch == "" {
		return p, fmt.Errorf("unexpected probe output %q", strings.TrimSpace(res.Stdout))
	}
	return p, nil
}

// update mutates a job, appends line to its log and publishes the change.
func (o *Orchestrator) update(id, line string, fn func(j *model.Job)) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	if fn != nil {
		fn(j)
	}
	if line != "" {
		j.Logs = append(j.Logs, fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), line))
		if over := len(j.Logs) - o.opts.MaxLogLines; over > 0 {
			j.Logs = append([]string(nil), j.Logs[over:]...)
		}
	}
	snap := j.Tail(0)
	observers := append(([]func(Event))(nil), o.observers...)
	o.mu.Unlock()

	o.persist(snap)
	ev := Event{JobID: id, Status: snap.Status, Percent: snap.Percent, Line: line}
	for _, fn := range observers {
		fn(ev)
	}
}

func (o *Orchestrator) persist(j model.Job) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Save(j); err != nil {
		o.log.Warnf("journal save %s: %v", j.ID, err)
	}
}

func (o *Orchestrator) run(id string, spec DeploySpec) {
	d := &deployment{o: o, id: id, spec: spec}
	err := d.execute(context.Background())
	d.cleanup()

	now := time.Now()
	if err != nil {
		o.log.Errorf("deployment %s on %s failed: %v", id, spec.Host, err)
		o.update(id, "deployment failed: "+err.Error(), func(j *model.Job) {
			j.Status = model.JobFailed
			j.Error = err.Error()
			j.CurrentStep = "failed"
			j.FinishedAt = &now
		})
		return
	}
	msg := "deployment completed"
	if d.warning != "" {
		msg += " with warning"
	}
	o.log.Infof("deployment %s on %s: %s, node %s", id, spec.Host, msg, d.nodeID)
	o.update(id, msg, func(j *model.Job) {
		j.Status = model.JobCompleted
		j.Percent = 100
		j.CurrentStep = "completed"
		j.NodeID = d.nodeID
		j.Warning = d.warning
		j.FinishedAt = &now
	})
}

// deployment is the state of one running job.
type deployment struct {
	o    *Orchestrator
	id   string
	spec DeploySpec

	sess       remote.Session
	arch       string
	scriptPath string
	kp         keys.KeyPair
	live       PanelSettings
	nodeID     string
	warning    string
}

func (d *deployment) step(status model.JobStatus, percent int, msg string) {
	d.o.update(d.id, msg, func(j *model.Job) {
		j.Status = status
		j.Percent = percent
		j.CurrentStep = msg
	})
}

func (d *deployment) logf(format string, args ...interface{}) {
	d.o.update(d.id, fmt.Sprintf(format, args...), nil)
}

func (d *deployment) execute(ctx context.Context) error {
	for _, fn := range []func(context.Context) error{d.detect, d.install, d.configure, d.discover, d.verify, d.finalize} {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *deployment) detect(ctx context.Context) error {
	d.step(model.JobDetecting, 10, "connecting to "+d.spec.Host)
	sess, err := d.o.dialer.Dial(ctx, target(d.spec))
	if err != nil {
		return fmt.Errorf("ssh: %w", err)
	}
	d.sess = sess

	d.step(model.JobDetecting, 20, "detecting environment")
	p, err := probe(ctx, sess, d.o.opts.ProbeTimeout)
	if err != nil {
		return err
	}
	if p.OS != "Linux" {
		return fmt.Errorf("unsupported OS %q", p.OS)
	}
	if d.arch, err = releaseArch(p.Arch); err != nil {
		return err
	}
	d.logf("detected %s %s", p.OS, p.Arch)
	return nil
}

func (d *deployment) install(ctx context.Context) error {
	d.step(model.JobInstalling, 30, "generating install script")
	script, err := renderInstaller(d.spec, d.arch)
	if err != nil {
		return err
	}
	d.scriptPath = fmt.Sprintf("/tmp/deploy_%s.sh", shortHex())
	d.step(model.JobInstalling, 40, "install script ready")

	d.step(model.JobInstalling, 55, "uploading install script")
	if err := d.sess.Upload(ctx, d.scriptPath, script, 0o600); err != nil {
		return err
	}
	d.step(model.JobInstalling, 60, "making script executable")
	cctx, cancel := context.WithTimeout(ctx, d.o.opts.ProbeTimeout)
	res, err := d.sess.Run(cctx, "chmod +x "+remote.Quote(d.scriptPath))
	cancel()
	if err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("chmod exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	d.step(model.JobInstalling, 65, "running install script")
	ictx, cancel := context.WithTimeout(ctx, d.o.opts.InstallTimeout)
	res, err = d.sess.Stream(ictx, "bash "+remote.Quote(d.scriptPath), d.streamLine)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %w%s", ErrInstallFailed, err, outputTail(res))
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: exit code %d%s", ErrInstallFailed, res.ExitCode, outputTail(res))
	}
	d.step(model.JobInstalling, 80, "installation finished")
	return nil
}

func (d *deployment) streamLine(stream, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if stream == remote.StreamStderr {
		line = "! " + line
	}
	d.o.update(d.id, line, func(j *model.Job) {
		if j.Percent < installPercentCap {
			j.Percent++
		}
	})
}

func outputTail(res remote.Result) string {
	var b strings.Builder
	if s := strings.TrimSpace(res.Stderr); s != "" {
		b.WriteString("\nstderr: " + tail(s, outputTailLen))
	}
	if s := strings.TrimSpace(res.Stdout); s != "" {
		b.WriteString("\nstdout: " + tail(s, outputTailLen))
	}
	return b.String()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (d *deployment) configure(ctx context.Context) error {
	d.step(model.JobConfiguring, 82, "generating reality keys")
	kp, err := d.o.keys.WithRemote(d.sess).Generate(ctx)
	if err != nil {
		return err
	}
	if err := keys.Validate(kp.PrivateKey, kp.PublicKey); err != nil {
		return fmt.Errorf("generated keys rejected: %w", err)
	}
	d.kp = kp
	d.step(model.JobConfiguring, 84, fmt.Sprintf("keys ready (%s), pub=%s", kp.Method, kp.Fingerprint()))
	return nil
}

// discover replaces the assumed panel settings with what the host reports.
func (d *deployment) discover(ctx context.Context) error {
	d.step(model.JobConfiguring, 86, "reading live panel settings")
	assumed := PanelSettings{
		Port:     d.spec.PanelPort,
		BasePath: d.spec.WebBasePath,
		Username: d.spec.PanelUsername,
		Password: d.spec.PanelPassword,
	}
	cctx, cancel := context.WithTimeout(ctx, d.o.opts.ProbeTimeout)
	res, err := d.sess.Run(cctx, xuiBin+" setting -show")
	cancel()
	switch {
	case err != nil:
		d.logf("could not read panel settings, keeping requested ones: %v", err)
		d.live = assumed
	case res.ExitCode != 0:
		d.logf("x-ui setting -show exited %d, keeping requested settings", res.ExitCode)
		d.live = assumed
	default:
		d.live = ParseSettings(res.Stdout, assumed)
	}
	if d.live.Port != d.spec.PanelPort {
		d.logf("panel listens on %d instead of requested %d", d.live.Port, d.spec.PanelPort)
	}
	d.step(model.JobConfiguring, 88, fmt.Sprintf("panel on port %d, base path %q", d.live.Port, d.live.BasePath))
	return nil
}

func (d *deployment) panelURL() string {
	u := "http://" + net.JoinHostPort(d.spec.Host, strconv.Itoa(d.live.Port))
	if d.live.BasePath != "" {
		u += "/" + d.live.BasePath
	}
	return u
}

func (d *deployment) verify(ctx context.Context) error {
	url := d.panelURL() + "/login"
	d.step(model.JobValidating, 90, "waiting for panel at "+url)
	attempts := d.o.opts.HealthAttempts
	var last string
	for i := 1; i <= attempts; i++ {
		code, err := d.get(ctx, url)
		if err == nil && code == http.StatusOK {
			d.step(model.JobValidating, 94, fmt.Sprintf("panel answered on attempt %d", i))
			return nil
		}
		if err != nil {
			last = err.Error()
		} else {
			last = fmt.Sprintf("HTTP %d", code)
		}
		d.logf("panel check %d/%d: %s", i, attempts, last)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.o.opts.HealthDelay):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %s", ErrPanelNotReady, url, attempts, last)
}

func (d *deployment) get(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.o.opts.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.o.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *deployment) finalize(ctx context.Context) error {
	d.step(model.JobValidating, 95, "registering node")
	node, err := d.o.nodes.Create(ctx, registry.NodeSpec{
		Name:          d.spec.NodeName,
		Description:   "Auto-deployed Reality node via SSH on " + d.spec.Host,
		Location:      d.spec.Location,
		Region:        d.spec.Region,
		PanelURL:      d.panelURL(),
		PanelUsername: d.live.Username,
		PanelPassword: d.live.Password,
		Mode:          model.ModeReality,
		PublicKey:     d.kp.PublicKey,
		ShortID:       d.kp.ShortID,
		SNIMask:       d.spec.SNIMask,
		MaxUsers:      d.spec.MaxUsers,
		Priority:      d.spec.Priority,
	})
	if err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	d.nodeID = node.ID
	d.step(model.JobValidating, 97, fmt.Sprintf("node %s registered", node.ID))

	_, err = d.o.prov.Create(ctx, node, provision.Request{
		Port:   provision.DefaultPort,
		SNI:    node.SNIMask,
		Remark: "Auto-Reality-" + node.Name,
		Keys:   &d.kp,
	})
	if err != nil {
		d.warning = "reality inbound not created: " + err.Error()
		d.logf("warning: %s", d.warning)
		return nil
	}
	d.logf("reality inbound created on port %d", provision.DefaultPort)
	return nil
}

// cleanup removes the remote script copy and closes the session. It runs
// whatever the outcome.
func (d *deployment) cleanup() {
	if d.sess == nil {
		return
	}
	if d.scriptPath != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := d.sess.Run(ctx, "rm -f "+remote.Quote(d.scriptPath)); err != nil {
			d.logf("cleanup: %v", err)
		} else {
			d.logf("removed %s", d.scriptPath)
		}
		cancel()
	}
	_ = d.sess.Close()
}
