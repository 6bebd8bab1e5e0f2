// Package placement picks the node a user is served from and keeps the
// user's assignment and the switch log in step with that choice.
package placement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/model"
	"relay-fleet/pkg/store"
)

var (
	ErrNoNodes       = errors.New("no nodes available")
	ErrUnknownRegion = errors.New("unknown region")
	ErrNoAssignment  = errors.New("user has no assignment")
)

// Nodes is the part of the registry placement reads and asks to recount.
type Nodes interface {
	Get(id string) (model.Node, error)
	List(model.NodeFilter) ([]model.Node, error)
	RecomputeStats(nodeID string) (int, error)
}

// FallbackTable lists, per region, the regions to try in order when the
// region itself has no usable node.
type FallbackTable map[string][]string

func DefaultFallbacks() FallbackTable {
	return FallbackTable{
		"RU": {"DE", "NL"},
		"DE": {"NL", "RU"},
		"NL": {"DE", "RU"},
	}
}

// Selection is the outcome of a placement decision.
type Selection struct {
	Node         model.Node `json:"node"`
	Region       string     `json:"region"`
	Score        float64    `json:"score"`
	FallbackUsed bool       `json:"fallbackUsed"`
	Emergency    bool       `json:"emergency,omitempty"`
	Message      string     `json:"message,omitempty"`
}

type Engine struct {
	nodes     Nodes
	store     store.FleetStore
	fallbacks FallbackTable
	log       *log.Logger
}

func New(nodes Nodes, st store.FleetStore, fallbacks FallbackTable, logger *log.Logger) *Engine {
	if fallbacks == nil {
		fallbacks = DefaultFallbacks()
	}
	return &Engine{nodes: nodes, store: st, fallbacks: fallbacks, log: logger}
}

// Select chooses a node for userID in region without recording anything.
func (e *Engine) Select(region string, userID int64) (Selection, error) {
	region = strings.ToUpper(region)
	var current *model.Assignment
	if a, ok, err := e.store.GetActiveAssignment(userID); err != nil {
		return Selection{}, err
	} else if ok {
		current = &a
	}
	return e.choose(region, current, nil, false)
}

// choose runs the full chain: best in region, one retry excluding a node that
// lost its capacity, fallback regions in order, then any active node. With
// usableOnly the last step skips nodes marked unhealthy.
func (e *Engine) choose(region string, current *model.Assignment, exclude map[string]bool, usableOnly bool) (Selection, error) {
	if exclude == nil {
		exclude = map[string]bool{}
	}
	for attempt := 0; attempt < 2; attempt++ {
		cands, err := e.candidates(region, exclude)
		if err != nil {
			return Selection{}, err
		}
		ranked := rank(cands, current)
		if len(ranked) == 0 {
			break
		}
		best := ranked[0]
		fresh, err := e.nodes.Get(best.node.ID)
		if err == nil && fresh.CanAcceptUsers() {
			return Selection{Node: fresh, Region: region, Score: best.score}, nil
		}
		e.log.Warnf("node %s lost capacity during selection, excluding it", best.node.Name)
		exclude[best.node.ID] = true
	}
	return e.fallback(region, exclude, usableOnly)
}

// candidates are active nodes in region that are healthy or not yet polled,
// highest priority first.
func (e *Engine) candidates(region string, exclude map[string]bool) ([]model.Node, error) {
	nodes, err := e.nodes.List(model.NodeFilter{
		Status:  model.StatusActive,
		Region:  region,
		Healths: []string{model.HealthHealthy, model.HealthUnknown},
	})
	if err != nil {
		return nil, err
	}
	out := nodes[:0]
	for _, n := range nodes {
		if !exclude[n.ID] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (e *Engine) fallback(region string, exclude map[string]bool, usableOnly bool) (Selection, error) {
	for _, fb := range e.fallbacks[region] {
		cands, err := e.candidates(fb, exclude)
		if err != nil {
			return Selection{}, err
		}
		for _, n := range cands {
			if n.CanAcceptUsers() {
				e.log.Infof("region %s: falling back to %s (node %s)", region, fb, n.Name)
				return Selection{Node: n, Region: fb, Score: Score(n, nil), FallbackUsed: true, Message: "fallback to " + fb}, nil
			}
		}
	}

	pool := model.NodeFilter{Status: model.StatusActive}
	if usableOnly {
		pool.Healths = []string{model.HealthHealthy, model.HealthUnknown}
	}
	active, err := e.nodes.List(pool)
	if err != nil {
		return Selection{}, err
	}
	for _, n := range active {
		if !exclude[n.ID] && n.CurrentUsers < n.MaxUsers {
			e.log.Warnf("region %s: emergency placement on node %s", region, n.Name)
			return Selection{Node: n, Region: n.Region, Score: Score(n, nil), FallbackUsed: true, Emergency: true,
				Message: "emergency assignment, system overloaded"}, nil
		}
	}
	return Selection{}, fmt.Errorf("%w for region %s", ErrNoNodes, region)
}

// Assign selects a node for the user and replaces their assignment with it.
// Every outcome is written to the switch log.
func (e *Engine) Assign(ctx context.Context, userID int64, region string) (Selection, error) {
	region = strings.ToUpper(strings.TrimSpace(region))
	start := time.Now()

	var current *model.Assignment
	from := ""
	if a, ok, err := e.store.GetActiveAssignment(userID); err != nil {
		e.audit(userID, "", "", region, model.ReasonPlacement, false, err, start)
		return Selection{}, err
	} else if ok {
		current = &a
		from = a.NodeID
	}

	if err := e.checkRegion(region); err != nil {
		e.log.Warnf("user %d: %v", userID, err)
		e.audit(userID, from, "", region, model.ReasonPlacement, false, err, start)
		return Selection{}, err
	}

	sel, err := e.choose(region, current, nil, false)
	if err != nil {
		e.audit(userID, from, "", region, model.ReasonPlacement, false, err, start)
		return Selection{}, err
	}
	if err := e.bind(userID, from, sel, region); err != nil {
		e.audit(userID, from, sel.Node.ID, region, model.ReasonPlacement, false, err, start)
		return Selection{}, err
	}
	e.auditSelection(userID, from, sel, region, model.ReasonPlacement, start)
	e.log.Infof("user %d placed on %s (%s, score %.2f)", userID, sel.Node.Name, sel.Region, sel.Score)
	return sel, nil
}

// checkRegion rejects codes missing from a seeded country catalog. An empty
// catalog accepts everything.
func (e *Engine) checkRegion(region string) error {
	if region == "" {
		return fmt.Errorf("%w: empty region", ErrUnknownRegion)
	}
	countries, err := e.store.ListCountries()
	if err != nil || len(countries) == 0 {
		return nil
	}
	for _, c := range countries {
		if c.Code == region {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownRegion, region)
}

// bind stores the assignment under the requested region and recounts both
// affected nodes.
func (e *Engine) bind(userID int64, from string, sel Selection, region string) error {
	now := time.Now()
	if _, err := e.store.ReplaceAssignment(userID, model.Assignment{
		NodeID:       sel.Node.ID,
		Region:       region,
		AssignedAt:   now,
		LastSwitchAt: now,
	}); err != nil {
		return fmt.Errorf("replace assignment: %w", err)
	}
	if _, err := e.nodes.RecomputeStats(sel.Node.ID); err != nil {
		e.log.Warnf("recount node %s: %v", sel.Node.ID, err)
	}
	if from != "" && from != sel.Node.ID {
		if _, err := e.nodes.RecomputeStats(from); err != nil {
			e.log.Warnf("recount node %s: %v", from, err)
		}
	}
	return nil
}

func (e *Engine) auditSelection(userID int64, from string, sel Selection, region, reason string, start time.Time) {
	entry := model.SwitchLogEntry{
		UserID:       userID,
		FromNodeID:   from,
		ToNodeID:     sel.Node.ID,
		Region:       region,
		Reason:       reason,
		Success:      true,
		FallbackUsed: sel.FallbackUsed,
		ProcessingMs: time.Since(start).Milliseconds(),
	}
	if err := e.store.AppendSwitchLog(entry); err != nil {
		e.log.Errorf("switch log for user %d: %v", userID, err)
	}
}

func (e *Engine) audit(userID int64, from, to, region, reason string, ok bool, cause error, start time.Time) {
	entry := model.SwitchLogEntry{
		UserID:       userID,
		FromNodeID:   from,
		ToNodeID:     to,
		Region:       region,
		Reason:       reason,
		Success:      ok,
		ProcessingMs: time.Since(start).Milliseconds(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := e.store.AppendSwitchLog(entry); err != nil {
		e.log.Errorf("switch log for user %d: %v", userID, err)
	}
}

// Current returns the user's active assignment.
func (e *Engine) Current(userID int64) (model.Assignment, bool, error) {
	return e.store.GetActiveAssignment(userID)
}

// History returns the user's newest switch log entries; userID 0 means all users.
func (e *Engine) History(userID int64, limit int) ([]model.SwitchLogEntry, error) {
	return e.store.ListSwitchLog(userID, limit)
}
