package placement

import (
	"context"
	"fmt"
	"time"

	"relay-fleet/pkg/model"
)

const (
	rebalanceMinGap   = 20.0
	rebalanceMaxMoves = 10
)

type MigrationReport struct {
	NodeID   string   `json:"nodeId"`
	Total    int      `json:"total"`
	Migrated int      `json:"migrated"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Migrate moves the user off fromNodeID to the best node of the user's region,
// then the fallback chain, then any active node with room that is not marked
// unhealthy.
func (e *Engine) Migrate(ctx context.Context, userID int64, fromNodeID, reason string) (model.Assignment, error) {
	start := time.Now()
	a, ok, err := e.store.GetActiveAssignment(userID)
	if err != nil {
		e.audit(userID, fromNodeID, "", "", reason, false, err, start)
		return model.Assignment{}, err
	}
	if !ok {
		err := fmt.Errorf("%w: %d", ErrNoAssignment, userID)
		e.audit(userID, fromNodeID, "", "", reason, false, err, start)
		return model.Assignment{}, err
	}
	if a.NodeID != fromNodeID {
		// already moved by someone else
		return a, nil
	}
	region := a.Region
	if region == "" {
		if n, err := e.nodes.Get(fromNodeID); err == nil {
			region = n.Region
		}
	}

	sel, err := e.choose(region, nil, map[string]bool{fromNodeID: true}, true)
	if err != nil {
		e.audit(userID, fromNodeID, "", region, reason, false, err, start)
		return model.Assignment{}, err
	}
	return e.moveTo(userID, fromNodeID, region, reason, sel, start)
}

func (e *Engine) moveTo(userID int64, from, region, reason string, sel Selection, start time.Time) (model.Assignment, error) {
	if err := e.bind(userID, from, sel, region); err != nil {
		e.audit(userID, from, sel.Node.ID, region, reason, false, err, start)
		return model.Assignment{}, err
	}
	e.auditSelection(userID, from, sel, region, reason, start)
	a, _, err := e.store.GetActiveAssignment(userID)
	return a, err
}

// MigrateNode moves every user assigned to nodeID. Per-user failures are
// collected and do not stop the batch.
func (e *Engine) MigrateNode(ctx context.Context, nodeID, reason string) MigrationReport {
	rep := MigrationReport{NodeID: nodeID}
	assigned, err := e.store.ListAssignmentsByNode(nodeID)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		return rep
	}
	rep.Total = len(assigned)
	if rep.Total == 0 {
		return rep
	}
	for _, a := range assigned {
		if ctx.Err() != nil {
			rep.Failed += rep.Total - rep.Migrated - rep.Failed
			rep.Errors = append(rep.Errors, ctx.Err().Error())
			break
		}
		if _, err := e.Migrate(ctx, a.UserID, nodeID, reason); err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Sprintf("user %d: %v", a.UserID, err))
			e.log.Warnf("node %s: migrate user %d: %v", nodeID, a.UserID, err)
			continue
		}
		rep.Migrated++
	}
	e.log.Infof("node %s: migrated %d/%d users (%s)", nodeID, rep.Migrated, rep.Total, reason)
	return rep
}

type RebalanceReport struct {
	Moved    int     `json:"moved"`
	FromNode string  `json:"fromNode,omitempty"`
	ToNode   string  `json:"toNode,omitempty"`
	Gap      float64 `json:"gap"`
	Reason   string  `json:"reason,omitempty"`
}

// Rebalance moves users from the most to the least loaded healthy node when
// their load differs by at least 20 points.
func (e *Engine) Rebalance(ctx context.Context) (RebalanceReport, error) {
	nodes, err := e.nodes.List(model.NodeFilter{Status: model.StatusActive, Healths: []string{model.HealthHealthy}})
	if err != nil {
		return RebalanceReport{}, err
	}
	if len(nodes) < 2 {
		return RebalanceReport{Reason: "not enough healthy nodes"}, nil
	}
	hi, lo := nodes[0], nodes[0]
	for _, n := range nodes[1:] {
		if n.LoadPercentage() > hi.LoadPercentage() {
			hi = n
		}
		if n.LoadPercentage() < lo.LoadPercentage() {
			lo = n
		}
	}
	rep := RebalanceReport{FromNode: hi.ID, ToNode: lo.ID, Gap: hi.LoadPercentage() - lo.LoadPercentage()}
	if rep.Gap < rebalanceMinGap {
		rep.Reason = "load difference too small"
		return rep, nil
	}
	moves := (hi.CurrentUsers - lo.CurrentUsers) / 2
	if moves > rebalanceMaxMoves {
		moves = rebalanceMaxMoves
	}
	if free := lo.MaxUsers - lo.CurrentUsers; moves > free {
		moves = free
	}
	if moves < 1 {
		rep.Reason = "balanced"
		return rep, nil
	}
	assigned, err := e.store.ListAssignmentsByNode(hi.ID)
	if err != nil {
		return rep, err
	}
	for _, a := range assigned {
		if rep.Moved >= moves || ctx.Err() != nil {
			break
		}
		start := time.Now()
		target, err := e.nodes.Get(lo.ID)
		if err != nil || !target.CanAcceptUsers() {
			break
		}
		sel := Selection{Node: target, Region: target.Region, Score: Score(target, nil)}
		region := a.Region
		if region == "" {
			region = target.Region
		}
		if _, err := e.moveTo(a.UserID, hi.ID, region, model.ReasonRebalance, sel, start); err != nil {
			e.log.Warnf("rebalance user %d: %v", a.UserID, err)
			continue
		}
		rep.Moved++
	}
	e.log.Infof("rebalanced %d users from %s to %s (gap %.1f)", rep.Moved, hi.Name, lo.Name, rep.Gap)
	return rep, nil
}
