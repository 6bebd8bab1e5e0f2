package placement

import (
	"sort"

	"relay-fleet/pkg/model"
)

// Scores at or below this are not viable.
const minViableScore = 0.3

const slowResponseMs = 5000

// Score rates a node for a user in [0,1]. current is the user's active
// assignment, if any. Unhealthy, slow or full nodes score exactly 0.
func Score(n model.Node, current *model.Assignment) float64 {
	if n.HealthStatus == model.HealthUnhealthy || n.ResponseTimeMs > slowResponseMs {
		return 0
	}
	if n.MaxUsers <= 0 || n.CurrentUsers >= n.MaxUsers {
		return 0
	}
	free := float64(n.MaxUsers-n.CurrentUsers) / float64(n.MaxUsers)
	capacity := clamp(free * 1.2)

	priority := clamp(float64(n.Priority) / 100)

	affinity := 0.5
	if current != nil && current.NodeID == n.ID {
		affinity = 0.8
	}
	return capacity*0.50 + performance(n)*0.30 + priority*0.15 + affinity*0.05
}

// performance mixes response time (0.6) and remaining headroom (0.4).
func performance(n model.Node) float64 {
	response := 0.5 // not measured yet
	switch ms := n.ResponseTimeMs; {
	case ms <= 0:
	case ms <= 500:
		response = 1.0
	case ms >= 3000:
		response = 0.1
	default:
		response = 1.0 - float64(ms-500)/2500*0.9
	}
	load := 0.0
	if n.MaxUsers > 0 {
		load = float64(n.CurrentUsers) / float64(n.MaxUsers)
	}
	headroom := 1.0 - load
	if headroom < 0.1 {
		headroom = 0.1
	}
	return clamp(response*0.6 + headroom*0.4)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type scored struct {
	node  model.Node
	score float64
}

// rank scores candidates, drops the non-viable ones and orders the rest best
// first. Equal scores keep the candidate order, then prefer the higher weight.
func rank(nodes []model.Node, current *model.Assignment) []scored {
	out := make([]scored, 0, len(nodes))
	for _, n := range nodes {
		s := Score(n, current)
		if s <= minViableScore {
			continue
		}
		out = append(out, scored{node: n, score: s})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].node.Weight > out[j].node.Weight
	})
	return out
}
