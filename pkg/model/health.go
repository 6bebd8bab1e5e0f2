package model

import "time"

// HealthResult is the outcome of one panel poll.
type HealthResult struct {
	NodeID         string    `json:"nodeId"`
	Healthy        bool      `json:"healthy"`
	ResponseTimeMs int       `json:"responseTimeMs"`
	Inbounds       int       `json:"inbounds"`
	ActiveInbounds int       `json:"activeInbounds"`
	Error          string    `json:"error,omitempty"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// NodeLoad is the derived per-node usage view.
type NodeLoad struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Region         string  `json:"region"`
	Status         string  `json:"status"`
	HealthStatus   string  `json:"healthStatus"`
	CurrentUsers   int     `json:"currentUsers"`
	MaxUsers       int     `json:"maxUsers"`
	LoadPercentage float64 `json:"loadPercentage"`
}

// FleetReport summarizes fleet health.
type FleetReport struct {
	TotalNodes      int        `json:"totalNodes"`
	ActiveNodes     int        `json:"activeNodes"`
	HealthyNodes    int        `json:"healthyNodes"`
	InactiveNodes   int        `json:"inactiveNodes"`
	UnhealthyNodes  int        `json:"unhealthyNodes"`
	TotalCapacity   int        `json:"totalCapacity"`
	TotalUsers      int        `json:"totalUsers"`
	SystemLoadPct   float64    `json:"systemLoadPercentage"`
	GeneratedAt     time.Time  `json:"generatedAt"`
	Nodes           []NodeLoad `json:"nodes"`
	LastCycleErrors []string   `json:"lastCycleErrors,omitempty"`
}
