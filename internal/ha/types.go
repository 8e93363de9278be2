package ha

import (
	"strings"
	"time"
)

// StorageMode identifies the currently active backend category. Exactly one
// mode is active system-wide at any instant.
type StorageMode string

const (
	ModeDatabase        StorageMode = "database"
	ModeReplica         StorageMode = "replica"
	ModeReadOnly        StorageMode = "read_only"
	ModeMemory          StorageMode = "memory"
	ModeMemoryOptimized StorageMode = "memory_optimized"
	ModeHybrid          StorageMode = "hybrid"
)

// Valid reports whether the mode is one of the defined values.
func (m StorageMode) Valid() bool {
	switch m {
	case ModeDatabase, ModeReplica, ModeReadOnly, ModeMemory, ModeMemoryOptimized, ModeHybrid:
		return true
	}
	return false
}

// ParseMode converts a string to a StorageMode, ignoring case.
func ParseMode(s string) (StorageMode, bool) {
	m := StorageMode(strings.ToLower(s))
	return m, m.Valid()
}

// FailoverTrigger categorizes what initiated a transition.
type FailoverTrigger string

const (
	TriggerAutomatic          FailoverTrigger = "automatic"
	TriggerManual             FailoverTrigger = "manual"
	TriggerPlannedMaintenance FailoverTrigger = "planned_maintenance"
	TriggerHealthCheckFailure FailoverTrigger = "health_check_failure"
	TriggerConnectionTimeout  FailoverTrigger = "connection_timeout"
	TriggerWriteFailure       FailoverTrigger = "write_failure"
)

// FailoverEvent is an immutable record of a storage transition.
type FailoverEvent struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	FromMode  StorageMode     `json:"from_mode"`
	ToMode    StorageMode     `json:"to_mode"`
	Trigger   FailoverTrigger `json:"trigger"`
	Reason    string          `json:"reason"`
	Success   bool            `json:"success"`
	Latency   time.Duration   `json:"latency"`
	Error     string          `json:"error,omitempty"`
}

// Probe is a single health check sample.
type Probe struct {
	Timestamp time.Time     `json:"timestamp"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// ReplicaHealth is the live health record for one replica. It is overwritten
// every probe cycle, never historized.
type ReplicaHealth struct {
	Timestamp time.Time     `json:"timestamp"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
}

// ReplicaInfo describes a configured replica for selection purposes.
type ReplicaInfo struct {
	ID       string
	Priority int
	Health   ReplicaHealth
}

// ConnectionStats summarizes recent probe outcomes.
type ConnectionStats struct {
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	RecentFailures int           `json:"recent_failures"`
}

// Snapshot is the health monitor's view of the world at one instant. Rule
// conditions evaluate against it; it is safe to retain, all fields are copies.
type Snapshot struct {
	Timestamp           time.Time
	PrimaryHealthy      bool
	ConsecutiveFailures int
	RetryAttempts       int
	RecentFailures      int
	WindowSize          int
	LatestLatency       time.Duration
	Diagnostics         []Probe
	Replicas            map[string]ReplicaHealth
	HealthyReplicas     []string
	ActiveReplica       string
	Stats               ConnectionStats
}
