package ha

import (
	"sort"
)

// SelectReplica picks the replica to serve reads from: lowest priority number
// wins, observed latency breaks ties. Deterministic and side-effect free; the
// caller re-runs it every health cycle. Returns "" when no replica is healthy.
func SelectReplica(replicas []ReplicaInfo) string {
	candidates := make([]ReplicaInfo, 0, len(replicas))
	for _, r := range replicas {
		if r.Health.Healthy {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		if candidates[i].Health.Latency != candidates[j].Health.Latency {
			return candidates[i].Health.Latency < candidates[j].Health.Latency
		}
		return candidates[i].ID < candidates[j].ID
	})

	return candidates[0].ID
}
