package models

import "time"

// RemediationPattern aggregates how one failure signature gets resolved
// across incidents.
type RemediationPattern struct {
	Signature         string         `json:"signature"`
	Category          Category       `json:"category"`
	Systems           []string       `json:"systems"`
	Occurrences       int            `json:"occurrences"`
	Actions           map[Action]int `json:"actions"`
	PreferredAction   Action         `json:"preferred_action"`
	DegradedShare     float64        `json:"degraded_share"`
	MeanTimeToResolve time.Duration  `json:"mean_time_to_resolve"`
	LastSeen          time.Time      `json:"last_seen"`
}
