package repnet

import (
	"sort"
	"time"
)

// A PriorityHook rescales the priority of an entity for a connection
type PriorityHook func(e *Entity, c *Connection, score float64) float64

// A Candidate is an entity due for replication to one connection
type Candidate struct {
	Entity   *Entity
	Priority float64

	state   *entityState
	channel *Channel
}

// UpdateInterval returns the time between two updates of e
func UpdateInterval(e *Entity) time.Duration {
	if e.UpdateFrequency <= 0 {
		return time.Second
	}

	return time.Duration(float64(time.Second) / e.UpdateFrequency)
}

// Priority returns the base replication priority of e after since
// has passed without an update: the priority grows linearly with
// the number of missed update intervals
func Priority(e *Entity, since time.Duration) float64 {
	interval := UpdateInterval(e)
	if interval <= 0 {
		return e.Priority
	}

	return e.Priority * (float64(since) / float64(interval))
}

// SortCandidates orders candidates by descending priority,
// candidates with equal priority keep their order
func SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Priority > cands[j].Priority
	})
}
