package repnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdateInterval(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, UpdateInterval(&Entity{UpdateFrequency: 10}))
	assert.Equal(t, 2*time.Second, UpdateInterval(&Entity{UpdateFrequency: 0.5}))
	assert.Equal(t, time.Second, UpdateInterval(&Entity{}))
}

func TestPriority(t *testing.T) {
	e := &Entity{Priority: 2, UpdateFrequency: 10}

	assert.InDelta(t, 2.0, Priority(e, 100*time.Millisecond), 1e-9)
	assert.InDelta(t, 6.0, Priority(e, 300*time.Millisecond), 1e-9)
	assert.Zero(t, Priority(e, 0))
}

func TestSortCandidatesStable(t *testing.T) {
	cands := []Candidate{
		{Entity: &Entity{ID: 1}, Priority: 1},
		{Entity: &Entity{ID: 2}, Priority: 3},
		{Entity: &Entity{ID: 3}, Priority: 1},
		{Entity: &Entity{ID: 4}, Priority: 3},
		{Entity: &Entity{ID: 5}, Priority: 2},
	}

	SortCandidates(cands)

	var ids []EntityID
	for _, c := range cands {
		ids = append(ids, c.Entity.ID)
	}
	assert.Equal(t, []EntityID{2, 4, 5, 1, 3}, ids)
}
