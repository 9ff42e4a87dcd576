package main

import (
	"testing"

	"github.com/HimbeerserverDE/repnet"
	cbor "github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotReplicator(t *testing.T) {
	e := &repnet.Entity{
		ID:       4,
		Owner:    1,
		Location: repnet.Vec3{X: 1.5, Y: -2, Z: 8},
		Flags:    repnet.FlagAlwaysRelevant | repnet.FlagDormant,
	}

	data, reliable, err := snapshotReplicator{}.Replicate(nil, e, true)
	require.NoError(t, err)
	assert.True(t, reliable)

	var s snapshot
	require.NoError(t, cbor.Unmarshal(data, &s))
	assert.Equal(t, snapshot{ID: 4, Owner: 1, X: 1.5, Y: -2, Z: 8, Flags: "always_relevant|dormant"}, s)

	_, reliable, err = snapshotReplicator{}.Replicate(nil, e, false)
	require.NoError(t, err)
	assert.False(t, reliable)
}
