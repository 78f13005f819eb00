package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-engine/covenant/internal/canon"
	"github.com/covenant-engine/covenant/internal/policy"
	"github.com/covenant-engine/covenant/internal/state"
)

func TestFieldIDPadsToWireForm(t *testing.T) {
	id := FieldID("0a")
	assert.Equal(t, state.FieldID("f:0000000000000000000000000000000a"), id)
	assert.True(t, state.ValidFieldID(id))
	assert.True(t, state.ValidFieldID(Tracked()))
}

func TestTrackingBundleDigestIsStable(t *testing.T) {
	b1 := TrackingBundle(canon.MustRat(10, 1), policy.Limits{})
	b2 := TrackingBundle(canon.MustRat(10, 1), policy.Limits{})

	d1, err := b1.Digest()
	require.NoError(t, err)
	d2, err := b2.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.True(t, canon.ValidHash(d1))
}
