package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximumstock/stash-indexer/internal/poeapi"
	"github.com/maximumstock/stash-indexer/internal/sink"
)

func TestBuildWireMessageProjectsBatch(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	batch := sink.Batch{
		League: "Standard",
		Stashes: []poeapi.Stash{
			{ID: "s1", Public: true, AccountName: "acc", StashType: "PremiumStash", League: "Standard", Items: []poeapi.Item{{ID: "i1"}, {ID: "i2"}}},
		},
	}

	msg := buildWireMessage(batch)
	assert.Equal("Standard", msg.League)
	require.Len(msg.Stashes, 1)
	assert.Equal(2, msg.Stashes[0].ItemCount)

	raw, err := json.Marshal(msg)
	require.NoError(err)
	var roundTripped wireMessage
	require.NoError(json.Unmarshal(raw, &roundTripped))
	require.Len(roundTripped.Stashes, 1)
	assert.Equal("s1", roundTripped.Stashes[0].ID)
}

func TestBuildWireMessageEmptyBatch(t *testing.T) {
	assert := assert.New(t)

	msg := buildWireMessage(sink.Batch{})
	assert.Empty(msg.Stashes)
}
