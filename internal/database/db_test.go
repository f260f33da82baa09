package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNegotiations(t *testing.T) {
	db := newTestDB(t)

	for _, result := range []string{"paired", "version_mismatch", "flags_mismatch"} {
		require.NoError(t, db.RecordNegotiation(&Negotiation{
			SessionID:    "sess_" + result,
			RemoteAddr:   "10.0.0.1:5000",
			UpstreamID:   1,
			DownstreamID: 7,
			Protocol:     "mining",
			MinVersion:   2,
			MaxVersion:   2,
			Flags:        4,
			Result:       result,
		}))
	}

	all, err := db.Negotiations(10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, n := range all {
		assert.NotEmpty(t, n.ID)
		assert.Equal(t, uint32(7), n.DownstreamID)
		assert.Equal(t, uint32(4), n.Flags)
	}

	limited, err := db.Negotiations(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSessionChannels(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.RecordChannel(&Channel{
		SessionID:       "sess_a",
		DownstreamID:    3,
		RequestID:       500,
		ChannelID:       11,
		UserIdentity:    "alice.rig1",
		NominalHashRate: 1000,
	}))
	require.NoError(t, db.RecordChannel(&Channel{
		SessionID:    "sess_a",
		DownstreamID: 3,
		RequestID:    501,
		ErrorCode:    "no-upstream",
	}))
	require.NoError(t, db.RecordChannel(&Channel{SessionID: "sess_b", RequestID: 1}))

	channels, err := db.SessionChannels("sess_a")
	require.NoError(t, err)
	require.Len(t, channels, 2)

	byRequest := map[uint32]Channel{}
	for _, c := range channels {
		byRequest[c.RequestID] = c
	}

	opened := byRequest[500]
	assert.Equal(t, uint32(11), opened.ChannelID)
	assert.Equal(t, "alice.rig1", opened.UserIdentity)
	assert.Empty(t, opened.ErrorCode)

	failed := byRequest[501]
	assert.Equal(t, "no-upstream", failed.ErrorCode)
}
