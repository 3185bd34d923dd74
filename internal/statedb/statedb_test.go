package statedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path)
	require.NoError(t, err)

	state, err := db.PushState("work", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, "", state)

	require.NoError(t, db.SetPushState("work", "INBOX", "uidNext=42"))
	require.NoError(t, db.SetPushState("work", "INBOX", "uidNext=43"))
	require.NoError(t, db.SetPushState("work", "Archive", "uidNext=7"))
	require.NoError(t, db.SetPushState("home", "INBOX", "uidNext=1"))

	state, err = db.PushState("work", "INBOX")
	require.NoError(t, err)
	if state != "uidNext=43" {
		t.Errorf("PushState() = %q, want %q", state, "uidNext=43")
	}

	folders, err := db.Folders("work")
	require.NoError(t, err)
	assert.Equal(t, []string{"Archive", "INBOX"}, folders)

	require.NoError(t, db.Delete("work", "Archive"))
	require.NoError(t, db.Close())

	// Reopening keeps the data
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	folders, err = db.Folders("work")
	require.NoError(t, err)
	assert.Equal(t, []string{"INBOX"}, folders)
}
