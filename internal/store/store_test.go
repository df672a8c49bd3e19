package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *BoltProgramDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clusterrun.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordStartAndGet(t *testing.T) {
	db := openTestDB(t)

	started := time.Now()
	require.NoError(t, db.RecordStart(ProgramRecord{ProgramId: "p1", StartedAt: started}))

	rec, found, err := db.Get("p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "p1", rec.ProgramId)
	assert.True(t, rec.FinishedAt.IsZero())
}

func TestRecordFinishUpdatesOutcome(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordStart(ProgramRecord{ProgramId: "p1", StartedAt: time.Now()}))

	finished := time.Now()
	require.NoError(t, db.RecordFinish("p1", "success", finished))

	rec, found, err := db.Get("p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "success", rec.Outcome)
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestRecordFinishUnknownProgram(t *testing.T) {
	db := openTestDB(t)
	err := db.RecordFinish("does-not-exist", "success", time.Now())
	assert.Error(t, err)
}

func TestGetMissingProgram(t *testing.T) {
	db := openTestDB(t)
	_, found, err := db.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListReturnsAllPrograms(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordStart(ProgramRecord{ProgramId: "p1", StartedAt: time.Now()}))
	require.NoError(t, db.RecordStart(ProgramRecord{ProgramId: "p2", StartedAt: time.Now()}))

	recs, err := db.List()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
