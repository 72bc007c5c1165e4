package qdb_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/pg-sharding/txseq/qdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store is down")

// checkStoreSemantics runs the create/CAS contract against any backend.
func checkStoreSemantics(t *testing.T, store qdb.SequenceStore, name string) {
	assert := assert.New(t)
	ctx := context.Background()

	sess, err := store.Session(ctx)
	require.NoError(t, err)
	defer func() { _ = sess.Close(ctx) }()

	row, err := sess.GetSequence(ctx, name)
	assert.NoError(err)
	assert.Nil(row)

	created := &qdb.SequenceRow{Name: name, Spacing: 100, NextBoundary: 200, LastUpdate: 1}
	ok, err := sess.CreateSequence(ctx, created)
	assert.NoError(err)
	assert.True(ok)

	/* second create loses */
	ok, err = sess.CreateSequence(ctx, &qdb.SequenceRow{Name: name, Spacing: 5, NextBoundary: 10, LastUpdate: 2})
	assert.NoError(err)
	assert.False(ok)

	row, err = sess.GetSequence(ctx, name)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(*created, *row)

	ok, err = sess.UpdateSequence(ctx, row, qdb.Version{NextBoundary: 300, LastUpdate: 3})
	assert.NoError(err)
	assert.True(ok)

	/* stale token */
	ok, err = sess.UpdateSequence(ctx, row, qdb.Version{NextBoundary: 400, LastUpdate: 4})
	assert.NoError(err)
	assert.False(ok)

	row, err = sess.GetSequence(ctx, name)
	require.NoError(t, err)
	assert.Equal(int64(300), row.NextBoundary)
	assert.Equal(int64(3), row.LastUpdate)
	assert.Equal(int64(100), row.Spacing)

	assert.NoError(sess.Commit(ctx))
}

func TestMemQDBSemantics(t *testing.T) {
	checkStoreSemantics(t, qdb.NewMemQDB(""), "order_id")
}

func TestMemQDBCountsSessions(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := qdb.NewMemQDB("")

	for i := 0; i < 3; i++ {
		sess, err := store.Session(ctx)
		assert.NoError(err)
		assert.NoError(sess.Close(ctx))
	}
	assert.Equal(int64(3), store.Sessions())
}

func TestMemQDBFailSessions(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := qdb.NewMemQDB("")

	store.FailSessions(errStoreDown)

	_, err := store.Session(ctx)
	assert.ErrorIs(err, errStoreDown)

	_, err = store.Session(ctx)
	assert.NoError(err)
}

func TestMemQDBBackupRestore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	path := t.TempDir() + "/memqdb.json"

	store, err := qdb.RestoreMemQDB(path)
	require.NoError(t, err)

	sess, err := store.Session(ctx)
	require.NoError(t, err)
	ok, err := sess.CreateSequence(ctx, &qdb.SequenceRow{Name: "user_id", Spacing: 10, NextBoundary: 20, LastUpdate: 7})
	assert.NoError(err)
	assert.True(ok)
	assert.NoError(store.Close())

	restored, err := qdb.RestoreMemQDB(path)
	require.NoError(t, err)
	row, ok := restored.Row("user_id")
	assert.True(ok)
	assert.Equal(int64(20), row.NextBoundary)
	assert.Equal(int64(7), row.LastUpdate)
}

func TestMemQDBCorruptBackup(t *testing.T) {
	path := t.TempDir() + "/memqdb.json"
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := qdb.RestoreMemQDB(path)
	assert.ErrorContains(t, err, "decode memqdb backup")
}

func TestSequenceRowVersion(t *testing.T) {
	row := &qdb.SequenceRow{Name: "a", Spacing: 1, NextBoundary: 5, LastUpdate: 9}

	assert.True(t, row.Matches(qdb.Version{NextBoundary: 5, LastUpdate: 9}))
	assert.False(t, row.Matches(qdb.Version{NextBoundary: 5, LastUpdate: 10}))
	assert.Equal(t, qdb.Version{NextBoundary: 5, LastUpdate: 9}, row.Version())
}
