package caserecord

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	evaluation "github.com/taloric/df-evaluation"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := Open(context.Background(), DBConfig{
		Driver: DialectSQLite,
		DSN:    filepath.Join(t.TempDir(), "evaluation.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, DialectSQLite)
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLite(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func record(id string, status evaluation.CaseStatus) evaluation.CaseRecord {
	return evaluation.CaseRecord{
		UUID:           id,
		CaseName:       "case-" + id,
		ProcessNum:     1,
		RunnerImageTag: "latest",
		Status:         status,
		CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, record("c1", evaluation.StatusInit)))

		got, err := store.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "case-c1", got.CaseName)
		assert.Equal(t, evaluation.StatusInit, got.Status)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got.CreatedAt)

		err = store.Create(ctx, record("c1", evaluation.StatusInit))
		assert.True(t, evaluation.HasCode(err, evaluation.ErrCodeCaseExists), "one live record per uuid")

		_, err = store.Get(ctx, "missing")
		assert.True(t, evaluation.HasCode(err, evaluation.ErrCodeCaseNotFound))
	})
}

func TestStoreSoftDeleteFreesUUID(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, record("c1", evaluation.StatusStarted)))

		n, err := store.Update(ctx, []string{"c1"}, Patch{Deleted: BoolPtr(true)})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = store.Get(ctx, "c1")
		assert.True(t, evaluation.HasCode(err, evaluation.ErrCodeCaseNotFound))

		live, err := store.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Empty(t, live)

		deleted, err := store.List(ctx, Filter{OnlyDeleted: true})
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		assert.True(t, deleted[0].Deleted)

		require.NoError(t, store.Create(ctx, record("c1", evaluation.StatusInit)))
		all, err := store.List(ctx, Filter{IncludeDeleted: true, UUID: "c1"})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestStoreFilterAndCount(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, record("a", evaluation.StatusStarted)))
		require.NoError(t, store.Create(ctx, record("b", evaluation.StatusPaused)))
		require.NoError(t, store.Create(ctx, record("c", evaluation.StatusFinished)))

		n, err := store.Count(ctx, Filter{Statuses: evaluation.NonTerminalStatuses()})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		recs, err := store.List(ctx, Filter{UUIDs: []string{"a", "c"}})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "a", recs[0].UUID)
		assert.Equal(t, "c", recs[1].UUID)

		recs, err = store.List(ctx, Filter{Statuses: []evaluation.CaseStatus{evaluation.StatusPaused}})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "b", recs[0].UUID)

		recs, err = store.List(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})
}

func TestStoreTransitionEnforcesStateMachine(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, record("c1", evaluation.StatusInit)))

		from, err := store.Transition(ctx, "c1", evaluation.StatusStarting)
		require.NoError(t, err)
		assert.Equal(t, evaluation.StatusInit, from)

		_, err = store.Transition(ctx, "c1", evaluation.StatusPaused)
		assert.True(t, evaluation.HasCode(err, evaluation.ErrCodeIllegalTransition))

		_, err = store.Transition(ctx, "c1", evaluation.StatusStarted)
		require.NoError(t, err)
		_, err = store.Transition(ctx, "c1", evaluation.StatusPausing)
		require.NoError(t, err)
		_, err = store.Transition(ctx, "c1", evaluation.StatusPaused)
		require.NoError(t, err)

		got, err := store.Get(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, evaluation.StatusPaused, got.Status)

		_, err = store.Transition(ctx, "missing", evaluation.StatusStarting)
		assert.True(t, evaluation.HasCode(err, evaluation.ErrCodeCaseNotFound))
	})
}

func TestRecoverMarksNonTerminalOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, record("live", evaluation.StatusStarted)))
		require.NoError(t, store.Create(ctx, record("done", evaluation.StatusFinished)))
		require.NoError(t, store.Create(ctx, record("failed", evaluation.StatusError)))

		n, err := Recover(ctx, store, evaluation.NewFmtLogger(nil))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := store.Get(ctx, "live")
		require.NoError(t, err)
		assert.Equal(t, evaluation.StatusException, got.Status)

		done, err := store.Get(ctx, "done")
		require.NoError(t, err)
		assert.Equal(t, evaluation.StatusFinished, done.Status)

		n, err = Recover(ctx, store, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 0, n, "a second startup finds nothing to recover")
	})
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", rebind(DialectPostgres, "a = ? AND b IN (?, ?)"))
	assert.Equal(t, "a = ?", rebind(DialectSQLite, "a = ?"))
}

func TestDBConfigValidate(t *testing.T) {
	assert.Error(t, DBConfig{Driver: "mysql", DSN: "x"}.Validate())
	assert.Error(t, DBConfig{Driver: DialectPostgres}.Validate())
	assert.NoError(t, DBConfig{Driver: DialectPostgres, DSN: "postgres://localhost/db"}.Validate())
}
