package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trundleyrg/FinancialAgent/internal/model"
)

func TestNewSQLite_ValidPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "store.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.Ping(context.Background()))
}

func TestNewSQLite_CloseAndReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	run, err := st.CreateRun(ctx, testDocument())
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Reopening must see the persisted run.
	st2, err := NewSQLite(dbPath)
	require.NoError(t, err)
	defer st2.Close() //nolint:errcheck

	got, err := st2.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
}

// fakeResult implements sql.Result for checkRowsAffected tests.
type fakeResult struct {
	rowsAffected int64
	err          error
}

func (f *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (f *fakeResult) RowsAffected() (int64, error) { return f.rowsAffected, f.err }

var _ sql.Result = (*fakeResult)(nil)

func TestCheckRowsAffected_ZeroRows(t *testing.T) {
	err := checkRowsAffected(&fakeResult{rowsAffected: 0})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckRowsAffected_Error(t *testing.T) {
	err := checkRowsAffected(&fakeResult{rowsAffected: 0, err: assert.AnError})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows affected")
}

func TestCheckRowsAffected_Success(t *testing.T) {
	require.NoError(t, checkRowsAffected(&fakeResult{rowsAffected: 1}))
}

func TestScanRunSQLite_WithResult(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testDocument())
	require.NoError(t, err)

	result := &model.RunResult{
		PagesTotal:  10,
		PagesRead:   9,
		PagesFailed: 1,
		Diagnostics: []model.Diagnostic{
			{Scope: model.DiagPage, Code: "unreadable_page", PageNumber: 7},
		},
	}
	require.NoError(t, st.CompleteRun(ctx, run.ID, model.DocumentStatusPartiallyExtracted, result))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Partial())
	require.Len(t, got.Result.Diagnostics, 1)
	assert.Equal(t, 7, got.Result.Diagnostics[0].PageNumber)
}

func TestScanRunSQLite_CorruptDocumentJSON(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.db.ExecContext(ctx,
		`INSERT INTO runs (id, document, status) VALUES (?, ?, ?)`,
		"bad-run", "{not json", "pending",
	)
	require.NoError(t, err)

	_, err = st.GetRun(ctx, "bad-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal document")
}

func TestScanRunSQLite_CorruptResultJSON(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testDocument())
	require.NoError(t, err)

	_, err = st.db.ExecContext(ctx,
		`UPDATE runs SET result = ? WHERE id = ?`, "{broken", run.ID,
	)
	require.NoError(t, err)

	_, err = st.GetRun(ctx, run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal result")
}

func TestMigrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// Running the migration again must not error or lose data.
	_, err := st.CreateRun(ctx, testDocument())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	runs, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLite_UpdateRunStatus_Transitions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testDocument())
	require.NoError(t, err)

	for _, status := range []model.DocumentStatus{
		model.DocumentStatusInProgress,
		model.DocumentStatusPartiallyExtracted,
		model.DocumentStatusComplete,
	} {
		require.NoError(t, st.UpdateRunStatus(ctx, run.ID, status))
		got, err := st.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}
}

func TestSQLite_CreateStage_InvalidRunID(t *testing.T) {
	st := newTestSQLiteStore(t)

	// SQLite does not enforce the foreign key unless the pragma is
	// on, so the insert succeeds. Stage history is advisory.
	stageID, err := st.CreateStage(context.Background(), "ghost-run", model.StageLoaded)
	require.NoError(t, err)
	assert.NotEmpty(t, stageID)
}

func TestSQLite_OperationsAfterClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "store.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Close())

	_, err = st.CreateRun(context.Background(), testDocument())
	require.Error(t, err)
}
