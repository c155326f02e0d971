package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/bizflow/types"
)

func newMockStorage(t *testing.T) (*MySQLStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMySQLStorage(db), mock
}

func TestMySQLMigrate(t *testing.T) {
	store, mock := newMockStorage(t)
	for range MySQLSchema {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLGetDefinition(t *testing.T) {
	store, mock := newMockStorage(t)
	query := fmt.Sprintf("SELECT body FROM %s WHERE id = ?", tableDefinitions)

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(`{"id":1,"name":"Order Approval","entity_type":"order","initial_state":"draft","states":{"draft":{}},"active":true}`))

	def, err := store.GetDefinition(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Order Approval", def.Name)
	assert.True(t, def.HasState("draft"))

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs(2).WillReturnRows(sqlmock.NewRows([]string{"body"}))
	_, err = store.GetDefinition(context.Background(), 2)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLListDefinitions(t *testing.T) {
	store, mock := newMockStorage(t)
	query := fmt.Sprintf("SELECT body FROM %s WHERE entity_type = ? AND active = 1 ORDER BY id", tableDefinitions)

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("order").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).
			AddRow(`{"id":1,"entity_type":"order","active":true}`).
			AddRow(`{"id":2,"entity_type":"order","active":true}`))

	defs, err := store.ListDefinitions(context.Background(), DefinitionFilter{EntityType: "order", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, uint64(2), defs[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLSaveTransition(t *testing.T) {
	count := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", tableTransitions)
	insert := fmt.Sprintf("INSERT INTO %s (id, definition_id, from_state, to_state, sort_order, body)", tableTransitions)
	update := fmt.Sprintf("UPDATE %s SET definition_id = ?", tableTransitions)

	t.Run("Insert", func(t *testing.T) {
		store, mock := newMockStorage(t)
		mock.ExpectQuery(regexp.QuoteMeta(count)).WithArgs(10).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta(insert)).
			WithArgs(10, 1, "draft", "approved", 1, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(10, 1))

		require.NoError(t, store.SaveTransition(context.Background(), newTransition(10, 1, "draft", "approved", 1)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Update", func(t *testing.T) {
		store, mock := newMockStorage(t)
		mock.ExpectQuery(regexp.QuoteMeta(count)).WithArgs(10).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectExec(regexp.QuoteMeta(update)).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.SaveTransition(context.Background(), newTransition(10, 1, "draft", "approved", 1)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DuplicateEdge", func(t *testing.T) {
		store, mock := newMockStorage(t)
		mock.ExpectQuery(regexp.QuoteMeta(count)).WithArgs(11).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(regexp.QuoteMeta(insert)).
			WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

		err := store.SaveTransition(context.Background(), newTransition(11, 1, "draft", "approved", 1))
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLDeleteTransition(t *testing.T) {
	store, mock := newMockStorage(t)
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", tableTransitions)

	mock.ExpectExec(regexp.QuoteMeta(query)).WithArgs(10).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.DeleteTransition(context.Background(), 10))

	mock.ExpectExec(regexp.QuoteMeta(query)).WithArgs(10).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.DeleteTransition(context.Background(), 10), ErrTransitionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLGetOrCreateInstance(t *testing.T) {
	insert := fmt.Sprintf("INSERT INTO %s (id, definition_id, entity_type, entity_id, status, active_key, body)", tableInstances)
	lookup := fmt.Sprintf("SELECT body FROM %s WHERE active_key = ?", tableInstances)

	t.Run("Created", func(t *testing.T) {
		store, mock := newMockStorage(t)
		mock.ExpectExec(regexp.QuoteMeta(insert)).
			WithArgs(100, 1, "order", "42", types.StatusRunning, "1:order:42", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(100, 1))

		inst, created, err := store.GetOrCreateInstance(context.Background(), newInstance(100, 1, "42"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, uint64(100), inst.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Existing", func(t *testing.T) {
		store, mock := newMockStorage(t)
		mock.ExpectExec(regexp.QuoteMeta(insert)).
			WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
		mock.ExpectQuery(regexp.QuoteMeta(lookup)).WithArgs("1:order:42").
			WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(`{"id":99,"definition_id":1,"status":"running","current_state":"review"}`))

		inst, created, err := store.GetOrCreateInstance(context.Background(), newInstance(100, 1, "42"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, uint64(99), inst.ID)
		assert.Equal(t, "review", inst.CurrentState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("OtherError", func(t *testing.T) {
		store, mock := newMockStorage(t)
		mock.ExpectExec(regexp.QuoteMeta(insert)).WillReturnError(errors.New("connection reset"))

		_, _, err := store.GetOrCreateInstance(context.Background(), newInstance(100, 1, "42"))
		assert.ErrorContains(t, err, "connection reset")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMySQLSaveInstance(t *testing.T) {
	store, mock := newMockStorage(t)
	query := fmt.Sprintf("UPDATE %s SET status = ?, active_key = ?, body = ? WHERE id = ?", tableInstances)

	inst := newInstance(100, 1, "42")
	inst.Status = types.StatusCompleted
	mock.ExpectExec(regexp.QuoteMeta(query)).
		WithArgs(types.StatusCompleted, nil, sqlmock.AnyArg(), 100).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SaveInstance(context.Background(), inst))

	mock.ExpectExec(regexp.QuoteMeta(query)).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.SaveInstance(context.Background(), inst), ErrInstanceNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLListInstances(t *testing.T) {
	store, mock := newMockStorage(t)
	query := fmt.Sprintf("SELECT body FROM %s WHERE definition_id = ? AND status = ? ORDER BY id LIMIT ? OFFSET ?", tableInstances)

	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs(1, types.StatusRunning, 10, 20).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(`{"id":5,"status":"running"}`))

	list, err := store.ListInstances(context.Background(), InstanceFilter{DefinitionID: 1, Status: types.StatusRunning, Limit: 10, Offset: 20})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(5), list[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLogs(t *testing.T) {
	store, mock := newMockStorage(t)
	insert := fmt.Sprintf("INSERT INTO %s (id, instance_id, body) VALUES (?, ?, ?)", tableLogs)
	list := fmt.Sprintf("SELECT body FROM %s WHERE instance_id = ? ORDER BY id", tableLogs)

	mock.ExpectExec(regexp.QuoteMeta(insert)).WithArgs(1, 7, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.AppendLog(context.Background(), types.ExecutionLogEntry{ID: 1, InstanceID: 7, StepName: "notify"}))

	mock.ExpectQuery(regexp.QuoteMeta(list)).WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(`{"id":1,"instance_id":7,"step_name":"notify"}`))
	logs, err := store.ListLogs(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "notify", logs[0].StepName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLWithInstanceLock(t *testing.T) {
	lock := fmt.Sprintf("SELECT id FROM %s WHERE id = ? FOR UPDATE", tableInstances)
	update := fmt.Sprintf("UPDATE %s SET status = ?", tableInstances)

	t.Run("Commit", func(t *testing.T) {
		store, mock := newMockStorage(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lock)).WithArgs(100).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))
		mock.ExpectExec(regexp.QuoteMeta(update)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.WithInstanceLock(context.Background(), 100, func(ctx context.Context) error {
			// Nested locks join the outer transaction.
			return store.WithInstanceLock(ctx, 100, func(ctx context.Context) error {
				return store.SaveInstance(ctx, newInstance(100, 1, "42"))
			})
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		store, mock := newMockStorage(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lock)).WithArgs(100).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := store.WithInstanceLock(context.Background(), 100, func(ctx context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MissingInstance", func(t *testing.T) {
		store, mock := newMockStorage(t)
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(lock)).WithArgs(100).WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		err := store.WithInstanceLock(context.Background(), 100, func(ctx context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
