package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/songzhibin97/bizflow/types"
)

const (
	tableDefinitions = "workflow_definitions"
	tableTransitions = "workflow_transitions"
	tableInstances   = "workflow_instances"
	tableLogs        = "workflow_execution_logs"

	mysqlDuplicateEntry = 1062
)

// MySQLSchema holds the DDL applied by Migrate.
var MySQLSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_definitions (
	id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
	entity_type VARCHAR(128) NOT NULL,
	trigger_type VARCHAR(64) NOT NULL,
	active TINYINT(1) NOT NULL DEFAULT 1,
	body JSON NOT NULL,
	KEY idx_definitions_entity (entity_type, trigger_type)
)`,
	`CREATE TABLE IF NOT EXISTS workflow_transitions (
	id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
	definition_id BIGINT UNSIGNED NOT NULL,
	from_state VARCHAR(128) NOT NULL,
	to_state VARCHAR(128) NOT NULL,
	sort_order INT NOT NULL DEFAULT 0,
	body JSON NOT NULL,
	UNIQUE KEY uq_transitions_edge (definition_id, from_state, to_state)
)`,
	`CREATE TABLE IF NOT EXISTS workflow_instances (
	id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
	definition_id BIGINT UNSIGNED NOT NULL,
	entity_type VARCHAR(128) NOT NULL,
	entity_id VARCHAR(191) NOT NULL,
	status VARCHAR(32) NOT NULL,
	active_key VARCHAR(255) NULL,
	body JSON NOT NULL,
	UNIQUE KEY uq_instances_active (active_key),
	KEY idx_instances_entity (entity_type, entity_id)
)`,
	`CREATE TABLE IF NOT EXISTS workflow_execution_logs (
	id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
	instance_id BIGINT UNSIGNED NOT NULL,
	body JSON NOT NULL,
	KEY idx_logs_instance (instance_id)
)`,
}

// MySQLOptions configures OpenMySQL.
type MySQLOptions struct {
	Addr            string        `yaml:"addr"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// OpenMySQL opens and pings a connection pool.
func OpenMySQL(ctx context.Context, opts MySQLOptions) (*sql.DB, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = opts.Addr
	cfg.User = opts.User
	cfg.Passwd = opts.Password
	cfg.DBName = opts.Database
	cfg.ParseTime = true
	// UPDATE reports matched rows, so an unchanged row is not mistaken for a missing one.
	cfg.ClientFoundRows = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// executor is satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// txContextKey is the key for storing the instance-lock transaction in context.
type txContextKey struct{}

// MySQLStorage is a MySQL-backed implementation of the Storage interface.
// Rows keep a few indexed columns next to a JSON body holding the full value.
type MySQLStorage struct {
	db *sql.DB
}

// NewMySQLStorage wraps an open pool.
func NewMySQLStorage(db *sql.DB) *MySQLStorage {
	return &MySQLStorage{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *MySQLStorage) Migrate(ctx context.Context) error {
	for _, stmt := range MySQLSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// exec returns the transaction carried by ctx, or the pool.
func (s *MySQLStorage) exec(ctx context.Context) executor {
	if tx, ok := ctx.Value(txContextKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

func queryOne[T any](ctx context.Context, ex executor, query string, errNotFound error, args ...interface{}) (T, error) {
	var zero T
	var body []byte
	err := ex.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%w: %v", errNotFound, args)
	} else if err != nil {
		return zero, fmt.Errorf("query failed: %w", err)
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return zero, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	return out, nil
}

func queryMany[T any](ctx context.Context, ex executor, query string, args ...interface{}) ([]T, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var item T
		if err := json.Unmarshal(body, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// SaveDefinition upserts a definition.
func (s *MySQLStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition %d: %w", def.ID, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, entity_type, trigger_type, active, body) VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE entity_type = VALUES(entity_type), trigger_type = VALUES(trigger_type), active = VALUES(active), body = VALUES(body)`, tableDefinitions)
	if _, err := s.exec(ctx).ExecContext(ctx, query, def.ID, def.EntityType, def.TriggerType, def.Active, body); err != nil {
		return fmt.Errorf("failed to save definition %d: %w", def.ID, err)
	}
	return nil
}

// GetDefinition retrieves a definition by ID.
func (s *MySQLStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	query := fmt.Sprintf("SELECT body FROM %s WHERE id = ?", tableDefinitions)
	return queryOne[types.Definition](ctx, s.exec(ctx), query, ErrDefinitionNotFound, id)
}

// ListDefinitions returns the definitions matching filter.
func (s *MySQLStorage) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]types.Definition, error) {
	var where []string
	var args []interface{}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, filter.TriggerType)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}
	query := fmt.Sprintf("SELECT body FROM %s%s ORDER BY id", tableDefinitions, whereClause(where))
	return queryMany[types.Definition](ctx, s.exec(ctx), query, args...)
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// SaveTransition inserts or updates a transition. The unique edge key maps to ErrConflict.
func (s *MySQLStorage) SaveTransition(ctx context.Context, t types.Transition) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transition %d: %w", t.ID, err)
	}
	ex := s.exec(ctx)

	var count int
	if err := ex.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", tableTransitions), t.ID).Scan(&count); err != nil {
		return fmt.Errorf("failed to check transition %d: %w", t.ID, err)
	}
	if count == 0 {
		_, err = ex.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, definition_id, from_state, to_state, sort_order, body) VALUES (?, ?, ?, ?, ?, ?)", tableTransitions),
			t.ID, t.DefinitionID, t.FromState, t.ToState, t.Order, body)
	} else {
		_, err = ex.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET definition_id = ?, from_state = ?, to_state = ?, sort_order = ?, body = ? WHERE id = ?", tableTransitions),
			t.DefinitionID, t.FromState, t.ToState, t.Order, body, t.ID)
	}
	if isDuplicate(err) {
		return fmt.Errorf("%w: transition %s->%s already exists in definition %d", ErrConflict, t.FromState, t.ToState, t.DefinitionID)
	} else if err != nil {
		return fmt.Errorf("failed to save transition %d: %w", t.ID, err)
	}
	return nil
}

// GetTransition retrieves a transition by ID.
func (s *MySQLStorage) GetTransition(ctx context.Context, id uint64) (types.Transition, error) {
	query := fmt.Sprintf("SELECT body FROM %s WHERE id = ?", tableTransitions)
	return queryOne[types.Transition](ctx, s.exec(ctx), query, ErrTransitionNotFound, id)
}

// DeleteTransition removes a transition.
func (s *MySQLStorage) DeleteTransition(ctx context.Context, id uint64) error {
	res, err := s.exec(ctx).ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", tableTransitions), id)
	if err != nil {
		return fmt.Errorf("failed to delete transition %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id=%d", ErrTransitionNotFound, id)
	}
	return nil
}

// ListTransitions returns a definition's transitions ordered by Order.
func (s *MySQLStorage) ListTransitions(ctx context.Context, definitionID uint64) ([]types.Transition, error) {
	query := fmt.Sprintf("SELECT body FROM %s WHERE definition_id = ? ORDER BY sort_order, id", tableTransitions)
	return queryMany[types.Transition](ctx, s.exec(ctx), query, definitionID)
}

func activeColumn(inst types.Instance) interface{} {
	if inst.Status != types.StatusRunning {
		return nil
	}
	return ActiveKey(inst.DefinitionID, inst.Entity)
}

// GetOrCreateInstance relies on the unique active_key column to keep a single
// running instance per definition and entity.
func (s *MySQLStorage) GetOrCreateInstance(ctx context.Context, inst types.Instance) (types.Instance, bool, error) {
	body, err := json.Marshal(inst)
	if err != nil {
		return types.Instance{}, false, fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
	}
	ex := s.exec(ctx)
	insert := fmt.Sprintf("INSERT INTO %s (id, definition_id, entity_type, entity_id, status, active_key, body) VALUES (?, ?, ?, ?, ?, ?, ?)", tableInstances)
	lookup := fmt.Sprintf("SELECT body FROM %s WHERE active_key = ?", tableInstances)

	for attempt := 0; attempt < 3; attempt++ {
		_, err = ex.ExecContext(ctx, insert, inst.ID, inst.DefinitionID, inst.Entity.Type, inst.Entity.ID, inst.Status, activeColumn(inst), body)
		if err == nil {
			return inst, true, nil
		}
		if !isDuplicate(err) {
			return types.Instance{}, false, fmt.Errorf("failed to create instance %d: %w", inst.ID, err)
		}
		existing, err := queryOne[types.Instance](ctx, ex, lookup, ErrInstanceNotFound, ActiveKey(inst.DefinitionID, inst.Entity))
		if errors.Is(err, ErrNotFound) {
			// The holder finished between the insert and the lookup.
			continue
		}
		if err != nil {
			return types.Instance{}, false, err
		}
		return existing, false, nil
	}
	return types.Instance{}, false, fmt.Errorf("%w: could not claim %s", ErrConflict, ActiveKey(inst.DefinitionID, inst.Entity))
}

// GetInstance retrieves an instance by ID.
func (s *MySQLStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	query := fmt.Sprintf("SELECT body FROM %s WHERE id = ?", tableInstances)
	return queryOne[types.Instance](ctx, s.exec(ctx), query, ErrInstanceNotFound, id)
}

// SaveInstance updates an instance; active_key is cleared once it stops running.
func (s *MySQLStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
	}
	query := fmt.Sprintf("UPDATE %s SET status = ?, active_key = ?, body = ? WHERE id = ?", tableInstances)
	res, err := s.exec(ctx).ExecContext(ctx, query, inst.Status, activeColumn(inst), body, inst.ID)
	if err != nil {
		return fmt.Errorf("failed to save instance %d: %w", inst.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
	}
	return nil
}

// ListInstances returns the instances matching filter.
func (s *MySQLStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.Instance, error) {
	var where []string
	var args []interface{}
	if filter.DefinitionID != 0 {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := fmt.Sprintf("SELECT body FROM %s%s ORDER BY id", tableInstances, whereClause(where))
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += " LIMIT 18446744073709551615 OFFSET ?"
		args = append(args, filter.Offset)
	}
	return queryMany[types.Instance](ctx, s.exec(ctx), query, args...)
}

// AppendLog inserts a log entry.
func (s *MySQLStorage) AppendLog(ctx context.Context, entry types.ExecutionLogEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry %d: %w", entry.ID, err)
	}
	query := fmt.Sprintf("INSERT INTO %s (id, instance_id, body) VALUES (?, ?, ?)", tableLogs)
	if _, err := s.exec(ctx).ExecContext(ctx, query, entry.ID, entry.InstanceID, body); err != nil {
		return fmt.Errorf("failed to append log entry %d: %w", entry.ID, err)
	}
	return nil
}

// ListLogs returns an instance's log entries.
func (s *MySQLStorage) ListLogs(ctx context.Context, instanceID uint64) ([]types.ExecutionLogEntry, error) {
	query := fmt.Sprintf("SELECT body FROM %s WHERE instance_id = ? ORDER BY id", tableLogs)
	return queryMany[types.ExecutionLogEntry](ctx, s.exec(ctx), query, instanceID)
}

// WithInstanceLock runs fn inside a transaction holding the instance row
// FOR UPDATE. Store calls made with the ctx passed to fn join the transaction,
// and a non-nil error from fn rolls back their writes. Nested calls reuse the
// outer transaction.
func (s *MySQLStorage) WithInstanceLock(ctx context.Context, instanceID uint64, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txContextKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	var id uint64
	lock := fmt.Sprintf("SELECT id FROM %s WHERE id = ? FOR UPDATE", tableInstances)
	if err := tx.QueryRowContext(ctx, lock, instanceID).Scan(&id); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
		}
		return fmt.Errorf("failed to lock instance %d: %w", instanceID, err)
	}

	if err := fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w (rollback error: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *MySQLStorage) Close() error {
	return s.db.Close()
}
