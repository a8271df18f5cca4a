package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mikey/llm-mail-responder/internal/core"
	"go.uber.org/zap"
)

// InterruptedSendReason is recorded for sends that were in flight when the process died
const InterruptedSendReason = core.InterruptedSendReason

// SQLStore is a database/sql implementation of the record and checkpoint stores
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// NewSQLiteStore opens or creates a SQLite store at dbPath
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLStore, error) {
	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// single writer keeps reservations serialised
	db.SetMaxOpenConns(1)
	return newSQLStore(db, sqliteDialect, logger)
}

// NewMySQLStore connects to a MySQL store
func NewMySQLStore(dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open(mysqlDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}
	return newSQLStore(db, mysqlDialect, logger)
}

// NewPostgresStore connects to a PostgreSQL store through pgx
func NewPostgresStore(dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	return newSQLStore(db, postgresDialect, logger)
}

func newSQLStore(db *sql.DB, d dialect, logger *zap.Logger) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", d.name, err)
	}

	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	logger.Info("Record store ready", zap.String("backend", d.name))
	return &SQLStore{db: db, dialect: d, logger: logger}, nil
}

// Reserve atomically claims a message id
func (s *SQLStore) Reserve(ctx context.Context, rec *core.ProcessedRecord) error {
	if limit := s.dialect.maxKeyBytes; limit > 0 && len(rec.MessageID) > limit {
		return fmt.Errorf("%w: message id is %d bytes, %s keys hold at most %d",
			core.ErrUnusableOutput, len(rec.MessageID), s.dialect.name, limit)
	}

	reasons, err := encodeReasons(rec.Reasons)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.insertIgnore),
		rec.MessageID, string(core.StatusReserved), string(rec.Category), rec.Sender, rec.Subject,
		rec.ThreadID, rec.Draft, rec.Attempts, reasons, rec.RunID,
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt))
	if err != nil {
		if s.dialect.duplicateKey != nil && s.dialect.duplicateKey(err) {
			return core.ErrAlreadyReserved
		}
		return fmt.Errorf("failed to reserve message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check reservation: %w", err)
	}
	if n == 0 {
		return core.ErrAlreadyReserved
	}
	return nil
}

// MarkSending moves a reserved record to the sending status
func (s *SQLStore) MarkSending(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE processed_messages SET status = ?, updated_at = ?
		WHERE message_id = ? AND status = ?
	`), string(core.StatusSending), toMillis(time.Now()), messageID, string(core.StatusReserved))
	if err != nil {
		return fmt.Errorf("failed to mark message as sending: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	rec, err := s.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if rec.Status == core.StatusSending {
		return nil
	}
	return fmt.Errorf("%w: status %s", core.ErrAlreadyFinal, rec.Status)
}

// Complete writes the terminal outcome of a reserved or sending record
func (s *SQLStore) Complete(ctx context.Context, rec *core.ProcessedRecord) error {
	if !rec.Status.Final() {
		return fmt.Errorf("cannot complete record with non-terminal status %q", rec.Status)
	}
	reasons, err := encodeReasons(rec.Reasons)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE processed_messages
		SET status = ?, category = ?, draft = ?, attempts = ?, reasons = ?, updated_at = ?
		WHERE message_id = ? AND status IN (?, ?)
	`), string(rec.Status), string(rec.Category), rec.Draft, rec.Attempts, reasons, toMillis(rec.UpdatedAt),
		rec.MessageID, string(core.StatusReserved), string(core.StatusSending))
	if err != nil {
		return fmt.Errorf("failed to complete record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	existing, err := s.Get(ctx, rec.MessageID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status %s", core.ErrAlreadyFinal, existing.Status)
}

// Release drops a reservation that never reached a terminal outcome
func (s *SQLStore) Release(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM processed_messages WHERE message_id = ? AND status = ?
	`), messageID, string(core.StatusReserved))
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	existing, err := s.Get(ctx, messageID)
	if err != nil {
		return err
	}
	return fmt.Errorf("cannot release record with status %s", existing.Status)
}

// Get returns the record for a message id
func (s *SQLStore) Get(ctx context.Context, messageID string) (*core.ProcessedRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT "+recordColumns+" FROM processed_messages WHERE message_id = ?"), messageID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return rec, nil
}

// List returns records ordered by most recent update first
func (s *SQLStore) List(ctx context.Context, filter core.RecordFilter) ([]*core.ProcessedRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT " + recordColumns + " FROM processed_messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, message_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []*core.ProcessedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// RecoverPending releases stale reservations and holds interrupted sends
func (s *SQLStore) RecoverPending(ctx context.Context) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin recovery: %w", err)
	}
	defer tx.Rollback()

	reasons, err := encodeReasons([]string{InterruptedSendReason})
	if err != nil {
		return 0, 0, err
	}

	res, err := tx.ExecContext(ctx, s.dialect.rebind(`
		UPDATE processed_messages SET status = ?, reasons = ?, updated_at = ? WHERE status = ?
	`), string(core.StatusHeld), reasons, toMillis(time.Now()), string(core.StatusSending))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to hold interrupted sends: %w", err)
	}
	held, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM processed_messages WHERE status = ?
	`), string(core.StatusReserved))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to release stale reservations: %w", err)
	}
	released, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit recovery: %w", err)
	}
	return int(released), int(held), nil
}

// LoadCheckpoint returns the named checkpoint or ErrNotFound
func (s *SQLStore) LoadCheckpoint(ctx context.Context, name string) (*core.Checkpoint, error) {
	var sinceMs, updatedMs int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT since_ms, updated_at FROM poll_checkpoints WHERE name = ?
	`), name).Scan(&sinceMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &core.Checkpoint{Name: name, Since: fromMillis(sinceMs), UpdatedAt: fromMillis(updatedMs)}, nil
}

// SaveCheckpoint writes the named checkpoint
func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.upsertCheckpoint),
		cp.Name, toMillis(cp.Since), toMillis(updated)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close record store", zap.Error(err))
		return err
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*core.ProcessedRecord, error) {
	var (
		rec                  core.ProcessedRecord
		status, category     string
		reasons              string
		createdMs, updatedMs int64
	)
	if err := row.Scan(&rec.MessageID, &status, &category, &rec.Sender, &rec.Subject, &rec.ThreadID,
		&rec.Draft, &rec.Attempts, &reasons, &rec.RunID, &createdMs, &updatedMs); err != nil {
		return nil, err
	}

	rec.Status = core.RecordStatus(status)
	rec.Category = core.Category(category)
	rec.CreatedAt = fromMillis(createdMs)
	rec.UpdatedAt = fromMillis(updatedMs)
	if reasons != "" {
		if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
			return nil, fmt.Errorf("failed to decode reasons: %w", err)
		}
	}
	return &rec, nil
}

func encodeReasons(reasons []string) (string, error) {
	if len(reasons) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(reasons)
	if err != nil {
		return "", fmt.Errorf("failed to encode reasons: %w", err)
	}
	return string(b), nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
