package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// dialect holds the statements that differ between SQL backends
type dialect struct {
	name   string
	driver string
	schema []string

	// insertIgnore is the reservation insert; on a duplicate key it must
	// either affect zero rows or fail with an error matched by duplicateKey
	insertIgnore string
	duplicateKey func(error) bool
	// maxKeyBytes bounds message ids the key column stores without truncation; 0 is unbounded
	maxKeyBytes int
	// upsertCheckpoint writes or replaces a checkpoint row
	upsertCheckpoint string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

const recordColumns = "message_id, status, category, sender, subject, thread_id, draft, attempts, reasons, run_id, created_at, updated_at"

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite3",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS processed_messages (
			message_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			category TEXT NOT NULL,
			sender TEXT NOT NULL,
			subject TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			draft TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			reasons TEXT NOT NULL,
			run_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_status ON processed_messages(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS poll_checkpoints (
			name TEXT PRIMARY KEY,
			since_ms INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	},
	insertIgnore: "INSERT OR IGNORE INTO processed_messages (" + recordColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
	upsertCheckpoint: `INSERT INTO poll_checkpoints (name, since_ms, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET since_ms = excluded.since_ms, updated_at = excluded.updated_at`,
}

var mysqlDialect = dialect{
	name:   "mysql",
	driver: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS processed_messages (
			message_id VARBINARY(998) PRIMARY KEY,
			status VARCHAR(16) NOT NULL,
			category VARCHAR(16) NOT NULL,
			sender TEXT NOT NULL,
			subject TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			draft MEDIUMTEXT NOT NULL,
			attempts INT NOT NULL,
			reasons TEXT NOT NULL,
			run_id VARCHAR(64) NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			INDEX idx_processed_status (status, updated_at)
		)`,
		`CREATE TABLE IF NOT EXISTS poll_checkpoints (
			name VARCHAR(128) PRIMARY KEY,
			since_ms BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	},
	// INSERT IGNORE downgrades truncation to a warning, so duplicates surface as 1062 instead
	insertIgnore: "INSERT INTO processed_messages (" + recordColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
	duplicateKey: isMySQLDuplicate,
	maxKeyBytes:  998,
	upsertCheckpoint: `INSERT INTO poll_checkpoints (name, since_ms, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE since_ms = VALUES(since_ms), updated_at = VALUES(updated_at)`,
}

var postgresDialect = dialect{
	name:   "postgres",
	driver: "pgx",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS processed_messages (
			message_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			category TEXT NOT NULL,
			sender TEXT NOT NULL,
			subject TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			draft TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			reasons TEXT NOT NULL,
			run_id TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_status ON processed_messages(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS poll_checkpoints (
			name TEXT PRIMARY KEY,
			since_ms BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	},
	insertIgnore: "INSERT INTO processed_messages (" + recordColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (message_id) DO NOTHING",
	upsertCheckpoint: `INSERT INTO poll_checkpoints (name, since_ms, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET since_ms = EXCLUDED.since_ms, updated_at = EXCLUDED.updated_at`,
	numbered: true,
}

const mysqlDuplicateEntry = 1062

func isMySQLDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}

// rebind rewrites ? placeholders for dialects that number them
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
