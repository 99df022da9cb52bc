package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/parley/pkg/model"
)

// DB is the query surface shared by *sql.DB and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLLog is the SQLite-backed message log.
type SQLLog struct {
	DB  *sql.DB
	now func() time.Time
}

// NewSQLLog opens (or creates) a SQLite database and runs migrations.
// dbPath ":memory:" gives a private in-memory database.
func NewSQLLog(dbPath string) (*SQLLog, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		DB.SetMaxOpenConns(1)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	l := &SQLLog{DB: DB, now: time.Now}
	if err := l.migrate(ctx); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *SQLLog) Close() error {
	return l.DB.Close()
}

func (l *SQLLog) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT    NOT NULL CHECK(kind IN ('public', 'private')),
		sender     TEXT    NOT NULL,
		receiver   TEXT    NOT NULL DEFAULT '',
		body       TEXT    NOT NULL,
		sent_at    TEXT    NOT NULL,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	`
	if err := l.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := l.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_kind_id ON messages (kind, id)",
				"CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender, receiver)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := l.applyMigration(ctx, m.version, m.statements); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs one migration and records its version in a single
// transaction.
func (l *SQLLog) applyMigration(ctx context.Context, version int, statements []string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: begin migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements {
		if err := execMigration(ctx, tx, stmt); err != nil {
			return err
		}
	}
	if err := setSchemaVersion(ctx, tx, version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit migration %d: %w", version, err)
	}
	return nil
}

func (l *SQLLog) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := l.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := l.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := l.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (l *SQLLog) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := l.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(ctx context.Context, db DB, version int) error {
	if _, err := db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func execMigration(ctx context.Context, db DB, stmt string) error {
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (l *SQLLog) SchemaVersion(ctx context.Context) (int, error) {
	return l.getSchemaVersion(ctx)
}

// ---- Messages ----

const messageColumns = "id, kind, sender, receiver, body, sent_at"

// AppendMessage validates and inserts message, setting its ID.
func (l *SQLLog) AppendMessage(ctx context.Context, message *model.Message) error {
	if err := message.Validate(model.MaxStoredMessageLength); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	if message.Time == "" {
		message.Time = model.FormatTimestamp(l.now())
	}

	res, err := l.DB.ExecContext(ctx,
		"INSERT INTO messages (kind, sender, receiver, body, sent_at) VALUES (?, ?, ?, ?, ?)",
		string(message.Kind), message.From, message.To, message.Text, message.Time)
	if err != nil {
		return fmt.Errorf("datastore: append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("datastore: append message: %w", err)
	}
	message.ID = id
	return nil
}

// RecentPublic returns the newest limit public messages in chronological order.
func (l *SQLLog) RecentPublic(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.DB.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE kind = 'public' ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: recent public: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("datastore: recent public: %w", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

// Conversation returns the private messages between a and b in id order.
func (l *SQLLog) Conversation(ctx context.Context, a, b string) ([]model.Message, error) {
	rows, err := l.DB.QueryContext(ctx,
		"SELECT "+messageColumns+` FROM messages
		WHERE kind = 'private' AND ((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))
		ORDER BY id ASC`, a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("datastore: conversation: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("datastore: conversation: %w", err)
	}
	return messages, nil
}

// ListMessages returns messages matching filters in id order.
func (l *SQLLog) ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error) {
	query := "SELECT " + messageColumns + `
		FROM messages
		WHERE (? IS NULL OR kind = ?)
		AND (? IS NULL OR sender = ?)
		ORDER BY id ASC
		LIMIT COALESCE(?, -1)
		OFFSET COALESCE(?, 0)
	`

	var kind *string
	if filters.LimitToKind != nil {
		k := string(*filters.LimitToKind)
		kind = &k
	}
	rows, err := l.DB.QueryContext(ctx, query,
		kind, kind,
		filters.LimitToSender, filters.LimitToSender,
		filters.PageSize,
		filters.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	return messages, nil
}

// DeleteMessage removes a public message by ID.
func (l *SQLLog) DeleteMessage(ctx context.Context, id int64) (bool, error) {
	res, err := l.DB.ExecContext(ctx, "DELETE FROM messages WHERE id = ? AND kind = 'public'", id)
	if err != nil {
		return false, fmt.Errorf("datastore: delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: delete message: %w", err)
	}
	return n > 0, nil
}

// DeleteAllPublic removes every public message.
func (l *SQLLog) DeleteAllPublic(ctx context.Context) (int64, error) {
	res, err := l.DB.ExecContext(ctx, "DELETE FROM messages WHERE kind = 'public'")
	if err != nil {
		return 0, fmt.Errorf("datastore: delete all public: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("datastore: delete all public: %w", err)
	}
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var kind string
		if err := rows.Scan(&m.ID, &kind, &m.From, &m.To, &m.Text, &m.Time); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Kind = model.MessageKind(kind)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
