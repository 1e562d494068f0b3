package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
)

// Dialect picks driver name and DDL for the SQL backend.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

var sqliteSchema = []string{`CREATE TABLE IF NOT EXISTS envelopes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at REAL NOT NULL,
	conversation_id TEXT NOT NULL,
	reply_to TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_envelopes_receiver ON envelopes(receiver, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_envelopes_conversation ON envelopes(conversation_id, created_at)`,
}

const mysqlSchema = `CREATE TABLE IF NOT EXISTS envelopes (
	seq BIGINT AUTO_INCREMENT PRIMARY KEY,
	id VARCHAR(64) NOT NULL UNIQUE,
	sender VARCHAR(128) NOT NULL,
	receiver VARCHAR(128) NOT NULL,
	type VARCHAR(64) NOT NULL,
	content LONGTEXT NOT NULL,
	created_at DOUBLE NOT NULL,
	conversation_id VARCHAR(64) NOT NULL,
	reply_to VARCHAR(64) NOT NULL DEFAULT '',
	INDEX idx_envelopes_receiver (receiver, created_at),
	INDEX idx_envelopes_conversation (conversation_id, created_at)
)`

// SQL stores envelopes in one table indexed by (receiver, created_at) and
// (conversation_id, created_at). The seq column breaks created_at ties in
// arrival order.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL opens dsn with the driver for dialect and creates the schema.
func NewSQL(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "broker dsn is empty")
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, storageError(err, "open")
	}
	switch dialect {
	case DialectSQLite:
		// One writer at a time keeps SQLITE_BUSY away from the poll loops.
		db.SetMaxOpenConns(1)
	default:
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storageError(err, "ping")
	}
	b := &SQL{db: db, dialect: dialect}
	if err := b.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQL) initSchema(ctx context.Context) error {
	if b.dialect == DialectSQLite {
		if _, err := b.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return storageError(err, "enable wal")
		}
		for _, stmt := range sqliteSchema {
			if _, err := b.db.ExecContext(ctx, stmt); err != nil {
				return storageError(err, "create schema")
			}
		}
		return nil
	}
	if _, err := b.db.ExecContext(ctx, mysqlSchema); err != nil {
		return storageError(err, "create schema")
	}
	return nil
}

func (b *SQL) insertVerb() string {
	if b.dialect == DialectMySQL {
		return "INSERT IGNORE"
	}
	return "INSERT OR IGNORE"
}

func (b *SQL) Send(ctx context.Context, env envelope.Envelope) (string, error) {
	if err := validate(env); err != nil {
		return "", err
	}
	content, err := json.Marshal(env.Content)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode envelope content")
	}
	ctx, cancel := defaultTimeout(ctx)
	defer cancel()

	stmt := fmt.Sprintf(`%s INTO envelopes
	(id, sender, receiver, type, content, created_at, conversation_id, reply_to)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, b.insertVerb())
	if _, err := b.db.ExecContext(ctx, stmt,
		env.ID, env.Sender, env.Receiver, env.Type, string(content), env.CreatedAt, env.ConversationID, env.ReplyTo,
	); err != nil {
		return "", storageError(err, "send")
	}
	return env.ID, nil
}

const selectColumns = `SELECT id, sender, receiver, type, content, created_at, conversation_id, reply_to FROM envelopes`

func (b *SQL) Receive(ctx context.Context, agentID string, since float64) ([]envelope.Envelope, error) {
	ctx, cancel := defaultTimeout(ctx)
	defer cancel()
	rows, err := b.db.QueryContext(ctx,
		selectColumns+` WHERE receiver = ? AND created_at > ? ORDER BY created_at, seq`, agentID, since)
	if err != nil {
		return nil, storageError(err, "receive")
	}
	return scanEnvelopes(rows, "receive")
}

func (b *SQL) ConversationHistory(ctx context.Context, conversationID string) ([]envelope.Envelope, error) {
	ctx, cancel := defaultTimeout(ctx)
	defer cancel()
	rows, err := b.db.QueryContext(ctx,
		selectColumns+` WHERE conversation_id = ? ORDER BY created_at, seq`, conversationID)
	if err != nil {
		return nil, storageError(err, "history")
	}
	return scanEnvelopes(rows, "history")
}

func (b *SQL) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func scanEnvelopes(rows *sql.Rows, op string) ([]envelope.Envelope, error) {
	defer rows.Close()
	var out []envelope.Envelope
	for rows.Next() {
		var (
			env     envelope.Envelope
			content string
		)
		if err := rows.Scan(&env.ID, &env.Sender, &env.Receiver, &env.Type, &content, &env.CreatedAt, &env.ConversationID, &env.ReplyTo); err != nil {
			return nil, storageError(err, op)
		}
		if err := json.Unmarshal([]byte(content), &env.Content); err != nil {
			return nil, storageError(err, op+" decode")
		}
		if env.Content == nil {
			env.Content = envelope.Content{}
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, op)
	}
	return out, nil
}
