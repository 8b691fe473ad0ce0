// Package sqlstore stores durable collaboration sessions in SQLite or MySQL
// through database/sql. Timestamps are kept as Unix nanoseconds so both
// dialects compare them the same way.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/Rrens/collab-sessions/internal/domain"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Dialect selects the DDL used by EnsureSchema
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

const table = "collaboration_sessions"

// qsq builds statements with question mark placeholders, which both
// dialects accept.
var qsq = sq.StatementBuilder.PlaceholderFormat(sq.Question)

var sessionColumns = []string{"session_id", "project_id", "active_users", "created_at", "last_activity"}

var schemas = map[Dialect][]string{
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS collaboration_sessions (
			session_id    TEXT    PRIMARY KEY,
			project_id    TEXT    NOT NULL,
			active_users  TEXT    NOT NULL DEFAULT '[]',
			created_at    INTEGER NOT NULL,
			last_activity INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_collaboration_sessions_project
			ON collaboration_sessions (project_id, last_activity)`,
		`CREATE INDEX IF NOT EXISTS idx_collaboration_sessions_last_activity
			ON collaboration_sessions (last_activity)`,
	},
	DialectMySQL: {
		`CREATE TABLE IF NOT EXISTS collaboration_sessions (
			session_id    VARCHAR(64)  NOT NULL PRIMARY KEY,
			project_id    VARCHAR(255) NOT NULL,
			active_users  TEXT         NOT NULL,
			created_at    BIGINT       NOT NULL,
			last_activity BIGINT       NOT NULL,
			INDEX idx_collaboration_sessions_project (project_id, last_activity),
			INDEX idx_collaboration_sessions_last_activity (last_activity)
		)`,
	},
}

// Store implements domain.CollaborationSessionRepository on database/sql
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database handle
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// OpenSQLite opens (creating if needed) a SQLite database file. The path
// ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)

	return open(ctx, db, DialectSQLite)
}

// OpenMySQL connects to MySQL using a go-sql-driver DSN
func OpenMySQL(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	// Touch reports matched rows, not changed rows.
	cfg.ClientFoundRows = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	return open(ctx, db, DialectMySQL)
}

func open(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}

	s := New(db, dialect)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Str("dialect", string(dialect)).Msg("durable session store ready")
	return s, nil
}

// EnsureSchema creates the sessions table when it does not exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts, ok := schemas[s.dialect]
	if !ok {
		return fmt.Errorf("unsupported dialect: %s", s.dialect)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, session *domain.CollaborationSession) error {
	users, err := marshalActiveUsers(session.ActiveUsers)
	if err != nil {
		return err
	}

	query, args, err := qsq.Insert(table).
		Columns(sessionColumns...).
		Values(
			session.SessionID,
			session.ProjectID,
			users,
			session.CreatedAt.UnixNano(),
			session.LastActivity.UnixNano(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create collaboration session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*domain.CollaborationSession, error) {
	query, args, err := qsq.Select(sessionColumns...).
		From(table).
		Where(sq.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	session, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get collaboration session: %w", err)
	}
	return session, nil
}

func (s *Store) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]domain.CollaborationSession, error) {
	query, args, err := qsq.Select(sessionColumns...).
		From(table).
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("last_activity DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list collaboration sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []domain.CollaborationSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collaboration session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate collaboration sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) Touch(ctx context.Context, sessionID string, activeUsers []string, at time.Time) error {
	users, err := marshalActiveUsers(activeUsers)
	if err != nil {
		return err
	}

	query, args, err := qsq.Update(table).
		Set("active_users", users).
		Set("last_activity", at.UnixNano()).
		Where(sq.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	return s.execAffecting(ctx, "touch", query, args)
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	query, args, err := qsq.Delete(table).
		Where(sq.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}

	return s.execAffecting(ctx, "delete", query, args)
}

func (s *Store) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := qsq.Delete(table).
		Where(sq.Lt{"last_activity": cutoff.UnixNano()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge collaboration sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purged row count: %w", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// execAffecting runs a statement that must match exactly one session
func (s *Store) execAffecting(ctx context.Context, op, query string, args []any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s collaboration session: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.CollaborationSession, error) {
	var (
		s            domain.CollaborationSession
		activeUsers  string
		createdAt    int64
		lastActivity int64
	)
	if err := row.Scan(&s.SessionID, &s.ProjectID, &activeUsers, &createdAt, &lastActivity); err != nil {
		return nil, err
	}

	s.ActiveUsers = []string{}
	if activeUsers != "" {
		if err := json.Unmarshal([]byte(activeUsers), &s.ActiveUsers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal active users: %w", err)
		}
	}
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	s.LastActivity = time.Unix(0, lastActivity).UTC()
	return &s, nil
}

func marshalActiveUsers(users []string) (string, error) {
	if users == nil {
		users = []string{}
	}
	data, err := json.Marshal(users)
	if err != nil {
		return "", fmt.Errorf("failed to marshal active users: %w", err)
	}
	return string(data), nil
}
