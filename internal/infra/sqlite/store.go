// Package sqlite implements the store backend on an embedded SQLite database.
// Each session owns one dedicated connection; principals authenticate against
// bcrypt hashes kept in the database itself.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/astro-web3/graph-gateway/internal/domain/store"
	"github.com/astro-web3/graph-gateway/pkg/logger"
)

const principalsDDL = `CREATE TABLE IF NOT EXISTS gateway_principals (
	name        TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL
)`

type Config struct {
	// Path is the database file. It is created when missing.
	Path string
	// BusyTimeoutMS is how long a connection waits on a locked database.
	BusyTimeoutMS int
}

type Store struct {
	db     *sql.DB
	labels map[string]store.Label
}

var _ store.Backend = (*Store)(nil)

// Open opens the database and creates a table per label.
func Open(ctx context.Context, cfg Config, labels []store.Label) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = 5000
	}

	// Connection pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", cfg.Path, cfg.BusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, labels: make(map[string]store.Label, len(labels))}
	for _, l := range labels {
		s.labels[l.Name] = l
	}

	if err := s.migrate(ctx, labels); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.InfoContext(ctx, "sqlite store opened",
		slog.String("path", cfg.Path),
		slog.Int("labels", len(labels)),
	)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context, labels []store.Label) error {
	if _, err := s.db.ExecContext(ctx, principalsDDL); err != nil {
		return err
	}
	for _, l := range labels {
		if _, err := s.db.ExecContext(ctx, createTable(l)); err != nil {
			return fmt.Errorf("table %s: %w", l.Name, err)
		}
	}
	return nil
}

// PutPrincipal creates or updates a principal with a bcrypt hash of secret.
func (s *Store) PutPrincipal(ctx context.Context, name, secret string) error {
	if name == "" {
		return errors.New("principal name is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash secret: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO gateway_principals (name, secret_hash) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET secret_hash = excluded.secret_hash`,
		name, string(hash))
	if err != nil {
		return mapError(err)
	}
	return nil
}

type session struct {
	conn      *sql.Conn
	principal string
}

func (s *session) Principal() string {
	return s.principal
}

func (s *Store) OpenSession(ctx context.Context, principal store.Principal) (store.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	var hash string
	err = conn.QueryRowContext(ctx,
		`SELECT secret_hash FROM gateway_principals WHERE name = ?`, principal.Name).Scan(&hash)
	if err == nil {
		err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(principal.Secret))
	}
	if err != nil {
		conn.Close()
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, fmt.Errorf("%w: principal %q", store.ErrAuthenticationRejected, principal.Name)
		}
		return nil, mapError(err)
	}

	return &session{conn: conn, principal: principal.Name}, nil
}

func (s *Store) CloseSession(_ context.Context, sess store.Session) error {
	ss, ok := sess.(*session)
	if !ok {
		return fmt.Errorf("session of type %T does not belong to sqlite", sess)
	}
	return ss.conn.Close()
}

func (s *Store) RunQuery(ctx context.Context, sess store.Session, q store.Query) ([]store.Row, error) {
	ss, ok := sess.(*session)
	if !ok {
		return nil, fmt.Errorf("session of type %T does not belong to sqlite", sess)
	}
	if q.Plan == nil {
		return nil, errors.New("query has no plan")
	}

	label, ok := s.labels[q.Plan.Label]
	if !ok {
		return nil, fmt.Errorf("%w: label %q", store.ErrNotFound, q.Plan.Label)
	}

	if q.RunAs != "" && q.RunAs != ss.principal {
		if err := s.checkRunAs(ctx, ss.conn, q.RunAs); err != nil {
			return nil, err
		}
	}

	switch q.Plan.Operation {
	case store.OpRead:
		return s.read(ctx, ss.conn, label, q.Plan)
	case store.OpCreate:
		return s.create(ctx, ss.conn, label, q.Plan)
	case store.OpDelete:
		return s.delete(ctx, ss.conn, label, q.Plan)
	default:
		return nil, fmt.Errorf("unsupported operation %s", q.Plan.Operation)
	}
}

// checkRunAs only lets a session act for principals the store knows.
func (s *Store) checkRunAs(ctx context.Context, conn *sql.Conn, name string) error {
	var found int
	err := conn.QueryRowContext(ctx, `SELECT 1 FROM gateway_principals WHERE name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: unknown principal %q", store.ErrForbidden, name)
	}
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, conn *sql.Conn, label store.Label, plan *store.Plan) ([]store.Row, error) {
	query, args, err := selectStatement(label, plan)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	return scanRows(rows, label, plan.Fields)
}

func (s *Store) create(ctx context.Context, conn *sql.Conn, label store.Label, plan *store.Plan) (out []store.Row, err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	out = make([]store.Row, 0, len(plan.Input))
	for _, input := range plan.Input {
		query, args, err := insertStatement(label, input)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, mapError(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, mapError(err)
		}

		rows, err := tx.QueryContext(ctx,
			"SELECT "+columns(plan.Fields)+" FROM "+ident(label.Name)+" WHERE rowid = ?", id)
		if err != nil {
			return nil, mapError(err)
		}
		created, err := scanRows(rows, label, plan.Fields)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, created...)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) delete(ctx context.Context, conn *sql.Conn, label store.Label, plan *store.Plan) ([]store.Row, error) {
	where, args, err := whereClause(label, plan.Where)
	if err != nil {
		return nil, err
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM "+ident(label.Name)+where, args...)
	if err != nil {
		return nil, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, mapError(err)
	}
	return []store.Row{{store.CountField: n}}, nil
}

// mapError translates driver errors onto the store sentinels.
func mapError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch {
		case sqlErr.Code == sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %w", store.ErrConstraint, err)
		case sqlErr.Code == sqlite3.ErrBusy, sqlErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		case strings.Contains(sqlErr.Error(), "no such table"):
			return fmt.Errorf("%w: %w", store.ErrNotFound, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}
