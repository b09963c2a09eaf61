package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/workzone/hostgate/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "hostgate.db"
	}

	if dir := databaseDir(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrConnectionFailed)
		}
	}

	db, err := sqlx.Open("sqlite3", withParam(dsn, "_busy_timeout", "5000"))
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// Every connection to :memory: is a separate database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// withParam appends key=value to the DSN query unless key is already set.
func withParam(dsn, key, value string) string {
	_, query, hasQuery := strings.Cut(dsn, "?")
	for _, kv := range strings.Split(query, "&") {
		if k, _, _ := strings.Cut(kv, "="); k == key {
			return dsn
		}
	}
	sep := "?"
	if hasQuery {
		sep = "&"
	}
	return dsn + sep + key + "=" + value
}

// databaseDir returns the directory holding the database file, or "" for
// in-memory databases and files in the working directory.
func databaseDir(dsn string) string {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	path, _, _ := strings.Cut(dsn, "?")
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return ""
	}
	if dir := filepath.Dir(path); dir != "." {
		return dir
	}
	return ""
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// =============================================================================
// Challenge Operations
// =============================================================================

// challengeRow represents a challenge row in the database.
type challengeRow struct {
	Domain     string `db:"domain"`
	ID         string `db:"id"`
	Token      string `db:"token"`
	RecordName string `db:"record_name"`
	IssuedAt   string `db:"issued_at"`
	ExpiresAt  string `db:"expires_at"`
}

func rowToChallenge(row *challengeRow) (*domain.Challenge, error) {
	issuedAt, err := parseTime(row.IssuedAt)
	if err != nil {
		return nil, NewStoreError("rowToChallenge", "challenge", row.Domain, "failed to parse issued_at", ErrInvalidData)
	}
	expiresAt, err := parseTime(row.ExpiresAt)
	if err != nil {
		return nil, NewStoreError("rowToChallenge", "challenge", row.Domain, "failed to parse expires_at", ErrInvalidData)
	}
	return &domain.Challenge{
		ID:         row.ID,
		Domain:     row.Domain,
		Token:      row.Token,
		RecordName: row.RecordName,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
	}, nil
}

func (s *SQLiteStore) GetChallenge(ctx context.Context, name string) (*domain.Challenge, error) {
	var row challengeRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM challenges WHERE domain = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetChallenge", "challenge", name, "challenge not found", ErrNotFound)
		}
		return nil, NewStoreError("GetChallenge", "challenge", name, err.Error(), err)
	}
	return rowToChallenge(&row)
}

// PutChallenge stores c, replacing any challenge already held for its domain.
func (s *SQLiteStore) PutChallenge(ctx context.Context, c *domain.Challenge) error {
	query := `
		INSERT INTO challenges (domain, id, token, record_name, issued_at, expires_at)
		VALUES (:domain, :id, :token, :record_name, :issued_at, :expires_at)
		ON CONFLICT(domain) DO UPDATE SET
			id = excluded.id,
			token = excluded.token,
			record_name = excluded.record_name,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at`

	row := map[string]any{
		"domain":      c.Domain,
		"id":          c.ID,
		"token":       c.Token,
		"record_name": c.RecordName,
		"issued_at":   formatTime(c.IssuedAt),
		"expires_at":  formatTime(c.ExpiresAt),
	}

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("PutChallenge", "challenge", c.Domain, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChallenge(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE domain = ?`, name)
	if err != nil {
		return NewStoreError("DeleteChallenge", "challenge", name, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteChallenge", "challenge", name, "challenge not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListChallenges(ctx context.Context) ([]domain.Challenge, error) {
	var rows []challengeRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM challenges ORDER BY issued_at ASC`); err != nil {
		return nil, NewStoreError("ListChallenges", "challenge", "", err.Error(), err)
	}

	challenges := make([]domain.Challenge, 0, len(rows))
	for _, row := range rows {
		c, err := rowToChallenge(&row)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, *c)
	}
	return challenges, nil
}

func (s *SQLiteStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, NewStoreError("DeleteExpiredChallenges", "challenge", "", err.Error(), err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// =============================================================================
// Registration Operations
// =============================================================================

// registrationRow represents a registration row in the database.
type registrationRow struct {
	Domain     string `db:"domain"`
	ID         string `db:"id"`
	Strategy   string `db:"strategy"`
	Status     string `db:"status"`
	LastError  string `db:"last_error"`
	VerifiedAt string `db:"verified_at"`
	UpdatedAt  string `db:"updated_at"`
}

func rowToRegistration(row *registrationRow) (*domain.Registration, error) {
	verifiedAt, err := parseTime(row.VerifiedAt)
	if err != nil {
		return nil, NewStoreError("rowToRegistration", "registration", row.Domain, "failed to parse verified_at", ErrInvalidData)
	}
	updatedAt, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("rowToRegistration", "registration", row.Domain, "failed to parse updated_at", ErrInvalidData)
	}
	return &domain.Registration{
		ID:         row.ID,
		Domain:     row.Domain,
		Strategy:   domain.Strategy(row.Strategy),
		Status:     domain.RegistrationStatus(row.Status),
		LastError:  row.LastError,
		VerifiedAt: verifiedAt,
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *SQLiteStore) GetRegistration(ctx context.Context, name string) (*domain.Registration, error) {
	var row registrationRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM registrations WHERE domain = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRegistration", "registration", name, "registration not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRegistration", "registration", name, err.Error(), err)
	}
	return rowToRegistration(&row)
}

// UpsertRegistration creates or overwrites the registration for a domain. The
// original ID of an existing row is kept.
func (s *SQLiteStore) UpsertRegistration(ctx context.Context, r *domain.Registration) error {
	query := `
		INSERT INTO registrations (domain, id, strategy, status, last_error, verified_at, updated_at)
		VALUES (:domain, :id, :strategy, :status, :last_error, :verified_at, :updated_at)
		ON CONFLICT(domain) DO UPDATE SET
			strategy = excluded.strategy,
			status = excluded.status,
			last_error = excluded.last_error,
			verified_at = excluded.verified_at,
			updated_at = excluded.updated_at`

	row := map[string]any{
		"domain":      r.Domain,
		"id":          r.ID,
		"strategy":    string(r.Strategy),
		"status":      string(r.Status),
		"last_error":  r.LastError,
		"verified_at": formatTime(r.VerifiedAt),
		"updated_at":  formatTime(r.UpdatedAt),
	}

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("UpsertRegistration", "registration", r.Domain, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRegistration(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE domain = ?`, name)
	if err != nil {
		return NewStoreError("DeleteRegistration", "registration", name, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteRegistration", "registration", name, "registration not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListRegistrations(ctx context.Context, opts ListOptions) ([]domain.Registration, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM registrations ORDER BY domain ASC LIMIT ? OFFSET ?`

	var rows []registrationRow
	if err := s.db.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListRegistrations", "registration", "", err.Error(), err)
	}

	registrations := make([]domain.Registration, 0, len(rows))
	for _, row := range rows {
		r, err := rowToRegistration(&row)
		if err != nil {
			return nil, err
		}
		registrations = append(registrations, *r)
	}
	return registrations, nil
}

var _ Store = (*SQLiteStore)(nil)
