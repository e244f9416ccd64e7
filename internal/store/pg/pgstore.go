package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ecofleet.org/internal/audit"
	"ecofleet.org/internal/auth"
	"ecofleet.org/internal/fleet"
	"ecofleet.org/internal/records"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	_ records.Store    = (*Records)(nil)
	_ fleet.Store      = (*Fleet)(nil)
	_ auth.ActorStore  = (*Actors)(nil)
	_ auth.CustomStore = (*Actors)(nil)
	_ audit.Appender   = (*Audit)(nil)
)

var errNoDB = errors.New("database connection unavailable")

// Store owns the connection pool and hands out the per-domain repositories.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Records() *Records { return &Records{db: s.db} }
func (s *Store) Fleet() *Fleet     { return &Fleet{db: s.db} }
func (s *Store) Actors() *Actors   { return &Actors{db: s.db} }
func (s *Store) Audit() *Audit     { return &Audit{db: s.db} }

// --- helpers ---

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// translate maps constraint violations onto the caller's sentinels.
func translate(err error, conflict, notFound error, what string) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", conflict, what)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s references a missing row", notFound, what)
		}
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(format string, args ...any) {
	ph := make([]any, len(args))
	for i := range args {
		w.args = append(w.args, args[i])
		ph[i] = fmt.Sprintf("$%d", len(w.args))
	}
	w.clauses = append(w.clauses, fmt.Sprintf(format, ph...))
}

func (w *where) in(column string, values []int64) {
	w.clauses = append(w.clauses, w.inClause(column, values))
}

// inClause binds values and returns the predicate without adding it.
func (w *where) inClause(column string, values []int64) string {
	if len(values) == 0 {
		return "false"
	}
	ph := make([]string, len(values))
	for i, v := range values {
		w.args = append(w.args, v)
		ph[i] = fmt.Sprintf("$%d", len(w.args))
	}
	return fmt.Sprintf("%s in (%s)", column, strings.Join(ph, ", "))
}

// scope adds the organizational filter over the given column names. Empty
// column names skip that dimension.
func (w *where) scope(f auth.Filter, companyCol, districtCol, driverCol string) {
	if f.Nothing {
		w.clauses = append(w.clauses, "false")
		return
	}
	if f.CompanyID != nil && companyCol != "" {
		w.add(companyCol+" = %s", *f.CompanyID)
	}
	if f.DistrictID != nil && districtCol != "" {
		w.add(districtCol+" = %s", *f.DistrictID)
	}
	if f.RestrictDistricts && districtCol != "" {
		w.in(districtCol, f.DistrictIDs)
	}
	if f.DriverID != "" {
		if driverCol == "" {
			w.clauses = append(w.clauses, "false")
		} else {
			w.add(driverCol+" = %s", f.DriverID)
		}
	}
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " where " + strings.Join(w.clauses, " and ")
}
