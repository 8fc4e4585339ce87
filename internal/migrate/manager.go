// Package migrate applies the versioned Postgres schema shipped with the
// binary. Every migration runs in its own transaction together with its
// bookkeeping row, under an advisory lock, and applied files are checked
// against their recorded checksum before anything new runs.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"

	"haulledger.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// advisoryLockKey serializes migrate runs against one database.
	advisoryLockKey int64 = 0x6861756c
)

var (
	ErrChecksumMismatch = errors.New("migrate: applied migration differs from the shipped file")
	ErrUnknownVersion   = errors.New("migrate: database has a migration this binary does not ship")
	ErrPending          = errors.New("migrate: schema has pending migrations")
	ErrNoDownScript     = errors.New("migrate: migration has no down script")
	ErrNothingApplied   = errors.New("migrate: no migrations applied")
)

// Manager applies migrations and seeds to one database.
type Manager struct {
	db              *sql.DB
	migrations      []Migration
	seeds           []Seed
	migrationsTable string
	seedsTable      string
	log             *logrus.Entry
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// NewManager loads the migrations and seeds (which may be nil) up front so a
// malformed file fails before the database is touched.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) (*Manager, error) {
	migs, err := LoadMigrations(migrations)
	if err != nil {
		return nil, err
	}
	sds, err := LoadSeeds(seeds)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		db:              db,
		migrations:      migs,
		seeds:           sds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		log:             obs.Logger().WithField("module", "migrate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Status is the state of one migration.
type Status struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Applied   bool      `json:"applied"`
	AppliedAt time.Time `json:"appliedAt,omitempty"`
	// Drifted is set when the recorded checksum does not match the shipped
	// file, or the binary does not ship the version at all.
	Drifted bool `json:"drifted,omitempty"`
}

type appliedRow struct {
	version   int
	name      string
	checksum  string
	appliedAt time.Time
}

// Up applies every pending migration in version order and returns how many
// ran. It refuses to run when an applied migration drifted.
func (m *Manager) Up(ctx context.Context) (int, error) {
	pending, err := m.pending(ctx)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, mig := range pending {
		applied := false
		err := m.locked(ctx, func(tx *sql.Tx) error {
			var n int
			q := fmt.Sprintf(`select count(*) from %s where version = $1`, m.migrationsTable)
			if err := tx.QueryRowContext(ctx, q, mig.Version).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				// applied by a concurrent run while we waited for the lock
				return nil
			}
			if err := execScript(ctx, tx, mig.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s (version, name, checksum, applied_at) values ($1, $2, $3, $4)`, m.migrationsTable),
				mig.Version, mig.Name, mig.Checksum, time.Now().UTC())
			applied = err == nil
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("apply %s: %w", mig, err)
		}
		if applied {
			ran++
			m.log.WithField("migration", mig.String()).Info("migration applied")
		}
	}
	return ran, nil
}

// Down rolls back the highest applied version.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	rows, err := m.applied(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNothingApplied
	}
	last := rows[len(rows)-1]
	mig, ok := m.find(last.version)
	if !ok {
		return fmt.Errorf("%w: version %d", ErrUnknownVersion, last.version)
	}
	if mig.Down == "" {
		return fmt.Errorf("%w: %s", ErrNoDownScript, mig)
	}
	err = m.locked(ctx, func(tx *sql.Tx) error {
		if err := execScript(ctx, tx, mig.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where version = $1`, m.migrationsTable), mig.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback %s: %w", mig, err)
	}
	m.log.WithField("migration", mig.String()).Info("migration rolled back")
	return nil
}

// Status lists every shipped migration, plus any unknown applied version,
// in version order.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	rows, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int]appliedRow, len(rows))
	for _, r := range rows {
		byVersion[r.version] = r
	}

	out := make([]Status, 0, len(m.migrations))
	for _, mig := range m.migrations {
		st := Status{Version: mig.Version, Name: mig.Name}
		if r, ok := byVersion[mig.Version]; ok {
			st.Applied, st.AppliedAt = true, r.appliedAt
			st.Drifted = r.checksum != mig.Checksum
			delete(byVersion, mig.Version)
		}
		out = append(out, st)
	}
	for _, r := range rows {
		if _, unknown := byVersion[r.version]; unknown {
			out = append(out, Status{Version: r.version, Name: r.name, Applied: true, AppliedAt: r.appliedAt, Drifted: true})
		}
	}
	return out, nil
}

// Seed applies seed files not applied before. The schema must be current.
func (m *Manager) Seed(ctx context.Context) (int, error) {
	pending, err := m.pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return 0, fmt.Errorf("%w: %d to apply", ErrPending, len(pending))
	}
	ran := 0
	for _, seed := range m.seeds {
		applied := false
		err := m.locked(ctx, func(tx *sql.Tx) error {
			var n int
			q := fmt.Sprintf(`select count(*) from %s where name = $1`, m.seedsTable)
			if err := tx.QueryRowContext(ctx, q, seed.Name).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			if err := execScript(ctx, tx, seed.SQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s (name, checksum, applied_at) values ($1, $2, $3)`, m.seedsTable),
				seed.Name, seed.Checksum, time.Now().UTC())
			applied = err == nil
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("apply seed %s: %w", seed.Name, err)
		}
		if applied {
			ran++
			m.log.WithField("seed", seed.Name).Info("seed applied")
		}
	}
	return ran, nil
}

// pending verifies the applied history against the shipped files and
// returns the migrations still to run.
func (m *Manager) pending(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	rows, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(rows))
	for _, r := range rows {
		mig, ok := m.find(r.version)
		if !ok {
			return nil, fmt.Errorf("%w: version %d (%s)", ErrUnknownVersion, r.version, r.name)
		}
		if r.checksum != mig.Checksum {
			return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, mig)
		}
		done[r.version] = true
	}
	var out []Migration
	for _, mig := range m.migrations {
		if !done[mig.Version] {
			out = append(out, mig)
		}
	}
	return out, nil
}

func (m *Manager) find(version int) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.Version == version {
			return mig, true
		}
	}
	return Migration{}, false
}

func (m *Manager) ensureTables(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`create table if not exists %s (
			version    integer primary key,
			name       text not null,
			checksum   text not null,
			applied_at timestamptz not null default now()
		)`, m.migrationsTable),
		fmt.Sprintf(`create table if not exists %s (
			name       text primary key,
			checksum   text not null,
			applied_at timestamptz not null default now()
		)`, m.seedsTable),
	}
	for _, stmt := range ddl {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context) ([]appliedRow, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select version, name, checksum, applied_at from %s order by version`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []appliedRow
	for rows.Next() {
		var r appliedRow
		if err := rows.Scan(&r.version, &r.name, &r.checksum, &r.appliedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// locked runs fn in a transaction holding the migrate advisory lock.
func (m *Manager) locked(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func execScript(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
