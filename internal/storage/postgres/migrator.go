package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Миграции лежат парами NNNN_name.up.sql / NNNN_name.down.sql.
//
//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

const (
	migrationsDir = "sql/migrations"
	// migrationLockKey сериализует migrate между репликами storefront и cmd/migrate.
	migrationLockKey = int64(0x5f0a7e11)
	lockTimeout      = 5 * time.Second

	createVersionsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	migrationFileRe   = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)
	errNotInitialized = errors.New("postgres store is not initialized")
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version int64
	Name    string
	Up      string
	Down    string
}

func (m migration) String() string { return fmt.Sprintf("%04d_%s", m.Version, m.Name) }

// script возвращает SQL шага и запрос, который фиксирует его в schema_migrations.
func (m migration) script(direction migrationDirection) (body, bookkeeping string, args []any) {
	if direction == migrationDown {
		return m.Down, `DELETE FROM schema_migrations WHERE version = $1`, []any{m.Version}
	}
	return m.Up, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, []any{m.Version, m.Name}
}

// MigrateUp применяет до steps новых миграций; 0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает steps последних миграций. Без явного числа откатывается одна.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationDown, max(steps, 1))
}

// MigrationStatus возвращает последнюю применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (version int64, applied int, err error) {
	err = s.withConn(ctx, false, func(conn *sql.Conn) error {
		versions, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		applied = len(versions)
		if applied > 0 {
			version = versions[applied-1]
		}
		return nil
	})
	return version, applied, err
}

// PendingMigrations перечисляет ещё не применённые миграции в порядке применения.
func (s *Store) PendingMigrations(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return nil, err
	}

	pending := []string{}
	err = s.withConn(ctx, false, func(conn *sql.Conn) error {
		versions, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		done := make(map[int64]struct{}, len(versions))
		for _, v := range versions {
			done[v] = struct{}{}
		}
		for _, m := range migrations {
			if _, ok := done[m.Version]; !ok {
				pending = append(pending, m.String())
			}
		}
		return nil
	})
	return pending, err
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if direction != migrationUp && direction != migrationDown {
		return errors.Newf("unsupported migration direction: %s", direction)
	}
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	return s.withConn(ctx, true, func(conn *sql.Conn) error {
		versions, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		plan, err := planMigrations(migrations, versions, direction, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			if err := runMigration(ctx, conn, m, direction); err != nil {
				return err
			}
		}
		return nil
	})
}

// withConn выдаёт одно соединение с гарантированной таблицей schema_migrations.
// С locked=true на время fn берётся advisory lock.
func (s *Store) withConn(ctx context.Context, locked bool, fn func(conn *sql.Conn) error) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire db connection")
	}
	defer conn.Close()

	if locked {
		lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
		_, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey)
		cancel()
		if err != nil {
			return errors.Wrap(err, "acquire migration lock")
		}
		defer func() {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockKey)
		}()
	}

	if _, err := conn.ExecContext(ctx, createVersionsTable); err != nil {
		return errors.Wrap(err, "ensure migration table")
	}
	return fn(conn)
}

// planMigrations выбирает шаги: для up это неприменённые по возрастанию,
// для down применённые по убыванию. steps<=0 означает без ограничения.
func planMigrations(all []migration, applied []int64, direction migrationDirection, steps int) ([]migration, error) {
	byVersion := make(map[int64]migration, len(all))
	for _, m := range all {
		byVersion[m.Version] = m
	}

	var plan []migration
	if direction == migrationUp {
		done := make(map[int64]struct{}, len(applied))
		for _, v := range applied {
			done[v] = struct{}{}
		}
		for _, m := range all {
			if _, ok := done[m.Version]; !ok {
				plan = append(plan, m)
			}
		}
	} else {
		for i := len(applied) - 1; i >= 0; i-- {
			m, ok := byVersion[applied[i]]
			if !ok {
				return nil, errors.Newf("cannot rollback unknown migration version %d", applied[i])
			}
			plan = append(plan, m)
		}
	}

	if steps > 0 && len(plan) > steps {
		plan = plan[:steps]
	}
	return plan, nil
}

// runMigration выполняет один шаг вместе с записью в schema_migrations в одной транзакции.
func runMigration(ctx context.Context, conn *sql.Conn, m migration, direction migrationDirection) error {
	body, bookkeeping, args := m.script(direction)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin %s migration %s", direction, m)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "execute %s migration %s", direction, m)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		_ = tx.Rollback()
		return errors.Wrapf(err, "record %s migration %s", direction, m)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s migration %s", direction, m)
	}
	return nil
}

// appliedVersions возвращает применённые версии по возрастанию.
func appliedVersions(ctx context.Context, conn *sql.Conn) ([]int64, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, errors.Wrap(err, "query applied migrations")
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan applied migration")
		}
		versions = append(versions, v)
	}
	return versions, errors.Wrap(rows.Err(), "iterate applied migrations")
}

func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	entries, err := fs.Glob(fsys, path.Join(migrationsDir, "*.sql"))
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}
	if len(entries) == 0 {
		return nil, errors.New("no migration files found")
	}

	found := make(map[int64]*migration)
	for _, file := range entries {
		base := path.Base(file)
		parts := migrationFileRe.FindStringSubmatch(base)
		if parts == nil {
			return nil, errors.Newf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse migration version from %s", base)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, errors.Wrapf(err, "read migration file %s", file)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, errors.Newf("migration file %s is empty", base)
		}

		m, ok := found[version]
		switch {
		case !ok:
			m = &migration{Version: version, Name: parts[2]}
			found[version] = m
		case m.Name != parts[2]:
			return nil, errors.Newf("migration %d has two names: %s and %s", version, m.Name, parts[2])
		}

		target := &m.Up
		if parts[3] == string(migrationDown) {
			target = &m.Down
		}
		if *target != "" {
			return nil, errors.Newf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	migrations := make([]migration, 0, len(found))
	for _, m := range found {
		if m.Up == "" || m.Down == "" {
			return nil, errors.Newf("migration %s must have both up and down files", *m)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
