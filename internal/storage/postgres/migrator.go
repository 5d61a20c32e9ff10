package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	migrationsDir = "sql/migrations"
	// Ключ advisory lock общий для всех инстансов order-service и cmd/migrate.
	migrationLockKey     = int64(0x666f6f64)
	migrationLockTimeout = 10 * time.Second
	schemaMigrationsDDL  = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var embeddedMigrations embed.FS

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) label() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// MigrationState описывает схему: последнюю применённую версию, число
// применённых миграций и ещё не применённые миграции в порядке версий.
type MigrationState struct {
	Version int64
	Applied int
	Pending []string
}

// UpToDate сообщает, что все встроенные миграции применены.
func (s MigrationState) UpToDate() bool {
	return len(s.Pending) == 0
}

// Migrator применяет встроенные SQL-миграции схемы заказов и outbox.
type Migrator struct {
	db     *sql.DB
	source fs.FS
	logger *log.Entry
}

// Migrator возвращает мигратор поверх подключения хранилища.
func (s *Store) Migrator() *Migrator {
	m := &Migrator{source: embeddedMigrations, logger: log.WithField("component", "postgres-migrator")}
	if s != nil {
		m.db = s.db
		if s.logger != nil {
			m.logger = s.logger.WithField("subsystem", "migrator")
		}
	}
	return m
}

// EnsureSchema применяет все ещё не применённые миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Migrator().Up(ctx, 0)
	return err
}

// Up применяет до steps миграций; steps <= 0 применяет все.
func (m *Migrator) Up(ctx context.Context, steps int) (MigrationState, error) {
	var state MigrationState
	err := m.withLockedConn(ctx, func(conn *sql.Conn, plan []migration) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		done := make(map[int64]bool, len(applied))
		for _, v := range applied {
			done[v] = true
		}

		count := 0
		for _, mig := range plan {
			if done[mig.Version] {
				continue
			}
			if steps > 0 && count == steps {
				break
			}
			if err := runMigrationStep(ctx, conn, mig.UpSQL,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name,
			); err != nil {
				return fmt.Errorf("apply %s: %w", mig.label(), err)
			}
			m.logger.WithField("migration", mig.label()).Info("migration applied")
			count++
		}

		state, err = readState(ctx, conn, plan)
		return err
	})
	return state, err
}

// Down откатывает steps последних применённых миграций; steps <= 0 откатывает одну.
func (m *Migrator) Down(ctx context.Context, steps int) (MigrationState, error) {
	if steps <= 0 {
		steps = 1
	}

	var state MigrationState
	err := m.withLockedConn(ctx, func(conn *sql.Conn, plan []migration) error {
		byVersion := make(map[int64]migration, len(plan))
		for _, mig := range plan {
			byVersion[mig.Version] = mig
		}

		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(applied) - 1; i >= 0 && len(applied)-i <= steps; i-- {
			mig, ok := byVersion[applied[i]]
			if !ok {
				return fmt.Errorf("applied migration %d has no embedded down script", applied[i])
			}
			if err := runMigrationStep(ctx, conn, mig.DownSQL,
				`DELETE FROM schema_migrations WHERE version = $1`, mig.Version,
			); err != nil {
				return fmt.Errorf("roll back %s: %w", mig.label(), err)
			}
			m.logger.WithField("migration", mig.label()).Info("migration rolled back")
		}

		state, err = readState(ctx, conn, plan)
		return err
	})
	return state, err
}

// State читает состояние схемы без изменений.
func (m *Migrator) State(ctx context.Context) (MigrationState, error) {
	if m.db == nil {
		return MigrationState{}, errStoreNotInitialized
	}
	plan, err := loadMigrations(m.source)
	if err != nil {
		return MigrationState{}, err
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return MigrationState{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return readState(ctx, conn, plan)
}

// withLockedConn выполняет fn на выделенном соединении под advisory lock,
// чтобы несколько инстансов не применяли миграции одновременно.
func (m *Migrator) withLockedConn(ctx context.Context, fn func(conn *sql.Conn, plan []migration) error) error {
	if m.db == nil {
		return errStoreNotInitialized
	}
	plan, err := loadMigrations(m.source)
	if err != nil {
		return err
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			m.logger.WithError(err).Warn("release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn, plan)
}

// runMigrationStep выполняет тело миграции и запись в schema_migrations одной транзакцией.
func runMigrationStep(ctx context.Context, conn *sql.Conn, body, record string, args ...any) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute script: %w", err)
	}
	if _, err = tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("update schema_migrations: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// appliedVersions возвращает применённые версии по возрастанию.
func appliedVersions(ctx context.Context, conn *sql.Conn) ([]int64, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var versions []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return versions, nil
}

func readState(ctx context.Context, conn *sql.Conn, plan []migration) (MigrationState, error) {
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return MigrationState{}, err
	}

	state := MigrationState{Applied: len(applied), Pending: []string{}}
	done := make(map[int64]bool, len(applied))
	for _, v := range applied {
		done[v] = true
		state.Version = v
	}
	for _, mig := range plan {
		if !done[mig.Version] {
			state.Pending = append(state.Pending, mig.label())
		}
	}
	return state, nil
}

// loadMigrations читает пары NNNN_name.up.sql / NNNN_name.down.sql и
// возвращает их по возрастанию версии.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, direction, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration %s is empty", entry.Name())
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &migration{Version: version, Name: name}
			byVersion[version] = mig
		}
		if mig.Name != name {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, mig.Name, name)
		}

		target := &mig.UpSQL
		if direction == "down" {
			target = &mig.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s script for migration %d", direction, version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	plan := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpSQL == "" || mig.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down scripts", mig.label())
		}
		plan = append(plan, *mig)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Version < plan[j].Version })
	return plan, nil
}

func parseMigrationFileName(file string) (version int64, name, direction string, err error) {
	invalid := fmt.Errorf("invalid migration file name %q, want NNNN_name.up.sql or NNNN_name.down.sql", file)

	stem, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", "", invalid
	}
	dot := strings.LastIndexByte(stem, '.')
	if dot < 0 {
		return 0, "", "", invalid
	}
	stem, direction = stem[:dot], stem[dot+1:]
	if direction != "up" && direction != "down" {
		return 0, "", "", invalid
	}

	digits, name, ok := strings.Cut(stem, "_")
	if !ok || digits == "" || name == "" || !isMigrationName(name) {
		return 0, "", "", invalid
	}
	version, err = strconv.ParseInt(digits, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", "", invalid
	}
	return version, name, direction, nil
}

func isMigrationName(name string) bool {
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}
