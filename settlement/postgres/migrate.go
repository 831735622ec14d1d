package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

var (
	// ErrMigrationDirty is returned when a previous migration left the schema
	// half applied.
	ErrMigrationDirty = errors.New("postgres: migration left database dirty")
	// ErrNilMigrator is returned by methods called on a nil *Migrator.
	ErrNilMigrator = errors.New("postgres: migrator is nil")

	dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// MigrationConfig configures a Migrator.
type MigrationConfig struct {
	DSN    string
	DBName string
	// MigrationsPath is a directory of golang-migrate files. Empty selects
	// the embedded settlement schema.
	MigrationsPath       string
	AllowMultiStatements bool
	Logger               log.Logger
}

func (c MigrationConfig) withDefaults() MigrationConfig {
	c.Logger = log.OrNop(c.Logger)

	return c
}

func (c MigrationConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("%w: migration dsn is required", ErrInvalidConfig)
	}

	return validateDBName(c.DBName)
}

// Migrator applies schema migrations. It opens its own connection so that
// migrations never run implicitly on Connect.
type Migrator struct {
	cfg MigrationConfig
}

// NewMigrator validates cfg.
func NewMigrator(cfg MigrationConfig) (*Migrator, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Migrator{cfg: cfg}, nil
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", func(mig *migrate.Migrate) error { return mig.Up() })
}

// Down rolls back one migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func(mig *migrate.Migrate) error { return mig.Steps(-1) })
}

func (m *Migrator) run(ctx context.Context, direction string, apply func(*migrate.Migrate) error) error {
	if m == nil {
		return ErrNilMigrator
	}

	if ctx == nil {
		return ErrNilContext
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before migration: %w", err)
	}

	db, err := dbOpenFn("pgx", m.cfg.DSN)
	if err != nil {
		return newSanitizedError(err, "failed to open migration database")
	}

	defer db.Close()

	mig, err := m.newMigrate(db)
	if err != nil {
		m.cfg.Logger.Log(ctx, log.LevelError, "failed to prepare migrations", log.Err(err))

		return err
	}

	m.cfg.Logger.Log(ctx, log.LevelInfo, "running migrations", log.String("direction", direction))

	outcome := classifyMigrationError(apply(mig))
	if outcome.message != "" {
		m.cfg.Logger.Log(ctx, outcome.level, outcome.message, outcome.fields...)
	}

	return outcome.err
}

func (m *Migrator) newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{
		MultiStatementEnabled: m.cfg.AllowMultiStatements,
		DatabaseName:          m.cfg.DBName,
		SchemaName:            "public",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	if m.cfg.MigrationsPath == "" {
		source, err := iofs.New(embeddedMigrations, "migrations")
		if err != nil {
			return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
		}

		mig, err := migrate.NewWithInstance("iofs", source, m.cfg.DBName, driver)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration instance: %w", err)
		}

		return mig, nil
	}

	path, err := sanitizePath(m.cfg.MigrationsPath)
	if err != nil {
		return nil, err
	}

	sourceURL := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}

	mig, err := migrate.NewWithDatabaseInstance(sourceURL.String(), m.cfg.DBName, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return mig, nil
}

type migrationOutcome struct {
	err     error
	level   log.Level
	message string
	fields  []log.Field
}

func classifyMigrationError(err error) migrationOutcome {
	if err == nil {
		return migrationOutcome{}
	}

	if errors.Is(err, migrate.ErrNoChange) {
		return migrationOutcome{level: log.LevelInfo, message: "no new migrations found, skipping"}
	}

	if errors.Is(err, os.ErrNotExist) {
		return migrationOutcome{level: log.LevelWarn, message: "no migration files found, skipping"}
	}

	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return migrationOutcome{
			err:     fmt.Errorf("%w: version %d", ErrMigrationDirty, dirty.Version),
			level:   log.LevelError,
			message: "migration failed with dirty version",
			fields:  []log.Field{log.Int("version", dirty.Version)},
		}
	}

	return migrationOutcome{
		err:     fmt.Errorf("migration failed: %w", err),
		level:   log.LevelError,
		message: "migration failed",
		fields:  []log.Field{log.Err(err)},
	}
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return abs, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid database name %q", ErrInvalidConfig, name)
	}

	return nil
}
