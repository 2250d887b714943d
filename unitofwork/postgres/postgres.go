// Package postgres manages the PostgreSQL connections backing the unit of
// work stores: a primary/replica resolver with pooled pgx connections,
// file-based schema migrations and session-level advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"

	// File source for migrate.NewWithDatabaseInstance.
	_ "github.com/golang-migrate/migrate/v4/source/file"
	// Registers the pgx stdlib driver under the "pgx" name.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection manages the primary/replica PostgreSQL pair used by the outbox
// and inbox stores.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	AllowMultiStatements    bool
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	connectionDB dbresolver.DB
	primaryDB    *sql.DB
	connected    bool
	mu           sync.RWMutex
}

func (connection *Connection) initDefaults() {
	if connection.Logger == nil {
		connection.Logger = log.NewNop()
	}

	if connection.MaxOpenConnections <= 0 {
		connection.MaxOpenConnections = defaultMaxOpenConns
	}

	if connection.MaxIdleConnections <= 0 {
		connection.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica pools, runs pending migrations on
// the primary and verifies connectivity.
func (connection *Connection) Connect(ctx context.Context) error {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	return connection.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller holds the write lock.
func (connection *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	connection.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if connection.connectionDB != nil {
		if err := connection.closeLocked(); err != nil {
			connection.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect",
				log.Err(err))
		}
	}

	connection.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := dbOpenFn("pgx", connection.ConnectionStringPrimary)
	if err != nil {
		sanitizedErr := sanitizeSensitiveError(err)
		connection.Logger.Log(ctx, log.LevelError, "failed to connect to primary database",
			log.String("error", sanitizedErr))

		return fmt.Errorf("failed to connect to primary database: %s", sanitizedErr)
	}

	// Ensure primary is cleaned up if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			_ = dbPrimary.Close()
		}
	}()

	tunePool(dbPrimary, connection.MaxOpenConnections, connection.MaxIdleConnections)

	dbReplica, err := dbOpenFn("pgx", connection.ConnectionStringReplica)
	if err != nil {
		sanitizedErr := sanitizeSensitiveError(err)
		connection.Logger.Log(ctx, log.LevelError, "failed to connect to replica database",
			log.String("error", sanitizedErr))

		return fmt.Errorf("failed to connect to replica database: %s", sanitizedErr)
	}

	defer func() {
		if !success {
			_ = dbReplica.Close()
		}
	}()

	tunePool(dbReplica, connection.MaxOpenConnections, connection.MaxIdleConnections)

	connectionDB, err := createResolverFn(dbPrimary, dbReplica)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if connection.MigrationsPath != "" {
		migrationsPath, pathErr := sanitizePath(connection.MigrationsPath)
		if pathErr != nil {
			return pathErr
		}

		if err := runMigrationsFn(dbPrimary, migrationsPath, connection.PrimaryDBName, connection.AllowMultiStatements, connection.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	connection.connected = true
	connection.connectionDB = connectionDB
	connection.primaryDB = dbPrimary

	connection.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver handle, connecting lazily on first use.
func (connection *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	connection.mu.RLock()

	if connection.connectionDB != nil {
		db := connection.connectionDB
		connection.mu.RUnlock()

		return db, nil
	}

	connection.mu.RUnlock()

	connection.mu.Lock()
	defer connection.mu.Unlock()

	// Double-check after acquiring the write lock.
	if connection.connectionDB != nil {
		return connection.connectionDB, nil
	}

	if err := connection.connectLocked(ctx); err != nil {
		return nil, err
	}

	return connection.connectionDB, nil
}

// PrimaryDB returns the primary pool for callers that must not hit a
// replica: transactional writes and advisory locks.
func (connection *Connection) PrimaryDB(ctx context.Context) (*sql.DB, error) {
	connection.mu.RLock()

	if connection.primaryDB != nil {
		db := connection.primaryDB
		connection.mu.RUnlock()

		return db, nil
	}

	connection.mu.RUnlock()

	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.primaryDB != nil {
		return connection.primaryDB, nil
	}

	if err := connection.connectLocked(ctx); err != nil {
		return nil, err
	}

	return connection.primaryDB, nil
}

// Close releases database connection resources.
func (connection *Connection) Close() error {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	return connection.closeLocked()
}

func (connection *Connection) closeLocked() error {
	if connection.connectionDB != nil {
		err := connection.connectionDB.Close()
		connection.connectionDB = nil
		connection.primaryDB = nil
		connection.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the resolver is initialized.
func (connection *Connection) IsConnected() bool {
	connection.mu.RLock()
	defer connection.mu.RUnlock()

	return connection.connected
}

func tunePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	parts := strings.Split(cleaned, string(filepath.Separator))

	for _, part := range parts {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(dbPrimary *sql.DB, migrationsPath, primaryDBName string, allowMultiStatements bool, logger log.Logger) error {
	ctx := context.Background()

	if err := validateDBName(primaryDBName); err != nil {
		return err
	}

	primaryURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	primaryURL.Scheme = "file"

	primaryDriver, err := postgres.WithInstance(dbPrimary, &postgres.Config{
		MultiStatementEnabled: allowMultiStatements,
		DatabaseName:          primaryDBName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(primaryURL.String(), primaryDBName, primaryDriver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found; skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found; skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
