// Package postgres persists outbox messages in PostgreSQL through
// database/sql.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/outbox"
	"github.com/google/uuid"
)

const maxSQLIdentifierLength = 63

var (
	ErrDatabaseRequired    = errors.New("database handle is required")
	ErrTransactionRequired = errors.New("sql transaction is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
	ErrIDRequired          = errors.New("id is required")
	ErrInvalidIdentifier   = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	outboxColumns = "id, event_name, version, routing_key, payload, created_at, processed_at, retry_count, last_error, next_retry_at"
)

// Querier is the read/write surface shared by *sql.DB, *sql.Tx and a
// dbresolver handle.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Option configures the repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

// WithTableName overrides the default outbox_messages table.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// Repository persists outbox messages in PostgreSQL.
type Repository struct {
	db        Querier
	logger    log.Logger
	tableName string
}

// NewRepository builds a repository over db, which is typically *sql.DB or a
// dbresolver primary/replica handle.
func NewRepository(db Querier, opts ...Option) (*Repository, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDatabaseRequired
	}

	repo := &Repository{
		db:        db,
		logger:    log.NewNop(),
		tableName: "outbox_messages",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_messages"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Create inserts the message outside any caller transaction.
func (repo *Repository) Create(ctx context.Context, message *outbox.Message) error {
	return repo.create(ctx, repo.db, message)
}

// CreateInTx inserts the message inside tx so the outbox row commits or
// rolls back together with the business mutation.
func (repo *Repository) CreateInTx(ctx context.Context, tx *sql.Tx, message *outbox.Message) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	return repo.create(ctx, tx, message)
}

func (repo *Repository) create(ctx context.Context, querier Querier, message *outbox.Message) error {
	if message == nil {
		return outbox.ErrMessageRequired
	}

	if message.ID == uuid.Nil {
		return ErrIDRequired
	}

	query := "INSERT INTO " + repo.table() + " (" + outboxColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"

	_, err := querier.ExecContext(ctx, query,
		message.ID,
		message.EventName,
		message.Version,
		message.RoutingKey,
		[]byte(message.Payload),
		message.CreatedAt.UTC(),
		nullableTime(message.ProcessedAt),
		message.RetryCount,
		nullableString(message.LastError),
		nullableTime(message.NextRetryAt),
	)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}

	return nil
}

// ListUnprocessed returns up to limit undelivered due messages, oldest first.
func (repo *Repository) ListUnprocessed(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	query := "SELECT " + outboxColumns + " FROM " + repo.table() +
		" WHERE processed_at IS NULL" +
		" AND (next_retry_at IS NULL OR next_retry_at <= NOW())" +
		" ORDER BY created_at ASC" +
		" LIMIT $1"

	rows, err := repo.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed outbox messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.SafeError(repo.logger, ctx, "failed to close outbox rows", closeErr)
		}
	}()

	var messages []*outbox.Message

	for rows.Next() {
		message, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}

	return messages, nil
}

// MarkProcessed stamps the delivery time.
func (repo *Repository) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	query := "UPDATE " + repo.table() + " SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL"

	result, err := repo.db.ExecContext(ctx, query, id, processedAt.UTC())
	if err != nil {
		return fmt.Errorf("mark outbox message processed: %w", err)
	}

	return requireRowAffected(result)
}

// RecordFailure increments the retry count and schedules the next attempt.
func (repo *Repository) RecordFailure(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	query := "UPDATE " + repo.table() +
		" SET retry_count = retry_count + 1, last_error = $2, next_retry_at = $3" +
		" WHERE id = $1 AND processed_at IS NULL"

	result, err := repo.db.ExecContext(ctx, query, id, errMsg, nextRetryAt.UTC())
	if err != nil {
		return fmt.Errorf("record outbox failure: %w", err)
	}

	return requireRowAffected(result)
}

// DeleteProcessedBefore removes delivered messages older than cutoff.
func (repo *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := "DELETE FROM " + repo.table() + " WHERE processed_at IS NOT NULL AND processed_at < $1"

	result, err := repo.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox messages: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup rows affected: %w", err)
	}

	return removed, nil
}

func (repo *Repository) table() string {
	return quoteIdentifierPath(repo.tableName)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner) (*outbox.Message, error) {
	var (
		message     outbox.Message
		payload     []byte
		processedAt sql.NullTime
		lastError   sql.NullString
		nextRetryAt sql.NullTime
	)

	err := scanner.Scan(
		&message.ID,
		&message.EventName,
		&message.Version,
		&message.RoutingKey,
		&payload,
		&message.CreatedAt,
		&processedAt,
		&message.RetryCount,
		&lastError,
		&nextRetryAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan outbox message: %w", err)
	}

	message.Payload = payload

	if processedAt.Valid {
		stamp := processedAt.Time
		message.ProcessedAt = &stamp
	}

	if lastError.Valid {
		message.LastError = lastError.String
	}

	if nextRetryAt.Valid {
		stamp := nextRetryAt.Time
		message.NextRetryAt = &stamp
	}

	return &message, nil
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return outbox.ErrMessageNotFound
	}

	return nil
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}

	return value.UTC()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}

	return value
}

func validateIdentifier(identifier string) error {
	if identifier == "" || len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

// validateIdentifierPath accepts a bare table name or schema.table.
func validateIdentifierPath(path string) error {
	parts := strings.Split(path, ".")
	if len(parts) > 2 {
		return ErrInvalidIdentifier
	}

	for _, part := range parts {
		if err := validateIdentifier(part); err != nil {
			return err
		}
	}

	return nil
}

func quoteIdentifierPath(path string) string {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		parts[i] = `"` + part + `"`
	}

	return strings.Join(parts, ".")
}

var _ outbox.Repository = (*Repository)(nil)
