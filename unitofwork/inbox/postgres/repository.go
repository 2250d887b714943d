// Package postgres persists inbox messages in PostgreSQL through
// database/sql. Batch leasing uses FOR UPDATE SKIP LOCKED so competing
// workers claim disjoint batches without blocking each other.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/inbox"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
)

const maxSQLIdentifierLength = 63

var (
	ErrDatabaseRequired  = errors.New("database handle is required")
	ErrInvalidIdentifier = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	inboxColumns = "id, event_name, version, payload, status, created_at, handled_time, locked_by, locked_until, retry_count, next_retry_time"
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

// WithTableName overrides the default inbox_messages table.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// Repository persists inbox messages in PostgreSQL.
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
		tableName: "inbox_messages",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "inbox_messages"
	}

	if err := validateIdentifierPath(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// StorePending inserts a pending row keyed on the envelope ID. Duplicate
// deliveries hit the primary key and collapse into a no-op.
func (repo *Repository) StorePending(ctx context.Context, envelope events.Envelope) (*inbox.Message, bool, error) {
	message := inbox.FromEnvelope(envelope)

	query := "INSERT INTO " + repo.table() +
		" (id, event_name, version, payload, status, created_at, retry_count)" +
		" VALUES ($1, $2, $3, $4, $5, $6, 0)" +
		" ON CONFLICT (id) DO NOTHING"

	result, err := repo.db.ExecContext(ctx, query,
		message.ID,
		message.EventName,
		message.Version,
		[]byte(message.Payload),
		string(message.Status),
		message.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("store pending inbox message: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("store pending rows affected: %w", err)
	}

	if affected == 0 {
		existing, getErr := repo.getByID(ctx, message.ID)
		if getErr != nil {
			return nil, false, getErr
		}

		return existing, false, nil
	}

	return message, true, nil
}

// HasProcessed reports whether the message reached PROCESSED.
func (repo *Repository) HasProcessed(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, inbox.ErrMessageIDRequired
	}

	query := "SELECT EXISTS (SELECT 1 FROM " + repo.table() + " WHERE id = $1 AND status = $2)"

	var processed bool
	if err := repo.db.QueryRowContext(ctx, query, id, string(inbox.StatusProcessed)).Scan(&processed); err != nil {
		return false, fmt.Errorf("check inbox message processed: %w", err)
	}

	return processed, nil
}

// LeaseBatch claims up to limit leasable messages for workerID in one
// statement. The CTE selects pending due rows plus processing rows whose
// lease lapsed, locks them with SKIP LOCKED so concurrent workers slide past
// each other, and stamps the new lease in the same statement.
func (repo *Repository) LeaseBatch(ctx context.Context, workerID string, limit int, leaseDuration time.Duration) ([]*inbox.Message, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, inbox.ErrWorkerIDRequired
	}

	if limit <= 0 {
		return nil, inbox.ErrLimitMustBePositive
	}

	if leaseDuration <= 0 {
		return nil, inbox.ErrLeaseMustBePositive
	}

	table := repo.table()
	query := "WITH leasable AS (" +
		" SELECT id FROM " + table +
		" WHERE (status = $1 AND (next_retry_time IS NULL OR next_retry_time <= NOW()))" +
		" OR (status = $2 AND locked_until < NOW())" +
		" ORDER BY created_at ASC" +
		" LIMIT $3" +
		" FOR UPDATE SKIP LOCKED" +
		" )" +
		" UPDATE " + table + " AS messages" +
		" SET status = $2, locked_by = $4, locked_until = NOW() + $5 * INTERVAL '1 second'" +
		" FROM leasable" +
		" WHERE messages.id = leasable.id" +
		" RETURNING " + qualifiedColumns("messages")

	rows, err := repo.db.QueryContext(ctx, query,
		string(inbox.StatusPending),
		string(inbox.StatusProcessing),
		limit,
		workerID,
		leaseDuration.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("lease inbox batch: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.SafeError(repo.logger, ctx, "failed to close inbox rows", closeErr)
		}
	}()

	var messages []*inbox.Message

	for rows.Next() {
		message, scanErr := scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leased inbox messages: %w", err)
	}

	return messages, nil
}

// MarkProcessed finishes a PROCESSING message.
func (repo *Repository) MarkProcessed(ctx context.Context, id string, handledTime time.Time) error {
	if strings.TrimSpace(id) == "" {
		return inbox.ErrMessageIDRequired
	}

	query := "UPDATE " + repo.table() +
		" SET status = $2, handled_time = $3, locked_by = NULL, locked_until = NULL" +
		" WHERE id = $1 AND status = $4"

	result, err := repo.db.ExecContext(ctx, query,
		id,
		string(inbox.StatusProcessed),
		handledTime.UTC(),
		string(inbox.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("mark inbox message processed: %w", err)
	}

	return requireRowAffected(result)
}

// ScheduleRetry releases the lease and returns the message to PENDING.
func (repo *Repository) ScheduleRetry(ctx context.Context, id string, nextRetryTime time.Time) error {
	if strings.TrimSpace(id) == "" {
		return inbox.ErrMessageIDRequired
	}

	query := "UPDATE " + repo.table() +
		" SET status = $2, retry_count = retry_count + 1, next_retry_time = $3," +
		" locked_by = NULL, locked_until = NULL" +
		" WHERE id = $1 AND status = $4"

	result, err := repo.db.ExecContext(ctx, query,
		id,
		string(inbox.StatusPending),
		nextRetryTime.UTC(),
		string(inbox.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("schedule inbox retry: %w", err)
	}

	return requireRowAffected(result)
}

// MarkDiscarded abandons the message permanently.
func (repo *Repository) MarkDiscarded(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return inbox.ErrMessageIDRequired
	}

	query := "UPDATE " + repo.table() +
		" SET status = $2, locked_by = NULL, locked_until = NULL" +
		" WHERE id = $1 AND status IN ($3, $4)"

	result, err := repo.db.ExecContext(ctx, query,
		id,
		string(inbox.StatusDiscarded),
		string(inbox.StatusPending),
		string(inbox.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("mark inbox message discarded: %w", err)
	}

	return requireRowAffected(result)
}

// DeleteProcessedBefore removes terminal messages past retention.
func (repo *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := "DELETE FROM " + repo.table() +
		" WHERE status IN ($1, $2)" +
		" AND COALESCE(handled_time, created_at) < $3"

	result, err := repo.db.ExecContext(ctx, query,
		string(inbox.StatusProcessed),
		string(inbox.StatusDiscarded),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal inbox messages: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup rows affected: %w", err)
	}

	return removed, nil
}

func (repo *Repository) getByID(ctx context.Context, id string) (*inbox.Message, error) {
	query := "SELECT " + inboxColumns + " FROM " + repo.table() + " WHERE id = $1"

	message, err := scanMessage(repo.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inbox.ErrMessageNotFound
		}

		return nil, err
	}

	return message, nil
}

func (repo *Repository) table() string {
	return quoteIdentifierPath(repo.tableName)
}

func qualifiedColumns(alias string) string {
	columns := strings.Split(inboxColumns, ", ")
	for i, column := range columns {
		columns[i] = alias + "." + column
	}

	return strings.Join(columns, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner) (*inbox.Message, error) {
	var (
		message       inbox.Message
		payload       []byte
		status        string
		handledTime   sql.NullTime
		lockedBy      sql.NullString
		lockedUntil   sql.NullTime
		nextRetryTime sql.NullTime
	)

	err := scanner.Scan(
		&message.ID,
		&message.EventName,
		&message.Version,
		&payload,
		&status,
		&message.CreatedAt,
		&handledTime,
		&lockedBy,
		&lockedUntil,
		&message.RetryCount,
		&nextRetryTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan inbox message: %w", err)
	}

	message.Payload = payload
	message.Status = inbox.Status(status)

	if handledTime.Valid {
		stamp := handledTime.Time
		message.HandledTime = &stamp
	}

	if lockedBy.Valid {
		message.LockedBy = lockedBy.String
	}

	if lockedUntil.Valid {
		stamp := lockedUntil.Time
		message.LockedUntil = &stamp
	}

	if nextRetryTime.Valid {
		stamp := nextRetryTime.Time
		message.NextRetryTime = &stamp
	}

	return &message, nil
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return inbox.ErrLeaseConflict
	}

	return nil
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

var _ inbox.Repository = (*Repository)(nil)
