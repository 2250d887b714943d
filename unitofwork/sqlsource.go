package unitofwork

import (
	"context"
	"database/sql"
	"sync"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/events"
	"github.com/LerianStudio/lib-unitofwork/unitofwork/internal/nilcheck"
)

// TxBeginner is the subset of *sql.DB the SQL source needs. Both *sql.DB and
// a dbresolver primary/replica handle satisfy it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// SQLSource adapts a database/sql connection into a TransactionSource.
type SQLSource struct {
	name     string
	beginner TxBeginner
}

// NewSQLSource builds a source over db under the given unique name.
func NewSQLSource(name string, db TxBeginner) (*SQLSource, error) {
	if err := validateSourceName(name); err != nil {
		return nil, err
	}

	if nilcheck.Interface(db) {
		return nil, ErrTxBeginnerRequired
	}

	return &SQLSource{name: name, beginner: db}, nil
}

// Name returns the source name used in commit ordering and error output.
func (source *SQLSource) Name() string {
	return source.name
}

// Begin opens a handle. For transactional units a real transaction starts
// here; otherwise the handle is inert and statements run in auto-commit
// against the underlying connection.
func (source *SQLSource) Begin(ctx context.Context, opts BeginOptions) (TransactionHandle, error) {
	if !opts.Transactional {
		return &sqlHandle{source: source.name}, nil
	}

	tx, err := source.beginner.BeginTx(ctx, &sql.TxOptions{Isolation: opts.Isolation})
	if err != nil {
		return nil, &SourceError{Source: source.name, Op: "begin", Err: err}
	}

	return &sqlHandle{source: source.name, tx: tx}, nil
}

// sqlHandle is one open database/sql transaction plus its pending event
// buffer. A nil tx marks a save-only handle.
type sqlHandle struct {
	source string
	tx     *sql.Tx

	mu      sync.Mutex
	pending []events.Envelope
	ended   bool
}

func (handle *sqlHandle) Commit(ctx context.Context) error {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.tx == nil || handle.ended {
		return nil
	}

	handle.ended = true

	if err := handle.tx.Commit(); err != nil {
		return &SourceError{Source: handle.source, Op: "commit", Err: err}
	}

	return nil
}

func (handle *sqlHandle) Rollback(ctx context.Context) error {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.tx == nil || handle.ended {
		return nil
	}

	handle.ended = true

	if err := handle.tx.Rollback(); err != nil {
		return &SourceError{Source: handle.source, Op: "rollback", Err: err}
	}

	return nil
}

// Save is a no-op for database/sql: statements execute eagerly, there is
// nothing buffered to flush.
func (handle *sqlHandle) Save(ctx context.Context) error {
	return nil
}

func (handle *sqlHandle) EnqueueEvent(envelope events.Envelope) {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	handle.pending = append(handle.pending, envelope)
}

func (handle *sqlHandle) PendingEvents() []events.Envelope {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if len(handle.pending) == 0 {
		return nil
	}

	return append([]events.Envelope(nil), handle.pending...)
}

// Tx exposes the open transaction so the dispatcher can write outbox rows
// atomically with the business mutation.
func (handle *sqlHandle) Tx() *sql.Tx {
	return handle.tx
}

var (
	_ TransactionSource = (*SQLSource)(nil)
	_ TransactionHandle = (*sqlHandle)(nil)
	_ SQLTransaction    = (*sqlHandle)(nil)
)
