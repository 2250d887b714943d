package unitofwork

import (
	"errors"
	"fmt"
)

var (
	ErrCoordinatorRequired    = errors.New("unit of work coordinator is required")
	ErrCoordinationAborted    = errors.New("unit of work was aborted by a nested scope")
	ErrNotInitialized         = errors.New("unit of work is not initialized")
	ErrAlreadyInitialized     = errors.New("unit of work is already initialized")
	ErrDisposed               = errors.New("unit of work is disposed")
	ErrManagerRequired        = errors.New("unit of work manager is required")
	ErrSourceRequired         = errors.New("transaction source is required")
	ErrSourceNameRequired     = errors.New("transaction source name is required")
	ErrDuplicateSource        = errors.New("transaction source name already registered")
	ErrNoSourcesRegistered    = errors.New("no transaction sources registered")
	ErrNoAmbientCoordinator   = errors.New("no ambient unit of work in context")
	ErrScopeInvalid           = errors.New("invalid scope participation kind")
	ErrTxBeginnerRequired     = errors.New("transaction beginner is required")
	ErrHandleNotTransactional = errors.New("handle was opened without a transaction")
)

// SourceError records a failure of one transaction source during commit or
// rollback sequencing.
type SourceError struct {
	Source string
	Op     string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// CommitError is returned when a source fails to commit. Index identifies the
// failing source in registration order; every source before it has already
// committed, and rollback has been attempted on all sources.
type CommitError struct {
	Source string
	Index  int
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed on source %s (index %d): %v", e.Source, e.Index, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
