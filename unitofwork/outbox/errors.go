package outbox

import "errors"

var (
	ErrRepositoryRequired  = errors.New("outbox repository is required")
	ErrPublisherRequired   = errors.New("outbox publisher is required")
	ErrMessageRequired     = errors.New("outbox message is required")
	ErrMessageNotFound     = errors.New("outbox message not found")
	ErrRelayRequired       = errors.New("outbox relay is required")
	ErrRelayRunning        = errors.New("outbox relay is already running")
	ErrTransactionRequired = errors.New("sql transaction is required")
	ErrDatabaseRequired    = errors.New("database handle is required")
)
