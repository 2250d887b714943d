package runtime

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
)

// Recover recovers from a panic in the calling goroutine and logs it with the
// component and operation names. Use as `defer runtime.Recover(ctx, logger,
// "inbox", "process_message")`.
func Recover(ctx context.Context, logger log.Logger, component, operation string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("operation", operation),
		log.Err(panicError(recovered)),
	)
}

// SafeGo runs fn on a new goroutine with panic recovery.
func SafeGo(ctx context.Context, logger log.Logger, component, operation string, fn func()) {
	go func() {
		defer Recover(ctx, logger, component, operation)
		fn()
	}()
}

// Call runs fn with panic recovery and converts a panic into an error, so a
// panicking handler surfaces through the normal failure path.
func Call(ctx context.Context, logger log.Logger, component, operation string, fn func() error) (err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		err = panicError(recovered)

		if logger == nil {
			logger = log.NewNop()
		}

		logger.Log(ctx, log.LevelError, "panic recovered",
			log.String("component", component),
			log.String("operation", operation),
			log.Err(err),
		)
	}()

	return fn()
}

func panicError(recovered any) error {
	if err, ok := recovered.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}

	return fmt.Errorf("panic: %v", recovered)
}
