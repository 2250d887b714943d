package unitofwork

import "context"

type contextKey struct{}

// ambientKey carries the ambient unit of work. Context values flow with the
// call chain and never leak across sibling goroutines, which is exactly the
// propagation contract the scope manager needs; a package-level variable
// would not give that isolation.
var ambientKey = contextKey{}

// ContextWithUnitOfWork returns a context carrying uow as the ambient unit of
// work for the call chain.
func ContextWithUnitOfWork(ctx context.Context, uow UnitOfWork) context.Context {
	return context.WithValue(ctx, ambientKey, uow)
}

// FromContext extracts the ambient unit of work, reporting whether one is
// present.
//
//nolint:ireturn
func FromContext(ctx context.Context) (UnitOfWork, bool) {
	uow, ok := ctx.Value(ambientKey).(UnitOfWork)
	if !ok || uow == nil {
		return nil, false
	}

	return uow, true
}

// Current returns the ambient unit of work or an error when none exists.
//
//nolint:ireturn
func Current(ctx context.Context) (UnitOfWork, error) {
	uow, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoAmbientCoordinator
	}

	return uow, nil
}
