// Package unitofwork implements a composite unit of work spanning multiple
// independent transaction sources.
//
// A Coordinator owns one transaction handle per registered source, commits
// them in registration order, rolls back in reverse order, and hands the
// domain events collected during the unit of work to a dispatcher after a
// successful commit. Scope participation (shared, isolated, disabled)
// resolves against the ambient coordinator carried in the context.
//
// There is no distributed prepare/commit voting: the model is commit all,
// roll back all, tolerate partial-rollback failure. A source whose rollback
// fails leaves that one resource inconsistent while the others rolled back;
// such failures are logged, counted, and reported through OnFailed hooks so
// operators can reconcile externally.
package unitofwork
