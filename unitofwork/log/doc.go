// Package log defines the logging contract used across lib-unitofwork.
//
// The coordinator, stores, and background workers log exclusively through the
// Logger interface so hosts can plug in their own backend. A zap-backed
// implementation and a no-op implementation ship with the package.
package log
