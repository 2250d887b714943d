// Package lock defines the cluster-wide advisory lock contract used to
// coordinate periodic work across a fleet of workers. Implementations live in
// the postgres and redis packages.
package lock
