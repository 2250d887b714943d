// Package runtime provides panic-safety helpers for the background workers in
// this module. A panicking inbox handler or relay cycle must never take the
// hosting process down with it.
package runtime
