// Package backoff provides exponential backoff with full jitter, used by the
// outbox relay, the inbox processor, and the publish-then-fallback dispatcher
// to schedule retries.
package backoff
