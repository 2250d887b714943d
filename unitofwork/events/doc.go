// Package events defines the immutable event envelope exchanged between
// aggregates, the unit-of-work coordinator, and the outbox/inbox stores.
//
// Envelopes compare structurally, not by identity: the same domain event may
// be collected from more than one transaction source and must deduplicate to
// a single dispatch.
package events
