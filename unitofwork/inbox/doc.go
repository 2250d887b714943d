// Package inbox implements the consumer side of reliable event delivery.
// Incoming envelopes are stored once, leased in batches by competing workers
// and handed to registered handlers exactly once per successful processing,
// with lease expiry reclaiming messages from crashed workers.
package inbox
