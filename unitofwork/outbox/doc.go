// Package outbox implements the transactional outbox side of reliable event
// delivery. Messages are written in the same database transaction as the
// business mutation and relayed to the broker afterwards, giving
// at-least-once delivery without distributed transactions.
package outbox
