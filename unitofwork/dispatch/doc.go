// Package dispatch wires domain event delivery into the unit of work commit
// sequence. Two strategies are supported: always writing through the
// transactional outbox, or publishing directly after commit with an outbox
// fallback for messages the broker refused.
package dispatch
