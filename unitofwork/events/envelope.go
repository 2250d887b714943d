package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds envelope payloads; oversized events belong in
// blob storage with a reference in the payload.
const DefaultMaxPayloadBytes = 1 << 20

var (
	ErrEnvelopeIDRequired     = errors.New("envelope id is required")
	ErrEventNameRequired      = errors.New("event name is required")
	ErrEnvelopeVersionInvalid = errors.New("envelope version must be positive")
	ErrPayloadRequired        = errors.New("envelope payload is required")
	ErrPayloadTooLarge        = errors.New("envelope payload exceeds maximum allowed size")
	ErrPayloadNotJSON         = errors.New("envelope payload must be valid JSON")
	ErrRoutingKeyControlChars = errors.New("routing key must not contain control characters")
)

// Envelope pairs one domain event with its delivery metadata. Treat values as
// immutable after construction; Payload must not be mutated by callers.
type Envelope struct {
	ID         uuid.UUID
	EventName  string
	Version    int
	RoutingKey string
	Payload    json.RawMessage
}

// Option configures optional envelope metadata at construction.
type Option func(*Envelope)

// WithID sets a caller-provided envelope id, typically when re-wrapping an
// inbound event whose identity must be preserved for idempotency.
func WithID(id uuid.UUID) Option {
	return func(envelope *Envelope) {
		envelope.ID = id
	}
}

// WithVersion sets the event schema version. Versions start at 1.
func WithVersion(version int) Option {
	return func(envelope *Envelope) {
		envelope.Version = version
	}
}

// WithRoutingKey sets the broker routing key. When unset, the routing key
// defaults to "<eventName>.v<version>".
func WithRoutingKey(routingKey string) Option {
	return func(envelope *Envelope) {
		envelope.RoutingKey = strings.TrimSpace(routingKey)
	}
}

// New creates a validated envelope around a JSON payload.
func New(eventName string, payload []byte, opts ...Option) (Envelope, error) {
	envelope := Envelope{
		ID:        uuid.New(),
		EventName: strings.TrimSpace(eventName),
		Version:   1,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&envelope)
		}
	}

	if envelope.ID == uuid.Nil {
		return Envelope{}, ErrEnvelopeIDRequired
	}

	if envelope.EventName == "" {
		return Envelope{}, ErrEventNameRequired
	}

	if envelope.Version <= 0 {
		return Envelope{}, fmt.Errorf("%w: %d", ErrEnvelopeVersionInvalid, envelope.Version)
	}

	if len(payload) == 0 {
		return Envelope{}, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return Envelope{}, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return Envelope{}, ErrPayloadNotJSON
	}

	if strings.ContainsFunc(envelope.RoutingKey, func(r rune) bool { return r < ' ' }) {
		return Envelope{}, ErrRoutingKeyControlChars
	}

	envelope.Payload = append(json.RawMessage(nil), payload...)

	if envelope.RoutingKey == "" {
		envelope.RoutingKey = envelope.EventName + ".v" + strconv.Itoa(envelope.Version)
	}

	return envelope, nil
}

// Equal reports structural equality: two envelopes are the same event when
// every field, payload bytes included, matches.
func (envelope Envelope) Equal(other Envelope) bool {
	return envelope.Key() == other.Key()
}

// Key returns a stable structural identity for deduplication. The payload
// participates through a sha256 digest so the key stays bounded.
func (envelope Envelope) Key() string {
	digest := sha256.Sum256(envelope.Payload)

	return envelope.ID.String() + "|" +
		envelope.EventName + "|" +
		strconv.Itoa(envelope.Version) + "|" +
		envelope.RoutingKey + "|" +
		hex.EncodeToString(digest[:])
}

// Set deduplicates envelopes by structural equality while preserving
// insertion order. The zero value is ready to use.
type Set struct {
	seen  map[string]struct{}
	items []Envelope
}

// Add inserts the envelope unless a structurally equal one is already present.
// It reports whether the envelope was inserted.
func (set *Set) Add(envelope Envelope) bool {
	if set.seen == nil {
		set.seen = make(map[string]struct{})
	}

	key := envelope.Key()
	if _, exists := set.seen[key]; exists {
		return false
	}

	set.seen[key] = struct{}{}
	set.items = append(set.items, envelope)

	return true
}

// AddAll inserts every envelope, skipping structural duplicates.
func (set *Set) AddAll(envelopes []Envelope) {
	for _, envelope := range envelopes {
		set.Add(envelope)
	}
}

// Len returns the number of distinct envelopes.
func (set *Set) Len() int {
	return len(set.items)
}

// Items returns the distinct envelopes in insertion order. The returned slice
// is a copy.
func (set *Set) Items() []Envelope {
	if len(set.items) == 0 {
		return nil
	}

	return append([]Envelope(nil), set.items...)
}

// Emitter is the capability interface aggregates implement to expose domain
// events raised during a unit of work. It replaces any runtime type
// inspection: the coordinator only ever sees typed envelopes.
type Emitter interface {
	PendingEvents() []Envelope
	ClearPendingEvents()
}
