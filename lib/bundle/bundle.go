// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mulemesh/mulemesh/lib/codec"
)

// MaxEncodedSize is the maximum canonical encoding of a single bundle,
// payload included. Anything larger must be chunked by a higher layer
// before it reaches this package.
const MaxEncodedSize = 1 << 20

// MaxPayloadTypeLen bounds the payload type string.
const MaxPayloadTypeLen = 128

// ID is the 32-byte content address of a bundle: a keyed BLAKE3
// digest over the canonical encoding of the identity fields.
type ID [32]byte

// idDomainKey is the BLAKE3 keyed-hash domain for bundle ids. The key
// is a fixed constant — changing it invalidates every existing id.
// Readable ASCII, zero-padded to 32 bytes, so the key is inspectable
// in hex dumps without weakening the hash.
var idDomainKey = [32]byte{
	'm', 'u', 'l', 'e', 'm', 'e', 's', 'h', '.', 'b', 'u', 'n', 'd', 'l', 'e', '.',
	'i', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// FormatID returns the hex encoding of an id, the canonical form for
// logs and CLI output.
func FormatID(id ID) string {
	return hex.EncodeToString(id[:])
}

// ParseID parses a 64-character hex string into an ID.
func ParseID(hexString string) (ID, error) {
	var id ID
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return id, fmt.Errorf("parsing bundle id: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("bundle id is %d bytes, want %d", len(decoded), len(id))
	}
	copy(id[:], decoded)
	return id, nil
}

// Priority is the delivery tier of a bundle, fixed at creation.
// Higher values are served and transferred first.
type Priority uint8

const (
	PriorityLow       Priority = 0
	PriorityNormal    Priority = 1
	PriorityHigh      Priority = 2
	PriorityEmergency Priority = 3
)

// String returns the lowercase tier name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityEmergency:
		return "emergency"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParsePriority parses a tier name.
func ParsePriority(name string) (Priority, error) {
	switch name {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "emergency":
		return PriorityEmergency, nil
	default:
		return 0, fmt.Errorf("unknown priority: %q", name)
	}
}

// valid reports whether p is one of the defined tiers.
func (p Priority) valid() bool {
	return p <= PriorityEmergency
}

// State is a bundle's position in its lifecycle.
type State string

const (
	// StateReceived is the initial state of every bundle, local or
	// remote, before validation.
	StateReceived State = "received"

	// StateValidated means signature and format checks passed but the
	// bundle has not yet been persisted.
	StateValidated State = "validated"

	// StateQueued means the bundle is stored and eligible for local
	// delivery and peer transfer.
	StateQueued State = "queued"

	// StateQuarantined means an application-level integrity or policy
	// check failed after admission. Quarantined bundles are held for
	// review and require an explicit release to re-enter queued.
	StateQuarantined State = "quarantined"

	// StateRejected means signature or format validation failed. The
	// bundle was never persisted. Terminal.
	StateRejected State = "rejected"

	// StateDelivered means the bundle was consumed locally or
	// acknowledged by its destination. Terminal.
	StateDelivered State = "delivered"

	// StateExpired means the TTL elapsed while the bundle was still
	// pending. Terminal.
	StateExpired State = "expired"

	// StatePurged means the bundle was evicted for budget or removed
	// by post-expiry cleanup. Terminal; purged rows are deleted.
	StatePurged State = "purged"
)

// Terminal reports whether no further transition leaves this state.
// Quarantined is terminal-until-reviewed: only an explicit release
// moves it, so it is not listed here.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateDelivered, StateExpired, StatePurged:
		return true
	}
	return false
}

// Bundle is the atomic unit of transport.
//
// All fields except HopCount and SeenBy are immutable after creation
// and covered by the signature. HopCount and SeenBy are transfer
// provenance, updated on every successful hop.
type Bundle struct {
	// ID is the content address, derived from Payload, PayloadType,
	// Creator, CreatedAt, and Nonce. Never changes after creation.
	ID ID `cbor:"id"`

	Priority Priority `cbor:"priority"`

	// Audience is an opaque visibility tag ("public", "regional", a
	// community identifier). The engine never interprets it beyond
	// handing it to the caller-supplied trust predicate.
	Audience string `cbor:"audience"`

	// Topic and Tags are caller-side classification, uninterpreted.
	Topic string   `cbor:"topic,omitempty"`
	Tags  []string `cbor:"tags,omitempty"`

	PayloadType string `cbor:"payload_type"`
	Payload     []byte `cbor:"payload"`

	// Creator is the ed25519 public key of the originating node.
	Creator []byte `cbor:"creator"`

	// Nonce distinguishes intentional duplicates of otherwise
	// identical content. Empty for ordinary bundles.
	Nonce []byte `cbor:"nonce,omitempty"`

	// CreatedAt and TTLExpiry are unix milliseconds UTC.
	// TTLExpiry >= CreatedAt always holds for a valid bundle.
	CreatedAt int64 `cbor:"created_at"`
	TTLExpiry int64 `cbor:"ttl_expiry"`

	// Signature is ed25519 over the canonical encoding of every field
	// above, verifiable against Creator.
	Signature []byte `cbor:"signature,omitempty"`

	// HopCount is the number of peer-to-peer transfers this copy has
	// undergone. Zero for locally created bundles.
	HopCount int `cbor:"hop_count,omitempty"`

	// SeenBy lists node identifiers that have held this bundle. Used
	// to prevent re-propagation loops; persisted so a restart does
	// not re-offer already-delivered content.
	SeenBy []string `cbor:"seen_by,omitempty"`
}

// idFields is the canonical input to id derivation. Field set and
// tags are protocol constants — changing either changes every id.
type idFields struct {
	Payload     []byte `cbor:"payload"`
	PayloadType string `cbor:"payload_type"`
	Creator     []byte `cbor:"creator"`
	CreatedAt   int64  `cbor:"created_at"`
	Nonce       []byte `cbor:"nonce,omitempty"`
}

// signedFields is the canonical signing input: every immutable field,
// excluding the signature itself and the mutable provenance fields
// (HopCount, SeenBy), which change per hop after signing.
type signedFields struct {
	ID          ID       `cbor:"id"`
	Priority    Priority `cbor:"priority"`
	Audience    string   `cbor:"audience"`
	Topic       string   `cbor:"topic,omitempty"`
	Tags        []string `cbor:"tags,omitempty"`
	PayloadType string   `cbor:"payload_type"`
	Payload     []byte   `cbor:"payload"`
	Creator     []byte   `cbor:"creator"`
	Nonce       []byte   `cbor:"nonce,omitempty"`
	CreatedAt   int64    `cbor:"created_at"`
	TTLExpiry   int64    `cbor:"ttl_expiry"`
}

// ComputeID derives the content address for the given identity
// fields. Deterministic: identical inputs always produce the same id.
func ComputeID(payload []byte, payloadType string, creator ed25519.PublicKey, createdAt int64, nonce []byte) (ID, error) {
	var id ID

	encoded, err := codec.Marshal(idFields{
		Payload:     payload,
		PayloadType: payloadType,
		Creator:     creator,
		CreatedAt:   createdAt,
		Nonce:       nonce,
	})
	if err != nil {
		return id, fmt.Errorf("encoding id fields: %w", err)
	}

	hasher, err := blake3.NewKeyed(idDomainKey[:])
	if err != nil {
		// NewKeyed fails only on wrong key length, which the fixed
		// array size rules out.
		panic("bundle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(encoded)
	copy(id[:], hasher.Sum(nil))
	return id, nil
}

// CreateParams holds the caller-supplied inputs for a new bundle.
type CreateParams struct {
	Payload     []byte
	PayloadType string
	Priority    Priority
	Audience    string
	Topic       string
	Tags        []string

	// Nonce forces a distinct id for intentionally duplicate content.
	// Leave empty for idempotent creation.
	Nonce []byte

	// RequestedTTL is the caller's desired lifetime. Zero selects the
	// tier default; non-zero values are clamped into the tier's
	// allowed window by the policy.
	RequestedTTL time.Duration
}

// New creates a signed bundle from params, stamping creation time
// from now and computing expiry from the TTL policy. The private key
// signs the canonical encoding; its public key becomes the creator.
func New(params CreateParams, policy *TTLPolicy, now time.Time, key ed25519.PrivateKey) (*Bundle, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, &FormatError{Reason: fmt.Sprintf("private key is %d bytes, want %d", len(key), ed25519.PrivateKeySize)}
	}

	creator := key.Public().(ed25519.PublicKey)
	createdAt := now.UnixMilli()

	id, err := ComputeID(params.Payload, params.PayloadType, creator, createdAt, params.Nonce)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		ID:          id,
		Priority:    params.Priority,
		Audience:    params.Audience,
		Topic:       params.Topic,
		Tags:        params.Tags,
		PayloadType: params.PayloadType,
		Payload:     params.Payload,
		Creator:     append([]byte(nil), creator...),
		Nonce:       params.Nonce,
		CreatedAt:   createdAt,
		TTLExpiry:   policy.Classify(params.Priority, createdAt, params.RequestedTTL),
	}

	if err := b.Sign(key); err != nil {
		return nil, err
	}

	// Guard against a payload that fits individually but overflows
	// the encoded size cap once metadata is added.
	if _, err := Encode(b); err != nil {
		return nil, err
	}
	return b, nil
}

// validateParams applies the structural checks shared by New and
// Validate.
func validateParams(params CreateParams) error {
	if len(params.Payload) == 0 {
		return &FormatError{Reason: "empty payload"}
	}
	if err := checkPayloadType(params.PayloadType); err != nil {
		return err
	}
	if !params.Priority.valid() {
		return &FormatError{Reason: fmt.Sprintf("invalid priority %d", params.Priority)}
	}
	if params.Audience == "" {
		return &FormatError{Reason: "empty audience"}
	}
	return nil
}

// checkPayloadType rejects empty, oversized, or non-printable type
// strings.
func checkPayloadType(payloadType string) error {
	if payloadType == "" {
		return &FormatError{Reason: "empty payload type"}
	}
	if len(payloadType) > MaxPayloadTypeLen {
		return &FormatError{Reason: fmt.Sprintf("payload type is %d bytes, max %d", len(payloadType), MaxPayloadTypeLen)}
	}
	for i := 0; i < len(payloadType); i++ {
		if payloadType[i] < 0x21 || payloadType[i] > 0x7e {
			return &FormatError{Reason: fmt.Sprintf("payload type contains invalid byte 0x%02x at %d", payloadType[i], i)}
		}
	}
	return nil
}

// Validate applies every structural check to a decoded bundle:
// required fields, priority range, key size, expiry ordering, and id
// consistency. It does not verify the signature — see Verify.
func (b *Bundle) Validate() error {
	if err := validateParams(CreateParams{
		Payload:     b.Payload,
		PayloadType: b.PayloadType,
		Priority:    b.Priority,
		Audience:    b.Audience,
	}); err != nil {
		return err
	}
	if len(b.Creator) != ed25519.PublicKeySize {
		return &FormatError{Reason: fmt.Sprintf("creator key is %d bytes, want %d", len(b.Creator), ed25519.PublicKeySize)}
	}
	if b.TTLExpiry < b.CreatedAt {
		return &FormatError{Reason: "ttl_expiry precedes created_at"}
	}
	if b.HopCount < 0 {
		return &FormatError{Reason: "negative hop count"}
	}

	computed, err := ComputeID(b.Payload, b.PayloadType, b.Creator, b.CreatedAt, b.Nonce)
	if err != nil {
		return err
	}
	if computed != b.ID {
		// The carried id does not match the content: either the
		// payload or the id was altered in transit.
		return &SignatureError{ID: b.ID, Reason: "content address mismatch"}
	}
	return nil
}

// signingBytes returns the canonical encoding the signature covers.
func (b *Bundle) signingBytes() ([]byte, error) {
	encoded, err := codec.Marshal(signedFields{
		ID:          b.ID,
		Priority:    b.Priority,
		Audience:    b.Audience,
		Topic:       b.Topic,
		Tags:        b.Tags,
		PayloadType: b.PayloadType,
		Payload:     b.Payload,
		Creator:     b.Creator,
		Nonce:       b.Nonce,
		CreatedAt:   b.CreatedAt,
		TTLExpiry:   b.TTLExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding signing fields: %w", err)
	}
	return encoded, nil
}

// Sign computes the bundle signature with the given private key. The
// key must correspond to the Creator field.
func (b *Bundle) Sign(key ed25519.PrivateKey) error {
	if !bytes.Equal(key.Public().(ed25519.PublicKey), b.Creator) {
		return &FormatError{Reason: "signing key does not match creator"}
	}
	message, err := b.signingBytes()
	if err != nil {
		return err
	}
	b.Signature = ed25519.Sign(key, message)
	return nil
}

// Verify checks the signature against the creator key. Any failure —
// missing signature, altered content, wrong key — is a
// *SignatureError, fatal to the bundle and never retried.
func (b *Bundle) Verify() error {
	if len(b.Signature) != ed25519.SignatureSize {
		return &SignatureError{ID: b.ID, Reason: fmt.Sprintf("signature is %d bytes, want %d", len(b.Signature), ed25519.SignatureSize)}
	}
	message, err := b.signingBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(b.Creator), message, b.Signature) {
		return &SignatureError{ID: b.ID, Reason: "signature verification failed"}
	}
	return nil
}

// Expired reports whether the bundle's TTL has elapsed at the given
// time. Monotone: once true for some now, it is true for every later
// now.
func (b *Bundle) Expired(now time.Time) bool {
	return now.UnixMilli() >= b.TTLExpiry
}

// Encode produces the canonical CBOR encoding of the full bundle,
// signature and provenance included. This is the persisted form and
// the transfer form. Fails if the encoding exceeds MaxEncodedSize.
func Encode(b *Bundle) ([]byte, error) {
	if err := checkPayloadType(b.PayloadType); err != nil {
		return nil, err
	}
	encoded, err := codec.Marshal(b)
	if err != nil {
		return nil, &FormatError{Reason: fmt.Sprintf("encoding bundle: %v", err)}
	}
	if len(encoded) > MaxEncodedSize {
		return nil, &FormatError{Reason: fmt.Sprintf("encoded bundle is %d bytes, max %d", len(encoded), MaxEncodedSize)}
	}
	return encoded, nil
}

// Decode parses a canonical encoding and validates its structure and
// content address. The signature is NOT verified here — callers that
// admit decoded bundles must call Verify.
func Decode(data []byte) (*Bundle, error) {
	if len(data) == 0 {
		return nil, &FormatError{Reason: "empty encoding"}
	}
	if len(data) > MaxEncodedSize {
		return nil, &FormatError{Reason: fmt.Sprintf("encoding is %d bytes, max %d", len(data), MaxEncodedSize)}
	}

	var b Bundle
	if err := codec.Unmarshal(data, &b); err != nil {
		return nil, &FormatError{Reason: fmt.Sprintf("decoding bundle: %v", err)}
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// SeenByContains reports whether the given node identifier is in the
// bundle's seen-by set.
func (b *Bundle) SeenByContains(node string) bool {
	for _, seen := range b.SeenBy {
		if seen == node {
			return true
		}
	}
	return false
}

// IndexEntry is the compact per-bundle metadata tuple exchanged in
// sync index messages: enough to compute a transfer set without
// moving payloads.
type IndexEntry struct {
	ID        ID       `cbor:"id"`
	Priority  Priority `cbor:"priority"`
	Audience  string   `cbor:"audience"`
	CreatedAt int64    `cbor:"created_at"`
}

// IndexEntry returns the bundle's sync index tuple.
func (b *Bundle) IndexEntry() IndexEntry {
	return IndexEntry{
		ID:        b.ID,
		Priority:  b.Priority,
		Audience:  b.Audience,
		CreatedAt: b.CreatedAt,
	}
}

// Less is the delivery and transfer ordering: priority descending,
// then created_at ascending (older first within a tier), then id
// bytes for a deterministic total order.
func Less(a, e IndexEntry) bool {
	if a.Priority != e.Priority {
		return a.Priority > e.Priority
	}
	if a.CreatedAt != e.CreatedAt {
		return a.CreatedAt < e.CreatedAt
	}
	return bytes.Compare(a.ID[:], e.ID[:]) < 0
}
