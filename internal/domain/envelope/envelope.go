package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is the version of the outbox entry contract written to the `v` field.
const SchemaVersion = 1

// Stream entry field names.
const (
	FieldPayload  = "payload"
	FieldOutboxID = "outbox_id"
	FieldVersion  = "v"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const DefaultGateway = "default"

var ErrInvalidEnvelope = errors.New("invalid envelope")

type Media struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Inbound is the channel-normalized message carried in the `payload` field of a messages entry.
// ID is supplied by the originating gateway and must stay stable across redeliveries.
type Inbound struct {
	ID             string            `json:"id"`
	Channel        string            `json:"channel"`
	Direction      string            `json:"direction,omitempty"`
	ConversationID string            `json:"conversationId"`
	From           string            `json:"from,omitempty"`
	To             string            `json:"to,omitempty"`
	Timestamp      Timestamp         `json:"timestamp"`
	Text           string            `json:"text,omitempty"`
	Media          *Media            `json:"media,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Timestamp is written as RFC 3339. On input it also accepts epoch milliseconds, as a
// JSON number or a string of digits, which several gateways send.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == `""` {
		t.Time = time.Time{}
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}

	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}

	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("timestamp %q: want RFC 3339 or epoch milliseconds", raw)
	}
	t.Time = parsed
	return nil
}

type Route struct {
	Channel string `json:"channel"`
	Gateway string `json:"gateway"`
}

// Outbox is the inbound envelope plus the routing metadata the dispatcher needs.
type Outbox struct {
	Inbound
	OutboxID      string `json:"outboxId"`
	Route         Route  `json:"route"`
	SourceEntryID string `json:"sourceEntryId,omitempty"`
	SchemaVersion int    `json:"schemaVersion"`
}

func (e *Inbound) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidEnvelope)
	case strings.TrimSpace(e.Channel) == "":
		return fmt.Errorf("%w: channel is required", ErrInvalidEnvelope)
	case strings.TrimSpace(e.ConversationID) == "":
		return fmt.Errorf("%w: conversationId is required", ErrInvalidEnvelope)
	case e.Text == "" && (e.Media == nil || e.Media.URL == ""):
		return fmt.Errorf("%w: text or media is required", ErrInvalidEnvelope)
	}
	switch e.Direction {
	case "", DirectionInbound, DirectionOutbound:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidEnvelope, e.Direction)
	}
	return nil
}

// IdempotencyKey identifies the logical message. The channel is part of the key so
// ids issued by different gateways cannot collide.
func (e *Inbound) IdempotencyKey() string {
	return strings.ToLower(strings.TrimSpace(e.Channel)) + ":" + strings.TrimSpace(e.ID)
}

// OutboxID is derived from the idempotency key so every redelivery of the same
// logical message maps to the same outbox id.
func (e *Inbound) OutboxID() string {
	return e.IdempotencyKey() + ":out"
}

// DedupeKey is the guard key written before the outbox append.
func DedupeKey(idempotencyKey string) string {
	return "outbox-dedupe:" + idempotencyKey
}

// StatusKey is the status record key for an outbox entry.
func StatusKey(outboxID string) string {
	return "status:" + outboxID
}

// DecodeInbound parses and validates the fields of a messages entry.
func DecodeInbound(fields map[string]string) (*Inbound, error) {
	raw, ok := fields[FieldPayload]
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: missing %s field", ErrInvalidEnvelope, FieldPayload)
	}

	return ParseInbound([]byte(raw))
}

// ParseInbound parses and validates a JSON-encoded inbound envelope.
func ParseInbound(raw []byte) (*Inbound, error) {
	var env Inbound
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// EncodeInbound renders the fields of a messages entry.
func EncodeInbound(env *Inbound) (map[string]string, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal inbound envelope: %w", err)
	}
	return map[string]string{FieldPayload: string(payload)}, nil
}

// NewOutbox derives the outbox envelope for an inbound message.
func NewOutbox(in *Inbound, sourceEntryID string, routes map[string]string) *Outbox {
	channel := strings.ToLower(strings.TrimSpace(in.Channel))
	gateway := routes[channel]
	if gateway == "" {
		gateway = DefaultGateway
	}
	return &Outbox{
		Inbound:       *in,
		OutboxID:      in.OutboxID(),
		Route:         Route{Channel: channel, Gateway: gateway},
		SourceEntryID: sourceEntryID,
		SchemaVersion: SchemaVersion,
	}
}

// EncodeOutbox renders the fields of an outbox entry.
func EncodeOutbox(env *Outbox) (map[string]string, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox envelope: %w", err)
	}
	return map[string]string{
		FieldOutboxID: env.OutboxID,
		FieldPayload:  string(payload),
		FieldVersion:  strconv.Itoa(env.SchemaVersion),
	}, nil
}

// DecodeOutbox parses an outbox entry. Entries written by a newer, incompatible
// producer are rejected.
func DecodeOutbox(fields map[string]string) (*Outbox, error) {
	if v := fields[FieldVersion]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n > SchemaVersion {
			return nil, fmt.Errorf("%w: unsupported schema version %q", ErrInvalidEnvelope, v)
		}
	}

	raw, ok := fields[FieldPayload]
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: missing %s field", ErrInvalidEnvelope, FieldPayload)
	}

	var env Outbox
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.OutboxID == "" {
		env.OutboxID = fields[FieldOutboxID]
	}
	if env.OutboxID == "" {
		return nil, fmt.Errorf("%w: missing outbox id", ErrInvalidEnvelope)
	}
	return &env, nil
}
