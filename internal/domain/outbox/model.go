package outbox

import (
	"context"
	"errors"
	"time"
)

// Delivery status values stored in the status record of an outbox entry.
const (
	StatusSent     = "sent"
	StatusRetrying = "retrying"
	StatusFailed   = "failed"
)

var ErrStatusNotFound = errors.New("status record not found")

type StatusRecord struct {
	OutboxID string `json:"outbox_id"`
	Status   string `json:"status"`
}

// DeadLetter is an entry that was taken out of a stream after exhausting its deliveries.
type DeadLetter struct {
	ID         string            `json:"id"`
	Stream     string            `json:"stream"`
	EntryID    string            `json:"entry_id"`
	OutboxID   string            `json:"outbox_id,omitempty"`
	Reason     string            `json:"reason"`
	Deliveries int64             `json:"deliveries"`
	Fields     map[string]string `json:"fields"`
	FailedAt   time.Time         `json:"failed_at"`
}

type StatusStore interface {
	Set(ctx context.Context, outboxID, status string) error
	// SetUnless writes status unless the record already holds current, in one atomic
	// step, and reports whether it wrote.
	SetUnless(ctx context.Context, outboxID, status, current string) (bool, error)
	Get(ctx context.Context, outboxID string) (*StatusRecord, error)
}

type DeadLetterStore interface {
	Put(ctx context.Context, dl *DeadLetter) error
	List(ctx context.Context, limit int64) ([]*DeadLetter, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

// DedupeGuard is a shared set-if-absent primitive.
type DedupeGuard interface {
	// SetIfAbsent reports true only when this call created the key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// OnceAppender writes a dedupe key and appends to a stream as one atomic step: either
// both happen or neither does. Guards that live next to the stream implement it.
type OnceAppender interface {
	AppendOnce(ctx context.Context, key, value string, ttl time.Duration, stream string, fields map[string]string) (id string, created bool, err error)
}

// Gateway delivers an outbox envelope payload to the downstream channel gateway.
type Gateway interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Delivery is what the dispatcher hands to a gateway.
type Delivery struct {
	OutboxID       string
	Channel        string
	Gateway        string
	ConversationID string
	Payload        []byte
}
