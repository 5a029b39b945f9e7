package usecase

import (
	"context"
	"fmt"

	"omnirelay/internal/domain/envelope"
	"omnirelay/internal/stream"
)

// IngestMessage appends a channel-normalized envelope to the messages stream. It is the
// producer side shared by the HTTP API and the Kafka bridge.
type IngestMessage struct {
	log    stream.Log
	stream string
}

func NewIngestMessage(log stream.Log, messagesStream string) *IngestMessage {
	return &IngestMessage{log: log, stream: messagesStream}
}

// Execute validates env and returns the id of the new messages entry.
func (uc *IngestMessage) Execute(ctx context.Context, env *envelope.Inbound) (string, error) {
	fields, err := envelope.EncodeInbound(env)
	if err != nil {
		return "", err
	}

	id, err := uc.log.Append(ctx, uc.stream, fields)
	if err != nil {
		return "", fmt.Errorf("ingest %s: %w", env.IdempotencyKey(), err)
	}
	return id, nil
}

// ExecuteRaw parses a JSON envelope and ingests it.
func (uc *IngestMessage) ExecuteRaw(ctx context.Context, raw []byte) (string, error) {
	env, err := envelope.ParseInbound(raw)
	if err != nil {
		return "", err
	}
	return uc.Execute(ctx, env)
}
