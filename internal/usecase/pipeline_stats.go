package usecase

import (
	"context"

	"omnirelay/internal/domain/outbox"
	"omnirelay/internal/stream"
)

type StreamStats struct {
	Stream  string `json:"stream"`
	Group   string `json:"group"`
	Length  int64  `json:"length"`
	Pending int64  `json:"pending"`
}

type PipelineStats struct {
	Messages    StreamStats `json:"messages"`
	Outbox      StreamStats `json:"outbox"`
	DeadLetters int64       `json:"dead_letters"`
}

// StreamGroup names a stream and the consumer group whose pending list is reported.
type StreamGroup struct {
	Stream string
	Group  string
}

type GetPipelineStats struct {
	log         stream.Log
	deadLetters outbox.DeadLetterStore
	messages    StreamGroup
	outbox      StreamGroup
}

func NewGetPipelineStats(log stream.Log, deadLetters outbox.DeadLetterStore, messages, outboxGroup StreamGroup) *GetPipelineStats {
	return &GetPipelineStats{
		log:         log,
		deadLetters: deadLetters,
		messages:    messages,
		outbox:      outboxGroup,
	}
}

func (uc *GetPipelineStats) Execute(ctx context.Context) (*PipelineStats, error) {
	messages, err := uc.streamStats(ctx, uc.messages)
	if err != nil {
		return nil, err
	}
	out, err := uc.streamStats(ctx, uc.outbox)
	if err != nil {
		return nil, err
	}

	stats := &PipelineStats{Messages: messages, Outbox: out}
	if uc.deadLetters != nil {
		if stats.DeadLetters, err = uc.deadLetters.Count(ctx); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (uc *GetPipelineStats) streamStats(ctx context.Context, sg StreamGroup) (StreamStats, error) {
	length, err := uc.log.Len(ctx, sg.Stream)
	if err != nil {
		return StreamStats{}, err
	}
	pending, err := uc.log.PendingCount(ctx, sg.Stream, sg.Group)
	if err != nil {
		return StreamStats{}, err
	}
	return StreamStats{Stream: sg.Stream, Group: sg.Group, Length: length, Pending: pending}, nil
}
