package usecase

import (
	"context"
	"strings"

	"omnirelay/internal/domain/outbox"
)

type GetStatus struct {
	statuses outbox.StatusStore
}

func NewGetStatus(statuses outbox.StatusStore) *GetStatus {
	return &GetStatus{statuses: statuses}
}

// Execute returns outbox.ErrStatusNotFound when nothing was recorded for outboxID yet.
func (uc *GetStatus) Execute(ctx context.Context, outboxID string) (*outbox.StatusRecord, error) {
	outboxID = strings.TrimSpace(outboxID)
	if outboxID == "" {
		return nil, outbox.ErrStatusNotFound
	}
	return uc.statuses.Get(ctx, outboxID)
}
