package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/activity"
)

// BlockRepository persists block events.
type BlockRepository interface {
	RecordBlocks(ctx context.Context, events []activity.Event) error
}

// StoreSink forwards the blocks of each batch to a BlockRepository in one call.
type StoreSink struct {
	repo   BlockRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo BlockRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume filters the batch down to blocks and records them.
func (s *StoreSink) Consume(ctx context.Context, batch []activity.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var blocks []activity.Event
	for _, evt := range batch {
		if evt.Kind == activity.KindBlocked {
			blocks = append(blocks, evt)
		}
	}
	if len(blocks) == 0 {
		return nil
	}
	if err := s.repo.RecordBlocks(ctx, blocks); err != nil {
		return fmt.Errorf("record blocks: %w", err)
	}
	s.logger.Debug("recorded blocks", zap.Int("count", len(blocks)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
