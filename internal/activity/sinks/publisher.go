package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/searchguard/internal/activity"
)

// Publisher pushes payloads to a topic. Both publisher/memory and publisher/pubsub
// satisfy it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlockMessage is the published form of a block. The query text is never included.
type BlockMessage struct {
	EventID     string    `json:"event_id"`
	Kind        string    `json:"kind"`
	Host        string    `json:"host"`
	Engine      string    `json:"engine"`
	MatchedTerm string    `json:"matched_term,omitempty"`
	Source      string    `json:"source,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Attributes exposes the kind as a Pub/Sub attribute for subscription filters.
func (m BlockMessage) Attributes() map[string]string {
	return map[string]string{"kind": m.Kind}
}

// PublisherSink publishes blocks and bypass transitions.
type PublisherSink struct {
	pub    Publisher
	topic  string
	engine func(host string) string
	logger *zap.Logger
}

// NewPublisherSink returns a sink publishing to topic. friendly maps a host to an
// engine display name.
func NewPublisherSink(pub Publisher, topic string, friendly func(string) string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if friendly == nil {
		friendly = func(h string) string { return h }
	}
	return &PublisherSink{pub: pub, topic: topic, engine: friendly, logger: logger}
}

// Consume publishes each relevant event. Failures are logged and the rest of the
// batch continues; the last error is returned.
func (s *PublisherSink) Consume(ctx context.Context, batch []activity.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var lastErr error
	for _, evt := range batch {
		switch evt.Kind {
		case activity.KindBlocked, activity.KindBypassStarted, activity.KindBypassEnded:
		default:
			continue
		}
		msg := BlockMessage{
			EventID:     evt.UUID().String(),
			Kind:        string(evt.Kind),
			Host:        evt.Host,
			MatchedTerm: evt.MatchedTerm,
			Source:      evt.Source,
			ObservedAt:  evt.TS,
		}
		if evt.Host != "" {
			msg.Engine = s.engine(evt.Host)
		}
		if _, err := s.pub.Publish(ctx, s.topic, msg); err != nil {
			s.logger.Warn("publish activity failed", zap.String("kind", msg.Kind), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
