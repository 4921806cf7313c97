package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"cloud.google.com/go/pubsub"
)

// PubSubEmitter publishes lifecycle events to a Cloud Pub/Sub topic so
// dashboards and metrics consumers can subscribe out of process.
type PubSubEmitter struct {
	ctx    context.Context
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubEmitter connects to the project and topic.
func NewPubSubEmitter(ctx context.Context, projectID, topicID string, logger *slog.Logger) (*PubSubEmitter, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubEmitter{
		ctx:    ctx,
		client: client,
		topic:  client.Topic(topicID),
		logger: logger,
	}, nil
}

// Emit publishes asynchronously; publish failures are logged, never
// propagated to the decision path.
func (e *PubSubEmitter) Emit(ev LifecycleEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("pubsub marshal failed", "error", err)
		return
	}

	res := e.topic.Publish(e.ctx, &pubsub.Message{
		Data: b,
		Attributes: map[string]string{
			"signal":     ev.Signal,
			"event_kind": ev.EventKind,
		},
	})

	go func() {
		if _, err := res.Get(e.ctx); err != nil {
			e.logger.Error("pubsub publish failed", "signal", ev.Signal, "error", err)
		}
	}()
}

// Close stops the topic publisher and closes the client.
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	return e.client.Close()
}
