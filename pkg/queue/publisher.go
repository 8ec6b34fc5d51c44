package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
)

const defaultPublishTimeout = 15 * time.Second

// Publisher wraps a Pub/Sub topic publisher with JSON encoding and a bounded
// wait for the server-assigned message id.
type Publisher struct {
	pub     *gcppubsub.Publisher
	timeout time.Duration
}

// NewPublisher builds a publisher for the given topic handle.
func NewPublisher(pub *gcppubsub.Publisher) (*Publisher, error) {
	if pub == nil {
		return nil, errors.New("pubsub publisher handle is required")
	}
	return &Publisher{pub: pub, timeout: defaultPublishTimeout}, nil
}

// PublishJSON marshals payload and publishes it, blocking until the broker
// acknowledges or the timeout elapses.
func (p *Publisher) PublishJSON(ctx context.Context, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling queue payload: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := p.pub.Publish(publishCtx, &gcppubsub.Message{Data: data})
	id, err := result.Get(publishCtx)
	if err != nil {
		return "", fmt.Errorf("publishing queue message: %w", err)
	}
	return id, nil
}
