// Package events publishes message domain events to downstream consumers.
// Publishing is best-effort: the chat flow never waits on or fails because
// of a publisher.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chatrelay/pkg/domain"
)

// RoutingKeyMessageCreated names the event emitted after a message is stored.
const RoutingKeyMessageCreated = "message.created"

// Publisher emits message events.
type Publisher interface {
	PublishMessageCreated(ctx context.Context, evt domain.MessageCreated) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishMessageCreated(context.Context, domain.MessageCreated) error { return nil }
func (Nop) Close() error { return nil }

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) PublishMessageCreated(ctx context.Context, evt domain.MessageCreated) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishMessageCreated(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func encodeMessageCreated(evt domain.MessageCreated) ([]byte, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", RoutingKeyMessageCreated, err)
	}
	return body, nil
}
