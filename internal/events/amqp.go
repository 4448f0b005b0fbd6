package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatrelay/pkg/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultExchange = "chatrelay.events"

// AMQPPublisher publishes events to a durable topic exchange.
// The channel is re-opened lazily after the broker drops it.
type AMQPPublisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	p := &AMQPPublisher{url: url, exchange: exchange}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connectLocked() error {
	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(5 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn = conn
	p.ch = ch
	return nil
}

// PublishMessageCreated sends evt as a persistent JSON message.
func (p *AMQPPublisher) PublishMessageCreated(ctx context.Context, evt domain.MessageCreated) error {
	body, err := encodeMessageCreated(evt)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() || p.conn == nil || p.conn.IsClosed() {
		p.closeLocked()
		if err := p.connectLocked(); err != nil {
			return err
		}
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKeyMessageCreated, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.Message.ID,
		Timestamp:    evt.At,
		Type:         RoutingKeyMessageCreated,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", RoutingKeyMessageCreated, err)
	}
	return nil
}

// Close shuts down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *AMQPPublisher) closeLocked() error {
	var errs []error
	if p.ch != nil && !p.ch.IsClosed() {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil && !p.conn.IsClosed() {
		errs = append(errs, p.conn.Close())
	}
	p.ch = nil
	p.conn = nil
	return errors.Join(errs...)
}
