package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"auction-engine/internal/biddingerrors"
	"auction-engine/internal/models"
	"auction-engine/utils"
)

// publisher is the subset of *amqp.Channel the sink uses
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events as JSON to a topic exchange, routed by event kind
type AMQPSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  publisher
	exchange string
}

// NewAMQPSink dials the broker and declares a durable topic exchange
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w: %w", biddingerrors.ErrSinkUnavailable, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w: %w", biddingerrors.ErrSinkUnavailable, err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp: declare exchange %s: %w", exchange, err)
	}
	utils.Info("amqp event sink ready", map[string]any{"exchange": exchange})
	return &AMQPSink{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish sends the event with the event kind as routing key
func (s *AMQPSink) Publish(ctx context.Context, e models.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("amqp: marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.channel.PublishWithContext(ctx,
		s.exchange,     // exchange
		string(e.Kind), // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.AuctionID + ":" + e.BidID + ":" + string(e.Kind),
			Timestamp:    e.OccurredAt,
			Type:         string(e.Kind),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("amqp: publish %s: %w: %w", e.Kind, biddingerrors.ErrSinkUnavailable, err)
	}
	return nil
}

// Close closes the channel and the connection
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.channel.Close(); err != nil {
		return fmt.Errorf("amqp: close channel: %w", err)
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
